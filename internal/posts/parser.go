// Post parse helper: normalizes internal post documents to the shape sent to clients.

package posts

import (
	"Relay/internal/backend"
	"Relay/pkg/log"
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Keys of a user document kept in the embedded author object.
var authorKeys = []string{"_id", "username", "avatar", "avatar_color", "pfp_data", "flags", "icon"}

// Keys of an emoji or sticker document kept in the embedded emote object.
var emoteKeys = []string{"_id", "chat_id", "name", "animated"}

// Replies nest at most this deep.
const maxReplyDepth = 2

// Kinds of cached lookups, used as key prefixes.
const (
	kindUser    = "user"
	kindEmoji   = "emoji"
	kindSticker = "sticker"
	kindPost    = "post"
)

// Fetcher resolves the documents referenced by id from a post.
type Fetcher interface {
	GetUser(ctx context.Context, username string) (backend.Document, error)
	GetEmoji(ctx context.Context, id string) (backend.Document, error)
	GetSticker(ctx context.Context, id string) (backend.Document, error)
	GetPost(ctx context.Context, id string) (backend.Document, error)
}

// Parser expands author, emoji, sticker and reply ids into embedded objects.
// Lookups are cached for ttl. An id that can't be resolved is left as is.
type Parser struct {
	fetcher Fetcher
	cache   *expirable.LRU[string, map[string]interface{}]
	logger  log.Logger
}

func NewParser(fetcher Fetcher, size int, ttl time.Duration, logger log.Logger) *Parser {
	if size <= 0 {
		size = 1024
	}
	return &Parser{
		fetcher: fetcher,
		cache:   expirable.NewLRU[string, map[string]interface{}](size, nil, ttl),
		logger:  logger,
	}
}

// Parse returns the wire shape of post. Values that are not posts are returned unchanged.
// The input is never mutated, it may be shared with other publishers.
func (p *Parser) Parse(ctx context.Context, post interface{}) interface{} {
	m, ok := post.(map[string]interface{})
	if !ok {
		return post
	}
	return p.parse(ctx, m, 0)
}

func (p *Parser) parse(ctx context.Context, post map[string]interface{}, depth int) map[string]interface{} {
	out := make(map[string]interface{}, len(post))
	for k, v := range post {
		out[k] = v
	}
	if id, ok := post["author"].(string); ok && id != "" {
		if author, found := p.lookup(ctx, kindUser, id, p.fetcher.GetUser, authorKeys); found {
			out["author"] = author
		}
	}
	if emojis, ok := post["emojis"].([]interface{}); ok {
		out["emojis"] = p.expand(ctx, emojis, func(id string) (interface{}, bool) {
			return p.lookup(ctx, kindEmoji, id, p.fetcher.GetEmoji, emoteKeys)
		})
	}
	if stickers, ok := post["stickers"].([]interface{}); ok {
		out["stickers"] = p.expand(ctx, stickers, func(id string) (interface{}, bool) {
			return p.lookup(ctx, kindSticker, id, p.fetcher.GetSticker, emoteKeys)
		})
	}
	if replies, ok := post["reply_to"].([]interface{}); ok && depth < maxReplyDepth {
		parsed := make([]interface{}, 0, len(replies))
		for _, reply := range replies {
			switch r := reply.(type) {
			case map[string]interface{}:
				parsed = append(parsed, p.parse(ctx, r, depth+1))
			case string:
				if doc, found := p.lookup(ctx, kindPost, r, p.fetcher.GetPost, nil); found {
					parsed = append(parsed, p.parse(ctx, doc, depth+1))
				} else {
					parsed = append(parsed, r)
				}
			default:
				parsed = append(parsed, reply)
			}
		}
		out["reply_to"] = parsed
	}
	return out
}

// expand replaces every string id of list that resolve knows.
func (p *Parser) expand(ctx context.Context, list []interface{}, resolve func(id string) (interface{}, bool)) []interface{} {
	out := make([]interface{}, 0, len(list))
	for _, item := range list {
		id, ok := item.(string)
		if !ok || id == "" {
			out = append(out, item)
			continue
		}
		if obj, found := resolve(id); found {
			out = append(out, obj)
		} else {
			out = append(out, id)
		}
	}
	return out
}

// lookup fetches the document kind/id, keeping only keys when given.
// Cached documents are shared between events and must be treated as read-only.
func (p *Parser) lookup(
	ctx context.Context,
	kind, id string,
	fetch func(ctx context.Context, id string) (backend.Document, error),
	keys []string,
) (map[string]interface{}, bool) {
	if doc, ok := p.cache.Get(kind + ":" + id); ok {
		return doc, true
	}
	doc, err := fetch(ctx, id)
	if err != nil {
		p.logger.WithCtx(ctx).Warn().Err(err).Str("kind", kind).Str("id", id).Msg("Couldn't expand post reference")
		return nil, false
	}
	obj := map[string]interface{}(doc)
	if keys != nil {
		obj = make(map[string]interface{}, len(keys))
		for _, k := range keys {
			if v, ok := doc[k]; ok {
				obj[k] = v
			}
		}
	}
	if _, ok := obj["_id"]; !ok {
		obj["_id"] = id
	}
	p.cache.Add(kind+":"+id, obj)
	return obj, true
}
