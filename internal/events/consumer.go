// Event channel consumer of Relay: one op byte followed by a msgpack body, fanned out locally.

package events

import (
	"Relay/internal/bus"
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"context"

	"github.com/vmihailenco/msgpack/v5"
)

// Event names of the ops relayed as they are.
var relayed = map[uint8]string{
	entity.OpUpdateUser:         "update_profile",
	entity.OpUpdateUserSettings: "update_config",
	entity.OpUpdateRelationship: "update_relationship",
	entity.OpCreateChat:         "create_chat",
	entity.OpUpdateChat:         "update_chat",
	entity.OpDeleteChat:         "delete_chat",
	entity.OpCreateChatMember:   "create_chat_member",
	entity.OpUpdateChatMember:   "update_chat_member",
	entity.OpDeleteChatMember:   "delete_chat_member",
	entity.OpCreateChatEmote:    "create_emote",
	entity.OpUpdateChatEmote:    "update_emote",
	entity.OpDeleteChatEmote:    "delete_emote",
	entity.OpTyping:             "typing",
	entity.OpCreatePost:         "post",
	entity.OpUpdatePost:         "update_post",
	entity.OpDeletePost:         "delete_post",
	entity.OpPostReactionAdd:    "post_reaction_add",
	entity.OpPostReactionRemove: "post_reaction_remove",
}

// Publisher hands events to the fan-out engine.
type Publisher interface {
	Publish(ctx context.Context, ev entity.Event) int
}

// Sessions closes the sockets of a user.
type Sessions interface {
	KickUser(username, sid string, status errors.Status, code int, reason string) int
}

// Consumer maps event channel messages to fan-out events.
type Consumer struct {
	publisher Publisher
	sessions  Sessions
	logger    log.Logger
}

func NewConsumer(publisher Publisher, sessions Sessions, logger log.Logger) *Consumer {
	return &Consumer{publisher: publisher, sessions: sessions, logger: logger}
}

// Run consumes the event channel until ctx is done.
func (c *Consumer) Run(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(ctx, bus.EventsChannel, c.Handle)
}

// Handle decodes and delivers one bus message.
func (c *Consumer) Handle(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		c.count("malformed")
		return
	}
	op := payload[0]
	var msg entity.EventMessage
	if decerr := msgpack.Unmarshal(payload[1:], &msg); decerr != nil {
		c.count("malformed")
		c.logger.WithCtx(ctx).Warn().Err(decerr).Uint8("op", op).Msg("Malformed event dropped")
		return
	}
	if c.deliver(ctx, op, msg) {
		c.count("ok")
		return
	}
	c.count("ignored")
}

func (c *Consumer) deliver(ctx context.Context, op uint8, msg entity.EventMessage) bool {
	audience := entity.ToAll()
	if msg.Usernames != nil {
		audience = entity.ToUsernames(msg.Usernames...)
	}
	var extra map[string]interface{}
	if msg.Origin != "" {
		extra = map[string]interface{}{"origin": msg.Origin}
	}

	switch op {
	case entity.OpCreateUser:
		return false

	case entity.OpDeleteUser:
		username, _ := field(msg.Val, "username")
		if username == "" {
			return false
		}
		c.sessions.KickUser(username, "", errors.Deleted, client.CloseSessionRevoked, client.ReasonDeleted)
		return true

	case entity.OpRevokeSession:
		username, _ := field(msg.Val, "username")
		if username == "" {
			return false
		}
		sid, _ := field(msg.Val, "sid")
		c.sessions.KickUser(username, sid, "", client.CloseSessionRevoked, client.ReasonSessionRevoked)
		return true

	case entity.OpBulkDeletePosts:
		ids, ok := asMap(msg.Val)["post_ids"].([]interface{})
		if !ok {
			return false
		}
		for _, id := range ids {
			c.publisher.Publish(ctx, entity.Event{
				Cmd:      "delete_post",
				Val:      map[string]interface{}{"post_id": id},
				Extra:    extra,
				Audience: audience,
			})
		}
		return true
	}

	cmd, ok := relayed[op]
	if !ok {
		c.logger.WithCtx(ctx).Warn().Uint8("op", op).Msg("Unknown event op skipped")
		return false
	}
	c.publisher.Publish(ctx, entity.Event{Cmd: cmd, Val: msg.Val, Extra: extra, Audience: audience})
	return true
}

func (c *Consumer) count(outcome string) {
	metrics.BusMessages.WithLabelValues(bus.EventsChannel, outcome).Inc()
}

// msgpack decodes maps inside interface{} as map[string]interface{}.
func asMap(val interface{}) map[string]interface{} {
	m, _ := val.(map[string]interface{})
	return m
}

func field(val interface{}, key string) (string, bool) {
	s, ok := asMap(val)[key].(string)
	return s, ok
}
