// Fan-out engine of Relay: delivers server originated events to their audience,
// one encoding per wire dialect.

package fanout

import (
	"Relay/internal/client"
	"Relay/internal/codec"
	"Relay/internal/entity"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"context"
	"strconv"
	"sync"
)

// Events whose value goes through the post parse helper.
var postEvents = map[string]bool{
	"post":        true,
	"update_post": true,
}

// Resolver maps an audience to live connections.
type Resolver interface {
	Resolve(audience entity.Audience) []*client.Client
}

// PostParser normalizes post documents before they are sent.
type PostParser interface {
	Parse(ctx context.Context, post interface{}) interface{}
}

// Engine is the single dispatcher of a process. Publish calls are linearized,
// so every connection sees events in the order the engine processed them.
type Engine struct {
	mu       sync.Mutex
	registry Resolver
	posts    PostParser
	logger   log.Logger
}

func New(registry Resolver, posts PostParser, logger log.Logger) *Engine {
	return &Engine{registry: registry, posts: posts, logger: logger}
}

// Publish delivers ev and returns the number of connections it was queued for.
func (e *Engine) Publish(ctx context.Context, ev entity.Event) int {
	extra := withoutListener(ev.Extra)
	val := ev.Val
	if postEvents[ev.Cmd] && e.posts != nil {
		// Once per event, never per recipient
		val = e.posts.Parse(ctx, val)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	recipients := e.registry.Resolve(ev.Audience)
	if len(recipients) == 0 {
		return 0
	}
	frames := make(map[int][]byte, 2)
	delivered := 0
	for _, c := range recipients {
		frame, ok := frames[c.Version]
		if !ok {
			var err error
			frame, err = codec.Encode(c.Version, ev.Cmd, val, extra)
			if err != nil {
				e.logger.WithCtx(ctx).Error().Stack().Err(err).Str("cmd", ev.Cmd).Msg("Error occured while encoding event, dropped")
				return delivered
			}
			frames[c.Version] = frame
		}
		if c.Enqueue(frame) {
			delivered++
			metrics.FanoutFrames.WithLabelValues(strconv.Itoa(c.Version)).Inc()
		}
	}
	return delivered
}

// BroadcastPresence sends the new presence list to every live connection.
// Registered as a registry presence hook.
func (e *Engine) BroadcastPresence(ctx context.Context, change entity.PresenceChange) {
	e.Publish(ctx, entity.Event{Cmd: entity.CmdUlist, Val: change.Ulist, Audience: entity.ToAll()})
}

// Server originated events never carry a listener.
func withoutListener(extra map[string]interface{}) map[string]interface{} {
	if _, ok := extra["listener"]; !ok {
		return extra
	}
	out := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		if k != "listener" {
			out[k] = v
		}
	}
	return out
}
