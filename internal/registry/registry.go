// Connection registry of Relay: live sockets, username index and presence list.

package registry

import (
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"Relay/pkg/safe"
	"context"
	"strings"
	"sync"
)

// PresenceHook is called after a username appears or disappears.
type PresenceHook func(ctx context.Context, change entity.PresenceChange)

// Registry holds every live connection of this process.
// A single RWMutex guards the data. Presence hooks run after it is released, in the
// order the transitions happened: each transition takes a ticket under mu and waits its turn.
type Registry struct {
	mu    sync.RWMutex
	live  map[string]*client.Client
	users map[string][]*client.Client
	// Present usernames in order of first appearance
	names  []string
	ticket uint64

	presenceMu sync.Mutex
	turn       *sync.Cond
	serving    uint64
	hooks      []PresenceHook

	logger log.Logger
}

func New(logger log.Logger) *Registry {
	r := &Registry{
		live:   make(map[string]*client.Client),
		users:  make(map[string][]*client.Client),
		logger: logger,
	}
	r.turn = sync.NewCond(&r.presenceMu)
	return r
}

// OnPresenceChange registers a hook. Must be called before connections are accepted.
func (r *Registry) OnPresenceChange(hook PresenceHook) {
	r.hooks = append(r.hooks, hook)
}

// Add inserts the connection into the live set.
func (r *Registry) Add(c *client.Client) {
	r.mu.Lock()
	r.live[c.ID] = c
	n := len(r.live)
	r.mu.Unlock()
	metrics.Connections.Set(float64(n))
}

// Authenticate binds the connection to username, dropping any previous identity first.
// It reports whether the connection was already authenticated as username, in which case nothing changes.
func (r *Registry) Authenticate(ctx context.Context, c *client.Client, username, sessionID string) (already bool) {
	var changes []entity.PresenceChange
	r.mu.Lock()
	if c.Username() == username {
		r.mu.Unlock()
		return true
	}
	if change, ok := r.deauthenticateLocked(c); ok {
		changes = append(changes, change)
	}
	list := r.users[username]
	r.users[username] = append(list, c)
	c.SetIdentity(username, sessionID)
	if len(list) == 0 {
		r.names = append(r.names, username)
		changes = append(changes, r.changeLocked(username, true))
	}
	ticket := r.takeTicketLocked(changes)
	r.mu.Unlock()
	r.emit(ctx, ticket, changes)
	return false
}

// Deauthenticate clears the identity of the connection.
func (r *Registry) Deauthenticate(ctx context.Context, c *client.Client) {
	r.mu.Lock()
	changes := r.dropLocked(c)
	ticket := r.takeTicketLocked(changes)
	r.mu.Unlock()
	r.emit(ctx, ticket, changes)
}

// Remove deauthenticates the connection and drops it from the live set.
func (r *Registry) Remove(ctx context.Context, c *client.Client) {
	r.mu.Lock()
	changes := r.dropLocked(c)
	delete(r.live, c.ID)
	n := len(r.live)
	ticket := r.takeTicketLocked(changes)
	r.mu.Unlock()
	metrics.Connections.Set(float64(n))
	r.emit(ctx, ticket, changes)
}

func (r *Registry) dropLocked(c *client.Client) []entity.PresenceChange {
	if change, ok := r.deauthenticateLocked(c); ok {
		return []entity.PresenceChange{change}
	}
	return nil
}

func (r *Registry) takeTicketLocked(changes []entity.PresenceChange) uint64 {
	if len(changes) == 0 {
		return 0
	}
	t := r.ticket
	r.ticket++
	return t
}

// emit waits for the turn of ticket, then runs the hooks.
func (r *Registry) emit(ctx context.Context, ticket uint64, changes []entity.PresenceChange) {
	if len(changes) == 0 {
		return
	}
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	for r.serving != ticket {
		r.turn.Wait()
	}
	// Later tickets wait on this one, so the turn passes even if a hook fails
	defer func() {
		r.serving++
		r.turn.Broadcast()
	}()
	for _, change := range changes {
		for _, hook := range r.hooks {
			hookerr := safe.Call(func() error {
				hook(ctx, change)
				return nil
			})
			if hookerr != nil {
				r.logger.WithCtx(ctx).Error().Err(hookerr).Str("username", change.Username).Msg("Presence hook failed")
			}
		}
	}
}

func (r *Registry) deauthenticateLocked(c *client.Client) (entity.PresenceChange, bool) {
	username := c.Username()
	if username == "" {
		return entity.PresenceChange{}, false
	}
	c.SetIdentity("", "")
	list := r.users[username]
	for i, other := range list {
		if other == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		r.users[username] = list
		return entity.PresenceChange{}, false
	}
	delete(r.users, username)
	for i, name := range r.names {
		if name == username {
			r.names = append(r.names[:i:i], r.names[i+1:]...)
			break
		}
	}
	return r.changeLocked(username, false), true
}

func (r *Registry) changeLocked(username string, online bool) entity.PresenceChange {
	return entity.PresenceChange{
		Username: username,
		Online:   online,
		Ulist:    r.presenceLocked(),
		Users:    len(r.names),
	}
}

// Presence serializes the present usernames as "a;b;c;".
func (r *Registry) Presence() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked()
}

func (r *Registry) presenceLocked() string {
	if len(r.names) == 0 {
		return ""
	}
	return strings.Join(r.names, ";") + ";"
}

// Present reports whether username has at least one authenticated connection.
func (r *Registry) Present(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[username]) > 0
}

// ByUsername returns the connections of username in login order.
func (r *Registry) ByUsername(username string) []*client.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*client.Client(nil), r.users[username]...)
}

// Resolve returns the connections addressed by an audience, each at most once.
// Usernames are resolved in the order given, then connection ids.
func (r *Registry) Resolve(audience entity.Audience) []*client.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if audience.All() {
		out := make([]*client.Client, 0, len(r.live))
		for _, c := range r.live {
			out = append(out, c)
		}
		return out
	}
	seen := make(map[string]struct{})
	var out []*client.Client
	for _, name := range audience.Usernames {
		for _, c := range r.users[name] {
			if _, dup := seen[c.ID]; !dup {
				seen[c.ID] = struct{}{}
				out = append(out, c)
			}
		}
	}
	for _, id := range audience.ConnIDs {
		if c, ok := r.live[id]; ok {
			if _, dup := seen[c.ID]; !dup {
				seen[c.ID] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*client.Client {
	return r.Resolve(entity.ToAll())
}

// Get returns a live connection by id.
func (r *Registry) Get(id string) (*client.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.live[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// UserCount returns the number of distinct authenticated usernames.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// KickUser kicks every connection of username whose session matches sid, all of them when sid is empty.
// It returns the number of kicked connections.
func (r *Registry) KickUser(username, sid string, status errors.Status, code int, reason string) int {
	kicked := 0
	for _, c := range r.ByUsername(username) {
		if sid != "" && c.SessionID() != sid {
			continue
		}
		c.KickWithStatus(status, code, reason)
		kicked++
	}
	return kicked
}
