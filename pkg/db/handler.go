// Handles health probing and call deadlines of the Redis Database used by Relay.

package db

import (
	"context"
	"time"
)

// Upper bound of one cache call. The cache is advisory, a stalled server must fail fast.
const OpTimeout = 500 * time.Millisecond

// Upper bound of a health probe, a stalled cache must not stall the status endpoint.
const pingTimeout = 500 * time.Millisecond

// WithTimeout bounds ctx by OpTimeout, callers must defer cancel.
func (db *RedisDB) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, OpTimeout)
}

// Healthy sends a bounded PING to the redis-server and reports whether it answered.
func (db *RedisDB) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.Client().Ping(ctx).Err() == nil
}
