// Service layer of the internal package ratelimit.

package ratelimit

import (
	"Relay/pkg/log"
	"context"
	"time"
)

// Bucket is a named sliding-window quota.
type Bucket struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Buckets spent by the gateway's command paths.
func LoginIP(ip string) Bucket {
	return Bucket{Key: "login:i:" + ip, Limit: 100, Window: 30 * time.Minute}
}

func LoginSuccess(username string) Bucket {
	return Bucket{Key: "login:u:" + username + ":s", Limit: 25, Window: 5 * time.Minute}
}

func LoginFailure(username string) Bucket {
	return Bucket{Key: "login:u:" + username + ":f", Limit: 5, Window: time.Minute}
}

func RegistrationFailure(ip string) Bucket {
	return Bucket{Key: "registration:" + ip + ":f", Limit: 5, Window: 30 * time.Second}
}

func RegistrationSuccess(ip string) Bucket {
	return Bucket{Key: "registration:" + ip + ":s", Limit: 5, Window: 15 * time.Minute}
}

func Config(username string) Bucket {
	return Bucket{Key: "config:" + username, Limit: 10, Window: 5 * time.Second}
}

func Report(username string) Bucket {
	return Bucket{Key: "report:" + username, Limit: 10, Window: time.Minute}
}

// Limiter exposes the ratelimit primitives. Cache failures never surface:
// reads fail open and writes are dropped.
type Limiter interface {
	// Ratelimited returns true if the remaining quota of the bucket is exhausted.
	Ratelimited(ctx context.Context, bucket string) bool
	// Ratelimit spends one unit of the bucket.
	Ratelimit(ctx context.Context, bucket string, limit int, window time.Duration)
	// Clear deletes the bucket.
	Clear(ctx context.Context, bucket string)
	// AnyRatelimited returns true if one of the buckets is exhausted.
	AnyRatelimited(ctx context.Context, buckets ...Bucket) bool
	// Spend spends one unit of the bucket.
	Spend(ctx context.Context, bucket Bucket)
}

// Object of this will be passed around from main to the command layer.
type limiter struct {
	repo   Repository
	logger log.Logger
}

func NewLimiter(repo Repository, logger log.Logger) Limiter {
	return limiter{repo: repo, logger: logger}
}

func (l limiter) Ratelimited(ctx context.Context, bucket string) bool {
	remaining, ok, err := l.repo.Remaining(ctx, l.logger, bucket)
	if err != nil || !ok {
		// Fail open, availability over strict enforcement
		return false
	}
	return remaining <= 0
}

func (l limiter) Ratelimit(ctx context.Context, bucket string, limit int, window time.Duration) {
	// Errors are logged by the repository, the write is dropped
	_, _ = l.repo.Spend(ctx, l.logger, bucket, limit, window)
}

func (l limiter) Clear(ctx context.Context, bucket string) {
	_ = l.repo.Delete(ctx, l.logger, bucket)
}

func (l limiter) AnyRatelimited(ctx context.Context, buckets ...Bucket) bool {
	for _, b := range buckets {
		if l.Ratelimited(ctx, b.Key) {
			return true
		}
	}
	return false
}

func (l limiter) Spend(ctx context.Context, bucket Bucket) {
	l.Ratelimit(ctx, bucket.Key, bucket.Limit, bucket.Window)
}
