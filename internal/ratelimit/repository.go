// Ratelimit repository encapsulates the shared-cache counters behind Relay's ratelimit buckets.

package ratelimit

import (
	"Relay/pkg/db"
	"Relay/pkg/log"
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Prefix of every bucket key in the shared cache.
const keyPrefix = "rtl:"

// Initializes the counter to limit-1 with a TTL when absent, otherwise decrements it keeping the TTL.
var spendScript = redis.NewScript(`
local remaining = redis.call('GET', KEYS[1])
if not remaining then
	local left = tonumber(ARGV[1]) - 1
	redis.call('SET', KEYS[1], tostring(left), 'EX', ARGV[2])
	return left
end
return redis.call('DECR', KEYS[1])
`)

type Repository interface {
	// Remaining returns the remaining quota of a bucket, ok is false when the bucket doesn't exist.
	Remaining(ctx context.Context, logger log.Logger, bucket string) (remaining int64, ok bool, err error)
	// Spend decrements the bucket, creating it with limit and window when absent.
	Spend(ctx context.Context, logger log.Logger, bucket string, limit int, window time.Duration) (int64, error)
	// Delete drops the bucket.
	Delete(ctx context.Context, logger log.Logger, bucket string) error
}

// repository struct of ratelimit Repository.
type repository struct {
	db *db.RedisDB
}

// Returns a new instance of ratelimit repository for other packages to access its interface.
func NewRepository(dbwrp *db.RedisDB) Repository {
	return repository{db: dbwrp}
}

func key(bucket string) string {
	return keyPrefix + bucket
}

func (r repository) Remaining(ctx context.Context, logger log.Logger, bucket string) (int64, bool, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	val, dberr := r.db.Client().Get(ctx, key(bucket)).Result()
	if dberr == redis.Nil {
		return 0, false, nil
	} else if dberr != nil {
		logger.WithCtx(ctx).Warn().Err(dberr).Str("bucket", bucket).Msg("Error occured during execution of redis.Get() in ratelimit.Remaining")
		return 0, false, errors.Wrap(dberr, "get bucket")
	}
	remaining, prserr := strconv.ParseInt(val, 10, 64)
	if prserr != nil {
		return 0, false, errors.Wrapf(prserr, "bucket %s holds %q", bucket, val)
	}
	return remaining, true, nil
}

func (r repository) Spend(ctx context.Context, logger log.Logger, bucket string, limit int, window time.Duration) (int64, error) {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	remaining, dberr := spendScript.Run(ctx, r.db.Client(), []string{key(bucket)}, limit, seconds).Int64()
	if dberr != nil {
		logger.WithCtx(ctx).Warn().Err(dberr).Str("bucket", bucket).Msg("Error occured during execution of spend script in ratelimit.Spend")
		return 0, errors.Wrap(dberr, "spend bucket")
	}
	return remaining, nil
}

func (r repository) Delete(ctx context.Context, logger log.Logger, bucket string) error {
	ctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()
	if dberr := r.db.Client().Del(ctx, key(bucket)).Err(); dberr != nil {
		logger.WithCtx(ctx).Warn().Err(dberr).Str("bucket", bucket).Msg("Error occured during execution of redis.Del() in ratelimit.Delete")
		return errors.Wrap(dberr, "delete bucket")
	}
	return nil
}
