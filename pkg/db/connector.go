// Initialization of Redis client to be used internally in Relay.

package db

import (
	"Relay/pkg/log"
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisDB represents a redis client connection to be used internally in Relay.
type RedisDB struct {
	client       *redis.Client
	txMaxRetries int
}

// Global DB instance to be used all over Relay.
var globalDbClient *RedisDB

// sync.Once singleton is used to make sure configs and DB instantiation is done only once.
var once sync.Once

// Default number of retries for watched transactions.
const defaultTxMaxRetries = 5

// Client returns the redis client wrapped by RedisDB.
func (db *RedisDB) Client() *redis.Client {
	return db.client
}

// GetMaxRetries returns the number of allowed retries in a watched redis transaction
func (db *RedisDB) GetMaxRetries() int {
	return db.txMaxRetries
}

// Returns the process wide Redis DB connection built from a redis:// url.
// Only the first call dials; later calls return the same wrapper.
func NewDbConnection(ctx context.Context, logger log.Logger, url string) (*RedisDB, error) {
	var dberr error
	once.Do(func() {
		globalDbClient, dberr = Dial(url, defaultTxMaxRetries)
		if dberr != nil {
			logger.WithCtx(ctx).Error().Err(dberr).Msg("Couldn't parse REDIS_URL")
		}
	})
	if globalDbClient == nil && dberr == nil {
		dberr = errors.New("redis connection was not initialized")
	}
	return globalDbClient, dberr
}

// Dial builds a standalone RedisDB without touching the global instance.
func Dial(url string, txMaxRetries int) (*RedisDB, error) {
	opts, prserr := redis.ParseURL(url)
	if prserr != nil {
		return nil, errors.Wrap(prserr, "parse redis url")
	}
	if txMaxRetries <= 0 {
		txMaxRetries = defaultTxMaxRetries
	}
	return &RedisDB{client: redis.NewClient(opts), txMaxRetries: txMaxRetries}, nil
}

// Helper to check connection status of redis client to redis-server.
// Equivalent to a PING request on redis-server, returns PONG on success.
func (db *RedisDB) CheckDbConnection(ctx context.Context, logger log.Logger) error {
	logger.WithCtx(ctx).Info().Msg("Checking DB Connection . . .")
	// Pinging the Redis-server to check connection status
	cnterr := db.Client().Ping(ctx).Err()
	if cnterr != nil {
		// Most likely, DB connection failure
		logger.WithCtx(ctx).Warn().Err(cnterr).Msg("Redis client couldn't PING the redis-server.")
		return cnterr
	}
	// Connection successful
	logger.WithCtx(ctx).Info().Msg("Connection to DB Successful")
	return nil
}

// Helper to clean up test db after finishing Relay tests.
func (db *RedisDB) CleanTestDbData(ctx context.Context, logger log.Logger) {
	dberr := db.Client().FlushDB(ctx).Err()
	if dberr != nil {
		// Error during flushing test db
		logger.Error().Err(dberr).Msg("Error occured during the execution of FlushDB() in db.CleanTestDbData")
	}
}

// Helper to close the RedisDB client, should be called before closing the server.
func (db *RedisDB) CloseDbConnection(ctx context.Context) error {
	return db.Client().Close()
}
