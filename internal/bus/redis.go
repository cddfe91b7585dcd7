// Redis pub/sub transport of the bus, the default one.

package bus

import (
	"Relay/pkg/db"
	"Relay/pkg/log"
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

type redisBus struct {
	db *db.RedisDB
	// Whether Close also closes the connection
	owned  bool
	logger log.Logger
}

// NewRedis returns a bus over the pub/sub of dbwrp.
func NewRedis(dbwrp *db.RedisDB, owned bool, logger log.Logger) Bus {
	return &redisBus{db: dbwrp, owned: owned, logger: logger}
}

func (b *redisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := b.db.WithTimeout(ctx)
	defer cancel()
	if puberr := b.db.Client().Publish(ctx, channel, payload).Err(); puberr != nil {
		return errors.Wrapf(puberr, "publish on %s", channel)
	}
	return nil
}

// Bounds of the delay between two subscription attempts.
var (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Subscribe keeps a subscription to channel alive until ctx is done.
// Lost or refused subscriptions are retried with exponential backoff.
func (b *redisBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = minBackoff
	retry.MaxInterval = maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()
	for {
		suberr := b.consume(ctx, channel, handler, retry.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.NextBackOff()
		b.logger.WithCtx(ctx).Warn().Err(suberr).Str("channel", channel).Dur("retry_in", wait).Msg("Redis subscription lost")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// consume runs one subscription until it fails or ctx is done.
func (b *redisBus) consume(ctx context.Context, channel string, handler Handler, subscribed func()) error {
	pubsub := b.db.Client().Subscribe(ctx, channel)
	defer pubsub.Close()
	// Wait for the subscription confirmation so that no message published afterwards is missed
	if _, suberr := pubsub.Receive(ctx); suberr != nil {
		return errors.Wrapf(suberr, "subscribe to %s", channel)
	}
	b.logger.WithCtx(ctx).Info().Str("channel", channel).Msg("Subscribed to redis channel")
	subscribed()

	msgs := pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return errors.Errorf("redis channel %s closed", channel)
			}
			deliver(ctx, b.logger, channel, handler, []byte(msg.Payload))
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *redisBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.CloseDbConnection(context.Background())
}
