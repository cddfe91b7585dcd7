// NATS transport of the bus.

package bus

import (
	"Relay/pkg/log"
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Pending messages buffered per subscription before NATS reports a slow consumer.
const natsPending = 1024

type natsBus struct {
	nc     *nats.Conn
	logger log.Logger
}

// NewNATS connects to the NATS servers of url, reconnecting forever.
func NewNATS(url string, logger log.Logger) (Bus, error) {
	nc, cnterr := nats.Connect(url,
		nats.Name("relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("server", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if cnterr != nil {
		return nil, errors.Wrap(cnterr, "connect to nats")
	}
	return &natsBus{nc: nc, logger: logger}, nil
}

func (b *natsBus) Publish(_ context.Context, channel string, payload []byte) error {
	if puberr := b.nc.Publish(channel, payload); puberr != nil {
		return errors.Wrapf(puberr, "publish on %s", channel)
	}
	return nil
}

func (b *natsBus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	msgs := make(chan *nats.Msg, natsPending)
	sub, suberr := b.nc.ChanSubscribe(channel, msgs)
	if suberr != nil {
		return errors.Wrapf(suberr, "subscribe to %s", channel)
	}
	defer sub.Unsubscribe()
	b.logger.WithCtx(ctx).Info().Str("channel", channel).Msg("Subscribed to NATS subject")

	for {
		select {
		case msg := <-msgs:
			deliver(ctx, b.logger, channel, handler, msg.Data)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *natsBus) Close() error {
	return b.nc.Drain()
}
