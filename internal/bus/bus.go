// Cross-process message bus of Relay, carrying admin directives and content events.

package bus

import (
	"Relay/pkg/db"
	"Relay/pkg/log"
	"Relay/pkg/safe"
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Channels consumed by every gateway process.
const (
	AdminChannel  = "admin"
	EventsChannel = "events"
)

// Handler consumes one message. It must not retain payload.
type Handler func(ctx context.Context, payload []byte)

// Bus is a fire-and-forget pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages of channel to handler until ctx is done.
	// A panicking handler is logged and the subscription goes on.
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Open picks the transport from url: empty reuses the shared redis connection,
// nats:// connects to NATS and redis:// dials a dedicated redis.
func Open(ctx context.Context, url string, shared *db.RedisDB, logger log.Logger) (Bus, error) {
	switch {
	case url == "":
		return NewRedis(shared, false, logger), nil
	case strings.HasPrefix(url, "nats://"), strings.HasPrefix(url, "tls://"):
		return NewNATS(url, logger)
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		dbwrp, dberr := db.Dial(url, 0)
		if dberr != nil {
			return nil, errors.Wrap(dberr, "connect bus redis")
		}
		if cnterr := dbwrp.CheckDbConnection(ctx, logger); cnterr != nil {
			dbwrp.CloseDbConnection(ctx)
			return nil, errors.Wrap(cnterr, "ping bus redis")
		}
		return NewRedis(dbwrp, true, logger), nil
	}
	return nil, errors.Errorf("unsupported bus url scheme in %q", url)
}

// deliver runs handler, containing its panics.
func deliver(ctx context.Context, logger log.Logger, channel string, handler Handler, payload []byte) {
	defer safe.Recover(logger, "bus handler "+channel)
	handler(ctx, payload)
}
