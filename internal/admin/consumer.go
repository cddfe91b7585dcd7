// Admin bus consumer of Relay: applies operator directives to the local sessions.

package admin

import (
	"Relay/internal/backend"
	"Relay/internal/bus"
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"context"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Event delivering an operator alert.
const CmdInboxMessage = "inbox_message"

// Event carrying account changes to the sockets of a user.
const cmdUpdateConfig = "update_config"

// Backend is the admin surface of the REST proxy.
type Backend interface {
	AdminGetUser(ctx context.Context, username string) (entity.Account, error)
	AdminSetBan(ctx context.Context, username string, ban entity.Ban) error
	AdminGetNotes(ctx context.Context, username string) (string, error)
	AdminPutNotes(ctx context.Context, username, notes string) error
}

// Sessions closes the sockets of a user.
type Sessions interface {
	KickUser(username, sid string, status errors.Status, code int, reason string) int
}

// Publisher hands events to the fan-out engine.
type Publisher interface {
	Publish(ctx context.Context, ev entity.Event) int
}

// Flags flips repair mode.
type Flags interface {
	SetRepairMode(ctx context.Context, enabled bool) error
}

// Consumer applies directives. One failing directive never stops it.
type Consumer struct {
	backend   Backend
	sessions  Sessions
	publisher Publisher
	flags     Flags
	logger    log.Logger
	now       func() time.Time
}

func NewConsumer(backend Backend, sessions Sessions, publisher Publisher, flags Flags, logger log.Logger) *Consumer {
	return &Consumer{
		backend:   backend,
		sessions:  sessions,
		publisher: publisher,
		flags:     flags,
		logger:    logger,
		now:       time.Now,
	}
}

// Run consumes the admin channel until ctx is done.
func (c *Consumer) Run(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(ctx, bus.AdminChannel, c.Handle)
}

// Handle decodes and applies one bus message.
func (c *Consumer) Handle(ctx context.Context, payload []byte) {
	var d entity.Directive
	if decerr := msgpack.Unmarshal(payload, &d); decerr != nil {
		metrics.BusMessages.WithLabelValues(bus.AdminChannel, "malformed").Inc()
		c.logger.WithCtx(ctx).Warn().Err(decerr).Msg("Malformed admin directive dropped")
		return
	}
	outcome := "ok"
	if err := c.Apply(ctx, d); err != nil {
		outcome = "error"
		c.logger.WithCtx(ctx).Error().Stack().Err(err).Str("op", d.Op).Str("user", d.User).Msg("Error occured while applying admin directive")
	}
	metrics.BusMessages.WithLabelValues(bus.AdminChannel, outcome).Inc()
}

// Apply runs the side effects of a directive on this process.
func (c *Consumer) Apply(ctx context.Context, d entity.Directive) error {
	switch d.Op {
	case entity.OpAlertUser:
		if d.User == "" {
			return pkgerrors.New("alert_user without user")
		}
		c.publisher.Publish(ctx, entity.Event{
			Cmd:      CmdInboxMessage,
			Val:      map[string]interface{}{"content": d.Content},
			Audience: entity.ToUsernames(d.User),
		})
		return nil

	case entity.OpBanUser:
		return c.ban(ctx, d)

	case entity.OpRevokeAccSession:
		if d.User == "" {
			return pkgerrors.New("revoke_acc_session without user")
		}
		n := c.sessions.KickUser(d.User, d.Sid, errors.Kicked, client.CloseSessionRevoked, client.ReasonSessionRevoked)
		c.logger.WithCtx(ctx).Info().Str("user", d.User).Str("sid", d.Sid).Int("sockets", n).Msg("Revoked sessions")
		return nil

	case entity.OpLog:
		level, lvlerr := zerolog.ParseLevel(strings.ToLower(d.Level))
		if lvlerr != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		c.logger.WithLevel(level).Str("source", "admin").Msg(d.Msg)
		return nil

	case entity.OpRepairMode:
		return c.flags.SetRepairMode(ctx, d.Enabled)
	}

	c.logger.WithCtx(ctx).Warn().Str("op", d.Op).Msg("Unknown admin directive ignored")
	return nil
}

// ban merges the patch into the stored ban, then closes or updates the user's sockets.
func (c *Consumer) ban(ctx context.Context, d entity.Directive) error {
	if d.User == "" {
		return pkgerrors.New("ban_user without user")
	}
	account, err := c.backend.AdminGetUser(ctx, d.User)
	if err != nil {
		return pkgerrors.Wrapf(err, "get %s", d.User)
	}
	ban := d.Apply(backend.BanOf(account))
	if err := c.backend.AdminSetBan(ctx, d.User, ban); err != nil {
		return pkgerrors.Wrapf(err, "ban %s", d.User)
	}

	if d.Note != "" {
		notes, err := c.backend.AdminGetNotes(ctx, d.User)
		if err != nil {
			return pkgerrors.Wrapf(err, "get notes of %s", d.User)
		}
		if notes != "" {
			notes += "\n\n"
		}
		if err := c.backend.AdminPutNotes(ctx, d.User, notes+d.Note); err != nil {
			return pkgerrors.Wrapf(err, "put notes of %s", d.User)
		}
	}

	if ban.Active(c.now()) {
		c.sessions.KickUser(d.User, "", errors.Banned, client.CloseSessionRevoked, client.ReasonBanned)
		return nil
	}
	c.publisher.Publish(ctx, entity.Event{
		Cmd:      cmdUpdateConfig,
		Val:      map[string]interface{}{"ban": ban},
		Audience: entity.ToUsernames(d.User),
	})
	return nil
}
