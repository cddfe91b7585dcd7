// Service layer of the internal package authentication.

package auth

import (
	"Relay/internal/backend"
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/ratelimit"
	"Relay/pkg/log"
	"Relay/pkg/safe"
	"context"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Events sent by the login flow.
const (
	CmdAuth   = "auth"
	CmdBanned = "banned"
)

// Time allowed to the best effort last seen touch on logout.
const touchTimeout = 5 * time.Second

// Backend is the subset of the REST proxy the login flow uses.
type Backend interface {
	Me(ctx context.Context, id backend.Identity, token string) (entity.Account, error)
	Login(ctx context.Context, id backend.Identity, username, password string) (backend.Session, error)
	Register(ctx context.Context, id backend.Identity, username, password string) (backend.Session, error)
	Relationships(ctx context.Context, id backend.Identity) (interface{}, error)
	Chats(ctx context.Context, id backend.Identity) (interface{}, error)
}

// Sessions binds connections to usernames.
type Sessions interface {
	Authenticate(ctx context.Context, c *client.Client, username, sessionID string) bool
	Deauthenticate(ctx context.Context, c *client.Client)
}

// Service layer of internal package auth which encapsulates the login flows of Relay.
type Service interface {
	// Password login. Replies nothing itself, the caller replies OK on nil.
	Login(ctx context.Context, c *client.Client, username, password string) error
	// Register then login
	Register(ctx context.Context, c *client.Client, username, password string) error
	// Token login, used by auto-login
	LoginWithToken(ctx context.Context, c *client.Client, token string) error
	// Drops the identity of c and touches its last seen time
	Logout(ctx context.Context, c *client.Client)
}

// Object of this will be passed around from main to the command layer.
type service struct {
	backend  Backend
	sessions Sessions
	limiter  ratelimit.Limiter
	logger   log.Logger
	now      func() time.Time
}

// Helps to access the service layer interface and call methods. Service object is passed from main.
func NewService(backend Backend, sessions Sessions, limiter ratelimit.Limiter, logger log.Logger) Service {
	return &service{backend: backend, sessions: sessions, limiter: limiter, logger: logger, now: time.Now}
}

func (s *service) Login(ctx context.Context, c *client.Client, username, password string) error {
	key := strings.ToLower(username)
	if s.limiter.AnyRatelimited(ctx, ratelimit.LoginIP(c.IP), ratelimit.LoginFailure(key), ratelimit.LoginSuccess(key)) {
		return errors.WithStatus(errors.RateLimit)
	}
	s.limiter.Spend(ctx, ratelimit.LoginIP(c.IP))

	session, err := s.backend.Login(ctx, backend.Identity{IP: c.IP}, username, password)
	if err != nil {
		switch errors.StatusOf(err) {
		case errors.PasswordInvalid, errors.TwoFARequired:
			s.limiter.Spend(ctx, ratelimit.LoginFailure(key))
		}
		return err
	}
	s.limiter.Spend(ctx, ratelimit.LoginSuccess(key))
	return s.complete(ctx, c, session)
}

func (s *service) Register(ctx context.Context, c *client.Client, username, password string) error {
	if s.limiter.AnyRatelimited(ctx, ratelimit.RegistrationFailure(c.IP), ratelimit.RegistrationSuccess(c.IP)) {
		return errors.WithStatus(errors.RateLimit)
	}
	session, err := s.backend.Register(ctx, backend.Identity{IP: c.IP}, username, password)
	if err != nil {
		s.limiter.Spend(ctx, ratelimit.RegistrationFailure(c.IP))
		return err
	}
	s.limiter.Spend(ctx, ratelimit.RegistrationSuccess(c.IP))
	return s.complete(ctx, c, session)
}

func (s *service) LoginWithToken(ctx context.Context, c *client.Client, token string) error {
	account, err := s.backend.Me(ctx, backend.Identity{IP: c.IP}, token)
	if err != nil {
		return err
	}
	return s.complete(ctx, c, backend.Session{Token: token, Account: account})
}

// complete runs the shared success flow: ban check, identity switch, auth event.
func (s *service) complete(ctx context.Context, c *client.Client, session backend.Session) error {
	ban := backend.BanOf(session.Account)
	if ban.Active(s.now()) {
		c.Send(CmdBanned, ban, nil)
		return errors.WithStatus(errors.Banned)
	}
	username := session.Account.Username()
	if username == "" {
		return errors.Wrap(errors.InternalServerError, pkgerrors.New("account without username"))
	}

	// Lists are fetched before the identity switch so that a failure leaves the connection untouched
	id := backend.Identity{IP: c.IP, Username: username}
	relationships, err := s.backend.Relationships(ctx, id)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"username":      username,
		"token":         session.Token,
		"account":       session.Account,
		"relationships": relationships,
	}
	if c.Version != entity.ProtoV0 {
		chats, err := s.backend.Chats(ctx, id)
		if err != nil {
			return err
		}
		payload["chats"] = chats
	}

	s.sessions.Authenticate(ctx, c, username, session.Account.SessionID())
	s.logger.WithCtx(c.Context()).Info().Str("username", username).Msg("Connection authenticated")
	c.Send(CmdAuth, payload, nil)
	return nil
}

func (s *service) Logout(ctx context.Context, c *client.Client) {
	username := c.Username()
	if username == "" {
		return
	}
	s.sessions.Deauthenticate(ctx, c)
	id := backend.Identity{IP: c.IP, Username: username}
	safe.Go(s.logger, "last seen touch", func() {
		tctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if _, err := s.backend.Me(tctx, id, ""); err != nil {
			s.logger.Debug().Err(err).Str("username", username).Msg("Last seen touch failed")
		}
	})
}
