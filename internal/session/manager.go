// Session lifecycle of Relay: websocket upgrade, handshake, trust gate and the per-packet loop.

package session

import (
	"Relay/internal/client"
	"Relay/internal/codec"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/pkg/log"
	"Relay/pkg/safe"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Event sent to every socket when the process stops.
const CmdAbruptLogout = "abrupt_logout"

// Frames above this size close the socket, smaller oversized frames reply TooLarge.
const hardReadLimit = 4 << 20

// Auth is the subset of the login flows a session drives itself.
type Auth interface {
	LoginWithToken(ctx context.Context, c *client.Client, token string) error
	Logout(ctx context.Context, c *client.Client)
}

// Registry tracks live connections.
type Registry interface {
	Add(c *client.Client)
	Remove(ctx context.Context, c *client.Client)
	Presence() string
	All() []*client.Client
}

// Dispatcher runs one unwrapped packet.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *client.Client, p entity.Packet)
}

// Flags exposes repair mode.
type Flags interface {
	RepairMode() bool
}

// Options tune every session of a manager.
type Options struct {
	QueueSize     int
	MaxPacketSize int
	InboundRate   float64
	InboundBurst  int
	// Header carrying the real client ip, empty to use the peer address
	RealIPHeader string
	CheckOrigin  func(r *http.Request) bool
}

// Manager accepts sockets and owns their read loops.
type Manager struct {
	registry   Registry
	dispatcher Dispatcher
	auth       Auth
	flags      Flags
	opts       Options
	logger     log.Logger
	upgrader   websocket.Upgrader

	// mu orders admissions against Shutdown so that wg.Add never races wg.Wait
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
}

func NewManager(registry Registry, dispatcher Dispatcher, auth Auth, flags Flags, opts Options, logger log.Logger) *Manager {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		auth:       auth,
		flags:      flags,
		opts:       opts,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeWS returns the gin handler upgrading requests to sessions.
// The handler blocks for the lifetime of the socket.
func (m *Manager) ServeWS() gin.HandlerFunc {
	return func(gctx *gin.Context) {
		if !m.admit() {
			gctx.JSON(http.StatusServiceUnavailable, errors.ServiceUnavailable(""))
			return
		}
		defer m.wg.Done()
		conn, upgerr := m.upgrader.Upgrade(gctx.Writer, gctx.Request, nil)
		if upgerr != nil {
			// The upgrader already answered the request
			m.logger.WithCtx(gctx).Debug().Err(upgerr).Msg("Websocket upgrade failed")
			return
		}
		if m.flags.RepairMode() {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(client.CloseGoingAway, ""), time.Now().Add(time.Second))
			conn.Close()
			return
		}

		c := client.New(conn, client.Options{
			Version:   parseVersion(gctx.Query("v")),
			IP:        m.clientIP(gctx),
			QueueSize: m.opts.QueueSize,
		}, m.logger)
		m.serve(conn, c, gctx.Query("token"))
	}
}

func (m *Manager) serve(conn *websocket.Conn, c *client.Client, token string) {
	ctx := c.Context()
	logger := m.logger.WithCtx(ctx)
	logger.Info().Str("ip", c.IP).Int("version", c.Version).Msg("Connection accepted")

	m.registry.Add(c)
	if m.draining() {
		// Admitted before Shutdown but registered after its kick
		c.Kick(client.CloseGoingAway, client.ReasonShutdown)
	}
	safe.Go(m.logger, "write pump", func() { c.WritePump(context.Background()) })
	defer func() {
		m.auth.Logout(ctx, c)
		m.registry.Remove(ctx, c)
		c.Kick(websocket.CloseNormalClosure, client.ReasonPeerClosed)
		<-c.Done()
		logger.Info().Msg("Connection closed")
	}()

	c.Send(entity.CmdUlist, m.registry.Presence(), nil)
	if c.Version == entity.ProtoV0 {
		c.SendStatus(errors.TAEnabled, "")
	}
	if token != "" {
		m.autoLogin(ctx, c, token)
	}
	m.readLoop(ctx, conn, c)
}

// autoLogin authenticates with the token of the query string. Failures reply without a listener.
func (m *Manager) autoLogin(ctx context.Context, c *client.Client, token string) {
	err := m.auth.LoginWithToken(ctx, c, token)
	if err == nil {
		return
	}
	if errors.IsKick(err) {
		c.Kick(client.CloseGoingAway, errors.RepairModeType)
		return
	}
	status := errors.StatusOf(err)
	if status == errors.InternalServerError {
		m.logger.WithCtx(ctx).Error().Stack().Err(err).Msg("Auto-login failed")
	}
	c.SendStatus(status, "")
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, c *client.Client) {
	limit := int64(hardReadLimit)
	if m.opts.MaxPacketSize >= hardReadLimit {
		limit = int64(m.opts.MaxPacketSize) + 1
	}
	conn.SetReadLimit(limit)
	conn.SetReadDeadline(time.Now().Add(client.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(client.PongWait))
	})

	flood := rate.NewLimiter(rate.Inf, 0)
	if m.opts.InboundRate > 0 {
		flood = rate.NewLimiter(rate.Limit(m.opts.InboundRate), m.opts.InboundBurst)
	}

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				m.logger.WithCtx(ctx).Debug().Err(rerr).Msg("Read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(client.PongWait))

		select {
		case <-c.Closing():
			// Kicked, nothing read from now on is processed
			return
		default:
		}
		m.handle(ctx, c, data, flood)
	}
}

// handle runs the checks of one frame in order, stopping at the first failure.
func (m *Manager) handle(ctx context.Context, c *client.Client, data []byte, flood *rate.Limiter) {
	if m.opts.MaxPacketSize > 0 && len(data) > m.opts.MaxPacketSize {
		c.SendStatus(errors.TooLarge, "")
		return
	}
	p, err := codec.Decode(data)
	if err != nil {
		c.SendStatus(errors.Syntax, "")
		return
	}
	if !flood.Allow() {
		c.SendStatus(errors.RateLimit, p.Listener)
		return
	}

	if !c.Trusted() {
		switch {
		case isTrustHandshake(p):
			// The exchanged value carries no meaning
			c.Trust()
			c.SendStatus(errors.OK, p.Listener)
			return
		case p.Cmd != entity.CmdPing:
			c.SendStatus(errors.Syntax, p.Listener)
			return
		}
	}

	p, drop := codec.Unwrap(p)
	if drop {
		return
	}
	m.dispatcher.Dispatch(ctx, c, p)
}

func isTrustHandshake(p entity.Packet) bool {
	if p.Cmd != entity.CmdDirect && p.Cmd != entity.CmdGmsg {
		return false
	}
	_, ok := p.Val.(string)
	return ok
}

// KickAll closes every live socket.
func (m *Manager) KickAll(code int, reason string) int {
	all := m.registry.All()
	for _, c := range all {
		c.Kick(code, reason)
	}
	return len(all)
}

// Shutdown stops accepting sockets, tells every client, waits grace, then closes them
// and waits for their sessions to end or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.mu.Unlock()
	for _, c := range m.registry.All() {
		c.Send(CmdAbruptLogout, nil, nil)
	}

	timer := time.NewTimer(grace)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	kicked := m.KickAll(client.CloseGoingAway, client.ReasonShutdown)
	m.logger.Info().Int("connections", kicked).Msg("Closing every connection")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit counts a new session unless Shutdown has begun.
func (m *Manager) admit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// Any unparsable version falls back to the legacy dialect.
func parseVersion(raw string) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= entity.ProtoV0 {
		return entity.ProtoV0
	}
	return entity.ProtoV1
}

// clientIP prefers the configured proxy header, its first hop is the client.
func (m *Manager) clientIP(gctx *gin.Context) string {
	if m.opts.RealIPHeader != "" {
		if v := gctx.GetHeader(m.opts.RealIPHeader); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	return gctx.ClientIP()
}
