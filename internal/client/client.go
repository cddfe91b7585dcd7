// Per-socket connection object of Relay: identity, session state, bounded send queue and write pump.

package client

import (
	"Relay/internal/codec"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/metrics"
	"Relay/pkg/log"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Keepalive pings are sent with this period, must be below the read deadline of the session.
	PingPeriod = 54 * time.Second
	// Read deadline extended on every frame or pong.
	PongWait = 60 * time.Second
)

// Close codes used when the gateway closes a socket.
const (
	CloseGoingAway       = websocket.CloseGoingAway
	CloseSessionRevoked  = 3000
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// Kick reasons, also used as metric labels.
const (
	ReasonQueueFull      = "send queue full"
	ReasonWriteFailed    = "write failed"
	ReasonRepairMode     = "repair mode"
	ReasonShutdown       = "shutdown"
	ReasonSessionRevoked = "session revoked"
	ReasonBanned         = "banned"
	ReasonDeleted        = "account deleted"
	ReasonLoggedOut      = "logged out"
	ReasonPeerClosed     = "peer closed"
)

// Socket is the subset of *websocket.Conn the write pump needs.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options of a new connection.
type Options struct {
	Version   int
	IP        string
	QueueSize int
}

// Client is one live socket. Identity fields are immutable, session state is guarded by mu.
type Client struct {
	ID        string
	Version   int
	IP        string
	CreatedAt time.Time

	conn   Socket
	logger log.Logger
	ctx    context.Context

	// Outbound frames. Never closed, closing signals the write pump instead.
	send chan []byte

	// qmu serializes Enqueue against Kick so nothing is queued after a kick.
	qmu         sync.RWMutex
	closed      bool
	closing     chan struct{}
	closeCode   int
	closeReason string
	done        chan struct{}

	mu        sync.RWMutex
	username  string
	sessionID string
	trusted   bool
}

// New creates a connection object. The write pump is started by the caller with WritePump.
func New(conn Socket, opts Options, logger log.Logger) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	id := uuid.New().String()
	c := &Client{
		ID:        id,
		Version:   opts.Version,
		IP:        opts.IP,
		CreatedAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, opts.QueueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		// v1 clients skip the trust handshake
		trusted: opts.Version != entity.ProtoV0,
	}
	c.ctx = log.WithConnID(context.Background(), id)
	c.logger = logger.WithCtx(c.ctx)
	return c
}

// Context carries the connection id for logging.
func (c *Client) Context() context.Context {
	return c.ctx
}

// Username returns the authenticated username, empty when anonymous.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// SessionID returns the backend session id of the current login, if any.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SetIdentity is called by the registry only, under its own lock.
func (c *Client) SetIdentity(username, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username, c.sessionID = username, sessionID
}

// Trusted reports whether the v0 trust handshake was done.
func (c *Client) Trusted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trusted
}

// Trust flips the trusted flag. The value exchanged in the handshake is discarded.
func (c *Client) Trust() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trusted = true
}

// Enqueue queues an encoded frame without blocking.
// It returns false when the client is closing. A full queue kicks the client.
func (c *Client) Enqueue(frame []byte) bool {
	c.qmu.RLock()
	if c.closed {
		c.qmu.RUnlock()
		return false
	}
	select {
	case c.send <- frame:
		c.qmu.RUnlock()
		return true
	default:
	}
	c.qmu.RUnlock()
	c.logger.Warn().Int("queue", cap(c.send)).Msg("Send queue full, kicking slow client")
	c.Kick(ClosePolicyViolation, ReasonQueueFull)
	return false
}

// Send encodes an event for the dialect of this client and queues it.
func (c *Client) Send(cmd string, val interface{}, extra map[string]interface{}) bool {
	frame, err := codec.Encode(c.Version, cmd, val, extra)
	if err != nil {
		c.logger.Error().Stack().Err(err).Str("cmd", cmd).Msg("Error occured while encoding frame")
		return false
	}
	return c.Enqueue(frame)
}

// SendStatus queues a statuscode reply bound to listener.
func (c *Client) SendStatus(status errors.Status, listener string) bool {
	metrics.StatusReplies.WithLabelValues(string(status)).Inc()
	return c.Enqueue(codec.EncodeStatus(status, listener))
}

// Kick schedules an asynchronous close. Frames queued before the kick are still flushed.
func (c *Client) Kick(code int, reason string) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode, c.closeReason = code, reason
	metrics.Kicks.WithLabelValues(kickLabel(reason)).Inc()
	close(c.closing)
}

// KickWithStatus tells the client why it is being kicked on the direct channel, then kicks it.
func (c *Client) KickWithStatus(status errors.Status, code int, reason string) {
	if status != "" {
		if frame, err := codec.Encode(entity.ProtoV1, entity.CmdDirect, status.Code(), nil); err == nil {
			c.Enqueue(frame)
		}
	}
	c.Kick(code, reason)
}

// Closing is closed once a kick was requested.
func (c *Client) Closing() <-chan struct{} {
	return c.closing
}

// Done is closed once the write pump exited and the socket is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// WritePump owns every write to the socket. It returns when the client is kicked,
// ctx is cancelled or a write fails.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing socket")
				c.Kick(websocket.CloseAbnormalClosure, ReasonWriteFailed)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Kick(websocket.CloseAbnormalClosure, ReasonWriteFailed)
				return
			}

		case <-c.closing:
			c.flush()
			c.qmu.RLock()
			code, reason := c.closeCode, c.closeReason
			c.qmu.RUnlock()
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
			c.logger.Debug().Int("code", code).Str("reason", reason).Msg("Closed socket")
			return

		case <-ctx.Done():
			return
		}
	}
}

// flush writes whatever was queued before the kick.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if c.write(frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Kick reasons become metric labels, keep their cardinality bounded.
func kickLabel(reason string) string {
	switch reason {
	case ReasonQueueFull, ReasonWriteFailed, ReasonRepairMode, ReasonShutdown,
		ReasonSessionRevoked, ReasonBanned, ReasonDeleted, ReasonLoggedOut, ReasonPeerClosed, errors.RepairModeType:
		return reason
	}
	return "other"
}
