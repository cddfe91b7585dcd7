// Session layer tests in Relay.

package session

import (
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/registry"
	"Relay/pkg/log"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// Global instance of log.Logger to be used during session testing.
var logger log.Logger

// Global context
var ctx context.Context = context.Background()

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger = log.NewWithWriter("test", io.Discard)
	os.Exit(m.Run())
}

type recordingSocket struct {
	mu     sync.Mutex
	frames []string
}

func (s *recordingSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageType == websocket.TextMessage {
		s.frames = append(s.frames, string(data))
	}
	return nil
}
func (s *recordingSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *recordingSocket) SetWriteDeadline(time.Time) error          { return nil }
func (s *recordingSocket) Close() error                              { return nil }

type recordingDispatcher struct {
	packets []entity.Packet
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *client.Client, p entity.Packet) {
	d.packets = append(d.packets, p)
}

type noAuth struct{}

func (noAuth) LoginWithToken(context.Context, *client.Client, string) error { return nil }
func (noAuth) Logout(context.Context, *client.Client)                       {}

type flags struct{ repair bool }

func (f flags) RepairMode() bool { return f.repair }

func newManager(opts Options) (*Manager, *recordingDispatcher) {
	d := &recordingDispatcher{}
	return NewManager(registry.New(logger), d, noAuth{}, flags{}, opts, logger), d
}

type conn struct {
	c    *client.Client
	sock *recordingSocket
}

func connect(version int) conn {
	sock := &recordingSocket{}
	return conn{c: client.New(sock, client.Options{Version: version}, logger), sock: sock}
}

// frames closes the connection and returns what its write pump flushed.
func (cn conn) frames() []string {
	cn.c.Kick(client.CloseGoingAway, client.ReasonShutdown)
	cn.c.WritePump(ctx)
	cn.sock.mu.Lock()
	defer cn.sock.mu.Unlock()
	return cn.sock.frames
}

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 0)
}

func TestOversizedPacket(t *testing.T) {
	m, d := newManager(Options{MaxPacketSize: 32})
	cn := connect(entity.ProtoV1)

	m.handle(ctx, cn.c, []byte(`{"cmd":"ping","val":"`+string(make([]byte, 40))+`","listener":"L"}`), unlimited())

	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"cmd":"statuscode","val":"E:107 | Packet too large"}`, got[0])
	assert.Empty(t, d.packets)
}

func TestMalformedFrame(t *testing.T) {
	m, d := newManager(Options{})
	cn := connect(entity.ProtoV1)

	m.handle(ctx, cn.c, []byte(`{"cmd":"ping","listener":"L"}`), unlimited())

	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"cmd":"statuscode","val":"E:101 | Syntax"}`, got[0])
	assert.Empty(t, d.packets)
}

func TestFloodLimit(t *testing.T) {
	m, d := newManager(Options{})
	cn := connect(entity.ProtoV1)
	flood := rate.NewLimiter(rate.Every(time.Hour), 1)

	m.handle(ctx, cn.c, []byte(`{"cmd":"ping","val":null,"listener":"A"}`), flood)
	m.handle(ctx, cn.c, []byte(`{"cmd":"ping","val":null,"listener":"B"}`), flood)

	require.Len(t, d.packets, 1)
	assert.Equal(t, "A", d.packets[0].Listener)
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"cmd":"statuscode","val":"E:106 | Too many requests","listener":"B"}`, got[0])
}

func TestTrustGate(t *testing.T) {
	m, d := newManager(Options{})
	cn := connect(entity.ProtoV0)

	m.handle(ctx, cn.c, []byte(`{"cmd":"get_ulist","val":null,"listener":"U"}`), unlimited())
	m.handle(ctx, cn.c, []byte(`{"cmd":"ping","val":null,"listener":"P"}`), unlimited())
	assert.False(t, cn.c.Trusted())
	m.handle(ctx, cn.c, []byte(`{"cmd":"direct","val":"meower","listener":"T"}`), unlimited())
	assert.True(t, cn.c.Trusted())
	m.handle(ctx, cn.c, []byte(`{"cmd":"direct","val":{"cmd":"get_ulist","val":null},"listener":"W"}`), unlimited())
	m.handle(ctx, cn.c, []byte(`{"cmd":"direct","val":{"cmd":"type","val":""}}`), unlimited())

	require.Len(t, d.packets, 2)
	assert.Equal(t, "ping", d.packets[0].Cmd)
	assert.Equal(t, "get_ulist", d.packets[1].Cmd)
	assert.Equal(t, "W", d.packets[1].Listener)

	got := cn.frames()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"cmd":"statuscode","val":"E:101 | Syntax","listener":"U"}`, got[0])
	assert.JSONEq(t, `{"cmd":"statuscode","val":"I:100 | OK","listener":"T"}`, got[1])
}

func TestParseVersion(t *testing.T) {
	for raw, want := range map[string]int{
		"":    entity.ProtoV0,
		"0":   entity.ProtoV0,
		"-3":  entity.ProtoV0,
		"abc": entity.ProtoV0,
		"1":   entity.ProtoV1,
		"7":   entity.ProtoV1,
	} {
		assert.Equal(t, want, parseVersion(raw), "v=%q", raw)
	}
}

func TestClientIP(t *testing.T) {
	request := func(header string) *gin.Context {
		gctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		gctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		gctx.Request.RemoteAddr = "10.0.0.9:5555"
		if header != "" {
			gctx.Request.Header.Set("CF-Connecting-IP", header)
		}
		return gctx
	}

	proxied, _ := newManager(Options{RealIPHeader: "CF-Connecting-IP"})
	assert.Equal(t, "1.2.3.4", proxied.clientIP(request(" 1.2.3.4 , 10.0.0.1")))
	assert.Equal(t, "10.0.0.9", proxied.clientIP(request("")))

	direct, _ := newManager(Options{})
	assert.Equal(t, "10.0.0.9", direct.clientIP(request("1.2.3.4")))
}

func TestShutdownRefusesNewSockets(t *testing.T) {
	m, _ := newManager(Options{})
	require.NoError(t, m.Shutdown(ctx, 0))

	router := gin.New()
	router.GET("/", m.ServeWS())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShutdownWaitsForRacingSockets(t *testing.T) {
	m, _ := newManager(Options{})
	router := gin.New()
	router.GET("/", m.ServeWS())
	srv := httptest.NewServer(router)
	defer srv.Close()
	url := "ws" + srv.URL[len("http"):] + "/?v=1"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, resp, dialerr := websocket.DefaultDialer.Dial(url, nil)
			if dialerr != nil {
				if resp != nil {
					assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
				}
				return
			}
			defer ws.Close()
			ws.SetReadDeadline(time.Now().Add(3 * time.Second))
			for {
				if _, _, rerr := ws.ReadMessage(); rerr != nil {
					return
				}
			}
		}()
	}

	shutctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, m.Shutdown(shutctx, 0))
	wg.Wait()
	assert.Zero(t, m.registry.(*registry.Registry).Count())
}
