// Command dispatcher and catalog tests in Relay.

package commands

import (
	"Relay/internal/backend"
	"Relay/internal/client"
	"Relay/internal/entity"
	"Relay/internal/errors"
	"Relay/internal/fanout"
	"Relay/internal/ratelimit"
	"Relay/internal/registry"
	"Relay/pkg/db"
	"Relay/pkg/log"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Global instance of log.Logger to be used during commands testing.
var logger log.Logger

// In-process redis-server backing the ratelimits.
var mr *miniredis.Miniredis

var limiter ratelimit.Limiter

// Global context
var ctx context.Context = context.Background()

func setup() {
	var mrerr error
	mr, mrerr = miniredis.Run()
	if mrerr != nil {
		os.Exit(6)
	}
	logger = log.NewWithWriter("test", io.Discard)
	dbc, dberr := db.Dial("redis://"+mr.Addr()+"/0", 0)
	if dberr != nil {
		os.Exit(6)
	}
	limiter = ratelimit.NewLimiter(ratelimit.NewRepository(dbc), logger)
}

func teardown() {
	mr.Close()
}

func TestMain(m *testing.M) {
	setup()
	testExitCode := m.Run()
	teardown()
	os.Exit(testExitCode)
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

// fakeAuth authenticates every login through the registry.
type fakeAuth struct {
	reg   *registry.Registry
	err   error
	calls int
}

func (f *fakeAuth) Login(ctx context.Context, c *client.Client, username, _ string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.reg.Authenticate(ctx, c, username, "")
	return nil
}

func (f *fakeAuth) Register(ctx context.Context, c *client.Client, username, password string) error {
	return f.Login(ctx, c, username, password)
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeBackend) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeBackend) UpdateConfig(_ context.Context, id backend.Identity, _ map[string]interface{}) (backend.Document, error) {
	return backend.Document{}, f.record("config:" + id.Username)
}

func (f *fakeBackend) ChangePassword(_ context.Context, id backend.Identity, _, _ string) error {
	return f.record("pswd:" + id.Username)
}

func (f *fakeBackend) DeleteTokens(_ context.Context, id backend.Identity) error {
	return f.record("tokens:" + id.Username)
}

func (f *fakeBackend) DeleteAccount(_ context.Context, id backend.Identity, _ string) error {
	return f.record("account:" + id.Username)
}

func (f *fakeBackend) Report(_ context.Context, _ backend.Identity, kind, target, reason, _ string) error {
	return f.record("report:" + kind + ":" + target + ":" + reason)
}

type flags bool

func (f flags) RegistrationEnabled() bool { return bool(f) }

type fixedPeak entity.PeakUsers

func (p fixedPeak) Peak(context.Context) (entity.PeakUsers, error) { return entity.PeakUsers(p), nil }

type fixture struct {
	d       *Dispatcher
	reg     *registry.Registry
	auth    *fakeAuth
	backend *fakeBackend
}

func newFixture(registration bool) fixture {
	mr.FlushAll()
	reg := registry.New(logger)
	fa := &fakeAuth{reg: reg}
	fb := &fakeBackend{}
	deps := Deps{
		Auth:      fa,
		Backend:   fb,
		Sessions:  reg,
		Publisher: fanout.New(reg, nil, logger),
		Flags:     flags(registration),
		Peak:      fixedPeak{Count: 3, Timestamp: 1700000000},
		Limiter:   limiter,
	}
	return fixture{d: NewDispatcher(logger, Catalog(deps)...), reg: reg, auth: fa, backend: fb}
}

type conn struct {
	c    *client.Client
	sock *recordingSocket
}

func (f fixture) connect(version int, username string) conn {
	sock := &recordingSocket{}
	c := client.New(sock, client.Options{Version: version, IP: "1.2.3.4"}, logger)
	f.reg.Add(c)
	if username != "" {
		f.reg.Authenticate(ctx, c, username, "")
	}
	return conn{c: c, sock: sock}
}

func (f fixture) send(cn conn, p entity.Packet) {
	f.d.Dispatch(ctx, cn.c, p)
}

// frames drains the queue of the connection through its write pump.
func (cn conn) frames() []string {
	cn.c.Kick(client.CloseGoingAway, client.ReasonShutdown)
	cn.c.WritePump(ctx)
	cn.sock.mu.Lock()
	defer cn.sock.mu.Unlock()
	return cn.sock.frames
}

func status(s errors.Status, listener string) string {
	if listener == "" {
		return `{"cmd":"statuscode","val":"` + s.Code() + `"}`
	}
	return `{"cmd":"statuscode","val":"` + s.Code() + `","listener":"` + listener + `"}`
}

func TestUnknownCommandIsInvalid(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: "nope", Listener: "L1"})
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.Invalid, "L1"), got[0])
}

func TestPingRepliesInOrder(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV0, "")
	for _, l := range []string{"1", "2", "3"} {
		f.send(cn, entity.Packet{Cmd: CmdPing, Listener: l})
	}
	got := cn.frames()
	require.Len(t, got, 3)
	for i, l := range []string{"1", "2", "3"} {
		assert.JSONEq(t, status(errors.OK, l), got[i])
	}
}

func TestAuthRequiredMakesNoBackendCall(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: CmdDelTokens, Listener: "L"})
	f.send(cn, entity.Packet{Cmd: CmdUpdateConfig, Val: map[string]interface{}{"theme": "dark"}})
	got := cn.frames()
	require.Len(t, got, 2)
	assert.JSONEq(t, status(errors.IDRequired, "L"), got[0])
	assert.JSONEq(t, status(errors.IDRequired, ""), got[1])
	assert.Empty(t, f.backend.calls)
}

func TestHandlerPanicIsInternal(t *testing.T) {
	f := newFixture(true)
	f.d.Register(Command{Name: "boom", Handler: func(context.Context, *client.Client, Args) error {
		panic("boom")
	}})
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: "boom", Listener: "L"})
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.InternalServerError, "L"), got[0])
}

func TestKickErrorClosesWithoutReply(t *testing.T) {
	f := newFixture(true)
	f.auth.err = errors.FromBackendType(errors.RepairModeType)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: CmdAuthPswd, Val: map[string]interface{}{"username": "alice", "pswd": "pw"}, Listener: "L"})

	select {
	case <-cn.c.Closing():
	default:
		t.Fatal("socket was not kicked")
	}
	assert.Empty(t, cn.frames())
}

func TestAuthPswdPayloadChecks(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: CmdAuthPswd, Val: "alice", Listener: "1"})
	f.send(cn, entity.Packet{Cmd: CmdAuthPswd, Val: map[string]interface{}{"username": "alice"}, Listener: "2"})
	f.send(cn, entity.Packet{Cmd: CmdAuthPswd, Val: map[string]interface{}{"username": "alice", "pswd": 12.0}, Listener: "3"})
	f.send(cn, entity.Packet{Cmd: CmdAuthPswd, Val: map[string]interface{}{"username": "alice", "pswd": "pw"}, Listener: "4"})
	// Already authenticated: OK, no second login
	f.send(cn, entity.Packet{Cmd: CmdAuthPswd, Val: map[string]interface{}{"username": "alice", "pswd": "pw"}, Listener: "5"})

	got := cn.frames()
	require.Len(t, got, 5)
	assert.JSONEq(t, status(errors.Datatype, "1"), got[0])
	assert.JSONEq(t, status(errors.Syntax, "2"), got[1])
	assert.JSONEq(t, status(errors.Datatype, "3"), got[2])
	assert.JSONEq(t, status(errors.OK, "4"), got[3])
	assert.JSONEq(t, status(errors.OK, "5"), got[4])
	assert.Equal(t, 1, f.auth.calls)
	assert.Equal(t, "alice", cn.c.Username())
}

func TestGenAccountDisabled(t *testing.T) {
	f := newFixture(false)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: map[string]interface{}{"username": "bob", "pswd": "longenough"}, Listener: "L"})
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.Disabled, "L"), got[0])
	assert.Zero(t, f.auth.calls)
}

func TestGenAccount(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: "bob", Listener: "1"})
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: map[string]interface{}{"username": "bob", "pswd": "short"}, Listener: "2"})
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: map[string]interface{}{"username": "b ob", "pswd": "longenough"}, Listener: "3"})
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: map[string]interface{}{"username": "bob", "pswd": "longenough"}, Listener: "4"})
	// Already authenticated: OK, no second registration
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: map[string]interface{}{"username": "eve", "pswd": "longenough"}, Listener: "5"})

	got := cn.frames()
	require.Len(t, got, 5)
	assert.JSONEq(t, status(errors.Datatype, "1"), got[0])
	assert.JSONEq(t, status(errors.Syntax, "2"), got[1])
	assert.JSONEq(t, status(errors.Syntax, "3"), got[2])
	assert.JSONEq(t, status(errors.OK, "4"), got[3])
	assert.JSONEq(t, status(errors.OK, "5"), got[4])
	assert.Equal(t, 1, f.auth.calls)
	assert.Equal(t, "bob", cn.c.Username())
}

func TestGenAccountBackendError(t *testing.T) {
	f := newFixture(true)
	f.auth.err = errors.WithStatus(errors.IDExists)
	cn := f.connect(entity.ProtoV1, "")
	f.send(cn, entity.Packet{Cmd: CmdGenAccount, Val: map[string]interface{}{"username": "bob", "pswd": "longenough"}, Listener: "L"})
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.IDExists, "L"), got[0])
	assert.Empty(t, cn.c.Username())
}

func TestChangePswd(t *testing.T) {
	tests := []struct {
		name    string
		val     interface{}
		preset  bool
		want    errors.Status
		backend []string
	}{
		{name: "forwards", val: map[string]interface{}{"old": "pw", "new": "longenough"}, want: errors.OK, backend: []string{"pswd:alice"}},
		{name: "not an object", val: "longenough", want: errors.Datatype},
		{name: "short new password", val: map[string]interface{}{"old": "pw", "new": "short"}, want: errors.Syntax},
		{name: "missing old password", val: map[string]interface{}{"new": "longenough"}, want: errors.Syntax},
		{name: "exhausted bucket", val: map[string]interface{}{"old": "pw", "new": "longenough"}, preset: true, want: errors.RateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(true)
			if tt.preset {
				mr.Set("rtl:login:u:alice:f", "0")
			}
			cn := f.connect(entity.ProtoV1, "alice")
			f.send(cn, entity.Packet{Cmd: CmdChangePswd, Val: tt.val, Listener: "L"})
			got := cn.frames()
			require.Len(t, got, 1)
			assert.JSONEq(t, status(tt.want, "L"), got[0])
			assert.Equal(t, tt.backend, f.backend.calls)
		})
	}
}

func TestChangePswdSpendsFailureBucket(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "alice")
	f.backend.err = errors.FromBackendType("Unauthorized")
	f.send(cn, entity.Packet{Cmd: CmdChangePswd, Val: map[string]interface{}{"old": "bad", "new": "longenough"}, Listener: "L"})
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.PasswordInvalid, "L"), got[0])
	assert.True(t, mr.Exists("rtl:login:u:alice:f"))
}

func TestPmsgRelaysWithOrigin(t *testing.T) {
	f := newFixture(true)
	alice := f.connect(entity.ProtoV1, "alice")
	bob := f.connect(entity.ProtoV0, "bob")

	f.send(alice, entity.Packet{Cmd: entity.CmdPmsg, ID: "carol", Val: "hi", Listener: "1"})
	f.send(alice, entity.Packet{Cmd: entity.CmdPmsg, ID: "bob", Val: "hi", Listener: "2"})
	f.send(alice, entity.Packet{Cmd: entity.CmdPvar, ID: "bob", Name: "score", Val: 3.0, Listener: "3"})

	got := alice.frames()
	require.Len(t, got, 3)
	assert.JSONEq(t, status(errors.IDNotFound, "1"), got[0])
	assert.JSONEq(t, status(errors.OK, "2"), got[1])
	assert.JSONEq(t, status(errors.OK, "3"), got[2])

	// Root commands stay top-level for v0 too
	got = bob.frames()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"cmd":"pmsg","val":"hi","origin":"alice"}`, got[0])
	assert.JSONEq(t, `{"cmd":"pvar","val":3,"name":"score","origin":"alice"}`, got[1])
}

func TestUpdateConfigSyncsSessions(t *testing.T) {
	f := newFixture(true)
	first := f.connect(entity.ProtoV1, "alice")
	second := f.connect(entity.ProtoV1, "alice")
	f.send(first, entity.Packet{Cmd: CmdUpdateConfig, Val: map[string]interface{}{"theme": "dark"}, Listener: "L"})

	got := first.frames()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"cmd":"update_config","val":{"theme":"dark"}}`, got[0])
	assert.JSONEq(t, status(errors.OK, "L"), got[1])
	assert.Len(t, second.frames(), 1)
	assert.Equal(t, []string{"config:alice"}, f.backend.calls)
}

func TestUpdateConfigRatelimited(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "alice")
	mr.Set("rtl:config:alice", "0")
	f.send(cn, entity.Packet{Cmd: CmdUpdateConfig, Val: map[string]interface{}{"theme": "dark"}, Listener: "L"})
	got := cn.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.RateLimit, "L"), got[0])
	assert.Empty(t, f.backend.calls)
}

func TestDelTokensRepliesThenKicksEverySocket(t *testing.T) {
	f := newFixture(true)
	first := f.connect(entity.ProtoV1, "alice")
	second := f.connect(entity.ProtoV1, "alice")
	f.send(first, entity.Packet{Cmd: CmdDelTokens, Listener: "L"})

	for _, cn := range []conn{first, second} {
		select {
		case <-cn.c.Closing():
		default:
			t.Fatal("socket was not kicked")
		}
	}
	got := first.frames()
	require.Len(t, got, 1)
	assert.JSONEq(t, status(errors.OK, "L"), got[0])
}

func TestDelAccountChecksPassword(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "alice")
	f.backend.err = errors.FromBackendType("Unauthorized")
	f.send(cn, entity.Packet{Cmd: CmdDelAccount, Val: map[string]interface{}{}, Listener: "1"})
	f.send(cn, entity.Packet{Cmd: CmdDelAccount, Val: "wrong", Listener: "2"})
	got := cn.frames()
	require.Len(t, got, 2)
	assert.JSONEq(t, status(errors.Datatype, "1"), got[0])
	assert.JSONEq(t, status(errors.PasswordInvalid, "2"), got[1])
}

func TestReportKinds(t *testing.T) {
	f := newFixture(true)
	cn := f.connect(entity.ProtoV1, "alice")
	f.send(cn, entity.Packet{Cmd: CmdReport, Val: map[string]interface{}{"type": 1.0, "id": "bob"}, Listener: "1"})
	f.send(cn, entity.Packet{Cmd: CmdReport, Val: map[string]interface{}{"type": 7.0, "id": "p1"}, Listener: "2"})
	f.send(cn, entity.Packet{Cmd: CmdReport, Val: map[string]interface{}{"id": "p1"}, Listener: "3"})
	got := cn.frames()
	require.Len(t, got, 3)
	assert.JSONEq(t, status(errors.OK, "1"), got[0])
	assert.JSONEq(t, status(errors.IDNotFound, "2"), got[1])
	assert.JSONEq(t, status(errors.Syntax, "3"), got[2])
	assert.Equal(t, []string{"report:user:bob:" + defaultReportReason}, f.backend.calls)
}

func TestGetUlistAndPeak(t *testing.T) {
	f := newFixture(true)
	f.connect(entity.ProtoV1, "bob")
	cn := f.connect(entity.ProtoV1, "alice")
	f.send(cn, entity.Packet{Cmd: CmdGetUlist, Listener: "1"})
	f.send(cn, entity.Packet{Cmd: CmdGetPeakUsers, Listener: "2"})
	got := cn.frames()
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"cmd":"ulist","val":"bob;alice;","listener":"1"}`, got[0])
	assert.JSONEq(t, `{"cmd":"peak","val":{"count":3,"timestamp":1700000000}}`, got[1])
	assert.JSONEq(t, status(errors.OK, "2"), got[2])
}
