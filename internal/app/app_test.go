package app

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/realtime"
	"github.com/petervdpas/parley/internal/relay"
	"github.com/petervdpas/parley/internal/transport"
)

const testSecret = "app-test-secret"

type testRelay struct {
	srv  *relay.Server
	http *httptest.Server
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.JWTSecret = testSecret
	ctx, cancel := context.WithCancel(context.Background())

	srv, cleanup, err := NewRelay(ctx, t.TempDir(), cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		cleanup()
	})
	return &testRelay{srv: srv, http: hs}
}

func (r *testRelay) config(t *testing.T, user string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.WSURL = "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	cfg.Relay.HTTPURL = r.http.URL
	tok, err := auth.Sign(testSecret, user, time.Hour)
	require.NoError(t, err)
	cfg.Identity.Token = tok
	return cfg
}

type ended struct {
	mu      sync.Mutex
	records []call.Record
}

func (e *ended) add(r call.Record) {
	e.mu.Lock()
	e.records = append(e.records, r)
	e.mu.Unlock()
}

func (e *ended) reasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.records))
	for i, r := range e.records {
		out[i] = r.Reason
	}
	return out
}

func (r *testRelay) login(t *testing.T, user string) (*Client, *ended) {
	t.Helper()
	calls := &ended{}
	c := NewClient(ClientOptions{Config: r.config(t, user), Dir: t.TempDir(), OnCallEnded: calls.add})
	require.NoError(t, c.Login(context.Background()))
	t.Cleanup(c.Close)
	require.Equal(t, user, c.UserID())
	require.Eventually(t, func() bool {
		for _, u := range r.srv.Hub().Users() {
			if u == user {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return c, calls
}

func conversationOf(c *Client, target proto.Target) func() []chat.Message {
	return func() []chat.Message { return c.Chat.Conversation(target) }
}

func TestDirectMessageRoundTrip(t *testing.T) {
	r := startRelay(t)
	alice, _ := r.login(t, "alice")
	bob, _ := r.login(t, "bob")

	sent, err := alice.Send(proto.ToUser("bob"), "hi")
	require.NoError(t, err)
	assert.Equal(t, chat.Pending, sent.Status)

	aliceView := conversationOf(alice, proto.ToUser("bob"))
	require.Eventually(t, func() bool {
		msgs := aliceView()
		return len(msgs) == 1 && msgs[0].Status == chat.Confirmed && msgs[0].ID != ""
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, sent.ClientMessageID, aliceView()[0].ClientMessageID)

	bobView := conversationOf(bob, proto.ToUser("alice"))
	require.Eventually(t, func() bool { return len(bobView()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", bobView()[0].Content)
	assert.Equal(t, "alice", bobView()[0].FromUserID)

	loaded, err := bob.Load(context.Background(), proto.ToUser("alice"))
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, aliceView()[0].ID, loaded[0].ID)
}

func TestGroupMessageAfterSubscribe(t *testing.T) {
	r := startRelay(t)
	alice, _ := r.login(t, "alice")
	bob, _ := r.login(t, "bob")

	for _, c := range []*Client{alice, bob} {
		leave, err := c.Groups.Subscribe("ops")
		require.NoError(t, err)
		t.Cleanup(leave)
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, r.srv.Hub().Members("ops"))
	}, 2*time.Second, 5*time.Millisecond)

	_, err := alice.Send(proto.ToGroup("ops"), "standup")
	require.NoError(t, err)

	bobView := conversationOf(bob, proto.ToGroup("ops"))
	require.Eventually(t, func() bool { return len(bobView()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "standup", bobView()[0].Content)
}

func TestCallConnectsAndLogoutHangsUp(t *testing.T) {
	r := startRelay(t)
	alice, aliceCalls := r.login(t, "alice")
	bob, bobCalls := r.login(t, "bob")

	rang := make(chan call.IncomingCall, 1)
	bob.Calls.OnIncoming(func(in call.IncomingCall) { rang <- in })

	_, err := alice.Call(context.Background(), "bob", false)
	require.NoError(t, err)

	var in call.IncomingCall
	select {
	case in = <-rang:
	case <-time.After(2 * time.Second):
		t.Fatal("bob never rang")
	}
	assert.Equal(t, "alice", in.FromUserID)
	assert.Equal(t, proto.CallVoice, in.CallType)

	_, err = in.Accept()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alice.Calls.Session().State == call.Connected && bob.Calls.Session().State == call.Connected
	}, 2*time.Second, 5*time.Millisecond)

	alice.Logout()
	require.Eventually(t, func() bool { return len(bobCalls.reasons()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{proto.ReasonHungup}, bobCalls.reasons())
	assert.Equal(t, []string{proto.ReasonHungup}, aliceCalls.reasons())
	assert.Equal(t, call.Idle, bob.Calls.Session().State)
}

func TestCallToOfflineUserEnds(t *testing.T) {
	r := startRelay(t)
	alice, calls := r.login(t, "alice")

	_, err := alice.Call(context.Background(), "bob", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(calls.reasons()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{proto.ReasonOffline}, calls.reasons())
}

func TestLogoutReleasesHandlersAndAllowsLogin(t *testing.T) {
	r := startRelay(t)
	alice, _ := r.login(t, "alice")
	assert.Equal(t, 4, alice.Conn.Dispatcher().HandlerCount())
	assert.ErrorIs(t, alice.Login(context.Background()), ErrLoggedIn)

	_, err := alice.Groups.Subscribe("ops")
	require.NoError(t, err)

	alice.Logout()
	assert.Equal(t, 0, alice.Conn.Dispatcher().HandlerCount())
	assert.Equal(t, realtime.Closed, alice.Conn.State())
	assert.Empty(t, alice.Groups.Active())
	assert.Empty(t, alice.Conn.Groups())

	require.NoError(t, alice.Login(context.Background()))
	assert.True(t, alice.Conn.IsConnected())
}

func TestLoginWithBadTokenIsAuthError(t *testing.T) {
	r := startRelay(t)
	cfg := r.config(t, "alice")
	tok, err := auth.Sign("some-other-secret", "alice", time.Hour)
	require.NoError(t, err)
	cfg.Identity.Token = tok

	c := NewClient(ClientOptions{Config: cfg})
	t.Cleanup(c.Close)
	err = c.Login(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsAuthError(err))
	assert.Equal(t, 0, c.Conn.Dispatcher().HandlerCount())
}

func TestSessionForPrefersEnvironmentToken(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.Token = "tok"
	assert.Equal(t, auth.StaticSession{Token: "tok"}, SessionFor(cfg, "/srv/alice"))

	cfg.Identity.Token = ""
	assert.Equal(t, auth.FileSession{Path: filepath.Join("/srv/alice", "data/token")}, SessionFor(cfg, "/srv/alice"))
}

func TestBackoffFromConfig(t *testing.T) {
	c := config.Default().Client
	c.ReconnectInitialMs = 250
	c.ReconnectMaxMs = 4000
	c.ReconnectAttempts = 7
	b := Backoff(c)
	assert.Equal(t, 250*time.Millisecond, b.Initial)
	assert.Equal(t, 4*time.Second, b.Max)
	assert.Equal(t, 7, b.MaxAttempts)
	assert.Equal(t, realtime.DefaultBackoff().Multiplier, b.Multiplier)
}

func TestRunRelayServesUntilCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := config.Default()
	cfg.Relay.JWTSecret = testSecret
	cfg.Relay.Port = port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRelay(ctx, t.TempDir(), cfg) }()

	require.NoError(t, WaitTCP(cfg.Addr(), 3*time.Second))
	resp, err := http.Get("http://" + cfg.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRunRelayRequiresSecret(t *testing.T) {
	err := RunRelay(context.Background(), t.TempDir(), config.Default())
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestPromptInteractiveClient(t *testing.T) {
	in := strings.NewReader("carol\n\nhttp://relay.example:9000\ny\n45\n")
	var out bytes.Buffer
	cfg := PromptInteractive(in, &out, "/srv/carol", "/srv/carol/parley.json", config.Default(), false)

	assert.Equal(t, "carol", cfg.Identity.UserID)
	assert.Equal(t, config.Default().Relay.WSURL, cfg.Relay.WSURL)
	assert.Equal(t, "http://relay.example:9000", cfg.Relay.HTTPURL)
	assert.True(t, cfg.Client.MediaEnabled)
	assert.Equal(t, 45, cfg.Client.RingTimeoutSec)
	assert.Contains(t, out.String(), "/srv/carol/parley.json")
}

func TestPromptInteractiveInvalidKeepsDefaults(t *testing.T) {
	in := strings.NewReader("0.0.0.0\n70000\nsecret\n\n")
	var out bytes.Buffer
	cfg := PromptInteractive(in, &out, "/srv/relay", "/srv/relay/parley.json", config.Default(), true)
	assert.Equal(t, config.Default(), cfg)
	assert.Contains(t, out.String(), "Invalid config")
}

func TestBannerNamesScope(t *testing.T) {
	var out bytes.Buffer
	Banner(&out, "client", "/srv/alice", "/srv/alice/parley.json")
	assert.Contains(t, out.String(), "Parley client")
	assert.Contains(t, out.String(), "/srv/alice/parley.json")
}
