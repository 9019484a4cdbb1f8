// Package app composes the realtime engine into runnable processes: the
// client engine bound to one login, the relay server and the console.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/auth"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/chat"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/group"
	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/realtime"
	"github.com/petervdpas/parley/internal/relay"
	"github.com/petervdpas/parley/internal/transport"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("app")

var ErrLoggedIn = errors.New("app: already logged in")

// ClientOptions configures a Client. Only Config is required.
type ClientOptions struct {
	Config config.Config

	// Dir resolves relative paths in Config (the token file).
	Dir string

	// Overrides, mostly for tests.
	Session realtime.SessionProvider
	Dialer  transport.Dialer
	Media   call.MediaFactory
	Clock   clock.Clock

	// OnCallEnded receives every finished call after it is logged.
	OnCallEnded func(call.Record)
}

// Client is the engine for one user: a connection and the components that
// talk through it. It is constructed explicitly and lives from Login to
// Logout; nothing in it is global.
type Client struct {
	Conn    *realtime.Manager
	Chat    *chat.Manager
	Typing  *chat.Typing
	Groups  *group.Manager
	Calls   *call.Manager
	History *relay.Client

	cfg       config.Config
	refresher *chat.Refresher
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	removers []func()
}

// SessionFor picks the session source: an environment token when set,
// otherwise the token file under dir.
func SessionFor(cfg config.Config, dir string) realtime.SessionProvider {
	if cfg.Identity.Token != "" {
		return auth.StaticSession{Token: cfg.Identity.Token}
	}
	return auth.FileSession{Path: util.ResolvePath(dir, cfg.Identity.TokenFile)}
}

// Backoff maps the client config onto the reconnect schedule.
func Backoff(c config.Client) realtime.Backoff {
	b := realtime.DefaultBackoff()
	if d := c.ReconnectInitial(); d > 0 {
		b.Initial = d
	}
	if d := c.ReconnectMax(); d > 0 {
		b.Max = d
	}
	b.MaxAttempts = c.ReconnectAttempts
	return b
}

// NewClient builds the engine. Nothing is sent until Login.
func NewClient(opts ClientOptions) *Client {
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Session == nil {
		opts.Session = SessionFor(cfg, opts.Dir)
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebSocketDialer(cfg.Relay.WSURL)
	}
	if opts.Media == nil {
		if cfg.Client.MediaEnabled {
			opts.Media = call.NewPionFactory(call.PionConfig{ICEServers: cfg.Client.ICEServers})
		} else {
			opts.Media = call.NopFactory
		}
	}

	conn := realtime.New(realtime.Options{
		Dialer:  opts.Dialer,
		Session: opts.Session,
		Clock:   opts.Clock,
		Backoff: Backoff(cfg.Client),
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Conn:   conn,
		Chat:   chat.New(conn, opts.Clock, 0),
		Typing: chat.NewTyping(conn, opts.Clock, cfg.Client.TypingIdle(), 0),
		Groups: group.New(conn),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	c.Chat.SetTyping(c.Typing)

	c.History = relay.NewClient(cfg.Relay.HTTPURL, opts.Session)
	c.History.Limit = cfg.Client.HistoryLimit
	c.refresher = chat.NewRefresher(ctx, c.History, c.Chat)

	onEnded := opts.OnCallEnded
	c.Calls = call.New(call.Options{
		Conn:        conn,
		Media:       opts.Media,
		Clock:       opts.Clock,
		RingTimeout: cfg.Client.RingTimeout(),
		OnEnded: func(r call.Record) {
			log.Infof("CALL: %s (%s)", r.Summary(), r.Reason)
			if onEnded != nil {
				onEnded(r)
			}
		},
	})
	return c
}

// Login registers the inbound handlers and connects. An authentication error
// is returned as is; a transient failure leaves the connection reconnecting.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	if c.removers != nil {
		c.mu.Unlock()
		return ErrLoggedIn
	}
	d := c.Conn.Dispatcher()
	c.removers = []func(){
		d.AddHandler(c.Chat.HandleEnvelope),
		d.AddHandler(c.Typing.HandleEnvelope),
		d.AddHandler(c.Calls.HandleEnvelope),
		d.AddHandler(c.logServerError),
	}
	c.mu.Unlock()

	if err := c.Conn.Connect(ctx); err != nil {
		c.removeHandlers()
		return err
	}
	if want := c.cfg.Identity.UserID; want != "" && c.Conn.UserID() != "" && want != c.Conn.UserID() {
		log.Warnf("APP: configured user %q differs from token subject %q", want, c.Conn.UserID())
	}
	log.Infof("APP: logged in as %s (%s)", c.UserID(), c.Conn.State())
	return nil
}

// Logout hangs up, stops typing, forgets groups and disconnects. The Client
// can log in again afterwards.
func (c *Client) Logout() {
	if err := c.Calls.EndCall(proto.ReasonHungup); err != nil && !errors.Is(err, call.ErrNoActiveCall) {
		log.Warnf("APP: hangup at logout: %v", err)
	}
	c.Typing.StopAll()
	c.Groups.Reset()
	c.Conn.Disconnect()
	c.removeHandlers()
}

// Close logs out and releases the chat views and pending history loads.
func (c *Client) Close() {
	c.Logout()
	c.cancel()
	c.refresher.Wait()
	c.Chat.Close()
}

func (c *Client) removeHandlers() {
	c.mu.Lock()
	removers := c.removers
	c.removers = nil
	c.mu.Unlock()
	for _, rm := range removers {
		rm()
	}
}

// UserID is the authenticated user, empty before the first connect.
func (c *Client) UserID() string { return c.Conn.UserID() }

// Send submits text to target.
func (c *Client) Send(target proto.Target, text string) (chat.Message, error) {
	return c.Chat.Submit(target, chat.Draft{Content: text})
}

// Load fetches target's history from the relay into the chat view.
func (c *Client) Load(ctx context.Context, target proto.Target) ([]chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	payloads, err := c.History.FetchConversation(ctx, target)
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(payloads))
	for _, p := range payloads {
		msgs = append(msgs, chat.FromPayload(p))
	}
	c.Chat.Replace(target, msgs)
	return c.Chat.Conversation(target), nil
}

// Call rings peer. Creating the offer is bounded to 10s.
func (c *Client) Call(ctx context.Context, peer string, video bool) (call.Session, error) {
	ct := proto.CallVoice
	if video {
		ct = proto.CallVideo
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.Calls.StartCall(ctx, peer, ct)
}

func (c *Client) logServerError(env proto.Envelope) {
	if env.Type() != proto.TypeError {
		return
	}
	var p proto.ErrorPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	log.Warnf("APP: relay error %s: %s", p.Code, p.Message)
}
