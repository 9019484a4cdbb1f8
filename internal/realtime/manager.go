// Package realtime owns the single logical connection to the relay: connect,
// reconnect with backoff, outbound send, group re-subscription after a
// reconnect, and inbound dispatch.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/transport"
)

var log = logging.Logger("realtime")

var (
	ErrAlreadyConnected = errors.New("realtime: already connected")
	ErrGaveUp           = errors.New("realtime: reconnect attempts exhausted")
)

// State is the transport state of the logical connection.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionProvider supplies the authenticated user and bearer token at connect
// time. Its errors are treated as authentication failures.
type SessionProvider interface {
	Session(ctx context.Context) (userID, token string, err error)
}

// Backoff configures the reconnect schedule.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int // 0 retries forever
}

// DefaultBackoff is 500ms doubling to 30s with 20% jitter, unbounded.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	if b.Initial > 0 {
		eb.InitialInterval = b.Initial
	}
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	if b.Multiplier >= 1 {
		eb.Multiplier = b.Multiplier
	}
	eb.RandomizationFactor = b.Jitter
	eb.Reset()
	return eb
}

// Options configures a Manager. Dialer and Session are required.
type Options struct {
	Dialer     transport.Dialer
	Session    SessionProvider
	Dispatcher *Dispatcher
	Clock      clock.Clock
	Backoff    Backoff
}

// Status is a snapshot handed to observers.
type Status struct {
	State             State
	UserID            string
	ReconnectAttempts int
	Err               error
}

// Manager is one logical connection. It is created per login and torn down
// with Disconnect at logout.
type Manager struct {
	id   string
	opts Options
	clk  clock.Clock
	disp *Dispatcher

	mu       sync.Mutex
	state    State
	userID   string
	sock     transport.Socket
	attempts int
	lastErr  error
	groups   map[string]struct{}
	gen      uint64
	cancel   context.CancelFunc

	obsMu     sync.Mutex
	observers map[int]func(Status)
	nextObs   int
}

// New creates a manager in the Closed state.
func New(opts Options) *Manager {
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Manager{
		id:        uuid.New().String(),
		opts:      opts,
		clk:       opts.Clock,
		disp:      opts.Dispatcher,
		groups:    make(map[string]struct{}),
		observers: make(map[int]func(Status)),
	}
}

// ID is the connection id, fresh per Manager.
func (m *Manager) ID() string { return m.id }

// Dispatcher returns the inbound dispatcher.
func (m *Manager) Dispatcher() *Dispatcher { return m.disp }

// Connect establishes the socket. An authentication failure is returned as is
// and leaves the manager Closed. Any other dial failure switches to
// Reconnecting and returns nil; the manager keeps retrying in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Closed {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	m.state = Connecting
	m.lastErr = nil
	m.attempts = 0
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	m.notify()

	sock, userID, err := m.dial(ctx)
	if err != nil {
		if transport.IsAuthError(err) {
			m.fail(gen, err)
			return err
		}
		log.Warnf("REALTIME [%s]: connect failed: %v", m.id, err)
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return nil
		}
		m.state = Reconnecting
		m.lastErr = err
		m.mu.Unlock()
		m.notify()
		go m.reconnectLoop(loopCtx, gen)
		return nil
	}

	if !m.attach(loopCtx, gen, sock, userID) {
		_ = sock.Close()
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) (transport.Socket, string, error) {
	userID, token, err := m.opts.Session.Session(ctx)
	if err != nil {
		return nil, "", &transport.AuthError{Err: err}
	}
	sock, err := m.opts.Dialer.Dial(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return sock, userID, nil
}

// attach installs sock as the live socket of generation gen. The joinGroup
// replay is written before the state becomes Open.
func (m *Manager) attach(loopCtx context.Context, gen uint64, sock transport.Socket, userID string) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	replayed := 0
	for _, g := range m.sortedGroupsLocked() {
		env := proto.MustNew(proto.TypeJoinGroup, proto.GroupPayload{GroupID: g})
		if err := sock.WriteMessage(env.Bytes()); err != nil {
			m.mu.Unlock()
			log.Warnf("REALTIME [%s]: group replay failed: %v", m.id, err)
			_ = sock.Close()
			m.lost(loopCtx, gen, nil, err)
			return true
		}
		replayed++
	}
	wasReconnect := m.attempts > 0
	m.sock = sock
	m.userID = userID
	m.state = Open
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	if wasReconnect {
		log.Infof("REALTIME [%s]: reconnected as %s, replayed %d group(s)", m.id, userID, replayed)
	} else {
		log.Infof("REALTIME [%s]: connected as %s", m.id, userID)
	}
	m.notify()
	go m.readLoop(loopCtx, gen, sock)
	return true
}

func (m *Manager) readLoop(loopCtx context.Context, gen uint64, sock transport.Socket) {
	for {
		b, err := sock.ReadMessage()
		if err != nil {
			m.lost(loopCtx, gen, sock, err)
			return
		}
		env, err := proto.Parse(b)
		if err != nil {
			log.Debugf("REALTIME [%s]: dropping malformed frame: %v", m.id, err)
			continue
		}
		m.disp.Dispatch(env)
	}
}

// lost handles a dead socket. sock is nil when the socket was never installed.
func (m *Manager) lost(loopCtx context.Context, gen uint64, sock transport.Socket, cause error) {
	m.mu.Lock()
	if m.gen != gen || (sock != nil && m.sock != sock) {
		m.mu.Unlock()
		return
	}
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.state = Reconnecting
	m.lastErr = cause
	m.mu.Unlock()

	log.Warnf("REALTIME [%s]: connection lost: %v", m.id, cause)
	m.notify()
	go m.reconnectLoop(loopCtx, gen)
}

func (m *Manager) reconnectLoop(ctx context.Context, gen uint64) {
	bo := m.opts.Backoff.exponential()
	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		if limit := m.opts.Backoff.MaxAttempts; limit > 0 && m.attempts >= limit {
			m.mu.Unlock()
			log.Errorf("REALTIME [%s]: giving up after %d attempts", m.id, limit)
			m.fail(gen, ErrGaveUp)
			return
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()
		m.notify()

		wait := bo.NextBackOff()
		log.Debugf("REALTIME [%s]: reconnect attempt %d in %s", m.id, attempt, wait)
		t := m.clk.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		sock, userID, err := m.dial(ctx)
		if err != nil {
			if transport.IsAuthError(err) {
				log.Errorf("REALTIME [%s]: reconnect rejected: %v", m.id, err)
				m.fail(gen, err)
				return
			}
			m.mu.Lock()
			if m.gen == gen {
				m.lastErr = err
			}
			m.mu.Unlock()
			continue
		}
		if !m.attach(ctx, gen, sock, userID) {
			_ = sock.Close()
		}
		return
	}
}

// fail moves generation gen to Closed with a terminal error.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = Closed
	m.lastErr = err
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
	m.mu.Unlock()
	m.notify()
}

// Disconnect tears the connection down and forgets group subscriptions.
// Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Closed && m.sock == nil {
		clear(m.groups)
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = Closed
	m.attempts = 0
	m.lastErr = nil
	clear(m.groups)
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	sock := m.sock
	m.sock = nil
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	log.Infof("REALTIME [%s]: disconnected", m.id)
	m.notify()
}

// Send writes env if the connection is Open. False means the envelope was not
// accepted; it is not retried.
func (m *Manager) Send(env proto.Envelope) bool {
	if env.IsZero() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Open || m.sock == nil {
		return false
	}
	if err := m.sock.WriteMessage(env.Bytes()); err != nil {
		log.Warnf("REALTIME [%s]: write %s failed: %v", m.id, env.Type(), err)
		return false
	}
	return true
}

// AddGroup records groupID as an active subscription. Reports whether it was new.
func (m *Manager) AddGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; ok {
		return false
	}
	m.groups[groupID] = struct{}{}
	return true
}

// RemoveGroup forgets groupID. Reports whether it was present.
func (m *Manager) RemoveGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return false
	}
	delete(m.groups, groupID)
	return true
}

// Groups returns the active group subscriptions, sorted.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedGroupsLocked()
}

func (m *Manager) sortedGroupsLocked() []string {
	out := make([]string, 0, len(m.groups))
	for g := range m.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// IsConnected reports whether the connection is Open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Open
}

// ReconnectAttempts is the number of reconnect attempts since the last Open.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID is the authenticated user of the current or last session.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{State: m.state, UserID: m.userID, ReconnectAttempts: m.attempts, Err: m.lastErr}
}

// Observe registers fn for status changes. fn runs outside the manager lock.
func (m *Manager) Observe(fn func(Status)) (cancel func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) notify() {
	st := m.Status()
	m.obsMu.Lock()
	fns := make([]func(Status), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
