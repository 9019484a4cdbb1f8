package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/parley/internal/proto"
)

const (
	// DefaultTypingIdle is how long after the last keystroke typing stops.
	DefaultTypingIdle = 1000 * time.Millisecond

	// DefaultPeerTypingExpiry clears a remote typing flag whose stop never arrived.
	DefaultPeerTypingExpiry = 5 * time.Second
)

// TypingEvent reports a remote user's typing state for a conversation.
type TypingEvent struct {
	Target   proto.Target
	UserID   string
	IsTyping bool
}

type localTyping struct {
	timer *clock.Timer
	gen   uint64
}

type peerTyping struct {
	timer *clock.Timer
	gen   uint64
}

// Typing debounces local typing signals and tracks remote ones.
// For a burst of keystrokes it emits exactly one isTyping:true and one
// terminating isTyping:false.
type Typing struct {
	conn   Connection
	clk    clock.Clock
	idle   time.Duration
	expiry time.Duration

	mu        sync.Mutex
	gen       uint64
	local     map[string]*localTyping
	peers     map[string]map[string]*peerTyping // target key -> user -> state
	listeners []chan TypingEvent
}

// NewTyping returns a typing protocol bound to conn. Zero durations use the
// defaults.
func NewTyping(conn Connection, clk clock.Clock, idle, expiry time.Duration) *Typing {
	if clk == nil {
		clk = clock.New()
	}
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if expiry <= 0 {
		expiry = DefaultPeerTypingExpiry
	}
	return &Typing{
		conn:   conn,
		clk:    clk,
		idle:   idle,
		expiry: expiry,
		local:  make(map[string]*localTyping),
		peers:  make(map[string]map[string]*peerTyping),
	}
}

// Input is called on every edit of the compose box for target. Non-empty
// content starts typing (once) and rearms the idle timer; cleared content
// stops it.
func (t *Typing) Input(target proto.Target, content string) {
	if !target.Valid() {
		return
	}
	if strings.TrimSpace(content) == "" {
		t.Stop(target)
		return
	}
	key := target.Key()

	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.local[key]
	if !ok {
		st = &localTyping{}
		t.local[key] = st
		t.sendLocked(target, true)
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	t.gen++
	gen := t.gen
	st.gen = gen
	st.timer = t.clk.AfterFunc(t.idle, func() { t.expire(target, gen) })
}

func (t *Typing) expire(target proto.Target, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.local[target.Key()]
	if !ok || st.gen != gen {
		return
	}
	delete(t.local, target.Key())
	t.sendLocked(target, false)
}

// Stop ends the typing state for target, emitting isTyping:false if it was
// active. Called after a successful send.
func (t *Typing) Stop(target proto.Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.local[target.Key()]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(t.local, target.Key())
	t.sendLocked(target, false)
}

// StopAll ends every active typing state.
func (t *Typing) StopAll() {
	t.mu.Lock()
	keys := make([]string, 0, len(t.local))
	for k := range t.local {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.Stop(targetFromKey(k))
	}
}

// Active reports whether local typing is on for target.
func (t *Typing) Active(target proto.Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[target.Key()]
	return ok
}

func (t *Typing) sendLocked(target proto.Target, typing bool) {
	env := proto.MustNew(proto.TypeTyping, proto.TypingPayload{IsTyping: typing, Target: target})
	if !t.conn.Send(env) {
		log.Debugf("CHAT: typing=%v for %s not sent", typing, target)
	}
}

// HandleEnvelope tracks inbound typing envelopes.
func (t *Typing) HandleEnvelope(env proto.Envelope) {
	if env.Type() != proto.TypeTyping {
		return
	}
	var p proto.TypingPayload
	if err := env.Decode(&p); err != nil {
		log.Warnf("CHAT: %v", err)
		return
	}
	if p.FromUserID == "" || p.FromUserID == t.conn.UserID() {
		return
	}
	target := ConversationOf(t.conn.UserID(), p.FromUserID, p.Target)
	if p.IsTyping {
		t.peerStart(target, p.FromUserID)
	} else {
		t.peerStop(target, p.FromUserID, 0)
	}
}

func (t *Typing) peerStart(target proto.Target, user string) {
	key := target.Key()
	t.mu.Lock()
	users := t.peers[key]
	if users == nil {
		users = make(map[string]*peerTyping)
		t.peers[key] = users
	}
	st, existed := users[user]
	if !existed {
		st = &peerTyping{}
		users[user] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	t.gen++
	gen := t.gen
	st.gen = gen
	st.timer = t.clk.AfterFunc(t.expiry, func() { t.peerStop(target, user, gen) })
	t.mu.Unlock()

	if !existed {
		t.emit(TypingEvent{Target: target, UserID: user, IsTyping: true})
	}
}

// peerStop clears a remote typing flag. gen 0 matches any generation.
func (t *Typing) peerStop(target proto.Target, user string, gen uint64) {
	key := target.Key()
	t.mu.Lock()
	st, ok := t.peers[key][user]
	if !ok || (gen != 0 && st.gen != gen) {
		t.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(t.peers[key], user)
	if len(t.peers[key]) == 0 {
		delete(t.peers, key)
	}
	t.mu.Unlock()
	t.emit(TypingEvent{Target: target, UserID: user, IsTyping: false})
}

// Peers returns the users currently typing in target, sorted.
func (t *Typing) Peers(target proto.Target) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers[target.Key()]))
	for u := range t.peers[target.Key()] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel of remote typing changes.
func (t *Typing) Subscribe() (<-chan TypingEvent, func()) {
	ch := make(chan TypingEvent, 16)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, l := range t.listeners {
				if l == ch {
					t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (t *Typing) emit(ev TypingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.listeners {
		select {
		case l <- ev:
		default:
		}
	}
}

func targetFromKey(key string) proto.Target {
	if strings.HasPrefix(key, "g:") {
		return proto.ToGroup(key[2:])
	}
	return proto.ToUser(strings.TrimPrefix(key, "u:"))
}
