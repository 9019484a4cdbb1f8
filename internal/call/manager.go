// Package call is the call signaling state machine. A client holds at most one
// call session; offer, answer, ICE and end envelopes for any other callId are
// dropped, and a second offer is answered with call-busy.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("call")

const (
	DefaultRingTimeout   = 30 * time.Second
	DefaultIncomingGrace = 5 * time.Second
	DefaultHistorySize   = 50
)

var (
	ErrCallInProgress  = errors.New("call: a call is already in progress")
	ErrNotIncoming     = errors.New("call: no incoming call to answer")
	ErrNoActiveCall    = errors.New("call: no active call")
	ErrInvalidCallType = errors.New("call: call type must be voice or video")
	ErrSignalFailed    = errors.New("call: signaling envelope not sent")
)

// Connection is the part of the realtime manager the state machine needs.
type Connection interface {
	Send(env proto.Envelope) bool
	UserID() string
}

// Options configures a Manager. Conn is required.
type Options struct {
	Conn  Connection
	Media MediaFactory
	Clock clock.Clock

	// RingTimeout bounds how long an outgoing call rings unanswered.
	RingTimeout time.Duration
	// IncomingGrace is added to RingTimeout for the callee's own fallback
	// timer, in case the caller's call-end never arrives.
	IncomingGrace time.Duration
	HistorySize   int

	// OnEnded is called once per finished call, outside any lock.
	OnEnded func(Record)
}

type session struct {
	id         string
	peer       string
	callType   proto.CallType
	state      State
	outgoing   bool
	offerSDP   string
	answerSDP  string
	media      Media
	answering  bool
	mediaReady bool
	signaled   bool
	remoteICE  []proto.ICECandidateInit
	localICE   []proto.ICECandidateInit
	timer      *clock.Timer
	deadline   time.Time
	startedAt  time.Time
	connectAt  time.Time
	endReason  string
}

func (s *session) snapshot() Session {
	return Session{
		CallID:       s.id,
		PeerUserID:   s.peer,
		CallType:     s.callType,
		State:        s.state,
		Outgoing:     s.outgoing,
		OfferSDP:     s.offerSDP,
		AnswerSDP:    s.answerSDP,
		QueuedICE:    len(s.remoteICE),
		RingDeadline: s.deadline,
		EndReason:    s.endReason,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectAt,
	}
}

// ending carries what must happen after the lock is released.
type ending struct {
	last  Session
	rec   Record
	media Media
}

// Manager owns the call session and bridges signaling envelopes to it.
type Manager struct {
	opts    Options
	conn    Connection
	clk     clock.Clock
	factory MediaFactory
	history *util.RingBuffer[Record]

	mu   sync.Mutex
	sess *session

	hookMu    sync.Mutex
	nextHook  int
	incoming  map[int]func(IncomingCall)
	observers map[int]func(Session)
}

// New creates a call manager.
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Media == nil {
		opts.Media = NopFactory
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.IncomingGrace <= 0 {
		opts.IncomingGrace = DefaultIncomingGrace
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Manager{
		opts:      opts,
		conn:      opts.Conn,
		clk:       opts.Clock,
		factory:   opts.Media,
		history:   util.NewRingBuffer[Record](opts.HistorySize),
		incoming:  make(map[int]func(IncomingCall)),
		observers: make(map[int]func(Session)),
	}
}

// OnIncoming registers a ring prompt handler. Multiple handlers can be
// registered; each receives every incoming call.
func (m *Manager) OnIncoming(fn func(IncomingCall)) (cancel func()) {
	m.hookMu.Lock()
	id := m.nextHook
	m.nextHook++
	m.incoming[id] = fn
	m.hookMu.Unlock()
	return func() {
		m.hookMu.Lock()
		delete(m.incoming, id)
		m.hookMu.Unlock()
	}
}

// Observe registers fn for every session transition.
func (m *Manager) Observe(fn func(Session)) (cancel func()) {
	m.hookMu.Lock()
	id := m.nextHook
	m.nextHook++
	m.observers[id] = fn
	m.hookMu.Unlock()
	return func() {
		m.hookMu.Lock()
		delete(m.observers, id)
		m.hookMu.Unlock()
	}
}

// Session returns the current session, or an Idle snapshot.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{State: Idle}
	}
	return m.sess.snapshot()
}

// History returns recently finished calls, oldest first.
func (m *Manager) History() []Record { return m.history.Snapshot() }

// StartCall rings peer. It fails with ErrCallInProgress, without sending
// anything, unless the manager is Idle.
func (m *Manager) StartCall(ctx context.Context, peer string, callType proto.CallType) (Session, error) {
	peer, err := util.ValidateID(peer)
	if err != nil {
		return Session{}, fmt.Errorf("call: peer: %w", err)
	}
	if !callType.Valid() {
		return Session{}, ErrInvalidCallType
	}
	self := m.conn.UserID()
	if peer == self {
		return Session{}, errors.New("call: cannot call yourself")
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	s := &session{
		id:        uuid.NewString(),
		peer:      peer,
		callType:  callType,
		state:     Outgoing,
		outgoing:  true,
		startedAt: m.clk.Now(),
	}
	m.sess = s
	m.mu.Unlock()

	media, err := m.factory(s.id, callType, m.localCandidate(s.id))
	if err != nil {
		m.abort(s, proto.ReasonHungup, "")
		return Session{}, fmt.Errorf("call: media: %w", err)
	}
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		_ = media.Close()
		return Session{}, ErrNoActiveCall
	}
	s.media = media
	m.mu.Unlock()

	sdp, err := media.CreateOffer(ctx)
	if err != nil {
		m.abort(s, proto.ReasonHungup, "")
		return Session{}, fmt.Errorf("call: offer: %w", err)
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return Session{}, ErrNoActiveCall
	}
	s.offerSDP = sdp
	offer := proto.MustNew(proto.TypeCallOffer, proto.CallOfferPayload{
		CallID:     s.id,
		FromUserID: self,
		ToUserID:   peer,
		CallType:   callType,
		SDP:        sdp,
		CreatedAt:  s.startedAt,
	})
	if !m.conn.Send(offer) {
		e := m.endLocked(s, proto.ReasonOffline, "")
		m.mu.Unlock()
		m.finish(e)
		return e.last, ErrSignalFailed
	}
	s.signaled = true
	m.flushLocalLocked(s)
	s.deadline = s.startedAt.Add(m.opts.RingTimeout)
	id := s.id
	s.timer = m.clk.AfterFunc(s.deadline.Sub(m.clk.Now()), func() { m.ringTimeout(id) })
	snap := s.snapshot()
	m.mu.Unlock()

	log.Infof("CALL [%s]: %s offer sent to %s", id, callType, peer)
	m.notify(snap)
	return snap, nil
}

// AcceptCall answers the ringing incoming call.
func (m *Manager) AcceptCall(ctx context.Context) (Session, error) {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return Session{}, ErrNotIncoming
	}
	return m.accept(ctx, s.id)
}

func (m *Manager) accept(ctx context.Context, callID string) (Session, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != callID || s.state != Incoming || s.answering {
		m.mu.Unlock()
		return Session{}, ErrNotIncoming
	}
	s.answering = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	offer := s.offerSDP
	m.mu.Unlock()

	media, err := m.factory(s.id, s.callType, m.localCandidate(s.id))
	if err != nil {
		m.abort(s, proto.ReasonHungup, proto.TypeCallEnd)
		return Session{}, fmt.Errorf("call: media: %w", err)
	}
	answer, err := media.CreateAnswer(ctx, offer)
	if err != nil {
		_ = media.Close()
		m.abort(s, proto.ReasonHungup, proto.TypeCallEnd)
		return Session{}, fmt.Errorf("call: answer: %w", err)
	}

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		_ = media.Close()
		return Session{}, ErrNoActiveCall
	}
	s.media = media
	s.answerSDP = answer
	env := proto.MustNew(proto.TypeCallAnswer, proto.CallAnswerPayload{
		CallID:     s.id,
		FromUserID: m.conn.UserID(),
		ToUserID:   s.peer,
		SDP:        answer,
	})
	if !m.conn.Send(env) {
		e := m.endLocked(s, proto.ReasonOffline, "")
		m.mu.Unlock()
		m.finish(e)
		return e.last, ErrSignalFailed
	}
	s.signaled = true
	m.flushLocalLocked(s)
	m.connectLocked(s)
	snap := s.snapshot()
	m.mu.Unlock()

	log.Infof("CALL [%s]: answered %s", s.id, s.peer)
	m.notify(snap)
	return snap, nil
}

// RejectCall declines the ringing incoming call.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return ErrNotIncoming
	}
	return m.reject(s.id)
}

func (m *Manager) reject(callID string) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != callID || s.state != Incoming || s.answering {
		m.mu.Unlock()
		return ErrNotIncoming
	}
	e := m.endLocked(s, proto.ReasonRejected, proto.TypeCallReject)
	m.mu.Unlock()
	m.finish(e)
	return nil
}

// EndCall hangs up the active call in any non-Idle state. An empty or unknown
// reason means hungup.
func (m *Manager) EndCall(reason string) error {
	reason = endReason(reason)
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	e := m.endLocked(s, reason, proto.TypeCallEnd)
	m.mu.Unlock()
	m.finish(e)
	return nil
}

// HandleEnvelope consumes inbound call-* envelopes. Other types are ignored.
func (m *Manager) HandleEnvelope(env proto.Envelope) {
	switch env.Type() {
	case proto.TypeCallOffer:
		var p proto.CallOfferPayload
		if m.decode(env, &p) {
			m.handleOffer(p)
		}
	case proto.TypeCallAnswer:
		var p proto.CallAnswerPayload
		if m.decode(env, &p) {
			m.handleAnswer(p)
		}
	case proto.TypeCallICE:
		var p proto.CallICEPayload
		if m.decode(env, &p) {
			m.handleICE(p)
		}
	case proto.TypeCallEnd, proto.TypeCallReject, proto.TypeCallBusy:
		var p proto.CallEndPayload
		if m.decode(env, &p) {
			m.handleEnd(env.Type(), p)
		}
	}
}

func (m *Manager) decode(env proto.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		log.Warnf("CALL: %v", err)
		return false
	}
	return true
}

func (m *Manager) handleOffer(p proto.CallOfferPayload) {
	self := m.conn.UserID()
	if p.CallID == "" || p.FromUserID == "" || p.FromUserID == self {
		return
	}
	if p.ToUserID != "" && p.ToUserID != self {
		return
	}
	if !p.CallType.Valid() {
		p.CallType = proto.CallVoice
	}

	m.mu.Lock()
	if cur := m.sess; cur != nil {
		if cur.id != p.CallID {
			busy := proto.MustNew(proto.TypeCallBusy, proto.CallEndPayload{
				CallID:     p.CallID,
				FromUserID: self,
				ToUserID:   p.FromUserID,
				Reason:     proto.ReasonBusy,
			})
			m.conn.Send(busy)
			log.Infof("CALL [%s]: busy, rejected offer %s from %s", cur.id, p.CallID, p.FromUserID)
		}
		m.mu.Unlock()
		return
	}
	s := &session{
		id:        p.CallID,
		peer:      p.FromUserID,
		callType:  p.CallType,
		state:     Incoming,
		offerSDP:  p.SDP,
		startedAt: m.clk.Now(),
	}
	wait := m.opts.RingTimeout + m.opts.IncomingGrace
	s.deadline = s.startedAt.Add(wait)
	s.timer = m.clk.AfterFunc(wait, func() { m.incomingTimeout(p.CallID) })
	m.sess = s
	snap := s.snapshot()
	m.mu.Unlock()

	log.Infof("CALL [%s]: incoming %s call from %s", p.CallID, p.CallType, p.FromUserID)
	m.notify(snap)

	ic := IncomingCall{
		CallID:     p.CallID,
		FromUserID: p.FromUserID,
		CallType:   p.CallType,
		CreatedAt:  p.CreatedAt,
		Accept:     func() (Session, error) { return m.accept(context.Background(), p.CallID) },
		Reject:     func() error { return m.reject(p.CallID) },
	}
	m.hookMu.Lock()
	handlers := make([]func(IncomingCall), 0, len(m.incoming))
	for _, fn := range m.incoming {
		handlers = append(handlers, fn)
	}
	m.hookMu.Unlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) handleAnswer(p proto.CallAnswerPayload) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != p.CallID || s.state != Outgoing || p.FromUserID != s.peer {
		m.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.answerSDP = p.SDP
	if err := s.media.SetRemoteAnswer(p.SDP); err != nil {
		log.Errorf("CALL [%s]: %v", s.id, err)
		e := m.endLocked(s, proto.ReasonHungup, proto.TypeCallEnd)
		m.mu.Unlock()
		m.finish(e)
		return
	}
	m.connectLocked(s)
	snap := s.snapshot()
	m.mu.Unlock()

	log.Infof("CALL [%s]: connected with %s", s.id, s.peer)
	m.notify(snap)
}

func (m *Manager) handleICE(p proto.CallICEPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.id != p.CallID || p.FromUserID != s.peer {
		return
	}
	switch s.state {
	case Outgoing, Incoming, Connected:
	default:
		return
	}
	if !s.mediaReady {
		s.remoteICE = append(s.remoteICE, p.Candidate)
		return
	}
	if err := s.media.AddICECandidate(p.Candidate); err != nil {
		log.Warnf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

func (m *Manager) handleEnd(typ string, p proto.CallEndPayload) {
	var reason string
	switch typ {
	case proto.TypeCallReject:
		reason = proto.ReasonRejected
	case proto.TypeCallBusy:
		reason = proto.ReasonBusy
	default:
		reason = endReason(p.Reason)
	}

	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != p.CallID {
		m.mu.Unlock()
		return
	}
	// Only the relay sends without a sender, and only to report the callee
	// offline. Everything else must come from the peer.
	if p.FromUserID != s.peer && !(p.FromUserID == "" && reason == proto.ReasonOffline) {
		m.mu.Unlock()
		return
	}
	e := m.endLocked(s, reason, "")
	m.mu.Unlock()
	m.finish(e)
}

// endReason maps reason onto the known end reasons. Anything else is a
// hangup.
func endReason(reason string) string {
	switch reason {
	case proto.ReasonRejected, proto.ReasonBusy, proto.ReasonOffline, proto.ReasonTimeout, proto.ReasonHungup:
		return reason
	}
	return proto.ReasonHungup
}

func (m *Manager) ringTimeout(callID string) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != callID || s.state != Outgoing {
		m.mu.Unlock()
		return
	}
	log.Infof("CALL [%s]: no answer from %s", callID, s.peer)
	e := m.endLocked(s, proto.ReasonTimeout, proto.TypeCallEnd)
	m.mu.Unlock()
	m.finish(e)
}

// incomingTimeout ends an unanswered incoming call silently; the caller sends
// its own call-end on timeout.
func (m *Manager) incomingTimeout(callID string) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.id != callID || s.state != Incoming || s.answering {
		m.mu.Unlock()
		return
	}
	e := m.endLocked(s, proto.ReasonTimeout, "")
	m.mu.Unlock()
	m.finish(e)
}

// localCandidate trickles local ICE for callID, holding candidates back until
// the offer or answer has been signaled.
func (m *Manager) localCandidate(callID string) func(proto.ICECandidateInit) {
	return func(c proto.ICECandidateInit) {
		m.mu.Lock()
		defer m.mu.Unlock()
		s := m.sess
		if s == nil || s.id != callID || s.state == Ended {
			return
		}
		if !s.signaled {
			s.localICE = append(s.localICE, c)
			return
		}
		m.sendCandidateLocked(s, c)
	}
}

func (m *Manager) flushLocalLocked(s *session) {
	for _, c := range s.localICE {
		m.sendCandidateLocked(s, c)
	}
	s.localICE = nil
}

func (m *Manager) sendCandidateLocked(s *session, c proto.ICECandidateInit) {
	env := proto.MustNew(proto.TypeCallICE, proto.CallICEPayload{
		CallID:     s.id,
		FromUserID: m.conn.UserID(),
		ToUserID:   s.peer,
		Candidate:  c,
	})
	if !m.conn.Send(env) {
		log.Debugf("CALL [%s]: candidate not sent", s.id)
	}
}

// connectLocked marks the media ready, applies queued remote candidates in
// arrival order and enters Connected.
func (m *Manager) connectLocked(s *session) {
	s.mediaReady = true
	for _, c := range s.remoteICE {
		if err := s.media.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: add queued candidate: %v", s.id, err)
		}
	}
	s.remoteICE = nil
	s.state = Connected
	s.connectAt = m.clk.Now()
}

// abort ends s if it is still the active session.
func (m *Manager) abort(s *session, reason, notice string) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	e := m.endLocked(s, reason, notice)
	m.mu.Unlock()
	m.finish(e)
}

// endLocked moves s to Ended and clears the slot. notice, when set, is the
// envelope type sent to the peer first.
func (m *Manager) endLocked(s *session, reason, notice string) ending {
	if notice != "" {
		env := proto.MustNew(notice, proto.CallEndPayload{
			CallID:     s.id,
			FromUserID: m.conn.UserID(),
			ToUserID:   s.peer,
			Reason:     reason,
		})
		m.conn.Send(env)
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = Ended
	s.endReason = reason
	m.sess = nil

	rec := Record{
		CallID:      s.id,
		PeerUserID:  s.peer,
		CallType:    s.callType,
		Outgoing:    s.outgoing,
		Reason:      reason,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectAt,
		EndedAt:     m.clk.Now(),
	}
	m.history.Push(rec)
	return ending{last: s.snapshot(), rec: rec, media: s.media}
}

func (m *Manager) finish(e ending) {
	if e.media != nil {
		if err := e.media.Close(); err != nil {
			log.Debugf("CALL [%s]: media close: %v", e.rec.CallID, err)
		}
	}
	log.Infof("CALL [%s]: ended (%s)", e.rec.CallID, e.rec.Reason)
	m.notify(e.last)
	m.notify(Session{State: Idle})
	if m.opts.OnEnded != nil {
		m.opts.OnEnded(e.rec)
	}
}

func (m *Manager) notify(s Session) {
	m.hookMu.Lock()
	fns := make([]func(Session), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.hookMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
