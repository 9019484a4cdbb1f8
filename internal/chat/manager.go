// Package chat implements optimistic message submission reconciled against
// the relay's confirmations, and the typing indicator protocol.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/proto"
)

var log = logging.Logger("chat")

const (
	// DefaultBufferSize is the number of messages kept per conversation.
	DefaultBufferSize = 200
)

var (
	ErrSendFailed    = errors.New("chat: message not sent, connection unavailable")
	ErrInvalidTarget = errors.New("chat: target must name exactly one user or group")
	ErrEmptyMessage  = errors.New("chat: message is empty")
	ErrNotFailed     = errors.New("chat: no failed message with that id")
)

// Connection is the part of the realtime manager chat needs.
type Connection interface {
	Send(env proto.Envelope) bool
	UserID() string
}

// Refetcher is told when a conversation's local state can no longer be
// trusted and must be reloaded from the authoritative source.
type Refetcher interface {
	Invalidate(target proto.Target)
}

// TypingStopper ends the local typing state for a target.
type TypingStopper interface {
	Stop(target proto.Target)
}

// EventKind describes a conversation change.
type EventKind string

const (
	EventAdded    EventKind = "added"
	EventUpdated  EventKind = "updated"
	EventReplaced EventKind = "replaced"
)

// Event is delivered to subscribers. Message is unset for EventReplaced.
type Event struct {
	Kind    EventKind
	Target  proto.Target
	Message Message
}

// Manager holds the per-conversation views and reconciles them.
type Manager struct {
	conn   Connection
	clk    clock.Clock
	bufCap int

	mu        sync.Mutex
	convs     map[string][]*Message // Target.Key() -> messages, oldest first
	refetch   Refetcher
	typing    TypingStopper
	listeners []chan Event
}

// New creates a chat manager sending through conn. bufferSize <= 0 uses
// DefaultBufferSize.
func New(conn Connection, clk clock.Clock, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		conn:   conn,
		clk:    clk,
		bufCap: bufferSize,
		convs:  make(map[string][]*Message),
	}
}

// SetRefetcher registers the collaborator invalidated on failed sends.
func (m *Manager) SetRefetcher(r Refetcher) {
	m.mu.Lock()
	m.refetch = r
	m.mu.Unlock()
}

// SetTyping registers the typing protocol stopped after a successful send.
func (m *Manager) SetTyping(t TypingStopper) {
	m.mu.Lock()
	m.typing = t
	m.mu.Unlock()
}

// Submit inserts a Pending message and emits sendMessage. If the connection
// does not accept the envelope the entry is marked Failed, the conversation is
// invalidated and ErrSendFailed is returned along with the failed entry.
func (m *Manager) Submit(target proto.Target, d Draft) (Message, error) {
	if !target.Valid() {
		return Message{}, ErrInvalidTarget
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Metadata) == 0 {
		return Message{}, ErrEmptyMessage
	}
	if d.MessageType == "" {
		d.MessageType = proto.MessageTypeText
	}

	msg := &Message{
		ClientMessageID:  NewClientMessageID(),
		FromUserID:       m.conn.UserID(),
		Target:           target,
		MessageType:      d.MessageType,
		Content:          d.Content,
		Metadata:         d.Metadata,
		ReplyToMessageID: d.ReplyToMessageID,
		CreatedAt:        m.clk.Now(),
		Status:           Pending,
	}

	m.mu.Lock()
	m.appendLocked(target, msg)
	added := *msg
	m.mu.Unlock()
	m.emit(Event{Kind: EventAdded, Target: target, Message: added})

	env, err := proto.New(proto.TypeSendMessage, proto.SendMessagePayload{
		Content:          d.Content,
		ClientMessageID:  msg.ClientMessageID,
		Target:           target,
		MessageType:      d.MessageType,
		Metadata:         d.Metadata,
		ReplyToMessageID: d.ReplyToMessageID,
	})
	if err != nil {
		failed, _ := m.markFailed(target, added.ClientMessageID)
		return failed, fmt.Errorf("chat: build envelope: %w", err)
	}

	if !m.conn.Send(env) {
		log.Warnf("CHAT: send %s to %s failed, marking failed", added.ClientMessageID, target)
		failed, _ := m.markFailed(target, added.ClientMessageID)
		return failed, ErrSendFailed
	}

	m.mu.Lock()
	typing := m.typing
	m.mu.Unlock()
	if typing != nil {
		typing.Stop(target)
	}
	return added, nil
}

// markFailed moves a Pending entry to Failed and schedules a refetch.
func (m *Manager) markFailed(target proto.Target, cmid string) (Message, bool) {
	m.mu.Lock()
	msg := m.findLocked(target.Key(), func(x *Message) bool { return x.ClientMessageID == cmid })
	if msg == nil || msg.Status != Pending {
		var out Message
		if msg != nil {
			out = *msg
		}
		m.mu.Unlock()
		return out, false
	}
	msg.Status = Failed
	out := *msg
	r := m.refetch
	m.mu.Unlock()

	m.emit(Event{Kind: EventUpdated, Target: target, Message: out})
	if r != nil {
		r.Invalidate(target)
	}
	return out, true
}

// Retry discards a Failed entry and submits its content again under a fresh
// client message id.
func (m *Manager) Retry(cmid string) (Message, error) {
	m.mu.Lock()
	var (
		target proto.Target
		draft  Draft
		found  bool
	)
	for key, msgs := range m.convs {
		for i, x := range msgs {
			if x.ClientMessageID != cmid || x.Status != Failed {
				continue
			}
			target = x.Target
			draft = Draft{Content: x.Content, MessageType: x.MessageType, Metadata: x.Metadata, ReplyToMessageID: x.ReplyToMessageID}
			m.convs[key] = append(msgs[:i:i], msgs[i+1:]...)
			found = true
			break
		}
		if found {
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return Message{}, ErrNotFailed
	}
	m.emit(Event{Kind: EventReplaced, Target: target})
	return m.Submit(target, draft)
}

// HandleEnvelope consumes inbound newMessage and error envelopes. Other types
// are ignored.
func (m *Manager) HandleEnvelope(env proto.Envelope) {
	switch env.Type() {
	case proto.TypeNewMessage:
		var p proto.MessagePayload
		if err := env.Decode(&p); err != nil {
			log.Warnf("CHAT: %v", err)
			return
		}
		m.receive(p)
	case proto.TypeError:
		var p proto.ErrorPayload
		if err := env.Decode(&p); err != nil {
			log.Warnf("CHAT: %v", err)
			return
		}
		if p.ClientMessageID == "" {
			return
		}
		log.Warnf("CHAT: relay rejected %s: %s %s", p.ClientMessageID, p.Code, p.Message)
		if target, ok := m.locate(p.ClientMessageID); ok {
			m.markFailed(target, p.ClientMessageID)
		}
	}
}

// receive merges an authoritative message. A local entry with the same client
// message id is replaced in place; an entry with the same server id makes the
// call a no-op.
//
// The local entry may already be Failed: a send the socket reported lost can
// still reach the relay. It then moves Failed to Confirmed so the view shows
// one copy of what the relay stored.
func (m *Manager) receive(p proto.MessagePayload) {
	if p.ID == "" || !p.Target.Valid() {
		log.Debugf("CHAT: ignoring incomplete newMessage")
		return
	}
	target := ConversationOf(m.conn.UserID(), p.FromUserID, p.Target)
	key := target.Key()

	m.mu.Lock()
	if m.findLocked(key, func(x *Message) bool { return x.ID == p.ID }) != nil {
		m.mu.Unlock()
		return
	}
	if p.ClientMessageID != "" {
		if local := m.findLocked(key, func(x *Message) bool {
			return x.ID == "" && x.ClientMessageID == p.ClientMessageID
		}); local != nil {
			local.merge(p)
			out := *local
			m.mu.Unlock()
			m.emit(Event{Kind: EventUpdated, Target: target, Message: out})
			return
		}
	}
	msg := FromPayload(p)
	m.appendLocked(target, &msg)
	m.mu.Unlock()
	m.emit(Event{Kind: EventAdded, Target: target, Message: msg})
}

// Replace installs an authoritative conversation. Local entries the server
// does not know about (still Pending, or Failed) are kept after it, as are
// confirmed entries missing from server that are not older than its last
// message: those arrived live while server was being loaded.
func (m *Manager) Replace(target proto.Target, server []Message) {
	key := target.Key()
	knownCMID := make(map[string]bool, len(server))
	knownID := make(map[string]bool, len(server))
	out := make([]*Message, 0, len(server))
	var newest time.Time
	for i := range server {
		msg := server[i]
		msg.Status = Confirmed
		if msg.ClientMessageID != "" {
			knownCMID[msg.ClientMessageID] = true
		}
		knownID[msg.ID] = true
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
		out = append(out, &msg)
	}

	m.mu.Lock()
	for _, x := range m.convs[key] {
		if x.ClientMessageID != "" && knownCMID[x.ClientMessageID] {
			continue
		}
		switch {
		case x.ID == "":
			out = append(out, x)
		case !knownID[x.ID] && !x.CreatedAt.Before(newest):
			out = append(out, x)
		}
	}
	if len(out) > m.bufCap {
		out = out[len(out)-m.bufCap:]
	}
	m.convs[key] = out
	m.mu.Unlock()
	m.emit(Event{Kind: EventReplaced, Target: target})
}

// Conversation returns a copy of the view for target, oldest first.
func (m *Manager) Conversation(target proto.Target) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.convs[target.Key()]
	out := make([]Message, len(msgs))
	for i, x := range msgs {
		out[i] = *x
	}
	return out
}

// Subscribe returns a channel of conversation events. Events are dropped for
// a subscriber whose buffer is full.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l == ch {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

// Close releases all subscribers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		close(l)
	}
	m.listeners = nil
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		select {
		case l <- ev:
		default:
		}
	}
}

// locate finds the conversation of an unconfirmed local entry.
func (m *Manager) locate(cmid string) (proto.Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.convs {
		for _, x := range msgs {
			if x.ID == "" && x.ClientMessageID == cmid {
				return x.Target, true
			}
		}
	}
	return proto.Target{}, false
}

func (m *Manager) appendLocked(target proto.Target, msg *Message) {
	key := target.Key()
	msgs := append(m.convs[key], msg)
	if len(msgs) > m.bufCap {
		msgs = msgs[len(msgs)-m.bufCap:]
	}
	m.convs[key] = msgs
}

func (m *Manager) findLocked(key string, match func(*Message) bool) *Message {
	msgs := m.convs[key]
	for i := len(msgs) - 1; i >= 0; i-- {
		if match(msgs[i]) {
			return msgs[i]
		}
	}
	return nil
}
