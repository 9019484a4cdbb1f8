package chat

import (
	"context"
	"sync"

	"github.com/petervdpas/parley/internal/proto"
)

type fakeConn struct {
	mu     sync.Mutex
	user   string
	online bool
	sent   []proto.Envelope
}

func newFakeConn(user string) *fakeConn { return &fakeConn{user: user, online: true} }

func (c *fakeConn) Send(env proto.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) setOnline(v bool) {
	c.mu.Lock()
	c.online = v
	c.mu.Unlock()
}

func (c *fakeConn) sentOf(typ string) []proto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.Envelope
	for _, env := range c.sent {
		if env.Type() == typ {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) typingFlags() []bool {
	var out []bool
	for _, env := range c.sentOf(proto.TypeTyping) {
		var p proto.TypingPayload
		_ = env.Decode(&p)
		out = append(out, p.IsTyping)
	}
	return out
}

type fakeRefetcher struct {
	mu      sync.Mutex
	targets []proto.Target
}

func (r *fakeRefetcher) Invalidate(t proto.Target) {
	r.mu.Lock()
	r.targets = append(r.targets, t)
	r.mu.Unlock()
}

func (r *fakeRefetcher) calls() []proto.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Target(nil), r.targets...)
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []proto.Target
}

func (s *fakeStopper) Stop(t proto.Target) {
	s.mu.Lock()
	s.stopped = append(s.stopped, t)
	s.mu.Unlock()
}

type fakeHistory struct {
	mu      sync.Mutex
	fetches int
	gate    chan struct{}
	msgs    []proto.MessagePayload
}

func (h *fakeHistory) FetchConversation(ctx context.Context, t proto.Target) ([]proto.MessagePayload, error) {
	h.mu.Lock()
	h.fetches++
	gate := h.gate
	msgs := h.msgs
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches
}

func confirmation(id, cmid, from string, target proto.Target, content string) proto.Envelope {
	return proto.MustNew(proto.TypeNewMessage, proto.MessagePayload{
		ID:              id,
		ClientMessageID: cmid,
		FromUserID:      from,
		Target:          target,
		MessageType:     proto.MessageTypeText,
		Content:         content,
	})
}
