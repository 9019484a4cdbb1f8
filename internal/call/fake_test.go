package call

import (
	"context"
	"errors"
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

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeMedia records what the state machine drives through it.
type fakeMedia struct {
	mu          sync.Mutex
	onCandidate func(proto.ICECandidateInit)
	remote      []proto.ICECandidateInit
	answer      string
	answerErr   error
	beforeOffer func()
	closed      bool
}

// CreateOffer gathers one host candidate before returning, like a real
// stack that starts gathering on SetLocalDescription.
func (f *fakeMedia) CreateOffer(context.Context) (string, error) {
	if f.beforeOffer != nil {
		f.beforeOffer()
	}
	if f.onCandidate != nil {
		f.onCandidate(proto.ICECandidateInit{Candidate: "host-1"})
	}
	return "offer-sdp", nil
}

func (f *fakeMedia) CreateAnswer(_ context.Context, offer string) (string, error) {
	if offer == "" {
		return "", errors.New("no offer")
	}
	return "answer-sdp", nil
}

func (f *fakeMedia) SetRemoteAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = sdp
	return f.answerErr
}

func (f *fakeMedia) AddICECandidate(c proto.ICECandidateInit) error {
	f.mu.Lock()
	f.remote = append(f.remote, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.remote))
	for i, c := range f.remote {
		out[i] = c.Candidate
	}
	return out
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type mediaPool struct {
	mu          sync.Mutex
	created     []*fakeMedia
	answerErr   error
	beforeOffer func()
}

func (p *mediaPool) factory(_ string, _ proto.CallType, onCandidate func(proto.ICECandidateInit)) (Media, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := &fakeMedia{onCandidate: onCandidate, answerErr: p.answerErr, beforeOffer: p.beforeOffer}
	p.created = append(p.created, m)
	return m, nil
}

func (p *mediaPool) last() *fakeMedia {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

func offerFrom(from, to, callID string, ct proto.CallType) proto.Envelope {
	return proto.MustNew(proto.TypeCallOffer, proto.CallOfferPayload{
		CallID: callID, FromUserID: from, ToUserID: to, CallType: ct, SDP: "remote-offer",
	})
}

func answerFrom(from, to, callID string) proto.Envelope {
	return proto.MustNew(proto.TypeCallAnswer, proto.CallAnswerPayload{
		CallID: callID, FromUserID: from, ToUserID: to, SDP: "remote-answer",
	})
}

func iceFrom(from, to, callID, cand string) proto.Envelope {
	return proto.MustNew(proto.TypeCallICE, proto.CallICEPayload{
		CallID: callID, FromUserID: from, ToUserID: to,
		Candidate: proto.ICECandidateInit{Candidate: cand},
	})
}

func endFrom(typ, from, to, callID, reason string) proto.Envelope {
	return proto.MustNew(typ, proto.CallEndPayload{
		CallID: callID, FromUserID: from, ToUserID: to, Reason: reason,
	})
}

func decodeEnd(env proto.Envelope) proto.CallEndPayload {
	var p proto.CallEndPayload
	_ = env.Decode(&p)
	return p
}
