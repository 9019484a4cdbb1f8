package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/parley/internal/proto"
)

// Media is the per-call media layer. The state machine only moves SDP and
// ICE candidates through it; audio/video transport is its own business.
type Media interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offerSDP string) (string, error)
	SetRemoteAnswer(answerSDP string) error
	AddICECandidate(c proto.ICECandidateInit) error
	Close() error
}

// MediaFactory creates the media layer for one call. onCandidate receives the
// local ICE candidates as they are gathered.
type MediaFactory func(callID string, callType proto.CallType, onCandidate func(proto.ICECandidateInit)) (Media, error)

// NopMedia negotiates placeholder SDP and discards candidates. It is used when
// media is disabled, so signaling still runs end to end.
type NopMedia struct {
	callID   string
	callType proto.CallType

	mu         sync.Mutex
	candidates []proto.ICECandidateInit
	closed     bool
}

// NopFactory is the MediaFactory for NopMedia.
func NopFactory(callID string, callType proto.CallType, _ func(proto.ICECandidateInit)) (Media, error) {
	return &NopMedia{callID: callID, callType: callType}, nil
}

func (n *NopMedia) sdp(role string) string {
	return fmt.Sprintf("v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=%s\r\nt=0 0\r\na=parley-%s:%s\r\n", n.callType, role, n.callID)
}

func (n *NopMedia) CreateOffer(context.Context) (string, error) { return n.sdp("offer"), nil }

func (n *NopMedia) CreateAnswer(_ context.Context, offer string) (string, error) {
	if offer == "" {
		return "", fmt.Errorf("call: empty offer")
	}
	return n.sdp("answer"), nil
}

func (n *NopMedia) SetRemoteAnswer(answer string) error {
	if answer == "" {
		return fmt.Errorf("call: empty answer")
	}
	return nil
}

func (n *NopMedia) AddICECandidate(c proto.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.candidates = append(n.candidates, c)
	return nil
}

// Candidates returns the remote candidates applied so far, in order.
func (n *NopMedia) Candidates() []proto.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]proto.ICECandidateInit(nil), n.candidates...)
}

func (n *NopMedia) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}
