package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/parley/internal/proto"
)

// State of the single call session a client may hold.
type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a read-only snapshot for rendering. The zero value is Idle.
type Session struct {
	CallID       string         `json:"callId,omitempty"`
	PeerUserID   string         `json:"peerUserId,omitempty"`
	CallType     proto.CallType `json:"callType,omitempty"`
	State        State          `json:"state"`
	Outgoing     bool           `json:"outgoing"`
	OfferSDP     string         `json:"offerSdp,omitempty"`
	AnswerSDP    string         `json:"answerSdp,omitempty"`
	QueuedICE    int            `json:"queuedIce"`
	RingDeadline time.Time      `json:"ringDeadline,omitempty"`
	EndReason    string         `json:"endReason,omitempty"`
	StartedAt    time.Time      `json:"startedAt,omitempty"`
	ConnectedAt  time.Time      `json:"connectedAt,omitempty"`
}

// IncomingCall is handed to OnIncoming handlers. Accept and Reject act on this
// call only; they fail once it is no longer the active ringing call.
type IncomingCall struct {
	CallID     string
	FromUserID string
	CallType   proto.CallType
	CreatedAt  time.Time
	Accept     func() (Session, error)
	Reject     func() error
}

// Record describes a finished call.
type Record struct {
	CallID      string         `json:"callId"`
	PeerUserID  string         `json:"peerUserId"`
	CallType    proto.CallType `json:"callType"`
	Outgoing    bool           `json:"outgoing"`
	Reason      string         `json:"reason"`
	StartedAt   time.Time      `json:"startedAt"`
	ConnectedAt time.Time      `json:"connectedAt,omitempty"`
	EndedAt     time.Time      `json:"endedAt"`
}

// Duration is the connected time, zero for calls that never connected.
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// Summary is a one-line human readable description, used for the end-of-call
// toast and the call record message.
func (r Record) Summary() string {
	kind := string(r.CallType)
	if d := r.Duration(); d > 0 {
		return fmt.Sprintf("%s call with %s ended after %s", kind, r.PeerUserID, d.Round(time.Second))
	}
	if r.Outgoing {
		switch r.Reason {
		case proto.ReasonRejected:
			return fmt.Sprintf("%s declined your %s call", r.PeerUserID, kind)
		case proto.ReasonBusy:
			return fmt.Sprintf("%s is busy", r.PeerUserID)
		case proto.ReasonOffline:
			return fmt.Sprintf("%s is offline", r.PeerUserID)
		case proto.ReasonTimeout:
			return fmt.Sprintf("%s did not answer", r.PeerUserID)
		}
		return fmt.Sprintf("%s call to %s cancelled", kind, r.PeerUserID)
	}
	switch r.Reason {
	case proto.ReasonRejected:
		return fmt.Sprintf("declined %s call from %s", kind, r.PeerUserID)
	case proto.ReasonOffline:
		return fmt.Sprintf("%s call from %s failed: offline", kind, r.PeerUserID)
	}
	return fmt.Sprintf("missed %s call from %s", kind, r.PeerUserID)
}
