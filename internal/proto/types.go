package proto

import (
	"encoding/json"
	"time"
)

// ── Envelope types ────────────────────────────────────────────────────────────
// Single source of truth for every "type" value on the wire.
const (
	// Chat.
	TypeSendMessage = "sendMessage" // client → relay
	TypeNewMessage  = "newMessage"  // relay → clients; doubles as the sender's confirmation
	TypeTyping      = "typing"      // both directions

	// Group membership, connection scoped on the relay.
	TypeJoinGroup  = "joinGroup"
	TypeLeaveGroup = "leaveGroup"

	// Call signaling.
	TypeCallOffer  = "call-offer"
	TypeCallAnswer = "call-answer"
	TypeCallICE    = "call-ice-candidate"
	TypeCallEnd    = "call-end"
	TypeCallReject = "call-reject"
	TypeCallBusy   = "call-busy"

	// Relay → client failure report.
	TypeError = "error"
)

// Message types carried in sendMessage/newMessage.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"
	MessageTypeCard     = "card"
	MessageTypeCall     = "call"
)

// CallType is the media kind of a call.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool { return t == CallVoice || t == CallVideo }

// Terminal call reasons.
const (
	ReasonRejected = "rejected"
	ReasonBusy     = "busy"
	ReasonOffline  = "offline"
	ReasonTimeout  = "timeout"
	ReasonHungup   = "hungup"
)

// ── Targets ──────────────────────────────────────────────────────────────────

// Target addresses either one user or one group, never both.
type Target struct {
	ToUserID string `json:"toUserId,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}

// ToUser targets a direct conversation.
func ToUser(id string) Target { return Target{ToUserID: id} }

// ToGroup targets a group conversation.
func ToGroup(id string) Target { return Target{GroupID: id} }

// Valid reports whether exactly one of ToUserID/GroupID is set.
func (t Target) Valid() bool { return (t.ToUserID == "") != (t.GroupID == "") }

// IsGroup reports whether t is a group target.
func (t Target) IsGroup() bool { return t.GroupID != "" }

// Key is a stable map key for the conversation ("u:<id>" or "g:<id>").
func (t Target) Key() string {
	if t.GroupID != "" {
		return "g:" + t.GroupID
	}
	return "u:" + t.ToUserID
}

func (t Target) String() string { return t.Key() }

// ── Chat payloads ────────────────────────────────────────────────────────────

// SendMessagePayload is the client's submission. Exactly one target field is set.
type SendMessagePayload struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
	Target
	MessageType      string          `json:"messageType"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	ReplyToMessageID string          `json:"replyToMessageId,omitempty"`
}

// MessagePayload is the authoritative message as stored by the relay.
type MessagePayload struct {
	ID              string `json:"id"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	FromUserID      string `json:"fromUserId"`
	Target
	MessageType      string            `json:"messageType"`
	Content          string            `json:"content"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
	ReplyToMessageID string            `json:"replyToMessageId,omitempty"`
	Translations     map[string]string `json:"translations,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// TypingPayload signals start/stop of typing. FromUserID is stamped by the relay.
type TypingPayload struct {
	IsTyping   bool   `json:"isTyping"`
	FromUserID string `json:"fromUserId,omitempty"`
	Target
}

// GroupPayload is the body of joinGroup/leaveGroup.
type GroupPayload struct {
	GroupID string `json:"groupId"`
}

// ErrorPayload reports a relay-side failure. ClientMessageID is set when the
// failure concerns a sendMessage.
type ErrorPayload struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// ── Call signal payloads ─────────────────────────────────────────────────────
//
//   caller                          callee
//   ──────────────────────────────────────────────────────────────
//   call-offer      ────────────────► (ring prompt)
//                   ◄──────────────── call-answer   (accept)
//                   ◄──────────────── call-reject   (reject)
//   call-ice-candidate ◄────────────► call-ice-candidate
//   call-end        ◄────────────────► call-end     (either side, any time)
//                   ◄──────────────── call-busy     (callee already in a call)

// CallOfferPayload opens a negotiation.
type CallOfferPayload struct {
	CallID     string    `json:"callId"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	CallType   CallType  `json:"callType"`
	SDP        string    `json:"sdp"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CallAnswerPayload carries the callee's SDP answer.
type CallAnswerPayload struct {
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	SDP        string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallICEPayload carries one trickle ICE candidate.
type CallICEPayload struct {
	CallID     string           `json:"callId"`
	FromUserID string           `json:"fromUserId"`
	ToUserID   string           `json:"toUserId"`
	Candidate  ICECandidateInit `json:"candidate"`
}

// CallEndPayload is shared by call-end, call-reject and call-busy.
type CallEndPayload struct {
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Reason     string `json:"reason,omitempty"`
}

// CallHeader is the subset every call-* payload shares; used for routing.
type CallHeader struct {
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
}

// IsCallType reports whether typ is one of the call-* signaling types.
func IsCallType(typ string) bool {
	switch typ {
	case TypeCallOffer, TypeCallAnswer, TypeCallICE, TypeCallEnd, TypeCallReject, TypeCallBusy:
		return true
	}
	return false
}
