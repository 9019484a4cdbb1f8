package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/parley/internal/proto"
)

// Status is the reconciliation state of a local message.
type Status int

const (
	Pending Status = iota
	Confirmed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Message is one entry of a conversation view. ID is empty until the relay
// confirms the message; ClientMessageID is set for messages submitted locally.
type Message struct {
	ID               string            `json:"id,omitempty"`
	ClientMessageID  string            `json:"clientMessageId,omitempty"`
	FromUserID       string            `json:"fromUserId"`
	Target           proto.Target      `json:"target"`
	MessageType      string            `json:"messageType"`
	Content          string            `json:"content"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
	ReplyToMessageID string            `json:"replyToMessageId,omitempty"`
	Translations     map[string]string `json:"translations,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	Status           Status            `json:"status"`
}

// Draft is what the user submits.
type Draft struct {
	Content          string
	MessageType      string
	Metadata         json.RawMessage
	ReplyToMessageID string
}

// NewClientMessageID returns a fresh correlation key. Keys are never reused.
func NewClientMessageID() string {
	return "temp-" + uuid.NewString()
}

// FromPayload converts an authoritative relay message.
func FromPayload(p proto.MessagePayload) Message {
	return Message{
		ID:               p.ID,
		ClientMessageID:  p.ClientMessageID,
		FromUserID:       p.FromUserID,
		Target:           p.Target,
		MessageType:      p.MessageType,
		Content:          p.Content,
		Metadata:         p.Metadata,
		ReplyToMessageID: p.ReplyToMessageID,
		Translations:     p.Translations,
		CreatedAt:        p.CreatedAt,
		Status:           Confirmed,
	}
}

// ConversationOf returns the conversation a message belongs to, seen from self:
// the group for group messages, otherwise the other participant.
func ConversationOf(self string, from string, target proto.Target) proto.Target {
	if target.IsGroup() {
		return proto.ToGroup(target.GroupID)
	}
	if from == self {
		return proto.ToUser(target.ToUserID)
	}
	return proto.ToUser(from)
}

// merge overwrites local fields with the authoritative copy.
func (m *Message) merge(p proto.MessagePayload) {
	m.ID = p.ID
	m.FromUserID = p.FromUserID
	m.Target = p.Target
	m.MessageType = p.MessageType
	m.Content = p.Content
	if len(p.Metadata) > 0 {
		m.Metadata = p.Metadata
	}
	m.ReplyToMessageID = p.ReplyToMessageID
	m.Translations = p.Translations
	m.CreatedAt = p.CreatedAt
	m.Status = Confirmed
}
