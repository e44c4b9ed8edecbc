package domain

import (
	"encoding/json"
	"time"
)

// Server → client event names.
const (
	EventMessageUpdate    = "message_update"
	EventMessageStatus    = "message_status"
	EventUserTyping       = "user_typing"
	EventUserPresence     = "user_presence"
	EventCallIncoming     = "call:incoming"
	EventCallAccepted     = "call:accepted"
	EventCallRejected     = "call:rejected"
	EventCallEnded        = "call:ended"
	EventCallMissed       = "call:missed"
	EventCallSignal       = "call:signal"
	EventCallICECandidate = "call:ice-candidate"
	EventError            = "error"
)

// PushEvent is one logical event addressed to a set of users. It rides
// the cross-replica pub/sub channel; each replica pushes it only to the
// targets it holds local connections for.
type PushEvent struct {
	Event     string          `json:"event"`
	Targets   []string        `json:"targets"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewPushEvent(event string, targets []string, payload any) (*PushEvent, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &PushEvent{
		Event:     event,
		Targets:   targets,
		Payload:   b,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MessageUpdatePayload is pushed for new, edited and deleted messages.
type MessageUpdatePayload struct {
	Kind    string   `json:"kind"` // "new" | "edited" | "deleted"
	Message *Message `json:"message"`
}

type TypingPayload struct {
	UserID          string `json:"user_id"`
	ConversationKey string `json:"conversation_key"`
	IsTyping        bool   `json:"is_typing"`
}

type PresencePayload struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// Frame is the server → client wire shape: every push a client receives
// is one of these.
type Frame struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// EncodeFrame marshals a client-bound frame for payload.
func EncodeFrame(event string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Payload: b, Timestamp: time.Now().UTC()})
}

type StatusChangedPayload struct {
	MessageID string        `json:"message_id"`
	UserID    string        `json:"user_id"`
	Status    DeliveryState `json:"status"`
}
