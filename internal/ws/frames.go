package ws

import (
	"encoding/json"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Client → server event names.
const (
	evSendMessage      = "send_message"
	evMessageDelivered = "message_delivered"
	evMessageRead      = "message_read"
	evEditMessage      = "edit_message"
	evDeleteMessage    = "delete_message"
	evStartTyping      = "start_typing"
	evStopTyping       = "stop_typing"
	evJoinGroup        = "join_group"
	evLeaveGroup       = "leave_group"
	evCallInitiate     = "call:initiate"
	evCallAccept       = "call:accept"
	evCallReject       = "call:reject"
	evCallEnd          = "call:end"
	evCallSignal       = "call:signal"
	evCallICECandidate = "call:ice-candidate"
)

// ClientFrame is the inbound wire shape.
type ClientFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type sendMessageIn struct {
	Content     string             `json:"content"`
	RecipientID string             `json:"recipient_id,omitempty"`
	GroupID     string             `json:"group_id,omitempty"`
	Type        domain.MessageType `json:"type,omitempty"`
}

type messageRefIn struct {
	MessageID string `json:"message_id"`
}

type editMessageIn struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type typingIn struct {
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
}

type groupIn struct {
	GroupID string `json:"group_id"`
}

type callInitiateIn struct {
	RecipientID string          `json:"recipient_id"`
	Type        domain.CallType `json:"type"`
	Offer       json.RawMessage `json:"offer,omitempty"`
}

type callRefIn struct {
	CallID string `json:"call_id"`
}

type callSignalIn struct {
	CallID string          `json:"call_id"`
	Signal json.RawMessage `json:"signal"`
}

type callCandidateIn struct {
	CallID    string          `json:"call_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type errorOut struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"` // inbound event the error answers
}

type ackOut struct {
	Ref string `json:"ref"`
	ID  string `json:"id,omitempty"`
}
