package domain

import (
	"encoding/json"
	"time"
)

// Queue operation types carried on the durable "messages" topic.
const (
	OpMessageSend     = "message.send"
	OpMessageEdit     = "message.edit"
	OpMessageDelete   = "message.delete"
	OpStatusDelivered = "status.delivered"
	OpStatusRead      = "status.read"
)

// Envelope is the unit of work on the durable queue. DedupeKey is
// assigned once by the producer and preserved across redeliveries and
// retry republishes so the consumer can detect duplicates.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	DedupeKey  string          `json:"dedupe_key"`
	RetryCount int             `json:"retry_count"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SendMessagePayload is the body of an OpMessageSend envelope.
type SendMessagePayload struct {
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id,omitempty"`
	GroupID     string      `json:"group_id,omitempty"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
}

type EditMessagePayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
}

type StatusUpdatePayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}
