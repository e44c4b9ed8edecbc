package domain

import (
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// Message is the durable record created by the pipeline consumer.
// Exactly one of RecipientID / GroupID is set.
type Message struct {
	ID          string      `bson:"_id" json:"id"`
	SenderID    string      `bson:"sender_id" json:"sender_id"`
	RecipientID string      `bson:"recipient_id,omitempty" json:"recipient_id,omitempty"`
	GroupID     string      `bson:"group_id,omitempty" json:"group_id,omitempty"`
	Content     string      `bson:"content" json:"content"`
	Type        MessageType `bson:"type" json:"type"`
	DedupeKey   string      `bson:"dedupe_key" json:"-"`
	CreatedAt   time.Time   `bson:"created_at" json:"created_at"`
	IsEdited    bool        `bson:"is_edited" json:"is_edited"`
	IsDeleted   bool        `bson:"is_deleted" json:"is_deleted"`
}

// ConversationKey returns the key a message's conversation is addressed
// by: "group:<id>" for group messages, "dm:<low>:<high>" for direct ones.
func (m *Message) ConversationKey() string {
	if m.GroupID != "" {
		return GroupKey(m.GroupID)
	}
	return DirectKey(m.SenderID, m.RecipientID)
}

func GroupKey(groupID string) string {
	return "group:" + groupID
}

// DirectKey is order-independent so both participants derive the same key.
func DirectKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Rank orders delivery states so transitions can be guarded: a status
// may only ever move to a strictly higher rank.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// DeliveryStatus tracks one recipient's progress for one message.
type DeliveryStatus struct {
	MessageID string        `bson:"message_id" json:"message_id"`
	UserID    string        `bson:"user_id" json:"user_id"`
	Status    DeliveryState `bson:"status" json:"status"`
	UpdatedAt time.Time     `bson:"updated_at" json:"updated_at"`
}
