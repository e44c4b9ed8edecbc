package domain

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the shared, cross-replica view of a user's presence.
// Status is online iff the user holds at least one live connection on
// any replica.
type PresenceRecord struct {
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	Connections int64          `json:"connections"`
}

// TypingState is an ephemeral per-conversation flag; it is never
// persisted and heals itself through TTL expiry.
type TypingState struct {
	UserID          string    `json:"user_id"`
	ConversationKey string    `json:"conversation_key"`
	ExpiresAt       time.Time `json:"expires_at"`
}
