package domain

import "time"

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	CallRinging  CallStatus = "ringing"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
	CallMissed   CallStatus = "missed"
)

// Call is a two-party call session. The active copy lives in the shared
// cache while the call is live; the durable copy is kept for history.
type Call struct {
	ID          string     `bson:"_id" json:"id"`
	CallerID    string     `bson:"caller_id" json:"caller_id"`
	RecipientID string     `bson:"recipient_id" json:"recipient_id"`
	Type        CallType   `bson:"type" json:"type"`
	Status      CallStatus `bson:"status" json:"status"`
	StartedAt   time.Time  `bson:"started_at" json:"started_at"`
	AcceptedAt  *time.Time `bson:"accepted_at,omitempty" json:"accepted_at,omitempty"`
	EndedAt     *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	DurationSec int        `bson:"duration_sec" json:"duration_sec"`
	EndedBy     string     `bson:"ended_by,omitempty" json:"ended_by,omitempty"`
}

// CanTransition reports whether a call may move from its current status
// to the target. RINGING may move to any terminal state or ACCEPTED;
// ACCEPTED may only end. Every other status is terminal.
func (c *Call) CanTransition(to CallStatus) bool {
	switch c.Status {
	case CallRinging:
		return to == CallAccepted || to == CallRejected || to == CallMissed || to == CallEnded
	case CallAccepted:
		return to == CallEnded
	}
	return false
}

// IsParticipant reports whether userID is one of the two call parties.
func (c *Call) IsParticipant(userID string) bool {
	return userID == c.CallerID || userID == c.RecipientID
}

// Peer returns the other participant, or "" for a non-participant.
func (c *Call) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.RecipientID
	case c.RecipientID:
		return c.CallerID
	}
	return ""
}

func (c *Call) Terminal() bool {
	return c.Status != CallRinging && c.Status != CallAccepted
}
