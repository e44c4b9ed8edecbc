package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Store keeps the live copy of active calls in the shared cache.
// Update must apply fn under a compare-and-swap so replicas racing on
// the same call id cannot interleave transitions.
type Store interface {
	Create(ctx context.Context, c *domain.Call) error
	Get(ctx context.Context, id string) (*domain.Call, error)
	Update(ctx context.Context, id string, fn func(*domain.Call) error) (*domain.Call, error)
}

// Presence answers "does this user hold a live connection anywhere".
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// History mirrors call snapshots into durable storage.
type History interface {
	Upsert(ctx context.Context, c *domain.Call) error
}

// Publisher fans call events out across replicas.
type Publisher interface {
	PublishPush(ctx context.Context, ev *domain.PushEvent) error
}

type IncomingPayload struct {
	CallID   string          `json:"call_id"`
	CallerID string          `json:"caller_id"`
	Type     domain.CallType `json:"type"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

type TransitionPayload struct {
	CallID      string `json:"call_id"`
	By          string `json:"by,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
}

type SignalPayload struct {
	CallID string          `json:"call_id"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type CandidatePayload struct {
	CallID    string          `json:"call_id"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// Service is the per-call state machine plus the pure-forwarding relay
// for session negotiation payloads.
type Service struct {
	store       Store
	presence    Presence
	history     History
	publisher   Publisher
	ringTimeout time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time

	// afterFunc is swapped in tests to fire ring timers synchronously.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewService(store Store, presence Presence, history History, publisher Publisher, ringTimeout time.Duration, log *zap.SugaredLogger) *Service {
	return &Service{
		store:       store,
		presence:    presence,
		history:     history,
		publisher:   publisher,
		ringTimeout: ringTimeout,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		afterFunc:   time.AfterFunc,
	}
}

// Initiate starts a call. A recipient with no live connection on any
// replica fails the call immediately and no record is created.
func (s *Service) Initiate(ctx context.Context, callerID, recipientID string, ctype domain.CallType, offer json.RawMessage) (*domain.Call, error) {
	if callerID == "" || recipientID == "" {
		return nil, apperr.InvalidArg("caller and recipient are required")
	}
	if callerID == recipientID {
		return nil, apperr.InvalidArg("cannot call yourself")
	}
	if ctype != domain.CallTypeAudio && ctype != domain.CallTypeVideo {
		return nil, apperr.InvalidArg("call type must be audio or video")
	}
	online, err := s.presence.IsOnline(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, apperr.FailedPrecondition("recipient is offline")
	}

	c := &domain.Call{
		ID:          uuid.New().String(),
		CallerID:    callerID,
		RecipientID: recipientID,
		Type:        ctype,
		Status:      domain.CallRinging,
		StartedAt:   s.now(),
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	if err := s.history.Upsert(ctx, c); err != nil {
		s.log.Warnw("call history write failed", "call_id", c.ID, "error", err)
	}

	if err := s.push(ctx, domain.EventCallIncoming, []string{recipientID}, IncomingPayload{
		CallID: c.ID, CallerID: callerID, Type: ctype, Offer: offer,
	}); err != nil {
		return nil, err
	}

	s.startRingTimer(c.ID)
	return c, nil
}

// startRingTimer fires MISSED if nobody answered within the ring
// timeout. The compare-and-swap in Update makes the timer safe to race
// against accept/reject on any replica: whoever transitions first wins.
func (s *Service) startRingTimer(callID string) {
	s.afterFunc(s.ringTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		updated, err := s.store.Update(ctx, callID, func(c *domain.Call) error {
			if c.Status != domain.CallRinging {
				return apperr.FailedPrecondition("call already answered")
			}
			c.Status = domain.CallMissed
			now := s.now()
			c.EndedAt = &now
			return nil
		})
		if err != nil {
			return
		}
		if err := s.history.Upsert(ctx, updated); err != nil {
			s.log.Warnw("call history write failed", "call_id", callID, "error", err)
		}
		_ = s.push(ctx, domain.EventCallMissed,
			[]string{updated.CallerID, updated.RecipientID},
			TransitionPayload{CallID: callID})
	})
}

// Accept transitions RINGING → ACCEPTED; only the recipient may accept.
func (s *Service) Accept(ctx context.Context, callID, by string) (*domain.Call, error) {
	updated, err := s.store.Update(ctx, callID, func(c *domain.Call) error {
		if !c.IsParticipant(by) {
			return apperr.Forbidden("not a call participant")
		}
		if by != c.RecipientID {
			return apperr.Forbidden("only the recipient can accept")
		}
		if !c.CanTransition(domain.CallAccepted) {
			return apperr.FailedPrecondition("call is not ringing")
		}
		c.Status = domain.CallAccepted
		now := s.now()
		c.AcceptedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.history.Upsert(ctx, updated); err != nil {
		s.log.Warnw("call history write failed", "call_id", callID, "error", err)
	}
	if err := s.push(ctx, domain.EventCallAccepted,
		[]string{updated.CallerID, updated.RecipientID},
		TransitionPayload{CallID: callID, By: by}); err != nil {
		return nil, err
	}
	return updated, nil
}

// Reject transitions RINGING → REJECTED; only the recipient may reject.
func (s *Service) Reject(ctx context.Context, callID, by string) (*domain.Call, error) {
	updated, err := s.store.Update(ctx, callID, func(c *domain.Call) error {
		if !c.IsParticipant(by) {
			return apperr.Forbidden("not a call participant")
		}
		if by != c.RecipientID {
			return apperr.Forbidden("only the recipient can reject")
		}
		if !c.CanTransition(domain.CallRejected) {
			return apperr.FailedPrecondition("call is not ringing")
		}
		c.Status = domain.CallRejected
		now := s.now()
		c.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.history.Upsert(ctx, updated); err != nil {
		s.log.Warnw("call history write failed", "call_id", callID, "error", err)
	}
	if err := s.push(ctx, domain.EventCallRejected,
		[]string{updated.CallerID, updated.RecipientID},
		TransitionPayload{CallID: callID, By: by}); err != nil {
		return nil, err
	}
	return updated, nil
}

// End hangs up from RINGING or ACCEPTED, by either participant. Ending
// an already-ended call is a no-op success; any other terminal state
// rejects the transition.
func (s *Service) End(ctx context.Context, callID, by string) (*domain.Call, error) {
	var noop bool
	updated, err := s.store.Update(ctx, callID, func(c *domain.Call) error {
		if !c.IsParticipant(by) {
			return apperr.Forbidden("not a call participant")
		}
		if c.Status == domain.CallEnded {
			noop = true
			return nil
		}
		if !c.CanTransition(domain.CallEnded) {
			return apperr.FailedPrecondition("call already " + string(c.Status))
		}
		now := s.now()
		if c.Status == domain.CallAccepted && c.AcceptedAt != nil {
			c.DurationSec = int(now.Sub(*c.AcceptedAt) / time.Second)
		}
		c.Status = domain.CallEnded
		c.EndedAt = &now
		c.EndedBy = by
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return updated, nil
	}
	if err := s.history.Upsert(ctx, updated); err != nil {
		s.log.Warnw("call history write failed", "call_id", callID, "error", err)
	}
	if err := s.push(ctx, domain.EventCallEnded,
		[]string{updated.CallerID, updated.RecipientID},
		TransitionPayload{CallID: callID, By: by, DurationSec: updated.DurationSec}); err != nil {
		return nil, err
	}
	return updated, nil
}

// Signal relays an opaque offer/answer payload to the call's other
// participant. The relay never inspects payload content. A missing or
// expired call is an error here, unlike ICE forwarding.
func (s *Service) Signal(ctx context.Context, callID, from string, signal json.RawMessage) error {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	peer := c.Peer(from)
	if peer == "" {
		return apperr.Forbidden("not a call participant")
	}
	return s.push(ctx, domain.EventCallSignal, []string{peer},
		SignalPayload{CallID: callID, From: from, Signal: signal})
}

// ICECandidate forwards a candidate to the peer. A missing call is
// silently dropped: candidates routinely trickle in after hangup.
func (s *Service) ICECandidate(ctx context.Context, callID, from string, candidate json.RawMessage) error {
	c, err := s.store.Get(ctx, callID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil
		}
		return err
	}
	peer := c.Peer(from)
	if peer == "" {
		return apperr.Forbidden("not a call participant")
	}
	return s.push(ctx, domain.EventCallICECandidate, []string{peer},
		CandidatePayload{CallID: callID, From: from, Candidate: candidate})
}

func (s *Service) push(ctx context.Context, event string, targets []string, payload any) error {
	ev, err := domain.NewPushEvent(event, targets, payload)
	if err != nil {
		return apperr.Internal("call event encode", err)
	}
	return s.publisher.PublishPush(ctx, ev)
}
