package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// MessageStore is the slice of the persistence layer the pipeline writes
// messages through.
type MessageStore interface {
	Insert(ctx context.Context, m *domain.Message) error
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	FindByDedupeKey(ctx context.Context, key string) (*domain.Message, error)
	SetContent(ctx context.Context, id, content string) error
	MarkDeleted(ctx context.Context, id string) error
}

type DeliveryStore interface {
	InsertSent(ctx context.Context, messageID string, recipients []string) error
	Advance(ctx context.Context, messageID, userID string, to domain.DeliveryState) (bool, error)
}

// Identity answers existence and membership questions; it fronts the
// external user/group services.
type Identity interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	Members(ctx context.Context, groupID string) ([]string, error)
}

// Publisher fans a push event out to all replicas.
type Publisher interface {
	PublishPush(ctx context.Context, ev *domain.PushEvent) error
}

// Pipeline is the consumer side of the broker: it validates, persists,
// computes recipients and publishes fan-out for every envelope type the
// durable queue carries. It is stateless; everything it touches is
// injected.
type Pipeline struct {
	messages   MessageStore
	deliveries DeliveryStore
	identity   Identity
	publisher  Publisher
	editWindow time.Duration
	log        *zap.SugaredLogger
	now        func() time.Time
}

func New(messages MessageStore, deliveries DeliveryStore, identity Identity, publisher Publisher, editWindow time.Duration, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		messages:   messages,
		deliveries: deliveries,
		identity:   identity,
		publisher:  publisher,
		editWindow: editWindow,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle dispatches one envelope. The queue consumer interprets the
// error: nil acknowledges, non-retryable codes reject permanently,
// anything else is redelivered with backoff.
func (p *Pipeline) Handle(ctx context.Context, env *domain.Envelope) error {
	switch env.Type {
	case domain.OpMessageSend:
		return p.handleSend(ctx, env)
	case domain.OpMessageEdit:
		return p.handleEdit(ctx, env)
	case domain.OpMessageDelete:
		return p.handleDelete(ctx, env)
	case domain.OpStatusDelivered:
		return p.handleStatus(ctx, env, domain.DeliveryDelivered)
	case domain.OpStatusRead:
		return p.handleStatus(ctx, env, domain.DeliveryRead)
	}
	return apperr.InvalidArg("unknown envelope type: " + env.Type)
}

func (p *Pipeline) handleSend(ctx context.Context, env *domain.Envelope) error {
	var in domain.SendMessagePayload
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "bad send payload", err)
	}
	if in.Content == "" || in.SenderID == "" {
		return apperr.InvalidArg("sender and content are required")
	}
	if (in.RecipientID == "") == (in.GroupID == "") {
		return apperr.InvalidArg("exactly one of recipient_id or group_id must be set")
	}
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}

	// Re-validate business rules on the consumer side: queue envelopes
	// may outlive the state they were enqueued under.
	if in.GroupID != "" {
		ok, err := p.identity.IsMember(ctx, in.GroupID, in.SenderID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbidden("sender is not a member of the group")
		}
	} else {
		ok, err := p.identity.UserExists(ctx, in.RecipientID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("recipient does not exist")
		}
	}

	// Idempotence under at-least-once redelivery: a message already
	// carrying this dedupe key means a previous attempt persisted it,
	// but that attempt may have died before the delivery rows or the
	// fan-out went out. Resume with the existing row instead of
	// acknowledging blind; InsertSent tolerates duplicates and a
	// repeated push is harmless, a lost one is not.
	msg, err := p.messages.FindByDedupeKey(ctx, env.DedupeKey)
	if err != nil {
		return err
	}
	if msg != nil {
		p.log.Debugw("duplicate envelope resumed", "dedupe_key", env.DedupeKey, "message_id", msg.ID)
		metrics.EnvelopesProcessed.WithLabelValues(env.Type, "duplicate").Inc()
	} else {
		msg = &domain.Message{
			ID:          uuid.New().String(),
			SenderID:    in.SenderID,
			RecipientID: in.RecipientID,
			GroupID:     in.GroupID,
			Content:     in.Content,
			Type:        in.Type,
			DedupeKey:   env.DedupeKey,
			CreatedAt:   p.now(),
		}
		if err := p.messages.Insert(ctx, msg); err != nil {
			if apperr.CodeOf(err) != apperr.CodeFailedPrecondition {
				return err
			}
			// Lost a race against a concurrent replay of the same
			// envelope; pick up the winner's row and resume.
			msg, err = p.messages.FindByDedupeKey(ctx, env.DedupeKey)
			if err != nil {
				return err
			}
			if msg == nil {
				return apperr.Unavailable("dedupe row not visible yet", nil)
			}
		}
	}

	recipients, err := p.recipientsOf(ctx, msg)
	if err != nil {
		return err
	}
	if err := p.deliveries.InsertSent(ctx, msg.ID, recipients); err != nil {
		return err
	}

	return p.pushMessage(ctx, "new", msg, append(recipients, msg.SenderID))
}

func (p *Pipeline) handleEdit(ctx context.Context, env *domain.Envelope) error {
	var in domain.EditMessagePayload
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "bad edit payload", err)
	}
	if in.MessageID == "" || in.Content == "" {
		return apperr.InvalidArg("message_id and content are required")
	}

	msg, err := p.messages.FindByID(ctx, in.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != in.SenderID {
		return apperr.Forbidden("only the sender can edit a message")
	}
	if p.now().Sub(msg.CreatedAt) > p.editWindow {
		return apperr.FailedPrecondition("message is too old to edit")
	}
	if msg.IsDeleted {
		return apperr.FailedPrecondition("message is deleted")
	}

	if err := p.messages.SetContent(ctx, msg.ID, in.Content); err != nil {
		return err
	}
	msg.Content = in.Content
	msg.IsEdited = true

	targets, err := p.audienceOf(ctx, msg)
	if err != nil {
		return err
	}
	return p.pushMessage(ctx, "edited", msg, targets)
}

func (p *Pipeline) handleDelete(ctx context.Context, env *domain.Envelope) error {
	var in domain.DeleteMessagePayload
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "bad delete payload", err)
	}
	if in.MessageID == "" {
		return apperr.InvalidArg("message_id is required")
	}

	msg, err := p.messages.FindByID(ctx, in.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != in.SenderID {
		return apperr.Forbidden("only the sender can delete a message")
	}
	if msg.IsDeleted {
		// soft delete is one-way and idempotent
		return nil
	}

	if err := p.messages.MarkDeleted(ctx, msg.ID); err != nil {
		return err
	}
	msg.IsDeleted = true

	targets, err := p.audienceOf(ctx, msg)
	if err != nil {
		return err
	}
	return p.pushMessage(ctx, "deleted", msg, targets)
}

func (p *Pipeline) handleStatus(ctx context.Context, env *domain.Envelope, to domain.DeliveryState) error {
	var in domain.StatusUpdatePayload
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "bad status payload", err)
	}
	if in.MessageID == "" || in.UserID == "" {
		return apperr.InvalidArg("message_id and user_id are required")
	}

	advanced, err := p.deliveries.Advance(ctx, in.MessageID, in.UserID, to)
	if err != nil {
		return err
	}
	if !advanced {
		// Already at or past the target state; nothing to announce.
		return nil
	}

	msg, err := p.messages.FindByID(ctx, in.MessageID)
	if err != nil {
		return err
	}
	ev, err := domain.NewPushEvent(domain.EventMessageStatus,
		[]string{msg.SenderID, in.UserID},
		domain.StatusChangedPayload{MessageID: in.MessageID, UserID: in.UserID, Status: to})
	if err != nil {
		return apperr.Internal("status event encode", err)
	}
	return p.publisher.PublishPush(ctx, ev)
}

// recipientsOf computes the delivery audience of a new message: the
// single recipient, or every group member except the sender.
func (p *Pipeline) recipientsOf(ctx context.Context, msg *domain.Message) ([]string, error) {
	if msg.GroupID == "" {
		return []string{msg.RecipientID}, nil
	}
	members, err := p.identity.Members(ctx, msg.GroupID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != msg.SenderID {
			out = append(out, m)
		}
	}
	return out, nil
}

// audienceOf is recipientsOf plus the sender: everyone who should see
// an edit or delete.
func (p *Pipeline) audienceOf(ctx context.Context, msg *domain.Message) ([]string, error) {
	recipients, err := p.recipientsOf(ctx, msg)
	if err != nil {
		return nil, err
	}
	return append(recipients, msg.SenderID), nil
}

func (p *Pipeline) pushMessage(ctx context.Context, kind string, msg *domain.Message, targets []string) error {
	ev, err := domain.NewPushEvent(domain.EventMessageUpdate, targets,
		domain.MessageUpdatePayload{Kind: kind, Message: msg})
	if err != nil {
		return apperr.Internal("message event encode", err)
	}
	return p.publisher.PublishPush(ctx, ev)
}
