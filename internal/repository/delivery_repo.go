package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// DeliveryRepo persists one status row per (message, recipient).
// Transitions are guarded in the update filter so a regression can
// never be written, no matter how requests interleave.
type DeliveryRepo struct {
	coll *mongo.Collection
}

func NewDeliveryRepo(coll *mongo.Collection) *DeliveryRepo {
	ix := mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("message_user_uq"),
	}
	_, _ = coll.Indexes().CreateOne(context.Background(), ix)
	return &DeliveryRepo{coll: coll}
}

type deliveryDoc struct {
	MessageID string               `bson:"message_id"`
	UserID    string               `bson:"user_id"`
	Status    domain.DeliveryState `bson:"status"`
	Rank      int                  `bson:"rank"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

// InsertSent creates the initial "sent" rows for a message's recipient
// set. Replays are tolerated: duplicates are skipped, not errors.
func (r *DeliveryRepo) InsertSent(ctx context.Context, messageID string, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	now := time.Now().UTC()
	docs := make([]interface{}, 0, len(recipients))
	for _, u := range recipients {
		docs = append(docs, deliveryDoc{
			MessageID: messageID,
			UserID:    u,
			Status:    domain.DeliverySent,
			Rank:      domain.DeliverySent.Rank(),
			UpdatedAt: now,
		})
	}
	_, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return apperr.Unavailable("delivery insert", err)
	}
	return nil
}

// Advance moves one row forward to the target state. The rank guard in
// the filter enforces monotonicity: sent → delivered → read, never
// backward. Advancing an already-advanced row is a silent no-op.
func (r *DeliveryRepo) Advance(ctx context.Context, messageID, userID string, to domain.DeliveryState) (bool, error) {
	if to.Rank() == 0 {
		return false, apperr.InvalidArg("unknown delivery state")
	}
	filter := bson.M{
		"message_id": messageID,
		"user_id":    userID,
		"rank":       bson.M{"$lt": to.Rank()},
	}
	update := bson.M{"$set": bson.M{
		"status":     to,
		"rank":       to.Rank(),
		"updated_at": time.Now().UTC(),
	}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, apperr.Unavailable("delivery advance", err)
	}
	if res.MatchedCount == 0 {
		// Either the row does not exist or it is already at or past the
		// target; distinguish so callers can report missing messages.
		n, err := r.coll.CountDocuments(ctx, bson.M{"message_id": messageID, "user_id": userID})
		if err != nil {
			return false, apperr.Unavailable("delivery count", err)
		}
		if n == 0 {
			return false, apperr.NotFound("delivery status not found")
		}
		return false, nil
	}
	return true, nil
}

// ForMessage lists the status rows of one message.
func (r *DeliveryRepo) ForMessage(ctx context.Context, messageID string) ([]*domain.DeliveryStatus, error) {
	cur, err := r.coll.Find(ctx, bson.M{"message_id": messageID})
	if err != nil {
		return nil, apperr.Unavailable("delivery read", err)
	}
	defer cur.Close(ctx)
	out := []*domain.DeliveryStatus{}
	for cur.Next(ctx) {
		var d deliveryDoc
		if err := cur.Decode(&d); err != nil {
			return nil, apperr.Internal("delivery decode", err)
		}
		out = append(out, &domain.DeliveryStatus{
			MessageID: d.MessageID,
			UserID:    d.UserID,
			Status:    d.Status,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return out, nil
}
