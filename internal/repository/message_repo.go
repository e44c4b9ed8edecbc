package repository

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// MessageRepo persists messages. The unique dedupe_key index is what
// makes envelope reprocessing idempotent at the storage level.
type MessageRepo struct {
	coll *mongo.Collection
}

func NewMessageRepo(coll *mongo.Collection) *MessageRepo {
	ixs := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "dedupe_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("dedupe_key_uq"),
		},
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("group_created_idx"),
		},
	}
	_, _ = coll.Indexes().CreateMany(context.Background(), ixs)
	return &MessageRepo{coll: coll}
}

func (r *MessageRepo) Insert(ctx context.Context, m *domain.Message) error {
	if _, err := r.coll.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.New(apperr.CodeFailedPrecondition, "message already persisted")
		}
		return apperr.Unavailable("message insert", err)
	}
	return nil
}

func (r *MessageRepo) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	var m domain.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Unavailable("message read", err)
	}
	return &m, nil
}

// FindByDedupeKey serves the consumer's duplicate check under
// at-least-once redelivery.
func (r *MessageRepo) FindByDedupeKey(ctx context.Context, key string) (*domain.Message, error) {
	var m domain.Message
	if err := r.coll.FindOne(ctx, bson.M{"dedupe_key": key}).Decode(&m); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, apperr.Unavailable("message read", err)
	}
	return &m, nil
}

// SetContent applies an edit; ownership and age checks live in the
// pipeline, this is plain storage.
func (r *MessageRepo) SetContent(ctx context.Context, id, content string) error {
	res, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"content": content, "is_edited": true}})
	if err != nil {
		return apperr.Unavailable("message edit", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("message not found")
	}
	return nil
}

// MarkDeleted is a one-way soft delete.
func (r *MessageRepo) MarkDeleted(ctx context.Context, id string) error {
	res, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"is_deleted": true}})
	if err != nil {
		return apperr.Unavailable("message delete", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("message not found")
	}
	return nil
}

// History returns conversation messages, newest first, paginated by
// created_at cursor.
func (r *MessageRepo) History(ctx context.Context, conversationKey string, limit int64, before time.Time) ([]*domain.Message, error) {
	filter := conversationFilter(conversationKey)
	if filter == nil {
		return nil, apperr.InvalidArg("bad conversation key")
	}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperr.Unavailable("message history", err)
	}
	defer cur.Close(ctx)
	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, apperr.Internal("message decode", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// conversationFilter maps a conversation key onto the message schema:
// group keys match group_id, dm keys match the unordered sender and
// recipient pair.
func conversationFilter(key string) bson.M {
	if g, ok := strings.CutPrefix(key, "group:"); ok {
		return bson.M{"group_id": g}
	}
	if rest, ok := strings.CutPrefix(key, "dm:"); ok {
		a, b, ok := strings.Cut(rest, ":")
		if !ok {
			return nil
		}
		return bson.M{"$or": bson.A{
			bson.M{"sender_id": a, "recipient_id": b},
			bson.M{"sender_id": b, "recipient_id": a},
		}}
	}
	return nil
}
