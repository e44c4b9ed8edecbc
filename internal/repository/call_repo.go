package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// CallRepo keeps the durable call history. The live copy of an active
// call is held in the shared cache; every transition is mirrored here.
type CallRepo struct {
	coll *mongo.Collection
}

func NewCallRepo(coll *mongo.Collection) *CallRepo {
	ix := mongo.IndexModel{
		Keys:    bson.D{{Key: "caller_id", Value: 1}, {Key: "started_at", Value: -1}},
		Options: options.Index().SetName("caller_started_idx"),
	}
	_, _ = coll.Indexes().CreateOne(context.Background(), ix)
	return &CallRepo{coll: coll}
}

// Upsert writes the call's current snapshot keyed by id.
func (r *CallRepo) Upsert(ctx context.Context, c *domain.Call) error {
	filter := bson.M{"_id": c.ID}
	update := bson.M{"$set": c}
	if _, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return apperr.Unavailable("call upsert", err)
	}
	return nil
}

func (r *CallRepo) FindByID(ctx context.Context, id string) (*domain.Call, error) {
	var c domain.Call
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperr.NotFound("call not found")
		}
		return nil, apperr.Unavailable("call read", err)
	}
	return &c, nil
}
