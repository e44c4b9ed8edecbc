package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
)

// IdentityRepo answers the identity questions the pipeline re-validates
// with: does this user exist, and is this user a member of this group.
// Both collections are owned by external services; this side only reads.
type IdentityRepo struct {
	users   *mongo.Collection
	members *mongo.Collection
}

func NewIdentityRepo(users, members *mongo.Collection) *IdentityRepo {
	return &IdentityRepo{users: users, members: members}
}

type membershipDoc struct {
	GroupID string `bson:"group_id"`
	UserID  string `bson:"user_id"`
}

func (r *IdentityRepo) UserExists(ctx context.Context, userID string) (bool, error) {
	n, err := r.users.CountDocuments(ctx, bson.M{"_id": userID})
	if err != nil {
		return false, apperr.Unavailable("user read", err)
	}
	return n > 0, nil
}

func (r *IdentityRepo) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	n, err := r.members.CountDocuments(ctx, bson.M{"group_id": groupID, "user_id": userID})
	if err != nil {
		return false, apperr.Unavailable("membership read", err)
	}
	return n > 0, nil
}

func (r *IdentityRepo) Members(ctx context.Context, groupID string) ([]string, error) {
	cur, err := r.members.Find(ctx, bson.M{"group_id": groupID})
	if err != nil {
		return nil, apperr.Unavailable("membership read", err)
	}
	defer cur.Close(ctx)
	out := []string{}
	for cur.Next(ctx) {
		var d membershipDoc
		if err := cur.Decode(&d); err != nil {
			return nil, apperr.Internal("membership decode", err)
		}
		out = append(out, d.UserID)
	}
	return out, nil
}
