package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Store holds ephemeral typing flags in Redis. Each flag carries a
// short TTL; expiry, not the explicit stop, is the ultimate source of
// truth, so an abrupt disconnect can never leave a stuck indicator.
type Store struct {
	rdb     *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

func NewStore(rdb *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, prefix: prefix, channel: prefix + ":typing", ttl: ttl}
}

// Channel is the pub/sub channel typing changes are announced on.
func (s *Store) Channel() string { return s.channel }

func (s *Store) key(conversationKey, userID string) string {
	return fmt.Sprintf("%s:typing:%s:%s", s.prefix, conversationKey, userID)
}

func (s *Store) Start(ctx context.Context, userID, conversationKey string) error {
	if err := s.rdb.Set(ctx, s.key(conversationKey, userID), "1", s.ttl).Err(); err != nil {
		return apperr.Unavailable("typing start", err)
	}
	return s.publish(ctx, userID, conversationKey, true)
}

func (s *Store) Stop(ctx context.Context, userID, conversationKey string) error {
	if err := s.rdb.Del(ctx, s.key(conversationKey, userID)).Err(); err != nil {
		return apperr.Unavailable("typing stop", err)
	}
	return s.publish(ctx, userID, conversationKey, false)
}

func (s *Store) publish(ctx context.Context, userID, conversationKey string, isTyping bool) error {
	payload := domain.TypingPayload{
		UserID:          userID,
		ConversationKey: conversationKey,
		IsTyping:        isTyping,
	}
	b, _ := json.Marshal(payload)
	if err := s.rdb.Publish(ctx, s.channel, b).Err(); err != nil {
		return apperr.Unavailable("typing publish", err)
	}
	return nil
}

// Active lists the users currently typing in a conversation. Expired
// flags are already invisible here since Redis drops them on TTL.
func (s *Store) Active(ctx context.Context, conversationKey string) ([]string, error) {
	pattern := fmt.Sprintf("%s:typing:%s:*", s.prefix, conversationKey)
	var users []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	skip := len(fmt.Sprintf("%s:typing:%s:", s.prefix, conversationKey))
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > skip {
			users = append(users, key[skip:])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, apperr.Unavailable("typing scan", err)
	}
	return users, nil
}
