package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// counterStore is the slice of Redis the limiter needs.
type counterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisCounter struct {
	rdb *redis.Client
}

func (r redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r redisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

// Limiter is a fixed-window counter shared across replicas. The first
// increment in a window sets the window expiry; the window then rolls
// over by key expiry. If the counter store is unreachable the limiter
// fails open: availability over strict enforcement.
type Limiter struct {
	store  counterStore
	prefix string
	limit  int
	window time.Duration
	log    *zap.SugaredLogger
}

func New(rdb *redis.Client, prefix string, limit int, window time.Duration, log *zap.SugaredLogger) *Limiter {
	return &Limiter{store: redisCounter{rdb: rdb}, prefix: prefix, limit: limit, window: window, log: log}
}

func newWithStore(store counterStore, prefix string, limit int, window time.Duration, log *zap.SugaredLogger) *Limiter {
	return &Limiter{store: store, prefix: prefix, limit: limit, window: window, log: log}
}

// Allow records one operation for (scope, identity) and reports whether
// it falls within the window's budget.
func (l *Limiter) Allow(ctx context.Context, scope, identity string) bool {
	key := fmt.Sprintf("%s:rl:%s:%s", l.prefix, scope, identity)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.log.Warnw("rate limiter store unreachable, failing open", "scope", scope, "error", err)
		return true
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			l.log.Warnw("rate limiter expire failed", "key", key, "error", err)
		}
	}
	return count <= int64(l.limit)
}
