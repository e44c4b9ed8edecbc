package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// RedisStore holds active calls under <prefix>:call:<id>. The TTL
// covers the ring window plus a generous session guard so abandoned
// records clean themselves up.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ringTimeout time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ringTimeout + 4*time.Hour}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":call:" + id
}

func (s *RedisStore) Create(ctx context.Context, c *domain.Call) error {
	b, err := json.Marshal(c)
	if err != nil {
		return apperr.Internal("call encode", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(c.ID), b, s.ttl).Result()
	if err != nil {
		return apperr.Unavailable("call create", err)
	}
	if !ok {
		return apperr.FailedPrecondition("call id already exists")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.Call, error) {
	b, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, apperr.NotFound("call not found")
	}
	if err != nil {
		return nil, apperr.Unavailable("call read", err)
	}
	var c domain.Call
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, apperr.Internal("call decode", err)
	}
	return &c, nil
}

// Update applies fn inside an optimistic WATCH transaction, retrying on
// write conflicts, so concurrent transitions on the same call serialize
// instead of clobbering each other.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*domain.Call) error) (*domain.Call, error) {
	key := s.key(id)
	var out *domain.Call

	txn := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return apperr.NotFound("call not found")
		}
		if err != nil {
			return err
		}
		var c domain.Call
		if err := json.Unmarshal(b, &c); err != nil {
			return apperr.Internal("call decode", err)
		}
		if err := fn(&c); err != nil {
			return err
		}
		nb, err := json.Marshal(&c)
		if err != nil {
			return apperr.Internal("call encode", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = &c
		return nil
	}

	for i := 0; i < 5; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return out, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Unavailable("call update", err)
	}
	return nil, apperr.Unavailable("call update contention", redis.TxFailedErr)
}
