package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// kv is the slice of Redis the store uses; a seam for tests. Get
// returns (nil, nil) for a missing key.
type kv interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, key string) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisKV struct {
	rdb *redis.Client
}

func (r *redisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *redisKV) Decr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Decr(ctx, key).Result()
}

func (r *redisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (r *redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *redisKV) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}

// Store keeps per-user presence in Redis so every replica shares one
// view. The connection count is mutated with INCR/DECR and the returned
// value drives the online/offline flip, which keeps the check-then-act
// atomic across replicas.
//
// The counter and the online record are leases: they carry a TTL that
// each connection's keepalive refreshes. A replica that dies without
// unregistering just stops refreshing, and its ghost connections expire
// instead of holding the user online forever. The offline record has no
// TTL so last_seen survives.
//
// Keys:
//
//	<prefix>:presence:conns:<userID>  connection counter
//	<prefix>:presence:<userID>        presence record JSON
type Store struct {
	kv      kv
	prefix  string
	channel string
	ttl     time.Duration
}

func NewStore(rdb *redis.Client, prefix string, ttl time.Duration) *Store {
	return newWithKV(&redisKV{rdb: rdb}, prefix, ttl)
}

func newWithKV(kv kv, prefix string, ttl time.Duration) *Store {
	return &Store{kv: kv, prefix: prefix, channel: prefix + ":presence", ttl: ttl}
}

// Channel is the pub/sub channel presence changes are announced on.
func (s *Store) Channel() string { return s.channel }

func (s *Store) connKey(userID string) string {
	return fmt.Sprintf("%s:presence:conns:%s", s.prefix, userID)
}

func (s *Store) recordKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

// Register counts a new connection. When it is the user's first across
// all replicas the record flips to online and a presence change is
// published.
func (s *Store) Register(ctx context.Context, userID string) error {
	n, err := s.kv.Incr(ctx, s.connKey(userID))
	if err != nil {
		return apperr.Unavailable("presence register", err)
	}
	if err := s.kv.Expire(ctx, s.connKey(userID), s.ttl); err != nil {
		return apperr.Unavailable("presence register", err)
	}
	if n == 1 {
		return s.setAndPublish(ctx, userID, domain.PresenceOnline, n)
	}
	return s.writeRecord(ctx, userID, domain.PresenceOnline, n)
}

// Unregister counts a dropped connection; the last one across all
// replicas flips the record to offline with last_seen = now.
func (s *Store) Unregister(ctx context.Context, userID string) error {
	n, err := s.kv.Decr(ctx, s.connKey(userID))
	if err != nil {
		return apperr.Unavailable("presence unregister", err)
	}
	if n <= 0 {
		// Reset rather than leave a negative counter behind after a
		// crashed replica lost its decrements.
		_ = s.kv.Del(ctx, s.connKey(userID))
		return s.setAndPublish(ctx, userID, domain.PresenceOffline, 0)
	}
	return s.writeRecord(ctx, userID, domain.PresenceOnline, n)
}

// Touch extends the lease on the counter and the online record. Called
// from every connection's keepalive tick.
func (s *Store) Touch(ctx context.Context, userID string) error {
	if err := s.kv.Expire(ctx, s.connKey(userID), s.ttl); err != nil {
		return apperr.Unavailable("presence touch", err)
	}
	if err := s.kv.Expire(ctx, s.recordKey(userID), s.ttl); err != nil {
		return apperr.Unavailable("presence touch", err)
	}
	return nil
}

func (s *Store) writeRecord(ctx context.Context, userID string, status domain.PresenceStatus, conns int64) error {
	rec := domain.PresenceRecord{
		UserID:      userID,
		Status:      status,
		LastSeen:    time.Now().UTC(),
		Connections: conns,
	}
	var ttl time.Duration
	if status == domain.PresenceOnline {
		ttl = s.ttl
	}
	b, _ := json.Marshal(rec)
	if err := s.kv.Set(ctx, s.recordKey(userID), b, ttl); err != nil {
		return apperr.Unavailable("presence write", err)
	}
	return nil
}

func (s *Store) setAndPublish(ctx context.Context, userID string, status domain.PresenceStatus, conns int64) error {
	if err := s.writeRecord(ctx, userID, status, conns); err != nil {
		return err
	}
	payload := domain.PresencePayload{UserID: userID, Status: status, LastSeen: time.Now().UTC()}
	b, _ := json.Marshal(payload)
	if err := s.kv.Publish(ctx, s.channel, b); err != nil {
		return apperr.Unavailable("presence publish", err)
	}
	return nil
}

// Get returns the shared presence record. A user never seen yet — or
// whose lease expired — reads as offline.
func (s *Store) Get(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	b, err := s.kv.Get(ctx, s.recordKey(userID))
	if err != nil {
		return nil, apperr.Unavailable("presence read", err)
	}
	if b == nil {
		return &domain.PresenceRecord{UserID: userID, Status: domain.PresenceOffline}, nil
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, apperr.Internal("presence decode", err)
	}
	return &rec, nil
}

// IsOnline answers for any replica, not just the local one.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	b, err := s.kv.Get(ctx, s.connKey(userID))
	if err != nil {
		return false, apperr.Unavailable("presence read", err)
	}
	if b == nil {
		return false, nil
	}
	var n int64
	if _, err := fmt.Sscan(string(b), &n); err != nil {
		return false, apperr.Internal("presence counter decode", err)
	}
	return n > 0, nil
}
