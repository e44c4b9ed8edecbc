package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

type fakeKV struct {
	vals map[string][]byte
	ttls map[string]time.Duration
	pubs [][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{vals: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Incr(_ context.Context, key string) (int64, error) {
	n, _ := strconv.ParseInt(string(f.vals[key]), 10, 64)
	n++
	f.vals[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (f *fakeKV) Decr(_ context.Context, key string) (int64, error) {
	n, _ := strconv.ParseInt(string(f.vals[key]), 10, 64)
	n--
	f.vals[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	delete(f.vals, key)
	delete(f.ttls, key)
	return nil
}

func (f *fakeKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.vals[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.vals[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (f *fakeKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	if _, ok := f.vals[key]; ok {
		f.ttls[key] = ttl
	}
	return nil
}

func (f *fakeKV) Publish(_ context.Context, _ string, payload []byte) error {
	f.pubs = append(f.pubs, payload)
	return nil
}

// elapse simulates the key's TTL running out.
func (f *fakeKV) elapse(key string) {
	delete(f.vals, key)
	delete(f.ttls, key)
}

func newTestStore() (*Store, *fakeKV) {
	kv := newFakeKV()
	return newWithKV(kv, "rt", time.Minute), kv
}

func TestRegisterFirstConnectionFlipsOnline(t *testing.T) {
	s, kv := newTestStore()

	require.NoError(t, s.Register(context.Background(), "alice"))

	online, err := s.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)

	rec, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, rec.Status)
	assert.EqualValues(t, 1, rec.Connections)

	require.Len(t, kv.pubs, 1)
	var p domain.PresencePayload
	require.NoError(t, json.Unmarshal(kv.pubs[0], &p))
	assert.Equal(t, domain.PresenceOnline, p.Status)
}

func TestPresenceFollowsConnectionCount(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()

	// two devices connect, one disconnects: still online, no extra flip
	require.NoError(t, s.Register(ctx, "alice"))
	require.NoError(t, s.Register(ctx, "alice"))
	require.NoError(t, s.Unregister(ctx, "alice"))

	online, _ := s.IsOnline(ctx, "alice")
	assert.True(t, online)
	assert.Len(t, kv.pubs, 1, "only the first connection announces")

	// last device disconnects: offline flip with last_seen
	require.NoError(t, s.Unregister(ctx, "alice"))
	online, _ = s.IsOnline(ctx, "alice")
	assert.False(t, online)

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.Status)
	assert.False(t, rec.LastSeen.IsZero())
	assert.Len(t, kv.pubs, 2)
}

func TestPresenceKeysCarryLease(t *testing.T) {
	s, kv := newTestStore()
	require.NoError(t, s.Register(context.Background(), "alice"))

	assert.Equal(t, time.Minute, kv.ttls[s.connKey("alice")])
	assert.Equal(t, time.Minute, kv.ttls[s.recordKey("alice")])
}

func TestOfflineRecordHasNoLease(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "alice"))
	require.NoError(t, s.Unregister(ctx, "alice"))

	assert.Zero(t, kv.ttls[s.recordKey("alice")], "last_seen must outlive the lease")
}

// A replica that dies without unregistering stops refreshing the lease;
// once it lapses the user reads offline instead of staying a ghost.
func TestExpiredLeaseReadsOffline(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "alice"))

	kv.elapse(s.connKey("alice"))
	kv.elapse(s.recordKey("alice"))

	online, err := s.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.Status)
}

func TestTouchRefreshesLease(t *testing.T) {
	s, kv := newTestStore()
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "alice"))

	kv.ttls[s.connKey("alice")] = time.Second
	kv.ttls[s.recordKey("alice")] = time.Second

	require.NoError(t, s.Touch(ctx, "alice"))
	assert.Equal(t, time.Minute, kv.ttls[s.connKey("alice")])
	assert.Equal(t, time.Minute, kv.ttls[s.recordKey("alice")])
}
