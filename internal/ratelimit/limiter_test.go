package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64), expires: make(map[string]time.Duration)}
}

func (f *fakeCounter) Incr(_ context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounter) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.expires[key] = ttl
	return nil
}

func TestLimiterFixedWindow(t *testing.T) {
	fc := newFakeCounter()
	l := newWithStore(fc, "rt", 30, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		assert.True(t, l.Allow(ctx, "send_message", "user-1"), "request %d should pass", i+1)
	}
	assert.False(t, l.Allow(ctx, "send_message", "user-1"), "31st request must be rejected")

	// Other identities and scopes hold independent windows.
	assert.True(t, l.Allow(ctx, "send_message", "user-2"))
	assert.True(t, l.Allow(ctx, "call_initiate", "user-1"))
}

func TestLimiterSetsWindowExpiryOnce(t *testing.T) {
	fc := newFakeCounter()
	l := newWithStore(fc, "rt", 5, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	l.Allow(ctx, "send_message", "user-1")
	l.Allow(ctx, "send_message", "user-1")

	assert.Equal(t, time.Minute, fc.expires["rt:rl:send_message:user-1"])
	assert.Len(t, fc.expires, 1)
}

func TestLimiterFailsOpenWhenStoreDown(t *testing.T) {
	fc := newFakeCounter()
	fc.err = errors.New("connection refused")
	l := newWithStore(fc, "rt", 1, time.Minute, zap.NewNop().Sugar())

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(context.Background(), "send_message", "user-1"))
	}
}
