package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	base := 500 * time.Millisecond

	assert.Equal(t, 500*time.Millisecond, RetryDelay(base, 1))
	assert.Equal(t, time.Second, RetryDelay(base, 2))
	assert.Equal(t, 2*time.Second, RetryDelay(base, 3))
	assert.Equal(t, time.Minute, RetryDelay(base, 20))
}

func TestEnvelopeRoundTripKeepsDedupeKeyAndRetryCount(t *testing.T) {
	env := domain.Envelope{
		ID:         "env-1",
		Type:       domain.OpMessageSend,
		Data:       json.RawMessage(`{"content":"hi"}`),
		DedupeKey:  "dk-1",
		RetryCount: 2,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var got domain.Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, env.DedupeKey, got.DedupeKey)
	assert.Equal(t, env.RetryCount, got.RetryCount)
	assert.Equal(t, env.Type, got.Type)
	assert.JSONEq(t, string(env.Data), string(got.Data))
}
