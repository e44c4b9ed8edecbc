package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotFound, CodeOf(NotFound("missing")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", RateLimited("slow down"))
	assert.Equal(t, CodeResourceExhausted, CodeOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(InvalidArg("bad")))
	assert.False(t, Retryable(Forbidden("no")))
	assert.False(t, Retryable(NotFound("gone")))
	assert.False(t, Retryable(FailedPrecondition("nope")))

	assert.True(t, Retryable(Unavailable("redis", errors.New("conn refused"))))
	assert.True(t, Retryable(Internal("boom", nil)))
	assert.True(t, Retryable(errors.New("unknown")))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(CodeUnavailable, "store write", errors.New("timeout"))
	assert.Equal(t, "store write: timeout", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "timeout")
}
