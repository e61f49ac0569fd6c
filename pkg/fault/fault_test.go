package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindTransport, CodeTimeout, "request to %s timed out", "agent:planner")
	assert.Equal(t, "transport/timeout: request to agent:planner timed out", e.Error())

	wrapped := Wrap(errors.New("connection reset"), KindTransport, CodePublishFailed, "xadd failed")
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestErrorsIsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindReplay, CodeTimestampStale, "ts too old"))

	assert.True(t, errors.Is(err, &Error{Kind: KindReplay, Code: CodeTimestampStale}))
	assert.True(t, errors.Is(err, &Error{Kind: KindReplay}), "empty code matches any code of the kind")
	assert.False(t, errors.Is(err, &Error{Kind: KindReplay, Code: CodeTimestampFuture}))
	assert.False(t, errors.Is(err, &Error{Kind: KindSecurity, Code: CodeTimestampStale}))
}

func TestCodeAndKindExtraction(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(KindRegistry, CodeAgentNotFound, "no such agent"))

	require.Equal(t, CodeAgentNotFound, CodeOf(err))
	require.Equal(t, KindRegistry, KindOf(err))
	assert.True(t, IsCode(err, CodeAgentNotFound))

	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, KindOf(nil))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(New(KindTransport, CodeTimeout, "slow")))
	assert.True(t, Retryable(New(KindTransport, CodeBackpressure, "cap hit")))
	assert.False(t, Retryable(New(KindSecurity, CodeInvalidSignature, "bad sig")))
	assert.False(t, Retryable(errors.New("unclassified")))
}
