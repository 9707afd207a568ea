package errorclass

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Class
	}{
		{"rate limit words", "429 Too Many Requests", RateLimit},
		{"rate limit snake", "backend returned rate_limit", RateLimit},
		{"quota", "monthly quota exceeded", RateLimit},
		{"auth 401", "401 Unauthorized", AuthError},
		{"auth credential", "credential expired for account", AuthError},
		{"timeout", "request timed out after 30s", Timeout},
		{"deadline", "context deadline exceeded", Timeout},
		{"model unavailable", "503 Service Unavailable", ModelUnavailable},
		{"overloaded", "model is overloaded, retry later", ModelUnavailable},
		{"network", "connection refused", NetworkError},
		{"network reset", "read: connection reset by peer", NetworkError},
		{"invalid request", "400 Bad Request", InvalidRequest},
		{"context too long", "prompt is too long: 210000 tokens", ContextTooLong},
		{"context exceeded", "context_length_exceeded", ContextTooLong},
		{"reasoning", "reasoning_error: chain diverged", ReasoningError},
		{"output", "malformed output from model", OutputError},
		{"sandbox", "sandbox_error: write outside workspace", SandboxError},
		{"unknown", "something odd happened", Unknown},
		{"empty", "", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.input))
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Class{RateLimit, Timeout, NetworkError, ModelUnavailable, ReasoningError, OutputError, Unknown}
	for _, c := range retryable {
		assert.True(t, Retryable(c), "expected %s to be retryable", c)
	}

	nonRetryable := []Class{AuthError, InvalidRequest, ContextTooLong, ContextError, SandboxError}
	for _, c := range nonRetryable {
		assert.False(t, Retryable(c), "expected %s to be non-retryable", c)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 124, ExitCode(Timeout))
	assert.Equal(t, 2, ExitCode(AuthError))
	assert.Equal(t, 2, ExitCode(ContextTooLong))
	assert.Equal(t, 1, ExitCode(RateLimit))
	assert.Equal(t, 1, ExitCode(Unknown))
}

func TestBackoffDelay(t *testing.T) {
	p := BackoffPolicy{Base: 5 * time.Second, Multiplier: 2, Cap: 300 * time.Second}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{7, 300 * time.Second}, // 320s capped
		{10, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := DefaultBackoff()
	b := p.New()
	// First interval with ±25% jitter stays within [3.75s, 6.25s].
	d := b.NextBackOff()
	assert.GreaterOrEqual(t, d, 3750*time.Millisecond)
	assert.LessOrEqual(t, d, 6250*time.Millisecond)
}
