package breaker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/types"
)

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	return New(backend.FamilyA, t.TempDir(), DefaultOptions())
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := newTestBreaker(t)

	// Two failures: still closed.
	require.NoError(t, b.RecordFailure())
	require.NoError(t, b.RecordFailure())
	state, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerClosed, state)

	allowed, err := b.Allow()
	require.NoError(t, err)
	assert.True(t, allowed)

	// Third failure trips OPEN.
	require.NoError(t, b.RecordFailure())
	state, err = b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, state)

	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed, "open breaker inside cooldown must deny")
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := newTestBreaker(t)

	require.NoError(t, b.RecordFailure())
	require.NoError(t, b.RecordFailure())
	require.NoError(t, b.RecordSuccess())

	// Counter reset: two more failures stay under threshold.
	require.NoError(t, b.RecordFailure())
	require.NoError(t, b.RecordFailure())
	state, err := b.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerClosed, state)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := newTestBreaker(t)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure())
	}

	// Inside cooldown: denied.
	allowed, err := b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed)

	// One cooldown later: exactly one probe admitted.
	now = now.Add(61 * time.Second)
	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.True(t, allowed, "first probe after cooldown admitted")

	allowed, err = b.Allow()
	require.NoError(t, err)
	assert.False(t, allowed, "second concurrent half-open probe denied")
}

func TestBreakerHalfOpenOutcomes(t *testing.T) {
	t.Run("success closes and resets", func(t *testing.T) {
		b := newTestBreaker(t)
		now := time.Now()
		b.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			require.NoError(t, b.RecordFailure())
		}
		now = now.Add(61 * time.Second)
		allowed, err := b.Allow()
		require.NoError(t, err)
		require.True(t, allowed)

		require.NoError(t, b.RecordSuccess())
		state, err := b.State()
		require.NoError(t, err)
		assert.Equal(t, types.BreakerClosed, state)

		// failure_count reset to zero after closing.
		data, err := os.ReadFile(b.path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "failure_count=0")
	})

	t.Run("failure reopens with fresh cooldown", func(t *testing.T) {
		b := newTestBreaker(t)
		now := time.Now()
		b.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			require.NoError(t, b.RecordFailure())
		}
		now = now.Add(61 * time.Second)
		allowed, err := b.Allow()
		require.NoError(t, err)
		require.True(t, allowed)

		require.NoError(t, b.RecordFailure())
		state, err := b.State()
		require.NoError(t, err)
		assert.Equal(t, types.BreakerOpen, state)

		// Still inside the restarted cooldown.
		now = now.Add(30 * time.Second)
		allowed, err = b.Allow()
		require.NoError(t, err)
		assert.False(t, allowed)
	})
}

func TestParseRecordSafety(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected types.BreakerState
	}{
		{"valid open", "state=OPEN\nfailure_count=3\nlast_failure=100\n", types.BreakerOpen},
		{"unknown state resets", "state=BANANAS\n", types.BreakerClosed},
		{"empty file", "", types.BreakerClosed},
		{"injection attempt ignored", "state=OPEN; rm -rf /\nfailure_count=$(true)\n", types.BreakerClosed},
		{"negative value ignored", "state=CLOSED\nfailure_count=-5\n", types.BreakerClosed},
		{"unknown keys ignored", "state=HALF_OPEN\nevil_key=1\n", types.BreakerHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := parseRecord([]byte(tt.content))
			assert.Equal(t, tt.expected, r.State)
		})
	}
}

func TestParseRecordValues(t *testing.T) {
	r := parseRecord([]byte("state=OPEN\nfailure_count=7\nlast_failure=1700000000\nlast_success=1600000000\nhalf_open_calls=1\n"))
	assert.Equal(t, types.BreakerOpen, r.State)
	assert.Equal(t, 7, r.FailureCount)
	assert.Equal(t, int64(1700000000), r.LastFailure)
	assert.Equal(t, int64(1600000000), r.LastSuccess)
	assert.Equal(t, 1, r.HalfOpenCalls)
}

func TestRecordEncodeRoundTrip(t *testing.T) {
	orig := &record{
		State:        types.BreakerHalfOpen,
		FailureCount: 2,
		LastFailure:  123,
		LastSuccess:  456,
	}
	parsed := parseRecord(orig.encode())
	assert.Equal(t, orig, parsed)
}

func TestBreakerStatePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	b1 := New(backend.FamilyB, dir, DefaultOptions())
	for i := 0; i < 3; i++ {
		require.NoError(t, b1.RecordFailure())
	}

	// A second process view sees the same state.
	b2 := New(backend.FamilyB, dir, DefaultOptions())
	state, err := b2.State()
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, state)
	assert.Equal(t, filepath.Join(dir, "familyB.state"), b2.path)
}
