package queue

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

func newClaimFixture(t *testing.T) (*Claimer, *store.SQLiteStore, *config.Config) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	c := NewClaimer(st, cfg)
	c.sleep = func(time.Duration) {} // no real backoff in tests
	return c, st, cfg
}

func enqueue(t *testing.T, st *store.SQLiteStore, id, submitter string) {
	t.Helper()
	task := &types.Task{
		ID:       id,
		Type:     "IMPLEMENT",
		Priority: types.PriorityMedium,
		Shard:    "shard-0",
		Lane:     types.LaneImpl,
	}
	if submitter != "" {
		task.Metadata = map[string]string{"submitter": submitter}
	}
	require.NoError(t, st.CreateTask(task))
}

func TestClaimHappyPath(t *testing.T) {
	c, st, _ := newClaimFixture(t)
	enqueue(t, st, "T1", "alice")

	task, err := c.Claim("worker-1", store.ClaimFilter{Shard: "shard-0"})
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
	assert.Equal(t, types.TaskStateRunning, task.State)
	assert.Equal(t, "worker-1", task.WorkerID)
}

func TestClaimEmptyQueue(t *testing.T) {
	c, _, _ := newClaimFixture(t)
	_, err := c.Claim("worker-1", store.ClaimFilter{})
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestClaimContentionExactlyMinNM(t *testing.T) {
	c, st, _ := newClaimFixture(t)
	// M=3 queued tasks, N=5 claiming workers: exactly 3 claims succeed.
	for i := 1; i <= 3; i++ {
		enqueue(t, st, fmt.Sprintf("T%d", i), "alice")
	}

	claimed := map[string]bool{}
	wins := 0
	for i := 1; i <= 5; i++ {
		task, err := c.Claim(fmt.Sprintf("worker-%d", i), store.ClaimFilter{})
		if err == nil {
			require.False(t, claimed[task.ID], "no duplicate claims")
			claimed[task.ID] = true
			wins++
		} else {
			assert.ErrorIs(t, err, ErrNoTask)
		}
	}
	assert.Equal(t, 3, wins)
}

func TestClaimAntiStarvation(t *testing.T) {
	c, st, cfg := newClaimFixture(t)
	cfg.MaxConcurrentTasksPerWorker = 2

	for i := 1; i <= 3; i++ {
		enqueue(t, st, fmt.Sprintf("T%d", i), "alice")
	}

	_, err := c.Claim("worker-1", store.ClaimFilter{})
	require.NoError(t, err)
	_, err = c.Claim("worker-1", store.ClaimFilter{})
	require.NoError(t, err)

	// Worker at its concurrency cap backs off.
	_, err = c.Claim("worker-1", store.ClaimFilter{})
	assert.ErrorIs(t, err, ErrNoTask)

	// Another worker is unaffected.
	task, err := c.Claim("worker-2", store.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, "T3", task.ID)
}

func TestClaimPerUserLimitBoundary(t *testing.T) {
	c, st, cfg := newClaimFixture(t)
	cfg.MaxRunningTasksPerUser = 2
	cfg.MaxConcurrentTasksPerWorker = 100

	// bob has exactly MaxRunningTasksPerUser running.
	for i := 1; i <= 2; i++ {
		enqueue(t, st, fmt.Sprintf("B%d", i), "bob")
		_, err := c.Claim(fmt.Sprintf("w%d", i), store.ClaimFilter{})
		require.NoError(t, err)
	}

	enqueue(t, st, "B3", "bob")
	enqueue(t, st, "C1", "carol")

	// bob's next task is skipped; carol's is picked instead.
	task, err := c.Claim("w3", store.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, "C1", task.ID)

	// With carol's task gone, only bob remains and he is at the limit.
	_, err = c.Claim("w4", store.ClaimFilter{})
	assert.ErrorIs(t, err, ErrNoTask)

	// When one of bob's tasks finishes, the next becomes eligible.
	require.NoError(t, st.Transition("B1", types.TaskStateApproved, "done", "w1"))
	task, err = c.Claim("w5", store.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, "B3", task.ID)
}

func TestClaimUnknownSubmitterExempt(t *testing.T) {
	c, st, cfg := newClaimFixture(t)
	cfg.MaxRunningTasksPerUser = 1
	cfg.MaxConcurrentTasksPerWorker = 100

	// Tasks with no submitter metadata and no trace prefix are "unknown" and
	// never limited.
	for i := 1; i <= 3; i++ {
		enqueue(t, st, fmt.Sprintf("T%d", i), "")
	}
	for i := 1; i <= 3; i++ {
		_, err := c.Claim("worker-1", store.ClaimFilter{})
		require.NoError(t, err, "claim %d", i)
	}
}

func TestClaimDisabledGates(t *testing.T) {
	c, st, cfg := newClaimFixture(t)
	cfg.AntiStarvationEnabled = false
	cfg.PerUserLimitsEnabled = false
	cfg.MaxRunningTasksPerUser = 0 // would block everything if enforced

	enqueue(t, st, "T1", "alice")
	task, err := c.Claim("worker-1", store.ClaimFilter{})
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
}

func TestClaimShardAffinity(t *testing.T) {
	c, st, _ := newClaimFixture(t)
	enqueue(t, st, "T1", "alice") // shard-0

	_, err := c.Claim("worker-1", store.ClaimFilter{Shard: "shard-2"})
	assert.ErrorIs(t, err, ErrNoTask)

	task, err := c.Claim("worker-1", store.ClaimFilter{Shard: "shard-0"})
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
}
