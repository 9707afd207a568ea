package shard

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

func newMonitorFixture(t *testing.T) (*Monitor, *store.SQLiteStore, *config.Config) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg := config.Default()
	return NewMonitor(st, cfg), st, cfg
}

func addWorker(t *testing.T, st *store.SQLiteStore, id, shard string, status types.WorkerStatus) {
	t.Helper()
	require.NoError(t, st.UpsertWorker(&types.Worker{
		ID: id, Specialization: types.LaneImpl, Shard: shard, Status: status,
	}))
}

func addQueued(t *testing.T, st *store.SQLiteStore, id, shard string) {
	t.Helper()
	require.NoError(t, st.CreateTask(&types.Task{
		ID: id, Type: "IMPLEMENT", Shard: shard, Lane: types.LaneImpl, Priority: types.PriorityMedium,
	}))
}

func TestRecordHeartbeats(t *testing.T) {
	m, st, _ := newMonitorFixture(t)
	addWorker(t, st, "w0", "shard-0", types.WorkerIdle)
	addWorker(t, st, "w1", "shard-1", types.WorkerBusy)
	addWorker(t, st, "w2", "shard-2", types.WorkerDead) // inactive: no heartbeat

	require.NoError(t, m.RecordHeartbeats())

	rows, err := st.ListShardHealth()
	require.NoError(t, err)
	recorded := map[string]bool{}
	for _, r := range rows {
		recorded[r.Component] = true
	}
	assert.True(t, recorded["shard-0"])
	assert.True(t, recorded["shard-1"])
	assert.False(t, recorded["shard-2"], "dead workers do not keep a shard healthy")
}

func TestClassifyAgeBuckets(t *testing.T) {
	m, st, cfg := newMonitorFixture(t)
	require.NoError(t, st.UpsertShardHealth("shard-0", types.HealthHealthy, ""))
	require.NoError(t, st.UpsertShardHealth("shard-1", types.HealthHealthy, ""))
	require.NoError(t, st.UpsertShardHealth("shard-2", types.HealthHealthy, ""))

	base := time.Now()
	timeout := cfg.ShardHealthTimeoutDuration()
	m.now = func() time.Time { return base }

	states, err := m.Classify()
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, states["shard-0"])

	// Older than timeout/2: degraded. Older than timeout: unhealthy.
	m.now = func() time.Time { return base.Add(timeout/2 + time.Second) }
	states, err = m.Classify()
	require.NoError(t, err)
	assert.Equal(t, types.HealthDegraded, states["shard-0"])

	m.now = func() time.Time { return base.Add(timeout + time.Second) }
	states, err = m.Classify()
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, states["shard-0"])
}

func TestClassifyUnknownShard(t *testing.T) {
	m, _, _ := newMonitorFixture(t)
	states, err := m.Classify()
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnknown, states["shard-0"])
}

func TestOrphanedDetection(t *testing.T) {
	m, st, _ := newMonitorFixture(t)
	// shard-1 has queued work but no active worker.
	addWorker(t, st, "w0", "shard-0", types.WorkerIdle)
	addWorker(t, st, "w1", "shard-1", types.WorkerDead)
	addQueued(t, st, "T1", "shard-1")
	addQueued(t, st, "T2", "shard-0")

	orphaned, err := m.Orphaned()
	require.NoError(t, err)
	assert.Equal(t, []string{"shard-1"}, orphaned)
}

func TestRebalanceDrainsOrphanedShard(t *testing.T) {
	m, st, _ := newMonitorFixture(t)
	// Healthy workers on shard-0 and shard-2; shard-1 orphaned with 7 tasks.
	addWorker(t, st, "w0", "shard-0", types.WorkerIdle)
	addWorker(t, st, "w2", "shard-2", types.WorkerIdle)
	require.NoError(t, m.RecordHeartbeats())
	for i := 0; i < 7; i++ {
		addQueued(t, st, fmt.Sprintf("T%d", i), "shard-1")
	}

	require.NoError(t, m.Rebalance(false))

	counts, err := st.CountByStateAndShard()
	require.NoError(t, err)
	queued := counts[types.TaskStateQueued]
	assert.Zero(t, queued["shard-1"], "orphaned shard drained")
	assert.Equal(t, 7, queued["shard-0"]+queued["shard-2"])
	// Split is near-even: 4/3 either way.
	assert.InDelta(t, 3.5, float64(queued["shard-0"]), 0.6)

	// The redistribution left an audit trail.
	evs, err := st.ListEvents("", time.Time{}, 0)
	require.NoError(t, err)
	found := false
	for _, ev := range evs {
		if ev.Type == types.EventShardRedistribution {
			found = true
		}
	}
	assert.True(t, found, "SHARD_REDISTRIBUTION event emitted")
}

func TestRebalanceEvensWideSpread(t *testing.T) {
	m, st, cfg := newMonitorFixture(t)
	for _, sh := range []string{"shard-0", "shard-1", "shard-2"} {
		addWorker(t, st, "w-"+sh, sh, types.WorkerIdle)
	}
	require.NoError(t, m.RecordHeartbeats())

	// Spread of 9 > threshold 5.
	for i := 0; i < 9; i++ {
		addQueued(t, st, fmt.Sprintf("T%d", i), "shard-0")
	}

	require.NoError(t, m.Rebalance(false))

	counts, err := st.CountByStateAndShard()
	require.NoError(t, err)
	queued := counts[types.TaskStateQueued]
	assert.LessOrEqual(t, queued["shard-0"], 9-cfg.RebalanceThreshold+2, "overloaded shard gave up work")
	assert.Greater(t, queued["shard-1"]+queued["shard-2"], 0)
}

func TestRebalanceNoopWhenBalanced(t *testing.T) {
	m, st, _ := newMonitorFixture(t)
	for _, sh := range []string{"shard-0", "shard-1", "shard-2"} {
		addWorker(t, st, "w-"+sh, sh, types.WorkerIdle)
		addQueued(t, st, "T-"+sh, sh)
	}
	require.NoError(t, m.RecordHeartbeats())

	require.NoError(t, m.Rebalance(false))

	counts, err := st.CountByStateAndShard()
	require.NoError(t, err)
	for _, sh := range []string{"shard-0", "shard-1", "shard-2"} {
		assert.Equal(t, 1, counts[types.TaskStateQueued][sh])
	}
}

func TestSplitEven(t *testing.T) {
	chunks := splitEven([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[1], 2)
}
