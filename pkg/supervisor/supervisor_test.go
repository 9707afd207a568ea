package supervisor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/shard"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

type fakeSpawner struct {
	spawned []string // "lane/shard"
}

func (f *fakeSpawner) Spawn(lane types.Lane, sh string) error {
	f.spawned = append(f.spawned, string(lane)+"/"+sh)
	return nil
}

func (f *fakeSpawner) ShutdownAll() {}

func newSupervisorFixture(t *testing.T) (*Supervisor, *store.SQLiteStore, *fakeSpawner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	sp := &fakeSpawner{}
	return New(st, shard.NewMonitor(st, cfg), sp, cfg), st, sp
}

func TestRoutePassAssignsShardLaneModel(t *testing.T) {
	sup, st, _ := newSupervisorFixture(t)
	require.NoError(t, st.CreateTask(&types.Task{ID: "T1", Type: "REVIEW_PR", Priority: types.PriorityHigh}))
	require.NoError(t, st.CreateTask(&types.Task{ID: "T2", Type: "IMPLEMENT", Priority: types.PriorityHigh}))

	require.NoError(t, sup.routePass())

	t1, err := st.GetTask("T1")
	require.NoError(t, err)
	assert.Equal(t, types.LaneReview, t1.Lane)
	assert.Equal(t, "familyA", t1.AssignedModel)
	assert.Contains(t, []string{"shard-0", "shard-1", "shard-2"}, t1.Shard)

	t2, err := st.GetTask("T2")
	require.NoError(t, err)
	assert.Equal(t, types.LaneImpl, t2.Lane)
	assert.Equal(t, "familyC", t2.AssignedModel)
}

func TestRoutePassDeterministicShard(t *testing.T) {
	sup, st, _ := newSupervisorFixture(t)
	require.NoError(t, st.CreateTask(&types.Task{ID: "T1", Type: "IMPLEMENT"}))
	require.NoError(t, sup.routePass())
	first, err := st.GetTask("T1")
	require.NoError(t, err)

	// Routing the same ID in a fresh system lands on the same shard.
	sup2, st2, _ := newSupervisorFixture(t)
	require.NoError(t, st2.CreateTask(&types.Task{ID: "T1", Type: "IMPLEMENT"}))
	require.NoError(t, sup2.routePass())
	second, err := st2.GetTask("T1")
	require.NoError(t, err)
	assert.Equal(t, first.Shard, second.Shard)
}

func TestRespawnPassFillsMissingSlots(t *testing.T) {
	sup, st, sp := newSupervisorFixture(t)
	// One live worker fills impl/shard-0; every other slot is missing.
	require.NoError(t, st.UpsertWorker(&types.Worker{
		ID: "w1", Specialization: types.LaneImpl, Shard: "shard-0", Status: types.WorkerIdle,
	}))

	require.NoError(t, sup.respawnPass())

	assert.NotContains(t, sp.spawned, "impl/shard-0", "filled slot untouched")
	assert.Contains(t, sp.spawned, "impl/shard-1")
	assert.Contains(t, sp.spawned, "review/shard-0")
	assert.Contains(t, sp.spawned, "analysis/shard-2")
	// 3 lanes x 3 shards minus the one filled slot.
	assert.Len(t, sp.spawned, 8)
}

func TestRespawnPassHonorsCrashBudget(t *testing.T) {
	sup, st, sp := newSupervisorFixture(t)
	sup.cfg.MaxWorkerCrashes = 2
	// The impl/shard-0 slot has crashed out.
	require.NoError(t, st.UpsertWorker(&types.Worker{
		ID: "w1", Specialization: types.LaneImpl, Shard: "shard-0",
		Status: types.WorkerDead, CrashCount: 2,
	}))

	require.NoError(t, sup.respawnPass())
	assert.NotContains(t, sp.spawned, "impl/shard-0", "slot past crash budget stays down")
	assert.Len(t, sp.spawned, 8)
}
