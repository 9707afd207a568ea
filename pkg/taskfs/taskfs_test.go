package taskfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func newLayout(t *testing.T) *Layout {
	t.Helper()
	root := t.TempDir()
	tasksDir := filepath.Join(root, "tasks")
	pendingDir := filepath.Join(root, "pending-sync")
	for _, d := range []string{DirQueue, DirRunning, DirReview, DirApproved, DirRejected, DirFailed, DirCompleted, DirHistory} {
		require.NoError(t, os.MkdirAll(filepath.Join(tasksDir, d), 0o755))
	}
	require.NoError(t, os.MkdirAll(pendingDir, 0o755))
	return New(tasksDir, pendingDir)
}

func TestWriteAndMoveTaskFile(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, l.WriteTaskFile("T1", "# Task body\n"))

	_, err := os.Stat(l.Path(DirQueue, "T1"))
	require.NoError(t, err)

	require.NoError(t, l.Move("T1", DirQueue, DirRunning))
	_, err = os.Stat(l.Path(DirQueue, "T1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.Path(DirRunning, "T1"))
	assert.NoError(t, err)
}

func TestMoveIdempotentWhenAlreadyMoved(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, l.WriteTaskFile("T1", "body"))
	require.NoError(t, l.Move("T1", DirQueue, DirRunning))

	// A second identical move is a no-op, not an error.
	assert.NoError(t, l.Move("T1", DirQueue, DirRunning))
}

func TestMoveMissingEverywhereFails(t *testing.T) {
	l := newLayout(t)
	assert.Error(t, l.Move("ghost", DirQueue, DirRunning))
}

func TestLockExactlyOnce(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, l.AcquireLock("T1"))
	assert.Error(t, l.AcquireLock("T1"), "second acquire loses")

	require.NoError(t, l.ReleaseLock("T1"))
	assert.NoError(t, l.ReleaseLock("T1"), "release is idempotent")
	assert.NoError(t, l.AcquireLock("T1"), "reacquire after release")
}

func TestPendingSyncLifecycle(t *testing.T) {
	l := newLayout(t)

	require.NoError(t, l.WritePendingSync(&types.PendingSync{
		TaskID: "T1",
		State:  types.TaskStateApproved,
		Reason: "gates passed",
		Actor:  "worker-1",
	}))

	markers, err := l.ListPendingSync()
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "T1", markers[0].TaskID)
	assert.Equal(t, types.TaskStateApproved, markers[0].State)
	assert.False(t, markers[0].CreatedAt.IsZero())

	require.NoError(t, l.ClearPendingSync("T1"))
	markers, err = l.ListPendingSync()
	require.NoError(t, err)
	assert.Empty(t, markers)

	assert.NoError(t, l.ClearPendingSync("T1"), "clearing an absent marker is a no-op")
}

func TestPendingSyncSkipsMalformed(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, os.WriteFile(filepath.Join(l.PendingDir(), "bad.pending"), []byte("{broken"), 0o644))
	require.NoError(t, l.WritePendingSync(&types.PendingSync{TaskID: "T1", State: types.TaskStateQueued}))

	markers, err := l.ListPendingSync()
	require.NoError(t, err)
	assert.Len(t, markers, 1)
}

func TestArchiveHistory(t *testing.T) {
	l := newLayout(t)
	require.NoError(t, l.WriteTaskFile("T1", "body"))
	require.NoError(t, l.ArchiveHistory("T1", DirQueue))

	entries, err := os.ReadDir(filepath.Join(l.tasksDir, DirHistory, "T1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDirFor(t *testing.T) {
	assert.Equal(t, DirQueue, DirFor(types.TaskStateQueued))
	assert.Equal(t, DirRunning, DirFor(types.TaskStateRunning))
	assert.Equal(t, DirApproved, DirFor(types.TaskStateApproved))
	assert.Equal(t, DirFailed, DirFor(types.TaskStateFailed))
	assert.Equal(t, DirCompleted, DirFor(types.TaskStateComplete))
}
