package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.ShardCount)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 30, cfg.PoolCheckInterval)
	assert.Equal(t, 3, cfg.MaxConcurrentTasksPerWorker)
	assert.Equal(t, 10, cfg.MaxRunningTasksPerUser)
	assert.Equal(t, 25, cfg.MaxTasksPerUser)
	assert.Equal(t, 3, cfg.CBFailureThreshold)
	assert.Equal(t, 60, cfg.CBCooldownSeconds)
	assert.Equal(t, 1, cfg.CBHalfOpenMaxCalls)
	assert.Equal(t, 60, cfg.RecoveryInterval)
	assert.Equal(t, 900, cfg.RecoveryTimeout)
	assert.Equal(t, 1.5, cfg.WorkerStaleGraceMultiplier)
	assert.Equal(t, 3, cfg.EHMaxRetries)
	assert.Equal(t, 5, cfg.EHRetryBudget)
	assert.Equal(t, []string{"familyA", "familyB", "familyC"}, cfg.EHFallbackOrder)
	assert.Equal(t, 80, cfg.CoverageThreshold)
	assert.True(t, cfg.StrictMode)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yml")
	require.NoError(t, os.WriteFile(path, []byte(
		"shard_count: 5\npool_size: 9\ncoverage_threshold: 85\neh_fallback_order: [familyC, familyA]\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.ShardCount)
	assert.Equal(t, 9, cfg.PoolSize)
	assert.Equal(t, 85, cfg.CoverageThreshold)
	assert.Equal(t, []string{"familyC", "familyA"}, cfg.EHFallbackOrder)
}

func TestLoadAppliesFloors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yml")
	require.NoError(t, os.WriteFile(path, []byte("coverage_threshold: 40\nmin_security_score: 1\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MinCoverageFloor, cfg.CoverageThreshold)
	assert.Equal(t, MinSecurityScoreFloor, cfg.MinSecurityScore)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_SHARD_COUNT", "7")
	t.Setenv("FOREMAN_STRICT_MODE", "false")
	t.Setenv("FOREMAN_EH_FALLBACK_ORDER", "familyB, familyC")
	t.Setenv("FOREMAN_WORKER_STALE_GRACE_MULTIPLIER", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ShardCount)
	assert.False(t, cfg.StrictMode)
	assert.Equal(t, []string{"familyB", "familyC"}, cfg.EHFallbackOrder)
	assert.Equal(t, 2.5, cfg.WorkerStaleGraceMultiplier)
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("FOREMAN_SHARD_COUNT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ShardCount, "unparseable env values fall back to defaults")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ShardCount = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.EHFallbackOrder = nil
	assert.Error(t, cfg.Validate())
}

func TestEnsureLayout(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.EnsureLayout())

	for _, dir := range []string{
		cfg.StateDir(),
		cfg.EventStoreDir(),
		cfg.BreakersDir(),
		cfg.PendingSyncDir(),
		filepath.Join(cfg.TasksDir(), "queue"),
		filepath.Join(cfg.TasksDir(), "running"),
		filepath.Join(cfg.TasksDir(), "completed"),
		cfg.LogsDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}
