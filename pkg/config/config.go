package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/log"
)

// Hardcoded safety floors. Configuration below these values is raised, never
// honored.
const (
	MinCoverageFloor      = 70
	MinSecurityScoreFloor = 60
	MaxCriticalVulnsCeil  = 0
)

// Config holds the full orchestrator configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	// Pool topology
	ShardCount        int `yaml:"shard_count"`
	PoolSize          int `yaml:"pool_size"`
	PoolCheckInterval int `yaml:"pool_check_interval"` // seconds

	// Fairness
	MaxConcurrentTasksPerWorker int  `yaml:"max_concurrent_tasks_per_worker"`
	MaxRunningTasksPerUser      int  `yaml:"max_running_tasks_per_user"`
	MaxTasksPerUser             int  `yaml:"max_tasks_per_user"`
	AntiStarvationEnabled       bool `yaml:"anti_starvation_enabled"`
	AntiStarvationBackoffSec    int  `yaml:"anti_starvation_backoff_sec"`
	PerUserLimitsEnabled        bool `yaml:"per_user_limits_enabled"`

	// Circuit breakers
	CBFailureThreshold int `yaml:"cb_failure_threshold"`
	CBCooldownSeconds  int `yaml:"cb_cooldown_seconds"`
	CBHalfOpenMaxCalls int `yaml:"cb_half_open_max_calls"`

	// Recovery
	RecoveryInterval            int     `yaml:"recovery_interval"` // seconds
	RecoveryTimeout             int     `yaml:"recovery_timeout"`  // seconds
	WorkerStaleHeartbeatMinutes int     `yaml:"worker_stale_heartbeat_minutes"`
	WorkerStaleGraceMultiplier  float64 `yaml:"worker_stale_grace_multiplier"`
	ZombieTimeoutMinutes        int     `yaml:"zombie_timeout_minutes"`

	// Error handling
	EHMaxRetries        int      `yaml:"eh_max_retries"`
	EHBackoffBase       int      `yaml:"eh_backoff_base"` // seconds
	EHBackoffMax        int      `yaml:"eh_backoff_max"`  // seconds
	EHBackoffMultiplier float64  `yaml:"eh_backoff_multiplier"`
	EHJitter            bool     `yaml:"eh_jitter"`
	EHRetryBudget       int      `yaml:"eh_retry_budget"`
	EHFallbackOrder     []string `yaml:"eh_fallback_order"`

	// Quality gates
	CoverageThreshold int  `yaml:"coverage_threshold"`
	MinSecurityScore  int  `yaml:"min_security_score"`
	MaxCriticalVulns  int  `yaml:"max_critical_vulns"`
	StrictMode        bool `yaml:"strict_mode"`
	MaxRetries        int  `yaml:"max_retries"`

	// Worker lifecycle
	HeartbeatInterval   int `yaml:"heartbeat_interval"` // seconds
	MaxWorkerCrashes    int `yaml:"max_worker_crashes"`
	RespawnCooldown     int `yaml:"respawn_cooldown"`      // seconds
	PoolShutdownTimeout int `yaml:"pool_shutdown_timeout"` // seconds

	// Rebalancing
	RebalanceThreshold   int `yaml:"rebalance_threshold"`
	ForcedRebalanceEvery int `yaml:"forced_rebalance_every"` // supervisor cycles
	ShardHealthTimeout   int `yaml:"shard_health_timeout"`   // seconds
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		DataDir:                     "/var/lib/foreman",
		ShardCount:                  3,
		PoolSize:                    3,
		PoolCheckInterval:           30,
		MaxConcurrentTasksPerWorker: 3,
		MaxRunningTasksPerUser:      10,
		MaxTasksPerUser:             25,
		AntiStarvationEnabled:       true,
		AntiStarvationBackoffSec:    5,
		PerUserLimitsEnabled:        true,
		CBFailureThreshold:          3,
		CBCooldownSeconds:           60,
		CBHalfOpenMaxCalls:          1,
		RecoveryInterval:            60,
		RecoveryTimeout:             900,
		WorkerStaleHeartbeatMinutes: 5,
		WorkerStaleGraceMultiplier:  1.5,
		ZombieTimeoutMinutes:        30,
		EHMaxRetries:                3,
		EHBackoffBase:               5,
		EHBackoffMax:                300,
		EHBackoffMultiplier:         2,
		EHJitter:                    true,
		EHRetryBudget:               5,
		EHFallbackOrder:             []string{"familyA", "familyB", "familyC"},
		CoverageThreshold:           80,
		MinSecurityScore:            60,
		MaxCriticalVulns:            0,
		StrictMode:                  true,
		MaxRetries:                  3,
		HeartbeatInterval:           30,
		MaxWorkerCrashes:            5,
		RespawnCooldown:             30,
		PoolShutdownTimeout:         30,
		RebalanceThreshold:          5,
		ForcedRebalanceEvery:        5,
		ShardHealthTimeout:          90,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then applies the safety floors.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.EnforceFloors()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", c.ShardCount)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be >= 1, got %d", c.PoolSize)
	}
	if len(c.EHFallbackOrder) == 0 {
		return fmt.Errorf("eh_fallback_order must not be empty")
	}
	return nil
}

// EnforceFloors raises threshold configuration to the hardcoded floors and
// logs every adjustment. Floors can never be overridden lower.
func (c *Config) EnforceFloors() {
	logger := log.Component("config")
	if c.CoverageThreshold < MinCoverageFloor {
		logger.Warn().
			Int("configured", c.CoverageThreshold).
			Int("floor", MinCoverageFloor).
			Msg("Coverage threshold below hardcoded floor, raising")
		c.CoverageThreshold = MinCoverageFloor
	}
	if c.MinSecurityScore < MinSecurityScoreFloor {
		logger.Warn().
			Int("configured", c.MinSecurityScore).
			Int("floor", MinSecurityScoreFloor).
			Msg("Security score threshold below hardcoded floor, raising")
		c.MinSecurityScore = MinSecurityScoreFloor
	}
	if c.MaxCriticalVulns > MaxCriticalVulnsCeil {
		logger.Warn().
			Int("configured", c.MaxCriticalVulns).
			Int("ceiling", MaxCriticalVulnsCeil).
			Msg("Critical vulnerability allowance above hardcoded ceiling, lowering")
		c.MaxCriticalVulns = MaxCriticalVulnsCeil
	}
}

// applyEnv overlays FOREMAN_* environment variables onto the configuration.
func (c *Config) applyEnv() {
	envInt("FOREMAN_SHARD_COUNT", &c.ShardCount)
	envInt("FOREMAN_POOL_SIZE", &c.PoolSize)
	envInt("FOREMAN_POOL_CHECK_INTERVAL", &c.PoolCheckInterval)
	envInt("FOREMAN_MAX_CONCURRENT_TASKS_PER_WORKER", &c.MaxConcurrentTasksPerWorker)
	envInt("FOREMAN_MAX_RUNNING_TASKS_PER_USER", &c.MaxRunningTasksPerUser)
	envInt("FOREMAN_MAX_TASKS_PER_USER", &c.MaxTasksPerUser)
	envBool("FOREMAN_ANTI_STARVATION_ENABLED", &c.AntiStarvationEnabled)
	envInt("FOREMAN_ANTI_STARVATION_BACKOFF_SEC", &c.AntiStarvationBackoffSec)
	envBool("FOREMAN_PER_USER_LIMITS_ENABLED", &c.PerUserLimitsEnabled)
	envInt("FOREMAN_CB_FAILURE_THRESHOLD", &c.CBFailureThreshold)
	envInt("FOREMAN_CB_COOLDOWN_SECONDS", &c.CBCooldownSeconds)
	envInt("FOREMAN_CB_HALF_OPEN_MAX_CALLS", &c.CBHalfOpenMaxCalls)
	envInt("FOREMAN_RECOVERY_INTERVAL", &c.RecoveryInterval)
	envInt("FOREMAN_RECOVERY_TIMEOUT", &c.RecoveryTimeout)
	envInt("FOREMAN_WORKER_STALE_HEARTBEAT_MINUTES", &c.WorkerStaleHeartbeatMinutes)
	envFloat("FOREMAN_WORKER_STALE_GRACE_MULTIPLIER", &c.WorkerStaleGraceMultiplier)
	envInt("FOREMAN_ZOMBIE_TIMEOUT_MINUTES", &c.ZombieTimeoutMinutes)
	envInt("FOREMAN_EH_MAX_RETRIES", &c.EHMaxRetries)
	envInt("FOREMAN_EH_BACKOFF_BASE", &c.EHBackoffBase)
	envInt("FOREMAN_EH_BACKOFF_MAX", &c.EHBackoffMax)
	envFloat("FOREMAN_EH_BACKOFF_MULTIPLIER", &c.EHBackoffMultiplier)
	envBool("FOREMAN_EH_JITTER", &c.EHJitter)
	envInt("FOREMAN_EH_RETRY_BUDGET", &c.EHRetryBudget)
	envInt("FOREMAN_COVERAGE_THRESHOLD", &c.CoverageThreshold)
	envInt("FOREMAN_MIN_SECURITY_SCORE", &c.MinSecurityScore)
	envInt("FOREMAN_MAX_CRITICAL_VULNS", &c.MaxCriticalVulns)
	envBool("FOREMAN_STRICT_MODE", &c.StrictMode)
	envInt("FOREMAN_MAX_RETRIES", &c.MaxRetries)
	envInt("FOREMAN_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	envInt("FOREMAN_MAX_WORKER_CRASHES", &c.MaxWorkerCrashes)
	envInt("FOREMAN_RESPAWN_COOLDOWN", &c.RespawnCooldown)
	envInt("FOREMAN_POOL_SHUTDOWN_TIMEOUT", &c.PoolShutdownTimeout)
	envInt("FOREMAN_REBALANCE_THRESHOLD", &c.RebalanceThreshold)
	envInt("FOREMAN_SHARD_HEALTH_TIMEOUT", &c.ShardHealthTimeout)

	if v := os.Getenv("FOREMAN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FOREMAN_EH_FALLBACK_ORDER"); v != "" {
		parts := strings.Split(v, ",")
		order := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				order = append(order, p)
			}
		}
		if len(order) > 0 {
			c.EHFallbackOrder = order
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Derived durations.

func (c *Config) PoolCheckDuration() time.Duration {
	return time.Duration(c.PoolCheckInterval) * time.Second
}

func (c *Config) RecoveryIntervalDuration() time.Duration {
	return time.Duration(c.RecoveryInterval) * time.Second
}

func (c *Config) HeartbeatDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.PoolShutdownTimeout) * time.Second
}

func (c *Config) CBCooldown() time.Duration {
	return time.Duration(c.CBCooldownSeconds) * time.Second
}

func (c *Config) ZombieTimeout() time.Duration {
	return time.Duration(c.ZombieTimeoutMinutes) * time.Minute
}

func (c *Config) StaleHeartbeat() time.Duration {
	return time.Duration(c.WorkerStaleHeartbeatMinutes) * time.Minute
}

func (c *Config) ShardHealthTimeoutDuration() time.Duration {
	return time.Duration(c.ShardHealthTimeout) * time.Second
}

// Filesystem layout under DataDir.

func (c *Config) StateDir() string       { return filepath.Join(c.DataDir, "state") }
func (c *Config) DBPath() string         { return filepath.Join(c.StateDir(), "foreman.db") }
func (c *Config) EventStoreDir() string  { return filepath.Join(c.StateDir(), "event-store") }
func (c *Config) BreakersDir() string    { return filepath.Join(c.StateDir(), "breakers") }
func (c *Config) RateLimitsDir() string  { return filepath.Join(c.StateDir(), "rate-limits") }
func (c *Config) PendingSyncDir() string { return filepath.Join(c.StateDir(), "pending-sync") }
func (c *Config) WorkersDir() string     { return filepath.Join(c.StateDir(), "workers") }
func (c *Config) TasksDir() string       { return filepath.Join(c.DataDir, "tasks") }
func (c *Config) LogsDir() string        { return filepath.Join(c.DataDir, "logs") }
func (c *Config) LedgerPath() string     { return filepath.Join(c.LogsDir(), "ledger.jsonl") }
func (c *Config) InboxDir() string       { return filepath.Join(c.DataDir, "inbox") }
func (c *Config) WorkspacesDir() string  { return filepath.Join(c.DataDir, "workspaces") }

// EnsureLayout creates the persisted directory tree.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.StateDir(),
		c.EventStoreDir(),
		filepath.Join(c.EventStoreDir(), "projections"),
		c.BreakersDir(),
		c.RateLimitsDir(),
		c.PendingSyncDir(),
		c.WorkersDir(),
		c.LogsDir(),
		c.InboxDir(),
		c.WorkspacesDir(),
	}
	for _, sub := range []string{"queue", "running", "review", "approved", "rejected", "failed", "completed", "history"} {
		dirs = append(dirs, filepath.Join(c.TasksDir(), sub))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}
