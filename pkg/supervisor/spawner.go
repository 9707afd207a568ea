package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// Spawner launches and terminates worker processes. One process per
// (specialization, shard) slot.
type Spawner struct {
	store  store.Store
	cfg    *config.Config
	binary string
	logger zerolog.Logger

	mu        sync.Mutex
	processes map[string]*exec.Cmd // worker ID -> process
	cooldowns map[string]time.Time // "lane/shard" -> next eligible spawn
}

// NewSpawner creates a spawner that execs the given foreman binary. An empty
// binary path resolves to the running executable.
func NewSpawner(st store.Store, cfg *config.Config, binary string) (*Spawner, error) {
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve own binary: %w", err)
		}
		binary = self
	}
	return &Spawner{
		store:     st,
		cfg:       cfg,
		binary:    binary,
		logger:    log.Component("spawner"),
		processes: make(map[string]*exec.Cmd),
		cooldowns: make(map[string]time.Time),
	}, nil
}

// Spawn launches a worker for the slot. The backend credential is verified
// before exec; a missing credential fails fast and the slot retries after the
// cooldown.
func (sp *Spawner) Spawn(lane types.Lane, shard string) error {
	key := string(lane) + "/" + shard

	sp.mu.Lock()
	if next, ok := sp.cooldowns[key]; ok && time.Now().Before(next) {
		sp.mu.Unlock()
		return nil
	}
	sp.cooldowns[key] = time.Now().Add(time.Duration(sp.cfg.RespawnCooldown) * time.Second)
	sp.mu.Unlock()

	if err := backend.CheckCredential(backend.ForLane(lane)); err != nil {
		return fmt.Errorf("slot %s not spawned: %w", key, err)
	}

	workerID := fmt.Sprintf("worker-%s-%d-%d", lane, time.Now().Unix(), os.Getpid())
	cmd := exec.Command(sp.binary, "worker",
		"--id", workerID,
		"--lane", string(lane),
		"--shard", shard,
		"--data-dir", sp.cfg.DataDir,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker process: %w", err)
	}

	sp.mu.Lock()
	sp.processes[workerID] = cmd
	sp.mu.Unlock()

	// Record the spawn so the slot shows filled before the worker's own
	// registration lands.
	if err := sp.store.UpsertWorker(&types.Worker{
		ID:             workerID,
		PID:            cmd.Process.Pid,
		Status:         types.WorkerStarting,
		Specialization: lane,
		Shard:          shard,
		Model:          string(backend.ForLane(lane)),
	}); err != nil {
		sp.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to record spawned worker")
	}
	if err := sp.store.InsertEvent(&types.Event{
		Type:  types.EventWorkerRespawned,
		Actor: "supervisor",
		Payload: map[string]any{
			"worker_id": workerID,
			"lane":      string(lane),
			"shard":     shard,
			"pid":       cmd.Process.Pid,
		},
	}); err != nil {
		sp.logger.Error().Err(err).Msg("Failed to record respawn event")
	}

	// Reap the process when it exits so it never zombies.
	go func() {
		err := cmd.Wait()
		sp.mu.Lock()
		delete(sp.processes, workerID)
		sp.mu.Unlock()
		if err != nil {
			sp.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Worker process exited with error")
		}
	}()

	sp.logger.Info().
		Str("worker_id", workerID).
		Int("pid", cmd.Process.Pid).
		Str("lane", string(lane)).
		Str("shard", shard).
		Msg("Worker spawned")
	return nil
}

// ShutdownAll gracefully terminates every spawned worker: mark stopping, send
// SIGTERM, wait for the status to clear, then SIGKILL survivors and mark them
// dead.
func (sp *Spawner) ShutdownAll() {
	sp.mu.Lock()
	targets := make(map[string]*exec.Cmd, len(sp.processes))
	for id, cmd := range sp.processes {
		targets[id] = cmd
	}
	sp.mu.Unlock()

	for id, cmd := range targets {
		if err := sp.store.SetWorkerStatus(id, types.WorkerStopping); err != nil {
			sp.logger.Error().Err(err).Str("worker_id", id).Msg("Failed to mark worker stopping")
		}
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				sp.logger.Warn().Err(err).Str("worker_id", id).Msg("Failed to signal worker")
			}
		}
	}

	deadline := time.Now().Add(sp.cfg.ShutdownTimeout())
	for time.Now().Before(deadline) {
		sp.mu.Lock()
		remaining := len(sp.processes)
		sp.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	// Force-kill survivors.
	sp.mu.Lock()
	survivors := make(map[string]*exec.Cmd, len(sp.processes))
	for id, cmd := range sp.processes {
		survivors[id] = cmd
	}
	sp.mu.Unlock()

	for id, cmd := range survivors {
		sp.logger.Warn().Str("worker_id", id).Msg("Force-killing worker past shutdown timeout")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		if err := sp.store.MarkWorkerDead(id); err != nil {
			sp.logger.Error().Err(err).Str("worker_id", id).Msg("Failed to mark worker dead")
		}
	}
}
