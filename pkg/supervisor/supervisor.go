package supervisor

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/health"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/shard"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// WorkerSpawner launches and terminates worker processes. Implemented by
// Spawner; faked in tests.
type WorkerSpawner interface {
	Spawn(lane types.Lane, shard string) error
	ShutdownAll()
}

// Supervisor drives the control loop: route newly queued tasks, check shard
// health, respawn missing workers, and rebalance periodically.
type Supervisor struct {
	store   store.Store
	monitor *shard.Monitor
	spawner WorkerSpawner
	cfg     *config.Config
	logger  zerolog.Logger

	checker *health.Checker

	cycle  int
	stopCh chan struct{}
	doneCh chan struct{}
}

// SetHealthChecker attaches the /healthz aggregator; each cycle reports
// supervisor and per-shard health into it.
func (s *Supervisor) SetHealthChecker(c *health.Checker) {
	s.checker = c
}

// New creates a supervisor.
func New(st store.Store, monitor *shard.Monitor, spawner WorkerSpawner, cfg *config.Config) *Supervisor {
	return &Supervisor{
		store:   st,
		monitor: monitor,
		spawner: spawner,
		cfg:     cfg,
		logger:  log.Component("supervisor"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the supervisor loop.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop shuts the pool down gracefully and stops the loop.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.spawner.ShutdownAll()
}

func (s *Supervisor) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.PoolCheckDuration())
	defer ticker.Stop()

	s.logger.Info().
		Int("pool_size", s.cfg.PoolSize).
		Int("shard_count", s.cfg.ShardCount).
		Msg("Supervisor started")

	// First pass immediately so a fresh start does not idle a full interval.
	s.Cycle()

	for {
		select {
		case <-ticker.C:
			s.Cycle()
		case <-s.stopCh:
			s.logger.Info().Msg("Supervisor stopped")
			return
		}
	}
}

// Cycle performs one supervisor pass.
func (s *Supervisor) Cycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SupervisorCycleDuration)
		metrics.SupervisorCyclesTotal.Inc()
	}()
	s.cycle++

	if err := s.routePass(); err != nil {
		s.logger.Error().Err(err).Msg("Routing pass failed")
	}
	if err := s.monitor.RecordHeartbeats(); err != nil {
		s.logger.Error().Err(err).Msg("Shard heartbeat pass failed")
	}
	if err := s.respawnPass(); err != nil {
		s.logger.Error().Err(err).Msg("Respawn pass failed")
	}

	force := s.cycle%s.cfg.ForcedRebalanceEvery == 0
	if err := s.monitor.Rebalance(force); err != nil {
		s.logger.Error().Err(err).Msg("Rebalance pass failed")
	}

	s.exportPoolMetrics()
	s.reportHealth()
}

func (s *Supervisor) reportHealth() {
	if s.checker == nil {
		return
	}
	s.checker.Set("supervisor", true, fmt.Sprintf("cycle %d", s.cycle))
	states, err := s.monitor.Classify()
	if err != nil {
		s.checker.Set("shards", false, err.Error())
		return
	}
	for sh, st := range states {
		ok := st == types.HealthHealthy || st == types.HealthDegraded
		s.checker.Set(sh, ok, string(st))
	}
}

// routePass stamps shard, lane and model onto tasks submitted without
// routing.
func (s *Supervisor) routePass() error {
	queued, err := s.store.ListTasksByState(types.TaskStateQueued)
	if err != nil {
		return err
	}
	for _, task := range queued {
		if task.Lane != "" && task.Shard != "" {
			continue
		}
		lane, family := queue.RouteType(task.Type)
		sh := task.Shard
		if sh == "" {
			sh = queue.AssignShard(task.ID, s.cfg.ShardCount)
		}
		if err := s.store.SetRouting(task.ID, sh, lane, string(family), queue.ShardHashVersion); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to route task")
			continue
		}
		s.logger.Info().
			Str("task_id", task.ID).
			Str("shard", sh).
			Str("lane", string(lane)).
			Str("model", string(family)).
			Msg("Task routed")
	}
	return nil
}

// respawnPass ensures every expected (specialization, shard) slot has a live
// worker, respawning within the crash budget.
func (s *Supervisor) respawnPass() error {
	workers, err := s.store.ListWorkers()
	if err != nil {
		return err
	}

	type slot struct {
		lane  types.Lane
		shard string
	}
	filled := make(map[slot]bool)
	crashes := make(map[slot]int)
	for _, w := range workers {
		k := slot{w.Specialization, w.Shard}
		if w.Status.Active() {
			filled[k] = true
		}
		if w.CrashCount > crashes[k] {
			crashes[k] = w.CrashCount
		}
	}

	for _, lane := range types.Lanes {
		for i := 0; i < s.cfg.ShardCount; i++ {
			k := slot{lane, queue.ShardName(i)}
			if filled[k] {
				continue
			}
			if crashes[k] >= s.cfg.MaxWorkerCrashes {
				s.logger.Warn().
					Str("lane", string(lane)).
					Str("shard", k.shard).
					Int("crashes", crashes[k]).
					Msg("Slot past crash budget, not respawning")
				continue
			}
			if err := s.spawner.Spawn(lane, k.shard); err != nil {
				s.logger.Error().Err(err).
					Str("lane", string(lane)).
					Str("shard", k.shard).
					Msg("Failed to respawn worker slot")
				continue
			}
			metrics.WorkerRespawnsTotal.WithLabelValues(string(lane), k.shard).Inc()
		}
	}
	return nil
}

func (s *Supervisor) exportPoolMetrics() {
	workers, err := s.store.ListWorkers()
	if err != nil {
		return
	}
	counts := make(map[[2]string]int)
	for _, w := range workers {
		counts[[2]string{string(w.Specialization), string(w.Status)}]++
	}
	metrics.WorkersTotal.Reset()
	for k, n := range counts {
		metrics.WorkersTotal.WithLabelValues(k[0], k[1]).Set(float64(n))
	}

	if counts, err := s.store.CountByStateAndShard(); err == nil {
		metrics.TasksTotal.Reset()
		for state, byShard := range counts {
			for sh, n := range byShard {
				metrics.TasksTotal.WithLabelValues(string(state), sh).Set(float64(n))
			}
		}
	}
}
