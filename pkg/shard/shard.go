package shard

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// Monitor tracks shard health and redistributes queued work away from
// unhealthy or orphaned shards.
type Monitor struct {
	store  store.Store
	cfg    *config.Config
	logger zerolog.Logger

	now func() time.Time
}

// NewMonitor creates a shard monitor.
func NewMonitor(st store.Store, cfg *config.Config) *Monitor {
	return &Monitor{
		store:  st,
		cfg:    cfg,
		logger: log.Component("shard"),
		now:    time.Now,
	}
}

// Names returns every shard component name for the configured count.
func (m *Monitor) Names() []string {
	names := make([]string, m.cfg.ShardCount)
	for i := range names {
		names[i] = queue.ShardName(i)
	}
	return names
}

// RecordHeartbeats upserts a healthy heartbeat for every shard that has at
// least one active worker. Called once per supervisor cycle.
func (m *Monitor) RecordHeartbeats() error {
	workers, err := m.store.ListWorkers()
	if err != nil {
		return err
	}
	active := make(map[string]int)
	for _, w := range workers {
		if w.Status.Active() {
			active[w.Shard]++
		}
	}
	for shard, n := range active {
		if err := m.store.UpsertShardHealth(shard, types.HealthHealthy, ""); err != nil {
			m.logger.Error().Err(err).Str("shard", shard).Msg("Failed to record shard heartbeat")
			continue
		}
		m.logger.Debug().Str("shard", shard).Int("active_workers", n).Msg("Shard heartbeat recorded")
	}
	return nil
}

// Classify buckets each shard by heartbeat age: fresh is healthy, older than
// half the timeout degraded, past the timeout unhealthy, never seen unknown.
func (m *Monitor) Classify() (map[string]types.HealthState, error) {
	rows, err := m.store.ListShardHealth()
	if err != nil {
		return nil, err
	}
	byComponent := make(map[string]*types.ShardHealth, len(rows))
	for _, r := range rows {
		byComponent[r.Component] = r
	}

	timeout := m.cfg.ShardHealthTimeoutDuration()
	out := make(map[string]types.HealthState, m.cfg.ShardCount)
	for _, name := range m.Names() {
		r, ok := byComponent[name]
		if !ok {
			out[name] = types.HealthUnknown
			m.exportHealth(name, types.HealthUnknown)
			continue
		}
		age := m.now().Sub(r.UpdatedAt)
		state := types.HealthHealthy
		switch {
		case age > timeout:
			state = types.HealthUnhealthy
		case age > timeout/2:
			state = types.HealthDegraded
		}
		out[name] = state
		m.exportHealth(name, state)
	}
	return out, nil
}

// Orphaned returns shards that have queued work but no active worker.
func (m *Monitor) Orphaned() ([]string, error) {
	workers, err := m.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	active := make(map[string]int)
	for _, w := range workers {
		if w.Status.Active() {
			active[w.Shard]++
		}
	}

	counts, err := m.store.CountByStateAndShard()
	if err != nil {
		return nil, err
	}
	queued := counts[types.TaskStateQueued]

	var orphaned []string
	for _, name := range m.Names() {
		if active[name] == 0 && queued[name] > 0 {
			orphaned = append(orphaned, name)
		}
	}
	return orphaned, nil
}

func (m *Monitor) exportHealth(shard string, s types.HealthState) {
	var v float64
	switch s {
	case types.HealthHealthy:
		v = 1
	case types.HealthDegraded:
		v = 2
	case types.HealthUnhealthy:
		v = 3
	}
	metrics.ShardHealthState.WithLabelValues(shard).Set(v)
}
