package shard

import (
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/types"
)

// Rebalance runs one balancing pass. Unhealthy and orphaned shards are
// drained first; then, if the queued spread exceeds the threshold (or force
// is set), work is redistributed toward an even split.
func (m *Monitor) Rebalance(force bool) error {
	health, err := m.Classify()
	if err != nil {
		return err
	}
	orphaned, err := m.Orphaned()
	if err != nil {
		return err
	}

	counts, err := m.store.CountByStateAndShard()
	if err != nil {
		return err
	}
	queued := counts[types.TaskStateQueued]
	for _, name := range m.Names() {
		metrics.QueueDepth.WithLabelValues(name).Set(float64(queued[name]))
	}

	// Targets are shards that can accept work: healthy or degraded, not
	// orphaned.
	orphanSet := make(map[string]bool, len(orphaned))
	for _, s := range orphaned {
		orphanSet[s] = true
	}
	var targets []string
	for _, name := range m.Names() {
		if orphanSet[name] {
			continue
		}
		if health[name] == types.HealthHealthy || health[name] == types.HealthDegraded {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		m.logger.Warn().Msg("No healthy shards to rebalance toward")
		return nil
	}

	// Drain unhealthy and orphaned shards entirely.
	drained := false
	for _, name := range m.Names() {
		if queued[name] == 0 {
			continue
		}
		bad := orphanSet[name] || health[name] == types.HealthUnhealthy
		if !bad {
			continue
		}
		reason := "unhealthy"
		if orphanSet[name] {
			reason = "orphaned"
		}
		if err := m.drain(name, targets, reason); err != nil {
			m.logger.Error().Err(err).Str("shard", name).Msg("Failed to drain shard")
			continue
		}
		drained = true
	}
	if drained {
		return nil
	}

	// Even redistribution when the spread is too wide.
	minQ, maxQ := spread(queued, targets)
	if !force && maxQ-minQ <= m.cfg.RebalanceThreshold {
		return nil
	}
	if maxQ-minQ <= 1 {
		return nil
	}
	return m.even(queued, targets, force)
}

// drain moves every queued task off a shard, split evenly across targets in
// priority-then-age order.
func (m *Monitor) drain(from string, targets []string, reason string) error {
	tasks, err := m.store.ListQueuedByShard(from)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	chunks := splitEven(taskIDs(tasks), len(targets))
	total := 0
	for i, ids := range chunks {
		if len(ids) == 0 {
			continue
		}
		moved, err := m.store.ReassignShard(ids, from, targets[i])
		if err != nil {
			return err
		}
		total += moved
	}
	metrics.RebalancesTotal.WithLabelValues(reason).Inc()
	metrics.TasksRedistributed.Add(float64(total))
	m.logger.Info().
		Str("shard", from).
		Str("reason", reason).
		Int("moved", total).
		Msg("Shard drained")
	return nil
}

// even moves excess tasks from overloaded target shards toward underloaded
// ones, aiming at total/len(targets) per shard.
func (m *Monitor) even(queued map[string]int, targets []string, force bool) error {
	total := 0
	for _, name := range targets {
		total += queued[name]
	}
	target := total / len(targets)

	reason := "imbalance"
	if force {
		reason = "forced"
	}

	// Receivers cycle round-robin over shards below target.
	var receivers []string
	for _, name := range targets {
		if queued[name] < target {
			receivers = append(receivers, name)
		}
	}
	if len(receivers) == 0 {
		return nil
	}

	ri := 0
	moved := 0
	for _, name := range targets {
		excess := queued[name] - target
		if excess <= 0 {
			continue
		}
		tasks, err := m.store.ListQueuedByShard(name)
		if err != nil {
			return err
		}
		// Move the tail: the head of the priority ordering stays where
		// workers are already draining it.
		if excess > len(tasks) {
			excess = len(tasks)
		}
		ids := taskIDs(tasks[len(tasks)-excess:])
		for _, id := range ids {
			to := receivers[ri%len(receivers)]
			ri++
			n, err := m.store.ReassignShard([]string{id}, name, to)
			if err != nil {
				return err
			}
			moved += n
		}
	}
	if moved > 0 {
		metrics.RebalancesTotal.WithLabelValues(reason).Inc()
		metrics.TasksRedistributed.Add(float64(moved))
		m.logger.Info().Int("moved", moved).Str("reason", reason).Msg("Queue rebalanced")
	}
	return nil
}

func spread(queued map[string]int, targets []string) (minQ, maxQ int) {
	first := true
	for _, name := range targets {
		n := queued[name]
		if first {
			minQ, maxQ = n, n
			first = false
			continue
		}
		if n < minQ {
			minQ = n
		}
		if n > maxQ {
			maxQ = n
		}
	}
	return minQ, maxQ
}

func taskIDs(tasks []*types.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

// splitEven divides ids into n nearly equal chunks.
func splitEven(ids []string, n int) [][]string {
	chunks := make([][]string, n)
	for i, id := range ids {
		chunks[i%n] = append(chunks[i%n], id)
	}
	return chunks
}
