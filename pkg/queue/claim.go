package queue

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// ErrNoTask signals an empty (or fully gated) queue for this claim attempt.
var ErrNoTask = errors.New("no claimable task")

// candidateScanLimit bounds the per-attempt candidate scan.
const candidateScanLimit = 10

// Claimer implements the sharded, fair claim protocol on top of the store's
// atomic claim primitive.
type Claimer struct {
	store  store.Store
	cfg    *config.Config
	logger zerolog.Logger

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// NewClaimer creates a claimer bound to the store and configuration.
func NewClaimer(st store.Store, cfg *config.Config) *Claimer {
	return &Claimer{
		store:  st,
		cfg:    cfg,
		logger: log.Component("queue"),
		sleep:  time.Sleep,
	}
}

// Claim attempts to claim one task for the worker. Gates run in order: worker
// anti-starvation, candidate scan, per-user fairness, then the atomic claim
// transaction. A lost race returns ErrNoTask without retrying; the worker
// loop is the retry mechanism.
func (c *Claimer) Claim(workerID string, f store.ClaimFilter) (*types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimLatency)

	// Gate 1: worker anti-starvation.
	if c.cfg.AntiStarvationEnabled {
		running, err := c.store.CountRunningByWorker(workerID)
		if err != nil {
			return nil, err
		}
		if running >= c.cfg.MaxConcurrentTasksPerWorker {
			metrics.ClaimsTotal.WithLabelValues("starved").Inc()
			c.logger.Debug().
				Str("worker_id", workerID).
				Int("running", running).
				Msg("Worker at concurrency limit, backing off")
			c.sleep(time.Duration(c.cfg.AntiStarvationBackoffSec) * time.Second)
			return nil, ErrNoTask
		}
	}

	// Gate 2: candidate scan.
	candidates, err := c.store.SelectCandidates(f, candidateScanLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		metrics.ClaimsTotal.WithLabelValues("no_task").Inc()
		return nil, ErrNoTask
	}

	// Gate 3: per-user fairness.
	chosen := candidates[0]
	if c.cfg.PerUserLimitsEnabled {
		chosen = nil
		for _, cand := range candidates {
			submitter := cand.Submitter()
			if submitter == "unknown" {
				chosen = cand
				break
			}
			running, err := c.store.CountRunningBySubmitter(submitter)
			if err != nil {
				return nil, err
			}
			if running >= c.cfg.MaxRunningTasksPerUser {
				c.logger.Debug().
					Str("task_id", cand.ID).
					Str("submitter", submitter).
					Int("running", running).
					Msg("Skipping candidate, submitter at running-task limit")
				continue
			}
			chosen = cand
			break
		}
		if chosen == nil {
			metrics.ClaimsTotal.WithLabelValues("user_limited").Inc()
			return nil, ErrNoTask
		}
	}

	// Claim transaction. Exactly one worker wins a given task.
	if err := c.store.ClaimTask(chosen.ID, workerID); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			metrics.ClaimsTotal.WithLabelValues("lost_race").Inc()
			return nil, ErrNoTask
		}
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	task, err := c.store.GetTask(chosen.ID)
	if err != nil {
		return nil, err
	}
	return task, nil
}
