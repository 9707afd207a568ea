package breaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/errorclass"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/types"
)

// Sentinel errors from the fallback chain.
var (
	ErrAllBackendsFailed   = errors.New("all backends failed or unavailable")
	ErrRetryBudgetExceeded = errors.New("task retry budget exhausted")
)

// Chain tries backend families in order, honoring breakers and rate-limit
// sentinels, retrying retryable errors with backoff, and accounting against
// the per-task retry budget.
type Chain struct {
	order       []backend.Family
	breakers    map[backend.Family]*Breaker
	rateDir     string
	maxRetries  int
	retryBudget int
	policy      errorclass.BackoffPolicy
	logger      zerolog.Logger

	sleep func(time.Duration)
}

// ChainConfig configures a fallback chain.
type ChainConfig struct {
	Order       []string
	BreakersDir string
	RateDir     string
	MaxRetries  int
	RetryBudget int
	Policy      errorclass.BackoffPolicy
	Breaker     Options
}

// NewChain builds the chain with one breaker per family in the order.
func NewChain(cfg ChainConfig) *Chain {
	order := make([]backend.Family, 0, len(cfg.Order))
	breakers := make(map[backend.Family]*Breaker, len(cfg.Order))
	for _, name := range cfg.Order {
		f := backend.Family(name)
		order = append(order, f)
		breakers[f] = New(f, cfg.BreakersDir, cfg.Breaker)
	}
	return &Chain{
		order:       order,
		breakers:    breakers,
		rateDir:     cfg.RateDir,
		maxRetries:  cfg.MaxRetries,
		retryBudget: cfg.RetryBudget,
		policy:      cfg.Policy,
		logger:      log.Component("fallback"),
		sleep:       time.Sleep,
	}
}

// Breaker returns the breaker for a family (nil when the family is not in
// the chain).
func (c *Chain) Breaker(f backend.Family) *Breaker {
	return c.breakers[f]
}

// Execute runs one phase of a task through the chain. The preferred family is
// tried first (when in the chain), then the remaining members in configured
// order. Each admitted family gets up to maxRetries attempts with backoff on
// retryable errors. Non-retryable errors abort the whole chain. Exhausting
// every family counts once against the task's retry budget.
func (c *Chain) Execute(ctx context.Context, preferred backend.Family, task *types.Task, phase types.Phase, exec backend.Executor) (*backend.Result, error) {
	used := c.effectiveRetries(task)
	if used >= c.retryBudget {
		return nil, fmt.Errorf("%w: task %s at %d/%d", ErrRetryBudgetExceeded, task.ID, used, c.retryBudget)
	}

	for _, family := range c.ordered(preferred) {
		br := c.breakers[family]
		allowed, err := br.Allow()
		if err != nil {
			c.logger.Error().Err(err).Str("family", string(family)).Msg("Breaker check failed, skipping family")
			continue
		}
		if !allowed {
			c.logger.Debug().Str("family", string(family)).Msg("Breaker open, skipping family")
			metrics.FallbacksTotal.WithLabelValues(string(family)).Inc()
			continue
		}
		if c.rateLimited(family) {
			c.logger.Debug().Str("family", string(family)).Msg("Family rate-limited, skipping")
			metrics.FallbacksTotal.WithLabelValues(string(family)).Inc()
			continue
		}

		result, err := c.attempt(ctx, family, task, phase, exec)
		if err == nil {
			return result, nil
		}
		class := errorclass.ClassifyErr(err)
		if !errorclass.Retryable(class) {
			return nil, fmt.Errorf("non-retryable %s from %s: %w", class, family, err)
		}
		// Retryable and exhausted on this family: advance the chain.
		metrics.FallbacksTotal.WithLabelValues(string(family)).Inc()
	}

	c.bumpRetryFile(task.ID, used+1)
	return nil, fmt.Errorf("%w: task %s", ErrAllBackendsFailed, task.ID)
}

// attempt runs up to maxRetries calls against one family with backoff.
func (c *Chain) attempt(ctx context.Context, family backend.Family, task *types.Task, phase types.Phase, exec backend.Executor) (*backend.Result, error) {
	br := c.breakers[family]
	bo := c.policy.New()

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		result, err := exec.Execute(ctx, family, task, phase)
		if err == nil {
			if rerr := br.RecordSuccess(); rerr != nil {
				c.logger.Error().Err(rerr).Msg("Failed to record breaker success")
			}
			return result, nil
		}
		lastErr = err
		if rerr := br.RecordFailure(); rerr != nil {
			c.logger.Error().Err(rerr).Msg("Failed to record breaker failure")
		}

		class := errorclass.ClassifyErr(err)
		c.logger.Warn().
			Str("family", string(family)).
			Str("task_id", task.ID).
			Str("class", string(class)).
			Int("attempt", attempt).
			Err(err).
			Msg("Backend call failed")

		if class == errorclass.RateLimit {
			c.markRateLimited(family)
			return nil, err
		}
		if !errorclass.Retryable(class) {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return nil, lastErr
}

// ordered returns the chain with the preferred family moved to the front.
func (c *Chain) ordered(preferred backend.Family) []backend.Family {
	if preferred == "" {
		return c.order
	}
	out := make([]backend.Family, 0, len(c.order))
	for _, f := range c.order {
		if f == preferred {
			out = append([]backend.Family{f}, out...)
		} else {
			out = append(out, f)
		}
	}
	return out
}

// Rate-limit sentinels: rate-limits/<family>.limit holds the unix second the
// limit expires.

func (c *Chain) rateLimited(f backend.Family) bool {
	data, err := os.ReadFile(filepath.Join(c.rateDir, string(f)+".limit"))
	if err != nil {
		return false
	}
	expiry, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || expiry < 0 {
		return false
	}
	return time.Now().Unix() < expiry
}

func (c *Chain) markRateLimited(f backend.Family) {
	expiry := time.Now().Add(60 * time.Second).Unix()
	path := filepath.Join(c.rateDir, string(f)+".limit")
	if err := os.WriteFile(path, []byte(strconv.FormatInt(expiry, 10)), 0o644); err != nil {
		c.logger.Error().Err(err).Str("family", string(f)).Msg("Failed to write rate-limit sentinel")
	}
}

// Per-task retry accounting. The DB retry_count is authoritative; the file
// mirror survives DB loss. Highest value wins on conflict.

func (c *Chain) effectiveRetries(task *types.Task) int {
	n := task.RetryCount
	data, err := os.ReadFile(filepath.Join(c.rateDir, "retry_"+task.ID))
	if err != nil {
		return n
	}
	if file, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && file > n {
		n = file
	}
	return n
}

func (c *Chain) bumpRetryFile(taskID string, n int) {
	path := filepath.Join(c.rateDir, "retry_"+taskID)
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)), 0o644); err != nil {
		c.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to write retry counter")
	}
}
