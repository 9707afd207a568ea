package breaker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/backend"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/types"
)

const lockTimeout = 10 * time.Second

// Options configures breaker thresholds.
type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker is the circuit breaker for one backend family. State is persisted
// as a key=value file shared across processes; every mutation runs under an
// exclusive advisory lock.
type Breaker struct {
	family backend.Family
	path   string
	lock   *flock.Flock
	opts   Options
	logger zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a breaker for a family, persisting under dir.
func New(family backend.Family, dir string, opts Options) *Breaker {
	path := filepath.Join(dir, string(family)+".state")
	return &Breaker{
		family: family,
		path:   path,
		lock:   flock.New(path + ".lock"),
		opts:   opts,
		logger: log.Component("breaker", log.Backend(string(family))),
		now:    time.Now,
	}
}

// record is the persisted breaker state.
type record struct {
	State         types.BreakerState
	FailureCount  int
	LastFailure   int64 // unix seconds
	LastSuccess   int64
	HalfOpenCalls int
}

// keyValueLine validates one line of the state file. The file is data, never
// code: fields are read by whitelisted key and values validated as
// non-negative integers or a known state name.
var keyValueLine = regexp.MustCompile(`^([a-z_]+)=([A-Z_0-9]+)$`)

var validKeys = map[string]bool{
	"state":           true,
	"failure_count":   true,
	"last_failure":    true,
	"last_success":    true,
	"half_open_calls": true,
}

func parseRecord(data []byte) *record {
	r := &record{State: types.BreakerClosed}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := keyValueLine.FindStringSubmatch(line)
		if m == nil || !validKeys[m[1]] {
			continue
		}
		key, val := m[1], m[2]
		if key == "state" {
			switch types.BreakerState(val) {
			case types.BreakerClosed, types.BreakerOpen, types.BreakerHalfOpen:
				r.State = types.BreakerState(val)
			default:
				// Unknown state resets to CLOSED.
				r.State = types.BreakerClosed
			}
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		switch key {
		case "failure_count":
			r.FailureCount = int(n)
		case "last_failure":
			r.LastFailure = n
		case "last_success":
			r.LastSuccess = n
		case "half_open_calls":
			r.HalfOpenCalls = int(n)
		}
	}
	return r
}

func (r *record) encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s\n", r.State)
	fmt.Fprintf(&b, "failure_count=%d\n", r.FailureCount)
	fmt.Fprintf(&b, "last_failure=%d\n", r.LastFailure)
	fmt.Fprintf(&b, "last_success=%d\n", r.LastSuccess)
	fmt.Fprintf(&b, "half_open_calls=%d\n", r.HalfOpenCalls)
	return []byte(b.String())
}

// withLock runs fn holding the exclusive advisory lock, giving it the loaded
// record and persisting whatever it leaves behind.
func (b *Breaker) withLock(fn func(r *record) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := b.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("failed to acquire breaker lock for %s: %w", b.family, err)
	}
	defer b.lock.Unlock() //nolint:errcheck

	r := &record{State: types.BreakerClosed}
	if data, err := os.ReadFile(b.path); err == nil {
		r = parseRecord(data)
	}

	if err := fn(r); err != nil {
		return err
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, r.encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write breaker state: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to publish breaker state: %w", err)
	}
	b.exportState(r.State)
	return nil
}

// Allow reports whether a call to this family may proceed. An OPEN breaker
// past its cooldown admits a single HALF_OPEN probe; additional concurrent
// probes are denied until the first resolves.
func (b *Breaker) Allow() (bool, error) {
	allowed := false
	err := b.withLock(func(r *record) error {
		now := b.now().Unix()
		switch r.State {
		case types.BreakerClosed:
			allowed = true
		case types.BreakerOpen:
			if now-r.LastFailure >= int64(b.opts.Cooldown/time.Second) {
				r.State = types.BreakerHalfOpen
				r.HalfOpenCalls = 1
				allowed = true
				b.logger.Info().Msg("Breaker cooldown elapsed, admitting half-open probe")
			}
		case types.BreakerHalfOpen:
			if r.HalfOpenCalls < b.opts.HalfOpenMaxCalls {
				r.HalfOpenCalls++
				allowed = true
			}
		}
		return nil
	})
	return allowed, err
}

// RecordSuccess notes a successful call. In HALF_OPEN it closes the breaker;
// in CLOSED it resets the failure counter.
func (b *Breaker) RecordSuccess() error {
	return b.withLock(func(r *record) error {
		prev := r.State
		r.State = types.BreakerClosed
		r.FailureCount = 0
		r.HalfOpenCalls = 0
		r.LastSuccess = b.now().Unix()
		if prev != types.BreakerClosed {
			b.logger.Info().Str("from", string(prev)).Msg("Breaker closed after success")
		}
		return nil
	})
}

// RecordFailure notes a failed call. CLOSED trips OPEN at the failure
// threshold; a HALF_OPEN failure reopens and restarts the cooldown.
func (b *Breaker) RecordFailure() error {
	return b.withLock(func(r *record) error {
		now := b.now().Unix()
		switch r.State {
		case types.BreakerHalfOpen:
			r.State = types.BreakerOpen
			r.LastFailure = now
			r.HalfOpenCalls = 0
			metrics.BreakerTripsTotal.WithLabelValues(string(b.family)).Inc()
			b.logger.Warn().Msg("Half-open probe failed, breaker reopened")
		default:
			r.FailureCount++
			r.LastFailure = now
			if r.State == types.BreakerClosed && r.FailureCount >= b.opts.FailureThreshold {
				r.State = types.BreakerOpen
				metrics.BreakerTripsTotal.WithLabelValues(string(b.family)).Inc()
				b.logger.Warn().Int("failures", r.FailureCount).Msg("Failure threshold reached, breaker opened")
			}
		}
		return nil
	})
}

// State returns the current persisted state without mutating it.
func (b *Breaker) State() (types.BreakerState, error) {
	state := types.BreakerClosed
	err := b.withLock(func(r *record) error {
		state = r.State
		return nil
	})
	return state, err
}

func (b *Breaker) exportState(s types.BreakerState) {
	var v float64
	switch s {
	case types.BreakerHalfOpen:
		v = 1
	case types.BreakerOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(string(b.family)).Set(v)
}
