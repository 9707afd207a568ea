package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/types"
)

const lockTimeout = 10 * time.Second

// Store is the append-only JSONL event log plus its projections directory.
// The log is the ground-truth history; the SQL database is a projection of it.
type Store struct {
	dir     string
	logPath string
	lock    *flock.Flock
	logger  zerolog.Logger
}

// New opens (or creates) an event store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "projections"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event store directory: %w", err)
	}
	logPath := filepath.Join(dir, "events.jsonl")
	return &Store{
		dir:     dir,
		logPath: logPath,
		lock:    flock.New(logPath + ".lock"),
		logger:  log.Component("eventstore"),
	}, nil
}

// Append writes one event line under an exclusive file lock and returns the
// event ID. The event is stamped with a UUID and timestamp; the caller
// supplies type, payload, and optional metadata/trace/task/actor fields.
func (s *Store) Append(ev *types.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := lockContext()
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return "", fmt.Errorf("failed to acquire event log lock: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	metrics.EventsAppendedTotal.WithLabelValues(string(ev.Type)).Inc()
	return ev.ID, nil
}

// Query streams events matching the filter. Zero times mean unbounded; an
// empty type set matches all; limit <= 0 means no limit.
func (s *Store) Query(since, until time.Time, typeFilter []types.EventType, limit int) ([]*types.Event, error) {
	return s.scan(func(ev *types.Event) (keep, stop bool) {
		if !since.IsZero() && ev.Timestamp.Before(since) {
			return false, false
		}
		if !until.IsZero() && ev.Timestamp.After(until) {
			return false, false
		}
		return matchesType(ev, typeFilter), false
	}, limit)
}

// TimeTravel returns the prefix of the log up to the given instant,
// optionally filtered by type.
func (s *Store) TimeTravel(at time.Time, typeFilter []types.EventType) ([]*types.Event, error) {
	return s.scan(func(ev *types.Event) (keep, stop bool) {
		if ev.Timestamp.After(at) {
			return false, true
		}
		return matchesType(ev, typeFilter), false
	}, 0)
}

// Projection is the persisted output of a rebuild.
type Projection struct {
	Projection string    `json:"projection"`
	RebuiltAt  time.Time `json:"rebuilt_at"`
	EventCount int       `json:"event_count"`
	State      any       `json:"state"`
}

// FoldFunc folds one event into projection state. It must be pure: projection
// rebuilds rely on fold(replay(log)) equalling incremental folding.
type FoldFunc func(state any, ev *types.Event) any

// RebuildProjection folds the entire log through fn and writes the result to
// the projections directory as <name>.json.
func (s *Store) RebuildProjection(name string, initial any, fn FoldFunc) (*Projection, error) {
	state := initial
	count := 0
	_, err := s.scan(func(ev *types.Event) (keep, stop bool) {
		state = fn(state, ev)
		count++
		return false, false
	}, 0)
	if err != nil {
		return nil, err
	}

	p := &Projection{
		Projection: name,
		RebuiltAt:  time.Now().UTC(),
		EventCount: count,
		State:      state,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal projection: %w", err)
	}

	path := filepath.Join(s.dir, "projections", name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write projection: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to publish projection: %w", err)
	}
	return p, nil
}

// scan reads the log under a shared lock, applying filter to each line.
// Malformed lines are skipped with a warning, not fatal.
func (s *Store) scan(filter func(*types.Event) (keep, stop bool), limit int) ([]*types.Event, error) {
	ctx, cancel := lockContext()
	defer cancel()
	locked, err := s.lock.TryRLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("failed to acquire event log read lock: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var out []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn().Int("line", lineNo).Err(err).Msg("Skipping malformed event line")
			continue
		}
		keep, stop := filter(&ev)
		if keep {
			out = append(out, &ev)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if stop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return out, nil
}

func matchesType(ev *types.Event, filter []types.EventType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if ev.Type == t {
			return true
		}
	}
	return false
}
