package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// LedgerEntry is one operations-log line.
type LedgerEntry struct {
	Op        string    `json:"op"`
	TaskID    string    `json:"task_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger appends operation lines to logs/ledger.jsonl under an exclusive
// advisory lock, mirroring the event store's locking discipline.
type Ledger struct {
	path string
	lock *flock.Flock
}

// NewLedger creates a ledger writer for the given path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path, lock: flock.New(path + ".lock")}
}

// Append writes one entry. Errors are returned, not fatal; callers log them.
func (l *Ledger) Append(e LedgerEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	locked, err := l.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	defer l.lock.Unlock() //nolint:errcheck

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}
