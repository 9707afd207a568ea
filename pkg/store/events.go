package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/foreman/pkg/types"
)

// InsertEvent records an event row outside any other transaction.
func (s *SQLiteStore) InsertEvent(ev *types.Event) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		return insertEventTx(tx, ev)
	})
}

// eventRow mirrors the events table.
type eventRow struct {
	ID        string    `db:"id"`
	TaskID    *string   `db:"task_id"`
	EventType string    `db:"event_type"`
	Actor     string    `db:"actor"`
	Payload   string    `db:"payload"`
	TraceID   string    `db:"trace_id"`
	Timestamp time.Time `db:"timestamp"`
}

// ListEvents returns events, newest last, optionally scoped to a task.
func (s *SQLiteStore) ListEvents(taskID string, since time.Time, limit int) ([]*types.Event, error) {
	q := `SELECT * FROM events WHERE 1=1`
	args := []any{}
	if taskID != "" {
		q += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if !since.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, since)
	}
	q += ` ORDER BY timestamp`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*types.Event, 0, len(rows))
	for _, r := range rows {
		ev := &types.Event{
			ID:        r.ID,
			Type:      types.EventType(r.EventType),
			Actor:     r.Actor,
			TraceID:   r.TraceID,
			Timestamp: r.Timestamp,
		}
		if r.TaskID != nil {
			ev.TaskID = *r.TaskID
		}
		if r.Payload != "" && r.Payload != "{}" {
			if err := json.Unmarshal([]byte(r.Payload), &ev.Payload); err != nil {
				// Tolerate malformed payloads the same way the JSONL reader does.
				ev.Payload = map[string]any{"_raw": r.Payload}
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
