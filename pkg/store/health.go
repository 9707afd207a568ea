package store

import (
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// UpsertShardHealth records a shard heartbeat.
func (s *SQLiteStore) UpsertShardHealth(component string, status types.HealthState, details string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO health_status (component, status, details, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			status = excluded.status,
			details = excluded.details,
			updated_at = excluded.updated_at`,
		component, string(status), details, now)
	if err != nil {
		return fmt.Errorf("failed to upsert health for %s: %w", component, err)
	}
	return nil
}

// ListShardHealth returns all recorded component health rows.
func (s *SQLiteStore) ListShardHealth() ([]*types.ShardHealth, error) {
	var rows []*types.ShardHealth
	if err := s.db.Select(&rows, `SELECT * FROM health_status ORDER BY component`); err != nil {
		return nil, fmt.Errorf("failed to list shard health: %w", err)
	}
	return rows, nil
}
