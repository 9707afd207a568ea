package store

import (
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// UpsertArtifact registers a phase artifact. A second registration for the
// same (task, phase, path) updates checksum, size and verified_at in place.
func (s *SQLiteStore) UpsertArtifact(a *types.Artifact) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.VerifiedAt.IsZero() {
		a.VerifiedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO artifacts (task_id, phase, path, type, checksum, size, verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, phase, path) DO UPDATE SET
			type = excluded.type,
			checksum = excluded.checksum,
			size = excluded.size,
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at`,
		a.TaskID, string(a.Phase), a.Path, string(a.Type), a.Checksum, a.Size,
		a.VerifiedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert artifact %s/%s/%s: %w", a.TaskID, a.Phase, a.Path, err)
	}
	return nil
}

// ListArtifacts returns registered artifacts for a task, optionally filtered
// by phase.
func (s *SQLiteStore) ListArtifacts(taskID string, phase types.Phase) ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	var err error
	if phase == "" {
		err = s.db.Select(&artifacts, `
			SELECT * FROM artifacts WHERE task_id = ? ORDER BY phase, path`, taskID)
	} else {
		err = s.db.Select(&artifacts, `
			SELECT * FROM artifacts WHERE task_id = ? AND phase = ? ORDER BY path`,
			taskID, string(phase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", taskID, err)
	}
	return artifacts, nil
}
