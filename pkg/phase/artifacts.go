package phase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// RegisterArtifact computes checksum and size for the file at path and
// upserts the artifact row keyed by (task, phase, path). Re-registering the
// same path refreshes checksum, size and verified_at without duplicating.
func (e *Engine) RegisterArtifact(taskID string, ph types.Phase, path string, typ types.ArtifactType) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("failed to checksum artifact %s: %w", path, err)
	}

	return e.store.UpsertArtifact(&types.Artifact{
		TaskID:     taskID,
		Phase:      ph,
		Path:       path,
		Type:       typ,
		Checksum:   hex.EncodeToString(h.Sum(nil)),
		Size:       size,
		VerifiedAt: time.Now().UTC(),
	})
}

// verifyArtifacts confirms every registered artifact still exists and is
// non-empty.
func verifyArtifacts(artifacts []*types.Artifact) []string {
	var reasons []string
	for _, a := range artifacts {
		info, err := os.Stat(a.Path)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("artifact %s missing: %v", a.Path, err))
			continue
		}
		if info.Size() == 0 {
			reasons = append(reasons, fmt.Sprintf("artifact %s is empty", a.Path))
		}
	}
	return reasons
}
