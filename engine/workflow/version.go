package workflow

import "context"

// VersionManager records immutable, numbered snapshots of workflow
// definitions. It has no restore operation, and executions load the live
// definition rather than a recorded version.
type VersionManager struct {
	repo *Repository
}

// NewVersionManager builds a VersionManager backed by repo.
func NewVersionManager(repo *Repository) *VersionManager {
	return &VersionManager{repo: repo}
}

// Publish snapshots def as the new current version of its workflow,
// superseding whatever version was previously marked current.
func (m *VersionManager) Publish(ctx context.Context, def Definition) error {
	return m.repo.SnapshotVersion(ctx, def)
}
