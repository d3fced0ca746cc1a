package storage

import (
	"context"

	"github.com/google/uuid"

	models "github.com/ewag/orthanc-client/internal/models"
)

// SnapshotStore persists snapshot records.
type SnapshotStore interface {
	// Get returns the record, a boolean indicating if found, and any error.
	Get(ctx context.Context, id uuid.UUID) (*models.SnapshotRecord, bool, error)
	// Save inserts or replaces the record.
	Save(ctx context.Context, rec *models.SnapshotRecord) error
	// List returns the records of a study, oldest first. An empty studyID lists all.
	List(ctx context.Context, studyID string) ([]*models.SnapshotRecord, error)
	Ping(ctx context.Context) error
}
