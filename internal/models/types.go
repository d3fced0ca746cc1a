// File: internal/models/types.go
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ewag/orthanc-client/internal/orthanc"
)

// SnapshotState is the lifecycle of a stored snapshot.
type SnapshotState string

const (
	StatePopulated  SnapshotState = "populated"
	StateSuperseded SnapshotState = "superseded" // replaced by the result of a modification
	StateDeleted    SnapshotState = "deleted"
)

// SnapshotRecord is a captured InstancesSet persisted between requests.
// Used by both API and Storage layers.
type SnapshotRecord struct {
	ID            uuid.UUID             `json:"id"`
	SetID         string                `json:"setId"` // display id of the set, not unique
	StudyID       string                `json:"studyId"`
	Groups        []orthanc.SeriesGroup `json:"groups"`
	InstanceCount int                   `json:"instanceCount"`
	State         SnapshotState         `json:"state"`
	SupersededBy  *uuid.UUID            `json:"supersededBy,omitempty"` // Use pointer for nullable DB field
	ParentID      *uuid.UUID            `json:"parentId,omitempty"`     // record this one was split from
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// NewSnapshotRecord captures the current content of set.
func NewSnapshotRecord(set *orthanc.InstancesSet) *SnapshotRecord {
	now := time.Now().UTC()
	return &SnapshotRecord{
		ID:            uuid.New(),
		SetID:         set.ID(),
		StudyID:       set.StudyID(),
		Groups:        set.Groups(),
		InstanceCount: set.Len(),
		State:         StatePopulated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Restore rebuilds the InstancesSet described by the record.
func (r *SnapshotRecord) Restore(c *orthanc.Client) *orthanc.InstancesSet {
	return orthanc.RestoreInstancesSet(c, r.StudyID, r.Groups)
}

// Update replaces the captured content with set, as after a filter.
func (r *SnapshotRecord) Update(set *orthanc.InstancesSet) {
	r.SetID = set.ID()
	r.Groups = set.Groups()
	r.InstanceCount = set.Len()
	r.UpdatedAt = time.Now().UTC()
}

// Active reports whether operations may still run on the record.
func (r *SnapshotRecord) Active() bool { return r.State == StatePopulated }
