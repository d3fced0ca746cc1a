package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	models "github.com/ewag/orthanc-client/internal/models"
	"github.com/ewag/orthanc-client/internal/orthanc"
)

// MemoryStore keeps records in process memory.
// NOTE: In a real multi-replica setup, this needs the Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex // Read-Write mutex to protect concurrent access
	records map[uuid.UUID]models.SnapshotRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]models.SnapshotRecord)}
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.SnapshotRecord, bool, error) {
	s.mu.RLock()
	rec, found := s.records[id]
	s.mu.RUnlock()
	if !found {
		return nil, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) Save(_ context.Context, rec *models.SnapshotRecord) error {
	s.mu.Lock()
	s.records[rec.ID] = *cloneRecord(*rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context, studyID string) ([]*models.SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SnapshotRecord
	for _, rec := range s.records {
		if studyID == "" || rec.StudyID == studyID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// cloneRecord copies the groups so callers cannot alias stored state.
func cloneRecord(rec models.SnapshotRecord) *models.SnapshotRecord {
	groups := make([]orthanc.SeriesGroup, len(rec.Groups))
	for i, g := range rec.Groups {
		groups[i] = orthanc.SeriesGroup{SeriesID: g.SeriesID, InstanceIDs: append([]string(nil), g.InstanceIDs...)}
	}
	rec.Groups = groups
	return &rec
}
