package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	models "github.com/ewag/orthanc-client/internal/models"
	"github.com/ewag/orthanc-client/internal/orthanc"
)

func sampleRecord(studyID string, created time.Time) *models.SnapshotRecord {
	return &models.SnapshotRecord{
		ID:      uuid.New(),
		SetID:   "ABCDEF0123",
		StudyID: studyID,
		Groups: []orthanc.SeriesGroup{
			{SeriesID: "A", InstanceIDs: []string{"a1", "a2"}},
			{SeriesID: "B", InstanceIDs: []string{"b1"}},
		},
		InstanceCount: 3,
		State:         models.StatePopulated,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

// exerciseStore runs the behaviour every SnapshotStore must share.
func exerciseStore(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	_, found, err := store.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, found)

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := sampleRecord("S-"+uuid.NewString(), base)
	second := sampleRecord(first.StudyID, base.Add(time.Second))
	other := sampleRecord("T-"+uuid.NewString(), base)
	for _, rec := range []*models.SnapshotRecord{second, first, other} {
		require.NoError(t, store.Save(ctx, rec))
	}

	got, found, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.Groups, got.Groups)
	assert.Equal(t, first.StudyID, got.StudyID)
	assert.Nil(t, got.SupersededBy)

	// upsert
	got.State = models.StateSuperseded
	got.SupersededBy = &second.ID
	require.NoError(t, store.Save(ctx, got))
	again, _, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuperseded, again.State)
	require.NotNil(t, again.SupersededBy)
	assert.Equal(t, second.ID, *again.SupersededBy)

	list, err := store.List(ctx, first.StudyID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_DoesNotAliasGroups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	rec := sampleRecord("S", time.Now())
	require.NoError(t, store.Save(ctx, rec))

	rec.Groups[0].InstanceIDs[0] = "changed"
	got, _, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.Groups[0].InstanceIDs[0])

	got.Groups[0].InstanceIDs[1] = "changed"
	again, _, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "a2", again.Groups[0].InstanceIDs[1])
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	exerciseStore(t, store)
}
