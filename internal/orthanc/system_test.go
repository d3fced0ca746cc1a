package orthanc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewag/orthanc-client/internal/orthanc/orthanctest"
)

func TestUpload(t *testing.T) {
	srv, c := newTestClient(t)
	ctx := context.Background()

	ids, err := c.Upload(ctx, orthanctest.DicomBytes("first"), false)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, srv.HasInstance(ids[0]))

	again, err := c.Upload(ctx, orthanctest.DicomBytes("first"), false)
	require.NoError(t, err)
	assert.Equal(t, ids, again)
}

func TestUpload_BadFileFormat(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Upload(ctx, []byte("not a dicom file"), false)
	require.ErrorIs(t, err, ErrBadFileFormat)

	ids, err := c.Upload(ctx, []byte("not a dicom file"), true)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpload_ZipAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"ID":"i1","Path":"/instances/i1"},{"ID":"i2","Path":"/instances/i2"}]`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, time.Second)
	ids, err := c.Upload(context.Background(), []byte("PK"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, ids)
}

func TestUploadFile(t *testing.T) {
	srv, c := newTestClient(t)
	path := filepath.Join(t.TempDir(), "one.dcm")
	require.NoError(t, os.WriteFile(path, orthanctest.DicomBytes("disk"), 0o600))

	ids, err := c.UploadFile(context.Background(), path, false)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, 1, srv.InstanceCount())

	_, err = c.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.dcm"), false)
	require.Error(t, err)
}

func TestChanges(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	changes, last, done, err := c.Changes(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.False(t, done)
	assert.Equal(t, int64(2), last)
	assert.Equal(t, ChangeNewPatient, changes[0].ChangeType)
	assert.False(t, changes[0].Timestamp.IsZero())

	rest, last, done, err := c.Changes(ctx, last, 100)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(4), last)
	require.Len(t, rest, 2)
	assert.Equal(t, ChangeNewInstance, rest[1].ChangeType)
	assert.Equal(t, "a1", rest[1].ResourceID)
}

func TestStatistics(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1", "a2")
	srv.AddInstances("S", "B", "b1")
	ctx := context.Background()

	st, err := c.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CountPatients)
	assert.Equal(t, 1, st.CountStudies)
	assert.Equal(t, 2, st.CountSeries)
	assert.Equal(t, 3, st.CountInstances)

	rs, err := c.Series.Statistics(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, rs.CountInstances)
}

func TestTransfers_Send(t *testing.T) {
	srv, c := newTestClient(t)
	srv.AddInstances("S", "A", "a1")
	ctx := context.Background()

	require.NoError(t, c.Transfers.Send(ctx, "peer", LevelStudy, []string{"S"}, true, 0))

	srv.SetJobScript("Running", "Failure")
	err := c.Transfers.Send(ctx, "peer", LevelStudy, []string{"S"}, false, 0)
	require.ErrorIs(t, err, ErrJobFailed)

	res, err := c.Transfers.SendAsync(ctx, "pull-peer", LevelStudy, []string{"S"}, false)
	require.NoError(t, err)
	require.NotNil(t, res.RemoteJob)
	assert.Nil(t, res.Job)
	require.Error(t, c.Transfers.Send(ctx, "pull-peer", LevelStudy, []string{"S"}, false, 0))
}
