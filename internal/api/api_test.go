package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	models "github.com/ewag/orthanc-client/internal/models"
	"github.com/ewag/orthanc-client/internal/orthanc"
	"github.com/ewag/orthanc-client/internal/orthanc/orthanctest"
	"github.com/ewag/orthanc-client/internal/storage"
)

func newTestRouter(t *testing.T, store storage.SnapshotStore) (*orthanctest.Server, *gin.Engine) {
	t.Helper()
	return newExportRouter(t, store, "")
}

// newExportRouter is newTestRouter with local archives confined to exportDir.
func newExportRouter(t *testing.T, store storage.SnapshotStore, exportDir string) (*orthanctest.Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := orthanctest.New(t)
	client := orthanc.NewClient(srv.URL, 5*time.Second,
		orthanc.WithRetryPolicy(orthanc.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond}),
		orthanc.WithPollingInterval(5*time.Millisecond))
	if store == nil {
		store = storage.NewMemoryStore()
	}
	router := gin.New()
	RegisterRoutes(router, client, store, exportDir)
	return srv, router
}

func seedStudy(srv *orthanctest.Server) {
	srv.AddInstances("S", "A", "a1", "a2")
	srv.AddInstances("S", "B", "b1")
}

func perform(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func createSnapshot(t *testing.T, router *gin.Engine, studyID string) models.SnapshotRecord {
	t.Helper()
	w := perform(t, router, http.MethodPost, "/api/v1/snapshots", gin.H{"studyId": studyID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.SnapshotRecord](t, w)
}

func TestHealthz(t *testing.T) {
	_, router := newTestRouter(t, nil)
	w := perform(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReadyz(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	w := perform(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	srv.Close()
	w = perform(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")
}

func TestListStudies(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	srv.AddInstances("T", "C", "c1")

	w := perform(t, router, http.MethodGet, "/api/v1/images/studies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Studies []string `json:"studies"`
	}](t, w)
	assert.ElementsMatch(t, []string{"S", "T"}, got.Studies)
}

func TestSnapshot_CreateGetList(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)

	rec := createSnapshot(t, router, "S")
	assert.Equal(t, "S", rec.StudyID)
	assert.Equal(t, 3, rec.InstanceCount)
	assert.Equal(t, models.StatePopulated, rec.State)
	assert.Len(t, rec.SetID, 10)
	require.Len(t, rec.Groups, 2)

	w := perform(t, router, http.MethodGet, "/api/v1/snapshots/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.SnapshotRecord](t, w)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Groups, got.Groups)

	series := perform(t, router, http.MethodPost, "/api/v1/snapshots", gin.H{"seriesId": "B"})
	require.Equal(t, http.StatusCreated, series.Code)
	assert.Equal(t, 1, decode[models.SnapshotRecord](t, series).InstanceCount)

	w = perform(t, router, http.MethodGet, "/api/v1/snapshots?studyId=S", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Snapshots []models.SnapshotRecord `json:"snapshots"`
	}](t, w)
	assert.Len(t, list.Snapshots, 2)

	w = perform(t, router, http.MethodGet, "/api/v1/snapshots?studyId=none", nil)
	assert.JSONEq(t, `{"snapshots":[]}`, w.Body.String())
}

func TestSnapshot_CreateInvalid(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)

	for name, body := range map[string]any{
		"empty":     gin.H{},
		"two kinds": gin.H{"studyId": "S", "seriesId": "A"},
	} {
		t.Run(name, func(t *testing.T) {
			w := perform(t, router, http.MethodPost, "/api/v1/snapshots", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid", decode[errorResponse](t, w).Code)
		})
	}

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots", gin.H{"studyId": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshot_GetUnknown(t *testing.T) {
	_, router := newTestRouter(t, nil)
	w := perform(t, router, http.MethodGet, "/api/v1/snapshots/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(t, router, http.MethodGet, "/api/v1/snapshots/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type modifyResponse struct {
	Snapshot models.SnapshotRecord `json:"snapshot"`
	Previous models.SnapshotRecord `json:"previous"`
}

func TestSnapshot_Modify(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/modify",
		gin.H{"replace": gin.H{"PatientName": "ANON"}, "keepSource": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[modifyResponse](t, w)

	assert.Equal(t, "mod-S", got.Snapshot.StudyID)
	assert.Equal(t, 3, got.Snapshot.InstanceCount)
	require.NotNil(t, got.Snapshot.ParentID)
	assert.Equal(t, rec.ID, *got.Snapshot.ParentID)
	assert.Equal(t, models.StateSuperseded, got.Previous.State)
	require.NotNil(t, got.Previous.SupersededBy)
	assert.Equal(t, got.Snapshot.ID, *got.Previous.SupersededBy)

	assert.False(t, srv.HasInstance("a1"))
	assert.True(t, srv.HasInstance("mod-a1"))

	// the superseded record cannot be used again
	w = perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/modify", gin.H{})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSnapshot_ModifyMismatch(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")

	srv.OnBulk(func(_ string, _ orthanctest.BulkRequest, refs []orthanctest.Ref) []orthanctest.Ref {
		for i, ref := range refs {
			if ref.Type == "Instance" {
				return append(refs[:i:i], refs[i+1:]...)
			}
		}
		return refs
	})

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/modify", gin.H{"force": true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "snapshot_mismatch", decode[errorResponse](t, w).Code)

	w = perform(t, router, http.MethodGet, "/api/v1/snapshots/"+rec.ID.String(), nil)
	assert.Equal(t, models.StatePopulated, decode[models.SnapshotRecord](t, w).State)
}

func TestSnapshot_ModifyJobFailure(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")
	srv.SetJobScript("Running", "Failure")

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/modify", gin.H{})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "job_failed", decode[errorResponse](t, w).Code)
}

func TestSnapshot_Filter(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/filter",
		gin.H{"seriesIds": []string{"A"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[struct {
		Snapshot models.SnapshotRecord  `json:"snapshot"`
		Removed  *models.SnapshotRecord `json:"removed"`
	}](t, w)

	assert.Equal(t, 2, got.Snapshot.InstanceCount)
	assert.NotEqual(t, rec.SetID, got.Snapshot.SetID)
	require.NotNil(t, got.Removed)
	assert.Equal(t, 1, got.Removed.InstanceCount)
	assert.Equal(t, []orthanc.SeriesGroup{{SeriesID: "B", InstanceIDs: []string{"b1"}}}, got.Removed.Groups)
	require.NotNil(t, got.Removed.ParentID)
	assert.Equal(t, rec.ID, *got.Removed.ParentID)

	// filtering never touches the server
	assert.Equal(t, 3, srv.InstanceCount())

	w = perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/filter", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshot_DeleteOnlyCapturedInstances(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")

	// arrives after the capture
	srv.AddInstances("S", "A", "a3")

	w := perform(t, router, http.MethodDelete, "/api/v1/snapshots/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StateDeleted, decode[models.SnapshotRecord](t, w).State)

	for _, id := range []string{"a1", "a2", "b1"} {
		assert.False(t, srv.HasInstance(id), id)
	}
	assert.True(t, srv.HasInstance("a3"))

	w = perform(t, router, http.MethodDelete, "/api/v1/snapshots/"+rec.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSnapshot_Archive(t *testing.T) {
	dir := t.TempDir()
	srv, router := newExportRouter(t, nil, dir)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")

	for _, media := range []bool{false, true} {
		t.Run(fmt.Sprintf("media=%v", media), func(t *testing.T) {
			rel := filepath.Join("out", fmt.Sprintf("%v.zip", media))
			dest := filepath.Join(dir, rel)
			w := perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/archive",
				gin.H{"destination": rel, "media": media})
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, dest, decode[map[string]any](t, w)["location"])

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			kind := "archive"
			if media {
				kind = "media"
			}
			assert.Equal(t, "PK\x03\x04"+kind+":a1,a2,b1", string(data))
		})
	}
}

func TestSnapshot_ArchiveFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	srv, router := newExportRouter(t, nil, dir)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")
	srv.RemoveInstance("a2")

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/archive",
		gin.H{"destination": "S.zip"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	w = perform(t, router, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/archive",
		gin.H{"destination": "gs://bucket-only"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshot_ArchiveStaysInExportDir(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "exports")
	require.NoError(t, os.Mkdir(dir, 0o755))
	srv, router := newExportRouter(t, nil, dir)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")
	path := "/api/v1/snapshots/" + rec.ID.String() + "/archive"

	for _, dest := range []string{
		"../escape.zip",
		"out/../../escape.zip",
		filepath.Join(parent, "absolute.zip"),
	} {
		w := perform(t, router, http.MethodPost, path, gin.H{"destination": dest})
		assert.Equal(t, http.StatusBadRequest, w.Code, dest)
		assert.Equal(t, "invalid", decode[map[string]any](t, w)["code"], dest)
	}
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exports", entries[0].Name())

	// without an export directory only gs:// is accepted
	remoteSrv, remoteOnly := newTestRouter(t, nil)
	seedStudy(remoteSrv)
	rec = createSnapshot(t, remoteOnly, "S")
	w := perform(t, remoteOnly, http.MethodPost, "/api/v1/snapshots/"+rec.ID.String()+"/archive",
		gin.H{"destination": filepath.Join(parent, "S.zip")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, err = os.Stat(filepath.Join(parent, "S.zip"))
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshot_Download(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	seedStudy(srv)
	rec := createSnapshot(t, router, "S")

	w := perform(t, router, http.MethodGet, "/api/v1/snapshots/"+rec.ID.String()+"/archive", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "PK\x03\x04"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), rec.SetID)

	srv.RemoveInstance("b1")
	w = perform(t, router, http.MethodGet, "/api/v1/snapshots/"+rec.ID.String()+"/archive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs(t *testing.T) {
	srv, router := newTestRouter(t, nil)
	srv.AddJob("job-x", "Test", gin.H{}, "Running")

	w := perform(t, router, http.MethodGet, "/api/v1/jobs/job-x", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[orthanc.JobInfo](t, w)
	assert.Equal(t, orthanc.JobRunning, info.State)

	w = perform(t, router, http.MethodPost, "/api/v1/jobs/job-x/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"job-x/cancel"}, srv.JobActions())

	w = perform(t, router, http.MethodPost, "/api/v1/jobs/job-x/explode", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(t, router, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorStatusCode(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("lookup: %w", orthanc.ErrResourceNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("x: %w", ErrSnapshotNotFound), http.StatusNotFound, "not_found"},
		{orthanc.ErrConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("set: %w", orthanc.ErrSnapshotMismatch), http.StatusConflict, "snapshot_mismatch"},
		{orthanc.ErrNotAuthorized, http.StatusBadGateway, "upstream_unauthorized"},
		{&orthanc.JobError{JobID: "j"}, http.StatusBadGateway, "job_failed"},
		{fmt.Errorf("get: %w", orthanc.ErrTimeout), http.StatusServiceUnavailable, "unavailable"},
		{orthanc.ErrConnection, http.StatusServiceUnavailable, "unavailable"},
		{orthanc.ErrSSL, http.StatusServiceUnavailable, "unavailable"},
		{orthanc.ErrResponseRead, http.StatusBadGateway, "upstream_read_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := ErrorStatusCode(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

type failingStore struct {
	storage.SnapshotStore
	err error
}

func (f failingStore) Save(context.Context, *models.SnapshotRecord) error { return f.err }
func (f failingStore) Ping(context.Context) error                         { return f.err }

func TestInternalErrorsAreReported(t *testing.T) {
	var reported []error
	prev := ReportError
	ReportError = func(_ context.Context, err error, _ ...interface{}) { reported = append(reported, err) }
	t.Cleanup(func() { ReportError = prev })

	dbDown := errors.New("database unavailable")
	srv, router := newTestRouter(t, failingStore{SnapshotStore: storage.NewMemoryStore(), err: dbDown})
	seedStudy(srv)

	w := perform(t, router, http.MethodPost, "/api/v1/snapshots", gin.H{"studyId": "S"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], dbDown)

	w = perform(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// expected failures are not reported
	w = perform(t, router, http.MethodGet, "/api/v1/snapshots/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, reported, 1)
}
