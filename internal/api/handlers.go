package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ewag/orthanc-client/internal/export"
	models "github.com/ewag/orthanc-client/internal/models"
	"github.com/ewag/orthanc-client/internal/orthanc"
	"github.com/ewag/orthanc-client/internal/storage"
)

// APIHandler holds dependencies for API handlers
type APIHandler struct {
	orthancClient *orthanc.Client
	store         storage.SnapshotStore
	exporter      *export.Opener
}

// NewAPIHandler creates a new handler instance. Local archive destinations
// are confined to exportDir; an empty exportDir accepts gs:// only.
func NewAPIHandler(orthancClient *orthanc.Client, store storage.SnapshotStore, exportDir string) *APIHandler {
	return &APIHandler{
		orthancClient: orthancClient,
		store:         store,
		exporter:      &export.Opener{Root: exportDir, RemoteOnly: exportDir == ""},
	}
}

// HealthCheckHandler handles health check requests
func (h *APIHandler) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadyHandler reports whether Orthanc and the snapshot store answer.
func (h *APIHandler) ReadyHandler(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{"orthanc": "ok", "store": "ok"}
	ready := true
	if !h.orthancClient.IsAlive(ctx, 2*time.Second) {
		status["orthanc"] = "unreachable"
		ready = false
	}
	if err := h.store.Ping(ctx); err != nil {
		status["store"] = err.Error()
		ready = false
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListStudiesHandler handles requests to list studies
func (h *APIHandler) ListStudiesHandler(c *gin.Context) {
	studies, err := h.orthancClient.Studies.AllIDs(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"studies": studies})
}

type createSnapshotRequest struct {
	StudyID    string `json:"studyId"`
	SeriesID   string `json:"seriesId"`
	InstanceID string `json:"instanceId"`
}

// CreateSnapshotHandler captures the instances of a study, series or
// instance and stores the resulting set.
func (h *APIHandler) CreateSnapshotHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var req createSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	var (
		set *orthanc.InstancesSet
		err error
	)
	switch {
	case req.StudyID != "" && req.SeriesID == "" && req.InstanceID == "":
		set, err = orthanc.SnapshotStudy(ctx, h.orthancClient, req.StudyID)
	case req.SeriesID != "" && req.StudyID == "" && req.InstanceID == "":
		set, err = orthanc.SnapshotSeries(ctx, h.orthancClient, req.SeriesID)
	case req.InstanceID != "" && req.StudyID == "" && req.SeriesID == "":
		set, err = orthanc.SnapshotInstance(ctx, h.orthancClient, req.InstanceID)
	default:
		err = fmt.Errorf("%w: exactly one of studyId, seriesId or instanceId is required", ErrInvalidRequest)
	}
	if err != nil {
		Error(c, err)
		return
	}

	rec := models.NewSnapshotRecord(set)
	if err := h.store.Save(ctx, rec); err != nil {
		Error(c, err)
		return
	}
	slog.InfoContext(ctx, "Snapshot captured", "snapshotID", rec.ID, "setID", rec.SetID, "instanceCount", rec.InstanceCount)
	c.JSON(http.StatusCreated, rec)
}

// GetSnapshotHandler returns one snapshot record.
func (h *APIHandler) GetSnapshotHandler(c *gin.Context) {
	rec, err := h.loadRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListSnapshotsHandler lists records, optionally of one study.
func (h *APIHandler) ListSnapshotsHandler(c *gin.Context) {
	records, err := h.store.List(c.Request.Context(), c.Query("studyId"))
	if err != nil {
		Error(c, err)
		return
	}
	if records == nil {
		records = []*models.SnapshotRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": records})
}

type modifyRequest struct {
	Replace    map[string]any `json:"replace"`
	Remove     []string       `json:"remove"`
	Keep       []string       `json:"keep"`
	KeepSource *bool          `json:"keepSource"`
	Force      bool           `json:"force"`
	Transcode  string         `json:"transcode"`
	Permissive bool           `json:"permissive"`
}

func (r modifyRequest) options() orthanc.ModifyOptions {
	return orthanc.ModifyOptions{
		Replace:        r.Replace,
		Remove:         r.Remove,
		Keep:           r.Keep,
		DeleteOriginal: r.KeepSource != nil && !*r.KeepSource,
		Force:          r.Force,
		Transcode:      r.Transcode,
		Permissive:     r.Permissive,
	}
}

// ModifySnapshotHandler modifies the captured instances. The result is
// stored as a new record and the old one is marked superseded.
func (h *APIHandler) ModifySnapshotHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	rec, err := h.loadActiveRecord(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	modified, err := rec.Restore(h.orthancClient).Modify(ctx, req.options())
	if err != nil {
		Error(c, err)
		return
	}

	next := models.NewSnapshotRecord(modified)
	next.ParentID = &rec.ID
	if err := h.store.Save(ctx, next); err != nil {
		Error(c, err)
		return
	}
	rec.State = models.StateSuperseded
	rec.SupersededBy = &next.ID
	rec.UpdatedAt = next.CreatedAt
	if err := h.store.Save(ctx, rec); err != nil {
		Error(c, err)
		return
	}
	slog.InfoContext(ctx, "Snapshot modified", "snapshotID", rec.ID, "modifiedSnapshotID", next.ID, "studyID", next.StudyID)
	c.JSON(http.StatusOK, gin.H{"snapshot": next, "previous": rec})
}

type filterRequest struct {
	SeriesIDs []string `json:"seriesIds" binding:"required"`
}

// FilterSnapshotHandler keeps the instances of the listed series. The
// instances filtered out are stored as a separate record.
func (h *APIHandler) FilterSnapshotHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	rec, err := h.loadActiveRecord(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	set := rec.Restore(h.orthancClient)
	removed, err := set.FilterInstances(ctx, set.KeepSeries(req.SeriesIDs...))
	if err != nil {
		Error(c, err)
		return
	}

	var removedRec *models.SnapshotRecord
	if !removed.IsEmpty() {
		removedRec = models.NewSnapshotRecord(removed)
		removedRec.ParentID = &rec.ID
		if err := h.store.Save(ctx, removedRec); err != nil {
			Error(c, err)
			return
		}
	}
	rec.Update(set)
	if err := h.store.Save(ctx, rec); err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": rec, "removed": removedRec})
}

// DeleteSnapshotHandler deletes exactly the captured instances.
func (h *APIHandler) DeleteSnapshotHandler(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.loadActiveRecord(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	if rec.InstanceCount > 0 {
		if err := rec.Restore(h.orthancClient).Delete(ctx); err != nil {
			Error(c, err)
			return
		}
	}
	rec.State = models.StateDeleted
	rec.UpdatedAt = time.Now().UTC()
	if err := h.store.Save(ctx, rec); err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type archiveRequest struct {
	Destination string `json:"destination" binding:"required"`
	Media       bool   `json:"media"`
}

// ArchiveSnapshotHandler writes the captured instances as a zip archive,
// or a DICOMDIR media when requested, to a GCS object or a path relative
// to the export directory.
func (h *APIHandler) ArchiveSnapshotHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	rec, err := h.loadActiveRecord(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}

	set := rec.Restore(h.orthancClient)
	write := set.WriteArchive
	if req.Media {
		write = set.WriteMedia
	}

	w, err := h.exporter.Open(ctx, req.Destination)
	if err != nil {
		Error(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	n, err := write(ctx, w)
	if err != nil {
		w.Abort()
		Error(c, err)
		return
	}
	if err := w.Commit(); err != nil {
		Error(c, err)
		return
	}
	slog.InfoContext(ctx, "Snapshot archived", "snapshotID", rec.ID, "location", w.Location(), "bytes", n)
	c.JSON(http.StatusOK, gin.H{"location": w.Location(), "bytes": n, "media": req.Media})
}

// DownloadSnapshotHandler streams the archive of the captured instances.
func (h *APIHandler) DownloadSnapshotHandler(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.loadActiveRecord(ctx, c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	// a failure before the first byte still gets a JSON error
	pr, pw := io.Pipe()
	go func() {
		_, err := rec.Restore(h.orthancClient).WriteArchive(ctx, pw)
		pw.CloseWithError(err)
	}()
	first := make([]byte, 4096)
	n, err := io.ReadAtLeast(pr, first, 1)
	if err != nil {
		pr.Close()
		Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, rec.SetID))
	c.Status(http.StatusOK)
	c.Writer.Header().Set("Content-Type", "application/zip")
	c.Writer.Write(first[:n])
	if _, err := io.Copy(c.Writer, pr); err != nil {
		slog.WarnContext(ctx, "Archive stream interrupted", "snapshotID", rec.ID, "error", err)
	}
}

// GetJobHandler returns the current status of an Orthanc job.
func (h *APIHandler) GetJobHandler(c *gin.Context) {
	info, err := h.orthancClient.Jobs.Get(c.Param("id")).Refresh(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// JobActionHandler runs cancel, pause, resume or resubmit on a job.
func (h *APIHandler) JobActionHandler(c *gin.Context) {
	action := c.Param("action")
	switch action {
	case "cancel", "pause", "resume", "resubmit":
	default:
		Error(c, fmt.Errorf("%w: unknown job action %q", ErrInvalidRequest, action))
		return
	}
	if err := h.orthancClient.Jobs.Get(c.Param("id")).Action(c.Request.Context(), action); err != nil {
		Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "action": action})
}

func (h *APIHandler) loadRecord(ctx context.Context, rawID string) (*models.SnapshotRecord, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot id %q: %v", ErrInvalidRequest, rawID, err)
	}
	rec, found, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return rec, nil
}

func (h *APIHandler) loadActiveRecord(ctx context.Context, rawID string) (*models.SnapshotRecord, error) {
	rec, err := h.loadRecord(ctx, rawID)
	if err != nil {
		return nil, err
	}
	if !rec.Active() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSnapshotInactive, rec.ID, rec.State)
	}
	return rec, nil
}
