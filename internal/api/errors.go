package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ewag/orthanc-client/internal/orthanc"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrSnapshotInactive = errors.New("snapshot is no longer active")
	ErrInvalidRequest   = errors.New("invalid request")
)

var errorCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orthanc_client_http_error_count",
		Help: "Total number of errors by error code",
	},
	[]string{"code"},
)

// ReportError forwards unexpected errors to an external tracker. It is
// replaced at startup when one is configured.
var ReportError = func(ctx context.Context, err error, args ...interface{}) {}

// codes is checked in order, the first kind matching with errors.Is wins.
var codes = []struct {
	kind   error
	status int
	code   string
}{
	{ErrInvalidRequest, http.StatusBadRequest, "invalid"},
	{ErrSnapshotNotFound, http.StatusNotFound, "not_found"},
	{orthanc.ErrResourceNotFound, http.StatusNotFound, "not_found"},
	{ErrSnapshotInactive, http.StatusConflict, "conflict"},
	{orthanc.ErrSetDeleted, http.StatusConflict, "conflict"},
	{orthanc.ErrConflict, http.StatusConflict, "conflict"},
	{orthanc.ErrSnapshotMismatch, http.StatusConflict, "snapshot_mismatch"},
	{orthanc.ErrBadFileFormat, http.StatusBadRequest, "bad_file_format"},
	{orthanc.ErrNotAuthorized, http.StatusBadGateway, "upstream_unauthorized"},
	{orthanc.ErrForbidden, http.StatusBadGateway, "upstream_unauthorized"},
	{orthanc.ErrJobFailed, http.StatusBadGateway, "job_failed"},
	{orthanc.ErrConnection, http.StatusServiceUnavailable, "unavailable"},
	{orthanc.ErrTimeout, http.StatusServiceUnavailable, "unavailable"},
	{orthanc.ErrSSL, http.StatusServiceUnavailable, "unavailable"},
	{orthanc.ErrResponseRead, http.StatusBadGateway, "upstream_read_failed"},
}

// ErrorStatusCode returns the HTTP status and error code for err.
func ErrorStatusCode(err error) (int, string) {
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// Error writes err as a JSON error response.
func Error(c *gin.Context, err error) {
	ctx := c.Request.Context()
	status, code := ErrorStatusCode(err)
	errorCount.WithLabelValues(code).Inc()

	if code == "internal" {
		ReportError(ctx, err, c.Request)
		slog.ErrorContext(ctx, "Request failed", "status", status, "error", err)
	} else {
		slog.WarnContext(ctx, "Request failed", "status", status, "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}
