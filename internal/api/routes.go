package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/ewag/orthanc-client/internal/logging"
	"github.com/ewag/orthanc-client/internal/orthanc"
	"github.com/ewag/orthanc-client/internal/storage"
)

// RegisterRoutes sets up the API routes
func RegisterRoutes(router *gin.Engine, orthancClient *orthanc.Client, store storage.SnapshotStore, exportDir string) {
	handler := NewAPIHandler(orthancClient, store, exportDir)

	router.Use(requestAttrs())
	router.GET("/healthz", handler.HealthCheckHandler)
	router.GET("/readyz", handler.ReadyHandler)

	v1 := router.Group("/api/v1")
	{
		images := v1.Group("/images")
		{
			images.GET("/studies", handler.ListStudiesHandler)
		}

		snapshots := v1.Group("/snapshots")
		{
			snapshots.POST("", handler.CreateSnapshotHandler)
			snapshots.GET("", handler.ListSnapshotsHandler)
			snapshots.GET("/:id", handler.GetSnapshotHandler)
			snapshots.DELETE("/:id", handler.DeleteSnapshotHandler)
			snapshots.POST("/:id/modify", handler.ModifySnapshotHandler)
			snapshots.POST("/:id/filter", handler.FilterSnapshotHandler)
			snapshots.POST("/:id/archive", handler.ArchiveSnapshotHandler)
			snapshots.GET("/:id/archive", handler.DownloadSnapshotHandler)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("/:id", handler.GetJobHandler)
			jobs.POST("/:id/:action", handler.JobActionHandler)
		}
	}
}

// requestAttrs tags every log record of a request with its route.
func requestAttrs() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.AppendCtx(c.Request.Context(),
			slog.Group("request", slog.String("method", c.Request.Method), slog.String("route", c.FullPath())))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
