// File: cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rollbar/rollbar-go"

	"github.com/ewag/orthanc-client/internal/api"
	"github.com/ewag/orthanc-client/internal/config"
	"github.com/ewag/orthanc-client/internal/logging"
	"github.com/ewag/orthanc-client/internal/orthanc"
	"github.com/ewag/orthanc-client/internal/storage"
)

func initOtelProvider(ctx context.Context, serviceName, serviceVersion, otelEndpoint string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel resource: %w", err)
	}

	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTLP endpoint %s: %w", otelEndpoint, err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	tracerProvider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(traceExporter)),
	)

	// orthanc.client.requests and orthanc.client.retries are exported here
	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	meterProvider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	shutdown = func(ctx context.Context) error {
		var shutdownErr error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("tracer provider shutdown failed: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("meter provider shutdown failed: %w", err))
		}
		if err := conn.Close(); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("grpc connection close failed: %w", err))
		}
		return shutdownErr
	}
	return shutdown, nil
}

func newOrthancClient(cfg *config.Config) *orthanc.Client {
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.HttpClientTimeout,
	}
	opts := []orthanc.ClientOption{
		orthanc.WithRetryPolicy(orthanc.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.RetryBackoff}),
		orthanc.WithPollingInterval(cfg.JobPollInterval),
	}
	if cfg.OrthancUser != "" {
		opts = append(opts, orthanc.WithBasicAuth(cfg.OrthancUser, cfg.OrthancPassword))
	}
	if cfg.OrthancAPIToken != "" {
		opts = append(opts, orthanc.WithAPIToken(cfg.OrthancAPIToken))
	}
	return orthanc.NewClientWithHttpClient(cfg.OrthancURL, httpClient, opts...)
}

func newStore(ctx context.Context, cfg *config.Config) (storage.SnapshotStore, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, snapshots are kept in memory")
		return storage.NewMemoryStore(), func() {}, nil
	}
	store, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func initErrorReporting(cfg *config.Config) {
	if cfg.RollbarToken == "" {
		return
	}
	rollbar.SetToken(cfg.RollbarToken)
	rollbar.SetEnvironment(cfg.RollbarEnvironment)
	rollbar.SetCodeVersion(cfg.OtelServiceVersion)
	rollbar.SetServerRoot("github.com/ewag/orthanc-client")
	api.ReportError = func(ctx context.Context, err error, args ...interface{}) {
		rollbar.Error(append([]interface{}{ctx, err}, args...)...)
	}
	slog.Info("Rollbar error tracking enabled", "environment", cfg.RollbarEnvironment)
}

func main() {
	if err := run(); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred flushes of logs, traces and
// error reports always happen.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		slog.Warn("Configuration value ignored", "detail", w)
	}

	if cfg.OtelEnabled {
		otelShutdown, err := initOtelProvider(ctx, cfg.OtelServiceName, cfg.OtelServiceVersion, cfg.OtelEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize OTel provider (Trace/Metrics): %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Error("OTel shutdown failed", "error", err)
			} else {
				slog.Info("OTel providers shut down successfully.")
			}
		}()
	} else {
		slog.Info("OpenTelemetry export disabled")
	}

	initErrorReporting(cfg)
	defer rollbar.Close()

	orthancClient := newOrthancClient(cfg)
	if !orthancClient.WaitStarted(ctx, 30*time.Second) {
		slog.Warn("Orthanc did not answer at startup, continuing", "url", cfg.OrthancURL)
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	defer closeStore()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"} // Adjust for production
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))
	router.Use(otelgin.Middleware(cfg.OtelServiceName))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.RegisterRoutes(router, orthancClient, store, cfg.ExportDir)
	if cfg.ExportDir == "" {
		slog.Info("EXPORT_DIR not set, archives can only be written to gs:// destinations")
	}

	slog.Info("Starting server", "address", cfg.ListenAddress, "orthanc", orthancClient.String())
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}
	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen failed: %w", err)
	case <-ctx.Done():
	}
	stop()
	slog.Info("Shutting down gracefully, press Ctrl+C again to force")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("Server exiting")
	return nil
}
