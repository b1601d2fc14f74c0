package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/buffer"
	pkgconfig "github.com/mjasion/balena-home/pkg/config"
	pkgmetrics "github.com/mjasion/balena-home/pkg/metrics"
	"github.com/mjasion/balena-home/pkg/profiling"
	"github.com/mjasion/balena-home/pkg/storage"
	"github.com/mjasion/balena-home/pkg/telemetry"
	"github.com/mjasion/balena-home/tibber_metric/collection"
	"github.com/mjasion/balena-home/tibber_metric/config"
	"github.com/mjasion/balena-home/tibber_metric/heartbeat"
	"github.com/mjasion/balena-home/tibber_metric/metrics"
	"github.com/mjasion/balena-home/tibber_metric/tibber"
)

func main() {
	if code := run(); code != 0 {
		os.Exit(code)
	}
}

func run() int {
	// Parse command-line flags
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single collection and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Loading configuration", zap.String("path", *configPath))
	logger.Info("Configuration loaded successfully", zap.Any("config", cfg.Redacted()))

	// Initialize Pyroscope profiling
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Error("Failed to initialize profiler", zap.Error(err))
		return 1
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("Error shutting down profiler", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry providers
	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry providers", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down OpenTelemetry providers", zap.Error(err))
		}
	}()

	// Initialize components
	logger.Info("Initializing components",
		zap.String("tibberUrl", cfg.Tibber.URL),
		zap.String("storageBackend", cfg.Storage.Backend),
		zap.Int("maxConcurrentQueries", cfg.MaxConcurrentQueries))

	client := tibber.New(tibber.Config{
		URL:     cfg.Tibber.URL,
		Token:   cfg.Tibber.Token,
		HomeID:  cfg.Tibber.HomeID,
		Timeout: cfg.Tibber.Timeout(),
	}, logger)
	connector := collection.ConnectorFunc(func(ctx context.Context) (collection.Session, error) {
		home, err := client.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return home, nil
	})

	writer, closeWriter := newWriter(ctx, &cfg.Storage, logger)
	defer closeWriter()

	collector := collection.New(connector, writer, collection.Config{
		MaxConcurrentQueries: cfg.MaxConcurrentQueries,
	}, logger)

	history := buffer.New[*collection.Report](cfg.HistorySize, logger)
	runMetrics := metrics.NewRunMetrics()
	pinger := heartbeat.New(cfg.HeartbeatURL, 10*time.Second, logger)
	tracer := otel.Tracer("tibber-metric")

	cycle := func(ctx context.Context) error {
		return handleCollect(ctx, collector, history, runMetrics, pinger, logger, tracer)
	}

	if *once {
		if err := cycle(ctx); err != nil {
			return 1
		}
		return 0
	}

	healthChecker := metrics.NewHealthChecker(
		history,
		runMetrics,
		cfg.ScheduleInterval(),
		cfg.HealthCheckPort,
		logger,
	)
	logger.Info("Components initialized successfully",
		zap.Int("healthCheckPort", cfg.HealthCheckPort))

	// Start health check server in background
	go func() {
		if err := healthChecker.Start(); err != nil {
			logger.Error("Health check server error", zap.Error(err))
		}
	}()

	// Set up context for graceful shutdown
	appCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger))),
		cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(logger))),
	))
	if _, err := scheduler.AddFunc(cfg.Schedule, func() { _ = cycle(appCtx) }); err != nil {
		logger.Error("Failed to schedule collection", zap.String("schedule", cfg.Schedule), zap.Error(err))
		return 1
	}

	// Collect once right away instead of waiting for the first tick
	go func() { _ = cycle(appCtx) }()
	scheduler.Start()

	logger.Info("Service started",
		zap.String("schedule", cfg.Schedule),
		zap.Duration("scheduleInterval", cfg.ScheduleInterval()))

	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()
	<-scheduler.Stop().Done()
	if err := healthChecker.Stop(); err != nil {
		logger.Error("Error stopping health check server", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return 0
}

// newWriter builds the storage sink selected by the configuration
func newWriter(ctx context.Context, cfg *pkgconfig.StorageConfig, logger *zap.Logger) (collection.Writer, func()) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	switch cfg.Backend {
	case pkgconfig.BackendPrometheus:
		return pkgmetrics.New(pkgmetrics.Config{
			URL:         cfg.Prometheus.URL,
			Username:    cfg.Prometheus.Username,
			Password:    cfg.Prometheus.Password,
			Timeout:     timeout,
			MaxAttempts: cfg.MaxAttempts,
		}, logger), func() {}
	default:
		w := storage.NewInfluxWriter(storage.InfluxConfig{
			URL:         cfg.InfluxDB.URL,
			Token:       cfg.InfluxDB.Token,
			Org:         cfg.InfluxDB.Org,
			Bucket:      cfg.InfluxDB.Bucket,
			Timeout:     timeout,
			MaxAttempts: cfg.MaxAttempts,
		}, logger)

		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := w.Ping(pingCtx); err != nil {
			logger.Warn("InfluxDB is not reachable yet", zap.String("url", pkgconfig.RedactURL(cfg.InfluxDB.URL)), zap.Error(err))
		}
		return w, w.Close
	}
}

// handleCollect performs one collection and records its report
func handleCollect(ctx context.Context, collector *collection.Collector, history *buffer.RingBuffer[*collection.Report], runMetrics *metrics.RunMetrics, pinger *heartbeat.Pinger, logger *zap.Logger, tracer trace.Tracer) error {
	ctx, span := tracer.Start(ctx, "collect")
	defer span.End()

	report, err := collector.Collect(ctx)
	history.Add(report)
	runMetrics.Observe(report)

	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("measurement_count", report.Measurements))
	if err != nil {
		return fmt.Errorf("collection %s failed: %w", report.RunID, err)
	}

	if err := pinger.Ping(ctx); err != nil {
		telemetry.WarnWithTrace(ctx, logger, "Heartbeat failed", zap.Error(err))
	}
	return nil
}
