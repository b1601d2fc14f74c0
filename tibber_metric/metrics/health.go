package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/buffer"
	"github.com/mjasion/balena-home/tibber_metric/collection"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string               `json:"status"`
	LastRunTime     time.Time            `json:"lastRunTime,omitempty"`
	LastSuccessTime time.Time            `json:"lastSuccessTime,omitempty"`
	LastError       string               `json:"lastError,omitempty"`
	Runs            []*collection.Report `json:"runs"`
}

// HealthChecker serves /health from the run history and /metrics from the run metrics
type HealthChecker struct {
	history           *buffer.RingBuffer[*collection.Report]
	scheduleInterval  time.Duration
	now               func() time.Time
	startedAt         time.Time
	healthCheckServer *http.Server
	logger            *zap.Logger
}

// NewHealthChecker creates a new HealthChecker instance
func NewHealthChecker(history *buffer.RingBuffer[*collection.Report], runMetrics *RunMetrics, scheduleInterval time.Duration, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		history:          history,
		scheduleInterval: scheduleInterval,
		now:              time.Now,
		startedAt:        time.Now(),
		logger:           logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", hc.handleHealth)
	if runMetrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(runMetrics.Registry(), promhttp.HandlerOpts{}))
	}

	hc.healthCheckServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return hc
}

// Handler returns the HTTP handler serving the health and metrics endpoints
func (hc *HealthChecker) Handler() http.Handler {
	return hc.healthCheckServer.Handler
}

// Start begins serving the health check endpoint
func (hc *HealthChecker) Start() error {
	hc.logger.Info("Starting health check server", zap.String("addr", hc.healthCheckServer.Addr))
	if err := hc.healthCheckServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the health check server
func (hc *HealthChecker) Stop() error {
	return hc.healthCheckServer.Close()
}

// Status evaluates the run history.
// Unhealthy when the last run failed or no run succeeded within 3 schedule intervals.
func (hc *HealthChecker) Status() HealthStatus {
	runs := hc.history.Snapshot()
	status := HealthStatus{Status: "healthy", Runs: runs}

	var lastSuccess time.Time
	for _, run := range runs {
		if run.Success() {
			lastSuccess = run.Now
		}
	}
	status.LastSuccessTime = lastSuccess

	if latest, ok := hc.history.Latest(); ok {
		status.LastRunTime = latest.Now
		if !latest.Success() {
			status.Status = "unhealthy"
			status.LastError = latest.Error
		}
	}

	// Before the first success, measure staleness from startup
	reference := lastSuccess
	if reference.IsZero() {
		reference = hc.startedAt
	}
	if hc.scheduleInterval > 0 && hc.now().Sub(reference) > 3*hc.scheduleInterval {
		status.Status = "unhealthy"
	}

	return status
}

// handleHealth responds to health check requests
func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hc.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		hc.logger.Debug("Failed to encode health status", zap.Error(err))
	}
}
