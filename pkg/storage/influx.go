package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/types"
)

// InfluxConfig contains InfluxDB v2 writer settings
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// InfluxWriter writes measurement batches to an InfluxDB v2 bucket
type InfluxWriter struct {
	client        influxdb2.Client
	writeAPI      api.WriteAPIBlocking
	bucket        string
	maxAttempts   uint
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewInfluxWriter creates an InfluxWriter with OpenTelemetry instrumented transport
func NewInfluxWriter(cfg InfluxConfig, logger *zap.Logger) *InfluxWriter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "influxdb.write"
			}),
		),
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPClient(httpClient).
			SetPrecision(time.Second))

	return &InfluxWriter{
		client:        client,
		writeAPI:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:        cfg.Bucket,
		maxAttempts:   uint(attempts),
		retryInterval: interval,
		logger:        logger,
	}
}

// Ping checks that the server is reachable
func (w *InfluxWriter) Ping(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !ok {
		return errors.New("influxdb ping failed")
	}
	return nil
}

// WriteBatch writes all measurements in one request, retrying the whole batch on transient failures
func (w *InfluxWriter) WriteBatch(ctx context.Context, batch []types.Measurement) error {
	ctx, span := otel.Tracer("storage").Start(ctx, "storage.WriteBatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.backend", "influxdb"),
			attribute.String("storage.bucket", w.bucket),
			attribute.Int("storage.measurements", len(batch)),
		))
	defer span.End()

	if len(batch) == 0 {
		span.SetStatus(codes.Ok, "nothing to write")
		return nil
	}

	points := make([]*write.Point, 0, len(batch))
	for _, m := range batch {
		points = append(points, ToPoint(m))
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := w.writeAPI.WritePoint(ctx, points...)
		if err == nil {
			return struct{}{}, nil
		}

		w.logger.Warn("InfluxDB write attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff(w.retryInterval)),
		backoff.WithMaxTries(w.maxAttempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("influxdb write failed after %d attempts: %w", attempt, err)
	}

	w.logger.Info("Successfully wrote measurements to InfluxDB",
		zap.Int("measurements", len(batch)),
		zap.Int("attempt", attempt))
	span.SetStatus(codes.Ok, "write successful")
	return nil
}

// Close releases the client's resources
func (w *InfluxWriter) Close() {
	w.client.Close()
}

// ToPoint converts a measurement into an InfluxDB point
func ToPoint(m types.Measurement) *write.Point {
	fields := make(map[string]interface{}, len(m.Fields))
	for k, v := range m.Fields {
		fields[k] = v
	}
	return write.NewPoint(m.Name, m.Tags, fields, m.Timestamp)
}

// retryable reports whether a failed write may succeed when repeated.
// Client errors other than 429 are rejected payloads and never retried.
func retryable(err error) bool {
	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		if herr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return herr.StatusCode < 400 || herr.StatusCode >= 500
	}
	return true
}

func newBackOff(initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	return b
}
