package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/types"
)

// Config contains configuration for the Prometheus remote_write writer
type Config struct {
	URL           string
	Username      string
	Password      string
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// RemoteWriter writes measurement batches to a Prometheus remote_write endpoint
type RemoteWriter struct {
	url           string
	username      string
	password      string
	client        *http.Client
	maxAttempts   uint
	retryInterval time.Duration
	logger        *zap.Logger
}

// New creates a RemoteWriter with OpenTelemetry instrumentation
func New(cfg Config, logger *zap.Logger) *RemoteWriter {
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

	return &RemoteWriter{
		url:      cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		client: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		maxAttempts:   uint(attempts),
		retryInterval: interval,
		logger:        logger,
	}
}

// WriteBatch pushes the batch as one remote_write request with retry logic
func (p *RemoteWriter) WriteBatch(ctx context.Context, batch []types.Measurement) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.WriteBatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.backend", "prometheus"),
			attribute.Int("metrics.measurements", len(batch)),
		),
	)
	defer span.End()

	if len(batch) == 0 {
		p.logger.Debug("no measurements to push")
		span.SetStatus(codes.Ok, "no measurements to push")
		return nil
	}

	writeReq := &prompb.WriteRequest{Timeseries: BuildTimeSeries(ctx, batch)}
	span.AddEvent("write request built",
		trace.WithAttributes(
			attribute.Int("metrics.time_series_count", len(writeReq.Timeseries)),
		),
	)

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		span.AddEvent("push attempt",
			trace.WithAttributes(attribute.Int("metrics.attempt", attempt)))

		err := p.pushOnce(ctx, writeReq)
		if err != nil {
			p.logger.Warn("failed to push metrics, will retry",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff(p.retryInterval)),
		backoff.WithMaxTries(p.maxAttempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("failed after %d attempts", attempt))
		return fmt.Errorf("failed to push metrics after %d attempts: %w", attempt, err)
	}

	p.logger.Info("successfully pushed metrics",
		zap.Int("measurements", len(batch)),
		zap.Int("time_series", len(writeReq.Timeseries)),
		zap.Int("attempt", attempt),
	)
	span.SetAttributes(attribute.Int("metrics.successful_attempt", attempt))
	span.SetStatus(codes.Ok, "metrics pushed successfully")
	return nil
}

// pushOnce performs a single push attempt to Prometheus
func (p *RemoteWriter) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal protobuf: %w", err))
	}

	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(compressed))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
		// 4xx other than 429 is a rejected payload
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	return nil
}

func newBackOff(initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	return b
}
