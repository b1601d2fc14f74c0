package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Pinger reports liveness to an external monitor (healthchecks.io style) with a GET request
type Pinger struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New creates a Pinger. An empty url gives a Pinger that does nothing.
func New(url string, timeout time.Duration, logger *zap.Logger) *Pinger {
	return &Pinger{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "heartbeat.ping"
				}),
			),
		},
		logger: logger,
	}
}

// Ping sends one heartbeat
func (p *Pinger) Ping(ctx context.Context) error {
	if p == nil || p.url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat returned status %s", resp.Status)
	}

	p.logger.Debug("Heartbeat sent", zap.String("status", resp.Status))
	return nil
}
