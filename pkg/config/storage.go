package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Storage backends
const (
	BackendInfluxDB   = "influxdb"
	BackendPrometheus = "prometheus"
)

// StorageConfig selects and configures the time-series backend measurements are written to
type StorageConfig struct {
	Backend        string           `yaml:"backend" env:"STORAGE_BACKEND" env-default:"influxdb"`
	MaxAttempts    int              `yaml:"maxAttempts" env:"STORAGE_MAX_ATTEMPTS" env-default:"3"`
	TimeoutSeconds int              `yaml:"timeoutSeconds" env:"STORAGE_TIMEOUT_SECONDS" env-default:"30"`
	InfluxDB       InfluxDBConfig   `yaml:"influxdb"`
	Prometheus     PrometheusConfig `yaml:"prometheus"`
}

// InfluxDBConfig contains InfluxDB v2 write settings
type InfluxDBConfig struct {
	URL    string `yaml:"url" env:"INFLUX_URL"`
	Token  string `yaml:"token" env:"INFLUX_TOKEN"`
	Org    string `yaml:"org" env:"INFLUX_ORG"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET"`
}

// PrometheusConfig contains Prometheus remote_write settings
type PrometheusConfig struct {
	URL      string `yaml:"url" env:"PROMETHEUS_URL"`
	Username string `yaml:"username" env:"PROMETHEUS_USERNAME"`
	Password string `yaml:"password" env:"PROMETHEUS_PASSWORD"`
}

// ValidateStorage validates the selected backend's settings
func ValidateStorage(cfg *StorageConfig) error {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))

	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("storage maxAttempts must be >= 1, got %d", cfg.MaxAttempts)
	}
	if cfg.TimeoutSeconds <= 0 {
		return fmt.Errorf("storage timeoutSeconds must be positive, got %d", cfg.TimeoutSeconds)
	}

	switch cfg.Backend {
	case BackendInfluxDB:
		if _, err := url.ParseRequestURI(cfg.InfluxDB.URL); err != nil {
			return fmt.Errorf("invalid influxdb url: %w", err)
		}
		if cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb org and bucket are required")
		}
	case BackendPrometheus:
		if _, err := url.ParseRequestURI(cfg.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheus url: %w", err)
		}
	default:
		return fmt.Errorf("storage backend must be '%s' or '%s', got '%s'", BackendInfluxDB, BackendPrometheus, cfg.Backend)
	}

	return nil
}

// RedactURL removes credentials from URLs for logging
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
