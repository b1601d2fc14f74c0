package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	pkgconfig "github.com/mjasion/balena-home/pkg/config"
)

// Config holds all configuration parameters for the Tibber collector
type Config struct {
	// Tibber API configuration
	Tibber TibberConfig `yaml:"tibber"`

	// Collection configuration
	Schedule             string `yaml:"schedule" env:"SCHEDULE" env-default:"*/15 * * * *"`
	MaxConcurrentQueries int    `yaml:"maxConcurrentQueries" env:"MAX_CONCURRENT_QUERIES" env-default:"4"`

	// Storage configuration
	Storage pkgconfig.StorageConfig `yaml:"storage"`

	// Health check configuration
	HealthCheckPort int `yaml:"healthCheckPort" env:"HEALTH_CHECK_PORT" env-default:"8080"`
	HistorySize     int `yaml:"historySize" env:"HISTORY_SIZE" env-default:"24"`

	// Heartbeat URL pinged after every successful collection
	HeartbeatURL string `yaml:"heartbeatUrl" env:"HEARTBEAT_URL"`

	// Logging configuration
	Logging pkgconfig.LoggingConfig `yaml:"logging"`

	// OpenTelemetry configuration
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`

	// Profiling configuration
	Profiling pkgconfig.ProfilingConfig `yaml:"profiling"`
}

// TibberConfig contains the Tibber API settings
type TibberConfig struct {
	Token          string  `yaml:"token" env:"TIBBER_TOKEN" env-required:"true"`
	URL            string  `yaml:"url" env:"TIBBER_URL" env-default:"https://api.tibber.com/v1-beta/gql"`
	HomeID         string  `yaml:"homeId" env:"TIBBER_HOME_ID"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds" env:"TIBBER_TIMEOUT_SECONDS" env-default:"30"`
}

// Timeout returns the Tibber request timeout
func (t TibberConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds * float64(time.Second))
}

// Load reads configuration from the specified file path and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tibber.Token) == "" {
		return fmt.Errorf("tibber token cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.Tibber.URL); err != nil {
		return fmt.Errorf("invalid tibber url: %w", err)
	}
	if c.Tibber.TimeoutSeconds <= 0 {
		return fmt.Errorf("tibber timeoutSeconds must be positive, got %f", c.Tibber.TimeoutSeconds)
	}

	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}

	if c.MaxConcurrentQueries <= 0 {
		return fmt.Errorf("maxConcurrentQueries must be positive, got %d", c.MaxConcurrentQueries)
	}

	if err := pkgconfig.ValidateStorage(&c.Storage); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}

	if c.HealthCheckPort <= 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("healthCheckPort must be between 1 and 65535, got %d", c.HealthCheckPort)
	}

	if c.HistorySize <= 0 {
		return fmt.Errorf("historySize must be positive, got %d", c.HistorySize)
	}

	if c.HeartbeatURL != "" {
		if _, err := url.ParseRequestURI(c.HeartbeatURL); err != nil {
			return fmt.Errorf("invalid heartbeatUrl: %w", err)
		}
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}

	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// ScheduleInterval estimates the time between two collections of the schedule
func (c *Config) ScheduleInterval() time.Duration {
	schedule, err := cron.ParseStandard(c.Schedule)
	if err != nil {
		return 0
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first)
}

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"tibber": map[string]interface{}{
			"url":            c.Tibber.URL,
			"token":          "***",
			"homeId":         c.Tibber.HomeID,
			"timeoutSeconds": c.Tibber.TimeoutSeconds,
		},
		"schedule":             c.Schedule,
		"maxConcurrentQueries": c.MaxConcurrentQueries,
		"storage": map[string]interface{}{
			"backend":        c.Storage.Backend,
			"maxAttempts":    c.Storage.MaxAttempts,
			"timeoutSeconds": c.Storage.TimeoutSeconds,
			"influxdb": map[string]interface{}{
				"url":    pkgconfig.RedactURL(c.Storage.InfluxDB.URL),
				"token":  "***",
				"org":    c.Storage.InfluxDB.Org,
				"bucket": c.Storage.InfluxDB.Bucket,
			},
			"prometheus": map[string]interface{}{
				"url":      pkgconfig.RedactURL(c.Storage.Prometheus.URL),
				"username": c.Storage.Prometheus.Username,
				"password": "***",
			},
		},
		"healthCheckPort": c.HealthCheckPort,
		"historySize":     c.HistorySize,
		"heartbeatUrl":    pkgconfig.RedactURL(c.HeartbeatURL),
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":        c.OpenTelemetry.Enabled,
			"serviceName":    c.OpenTelemetry.ServiceName,
			"serviceVersion": c.OpenTelemetry.ServiceVersion,
			"environment":    c.OpenTelemetry.Environment,
			"traces": map[string]interface{}{
				"enabled":       c.OpenTelemetry.Traces.Enabled,
				"endpointSet":   c.OpenTelemetry.TracesEndpoint() != "",
				"samplingRatio": c.OpenTelemetry.Traces.SamplingRatio,
			},
			"metrics": map[string]interface{}{
				"enabled":              c.OpenTelemetry.Metrics.Enabled,
				"endpointSet":          c.OpenTelemetry.MetricsEndpoint() != "",
				"intervalMillis":       c.OpenTelemetry.Metrics.IntervalMillis,
				"enableRuntimeMetrics": c.OpenTelemetry.Metrics.EnableRuntimeMetrics,
			},
		},
		"profiling": map[string]interface{}{
			"enabled":       c.Profiling.Enabled,
			"serverAddress": pkgconfig.RedactURL(c.Profiling.ServerAddress),
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}
