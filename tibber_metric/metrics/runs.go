package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mjasion/balena-home/tibber_metric/collection"
)

const (
	metricPrefix = "tibber_metric_"

	resultSuccess = "success"
	resultError   = "error"

	outcomeEmitted = "emitted"
	outcomeSkipped = "skipped"
)

// RunMetrics exposes collection run statistics on a dedicated registry
type RunMetrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	periods      *prometheus.CounterVec
	measurements prometheus.Counter
	duration     prometheus.Histogram
	lastSuccess  prometheus.Gauge
}

// NewRunMetrics creates and registers the collector metrics together with the Go runtime collectors
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Total collection runs by result",
			},
			[]string{"result"},
		),
		periods: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "periods_total",
				Help: "Aggregated periods by period and outcome",
			},
			[]string{"period", "outcome"},
		),
		measurements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "measurements_written_total",
			Help: "Total measurements handed to storage",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "run_duration_seconds",
			Help:    "Collection run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "last_success_timestamp_seconds",
			Help: "Unix time of the last successful collection run",
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.periods,
		m.measurements,
		m.duration,
		m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one collection report
func (m *RunMetrics) Observe(report *collection.Report) {
	if report == nil {
		return
	}

	m.duration.Observe(report.Duration.Seconds())

	for _, period := range report.Emitted {
		m.periods.WithLabelValues(string(period), outcomeEmitted).Inc()
	}
	for _, skip := range report.Skipped {
		m.periods.WithLabelValues(string(skip.Period), outcomeSkipped).Inc()
	}

	if !report.Success() {
		m.runs.WithLabelValues(resultError).Inc()
		return
	}

	m.runs.WithLabelValues(resultSuccess).Inc()
	m.measurements.Add(float64(report.Measurements))
	m.lastSuccess.Set(float64(report.Now.Unix()))
}
