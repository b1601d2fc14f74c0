package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mjasion/balena-home/pkg/telemetry"
	"github.com/mjasion/balena-home/pkg/types"
	"github.com/mjasion/balena-home/tibber_metric/aggregation"
)

var (
	// ErrSession is returned when no upstream session could be opened; nothing is collected
	ErrSession = errors.New("tibber session failed")
	// ErrStorageWrite is returned when the measurement batch could not be written
	ErrStorageWrite = errors.New("storage write failed")
)

// Session is an authenticated upstream session bound to one home
type Session interface {
	aggregation.Source
	// Location is the home's time zone
	Location() *time.Location
}

// Connector opens a Session
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Writer persists a batch of measurements in one call
type Writer interface {
	WriteBatch(ctx context.Context, batch []types.Measurement) error
}

// Config contains collector settings
type Config struct {
	// MaxConcurrentQueries bounds the period tasks running at once
	MaxConcurrentQueries int
	// Clock returns the reference time, time.Now when nil
	Clock func() time.Time
}

// Skip names a period that produced no measurements and why
type Skip struct {
	Period aggregation.Period `json:"period"`
	Reason string             `json:"reason"`
}

// Report summarizes one collection run
type Report struct {
	RunID        string               `json:"runId"`
	Now          time.Time            `json:"now"`
	Emitted      []aggregation.Period `json:"emitted"`
	Skipped      []Skip               `json:"skipped,omitempty"`
	PriceEmitted bool                 `json:"priceEmitted"`
	Measurements int                  `json:"measurements"`
	Duration     time.Duration        `json:"duration"`
	Error        string               `json:"error,omitempty"`
	Err          error                `json:"-"`
}

// Success reports whether the run completed without a fatal error
func (r *Report) Success() bool {
	return r.Err == nil
}

// Collector runs one collection cycle: open a session, aggregate all periods, write one batch
type Collector struct {
	connector   Connector
	writer      Writer
	logger      *zap.Logger
	tracer      trace.Tracer
	clock       func() time.Time
	concurrency int
}

// New creates a Collector
func New(connector Connector, writer Writer, cfg Config, logger *zap.Logger) *Collector {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := cfg.MaxConcurrentQueries
	if concurrency < 1 {
		concurrency = 1
	}

	return &Collector{
		connector:   connector,
		writer:      writer,
		logger:      logger,
		tracer:      otel.Tracer("collection"),
		clock:       clock,
		concurrency: concurrency,
	}
}

// Collect performs one cycle. Period failures are recorded in the report and
// never fail the run; session and storage failures are returned.
func (c *Collector) Collect(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Now: c.clock()}

	ctx, span := c.tracer.Start(ctx, "collection.collect",
		trace.WithAttributes(attribute.String("run_id", report.RunID)))
	defer span.End()

	fail := func(err error) (*Report, error) {
		report.Duration = time.Since(start)
		report.Err = err
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "collection failed")
		telemetry.ErrorWithTrace(ctx, c.logger, "Collection failed",
			zap.String("runId", report.RunID),
			zap.Duration("duration", report.Duration),
			zap.Error(err))
		return report, err
	}

	session, err := c.connector.Connect(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrSession, err))
	}

	now := report.Now.In(session.Location())
	report.Now = now
	span.SetAttributes(attribute.String("now", now.Format(time.RFC3339)))

	batch := c.gather(ctx, aggregation.New(session, c.logger), now, report)
	report.Measurements = len(batch)

	if len(batch) == 0 {
		telemetry.WarnWithTrace(ctx, c.logger, "No measurements collected, skipping write",
			zap.String("runId", report.RunID))
	} else if err := c.writer.WriteBatch(ctx, batch); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrStorageWrite, err))
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("measurement_count", len(batch)),
		attribute.Int("skipped_count", len(report.Skipped)))
	span.SetStatus(codes.Ok, "collection successful")

	telemetry.InfoWithTrace(ctx, c.logger, "Collection successful",
		zap.String("runId", report.RunID),
		zap.Time("now", now),
		zap.Int("measurements", len(batch)),
		zap.Int("emittedPeriods", len(report.Emitted)),
		zap.Int("skippedPeriods", len(report.Skipped)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// gather runs the price and period tasks concurrently and returns the batch
// in a fixed order: price first, then periods in aggregation.Periods order.
func (c *Collector) gather(ctx context.Context, agg *aggregation.Aggregator, now time.Time, report *Report) []types.Measurement {
	var (
		mu       sync.Mutex
		outcomes = make(map[aggregation.Period]aggregation.Outcome, len(aggregation.Periods))
		price    aggregation.Price
		priceErr error
	)
	record := func(out aggregation.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[out.Result.Period] = out
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	g.Go(func() error {
		price, priceErr = agg.CurrentPrice(ctx)
		return nil
	})
	g.Go(func() error {
		record(agg.ThisHour(ctx, now))
		return nil
	})
	// this_month and this_year build on the smaller period, so the chain stays in one task
	g.Go(func() error {
		day := agg.ThisDay(ctx, now)
		record(day)
		month := agg.ThisMonth(ctx, now, day)
		record(month)
		record(agg.ThisYear(ctx, now, month))
		return nil
	})
	for _, trailing := range []func(context.Context) aggregation.Outcome{
		agg.LastHour, agg.LastDay, agg.Last24h, agg.LastMonth, agg.LastYear,
	} {
		g.Go(func() error {
			record(trailing(ctx))
			return nil
		})
	}
	_ = g.Wait()

	var batch []types.Measurement
	if priceErr != nil {
		telemetry.WarnWithTrace(ctx, c.logger, "Skipping current price", zap.Error(priceErr))
		report.Skipped = append(report.Skipped, Skip{Period: "price", Reason: priceErr.Error()})
	} else {
		batch = append(batch, EmitPrice(price, now))
		report.PriceEmitted = true
	}

	for _, period := range aggregation.Periods {
		out := outcomes[period]
		if !out.OK() {
			reason := "no result"
			if out.Err != nil {
				reason = out.Err.Error()
			}
			report.Skipped = append(report.Skipped, Skip{Period: period, Reason: reason})
			continue
		}
		batch = append(batch, EmitPeriod(out, now)...)
		report.Emitted = append(report.Emitted, period)
	}

	return batch
}
