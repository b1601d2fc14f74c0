package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/telemetry"
)

// Aggregator computes cost, consumption and production for the reported periods.
// Every method is an isolated failure boundary: upstream errors turn into a skipped Outcome.
type Aggregator struct {
	source Source
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an Aggregator reading from source
func New(source Source, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		source: source,
		logger: logger,
		tracer: otel.Tracer("aggregation"),
	}
}

// ThisDay aggregates all completed hours of the day containing now
func (a *Aggregator) ThisDay(ctx context.Context, now time.Time) Outcome {
	return a.run(ctx, ThisDay, func(ctx context.Context) (Result, error) {
		hours := now.Hour()
		if hours == 0 {
			return Result{}, fmt.Errorf("%w: no completed hour yet today", ErrDataUnavailable)
		}

		q := Query{Resolution: Hourly, Count: hours, Start: startOfDay(now)}
		cost, consumption, err := a.fetchTotals(ctx, q)
		if err != nil {
			return Result{}, err
		}

		production, err := a.fetchProduction(ctx, q)
		if err != nil {
			return Result{}, err
		}

		return Result{Cost: float(cost), Consumption: float(consumption), Production: production}, nil
	})
}

// ThisMonth extends a successful this_day outcome with the completed days of the month
func (a *Aggregator) ThisMonth(ctx context.Context, now time.Time, day Outcome) Outcome {
	return a.run(ctx, ThisMonth, func(ctx context.Context) (Result, error) {
		return a.extend(ctx, day, Query{
			Resolution: Daily,
			Count:      now.Day() - 1,
			Start:      startOfMonth(now),
		})
	})
}

// ThisYear extends a successful this_month outcome with the completed months of the year
func (a *Aggregator) ThisYear(ctx context.Context, now time.Time, month Outcome) Outcome {
	return a.run(ctx, ThisYear, func(ctx context.Context) (Result, error) {
		return a.extend(ctx, month, Query{
			Resolution: Monthly,
			Count:      int(now.Month()) - 1,
			Start:      startOfYear(now),
		})
	})
}

// extend seeds a result from the smaller period and adds the completed periods described by q.
// Production from q is accumulated even when its cost/consumption cannot be used.
func (a *Aggregator) extend(ctx context.Context, prev Outcome, q Query) (Result, error) {
	if !prev.OK() {
		return Result{}, fmt.Errorf("%w: %s", ErrDependencySkipped, prev.Result.Period)
	}

	res := Result{
		Cost:        float(*prev.Result.Cost),
		Consumption: float(*prev.Result.Consumption),
		Production:  prev.Result.Production,
	}
	if q.Count <= 0 {
		return res, nil
	}

	cost, consumption, totalsErr := a.fetchTotals(ctx, q)

	production, err := a.fetchProduction(ctx, q)
	if err == nil {
		res.Production += production
	}

	if err = errors.Join(totalsErr, err); err != nil {
		res.Cost, res.Consumption = nil, nil
		return res, err
	}

	*res.Cost += cost
	*res.Consumption += consumption
	return res, nil
}

// run executes compute as the failure boundary of one period
func (a *Aggregator) run(ctx context.Context, period Period, compute func(ctx context.Context) (Result, error)) (out Outcome) {
	ctx, span := a.tracer.Start(ctx, "aggregation."+string(period),
		trace.WithAttributes(attribute.String("period", string(period))))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Result: Result{Period: period},
				Err:    fmt.Errorf("%w: panic while aggregating: %v", ErrDataUnavailable, r),
			}
		}

		if out.Err == nil && !out.Result.Complete() {
			out.Err = fmt.Errorf("%w: result without cost or consumption", ErrDataUnavailable)
		}

		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, "period skipped")
			a.logSkip(ctx, out)
			return
		}

		span.SetStatus(codes.Ok, "period aggregated")
	}()

	res, err := compute(ctx)
	res.Period = period
	return Outcome{Result: res, Err: err}
}

func (a *Aggregator) logSkip(ctx context.Context, out Outcome) {
	fields := []zap.Field{
		zap.String("period", string(out.Result.Period)),
		zap.Error(out.Err),
	}

	var incomplete *IncompleteError
	if errors.As(out.Err, &incomplete) {
		fields = append(fields,
			zap.Int("records", incomplete.Records),
			zap.Int("expected", incomplete.Expected),
			zap.Int("nullCost", incomplete.NullCost),
			zap.Int("nullConsumption", incomplete.NullConsumption),
		)
	}

	if errors.Is(out.Err, ErrDependencySkipped) {
		telemetry.InfoWithTrace(ctx, a.logger, "Skipping period, smaller period unavailable", fields...)
		return
	}
	telemetry.WarnWithTrace(ctx, a.logger, "Skipping period, data unavailable", fields...)
}

// fetchTotals fetches q and sums cost and consumption, requiring all expected records to be complete
func (a *Aggregator) fetchTotals(ctx context.Context, q Query) (cost, consumption float64, err error) {
	records, err := a.fetch(ctx, q)
	if err != nil {
		return 0, 0, err
	}
	return sumTotals(records, q.Count)
}

// fetchProduction fetches the production counterpart of q and sums it, treating nil as 0
func (a *Aggregator) fetchProduction(ctx context.Context, q Query) (float64, error) {
	q.Production = true
	records, err := a.fetch(ctx, q)
	if err != nil {
		return 0, err
	}
	return sumProduction(records, q.Count), nil
}

func (a *Aggregator) fetch(ctx context.Context, q Query) ([]Record, error) {
	records, err := a.source.FetchHistoric(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q, errors.Join(ErrDataUnavailable, err))
	}

	a.logger.Debug("Fetched historic records",
		zap.Stringer("query", q),
		zap.Int("records", len(records)))
	return records, nil
}

func sumTotals(records []Record, expected int) (cost, consumption float64, err error) {
	incomplete := &IncompleteError{Records: len(records), Expected: expected}
	if len(records) > expected {
		records = records[:expected]
		incomplete.Records = expected
	}

	for _, r := range records {
		if r.Cost == nil {
			incomplete.NullCost++
		} else {
			cost += *r.Cost
		}
		if r.Consumption == nil {
			incomplete.NullConsumption++
		} else {
			consumption += *r.Consumption
		}
	}

	if incomplete.Records == 0 || incomplete.Records < expected ||
		incomplete.NullCost > 0 || incomplete.NullConsumption > 0 {
		return 0, 0, incomplete
	}
	return cost, consumption, nil
}

func sumProduction(records []Record, expected int) float64 {
	if len(records) > expected {
		records = records[:expected]
	}
	var total float64
	for _, r := range records {
		if r.Production != nil {
			total += *r.Production
		}
	}
	return total
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}

func startOfHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}
