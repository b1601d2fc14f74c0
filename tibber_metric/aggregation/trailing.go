package aggregation

import (
	"context"
	"fmt"
	"time"
)

// ThisHour reports the running hour when the source already has a record for it
func (a *Aggregator) ThisHour(ctx context.Context, now time.Time) Outcome {
	return a.run(ctx, ThisHour, func(ctx context.Context) (Result, error) {
		return a.single(ctx, Query{Resolution: Hourly, Count: 1, Start: startOfHour(now)}, 0)
	})
}

// LastHour reports the most recent completed hour
func (a *Aggregator) LastHour(ctx context.Context) Outcome {
	return a.run(ctx, LastHour, func(ctx context.Context) (Result, error) {
		return a.single(ctx, Query{Resolution: Hourly, Count: 1}, 0)
	})
}

// LastDay reports the most recent completed day
func (a *Aggregator) LastDay(ctx context.Context) Outcome {
	return a.run(ctx, LastDay, func(ctx context.Context) (Result, error) {
		return a.single(ctx, Query{Resolution: Daily, Count: 1}, 0)
	})
}

// LastMonth reports the most recent completed month
func (a *Aggregator) LastMonth(ctx context.Context) Outcome {
	return a.run(ctx, LastMonth, func(ctx context.Context) (Result, error) {
		return a.single(ctx, Query{Resolution: Monthly, Count: 1}, 0)
	})
}

// LastYear reports the previous year out of the two most recent annual records.
// Only one annual record means the previous year is unknown.
func (a *Aggregator) LastYear(ctx context.Context) Outcome {
	return a.run(ctx, LastYear, func(ctx context.Context) (Result, error) {
		return a.single(ctx, Query{Resolution: Annual, Count: 2}, 1)
	})
}

// Last24h sums the 24 most recent hours; every hour must carry cost and consumption
func (a *Aggregator) Last24h(ctx context.Context) Outcome {
	return a.run(ctx, Last24h, func(ctx context.Context) (Result, error) {
		q := Query{Resolution: Hourly, Count: 24}
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

// single fetches q and uses the record at index
func (a *Aggregator) single(ctx context.Context, q Query, index int) (Result, error) {
	records, err := a.fetch(ctx, q)
	if err != nil {
		return Result{}, err
	}

	if len(records) <= index {
		return Result{}, &IncompleteError{Records: len(records), Expected: q.Count}
	}

	record := records[index]
	if record.Cost == nil || record.Consumption == nil {
		incomplete := &IncompleteError{Records: len(records), Expected: q.Count}
		if record.Cost == nil {
			incomplete.NullCost = 1
		}
		if record.Consumption == nil {
			incomplete.NullConsumption = 1
		}
		return Result{}, incomplete
	}

	q.Production = true
	productionRecords, err := a.fetch(ctx, q)
	if err != nil {
		return Result{}, err
	}

	var production float64
	if len(productionRecords) > index && productionRecords[index].Production != nil {
		production = *productionRecords[index].Production
	}

	return Result{
		Cost:        float(*record.Cost),
		Consumption: float(*record.Consumption),
		Production:  production,
	}, nil
}

// CurrentPrice fetches the current spot price
func (a *Aggregator) CurrentPrice(ctx context.Context) (Price, error) {
	ctx, span := a.tracer.Start(ctx, "aggregation.current_price")
	defer span.End()

	price, err := a.source.CurrentPrice(ctx)
	if err != nil {
		span.RecordError(err)
		return Price{}, fmt.Errorf("current price: %w", err)
	}
	return price, nil
}
