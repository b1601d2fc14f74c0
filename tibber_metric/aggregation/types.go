package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Resolution is the granularity of a historical query
type Resolution string

const (
	Hourly  Resolution = "HOURLY"
	Daily   Resolution = "DAILY"
	Monthly Resolution = "MONTHLY"
	Annual  Resolution = "ANNUAL"
)

// IsValid checks if the resolution is one of the supported values
func (r Resolution) IsValid() bool {
	switch r {
	case Hourly, Daily, Monthly, Annual:
		return true
	default:
		return false
	}
}

// Step moves t by n periods of the resolution
func (r Resolution) Step(t time.Time, n int) time.Time {
	switch r {
	case Hourly:
		return t.Add(time.Duration(n) * time.Hour)
	case Daily:
		return t.AddDate(0, 0, n)
	case Monthly:
		return t.AddDate(0, n, 0)
	case Annual:
		return t.AddDate(n, 0, 0)
	default:
		return t
	}
}

// Period names a reported time window
type Period string

const (
	ThisHour  Period = "this_hour"
	ThisDay   Period = "this_day"
	ThisMonth Period = "this_month"
	ThisYear  Period = "this_year"
	LastHour  Period = "last_hour"
	LastDay   Period = "last_day"
	Last24h   Period = "last_24h"
	LastMonth Period = "last_month"
	LastYear  Period = "last_year"
)

// Periods lists every window in reporting order
var Periods = []Period{ThisHour, ThisDay, ThisMonth, ThisYear, LastHour, LastDay, Last24h, LastMonth, LastYear}

// Query describes one historical fetch. A zero Start means "the Count most recent periods".
type Query struct {
	Resolution Resolution
	Count      int
	Start      time.Time
	Production bool
}

func (q Query) String() string {
	kind := "consumption"
	if q.Production {
		kind = "production"
	}
	if q.Start.IsZero() {
		return fmt.Sprintf("%s %s last %d", kind, q.Resolution, q.Count)
	}
	return fmt.Sprintf("%s %s first %d from %s", kind, q.Resolution, q.Count, q.Start.Format(time.RFC3339))
}

// Record is one historical period. nil fields mean the upstream has no value (yet).
type Record struct {
	From        time.Time
	Cost        *float64
	Consumption *float64
	Production  *float64
}

// Price is the current spot price snapshot
type Price struct {
	Total    float64
	Rank     float64
	Level    string
	StartsAt time.Time
}

// Source provides historical energy records and the current price.
// Implementations return records in chronological order and may return fewer than requested.
type Source interface {
	FetchHistoric(ctx context.Context, q Query) ([]Record, error)
	CurrentPrice(ctx context.Context) (Price, error)
}

// Result is the aggregate for one period
type Result struct {
	Period      Period
	Cost        *float64
	Consumption *float64
	Production  float64
}

// Complete reports whether both cost and consumption are known
func (r Result) Complete() bool {
	return r.Cost != nil && r.Consumption != nil
}

// GridConsumption is consumption not covered by own production, never negative.
// It is zero for incomplete results.
func (r Result) GridConsumption() float64 {
	if !r.Complete() {
		return 0
	}
	return math.Max(0, *r.Consumption-r.Production)
}

// SelfConsumption is the part of own production consumed on site
func (r Result) SelfConsumption() float64 {
	if r.Consumption == nil {
		return 0
	}
	return math.Max(0, math.Min(*r.Consumption, r.Production))
}

// Outcome is either Ok(Result) when Err is nil or Skipped(Err).
// A skipped outcome still carries what was accumulated before the failure.
type Outcome struct {
	Result Result
	Err    error
}

// OK reports whether the period was computed successfully
func (o Outcome) OK() bool {
	return o.Err == nil && o.Result.Complete()
}

var (
	// ErrDataUnavailable marks a period whose upstream data failed or has holes
	ErrDataUnavailable = errors.New("upstream data unavailable")
	// ErrPartialWindow marks a period that got fewer records than requested
	ErrPartialWindow = errors.New("partial window data")
	// ErrDependencySkipped marks a period skipped because the smaller period it builds on was skipped
	ErrDependencySkipped = errors.New("dependent period skipped")
)

// IncompleteError describes why a record window cannot be used
type IncompleteError struct {
	Records         int
	Expected        int
	NullCost        int
	NullConsumption int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete window: %d/%d records, %d without cost, %d without consumption",
		e.Records, e.Expected, e.NullCost, e.NullConsumption)
}

func (e *IncompleteError) Unwrap() error {
	if e.Records > 0 && e.Records < e.Expected {
		return ErrPartialWindow
	}
	return ErrDataUnavailable
}

func float(v float64) *float64 {
	return &v
}
