package aggregation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeKey struct {
	resolution Resolution
	count      int
	anchored   bool
	production bool
}

type fakeSource struct {
	mu       sync.Mutex
	records  map[fakeKey][]Record
	errs     map[fakeKey]error
	panics   map[fakeKey]bool
	price    Price
	priceErr error
	calls    []Query
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records: make(map[fakeKey][]Record),
		errs:    make(map[fakeKey]error),
		panics:  make(map[fakeKey]bool),
	}
}

func keyOf(q Query) fakeKey {
	return fakeKey{resolution: q.Resolution, count: q.Count, anchored: !q.Start.IsZero(), production: q.Production}
}

func (f *fakeSource) set(res Resolution, count int, anchored, production bool, records []Record) {
	f.records[fakeKey{res, count, anchored, production}] = records
}

func (f *fakeSource) FetchHistoric(ctx context.Context, q Query) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)

	k := keyOf(q)
	if f.panics[k] {
		panic("malformed upstream payload")
	}
	if err := f.errs[k]; err != nil {
		return nil, err
	}
	return f.records[k], nil
}

func (f *fakeSource) CurrentPrice(ctx context.Context) (Price, error) {
	return f.price, f.priceErr
}

func (f *fakeSource) calledWith(res Resolution) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.calls {
		if q.Resolution == res {
			return true
		}
	}
	return false
}

func rec(cost, consumption float64) Record {
	return Record{Cost: &cost, Consumption: &consumption}
}

func recs(n int, cost, consumption float64) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = rec(cost, consumption)
	}
	return out
}

func prods(n int, production float64) []Record {
	out := make([]Record, n)
	for i := range out {
		p := production
		out[i] = Record{Production: &p}
	}
	return out
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// 15 March 2025, 10:00 local time
func testNow() time.Time {
	return time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)
}

func TestThisDay_Basic(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))

	out := New(src, zap.NewNop()).ThisDay(context.Background(), testNow())

	if !out.OK() {
		t.Fatalf("Expected this_day to succeed, got: %v", out.Err)
	}
	if !approx(*out.Result.Cost, 5.0) {
		t.Errorf("Expected cost 5.0, got %f", *out.Result.Cost)
	}
	if !approx(*out.Result.Consumption, 20.0) {
		t.Errorf("Expected consumption 20.0, got %f", *out.Result.Consumption)
	}
	if out.Result.Production != 0 {
		t.Errorf("Expected production 0, got %f", out.Result.Production)
	}
	if !approx(out.Result.GridConsumption(), 20.0) {
		t.Errorf("Expected grid consumption 20.0, got %f", out.Result.GridConsumption())
	}
	if out.Result.Period != ThisDay {
		t.Errorf("Expected period this_day, got %s", out.Result.Period)
	}
}

func TestThisDay_QueriesCompletedHoursFromMidnight(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))

	New(src, zap.NewNop()).ThisDay(context.Background(), testNow().Add(37*time.Minute))

	if len(src.calls) == 0 {
		t.Fatal("Expected at least one fetch")
	}
	q := src.calls[0]
	expectedStart := time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC)
	if !q.Start.Equal(expectedStart) {
		t.Errorf("Expected start %v, got %v", expectedStart, q.Start)
	}
	if q.Count != 10 || q.Resolution != Hourly {
		t.Errorf("Expected 10 HOURLY records, got %d %s", q.Count, q.Resolution)
	}
}

func TestThisDay_ProductionNetting(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))
	src.set(Hourly, 10, true, true, prods(10, 0.5))

	out := New(src, zap.NewNop()).ThisDay(context.Background(), testNow())

	if !approx(out.Result.Production, 5.0) {
		t.Errorf("Expected production 5.0, got %f", out.Result.Production)
	}
	if !approx(out.Result.GridConsumption(), 15.0) {
		t.Errorf("Expected grid consumption 15.0, got %f", out.Result.GridConsumption())
	}
	if !approx(out.Result.SelfConsumption(), 5.0) {
		t.Errorf("Expected self consumption 5.0, got %f", out.Result.SelfConsumption())
	}
}

func TestThisDay_NullRecordNullsWholeDay(t *testing.T) {
	records := recs(10, 0.5, 2.0)
	records[4].Consumption = nil

	src := newFakeSource()
	src.set(Hourly, 10, true, false, records)

	out := New(src, zap.NewNop()).ThisDay(context.Background(), testNow())

	if out.OK() {
		t.Fatal("Expected this_day to be skipped")
	}
	if out.Result.Cost != nil || out.Result.Consumption != nil {
		t.Error("Expected cost and consumption to be nil")
	}
	if !errors.Is(out.Err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable, got: %v", out.Err)
	}
}

func TestThisDay_EmptyList(t *testing.T) {
	src := newFakeSource()

	out := New(src, zap.NewNop()).ThisDay(context.Background(), testNow())

	if out.OK() {
		t.Fatal("Expected this_day to be skipped for an empty record list")
	}
	if !errors.Is(out.Err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable, got: %v", out.Err)
	}
}

func TestThisDay_ShortList(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(7, 0.5, 2.0))

	out := New(src, zap.NewNop()).ThisDay(context.Background(), testNow())

	if !errors.Is(out.Err, ErrPartialWindow) {
		t.Errorf("Expected ErrPartialWindow, got: %v", out.Err)
	}
}

func TestThisDay_Midnight(t *testing.T) {
	src := newFakeSource()
	midnight := time.Date(2025, time.March, 15, 0, 20, 0, 0, time.UTC)

	out := New(src, zap.NewNop()).ThisDay(context.Background(), midnight)

	if out.OK() {
		t.Fatal("Expected this_day to be skipped during the first hour")
	}
	if len(src.calls) != 0 {
		t.Errorf("Expected no fetch during the first hour, got %d", len(src.calls))
	}
}

func TestThisMonth_SeedsFromDay(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))
	src.set(Daily, 14, true, false, recs(14, 5.0, 20.0))

	agg := New(src, zap.NewNop())
	day := agg.ThisDay(context.Background(), testNow())
	month := agg.ThisMonth(context.Background(), testNow(), day)

	if !month.OK() {
		t.Fatalf("Expected this_month to succeed, got: %v", month.Err)
	}
	if !approx(*month.Result.Cost, 75.0) {
		t.Errorf("Expected month cost 75.0, got %f", *month.Result.Cost)
	}
	if !approx(*month.Result.Consumption, 300.0) {
		t.Errorf("Expected month consumption 300.0, got %f", *month.Result.Consumption)
	}

	// The day outcome must not be mutated by the month stage
	if !approx(*day.Result.Cost, 5.0) {
		t.Errorf("Expected day cost to stay 5.0, got %f", *day.Result.Cost)
	}
}

func TestThisMonth_QueriesFromFirstOfMonth(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))
	src.set(Daily, 14, true, false, recs(14, 5.0, 20.0))

	agg := New(src, zap.NewNop())
	agg.ThisMonth(context.Background(), testNow(), agg.ThisDay(context.Background(), testNow()))

	for _, q := range src.calls {
		if q.Resolution != Daily {
			continue
		}
		expected := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
		if !q.Start.Equal(expected) {
			t.Errorf("Expected daily start %v, got %v", expected, q.Start)
		}
		if q.Count != 14 {
			t.Errorf("Expected 14 daily records, got %d", q.Count)
		}
	}
}

func TestThisMonth_FirstDayOfMonth(t *testing.T) {
	now := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))

	agg := New(src, zap.NewNop())
	month := agg.ThisMonth(context.Background(), now, agg.ThisDay(context.Background(), now))

	if !month.OK() {
		t.Fatalf("Expected this_month to succeed on the 1st, got: %v", month.Err)
	}
	if !approx(*month.Result.Cost, 5.0) || !approx(*month.Result.Consumption, 20.0) {
		t.Errorf("Expected month to equal day totals, got %f/%f", *month.Result.Cost, *month.Result.Consumption)
	}
	if src.calledWith(Daily) {
		t.Error("Expected no DAILY fetch on the first day of the month")
	}
}

func TestThisMonth_ProductionAccumulatesUnderPartialFailure(t *testing.T) {
	daily := recs(14, 5.0, 20.0)
	daily[3].Cost = nil

	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))
	src.set(Hourly, 10, true, true, prods(10, 0.2))
	src.set(Daily, 14, true, false, daily)
	src.set(Daily, 14, true, true, prods(14, 3.0))

	agg := New(src, zap.NewNop())
	day := agg.ThisDay(context.Background(), testNow())
	month := agg.ThisMonth(context.Background(), testNow(), day)

	if month.OK() {
		t.Fatal("Expected this_month to be skipped")
	}
	if month.Result.Cost != nil || month.Result.Consumption != nil {
		t.Error("Expected month cost and consumption to be nil")
	}
	if !approx(month.Result.Production, 2.0+42.0) {
		t.Errorf("Expected month production 44.0, got %f", month.Result.Production)
	}
}

func TestHierarchy_DaySkippedSkipsMonthAndYear(t *testing.T) {
	hourly := recs(10, 0.5, 2.0)
	hourly[9].Cost = nil

	src := newFakeSource()
	src.set(Hourly, 10, true, false, hourly)
	src.set(Daily, 14, true, false, recs(14, 5.0, 20.0))
	src.set(Monthly, 2, true, false, recs(2, 150.0, 600.0))

	agg := New(src, zap.NewNop())
	day := agg.ThisDay(context.Background(), testNow())
	month := agg.ThisMonth(context.Background(), testNow(), day)
	year := agg.ThisYear(context.Background(), testNow(), month)

	if day.OK() || month.OK() || year.OK() {
		t.Fatalf("Expected all tiers skipped, got day=%v month=%v year=%v", day.OK(), month.OK(), year.OK())
	}
	if !errors.Is(month.Err, ErrDependencySkipped) {
		t.Errorf("Expected month ErrDependencySkipped, got: %v", month.Err)
	}
	if !errors.Is(year.Err, ErrDependencySkipped) {
		t.Errorf("Expected year ErrDependencySkipped, got: %v", year.Err)
	}
	if src.calledWith(Daily) || src.calledWith(Monthly) {
		t.Error("Expected no DAILY or MONTHLY fetch once this_day is skipped")
	}
}

func TestThisYear_SeedsFromMonth(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))
	src.set(Daily, 14, true, false, recs(14, 5.0, 20.0))
	src.set(Monthly, 2, true, false, recs(2, 150.0, 600.0))
	src.set(Monthly, 2, true, true, prods(2, 10.0))

	agg := New(src, zap.NewNop())
	day := agg.ThisDay(context.Background(), testNow())
	month := agg.ThisMonth(context.Background(), testNow(), day)
	year := agg.ThisYear(context.Background(), testNow(), month)

	if !year.OK() {
		t.Fatalf("Expected this_year to succeed, got: %v", year.Err)
	}
	if !approx(*year.Result.Cost, 375.0) {
		t.Errorf("Expected year cost 375.0, got %f", *year.Result.Cost)
	}
	if !approx(*year.Result.Consumption, 1500.0) {
		t.Errorf("Expected year consumption 1500.0, got %f", *year.Result.Consumption)
	}
	if !approx(year.Result.Production, 20.0) {
		t.Errorf("Expected year production 20.0, got %f", year.Result.Production)
	}
}

func TestThisYear_MonthlyNullSkipsYear(t *testing.T) {
	monthly := recs(2, 150.0, 600.0)
	monthly[0].Consumption = nil

	src := newFakeSource()
	src.set(Hourly, 10, true, false, recs(10, 0.5, 2.0))
	src.set(Daily, 14, true, false, recs(14, 5.0, 20.0))
	src.set(Monthly, 2, true, false, monthly)

	agg := New(src, zap.NewNop())
	month := agg.ThisMonth(context.Background(), testNow(), agg.ThisDay(context.Background(), testNow()))
	year := agg.ThisYear(context.Background(), testNow(), month)

	if !month.OK() {
		t.Fatalf("Expected this_month to succeed, got: %v", month.Err)
	}
	if year.OK() {
		t.Fatal("Expected this_year to be skipped")
	}
	if !errors.Is(year.Err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable, got: %v", year.Err)
	}
}

func TestLastHour_SolarNetting(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 1, false, false, []Record{rec(0.4, 2.0)})
	src.set(Hourly, 1, false, true, prods(1, 3.0))

	out := New(src, zap.NewNop()).LastHour(context.Background())

	if !out.OK() {
		t.Fatalf("Expected last_hour to succeed, got: %v", out.Err)
	}
	if out.Result.GridConsumption() != 0 {
		t.Errorf("Expected grid consumption clamped to 0, got %f", out.Result.GridConsumption())
	}
	if out.Result.Production != 3.0 {
		t.Errorf("Expected production 3.0, got %f", out.Result.Production)
	}
	if out.Result.SelfConsumption() != 2.0 {
		t.Errorf("Expected self consumption 2.0, got %f", out.Result.SelfConsumption())
	}
}

func TestTrailingWindows_NullCostSkips(t *testing.T) {
	consumption := 2.0
	nullCost := []Record{{Consumption: &consumption}}

	tests := []struct {
		name string
		res  Resolution
		run  func(*Aggregator) Outcome
	}{
		{"last_hour", Hourly, func(a *Aggregator) Outcome { return a.LastHour(context.Background()) }},
		{"last_day", Daily, func(a *Aggregator) Outcome { return a.LastDay(context.Background()) }},
		{"last_month", Monthly, func(a *Aggregator) Outcome { return a.LastMonth(context.Background()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.set(tt.res, 1, false, false, nullCost)

			out := tt.run(New(src, zap.NewNop()))

			if out.OK() {
				t.Fatal("Expected period to be skipped")
			}
			if !errors.Is(out.Err, ErrDataUnavailable) {
				t.Errorf("Expected ErrDataUnavailable, got: %v", out.Err)
			}
		})
	}
}

func TestLastDay_MissingProductionDefaultsToZero(t *testing.T) {
	src := newFakeSource()
	src.set(Daily, 1, false, false, []Record{rec(3.2, 14.0)})
	src.set(Daily, 1, false, true, []Record{{}})

	out := New(src, zap.NewNop()).LastDay(context.Background())

	if !out.OK() {
		t.Fatalf("Expected last_day to succeed, got: %v", out.Err)
	}
	if out.Result.Production != 0 {
		t.Errorf("Expected production 0, got %f", out.Result.Production)
	}
	if out.Result.GridConsumption() != 14.0 {
		t.Errorf("Expected grid consumption 14.0, got %f", out.Result.GridConsumption())
	}
}

func TestThisHour(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 1, true, false, []Record{rec(0.1, 0.6)})

	out := New(src, zap.NewNop()).ThisHour(context.Background(), testNow().Add(25*time.Minute))

	if !out.OK() {
		t.Fatalf("Expected this_hour to succeed, got: %v", out.Err)
	}
	if !src.calls[0].Start.Equal(testNow()) {
		t.Errorf("Expected query anchored at the start of the hour, got %v", src.calls[0].Start)
	}
}

func TestLast24h_AllValid(t *testing.T) {
	src := newFakeSource()
	src.set(Hourly, 24, false, false, recs(24, 0.25, 1.0))
	src.set(Hourly, 24, false, true, prods(24, 0.5))

	out := New(src, zap.NewNop()).Last24h(context.Background())

	if !out.OK() {
		t.Fatalf("Expected last_24h to succeed, got: %v", out.Err)
	}
	if !approx(*out.Result.Cost, 6.0) || !approx(*out.Result.Consumption, 24.0) {
		t.Errorf("Expected 6.0/24.0, got %f/%f", *out.Result.Cost, *out.Result.Consumption)
	}
	if !approx(out.Result.GridConsumption(), 12.0) {
		t.Errorf("Expected grid consumption 12.0, got %f", out.Result.GridConsumption())
	}
}

func TestLast24h_OneNullSkipsWholeWindow(t *testing.T) {
	records := recs(24, 0.25, 1.0)
	records[17].Consumption = nil

	src := newFakeSource()
	src.set(Hourly, 24, false, false, records)

	core, logs := observer.New(zapcore.WarnLevel)
	out := New(src, zap.New(core)).Last24h(context.Background())

	if out.OK() {
		t.Fatal("Expected last_24h to be skipped")
	}

	entries := logs.FilterField(zap.String("period", "last_24h")).All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 warning for last_24h, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["nullConsumption"] != int64(1) {
		t.Errorf("Expected nullConsumption=1 in log, got %v", fields["nullConsumption"])
	}
	if fields["nullCost"] != int64(0) {
		t.Errorf("Expected nullCost=0 in log, got %v", fields["nullCost"])
	}
}

func TestLastYear_InsufficientData(t *testing.T) {
	src := newFakeSource()
	src.set(Annual, 2, false, false, []Record{rec(1200.0, 4800.0)})

	out := New(src, zap.NewNop()).LastYear(context.Background())

	if out.OK() {
		t.Fatal("Expected last_year to be skipped")
	}
	if !errors.Is(out.Err, ErrPartialWindow) {
		t.Errorf("Expected ErrPartialWindow, got: %v", out.Err)
	}
}

func TestLastYear_UsesSecondRecord(t *testing.T) {
	src := newFakeSource()
	src.set(Annual, 2, false, false, []Record{rec(1200.0, 4800.0), rec(300.0, 1100.0)})
	src.set(Annual, 2, false, true, prods(2, 250.0))

	out := New(src, zap.NewNop()).LastYear(context.Background())

	if !out.OK() {
		t.Fatalf("Expected last_year to succeed, got: %v", out.Err)
	}
	if *out.Result.Cost != 300.0 || *out.Result.Consumption != 1100.0 {
		t.Errorf("Expected record at index 1 (300/1100), got %f/%f", *out.Result.Cost, *out.Result.Consumption)
	}
	if out.Result.Production != 250.0 {
		t.Errorf("Expected production 250.0, got %f", out.Result.Production)
	}
}

func TestUpstreamError_IsolatedToPeriod(t *testing.T) {
	upstream := errors.New("connection reset by peer")

	src := newFakeSource()
	src.errs[fakeKey{Daily, 1, false, false}] = upstream
	src.set(Hourly, 1, false, false, []Record{rec(0.4, 2.0)})

	agg := New(src, zap.NewNop())
	lastDay := agg.LastDay(context.Background())
	lastHour := agg.LastHour(context.Background())

	if lastDay.OK() {
		t.Fatal("Expected last_day to be skipped")
	}
	if !errors.Is(lastDay.Err, upstream) || !errors.Is(lastDay.Err, ErrDataUnavailable) {
		t.Errorf("Expected upstream error wrapped as ErrDataUnavailable, got: %v", lastDay.Err)
	}
	if !lastHour.OK() {
		t.Errorf("Expected last_hour unaffected, got: %v", lastHour.Err)
	}
}

func TestProductionFetchError_SkipsPeriod(t *testing.T) {
	src := newFakeSource()
	src.set(Monthly, 1, false, false, []Record{rec(90.0, 400.0)})
	src.errs[fakeKey{Monthly, 1, false, true}] = errors.New("timeout")

	out := New(src, zap.NewNop()).LastMonth(context.Background())

	if out.OK() {
		t.Fatal("Expected last_month to be skipped when production fetch fails")
	}
}

func TestPanicInSource_Recovered(t *testing.T) {
	src := newFakeSource()
	src.panics[fakeKey{Hourly, 24, false, false}] = true

	out := New(src, zap.NewNop()).Last24h(context.Background())

	if out.OK() {
		t.Fatal("Expected last_24h to be skipped after a panic")
	}
	if out.Result.Period != Last24h {
		t.Errorf("Expected period last_24h on recovered outcome, got %s", out.Result.Period)
	}
	if !errors.Is(out.Err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable, got: %v", out.Err)
	}
}

func TestCurrentPrice(t *testing.T) {
	src := newFakeSource()
	src.price = Price{Total: 0.2841, Rank: 0.42, Level: "NORMAL"}

	price, err := New(src, zap.NewNop()).CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if price.Total != 0.2841 || price.Rank != 0.42 {
		t.Errorf("Unexpected price: %+v", price)
	}

	src.priceErr = errors.New("unavailable")
	if _, err := New(src, zap.NewNop()).CurrentPrice(context.Background()); err == nil {
		t.Error("Expected error from price source")
	}
}

func TestResult_GridClamping(t *testing.T) {
	tests := []struct {
		consumption, production, grid float64
	}{
		{2.0, 3.0, 0},
		{2.0, 2.0, 0},
		{5.0, 1.5, 3.5},
		{0, 0.7, 0},
	}

	for _, tt := range tests {
		cost := 1.0
		r := Result{Cost: &cost, Consumption: &tt.consumption, Production: tt.production}
		if got := r.GridConsumption(); !approx(got, tt.grid) {
			t.Errorf("consumption=%f production=%f: expected grid %f, got %f", tt.consumption, tt.production, tt.grid, got)
		}
		if r.GridConsumption() < 0 {
			t.Errorf("Grid consumption must never be negative, got %f", r.GridConsumption())
		}
	}
}

func TestResolution_Step(t *testing.T) {
	base := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	if got := Hourly.Step(base, -1); !got.Equal(base.Add(-time.Hour)) {
		t.Errorf("Unexpected hourly step: %v", got)
	}
	if got := Annual.Step(base, 1); got.Year() != 2026 {
		t.Errorf("Unexpected annual step: %v", got)
	}
	if !Daily.IsValid() || Resolution("WEEKLY").IsValid() {
		t.Error("Unexpected resolution validity")
	}
}
