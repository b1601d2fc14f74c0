package collection

import (
	"time"

	"github.com/mjasion/balena-home/pkg/types"
	"github.com/mjasion/balena-home/tibber_metric/aggregation"
)

// Measurement names and fields written to storage
const (
	MeasurementPrices      = "electricity_prices_euro"
	MeasurementCosts       = "electricity_costs_euro"
	MeasurementConsumption = "electricity_consumption_kwh"

	FieldTotal       = "total"
	FieldRank        = "rank"
	FieldCost        = "cost"
	FieldConsumption = "consumption"

	TagPeriod = "period"
	TagSource = "source"

	SourceGrid  = "grid"
	SourceSolar = "solar"
)

// EmitPeriod converts a period outcome into measurements. Skipped outcomes emit nothing.
// The solar series is only written when there was production in the period.
func EmitPeriod(out aggregation.Outcome, ts time.Time) []types.Measurement {
	if !out.OK() {
		return nil
	}

	res := out.Result
	period := string(res.Period)

	measurements := []types.Measurement{
		types.NewMeasurement(MeasurementCosts,
			map[string]string{TagPeriod: period},
			FieldCost, *res.Cost, ts),
		types.NewMeasurement(MeasurementConsumption,
			map[string]string{TagPeriod: period},
			FieldConsumption, *res.Consumption, ts),
		types.NewMeasurement(MeasurementConsumption,
			map[string]string{TagPeriod: period, TagSource: SourceGrid},
			FieldConsumption, res.GridConsumption(), ts),
	}

	if res.Production > 0 {
		measurements = append(measurements, types.NewMeasurement(MeasurementConsumption,
			map[string]string{TagPeriod: period, TagSource: SourceSolar},
			FieldConsumption, res.Production, ts))
	}

	return measurements
}

// EmitPrice converts the current price into a single measurement
func EmitPrice(price aggregation.Price, ts time.Time) types.Measurement {
	m := types.NewMeasurement(MeasurementPrices, nil, FieldTotal, price.Total, ts)
	m.Fields[FieldRank] = price.Rank
	return m
}
