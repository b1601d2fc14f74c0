package metrics

import (
	"context"
	"sort"
	"strings"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/pkg/types"
)

// SeriesName is the Prometheus metric name of one measurement field
func SeriesName(measurement, field string) string {
	return sanitize(measurement + "_" + field)
}

// BuildTimeSeries converts measurements to Prometheus time series.
// Every field becomes its own series named <measurement>_<field>, tags become labels.
// Samples of the same series are grouped and the output is sorted by series.
func BuildTimeSeries(ctx context.Context, batch []types.Measurement) []prompb.TimeSeries {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildTimeSeries")
	defer span.End()

	grouped := make(map[string]*prompb.TimeSeries)
	var keys []string

	for _, m := range batch {
		for _, field := range m.FieldNames() {
			name := SeriesName(m.Name, field)
			key := name + "|" + m.SeriesKey()

			ts, ok := grouped[key]
			if !ok {
				ts = &prompb.TimeSeries{Labels: buildLabels(name, m.Tags)}
				grouped[key] = ts
				keys = append(keys, key)
			}
			ts.Samples = append(ts.Samples, prompb.Sample{
				Value:     m.Fields[field],
				Timestamp: m.Timestamp.UnixMilli(),
			})
		}
	}

	sort.Strings(keys)
	timeSeries := make([]prompb.TimeSeries, 0, len(keys))
	for _, key := range keys {
		timeSeries = append(timeSeries, *grouped[key])
	}

	span.SetAttributes(attribute.Int("metrics.time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "time series built")
	return timeSeries
}

// buildLabels returns __name__ followed by the tags sorted by name, as remote_write expects
func buildLabels(name string, tags map[string]string) []prompb.Label {
	labels := make([]prompb.Label, 0, len(tags)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		labels = append(labels, prompb.Label{Name: sanitize(k), Value: tags[k]})
	}
	return labels
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
