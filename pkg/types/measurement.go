package types

import (
	"sort"
	"strings"
	"time"
)

// Measurement is the uniform unit written to the time-series backends.
// One measurement carries one or more float fields under a shared name and tag set.
type Measurement struct {
	Name      string
	Tags      map[string]string
	Fields    map[string]float64
	Timestamp time.Time
}

// NewMeasurement creates a measurement with a single field
func NewMeasurement(name string, tags map[string]string, field string, value float64, ts time.Time) Measurement {
	return Measurement{
		Name:      name,
		Tags:      tags,
		Fields:    map[string]float64{field: value},
		Timestamp: ts,
	}
}

// Tag returns the tag value and whether it is set
func (m Measurement) Tag(key string) (string, bool) {
	v, ok := m.Tags[key]
	return v, ok
}

// Field returns the field value and whether it is set
func (m Measurement) Field(key string) (float64, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// SeriesKey identifies the series a measurement belongs to (name plus sorted tags).
// It is stable across calls, unlike map iteration order.
func (m Measurement) SeriesKey() string {
	keys := make([]string, 0, len(m.Tags))
	for k := range m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(m.Name)
	for _, k := range keys {
		sb.WriteByte(',')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m.Tags[k])
	}
	return sb.String()
}

// FieldNames returns the field names in sorted order
func (m Measurement) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
