package cagg

import (
	"strings"
)

// Row represents a single raw time-series observation with a metric name,
// optional tags, a float64 value, and a Unix nanosecond timestamp.
type Row struct {
	// Metric is the series name (e.g., "cpu.usage", "http.request_count").
	Metric string
	// Tags are optional key-value labels used for grouping (e.g., {"host": "web-1"}).
	Tags map[string]string
	// Value is the numeric measurement.
	Value float64
	// Timestamp is the observation time in Unix nanoseconds.
	Timestamp int64
}

// MakeGroupKey builds the canonical group key for a row under the given
// group-by tag keys. The format is "k1=v1,k2=v2" with keys in group-by
// order; tags absent from the row contribute an empty value so that rows
// with and without the tag land in distinct, stable groups.
//
// An empty groupBy collapses every row of the metric into the single key "".
func MakeGroupKey(tags map[string]string, groupBy []string) string {
	if len(groupBy) == 0 {
		return ""
	}
	var b strings.Builder
	for i, k := range groupBy {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// ParseGroupKey splits a canonical group key back into tag pairs.
func ParseGroupKey(key string) map[string]string {
	if key == "" {
		return nil
	}
	tags := make(map[string]string)
	for _, part := range strings.Split(key, ",") {
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			tags[part[:eq]] = part[eq+1:]
		}
	}
	return tags
}
