package db

import (
	"fmt"
	"sort"
	"time"
)

// QueryResults is the raw result set of a query.
type QueryResults struct {
	Keys []string
	Rows [][]any
	// Latency is nil when the statement wasn't timed.
	Latency *time.Duration
}

// MetricResult is a single value for a metric from a query row.
type MetricResult struct {
	Metric string
	Value  any
	Labels map[string]string
}

// MetricResults is the collection of metric values produced by a query run.
type MetricResults struct {
	Results []MetricResult
	Latency *time.Duration
}

// Results maps a raw result set to metric values. Column names are compared
// sorted, since databases don't guarantee column order, but values are read
// using the original column positions.
func (q *Query) Results(res QueryResults) (MetricResults, error) {
	if len(res.Rows) == 0 {
		return MetricResults{Results: []MetricResult{}, Latency: res.Latency}, nil
	}

	expected := make(map[string]struct{}, len(q.metrics)+len(q.labels))
	for _, m := range q.metrics {
		expected[m.Name] = struct{}{}
	}
	for _, l := range q.labels {
		expected[l] = struct{}{}
	}
	expectedKeys := sortedKeys(expected)
	resultKeys := append([]string(nil), res.Keys...)
	sort.Strings(resultKeys)

	if len(expectedKeys) != len(resultKeys) {
		return MetricResults{}, &InvalidResultCount{Expected: len(expectedKeys), Got: len(resultKeys)}
	}
	if !equalStrings(expectedKeys, resultKeys) {
		return MetricResults{}, &InvalidResultColumnNames{Expected: expectedKeys, Got: resultKeys}
	}

	results := make([]MetricResult, 0, len(res.Rows)*len(q.metrics))
	for _, row := range res.Rows {
		values := make(map[string]any, len(res.Keys))
		for i, key := range res.Keys {
			if i < len(row) {
				values[key] = row[i]
			}
		}
		for _, m := range q.metrics {
			labels := make(map[string]string, len(m.Labels))
			for _, l := range m.Labels {
				labels[l] = labelValue(values[l])
			}
			results = append(results, MetricResult{Metric: m.Name, Value: values[m.Name], Labels: labels})
		}
	}
	return MetricResults{Results: results, Latency: res.Latency}, nil
}

func labelValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}
