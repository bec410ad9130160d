package db

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuery(t *testing.T, metrics ...QueryMetric) *Query {
	t.Helper()
	q, err := NewQuery(QueryConfig{Name: "query", Metrics: metrics, SQL: "SELECT 1"})
	require.NoError(t, err)
	return q
}

func TestResultsEmptyRows(t *testing.T) {
	q := newTestQuery(t, QueryMetric{Name: "m1", Labels: []string{"l1"}})
	latency := 2 * time.Second

	res, err := q.Results(QueryResults{Keys: []string{"wrong"}, Latency: &latency})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	require.NotNil(t, res.Latency)
	assert.Equal(t, latency, *res.Latency)
}

func TestResultsSingleMetric(t *testing.T) {
	q := newTestQuery(t, QueryMetric{Name: "m1", Labels: []string{"l1"}})

	res, err := q.Results(QueryResults{Keys: []string{"m1", "l1"}, Rows: [][]any{{42, "a"}}})
	require.NoError(t, err)
	assert.Equal(t, []MetricResult{{Metric: "m1", Value: 42, Labels: map[string]string{"l1": "a"}}}, res.Results)
	assert.Nil(t, res.Latency)
}

func TestResultsColumnOrderIndependent(t *testing.T) {
	q := newTestQuery(t,
		QueryMetric{Name: "m1", Labels: []string{"l1"}},
		QueryMetric{Name: "m2", Labels: []string{"l1", "l2"}},
	)
	latency := 50 * time.Millisecond

	res, err := q.Results(QueryResults{
		Keys:    []string{"l2", "m2", "l1", "m1"},
		Rows:    [][]any{{"y", 2.5, "x", int64(1)}, {[]byte("w"), 3.5, "z", int64(7)}},
		Latency: &latency,
	})
	require.NoError(t, err)
	assert.Equal(t, []MetricResult{
		{Metric: "m1", Value: int64(1), Labels: map[string]string{"l1": "x"}},
		{Metric: "m2", Value: 2.5, Labels: map[string]string{"l1": "x", "l2": "y"}},
		{Metric: "m1", Value: int64(7), Labels: map[string]string{"l1": "z"}},
		{Metric: "m2", Value: 3.5, Labels: map[string]string{"l1": "z", "l2": "w"}},
	}, res.Results)
	assert.Equal(t, &latency, res.Latency)
}

func TestResultsInvalidCount(t *testing.T) {
	q := newTestQuery(t, QueryMetric{Name: "m1", Labels: []string{"l1"}})

	_, err := q.Results(QueryResults{Keys: []string{"m1"}, Rows: [][]any{{1}}})
	var countErr *InvalidResultCount
	require.True(t, errors.As(err, &countErr))
	assert.Equal(t, 2, countErr.Expected)
	assert.Equal(t, 1, countErr.Got)
	assert.True(t, IsFatal(err))
	assert.EqualError(t, err, "wrong result count from query: expected 2, got 1")
}

func TestResultsInvalidColumnNames(t *testing.T) {
	q := newTestQuery(t, QueryMetric{Name: "m1", Labels: []string{"l1"}})

	_, err := q.Results(QueryResults{Keys: []string{"m1", "wrong_label"}, Rows: [][]any{{1, "a"}}})
	var namesErr *InvalidResultColumnNames
	require.True(t, errors.As(err, &namesErr))
	assert.Equal(t, []string{"l1", "m1"}, namesErr.Expected)
	assert.Equal(t, []string{"m1", "wrong_label"}, namesErr.Got)
	assert.True(t, IsFatal(err))
	assert.EqualError(t, err, "wrong column names from query: expected (l1, m1), got (m1, wrong_label)")
}

func TestResultsSharedLabelColumn(t *testing.T) {
	q := newTestQuery(t,
		QueryMetric{Name: "m1", Labels: []string{"l"}},
		QueryMetric{Name: "m2", Labels: []string{"l"}},
	)

	_, err := q.Results(QueryResults{Keys: []string{"m1", "m2", "l", "l"}, Rows: [][]any{{1, 2, "a", "a"}}})
	var countErr *InvalidResultCount
	require.True(t, errors.As(err, &countErr))
	assert.Equal(t, 3, countErr.Expected)
	assert.Equal(t, 4, countErr.Got)
}

func TestLabelValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "", labelValue(nil))
	assert.Equal(t, "abc", labelValue([]byte("abc")))
	assert.Equal(t, "12", labelValue(int64(12)))
	assert.Equal(t, "true", labelValue(true))
	assert.Equal(t, "2024-01-02T03:04:05Z", labelValue(ts))
}
