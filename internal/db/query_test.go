package db

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuerySchedule(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		schedule string
		wantErr  string
	}{
		{name: "NoSchedule"},
		{name: "IntervalOnly", interval: 10 * time.Second},
		{name: "ValidCron", schedule: "*/5 * * * *"},
		{name: "Descriptor", schedule: "@hourly"},
		{name: "Both", interval: 10 * time.Second, schedule: "*/5 * * * *", wantErr: "both interval and schedule specified"},
		{name: "InvalidCron", schedule: "wrong", wantErr: "invalid schedule format"},
		{name: "TooManyFields", schedule: "* * * * * * *", wantErr: "invalid schedule format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQuery(QueryConfig{
				Name:     "q",
				Metrics:  []QueryMetric{{Name: "m"}},
				SQL:      "SELECT 1 AS m",
				Interval: tt.interval,
				Schedule: tt.schedule,
			})
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.interval > 0 || tt.schedule != "", q.CheckPeriodic())
				return
			}
			assert.Nil(t, q)
			var schedErr *InvalidQuerySchedule
			require.True(t, errors.As(err, &schedErr))
			assert.Equal(t, "q", schedErr.QueryName)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewQueryParameters(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		params  map[string]any
		wantErr bool
	}{
		{name: "NoParams", sql: "SELECT 1 AS m"},
		{name: "Matching", sql: "SELECT :a AS m WHERE x = :b", params: map[string]any{"a": 1, "b": "x"}},
		{name: "RepeatedPlaceholder", sql: "SELECT :a AS m WHERE :a > 0", params: map[string]any{"a": 1}},
		{name: "Missing", sql: "SELECT :a AS m WHERE x = :b", params: map[string]any{"a": 1}, wantErr: true},
		{name: "Extra", sql: "SELECT :a AS m", params: map[string]any{"a": 1, "b": 2}, wantErr: true},
		{name: "ParamsWithoutPlaceholders", sql: "SELECT 1 AS m", params: map[string]any{"a": 1}, wantErr: true},
		{name: "CastIsNotPlaceholder", sql: "SELECT x::int AS m"},
		{name: "CastAfterPlaceholder", sql: "SELECT CAST(:a AS int) AS m", params: map[string]any{"a": "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQuery(QueryConfig{
				Name:       "q",
				Metrics:    []QueryMetric{{Name: "m"}},
				SQL:        tt.sql,
				Parameters: tt.params,
			})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, len(tt.params), len(q.Parameters()))
				return
			}
			assert.Nil(t, q)
			var paramErr *InvalidQueryParameters
			require.True(t, errors.As(err, &paramErr))
			assert.Equal(t, "q", paramErr.QueryName)
		})
	}
}

func TestNewQueryScheduleCheckedBeforeParameters(t *testing.T) {
	_, err := NewQuery(QueryConfig{
		Name:     "q",
		Metrics:  []QueryMetric{{Name: "m"}},
		SQL:      "SELECT :a AS m",
		Schedule: "not a cron",
	})
	var schedErr *InvalidQuerySchedule
	assert.True(t, errors.As(err, &schedErr))
}

func TestNewQueryDuplicatedMetric(t *testing.T) {
	_, err := NewQuery(QueryConfig{
		Name:    "q",
		Metrics: []QueryMetric{{Name: "m"}, {Name: "m"}},
		SQL:     "SELECT 1 AS m",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicated metric "m"`)
}

func TestQueryLabels(t *testing.T) {
	q, err := NewQuery(QueryConfig{
		Name: "q",
		Metrics: []QueryMetric{
			{Name: "m1", Labels: []string{"l2", "l1"}},
			{Name: "m2", Labels: []string{"l1", "l3"}},
		},
		SQL: "SELECT 1",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"l1", "l2", "l3"}, q.Labels())

	labels := q.Labels()
	labels[0] = "changed"
	assert.ElementsMatch(t, []string{"l1", "l2", "l3"}, q.Labels())
}

func TestQueryIsImmutable(t *testing.T) {
	metrics := []QueryMetric{{Name: "m", Labels: []string{"l"}}}
	params := map[string]any{"a": 1}
	q, err := NewQuery(QueryConfig{Name: "q", Metrics: metrics, SQL: "SELECT :a", Parameters: params})
	require.NoError(t, err)

	metrics[0].Labels[0] = "other"
	params["b"] = 2
	assert.Equal(t, []QueryMetric{{Name: "m", Labels: []string{"l"}}}, q.Metrics())
	assert.Equal(t, map[string]any{"a": 1}, q.Parameters())
}

func TestQueryRunsOn(t *testing.T) {
	tests := []struct {
		name     string
		include  []string
		exclude  []string
		database string
		want     bool
	}{
		{name: "AllDatabases", database: "db1", want: true},
		{name: "Included", include: []string{"db1", "db2"}, database: "db2", want: true},
		{name: "NotIncluded", include: []string{"db1"}, database: "db2", want: false},
		{name: "Excluded", exclude: []string{"db1"}, database: "db1", want: false},
		{name: "ExcludeWins", include: []string{"db1"}, exclude: []string{"db1"}, database: "db1", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQuery(QueryConfig{
				Name:             "q",
				IncludeDatabases: tt.include,
				ExcludeDatabases: tt.exclude,
				Metrics:          []QueryMetric{{Name: "m"}},
				SQL:              "SELECT 1 AS m",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.RunsOn(tt.database))
		})
	}
}

func TestQueryNextRun(t *testing.T) {
	q, err := NewQuery(QueryConfig{Name: "q", Metrics: []QueryMetric{{Name: "m"}}, SQL: "SELECT 1", Schedule: "0 * * * *"})
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), q.NextRun(now))

	q, err = NewQuery(QueryConfig{Name: "q", Metrics: []QueryMetric{{Name: "m"}}, SQL: "SELECT 1", Interval: time.Minute})
	require.NoError(t, err)
	assert.True(t, q.NextRun(now).IsZero())
}
