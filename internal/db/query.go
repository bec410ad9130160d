package db

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// QueryMetric is a metric populated by a query, with the label names taken
// from the same result row.
type QueryMetric struct {
	Name   string
	Labels []string
}

// QueryConfig holds the arguments for NewQuery.
type QueryConfig struct {
	Name             string
	IncludeDatabases []string
	ExcludeDatabases []string
	Metrics          []QueryMetric
	SQL              string
	Parameters       map[string]any
	Timeout          time.Duration
	Interval         time.Duration
	Schedule         string
	Logger           logrus.FieldLogger
}

// Query is a validated query definition. It can't be modified once built.
type Query struct {
	name             string
	includeDatabases []string
	excludeDatabases []string
	metrics          []QueryMetric
	sql              string
	parameters       map[string]any
	timeout          time.Duration
	interval         time.Duration
	schedule         string
	cronSchedule     cron.Schedule
	labels           []string
	logger           logrus.FieldLogger
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewQuery validates cfg and returns the query. The schedule is checked
// first, then the parameters.
func NewQuery(cfg QueryConfig) (*Query, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("query %q: timeout must be positive", cfg.Name)
	}
	if cfg.Interval < 0 {
		return nil, &InvalidQuerySchedule{QueryName: cfg.Name, Reason: "interval must be positive"}
	}
	seen := make(map[string]struct{}, len(cfg.Metrics))
	for _, m := range cfg.Metrics {
		if _, ok := seen[m.Name]; ok {
			return nil, fmt.Errorf("query %q: duplicated metric %q", cfg.Name, m.Name)
		}
		seen[m.Name] = struct{}{}
	}

	q := &Query{
		name:             cfg.Name,
		includeDatabases: append([]string(nil), cfg.IncludeDatabases...),
		excludeDatabases: append([]string(nil), cfg.ExcludeDatabases...),
		sql:              cfg.SQL,
		parameters:       make(map[string]any, len(cfg.Parameters)),
		timeout:          cfg.Timeout,
		interval:         cfg.Interval,
		schedule:         cfg.Schedule,
		logger:           cfg.Logger,
	}
	if q.logger == nil {
		q.logger = discardLogger()
	}
	for _, m := range cfg.Metrics {
		q.metrics = append(q.metrics, QueryMetric{Name: m.Name, Labels: append([]string(nil), m.Labels...)})
	}
	for k, v := range cfg.Parameters {
		q.parameters[k] = v
	}

	if err := q.checkSchedule(); err != nil {
		return nil, err
	}
	if err := q.checkParameters(); err != nil {
		return nil, err
	}

	labels := make(map[string]struct{})
	for _, m := range q.metrics {
		for _, l := range m.Labels {
			labels[l] = struct{}{}
		}
	}
	q.labels = sortedKeys(labels)

	q.logger.WithField("query", q.name).Debug("query definition validated")
	return q, nil
}

func (q *Query) checkSchedule() error {
	if q.interval > 0 && q.schedule != "" {
		return &InvalidQuerySchedule{QueryName: q.name, Reason: "both interval and schedule specified"}
	}
	if q.schedule == "" {
		return nil
	}
	sched, err := cronParser.Parse(q.schedule)
	if err != nil {
		return &InvalidQuerySchedule{QueryName: q.name, Reason: "invalid schedule format"}
	}
	q.cronSchedule = sched
	return nil
}

func (q *Query) checkParameters() error {
	placeholders := placeholderNames(q.sql)
	params := sortedKeys(q.parameters)
	if !equalStrings(params, placeholders) {
		return &InvalidQueryParameters{QueryName: q.name, Parameters: params, Placeholders: placeholders}
	}
	return nil
}

func (q *Query) Name() string { return q.name }

func (q *Query) SQL() string { return q.sql }

func (q *Query) Timeout() time.Duration { return q.timeout }

func (q *Query) Interval() time.Duration { return q.interval }

func (q *Query) Schedule() string { return q.schedule }

func (q *Query) IncludeDatabases() []string { return append([]string(nil), q.includeDatabases...) }

func (q *Query) ExcludeDatabases() []string { return append([]string(nil), q.excludeDatabases...) }

// Metrics returns a copy of the metrics declared by the query.
func (q *Query) Metrics() []QueryMetric {
	out := make([]QueryMetric, len(q.metrics))
	for i, m := range q.metrics {
		out[i] = QueryMetric{Name: m.Name, Labels: append([]string(nil), m.Labels...)}
	}
	return out
}

// Parameters returns a copy of the bound parameters.
func (q *Query) Parameters() map[string]any {
	out := make(map[string]any, len(q.parameters))
	for k, v := range q.parameters {
		out[k] = v
	}
	return out
}

// CheckPeriodic reports whether the query runs on an interval or schedule.
func (q *Query) CheckPeriodic() bool {
	return q.interval > 0 || q.schedule != ""
}

// Labels returns the union of label names of all metrics in the query.
// Order carries no meaning.
func (q *Query) Labels() []string {
	return append([]string(nil), q.labels...)
}

// NextRun returns the next scheduled run after t. It returns the zero time
// for queries without a schedule.
func (q *Query) NextRun(t time.Time) time.Time {
	if q.cronSchedule == nil {
		return time.Time{}
	}
	return q.cronSchedule.Next(t)
}

// RunsOn reports whether the query should be executed against the named
// database. An empty include list selects every database.
func (q *Query) RunsOn(database string) bool {
	for _, name := range q.excludeDatabases {
		if name == database {
			return false
		}
	}
	if len(q.includeDatabases) == 0 {
		return true
	}
	for _, name := range q.includeDatabases {
		if name == database {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
