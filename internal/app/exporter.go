package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/barryq93/promSQL/internal/db"
	"github.com/barryq93/promSQL/internal/types"
	"github.com/barryq93/promSQL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statusSuccess = "success"
	statusError   = "error"
	statusTimeout = "timeout"
)

type metricVec struct {
	kind     string
	gauge    *prometheus.GaugeVec
	counter  *prometheus.CounterVec
	observer prometheus.ObserverVec
}

// Exporter holds the Prometheus collectors for configured metrics and the
// builtin query metrics.
type Exporter struct {
	registry *prometheus.Registry
	metrics  map[string]*metricVec

	queriesTotal        *prometheus.CounterVec
	queryLatency        *prometheus.HistogramVec
	queryTimestamp      *prometheus.GaugeVec
	databaseErrors      *prometheus.CounterVec
	retryAttempts       *prometheus.CounterVec
	workerQueueGauge    prometheus.Gauge
	circuitBreakerState *prometheus.GaugeVec
}

// NewExporter registers a collector for every configured metric. Each one is
// labeled with the metric labels, the database label and the static
// database label keys.
func NewExporter(metrics []types.Metric, dbLabelKeys []string) (*Exporter, error) {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		metrics:  make(map[string]*metricVec, len(metrics)),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queries_total",
				Help: "Number of database queries by status",
			},
			[]string{DatabaseLabel, "query", "status"},
		),
		queryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_latency_seconds",
				Help:    "Query execution latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{DatabaseLabel, "query"},
		),
		queryTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "query_timestamp",
				Help: "Unix timestamp of the last successful query run",
			},
			[]string{DatabaseLabel, "query"},
		),
		databaseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_errors_total",
				Help: "Number of database connection errors",
			},
			[]string{DatabaseLabel},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_retry_attempts_total",
				Help: "Total number of retry attempts",
			},
			[]string{DatabaseLabel, "query"},
		),
		workerQueueGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_queue_length",
				Help: "Number of queries in the worker queue",
			},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current state of circuit breakers (0=closed, 1=open)",
			},
			[]string{DatabaseLabel},
		),
	}
	e.registry.MustRegister(e.queriesTotal, e.queryLatency, e.queryTimestamp, e.databaseErrors,
		e.retryAttempts, e.workerQueueGauge, e.circuitBreakerState)

	for _, m := range metrics {
		labels := append(append([]string(nil), m.Labels...), DatabaseLabel)
		labels = append(labels, dbLabelKeys...)
		vec := &metricVec{kind: m.Type}
		var collector prometheus.Collector
		switch m.Type {
		case types.MetricTypeGauge:
			vec.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: m.Name, Help: m.Description}, labels)
			collector = vec.gauge
		case types.MetricTypeCounter:
			vec.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: m.Name, Help: m.Description}, labels)
			collector = vec.counter
		case types.MetricTypeHistogram:
			h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: m.Name, Help: m.Description, Buckets: m.Buckets}, labels)
			vec.observer, collector = h, h
		case types.MetricTypeSummary:
			s := prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: m.Name, Help: m.Description}, labels)
			vec.observer, collector = s, s
		default:
			return nil, fmt.Errorf("metric %s: unsupported type %q", m.Name, m.Type)
		}
		if err := e.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("registering metric %s: %w", m.Name, err)
		}
		e.metrics[m.Name] = vec
	}
	return e, nil
}

// Update sets metric values from query results. Values that can't be
// converted are skipped and reported in the returned error.
func (e *Exporter) Update(database *db.DataBase, results db.MetricResults) error {
	var failed []string
	for _, r := range results.Results {
		vec, ok := e.metrics[r.Metric]
		if !ok {
			failed = append(failed, fmt.Sprintf("%s: unknown metric", r.Metric))
			continue
		}
		value, err := utils.ToFloat(r.Value)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", r.Metric, err))
			continue
		}
		labels := utils.MergeLabels(r.Labels, database.Labels(), map[string]string{DatabaseLabel: database.Name()})
		switch vec.kind {
		case types.MetricTypeGauge:
			vec.gauge.With(labels).Set(value)
		case types.MetricTypeCounter:
			if value < 0 {
				failed = append(failed, fmt.Sprintf("%s: negative counter increment %v", r.Metric, value))
				continue
			}
			vec.counter.With(labels).Add(value)
		default:
			vec.observer.With(labels).Observe(value)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("invalid metric values: %v", failed)
	}
	return nil
}

// ObserveQuery records the outcome of a query run.
func (e *Exporter) ObserveQuery(database, query, status string, latency *time.Duration) {
	e.queriesTotal.WithLabelValues(database, query, status).Inc()
	if status != statusSuccess {
		return
	}
	e.queryTimestamp.WithLabelValues(database, query).SetToCurrentTime()
	if latency != nil {
		e.queryLatency.WithLabelValues(database, query).Observe(latency.Seconds())
	}
}

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
