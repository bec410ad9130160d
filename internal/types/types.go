package types

// Database represents a database configuration.
type Database struct {
	Name          string            `yaml:"name"`
	DSN           string            `yaml:"dsn"`
	ConnectSQL    []string          `yaml:"connect_sql,omitempty"`
	KeepConnected *bool             `yaml:"keep_connected,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
}

// Metric represents a Prometheus metric populated by queries.
type Metric struct {
	Name        string    `yaml:"name"`
	Type        string    `yaml:"type"`
	Description string    `yaml:"description"`
	Labels      []string  `yaml:"labels,omitempty"`
	Buckets     []float64 `yaml:"buckets,omitempty"`
}

// Query represents a database query configuration.
type Query struct {
	Name             string         `yaml:"name"`
	Databases        []string       `yaml:"databases,omitempty"`
	ExcludeDatabases []string       `yaml:"exclude_databases,omitempty"`
	Metrics          []string       `yaml:"metrics"`
	SQL              string         `yaml:"sql"`
	Parameters       map[string]any `yaml:"parameters,omitempty"`
	Timeout          float64        `yaml:"timeout,omitempty"`
	Interval         int            `yaml:"interval,omitempty"`
	Schedule         string         `yaml:"schedule,omitempty"`
}

// Metric types supported by the exporter.
const (
	MetricTypeGauge     = "gauge"
	MetricTypeCounter   = "counter"
	MetricTypeHistogram = "histogram"
	MetricTypeSummary   = "summary"
)
