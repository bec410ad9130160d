package app

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/barryq93/promSQL/internal/db"
	"github.com/barryq93/promSQL/internal/types"
	"github.com/barryq93/promSQL/internal/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DatabaseLabel is added to every exported metric with the database name.
const DatabaseLabel = "database"

// defaultCircuitTimeout is the circuit breaker command timeout in ms.
const defaultCircuitTimeout = 60000

type CircuitBreakerConfig struct {
	Timeout       int `yaml:"timeout"`
	MaxConcurrent int `yaml:"max_concurrent"`
	ErrorPercent  int `yaml:"error_percent"`
	SleepWindow   int `yaml:"sleep_window"`
}

type GlobalConfig struct {
	Env                    string               `yaml:"env"`
	LogLevel               string               `yaml:"log_level"`
	RetryConnInterval      int                  `yaml:"retry_conn_interval"`
	LogPath                string               `yaml:"log_path"`
	Port                   int                  `yaml:"port"`
	UseHTTPS               bool                 `yaml:"use_https"`
	CertFile               string               `yaml:"cert_file"`
	KeyFile                string               `yaml:"key_file"`
	PrometheusMTLSEnabled  bool                 `yaml:"prometheus_mtls_enabled"`
	PrometheusClientCACert string               `yaml:"prometheus_client_ca_cert_file"`
	ShutdownTimeout        int                  `yaml:"shutdown_timeout"`
	WorkerPoolSize         int                  `yaml:"worker_pool_size"`
	EncryptionKey          string               `yaml:"encryption_key"`
	RateLimitRequests      int                  `yaml:"rate_limit_requests"`
	RateLimitBurst         int                  `yaml:"rate_limit_burst"`
	DLQRetryInterval       int                  `yaml:"dlq_retry_interval"`
	DLQMaxRetries          int                  `yaml:"dlq_max_retries"`
	CircuitBreakerConfig   CircuitBreakerConfig `yaml:"circuit_breaker_config"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Config struct {
	GlobalConfig GlobalConfig     `yaml:"global_config"`
	Databases    []types.Database `yaml:"databases"`
	Metrics      []types.Metric   `yaml:"metrics"`
	Queries      []types.Query    `yaml:"queries"`
	BasicAuth    BasicAuth        `yaml:"basic_auth"`
}

// LoadConfig reads, validates and decrypts the configuration file.
func LoadConfig(filename string) (Config, error) {
	var config Config
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "reading file")
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrap(err, "unmarshaling YAML")
	}

	if config.GlobalConfig.RetryConnInterval < 0 {
		return config, fmt.Errorf("retry_conn_interval cannot be negative")
	}
	if err := decryptSecrets(&config); err != nil {
		return config, err
	}
	if err := validateConfig(config); err != nil {
		return config, err
	}
	setDefaults(&config)
	return config, nil
}

func decryptSecrets(config *Config) error {
	env := config.GlobalConfig.Env
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "production"
		logrus.Warn("Environment not specified in config or ENV; defaulting to production")
	}
	isDev := env == "development"

	if config.GlobalConfig.EncryptionKey == "" {
		if !isDev {
			return fmt.Errorf("encryption_key must be set in production")
		}
		return nil
	}

	key := []byte(config.GlobalConfig.EncryptionKey)
	for i := range config.Databases {
		database := &config.Databases[i]
		if !isEncrypted(database.DSN) && !isDev {
			return fmt.Errorf("dsn for %s must be encrypted in production", database.Name)
		}
		if decrypted, err := utils.Decrypt(key, database.DSN); err == nil {
			database.DSN = decrypted
		} else if !isDev {
			return errors.Wrapf(err, "failed to decrypt dsn for %s", database.Name)
		}
	}
	if config.BasicAuth.Password == "" {
		return nil
	}
	if !isEncrypted(config.BasicAuth.Password) && !isDev {
		return fmt.Errorf("basic_auth.password must be encrypted in production")
	}
	if decrypted, err := utils.Decrypt(key, config.BasicAuth.Password); err == nil {
		config.BasicAuth.Password = decrypted
	} else if !isDev {
		return errors.Wrap(err, "failed to decrypt basic_auth.password")
	}
	return nil
}

func validateConfig(config Config) error {
	databases := make(map[string]struct{}, len(config.Databases))
	var labelKeys []string
	for i, database := range config.Databases {
		if database.Name == "" {
			return fmt.Errorf("database %d: name is required", i)
		}
		if _, ok := databases[database.Name]; ok {
			return fmt.Errorf("database %s: duplicated name", database.Name)
		}
		databases[database.Name] = struct{}{}
		keys := sortedLabelKeys(database.Labels)
		if i == 0 {
			labelKeys = keys
		} else if fmt.Sprint(keys) != fmt.Sprint(labelKeys) {
			return fmt.Errorf("database %s: labels must have the same keys for all databases", database.Name)
		}
	}

	metrics := make(map[string]types.Metric, len(config.Metrics))
	for _, metric := range config.Metrics {
		if _, ok := metrics[metric.Name]; ok {
			return fmt.Errorf("metric %s: duplicated name", metric.Name)
		}
		switch metric.Type {
		case types.MetricTypeGauge, types.MetricTypeCounter, types.MetricTypeHistogram, types.MetricTypeSummary:
		default:
			return fmt.Errorf("metric %s: unsupported type %q", metric.Name, metric.Type)
		}
		for _, label := range metric.Labels {
			if label == DatabaseLabel || contains(labelKeys, label) {
				return fmt.Errorf("metric %s: label %q is reserved for database labels", metric.Name, label)
			}
		}
		metrics[metric.Name] = metric
	}

	circuitTimeout := config.GlobalConfig.CircuitBreakerConfig.Timeout
	if circuitTimeout == 0 {
		circuitTimeout = defaultCircuitTimeout
	}

	queries := make(map[string]struct{}, len(config.Queries))
	for _, q := range config.Queries {
		if _, ok := queries[q.Name]; ok {
			return fmt.Errorf("query %s: duplicated name", q.Name)
		}
		queries[q.Name] = struct{}{}
		for _, name := range append(append([]string(nil), q.Databases...), q.ExcludeDatabases...) {
			if _, ok := databases[name]; !ok {
				return fmt.Errorf("query %s: unknown database %q", q.Name, name)
			}
		}
		for _, name := range q.Metrics {
			if _, ok := metrics[name]; !ok {
				return fmt.Errorf("query %s: unknown metric %q", q.Name, name)
			}
		}
		if q.Interval < 0 {
			return fmt.Errorf("query %s: interval must be positive", q.Name)
		}
		if q.Timeout < 0 {
			return fmt.Errorf("query %s: timeout must be positive", q.Name)
		}
		if q.Timeout*1000 >= float64(circuitTimeout) {
			return fmt.Errorf("query %s: timeout must be shorter than circuit_breaker_config.timeout (%d ms)", q.Name, circuitTimeout)
		}
	}

	_, err := buildQueries(config, nil)
	return err
}

func setDefaults(config *Config) {
	g := &config.GlobalConfig
	if g.Port == 0 {
		g.Port = 9560
	}
	if g.WorkerPoolSize == 0 {
		g.WorkerPoolSize = 10
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = 30
	}
	if g.RateLimitRequests == 0 {
		g.RateLimitRequests = 100
	}
	if g.RateLimitBurst == 0 {
		g.RateLimitBurst = 50
	}
	if g.DLQRetryInterval == 0 {
		g.DLQRetryInterval = 300
	}
	if g.DLQMaxRetries == 0 {
		g.DLQMaxRetries = 3
	}
	if g.LogPath == "" {
		g.LogPath = "."
	}
	cb := &g.CircuitBreakerConfig
	if cb.Timeout == 0 {
		cb.Timeout = defaultCircuitTimeout
	}
	if cb.MaxConcurrent == 0 {
		cb.MaxConcurrent = 10
	}
	if cb.ErrorPercent == 0 {
		cb.ErrorPercent = 50
	}
	if cb.SleepWindow == 0 {
		cb.SleepWindow = 5000
	}
}

// buildQueries turns query configurations into validated query definitions.
func buildQueries(config Config, logger logrus.FieldLogger) ([]*db.Query, error) {
	metricLabels := make(map[string][]string, len(config.Metrics))
	for _, m := range config.Metrics {
		metricLabels[m.Name] = m.Labels
	}

	queries := make([]*db.Query, 0, len(config.Queries))
	for _, qc := range config.Queries {
		metrics := make([]db.QueryMetric, 0, len(qc.Metrics))
		for _, name := range qc.Metrics {
			metrics = append(metrics, db.QueryMetric{Name: name, Labels: metricLabels[name]})
		}
		q, err := db.NewQuery(db.QueryConfig{
			Name:             qc.Name,
			IncludeDatabases: qc.Databases,
			ExcludeDatabases: qc.ExcludeDatabases,
			Metrics:          metrics,
			SQL:              qc.SQL,
			Parameters:       qc.Parameters,
			Timeout:          time.Duration(qc.Timeout * float64(time.Second)),
			Interval:         time.Duration(qc.Interval) * time.Second,
			Schedule:         qc.Schedule,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, nil
}

// databaseLabelKeys returns the static label keys shared by all databases.
func databaseLabelKeys(config Config) []string {
	if len(config.Databases) == 0 {
		return nil
	}
	return sortedLabelKeys(config.Databases[0].Labels)
}

func sortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func isEncrypted(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(s) > 32
}
