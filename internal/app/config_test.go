package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/barryq93/promSQL/internal/types"
	"github.com/barryq93/promSQL/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(filename, []byte(data), 0644))
	return filename
}

func TestLoadConfig(t *testing.T) {
	encryptedDSN, err := utils.Encrypt(testEncryptionKey, "sqlite:///tmp/prod.db")
	require.NoError(t, err)

	tests := []struct {
		name       string
		configData string
		env        string
		errContain string
		checkFunc  func(*testing.T, Config)
	}{
		{
			name: "ValidConfigDevelopment",
			configData: `
global_config:
  log_level: DEBUG
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
    labels: {env: test}
metrics:
  - name: jobs_total
    type: gauge
    description: Jobs by state
    labels: [state]
queries:
  - name: jobs
    interval: 10
    metrics: [jobs_total]
    sql: SELECT state, COUNT(*) AS jobs_total FROM jobs GROUP BY state
`,
			env: "development",
			checkFunc: func(t *testing.T, cfg Config) {
				assert.Equal(t, "DEBUG", cfg.GlobalConfig.LogLevel)
				assert.Equal(t, "sqlite:///tmp/main.db", cfg.Databases[0].DSN)
				assert.Equal(t, 9560, cfg.GlobalConfig.Port)
				assert.Equal(t, 10, cfg.GlobalConfig.WorkerPoolSize)
				assert.Equal(t, 3, cfg.GlobalConfig.DLQMaxRetries)
				assert.Equal(t, 300, cfg.GlobalConfig.DLQRetryInterval)
				assert.Equal(t, 60000, cfg.GlobalConfig.CircuitBreakerConfig.Timeout)
			},
		},
		{
			name: "EncryptedProduction",
			configData: `
global_config:
  encryption_key: ` + testEncryptionKey + `
databases:
  - name: main
    dsn: ` + encryptedDSN + `
`,
			env: "production",
			checkFunc: func(t *testing.T, cfg Config) {
				assert.Equal(t, "sqlite:///tmp/prod.db", cfg.Databases[0].DSN)
			},
		},
		{
			name: "PlaintextProduction",
			configData: `
global_config:
  encryption_key: ` + testEncryptionKey + `
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
`,
			env:        "production",
			errContain: "must be encrypted in production",
		},
		{
			name:       "MissingKeyProduction",
			configData: "databases: []\n",
			env:        "production",
			errContain: "encryption_key must be set",
		},
		{
			name: "NegativeRetryInterval",
			configData: `
global_config:
  retry_conn_interval: -1
`,
			env:        "development",
			errContain: "cannot be negative",
		},
		{
			name: "UnknownMetric",
			configData: `
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
queries:
  - name: q
    metrics: [missing]
    sql: SELECT 1 AS missing
`,
			env:        "development",
			errContain: `unknown metric "missing"`,
		},
		{
			name: "UnknownDatabase",
			configData: `
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
metrics:
  - name: m
    type: gauge
queries:
  - name: q
    databases: [other]
    metrics: [m]
    sql: SELECT 1 AS m
`,
			env:        "development",
			errContain: `unknown database "other"`,
		},
		{
			name: "DatabaseLabelMismatch",
			configData: `
databases:
  - name: one
    dsn: sqlite:///tmp/one.db
    labels: {env: a}
  - name: two
    dsn: sqlite:///tmp/two.db
    labels: {region: b}
`,
			env:        "development",
			errContain: "same keys",
		},
		{
			name: "ReservedLabel",
			configData: `
metrics:
  - name: m
    type: gauge
    labels: [database]
`,
			env:        "development",
			errContain: "reserved",
		},
		{
			name: "UnsupportedMetricType",
			configData: `
metrics:
  - name: m
    type: info
`,
			env:        "development",
			errContain: "unsupported type",
		},
		{
			name: "IntervalAndSchedule",
			configData: `
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
metrics:
  - name: m
    type: gauge
queries:
  - name: q
    interval: 10
    schedule: "*/5 * * * *"
    metrics: [m]
    sql: SELECT 1 AS m
`,
			env:        "development",
			errContain: `invalid schedule for query "q"`,
		},
		{
			name: "TimeoutNotShorterThanCircuit",
			configData: `
global_config:
  circuit_breaker_config:
    timeout: 2000
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
metrics:
  - name: m
    type: gauge
queries:
  - name: q
    timeout: 2
    metrics: [m]
    sql: SELECT 1 AS m
`,
			env:        "development",
			errContain: "shorter than circuit_breaker_config.timeout",
		},
		{
			name: "ParameterMismatch",
			configData: `
databases:
  - name: main
    dsn: sqlite:///tmp/main.db
metrics:
  - name: m
    type: gauge
queries:
  - name: q
    metrics: [m]
    sql: SELECT :value AS m
    parameters: {other: 1}
`,
			env:        "development",
			errContain: `parameters for query "q" don't match`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			cfg, err := LoadConfig(writeConfig(t, tt.configData))
			if tt.errContain != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			require.NoError(t, err)
			tt.checkFunc(t, cfg)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading file")
}

func TestBuildQueries(t *testing.T) {
	cfg := Config{
		Metrics: []types.Metric{{Name: "m", Type: types.MetricTypeGauge, Labels: []string{"l"}}},
		Queries: []types.Query{{
			Name:     "q",
			Metrics:  []string{"m"},
			SQL:      "SELECT l, m FROM t",
			Timeout:  1.5,
			Interval: 30,
		}},
	}
	queries, err := buildQueries(cfg, nil)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, []string{"l"}, queries[0].Labels())
	assert.Equal(t, 1500*time.Millisecond, queries[0].Timeout())
	assert.Equal(t, 30*time.Second, queries[0].Interval())
}
