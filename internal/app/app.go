package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/barryq93/promSQL/internal/db"
	"github.com/barryq93/promSQL/internal/utils"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"
)

// QueryJob is a request to run a query against a database.
type QueryJob struct {
	QueryName  string `json:"query"`
	Database   string `json:"database"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

func (j QueryJob) key() string {
	return j.Database + "/" + j.QueryName
}

// state holds everything built from one configuration. It is replaced as a
// whole when the configuration is reloaded.
type state struct {
	config    Config
	databases map[string]*db.DataBase
	dbNames   []string
	locks     map[string]*sync.Mutex
	queries   map[string]*db.Query
	order     []*db.Query
	exporter  *Exporter
	ctx       context.Context
	cancel    context.CancelFunc
}

func newState(config Config, logger *logrus.Logger) (*state, error) {
	queries, err := buildQueries(config, logger)
	if err != nil {
		return nil, err
	}
	exporter, err := NewExporter(config.Metrics, databaseLabelKeys(config))
	if err != nil {
		return nil, err
	}

	st := &state{
		config:    config,
		databases: make(map[string]*db.DataBase, len(config.Databases)),
		locks:     make(map[string]*sync.Mutex, len(config.Databases)),
		queries:   make(map[string]*db.Query, len(queries)),
		order:     queries,
		exporter:  exporter,
	}
	st.ctx, st.cancel = context.WithCancel(context.Background())
	for _, q := range queries {
		st.queries[q.Name()] = q
	}

	cb := config.GlobalConfig.CircuitBreakerConfig
	for _, dc := range config.Databases {
		keepConnected := true
		if dc.KeepConnected != nil {
			keepConnected = *dc.KeepConnected
		}
		database, err := db.NewDataBase(db.DataBaseConfig{
			Name:          dc.Name,
			DSN:           dc.DSN,
			ConnectSQL:    dc.ConnectSQL,
			KeepConnected: keepConnected,
			Labels:        dc.Labels,
		}, logger)
		if err != nil {
			st.stop(logger)
			return nil, fmt.Errorf("initializing database %s: %w", dc.Name, err)
		}
		st.databases[dc.Name] = database
		st.dbNames = append(st.dbNames, dc.Name)
		st.locks[dc.Name] = &sync.Mutex{}

		hystrix.ConfigureCommand(circuitName(dc.Name), hystrix.CommandConfig{
			Timeout:               cb.Timeout,
			MaxConcurrentRequests: cb.MaxConcurrent,
			ErrorPercentThreshold: cb.ErrorPercent,
			SleepWindow:           cb.SleepWindow,
		})
	}
	return st, nil
}

// stop cancels the state's scheduling and closes its databases.
func (st *state) stop(logger logrus.FieldLogger) {
	st.cancel()
	for name, database := range st.databases {
		if err := database.Shutdown(); err != nil {
			logger.WithField("database", name).Errorf("Failed to close database: %v", err)
		}
	}
}

// jobs returns a job for every (query, database) pair selected by filter.
func (st *state) jobs(filter func(*db.Query) bool) []QueryJob {
	var jobs []QueryJob
	for _, q := range st.order {
		if !filter(q) {
			continue
		}
		for _, name := range st.dbNames {
			if q.RunsOn(name) {
				jobs = append(jobs, QueryJob{QueryName: q.Name(), Database: name})
			}
		}
	}
	return jobs
}

type Application struct {
	configFile  string
	logger      *logrus.Logger
	mu          sync.RWMutex
	config      Config
	state       *state
	workerPool  chan QueryJob
	dlq         *DeadLetterQueue
	shutdown    chan struct{}
	wg          sync.WaitGroup
	server      *http.Server
	rateLimiter *ratelimit.Bucket
	certs       *certReloader

	jobsMu   sync.Mutex
	inflight map[string]struct{}
	disabled map[string]struct{}
	// retryAt holds databases whose last connection attempt failed, with the
	// time a new attempt is allowed.
	retryAt map[string]time.Time
}

// NewApplication loads configFile and starts scheduling queries, serving
// metrics and watching the configuration for changes.
func NewApplication(configFile string, logger *logrus.Logger) (*Application, error) {
	config, err := LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	app, err := New(config, logger)
	if err != nil {
		return nil, err
	}
	app.configFile = configFile
	if err := app.Start(); err != nil {
		app.Shutdown()
		return nil, err
	}
	go app.watchConfig(configFile)
	if config.GlobalConfig.UseHTTPS {
		go app.watchCertificates()
	}
	return app, nil
}

// New builds the application from config without starting it.
func New(config Config, logger *logrus.Logger) (*Application, error) {
	utils.SetLogLevel(logger, config.GlobalConfig.LogLevel)

	st, err := newState(config, logger)
	if err != nil {
		return nil, err
	}
	app := &Application{
		logger:     logger,
		config:     config,
		state:      st,
		workerPool: make(chan QueryJob, config.GlobalConfig.WorkerPoolSize),
		dlq:        NewDeadLetterQueue(config.GlobalConfig.LogPath, logger),
		shutdown:   make(chan struct{}),
		rateLimiter: ratelimit.NewBucketWithRate(
			float64(config.GlobalConfig.RateLimitRequests),
			int64(config.GlobalConfig.RateLimitBurst),
		),
		inflight: make(map[string]struct{}),
		disabled: make(map[string]struct{}),
		retryAt:  make(map[string]time.Time),
	}
	return app, nil
}

// Start launches the workers, the scheduler, the dead letter queue retries
// and the HTTP server.
func (app *Application) Start() error {
	for i := 0; i < app.config.GlobalConfig.WorkerPoolSize; i++ {
		app.wg.Add(1)
		go app.worker()
	}
	app.scheduleQueries(app.currentState())
	app.dlq.ProcessRetries(app)

	server, err := app.startHTTPServer()
	if err != nil {
		return err
	}
	app.server = server
	return nil
}

func (app *Application) currentState() *state {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.state
}

func (app *Application) currentConfig() Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config
}

func (app *Application) worker() {
	defer app.wg.Done()
	for {
		select {
		case job := <-app.workerPool:
			app.currentState().exporter.workerQueueGauge.Set(float64(len(app.workerPool)))
			app.safeExecute(job)
		case <-app.shutdown:
			return
		}
	}
}

func (app *Application) safeExecute(job QueryJob) {
	defer func() {
		if r := recover(); r != nil {
			app.logger.Errorf("Worker recovered from panic: %v", r)
		}
	}()
	app.executeQuery(job)
}

// submit queues job unless the same pair is disabled or already queued.
func (app *Application) submit(job QueryJob) {
	key := job.key()
	app.jobsMu.Lock()
	if _, ok := app.disabled[key]; ok {
		app.jobsMu.Unlock()
		return
	}
	if app.backingOff(job.Database) {
		app.jobsMu.Unlock()
		app.logger.WithField("job", key).Debug("Waiting to reconnect, skipping")
		return
	}
	if _, ok := app.inflight[key]; ok {
		app.jobsMu.Unlock()
		app.logger.WithField("job", key).Debug("Job already queued, skipping")
		return
	}
	app.inflight[key] = struct{}{}
	app.jobsMu.Unlock()

	select {
	case app.workerPool <- job:
		app.currentState().exporter.workerQueueGauge.Set(float64(len(app.workerPool)))
	case <-app.shutdown:
		app.finish(job)
	}
}

func (app *Application) finish(job QueryJob) {
	app.jobsMu.Lock()
	delete(app.inflight, job.key())
	app.jobsMu.Unlock()
}

func (app *Application) disable(job QueryJob) {
	app.jobsMu.Lock()
	app.disabled[job.key()] = struct{}{}
	app.jobsMu.Unlock()
}

// backoff delays jobs for database by retry_conn_interval after a failed
// connection.
func (app *Application) backoff(database string) {
	interval := time.Duration(app.currentConfig().GlobalConfig.RetryConnInterval) * time.Second
	if interval <= 0 {
		return
	}
	app.jobsMu.Lock()
	app.retryAt[database] = time.Now().Add(interval)
	app.jobsMu.Unlock()
}

// backingOff must be called with jobsMu held.
func (app *Application) backingOff(database string) bool {
	return time.Now().Before(app.retryAt[database])
}

func (app *Application) waitingToReconnect(database string) bool {
	app.jobsMu.Lock()
	defer app.jobsMu.Unlock()
	return app.backingOff(database)
}

func (app *Application) isDisabled(job QueryJob) bool {
	app.jobsMu.Lock()
	defer app.jobsMu.Unlock()
	_, ok := app.disabled[job.key()]
	return ok
}

// executeQuery runs a job. Fatal errors disable the (query, database) pair;
// other errors send the job to the dead letter queue.
func (app *Application) executeQuery(job QueryJob) error {
	defer app.finish(job)

	logger := app.logger.WithFields(logrus.Fields{
		"correlation_id": fmt.Sprintf("%d", time.Now().UnixNano()),
		"query":          job.QueryName,
		"database":       job.Database,
	})

	st := app.currentState()
	q, database := st.queries[job.QueryName], st.databases[job.Database]
	if q == nil || database == nil {
		logger.Warn("Query or database no longer configured, dropping job")
		return fmt.Errorf("unknown job %s", job.key())
	}
	if app.isDisabled(job) {
		return fmt.Errorf("job %s is disabled", job.key())
	}

	lock := st.locks[job.Database]
	lock.Lock()
	defer lock.Unlock()

	// hystrix returns on its own timeout without stopping the run function,
	// so the statement is cancelled and awaited before the lock is released.
	ctx, cancel := context.WithCancel(st.ctx)
	run := newGuardedRun()
	var results db.MetricResults
	var fatalErr error
	err := hystrix.DoC(ctx, circuitName(job.Database), func(ctx context.Context) error {
		if !run.start() {
			return ctx.Err()
		}
		defer run.done()
		res, err := database.Execute(ctx, q)
		if err != nil && db.IsFatal(err) {
			fatalErr = err
			return nil
		}
		results = res
		return err
	}, nil)
	cancel()
	run.abandon()
	app.updateCircuitState(st, job.Database)

	if err != nil {
		status := statusError
		var timeout *db.TimeoutExpired
		if errors.As(err, &timeout) {
			status = statusTimeout
		}
		var connErr *db.ConnectError
		if errors.As(err, &connErr) {
			st.exporter.databaseErrors.WithLabelValues(job.Database).Inc()
			app.backoff(job.Database)
		}
		st.exporter.ObserveQuery(job.Database, job.QueryName, status, nil)
		st.exporter.retryAttempts.WithLabelValues(job.Database, job.QueryName).Inc()
		app.dlq.Add(job, err)
		if errors.Is(err, hystrix.ErrCircuitOpen) {
			logger.Warn("Circuit breaker open, query sent to dead letter queue")
		} else {
			logger.WithError(err).Warn("Query failed, sent to dead letter queue")
		}
		return err
	}
	if fatalErr != nil {
		app.disable(job)
		st.exporter.ObserveQuery(job.Database, job.QueryName, statusError, nil)
		logger.WithError(fatalErr).Error("Query failed with a fatal error and has been disabled")
		return fatalErr
	}

	if err := st.exporter.Update(database, results); err != nil {
		logger.WithError(err).Warn("Some query results were not exported")
	}
	st.exporter.ObserveQuery(job.Database, job.QueryName, statusSuccess, results.Latency)
	logger.WithField("results", len(results.Results)).Debug("Query executed")
	return nil
}

// runAperiodic runs queries without interval or schedule. It is called on
// every metrics scrape.
func (app *Application) runAperiodic() {
	st := app.currentState()
	for _, job := range st.jobs(func(q *db.Query) bool { return !q.CheckPeriodic() }) {
		if app.waitingToReconnect(job.Database) {
			app.logger.WithField("job", job.key()).Debug("Waiting to reconnect, skipping")
			continue
		}
		app.executeQuery(job)
	}
}

// guardedRun tracks a run function that hystrix may start late or stop
// waiting for.
type guardedRun struct {
	mu        sync.Mutex
	started   bool
	abandoned bool
	finished  chan struct{}
}

func newGuardedRun() *guardedRun {
	return &guardedRun{finished: make(chan struct{})}
}

// start reports whether the run may proceed. It fails once abandoned.
func (g *guardedRun) start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abandoned {
		return false
	}
	g.started = true
	return true
}

func (g *guardedRun) done() {
	close(g.finished)
}

// abandon prevents a later start and waits for a started run to return.
func (g *guardedRun) abandon() {
	g.mu.Lock()
	g.abandoned = true
	started := g.started
	g.mu.Unlock()
	if started {
		<-g.finished
	}
}

func (app *Application) updateCircuitState(st *state, database string) {
	st.exporter.circuitBreakerState.WithLabelValues(database).Set(float64(circuitOpen(database)))
}

// circuitOpen returns 1 when the database circuit is open, 0 otherwise.
func circuitOpen(database string) int {
	cb, _, err := hystrix.GetCircuit(circuitName(database))
	if err != nil || !cb.IsOpen() {
		return 0
	}
	return 1
}

func circuitName(database string) string {
	return "db_" + database
}

// reload replaces the running state with one built from config.
func (app *Application) reload(config Config) error {
	st, err := newState(config, app.logger)
	if err != nil {
		return err
	}
	utils.SetLogLevel(app.logger, config.GlobalConfig.LogLevel)

	app.mu.Lock()
	old := app.state
	app.state = st
	app.config = config
	app.mu.Unlock()

	app.jobsMu.Lock()
	app.disabled = make(map[string]struct{})
	app.retryAt = make(map[string]time.Time)
	app.jobsMu.Unlock()

	old.stop(app.logger)
	app.scheduleQueries(st)
	return nil
}

func (app *Application) Shutdown() {
	close(app.shutdown)
	st := app.currentState()
	st.cancel()
	app.wg.Wait()
	st.stop(app.logger)

	if app.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(app.currentConfig().GlobalConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Errorf("Server shutdown failed: %v", err)
	}
}
