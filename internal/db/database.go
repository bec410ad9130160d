package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var errNotConnected = errors.New("database is not connected")

// DataBaseConfig describes a database to run queries against.
type DataBaseConfig struct {
	Name string
	DSN  string
	// ConnectSQL statements are executed right after connecting.
	ConnectSQL []string
	// KeepConnected keeps the connection open between queries.
	KeepConnected bool
	Labels        map[string]string
}

// DataBase owns a single connection to a database. Connect and Close are
// serialized, statement execution isn't: callers must not run two queries on
// the same DataBase concurrently.
type DataBase struct {
	config    DataBaseConfig
	connector Connector
	logger    logrus.FieldLogger

	mu        sync.Mutex
	conn      Conn
	connected atomic.Bool
	pending   atomic.Int64
}

// NewDataBase validates the DSN and returns a disconnected DataBase.
func NewDataBase(cfg DataBaseConfig, logger logrus.FieldLogger) (*DataBase, error) {
	connector, err := NewSQLConnector(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return NewDataBaseWithConnector(cfg, connector, logger), nil
}

// NewDataBaseWithConnector returns a DataBase using connector to open
// connections.
func NewDataBaseWithConnector(cfg DataBaseConfig, connector Connector, logger logrus.FieldLogger) *DataBase {
	if logger == nil {
		logger = discardLogger()
	}
	return &DataBase{
		config:    cfg,
		connector: connector,
		logger:    logger.WithField("database", cfg.Name),
	}
}

func (d *DataBase) Name() string { return d.config.Name }

// Labels returns the static labels attached to metrics from this database.
func (d *DataBase) Labels() map[string]string {
	out := make(map[string]string, len(d.config.Labels))
	for k, v := range d.config.Labels {
		out[k] = v
	}
	return out
}

// Connected reports whether the database holds an open connection.
func (d *DataBase) Connected() bool {
	return d.connected.Load()
}

// PendingQueries returns the number of queries currently executing. It is
// advisory and reset to zero when the connection is closed.
func (d *DataBase) PendingQueries() int64 {
	return d.pending.Load()
}

// Connect opens the connection. It is a no-op when already connected.
func (d *DataBase) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	conn, err := d.connector.Connect(ctx)
	if err != nil {
		return &ConnectError{Database: d.config.Name, Kind: errorKind(err), Err: err}
	}
	for _, stmt := range d.config.ConnectSQL {
		if _, err := conn.Execute(ctx, stmt, nil, nil); err != nil {
			if rerr := release(conn); rerr != nil {
				d.logger.WithError(rerr).Warn("failed releasing connection")
			}
			return &ConnectError{Database: d.config.Name, Kind: errorKind(err), Err: fmt.Errorf("connect_sql: %w", err)}
		}
	}

	d.conn = conn
	d.connected.Store(true)
	d.logger.Debug("connected to database")
	return nil
}

// Close releases the connection. It is a no-op when not connected. The
// DataBase is always left disconnected, even when releasing fails.
func (d *DataBase) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}

	err := release(d.conn)
	d.conn = nil
	d.connected.Store(false)
	d.pending.Store(0)
	d.logger.Debug("disconnected from database")
	return err
}

// Shutdown closes the connection and the connector.
func (d *DataBase) Shutdown() error {
	err := d.Close()
	if c, ok := d.connector.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// With connects, calls fn and closes the connection on every exit path,
// including panics and context cancellation.
func (d *DataBase) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(ctx)
}

// Execute runs q and maps its results to metric values. The connection is
// opened if needed. Errors are a *ConnectError, *TimeoutExpired or
// *QueryError; use IsFatal to decide whether the query can be retried.
// Driver errors are retryable unless their SQLSTATE is in class 42.
func (d *DataBase) Execute(ctx context.Context, q *Query) (MetricResults, error) {
	if err := d.Connect(ctx); err != nil {
		return MetricResults{}, err
	}
	d.pending.Add(1)
	defer d.donePending()
	if !d.config.KeepConnected {
		defer func() {
			if err := d.Close(); err != nil {
				d.logger.WithError(err).Warn("failed closing connection")
			}
		}()
	}

	logger := d.logger.WithField("query", q.Name())
	raw, err := d.run(ctx, q)
	if err != nil {
		var timeout *TimeoutExpired
		if errors.As(err, &timeout) {
			logger.WithError(err).Warn("query timed out")
			return MetricResults{}, err
		}
		return MetricResults{}, &QueryError{Database: d.config.Name, Query: q.Name(), Fatal: isSyntaxError(err), Err: err}
	}

	results, err := q.Results(raw)
	if err != nil {
		return MetricResults{}, &QueryError{Database: d.config.Name, Query: q.Name(), Fatal: IsFatal(err), Err: err}
	}
	if results.Latency != nil {
		logger = logger.WithField("latency", results.Latency.Seconds())
	}
	logger.WithField("results", len(results.Results)).Debug("query executed")
	return results, nil
}

type execOutcome struct {
	res QueryResults
	err error
}

func (d *DataBase) run(ctx context.Context, q *Query) (QueryResults, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return QueryResults{}, errNotConnected
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if q.Timeout() > 0 {
		execCtx, cancel = context.WithTimeout(ctx, q.Timeout())
	}
	defer cancel()

	timedOut := func() bool {
		return q.Timeout() > 0 && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	}

	timer := NewStatementTimer()
	done := make(chan execOutcome, 1)
	go func() {
		res, err := conn.Execute(execCtx, q.SQL(), q.Parameters(), timer)
		done <- execOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if timedOut() {
				return QueryResults{}, &TimeoutExpired{QueryName: q.Name(), Timeout: q.Timeout()}
			}
			return QueryResults{}, out.err
		}
		out.res.Latency = timer.Latency()
		return out.res, nil
	case <-execCtx.Done():
		if timedOut() {
			return QueryResults{}, &TimeoutExpired{QueryName: q.Name(), Timeout: q.Timeout()}
		}
		return QueryResults{}, execCtx.Err()
	}
}

func (d *DataBase) donePending() {
	for {
		n := d.pending.Load()
		if n <= 0 || d.pending.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// release detaches and closes conn. Close runs even if Detach fails or
// panics.
func release(conn Conn) (err error) {
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return conn.Detach()
}

func errorKind(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
