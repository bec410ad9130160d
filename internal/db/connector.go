package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
)

// Connector opens connections to a database.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single open connection able to run statements.
type Conn interface {
	// Execute runs query with the named parameters, calling hooks around the
	// statement execution. hooks may be nil.
	Execute(ctx context.Context, query string, params map[string]any, hooks ExecuteHooks) (QueryResults, error)
	// Detach takes the connection out of any pool so Close really closes it.
	Detach() error
	Close() error
}

// SQLConnector is a Connector backed by a database/sql driver. The
// underlying pool is opened lazily on the first Connect.
type SQLConnector struct {
	source driverSource

	mu sync.Mutex
	db *sqlx.DB
}

// NewSQLConnector validates dsn and returns a connector for it.
func NewSQLConnector(dsn string) (*SQLConnector, error) {
	source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLConnector{source: source}, nil
}

// DriverName returns the database/sql driver used by the connector.
func (c *SQLConnector) DriverName() string { return c.source.Driver }

func (c *SQLConnector) pool() (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	sqlDB, err := otelsql.Open(c.source.Driver, c.source.Source, otelsql.WithAttributes(c.source.System))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", c.source.Driver)
	}
	c.db = sqlx.NewDb(sqlDB, c.source.Driver)
	return c.db, nil
}

// Connect checks out a dedicated connection from the pool and pings it.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	pool, err := c.pool()
	if err != nil {
		return nil, err
	}
	conn, err := pool.Connx(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &sqlConn{conn: conn, driverName: c.source.Driver}, nil
}

// Close closes the underlying pool.
func (c *SQLConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

type sqlConn struct {
	conn       *sqlx.Conn
	driverName string
}

func (c *sqlConn) Execute(ctx context.Context, query string, params map[string]any, hooks ExecuteHooks) (QueryResults, error) {
	bound, args := bindParameters(c.driverName, query, params)

	if hooks != nil {
		hooks.BeforeExecute()
	}
	rows, err := c.conn.QueryxContext(ctx, bound, args...)
	if err != nil {
		return QueryResults{}, err
	}
	if hooks != nil {
		hooks.AfterExecute()
	}
	defer rows.Close()

	keys, err := rows.Columns()
	if err != nil {
		return QueryResults{}, errors.Wrap(err, "reading columns")
	}
	res := QueryResults{Keys: keys, Rows: [][]any{}}
	for rows.Next() {
		row, err := rows.SliceScan()
		if err != nil {
			return QueryResults{}, errors.Wrap(err, "scanning row")
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return QueryResults{}, err
	}
	return res, nil
}

// Detach marks the driver connection as bad so the pool discards it on Close
// instead of keeping it for reuse.
func (c *sqlConn) Detach() error {
	err := c.conn.Raw(func(any) error { return driver.ErrBadConn })
	if errors.Is(err, driver.ErrBadConn) {
		return nil
	}
	return err
}

func (c *sqlConn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}
