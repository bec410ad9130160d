package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// fatalError is implemented by errors that know whether retrying the same
// query can ever succeed.
type fatalError interface {
	IsFatal() bool
}

// IsFatal reports whether err means the query will never succeed unmodified.
// It walks the wrap chain and stops at the first error that classifies itself.
func IsFatal(err error) bool {
	var fe fatalError
	if errors.As(err, &fe) {
		return fe.IsFatal()
	}
	return false
}

// ConnectError is returned when a connection to a database can't be
// established. It is always retryable.
type ConnectError struct {
	Database string
	Kind     string
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connecting to database %q: %s", e.Database, e.Kind)
	}
	return fmt.Sprintf("connecting to database %q: %s: %v", e.Database, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) IsFatal() bool { return false }

// QueryError is returned when executing a query fails.
type QueryError struct {
	Database string
	Query    string
	Fatal    bool
	Err      error
}

func (e *QueryError) Error() string {
	kind := "query"
	if e.Fatal {
		kind = "fatal query"
	}
	return fmt.Sprintf("%s error for %q on database %q: %v", kind, e.Query, e.Database, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) IsFatal() bool { return e.Fatal }

// TimeoutExpired is returned when a query runs longer than its timeout.
type TimeoutExpired struct {
	QueryName string
	Timeout   time.Duration
}

func (e *TimeoutExpired) Error() string {
	return fmt.Sprintf("execution for query %q expired after %s", e.QueryName, e.Timeout)
}

func (e *TimeoutExpired) IsFatal() bool { return false }

// InvalidResultCount is returned when the number of columns in a result set
// doesn't match the metrics and labels declared by the query.
type InvalidResultCount struct {
	Expected int
	Got      int
}

func (e *InvalidResultCount) Error() string {
	return fmt.Sprintf("wrong result count from query: expected %d, got %d", e.Expected, e.Got)
}

func (e *InvalidResultCount) IsFatal() bool { return true }

// InvalidResultColumnNames is returned when a result set has the expected
// number of columns but different names.
type InvalidResultColumnNames struct {
	Expected []string
	Got      []string
}

func (e *InvalidResultColumnNames) Error() string {
	return fmt.Sprintf("wrong column names from query: expected (%s), got (%s)",
		strings.Join(e.Expected, ", "), strings.Join(e.Got, ", "))
}

func (e *InvalidResultColumnNames) IsFatal() bool { return true }

// InvalidQueryParameters is returned by NewQuery when the parameter names
// don't match the placeholders in the SQL text.
type InvalidQueryParameters struct {
	QueryName    string
	Parameters   []string
	Placeholders []string
}

func (e *InvalidQueryParameters) Error() string {
	return fmt.Sprintf("parameters for query %q don't match those from SQL: got (%s), SQL has (%s)",
		e.QueryName, strings.Join(e.Parameters, ", "), strings.Join(e.Placeholders, ", "))
}

// InvalidQuerySchedule is returned by NewQuery when both interval and schedule
// are set or the schedule isn't a valid cron expression.
type InvalidQuerySchedule struct {
	QueryName string
	Reason    string
}

func (e *InvalidQuerySchedule) Error() string {
	return fmt.Sprintf("invalid schedule for query %q: %s", e.QueryName, e.Reason)
}

// InvalidDSN is returned when a database DSN can't be mapped to a driver.
type InvalidDSN struct {
	DSN    string
	Reason string
}

func (e *InvalidDSN) Error() string {
	return fmt.Sprintf("invalid database DSN %q: %s", e.DSN, e.Reason)
}

// sqlStater is implemented by driver errors exposing their SQLSTATE (pgx).
type sqlStater interface {
	SQLState() string
}

// sqlState returns the SQLSTATE code of a driver error, or "" if the driver
// doesn't report one.
func sqlState(err error) string {
	var stater sqlStater
	if errors.As(err, &stater) {
		return stater.SQLState()
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return string(myErr.SQLState[:])
	}
	return ""
}

// isSyntaxError reports whether err is in SQLSTATE class 42, syntax error or
// access rule violation.
func isSyntaxError(err error) bool {
	return strings.HasPrefix(sqlState(err), "42")
}
