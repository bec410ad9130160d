// Package drivers registers the database/sql drivers promSQL can connect
// through. The Oracle and DB2 drivers need cgo and their client libraries,
// so only the binary imports this package.
package drivers

import (
	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/godror/godror"
	_ "github.com/ibmdb/go_ibm_db"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)
