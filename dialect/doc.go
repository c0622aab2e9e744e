// Package dialect provides the database abstraction consumed by the rest
// of the toolkit: a Driver that can execute statements and open
// transactions, and the dialect names used to vary SQL generation per
// backend.
//
// # Supported Dialects
//
// Each supported backend is identified by a constant string:
//
//	dialect.Postgres = "postgres"
//	dialect.MySQL    = "mysql"
//	dialect.SQLite   = "sqlite3"
//
// # Driver Interface
//
// The Driver interface is the executor contract used by the orm session:
//
//	type Driver interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// The Tx interface carries the same Exec/Query surface plus Commit and
// Rollback. Both are implemented for database/sql based drivers by the
// dialect/sql sub-package:
//
//	drv, err := sql.Open(dialect.Postgres, "postgres://...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer drv.Close()
//
// Decorator drivers (debug logging, query statistics, result caching) wrap
// a Driver and preserve the same interface, so they can be stacked in any
// order before being handed to a session.
package dialect
