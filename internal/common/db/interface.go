package db

import (
	"context"
	"database/sql"
)

// Database defines the unified interface for relational database access.
// The submission store is built on this abstraction so repositories can be
// tested against fakes without a running server.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	// The Result reports rows affected, which compare-and-swap updates rely on
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction executes a function within a database transaction
	// The transaction is committed if fn returns nil, rolled back otherwise
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// Ping verifies a connection to the database is still alive
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// Stats returns database connection pool statistics
	Stats() Stats

	// GetDB returns the underlying driver handle for escape hatches
	GetDB() interface{}
}

// Rows is the result of a query that returns multiple rows
type Rows interface {
	// Next prepares the next result row for reading with Scan
	Next() bool

	// Scan copies the columns in the current row into the values pointed at by dest
	Scan(dest ...interface{}) error

	// Close closes the Rows, preventing further enumeration
	Close() error

	// Err returns the error, if any, encountered during iteration
	Err() error
}

// Row is the result of a query that returns at most one row
type Row interface {
	// Scan copies the columns from the matched row into the values pointed at by dest
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement
type Result interface {
	// LastInsertId returns the integer generated by the database for the insert
	LastInsertId() (int64, error)

	// RowsAffected returns the number of rows affected by the statement
	RowsAffected() (int64, error)
}

// Transaction represents an in-progress database transaction
type Transaction interface {
	// Query executes a query within the transaction
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row within the transaction
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query within the transaction
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error
}

// Stats holds database connection pool statistics
type Stats struct {
	// MaxOpenConnections is the maximum number of open connections
	MaxOpenConnections int

	// OpenConnections is the number of established connections
	OpenConnections int

	// InUse is the number of connections currently in use
	InUse int

	// Idle is the number of idle connections
	Idle int

	// WaitCount is the total number of connections waited for
	WaitCount int64

	// WaitDuration is the total time blocked waiting for a new connection
	WaitDuration int64
}

// ConvertSQLStats converts database/sql stats to the Stats type
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       int64(s.WaitDuration),
	}
}

var _ Database = (*MySQL)(nil)
