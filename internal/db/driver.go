package db

import (
	"context"
	"fmt"

	"sql-proxy/internal/config"
)

// SessionOptions are the per-query session tuning knobs a pipeline caller
// may request. Not every driver honors every field (SQLite, for instance,
// has no isolation levels); drivers that can't apply a setting ignore it.
type SessionOptions struct {
	Isolation        string // read_uncommitted|read_committed|repeatable_read|serializable|snapshot
	LockTimeoutMs    int
	DeadlockPriority string // low|normal|high
}

// DefaultSessionOptions returns the conservative defaults applied when a
// caller doesn't care about session tuning.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{Isolation: "read_committed", LockTimeoutMs: 5000, DeadlockPriority: "low"}
}

// ExecResult carries the outcome of a write statement: the affected row
// count, and the last auto-generated row id when the driver and statement
// make one available (LastInsertID is nil otherwise — e.g. multi-row
// inserts or drivers that don't surface it).
type ExecResult struct {
	RowsAffected int64
	LastInsertID *int64
}

// Driver is the interface all database implementations must satisfy.
// Each driver handles its own parameter translation from @param syntax
// to the native syntax of the database.
type Driver interface {
	// Query executes a query with named parameters.
	// SQL uses @param syntax; driver translates to native syntax.
	// params is a map of parameter name -> value.
	Query(ctx context.Context, sess SessionOptions, query string, params map[string]any) ([]map[string]any, error)

	// Exec runs a write statement and returns the rows affected and, when
	// available, the last inserted row id.
	Exec(ctx context.Context, sess SessionOptions, query string, params map[string]any) (ExecResult, error)

	// Begin starts a transaction on a dedicated connection for statements
	// that must commit or roll back as one unit (spec.md §4.6
	// operation.transaction=true).
	Begin(ctx context.Context, sess SessionOptions) (Tx, error)

	// AttachCatalog attaches an external database file as a named catalog
	// on this connection, so cache-populate SQL addressing
	// {{cache.catalog}}.{{cache.schema}}.{{cache.table}} resolves against
	// it. Used exclusively by the cache engine (spec.md §4.5, §4.7).
	AttachCatalog(ctx context.Context, catalogName, path string) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error

	// Reconnect re-establishes the connection
	Reconnect() error

	// Name returns the connection name
	Name() string

	// Type returns the database type (sqlserver or sqlite)
	Type() string

	// IsReadOnly returns whether this is a read-only connection
	IsReadOnly() bool

	// Config returns the originating connection configuration
	Config() *config.Connection
}

// NewDriver creates a database driver based on the connection's
// properties["driver"] value. This is the factory function that returns
// the appropriate driver implementation (spec.md: "connection drivers ...
// are loadable extensions of the SQL engine" — here realized as the two
// engines actually wired into this module).
func NewDriver(cfg *config.Connection) (Driver, error) {
	switch cfg.Driver() {
	case "sqlserver":
		return NewSQLServerDriver(cfg)
	case "sqlite":
		return NewSQLiteDriver(cfg)
	case "mysql":
		return nil, fmt.Errorf("mysql support not yet implemented")
	case "postgres":
		return nil, fmt.Errorf("postgres support not yet implemented")
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver())
	}
}
