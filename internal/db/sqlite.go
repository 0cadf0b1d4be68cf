package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sql-proxy/internal/config"
)

// SQLiteDriver implements Driver for SQLite, including the embedded
// analytical engine that fronts the cache catalog (spec.md §1, §4.5).
type SQLiteDriver struct {
	conn     *sql.DB
	path     string
	cfg      *config.Connection
	readOnly bool

	busyTimeoutMs int
	journalMode   string
}

// NewSQLiteDriver creates a new SQLite driver from a connection's property
// bag: properties["path"] (required, may be ":memory:"), properties["readonly"],
// properties["busy_timeout_ms"], properties["journal_mode"].
func NewSQLiteDriver(cfg *config.Connection) (*SQLiteDriver, error) {
	readOnly := cfg.ReadOnly()

	dsn := cfg.Prop("path", "")
	if dsn == "" {
		return nil, fmt.Errorf("sqlite connection %q: path property is required", cfg.Name)
	}

	d := &SQLiteDriver{
		path:          dsn,
		cfg:           cfg,
		readOnly:      readOnly,
		busyTimeoutMs: cfg.PropInt("busy_timeout_ms", 5000),
		journalMode:   cfg.Prop("journal_mode", "wal"),
	}

	conn, err := sql.Open("sqlite", d.dsnWithParams())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	configureSQLitePool(conn)
	d.conn = conn

	if err := d.applyInitialPragmas(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply initial pragmas: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if cfg.Init != "" {
		if _, err := conn.ExecContext(ctx, cfg.Init); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run init script: %w", err)
		}
	}

	return d, nil
}

// dsnWithParams appends the concurrency-friendly DSN parameters the
// teacher's driver always applied.
func (d *SQLiteDriver) dsnWithParams() string {
	dsn := d.path
	var params []string
	if !d.readOnly {
		params = append(params, "_txlock=immediate")
	}
	if d.readOnly && dsn != ":memory:" {
		params = append(params, "mode=ro")
	}
	if len(params) == 0 {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join(params, "&")
}

func configureSQLitePool(conn *sql.DB) {
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetConnMaxIdleTime(2 * time.Minute)
}

// applyInitialPragmas applies database-level pragmas that should be set once.
func (d *SQLiteDriver) applyInitialPragmas() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", d.busyTimeoutMs),
		fmt.Sprintf("PRAGMA journal_mode = %s", d.journalMode),
	}
	if strings.ToLower(d.journalMode) == "wal" {
		pragmas = append(pragmas,
			"PRAGMA synchronous = NORMAL",
			"PRAGMA wal_autocheckpoint = 1000",
		)
	}
	pragmas = append(pragmas,
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -64000",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
	)
	for _, pragma := range pragmas {
		if _, err := d.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (d *SQLiteDriver) Name() string         { return d.cfg.Name }
func (d *SQLiteDriver) Type() string         { return "sqlite" }
func (d *SQLiteDriver) IsReadOnly() bool     { return d.readOnly }
func (d *SQLiteDriver) Config() *config.Connection { return d.cfg }

func (d *SQLiteDriver) Reconnect() error {
	if d.conn != nil {
		d.conn.Close()
	}
	conn, err := sql.Open("sqlite", d.dsnWithParams())
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	configureSQLitePool(conn)
	d.conn = conn
	if err := d.applyInitialPragmas(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to apply initial pragmas: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return nil
}

func (d *SQLiteDriver) Close() error { return d.conn.Close() }

// configureSession sets SQLite session options via PRAGMA on the specific
// connection. Isolation and deadlock priority are ignored — not applicable
// to SQLite's single-writer model.
func (d *SQLiteDriver) configureSession(ctx context.Context, conn *sql.Conn) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", d.busyTimeoutMs),
		fmt.Sprintf("PRAGMA journal_mode = %s", d.journalMode),
		"PRAGMA foreign_keys = ON",
	}
	if strings.ToLower(d.journalMode) == "wal" {
		pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Query executes a SQL query and returns results as a slice of maps.
// SQL uses @param syntax, which modernc.org/sqlite accepts directly via
// sql.Named.
func (d *SQLiteDriver) Query(ctx context.Context, sess SessionOptions, query string, params map[string]any) ([]map[string]any, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := d.configureSession(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to configure session: %w", err)
	}

	args := namedArgs(query, params)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return ScanRows(rows)
}

func (d *SQLiteDriver) Exec(ctx context.Context, sess SessionOptions, query string, params map[string]any) (ExecResult, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := d.configureSession(ctx, conn); err != nil {
		return ExecResult{}, fmt.Errorf("failed to configure session: %w", err)
	}

	args := namedArgs(query, params)
	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ExecResult{}, fmt.Errorf("reading rows affected: %w", err)
	}
	out := ExecResult{RowsAffected: rowsAffected}
	if lastID, err := result.LastInsertId(); err == nil && lastID != 0 {
		out.LastInsertID = &lastID
	}
	return out, nil
}

// Begin opens a dedicated connection, applies the session pragmas, and
// starts a transaction on it. The returned Tx owns the connection until
// Commit or Rollback.
func (d *SQLiteDriver) Begin(ctx context.Context, sess SessionOptions) (Tx, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if err := d.configureSession(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure session: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	return &sqlTx{conn: conn, tx: tx}, nil
}

// AttachCatalog attaches another SQLite file under catalogName, giving the
// cache engine a dedicated, addressable namespace for its snapshot tables
// (spec.md §4.5 "catalog attach primitive", §4.7 internal catalog "cache").
func (d *SQLiteDriver) AttachCatalog(ctx context.Context, catalogName, path string) error {
	stmt := fmt.Sprintf("ATTACH DATABASE %s AS %s", sqlQuote(path), quoteIdent(catalogName))
	_, err := d.conn.ExecContext(ctx, stmt)
	return err
}

func (d *SQLiteDriver) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func namedArgs(query string, params map[string]any) []any {
	matches := ParamRegex.FindAllStringSubmatch(query, -1)
	added := make(map[string]bool, len(matches))
	var args []any
	for _, m := range matches {
		name := m[1]
		if added[name] {
			continue
		}
		added[name] = true
		args = append(args, sql.Named(name, params[name]))
	}
	return args
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
