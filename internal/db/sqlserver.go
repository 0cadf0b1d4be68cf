package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"sql-proxy/internal/config"
)

// SQLServerDriver implements Driver for Microsoft SQL Server.
type SQLServerDriver struct {
	conn     *sql.DB
	connStr  string
	cfg      *config.Connection
	readOnly bool
}

// NewSQLServerDriver creates a new SQL Server driver from a connection's
// property bag: host, port, user, password, database, readonly.
func NewSQLServerDriver(cfg *config.Connection) (*SQLServerDriver, error) {
	readOnly := cfg.ReadOnly()

	connStr := fmt.Sprintf(
		"server=%s;port=%s;user id=%s;password=%s;database=%s;encrypt=disable;connection timeout=10",
		cfg.Prop("host", ""), cfg.Prop("port", "1433"), cfg.Prop("user", ""),
		cfg.Prop("password", ""), cfg.Prop("database", ""),
	)
	if readOnly {
		// ApplicationIntent=ReadOnly routes to an availability-group
		// secondary when one exists.
		connStr += ";ApplicationIntent=ReadOnly"
	}

	conn, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	configureSQLServerPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Init != "" {
		if _, err := conn.ExecContext(ctx, cfg.Init); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run init script: %w", err)
		}
	}

	return &SQLServerDriver{conn: conn, connStr: connStr, cfg: cfg, readOnly: readOnly}, nil
}

func configureSQLServerPool(conn *sql.DB) {
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetConnMaxIdleTime(2 * time.Minute)
}

func (d *SQLServerDriver) Name() string         { return d.cfg.Name }
func (d *SQLServerDriver) Type() string         { return "sqlserver" }
func (d *SQLServerDriver) IsReadOnly() bool     { return d.readOnly }
func (d *SQLServerDriver) Config() *config.Connection { return d.cfg }

func (d *SQLServerDriver) Reconnect() error {
	if d.conn != nil {
		d.conn.Close()
	}
	conn, err := sql.Open("sqlserver", d.connStr)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	configureSQLServerPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	d.conn = conn
	return nil
}

func (d *SQLServerDriver) Close() error { return d.conn.Close() }

// configureSession sets SQL Server session options for the duration of the
// connection lease.
func (d *SQLServerDriver) configureSession(ctx context.Context, conn *sql.Conn, sess SessionOptions) error {
	isolationSQL := isolationToSQL(sess.Isolation)
	deadlockSQL := deadlockPriorityToSQL(sess.DeadlockPriority)

	sessionSQL := fmt.Sprintf(`
		SET TRANSACTION ISOLATION LEVEL %s;
		SET LOCK_TIMEOUT %d;
		SET DEADLOCK_PRIORITY %s;
		SET NOCOUNT ON;
		SET IMPLICIT_TRANSACTIONS OFF;
		SET ARITHABORT ON;
	`, isolationSQL, sess.LockTimeoutMs, deadlockSQL)

	_, err := conn.ExecContext(ctx, sessionSQL)
	return err
}

func isolationToSQL(isolation string) string {
	switch isolation {
	case "read_uncommitted":
		return "READ UNCOMMITTED"
	case "repeatable_read":
		return "REPEATABLE READ"
	case "serializable":
		return "SERIALIZABLE"
	case "snapshot":
		return "SNAPSHOT"
	default:
		return "READ COMMITTED"
	}
}

func deadlockPriorityToSQL(priority string) string {
	switch priority {
	case "normal":
		return "NORMAL"
	case "high":
		return "HIGH"
	default:
		return "LOW"
	}
}

// Query executes a SQL query and returns results as a slice of maps. SQL
// uses @param syntax, native to SQL Server.
func (d *SQLServerDriver) Query(ctx context.Context, sess SessionOptions, query string, params map[string]any) ([]map[string]any, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := d.configureSession(ctx, conn, sess); err != nil {
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

func (d *SQLServerDriver) Exec(ctx context.Context, sess SessionOptions, query string, params map[string]any) (ExecResult, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := d.configureSession(ctx, conn, sess); err != nil {
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
	// SQL Server's mssql driver surfaces SCOPE_IDENTITY() via LastInsertId
	// only when the statement includes an identity column; ignore the
	// error case (no identity column touched) rather than failing the
	// write.
	if lastID, err := result.LastInsertId(); err == nil && lastID != 0 {
		out.LastInsertID = &lastID
	}
	return out, nil
}

// Begin opens a dedicated connection, applies the session's isolation
// level and other settings, and starts a transaction on it.
func (d *SQLServerDriver) Begin(ctx context.Context, sess SessionOptions) (Tx, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if err := d.configureSession(ctx, conn, sess); err != nil {
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

// AttachCatalog is not supported on SQL Server connections: cross-database
// queries there use three-part names against an existing database rather
// than an ATTACH statement, so the cache engine only ever attaches its
// catalog on the embedded sqlite connection it owns.
func (d *SQLServerDriver) AttachCatalog(ctx context.Context, catalogName, path string) error {
	return fmt.Errorf("sqlserver connections do not support catalog attach")
}

func (d *SQLServerDriver) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}
