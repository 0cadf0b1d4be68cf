// Package snapshot implements the cache engine (spec.md §4.7): the internal
// "cache" catalog holding user cache tables plus a _snapshots metadata
// table, the full/append/merge refresh protocol, retention GC, and the
// per-cache Idle/Refreshing/Failed state machine.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
	"sql-proxy/internal/logging"
	"sql-proxy/internal/metrics"
	"sql-proxy/internal/mustache"
	"sql-proxy/internal/webhook"
)

// State is one of the three states a cache can be in (spec.md §4.7.6).
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

// Info is a snapshot metadata row, one per completed refresh.
type Info struct {
	CacheID         string
	Version         int64
	PreviousVersion *int64
	StartedAt       time.Time
	FinishedAt      time.Time
	RowCount        int64
	Strategy        string
}

// Engine owns the embedded "cache" catalog and coordinates refreshes across
// every cache-backed endpoint. Exactly one Engine exists per process,
// mirroring the single embedded-engine-instance model of spec.md §4.5.
type Engine struct {
	catalog     *db.SQLiteDriver
	catalogPath string
	conns       *db.Manager
	logger      *logging.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]State
}

// NewEngine opens (or creates) the cache catalog database at path and
// ensures the _snapshots metadata table exists.
func NewEngine(catalogPath string, conns *db.Manager, logger *logging.Logger) (*Engine, error) {
	catalog, err := db.OpenCacheCatalog(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("opening cache catalog: %w", err)
	}

	e := &Engine{
		catalog:     catalog,
		catalogPath: catalogPath,
		conns:       conns,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
		states:      make(map[string]State),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	schema := `CREATE TABLE IF NOT EXISTS _snapshots (
		cache_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		previous_version INTEGER,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		PRIMARY KEY (cache_id, version)
	)`
	if _, err := e.catalog.Exec(ctx, db.DefaultSessionOptions(), schema, nil); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("creating _snapshots table: %w", err)
	}

	return e, nil
}

// Close releases the embedded catalog connection.
func (e *Engine) Close() error { return e.catalog.Close() }

// CacheDriver exposes the embedded cache catalog connection so the request
// pipeline can query cache-backed tables directly (spec.md §4.6 step 6:
// cache-enabled reads route to the cache table namespace).
func (e *Engine) CacheDriver() db.Driver { return e.catalog }

// State returns the current state of a cache; StateIdle if never refreshed.
func (e *Engine) State(cacheID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[cacheID]; ok {
		return s
	}
	return StateIdle
}

func (e *Engine) lockFor(cacheID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[cacheID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[cacheID] = l
	}
	return l
}

func (e *Engine) setState(cacheID string, s State) {
	e.mu.Lock()
	e.states[cacheID] = s
	e.mu.Unlock()
}

func (e *Engine) log(level func(string, map[string]any), msg string, fields map[string]any) {
	if e.logger == nil {
		return
	}
	level(msg, fields)
}

// RefreshScheduled runs a refresh triggered by the cron scheduler. Per
// spec.md §4.7.3 step 8, a scheduler-triggered failure is logged, not
// returned to a caller that has nowhere to report it.
func (e *Engine) RefreshScheduled(ctx context.Context, ep *config.EndpointConfig) {
	if err := e.Refresh(ctx, ep); err != nil {
		e.log(e.logger.Error, "scheduled cache refresh failed", map[string]any{
			"cache_id": ep.Cache.CacheID,
			"error":    err.Error(),
		})
	}
}

// Refresh runs the full refresh protocol for one cache (spec.md §4.7.3):
// acquire the per-cache lock, read the previous snapshot, render and
// execute the populate template, commit a new snapshot row on success, run
// GC, and release the lock. An admin-triggered call propagates the error;
// a scheduler-triggered one should use RefreshScheduled instead.
func (e *Engine) Refresh(ctx context.Context, ep *config.EndpointConfig) error {
	if ep.Cache == nil {
		return fmt.Errorf("endpoint %q has no cache configured", ep.Slug())
	}
	cache := ep.Cache
	cacheID := cache.CacheID

	lock := e.lockFor(cacheID)
	if !lock.TryLock() {
		e.log(e.logger.Warn, "cache refresh already in progress, skipping", map[string]any{"cache_id": cacheID})
		return nil
	}
	defer lock.Unlock()

	e.setState(cacheID, StateRefreshing)

	prev, err := e.latestSnapshot(ctx, cacheID)
	if err != nil {
		e.setState(cacheID, StateFailed)
		return fmt.Errorf("reading latest snapshot: %w", err)
	}

	startedAt := time.Now().UTC()
	rowsAffected, err := e.populate(ctx, ep, prev, startedAt)
	if err != nil {
		e.setState(cacheID, StateFailed)
		e.notify(ctx, cache, cacheID, 0, false, err)
		metrics.RecordCacheRefresh(cacheID, false)
		return fmt.Errorf("executing cache populate SQL: %w", err)
	}

	version := int64(1)
	var prevVersion *int64
	if prev != nil {
		version = prev.Version + 1
		pv := prev.Version
		prevVersion = &pv
	}
	snap := Info{
		CacheID:         cacheID,
		Version:         version,
		PreviousVersion: prevVersion,
		StartedAt:       startedAt,
		FinishedAt:      time.Now().UTC(),
		RowCount:        rowsAffected,
		Strategy:        string(cache.Strategy()),
	}
	if err := e.insertSnapshot(ctx, snap); err != nil {
		e.setState(cacheID, StateFailed)
		e.notify(ctx, cache, cacheID, rowsAffected, false, err)
		metrics.RecordCacheRefresh(cacheID, false)
		return fmt.Errorf("committing snapshot row: %w", err)
	}

	if err := e.GC(ctx, ep); err != nil {
		e.log(e.logger.Warn, "cache retention GC failed", map[string]any{"cache_id": cacheID, "error": err.Error()})
	}

	e.setState(cacheID, StateIdle)
	e.notify(ctx, cache, cacheID, rowsAffected, true, nil)
	metrics.RecordCacheRefresh(cacheID, true)
	return nil
}

// populate renders the cache's template_file against {params:{}, conn,
// cache:{...}} (spec.md §4.7.3 step 4) and executes the result. prev being
// nil makes {{#cache.previousSnapshotTimestamp}} sections render empty,
// degenerating the template to a full-populate statement on first run.
func (e *Engine) populate(ctx context.Context, ep *config.EndpointConfig, prev *Info, currentTimestamp time.Time) (int64, error) {
	cache := ep.Cache

	src, err := os.ReadFile(cache.TemplateFile)
	if err != nil {
		return 0, fmt.Errorf("reading template_file: %w", err)
	}

	cacheVars := mustache.Context{
		"catalog":                  cache.Catalog,
		"schema":                   cache.Schema,
		"table":                    cache.Table,
		"currentSnapshotTimestamp": currentTimestamp.Format(time.RFC3339),
	}
	if prev != nil {
		cacheVars["previousSnapshotTimestamp"] = prev.FinishedAt.Format(time.RFC3339)
	}

	sourceDrv, err := e.conns.Get(ep.ConnectionNames[0])
	if err != nil {
		return 0, err
	}

	renderCtx := mustache.Context{
		"params": map[string]any{},
		"conn":   sourceDrv.Config().Properties,
		"cache":  cacheVars,
	}

	sql, err := mustache.Render(string(src), renderCtx)
	if err != nil {
		return 0, fmt.Errorf("rendering populate template: %w", err)
	}

	// The cache catalog must be reachable from the source connection so the
	// rendered SQL can address {{cache.catalog}}.{{cache.schema}}.{{cache.table}}
	// directly. SQLite sources support a native ATTACH; sources that don't
	// (e.g. SQL Server, see internal/db.SQLServerDriver.AttachCatalog) fall
	// back to executing the populate statement against the embedded catalog
	// connection itself, which only works when the template's SELECT also
	// resolves entirely within that connection (e.g. it already queries a
	// foreign table through the source engine's own cross-database syntax).
	if err := sourceDrv.AttachCatalog(ctx, cache.Catalog, e.catalogPath); err != nil {
		e.log(e.logger.Warn, "connection does not support catalog attach, executing against embedded cache catalog", map[string]any{
			"connection": sourceDrv.Name(),
			"error":      err.Error(),
		})
		res, err := e.catalog.Exec(ctx, db.DefaultSessionOptions(), sql, nil)
		return res.RowsAffected, err
	}

	res, err := sourceDrv.Exec(ctx, db.DefaultSessionOptions(), sql, nil)
	return res.RowsAffected, err
}

func (e *Engine) notify(ctx context.Context, cache *config.CacheConfig, cacheID string, rows int64, success bool, refreshErr error) {
	if cache.OnRefresh == nil {
		return
	}
	execCtx := &webhook.ExecutionContext{
		Query:   cacheID,
		Count:   int(rows),
		Success: success,
	}
	if refreshErr != nil {
		execCtx.Error = refreshErr.Error()
	}
	if err := webhook.Execute(ctx, cache.OnRefresh, execCtx); err != nil {
		e.log(e.logger.Warn, "cache refresh webhook notification failed", map[string]any{"cache_id": cacheID, "error": err.Error()})
	}
}

func (e *Engine) latestSnapshot(ctx context.Context, cacheID string) (*Info, error) {
	rows, err := e.catalog.Query(ctx, db.DefaultSessionOptions(), `
		SELECT version, previous_version, started_at, finished_at, row_count, strategy
		FROM _snapshots WHERE cache_id = @cache_id
		ORDER BY version DESC LIMIT 1`,
		map[string]any{"cache_id": cacheID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToInfo(cacheID, rows[0])
}

func (e *Engine) insertSnapshot(ctx context.Context, snap Info) error {
	_, err := e.catalog.Exec(ctx, db.DefaultSessionOptions(), `
		INSERT INTO _snapshots (cache_id, version, previous_version, started_at, finished_at, row_count, strategy)
		VALUES (@cache_id, @version, @previous_version, @started_at, @finished_at, @row_count, @strategy)`,
		map[string]any{
			"cache_id":          snap.CacheID,
			"version":           snap.Version,
			"previous_version":  snap.PreviousVersion,
			"started_at":        snap.StartedAt.Format(time.RFC3339),
			"finished_at":       snap.FinishedAt.Format(time.RFC3339),
			"row_count":         snap.RowCount,
			"strategy":          snap.Strategy,
		})
	return err
}

// Snapshots returns every snapshot row for a cache, most recent first.
func (e *Engine) Snapshots(ctx context.Context, cacheID string) ([]Info, error) {
	rows, err := e.catalog.Query(ctx, db.DefaultSessionOptions(), `
		SELECT version, previous_version, started_at, finished_at, row_count, strategy
		FROM _snapshots WHERE cache_id = @cache_id
		ORDER BY version DESC`,
		map[string]any{"cache_id": cacheID})
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(rows))
	for _, r := range rows {
		info, err := rowToInfo(cacheID, r)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func rowToInfo(cacheID string, row map[string]any) (*Info, error) {
	info := &Info{CacheID: cacheID}

	version, err := toInt64(row["version"])
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	info.Version = version

	if row["previous_version"] != nil {
		pv, err := toInt64(row["previous_version"])
		if err != nil {
			return nil, fmt.Errorf("previous_version: %w", err)
		}
		info.PreviousVersion = &pv
	}

	rowCount, err := toInt64(row["row_count"])
	if err != nil {
		return nil, fmt.Errorf("row_count: %w", err)
	}
	info.RowCount = rowCount

	started, ok := row["started_at"].(string)
	if !ok {
		return nil, fmt.Errorf("started_at: unexpected type %T", row["started_at"])
	}
	info.StartedAt, err = time.Parse(time.RFC3339, started)
	if err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}

	finished, ok := row["finished_at"].(string)
	if !ok {
		return nil, fmt.Errorf("finished_at: unexpected type %T", row["finished_at"])
	}
	info.FinishedAt, err = time.Parse(time.RFC3339, finished)
	if err != nil {
		return nil, fmt.Errorf("finished_at: %w", err)
	}

	strategy, _ := row["strategy"].(string)
	info.Strategy = strategy

	return info, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

// GC applies the retention policy (spec.md §4.7.5): keep_last_snapshots
// keeps only the most recent K rows, max_snapshot_age removes rows whose
// finished_at predates the cutoff. The latest snapshot is always kept
// regardless of age or count. Safe to call directly (admin-triggered gc)
// or from within Refresh.
func (e *Engine) GC(ctx context.Context, ep *config.EndpointConfig) error {
	if ep.Cache == nil {
		return fmt.Errorf("endpoint %q has no cache configured", ep.Slug())
	}
	retention := ep.Cache.Retention
	if retention.KeepLastSnapshots <= 0 && retention.MaxSnapshotAge == "" {
		return nil
	}

	snapshots, err := e.Snapshots(ctx, ep.Cache.CacheID)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snapshots) <= 1 {
		return nil
	}

	var maxAge time.Duration
	if retention.MaxSnapshotAge != "" {
		maxAge, err = time.ParseDuration(retention.MaxSnapshotAge)
		if err != nil {
			return fmt.Errorf("max_snapshot_age %q: %w", retention.MaxSnapshotAge, err)
		}
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	// snapshots is ordered newest-first; index 0 is the latest and is
	// always kept.
	var toDelete []int64
	for i, snap := range snapshots {
		if i == 0 {
			continue
		}
		keep := true
		if retention.KeepLastSnapshots > 0 && i >= retention.KeepLastSnapshots {
			keep = false
		}
		if retention.MaxSnapshotAge != "" && !snap.FinishedAt.After(cutoff) {
			keep = false
		}
		if !keep {
			toDelete = append(toDelete, snap.Version)
		}
	}

	for _, version := range toDelete {
		if _, err := e.catalog.Exec(ctx, db.DefaultSessionOptions(),
			`DELETE FROM _snapshots WHERE cache_id = @cache_id AND version = @version`,
			map[string]any{"cache_id": ep.Cache.CacheID, "version": version}); err != nil {
			return fmt.Errorf("deleting snapshot version %d: %w", version, err)
		}
	}

	if len(toDelete) > 0 {
		e.log(e.logger.Info, "cache snapshot GC removed old versions", map[string]any{
			"cache_id": ep.Cache.CacheID,
			"removed":  len(toDelete),
		})
	}

	return nil
}
