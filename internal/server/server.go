package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"sql-proxy/internal/cache"
	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
	"sql-proxy/internal/logging"
	"sql-proxy/internal/mcp"
	"sql-proxy/internal/metrics"
	"sql-proxy/internal/openapi"
	"sql-proxy/internal/pipeline"
	"sql-proxy/internal/publicid"
	"sql-proxy/internal/ratelimit"
	"sql-proxy/internal/snapshot"
	"sql-proxy/internal/tmpl"
)

const (
	// healthCheckInterval is how often to check database connectivity
	healthCheckInterval = 30 * time.Second

	// healthCheckTimeout is the timeout for each health check ping
	healthCheckTimeout = 5 * time.Second

	// healthCheckFailuresBeforeReconnect is how many consecutive failures before attempting reconnect
	healthCheckFailuresBeforeReconnect = 3

	// sessionSweepInterval is how often expired MCP sessions are swept from
	// the session table (spec.md §4.8: idle timeout / bound-token expiry).
	sessionSweepInterval = "@every 5m"

	// httpReadTimeout is the timeout for reading the entire request
	httpReadTimeout = 15 * time.Second

	// httpIdleTimeout is how long to keep idle connections open
	httpIdleTimeout = 60 * time.Second

	// writeTimeoutBuffer is added to max query timeout for HTTP write timeout
	writeTimeoutBuffer = 30 * time.Second

	// maxRequestBodySize is the maximum allowed request body size (1MB)
	maxRequestBodySize = 1 << 20
)

// Server owns every runtime dependency SPEC_FULL.md's modules need and
// assembles them into two HTTP listeners: the REST+management surface and,
// when configured, a separate MCP (JSON-RPC) listener.
type Server struct {
	httpServer *http.Server
	mcpServer  *http.Server // Separate MCP listener if cfg.Server.MCPPort differs from Server.Port

	dbManager   *db.Manager
	cache       *cache.Cache
	rateLimiter *ratelimit.Limiter
	snapshots   *snapshot.Engine
	pipeline    *pipeline.Pipeline
	mcp         *mcp.Server
	logger      *logging.Logger

	config    *config.Config
	createdAt time.Time

	currentLogLevel atomic.Value // string

	// Health tracking (all DBs healthy)
	dbHealthy     atomic.Bool
	healthChecker context.CancelFunc

	// Cron scheduler for cache-refresh schedules and MCP session sweeping
	cron       *cron.Cron
	cronCancel context.CancelFunc
}

// Response types for JSON encoding
type healthResponse struct {
	Status    string            `json:"status"`
	Databases map[string]string `json:"databases"`
	Uptime    string            `json:"uptime"`
}

type logLevelResponse struct {
	Status string `json:"status,omitempty"`
	Level  string `json:"level,omitempty"`
	// For GET request
	CurrentLevel string `json:"current_level,omitempty"`
	Usage        string `json:"usage,omitempty"`
}

type cacheClearResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Endpoint string `json:"endpoint,omitempty"`
}

type dbHealthResponse struct {
	Database string `json:"database"`
	Status   string `json:"status"`
	Type     string `json:"type"`
	ReadOnly bool   `json:"readonly"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeJSON encodes v as JSON to w and logs any encoding errors
func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("json_encode_failed", map[string]any{
			"error": err.Error(),
			"type":  fmt.Sprintf("%T", v),
		})
	}
}

func New(cfg *config.Config, interactive bool) (*Server, error) {
	logFile := ""
	if !interactive {
		logFile = cfg.Logging.FilePath
	}
	loggingCfg := logging.Config{
		Level:      cfg.Logging.Level,
		FilePath:   logFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		AlsoStdout: interactive,
	}
	logger, err := logging.New(loggingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logging.Init(loggingCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize global logger: %w", err)
	}

	logging.Info("service_starting", map[string]any{
		"version":     cfg.Server.Version,
		"log_level":   cfg.Logging.Level,
		"endpoints":   len(cfg.Endpoints),
		"connections": len(cfg.Connections),
	})

	dbManager, err := db.NewManager(cfg.Connections)
	if err != nil {
		logging.Error("database_connection_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("failed to connect to databases: %w", err)
	}
	for name := range cfg.Connections {
		readOnly, _ := dbManager.IsReadOnly(name)
		logging.Info("database_connected", map[string]any{"name": name, "readonly": readOnly})
	}

	s := &Server{
		dbManager: dbManager,
		config:    cfg,
		logger:    logger,
		createdAt: time.Now(),
	}
	s.dbHealthy.Store(true)
	s.currentLogLevel.Store(cfg.Logging.Level)

	respCache, err := cache.New(cfg.ResponseCache)
	if err != nil {
		logging.Error("cache_init_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}
	s.cache = respCache
	for _, ep := range cfg.Endpoints {
		if ep.ResponseCache != nil && ep.ResponseCache.Enabled {
			if err := s.cache.RegisterEndpoint(ep.Slug(), ep.ResponseCache); err != nil {
				logging.Error("cache_endpoint_register_failed", map[string]any{
					"endpoint": ep.Slug(), "error": err.Error(),
				})
				return nil, fmt.Errorf("registering response cache for %q: %w", ep.Slug(), err)
			}
		}
	}
	if respCache != nil {
		logging.Info("cache_initialized", map[string]any{
			"max_size_mb":     cfg.ResponseCache.MaxSizeMB,
			"default_ttl_sec": cfg.ResponseCache.DefaultTTLSec,
		})
	}

	rlEngine := tmpl.New()
	if cfg.PublicIDs != nil && cfg.PublicIDs.SecretKey != "" {
		enc, err := publicid.NewEncoder(cfg.PublicIDs.SecretKey, cfg.PublicIDs.Namespaces)
		if err != nil {
			logging.Error("public_id_encoder_init_failed", map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("failed to initialize public ID encoder: %w", err)
		}
		rlEngine.SetPublicIDEncoder(enc)
		logging.Info("public_id_encoder_initialized", map[string]any{"namespaces": len(cfg.PublicIDs.Namespaces)})
	}

	if len(cfg.RateLimitPools) > 0 {
		s.rateLimiter, err = ratelimit.New(cfg.RateLimitPools, rlEngine)
		if err != nil {
			logging.Error("rate_limiter_init_failed", map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		logging.Info("rate_limiter_initialized", map[string]any{"pools": len(cfg.RateLimitPools)})
	}

	s.snapshots, err = snapshot.NewEngine(cfg.Server.CacheCatalogPath, dbManager, logger)
	if err != nil {
		logging.Error("cache_engine_init_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("failed to initialize cache engine: %w", err)
	}

	s.pipeline = pipeline.New(cfg, dbManager, s.rateLimiter, s.snapshots, s.cache, logger)
	s.mcp = mcp.New(cfg.Endpoints, s.pipeline, logger)

	if cfg.Metrics.Enabled {
		if err := metrics.Init(metrics.Config{
			Enabled:     cfg.Metrics.Enabled,
			FilePath:    cfg.Metrics.FilePath,
			IntervalSec: cfg.Metrics.IntervalSec,
			RetainFiles: cfg.Metrics.RetainFiles,
		}, s.checkDBHealth); err != nil {
			logging.Error("metrics_init_failed", map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		logging.Info("metrics_initialized", nil)
	}

	if err := s.initScheduler(); err != nil {
		return nil, err
	}

	healthCtx, healthCancel := context.WithCancel(context.Background())
	s.healthChecker = healthCancel
	go s.runHealthChecker(healthCtx)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	writeTimeout := time.Duration(cfg.Server.MaxTimeoutSec)*time.Second + writeTimeoutBuffer

	handler := s.recoveryMiddleware(s.bodySizeLimitMiddleware(s.gzipMiddleware(mux)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	if cfg.Server.MCPPort != 0 && cfg.Server.MCPPort != cfg.Server.Port {
		mcpHandler := s.recoveryMiddleware(s.bodySizeLimitMiddleware(s.gzipMiddleware(s.mcp)))
		s.mcpServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MCPPort),
			Handler:      mcpHandler,
			ReadTimeout:  httpReadTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  httpIdleTimeout,
		}
	} else {
		mux.Handle("/mcp", s.mcp)
	}

	return s, nil
}

// initScheduler creates the cron scheduler driving per-cache refresh
// schedules (spec.md §4.7) and the periodic MCP session sweep (§4.8). Both
// are scheduler-triggered concerns, grounded on the same cron.Cron the
// teacher used for workflow triggers.
func (s *Server) initScheduler() error {
	hasSchedule := false
	for _, ep := range s.config.Endpoints {
		if ep.Cache != nil && ep.Cache.Schedule != "" {
			hasSchedule = true
			break
		}
	}

	var cronCtx context.Context
	cronCtx, s.cronCancel = context.WithCancel(context.Background())
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(sessionSweepInterval, func() {
		n := s.mcp.Sessions().Sweep()
		if n > 0 {
			logging.Info("mcp_sessions_swept", map[string]any{"count": n})
		}
	}); err != nil {
		return fmt.Errorf("scheduling MCP session sweep: %w", err)
	}

	if !hasSchedule {
		return nil
	}

	for _, ep := range s.config.Endpoints {
		if ep.Cache == nil || ep.Cache.Schedule == "" {
			continue
		}
		epCopy := ep
		if _, err := s.cron.AddFunc(epCopy.Cache.Schedule, func() {
			s.snapshots.RefreshScheduled(cronCtx, epCopy)
		}); err != nil {
			return fmt.Errorf("scheduling cache refresh for %q: %w", epCopy.Slug(), err)
		}
		logging.Info("cache_refresh_scheduled", map[string]any{
			"cache_id": epCopy.Cache.CacheID, "schedule": epCopy.Cache.Schedule,
		})
	}

	return nil
}

// runHealthChecker periodically checks database connectivity for all connections
func (s *Server) runHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	consecutiveFailures := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			results := s.dbManager.Ping(pingCtx)
			cancel()

			wasHealthy := s.dbHealthy.Load()
			allHealthy := true

			for name, err := range results {
				if err != nil {
					allHealthy = false
					consecutiveFailures[name]++

					logging.Warn("health_check_failed", map[string]any{
						"database":             name,
						"error":                err.Error(),
						"consecutive_failures": consecutiveFailures[name],
					})

					if consecutiveFailures[name] >= healthCheckFailuresBeforeReconnect {
						logging.Info("attempting_reconnect", map[string]any{"database": name})
						if err := s.dbManager.Reconnect(name); err != nil {
							logging.Error("reconnect_failed", map[string]any{"database": name, "error": err.Error()})
						} else {
							logging.Info("reconnect_successful", map[string]any{"database": name})
							consecutiveFailures[name] = 0
						}
					}
				} else {
					if consecutiveFailures[name] > 0 {
						logging.Info("health_restored", map[string]any{"database": name, "after_failures": consecutiveFailures[name]})
					}
					consecutiveFailures[name] = 0
				}
			}

			s.dbHealthy.Store(allHealthy)
			metrics.SetDBHealthy(allHealthy)

			if allHealthy && !wasHealthy {
				logging.Info("all_databases_healthy", nil)
			}
		}
	}
}

// checkDBHealth returns current DB health status (for metrics)
func (s *Server) checkDBHealth() bool {
	return s.dbHealthy.Load()
}

// managementGate requires "Authorization: Bearer <token>" on the wrapped
// handler when the process was started with --config-service-token
// (spec.md §6.6's --config-service/--config-service-token pair). Health and
// the OpenAPI document stay open since they're meant for load balancers and
// API explorers, not privileged management actions.
func (s *Server) managementGate(next http.HandlerFunc) http.HandlerFunc {
	token := s.config.Server.ManagementToken
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, errorResponse{Error: "management API requires a valid bearer token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/_/health", s.healthHandler)
	mux.HandleFunc("/_/health/", s.dbHealthHandler)

	mux.HandleFunc("/_/metrics.json", s.managementGate(s.metricsJSONHandler))
	mux.HandleFunc("/_/metrics", s.managementGate(s.metricsPrometheusHandler))

	mux.HandleFunc("/_/openapi.json", s.openAPIHandler)

	mux.HandleFunc("/_/config/loglevel", s.managementGate(s.logLevelHandler))

	mux.HandleFunc("/_/cache/clear", s.managementGate(s.cacheClearHandler))

	mux.HandleFunc("/_/ratelimits", s.managementGate(s.rateLimitsHandler))
	mux.HandleFunc("/_/ratelimits/reset", s.managementGate(s.rateLimitsResetHandler))

	mux.HandleFunc("/", s.listEndpointsHandler)

	for _, ep := range s.config.Endpoints {
		if ep.Path == "" {
			continue // MCP-only entity, reached through the MCP listener instead
		}
		epCopy := ep
		pattern := epCopy.Method + " " + epCopy.Path
		mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.pipeline.Handle(w, r, epCopy)
		}))

		logging.Info("endpoint_registered", map[string]any{
			"slug":   epCopy.Slug(),
			"method": epCopy.Method,
			"path":   epCopy.Path,
		})
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	dbResults := s.dbManager.Ping(ctx)

	databases := make(map[string]string)
	healthyCount := 0
	totalCount := 0
	for name, err := range dbResults {
		totalCount++
		if err != nil {
			databases[name] = "disconnected"
		} else {
			databases[name] = "connected"
			healthyCount++
		}
	}

	status := "healthy"
	if healthyCount == 0 && totalCount > 0 {
		status = "unhealthy"
	} else if healthyCount < totalCount {
		status = "degraded"
	}

	writeJSON(w, healthResponse{
		Status:    status,
		Databases: databases,
		Uptime:    time.Since(s.createdAt).String(),
	})
}

// dbHealthHandler handles per-database health checks: /_/health/{dbname}
func (s *Server) dbHealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	dbName := strings.TrimPrefix(r.URL.Path, "/_/health/")
	if dbName == "" {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, errorResponse{Error: "database name required: /_/health/{dbname}"})
		return
	}

	driver, err := s.dbManager.Get(dbName)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, errorResponse{Error: "database not found: " + dbName})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "connected"
	if err := driver.Ping(ctx); err != nil {
		status = "disconnected"
	}

	writeJSON(w, dbHealthResponse{
		Database: dbName,
		Status:   status,
		Type:     driver.Type(),
		ReadOnly: driver.IsReadOnly(),
	})
}

// metricsJSONHandler returns metrics in human-readable JSON format
func (s *Server) metricsJSONHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snap := metrics.GetSnapshot()
	if snap == nil {
		writeJSON(w, errorResponse{Error: "metrics not enabled"})
		return
	}
	writeJSON(w, snap)
}

// metricsPrometheusHandler returns metrics in Prometheus/OpenMetrics format
func (s *Server) metricsPrometheusHandler(w http.ResponseWriter, r *http.Request) {
	registry := metrics.Registry()

	// DisableCompression: true because our gzip middleware handles compression
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics:  true,
		DisableCompression: true,
	}).ServeHTTP(w, r)
}

func (s *Server) openAPIHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*") // Allow Swagger UI from anywhere

	spec := openapi.Spec(s.config)
	writeJSON(w, spec)
}

func (s *Server) logLevelHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		level := r.URL.Query().Get("level")
		if level == "" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, errorResponse{Error: "level parameter required (debug, info, warn, error)"})
			return
		}

		logging.SetLevel(logging.ParseLevel(level))
		s.currentLogLevel.Store(level)
		logging.Info("log_level_changed", map[string]any{"new_level": level})

		writeJSON(w, logLevelResponse{Status: "ok", Level: level})
		return
	}

	writeJSON(w, logLevelResponse{
		CurrentLevel: s.currentLogLevel.Load().(string),
		Usage:        "POST /_/config/loglevel?level=debug|info|warn|error",
	})
}

func (s *Server) cacheClearHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		writeJSON(w, errorResponse{Error: "method not allowed, use POST or DELETE"})
		return
	}

	if s.cache == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, errorResponse{Error: "cache not enabled"})
		return
	}

	endpoint := r.URL.Query().Get("endpoint")

	if endpoint != "" {
		s.cache.Clear(endpoint)
		logging.Info("cache_cleared", map[string]any{"endpoint": endpoint})
		writeJSON(w, cacheClearResponse{Status: "ok", Message: "cache cleared for endpoint", Endpoint: endpoint})
	} else {
		s.cache.ClearAll()
		logging.Info("cache_cleared_all", nil)
		writeJSON(w, cacheClearResponse{Status: "ok", Message: "all cache cleared"})
	}
}

// rateLimitsHandler returns rate limit pool status and metrics
func (s *Server) rateLimitsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.rateLimiter == nil {
		writeJSON(w, errorResponse{Error: "rate limiting not configured"})
		return
	}

	snap := s.rateLimiter.Snapshot()

	type poolInfo struct {
		Name              string `json:"name"`
		RequestsPerSecond int    `json:"requests_per_second"`
		Burst             int    `json:"burst"`
		Allowed           int64  `json:"allowed"`
		Denied            int64  `json:"denied"`
		ActiveBuckets     int64  `json:"active_buckets"`
	}

	type rateLimitsResponse struct {
		Enabled      bool        `json:"enabled"`
		TotalAllowed int64       `json:"total_allowed"`
		TotalDenied  int64       `json:"total_denied"`
		Pools        []*poolInfo `json:"pools"`
	}

	resp := rateLimitsResponse{
		Enabled:      true,
		TotalAllowed: snap.TotalAllowed,
		TotalDenied:  snap.TotalDenied,
		Pools:        make([]*poolInfo, 0),
	}

	for _, name := range s.rateLimiter.PoolNames() {
		pool := s.rateLimiter.GetPool(name)
		if pool == nil {
			continue
		}
		poolMetrics := snap.Pools[name]

		resp.Pools = append(resp.Pools, &poolInfo{
			Name:              name,
			RequestsPerSecond: pool.RequestsPerSecond(),
			Burst:             pool.Burst(),
			Allowed:           poolMetrics.Allowed,
			Denied:            poolMetrics.Denied,
			ActiveBuckets:     poolMetrics.ActiveBuckets,
		})
	}

	writeJSON(w, resp)
}

// rateLimitsResetHandler clears rate limit buckets, for test isolation and
// manual recovery from a misconfigured limit.
func (s *Server) rateLimitsResetHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		writeJSON(w, errorResponse{Error: "method not allowed, use POST or DELETE"})
		return
	}

	if s.rateLimiter == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, errorResponse{Error: "rate limiting not configured"})
		return
	}

	pool := r.URL.Query().Get("pool")

	type resetResponse struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Pool    string `json:"pool,omitempty"`
	}

	if pool != "" {
		if !s.rateLimiter.ResetPool(pool) {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, errorResponse{Error: "unknown rate limit pool: " + pool})
			return
		}
		logging.Info("ratelimit_reset_pool", map[string]any{"pool": pool})
		writeJSON(w, resetResponse{Status: "ok", Message: "rate limit pool reset", Pool: pool})
		return
	}

	s.rateLimiter.ResetAll()
	logging.Info("ratelimit_reset_all", nil)
	writeJSON(w, resetResponse{Status: "ok", Message: "all rate limits reset"})
}

func (s *Server) listEndpointsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	type endpointInfo struct {
		Slug    string `json:"slug"`
		Path    string `json:"path,omitempty"`
		Method  string `json:"method,omitempty"`
		MCPName string `json:"mcp_name,omitempty"`
	}

	type cachedInfo struct {
		CacheID  string `json:"cache_id"`
		Schedule string `json:"schedule,omitempty"`
	}

	endpoints := make([]endpointInfo, 0, len(s.config.Endpoints))
	cached := make([]cachedInfo, 0)

	for _, ep := range s.config.Endpoints {
		endpoints = append(endpoints, endpointInfo{
			Slug:    ep.Slug(),
			Path:    ep.Path,
			Method:  ep.Method,
			MCPName: ep.MCPName,
		})
		if ep.Cache != nil && ep.Cache.Schedule != "" {
			cached = append(cached, cachedInfo{CacheID: ep.Cache.CacheID, Schedule: ep.Cache.Schedule})
		}
	}

	response := map[string]any{
		"service":             "sql-proxy",
		"version":             s.config.Server.Version,
		"build_time":          s.config.Server.BuildTime,
		"default_timeout_sec": s.config.Server.DefaultTimeoutSec,
		"max_timeout_sec":     s.config.Server.MaxTimeoutSec,
		"connections":         s.dbManager.Names(),
		"db_healthy":          s.dbHealthy.Load(),
		"endpoints":           endpoints,
	}
	if len(cached) > 0 {
		response["scheduled_caches"] = cached
	}

	writeJSON(w, response)
}

// recoveryMiddleware catches panics and logs them with stack traces
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				logging.Error("panic_recovered", map[string]any{
					"error":  fmt.Sprintf("%v", err),
					"path":   r.URL.Path,
					"method": r.Method,
					"stack":  string(stack),
				})

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				writeJSON(w, errorResponse{Success: false, Error: "internal server error"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// bodySizeLimitMiddleware limits the size of request bodies to prevent memory exhaustion
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// gzipResponseWriter wraps http.ResponseWriter with gzip compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (grw *gzipResponseWriter) Write(b []byte) (int, error) {
	return grw.Writer.Write(b)
}

// gzip writer pool to reduce allocations
var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

// gzipMiddleware compresses responses for clients that accept gzip
func (s *Server) gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logging.Debug("gzip_close_error", map[string]any{"error": err.Error(), "path": r.URL.Path})
				return // Don't put broken writer back in pool
			}
			gzipWriterPool.Put(gz)
		}()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length") // Length changes with compression

		grw := &gzipResponseWriter{Writer: gz, ResponseWriter: w}
		next.ServeHTTP(grw, r)
	})
}

// Start begins listening for HTTP requests and starts the cron scheduler
func (s *Server) Start() error {
	if s.cron != nil {
		s.cron.Start()
		logging.Info("cron_scheduler_started", map[string]any{"jobs": len(s.cron.Entries())})
	}

	useTLS := s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != ""

	if s.mcpServer != nil {
		go func() {
			logging.Info("mcp_server_starting", map[string]any{"addr": s.mcpServer.Addr, "tls": useTLS})
			var err error
			if useTLS {
				err = s.mcpServer.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
			} else {
				err = s.mcpServer.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				logging.Error("mcp_server_error", map[string]any{"error": err.Error()})
			}
		}()
	}

	logging.Info("server_starting", map[string]any{"addr": s.httpServer.Addr, "tls": useTLS})
	if useTLS {
		return s.httpServer.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("server_shutting_down", nil)

	if s.cronCancel != nil {
		s.cronCancel()
	}
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
		logging.Info("cron_scheduler_stopped", nil)
	}

	if s.healthChecker != nil {
		s.healthChecker()
	}

	if s.mcpServer != nil {
		if err := s.mcpServer.Shutdown(ctx); err != nil {
			logging.Error("mcp_server_shutdown_error", map[string]any{"error": err.Error()})
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("http_shutdown_error", map[string]any{"error": err.Error()})
		return err
	}

	if s.cache != nil {
		s.cache.Close()
		logging.Info("cache_closed", nil)
	}

	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			logging.Error("cache_engine_close_error", map[string]any{"error": err.Error()})
		}
	}

	if err := s.dbManager.Close(); err != nil {
		logging.Error("database_close_error", map[string]any{"error": err.Error()})
		return err
	}

	logging.Info("server_stopped", nil)
	logging.Close()

	return nil
}
