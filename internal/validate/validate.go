package validate

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/expr-lang/expr"
	"github.com/robfig/cron/v3"

	"sql-proxy/internal/cache"
	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
	"sql-proxy/internal/tmpl"
)

// Result holds validation results
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Run validates config format, then tests connections if the format is valid.
func Run(cfg *config.Config) *Result {
	r := &Result{Valid: true}

	validateServer(cfg, r)
	validateConnections(cfg, r)
	validateLogging(cfg, r)
	validateMetrics(cfg, r)
	validateRateLimitPools(cfg, r)
	validateEndpoints(cfg, r)

	if r.Valid {
		testConnections(cfg, r)
	}

	return r
}

func validateServer(cfg *config.Config, r *Result) {
	if cfg.Server.Host == "" {
		r.addError("server.host is required")
	}

	if cfg.Server.Port == 0 {
		r.addError("server.port is required")
	} else if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		r.addError("server.port must be 1-65535, got: %d", cfg.Server.Port)
	}
	if cfg.Server.MCPPort < 0 || cfg.Server.MCPPort > 65535 {
		r.addError("server.mcp_port must be 1-65535, got: %d", cfg.Server.MCPPort)
	}

	if cfg.Server.DefaultTimeoutSec == 0 {
		r.addError("server.default_timeout_sec is required")
	} else if cfg.Server.DefaultTimeoutSec < 1 {
		r.addError("server.default_timeout_sec must be at least 1 second")
	}
	if cfg.Server.MaxTimeoutSec == 0 {
		r.addError("server.max_timeout_sec is required")
	} else if cfg.Server.MaxTimeoutSec < cfg.Server.DefaultTimeoutSec {
		r.addError("server.max_timeout_sec (%d) must be >= server.default_timeout_sec (%d)",
			cfg.Server.MaxTimeoutSec, cfg.Server.DefaultTimeoutSec)
	}

	if (cfg.Server.TLSCertFile == "") != (cfg.Server.TLSKeyFile == "") {
		r.addError("server: --cert and --key must both be set to enable TLS")
	}
}

// validateConnections checks the named connection pool (spec.md §1):
// required properties per driver, and that no property looks like an
// unresolved environment-variable placeholder.
func validateConnections(cfg *config.Config, r *Result) {
	if len(cfg.Connections) == 0 {
		r.addError("at least one connection is required in 'connections'")
		return
	}

	implementedDrivers := map[string]bool{"sqlserver": true, "sqlite": true}

	for name, conn := range cfg.Connections {
		prefix := fmt.Sprintf("connections.%s", name)

		driver := conn.Driver()
		if !implementedDrivers[driver] {
			r.addWarning("%s: driver '%s' has no built-in implementation (mysql/postgres are recognized but not yet wired)", prefix, driver)
			continue
		}

		switch driver {
		case "sqlserver":
			if conn.Prop("host", "") == "" {
				r.addError("%s: properties.host is required for sqlserver", prefix)
			}
			if conn.Prop("user", "") == "" {
				r.addError("%s: properties.user is required for sqlserver", prefix)
			}
			if conn.Prop("database", "") == "" {
				r.addError("%s: properties.database is required for sqlserver", prefix)
			}
			if strings.HasPrefix(conn.Prop("host", ""), "${") {
				r.addWarning("%s: properties.host looks like an unresolved env var", prefix)
			}
			if strings.HasPrefix(conn.Prop("password", ""), "${") {
				r.addWarning("%s: properties.password looks like an unresolved env var", prefix)
			}
		case "sqlite":
			if conn.Prop("path", "") == "" {
				r.addError("%s: properties.path is required for sqlite", prefix)
			}
		}
	}
}

func validateLogging(cfg *config.Config, r *Result) {
	if cfg.Logging.Level == "" {
		r.addError("logging.level is required")
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(cfg.Logging.Level)] {
			r.addError("logging.level must be debug, info, warn, or error, got: %s", cfg.Logging.Level)
		}
	}

	if cfg.Logging.MaxSizeMB == 0 {
		r.addError("logging.max_size_mb is required")
	} else if cfg.Logging.MaxSizeMB < 0 {
		r.addError("logging.max_size_mb cannot be negative")
	}
	if cfg.Logging.MaxBackups == 0 {
		r.addError("logging.max_backups is required")
	} else if cfg.Logging.MaxBackups < 0 {
		r.addError("logging.max_backups cannot be negative")
	}
	if cfg.Logging.MaxAgeDays == 0 {
		r.addError("logging.max_age_days is required")
	} else if cfg.Logging.MaxAgeDays < 0 {
		r.addError("logging.max_age_days cannot be negative")
	}
}

func validateMetrics(cfg *config.Config, r *Result) {
	if !cfg.Metrics.Enabled {
		return
	}
	if cfg.Metrics.IntervalSec < 0 {
		r.addError("metrics.interval_sec cannot be negative")
	}
	if cfg.Metrics.RetainFiles < 0 {
		r.addError("metrics.retain_files cannot be negative")
	}
}

func validateRateLimitPools(cfg *config.Config, r *Result) {
	if len(cfg.RateLimitPools) == 0 {
		return // pools are optional; endpoints may still define inline limits
	}

	tmplEngine := tmpl.New()
	names := make(map[string]bool)

	for i, pool := range cfg.RateLimitPools {
		prefix := fmt.Sprintf("rate_limit_pools[%d]", i)

		if pool.Name == "" {
			r.addError("%s: name is required", prefix)
			continue
		}
		prefix = fmt.Sprintf("rate_limit_pools[%d] (%s)", i, pool.Name)

		if names[pool.Name] {
			r.addError("%s: duplicate pool name", prefix)
		}
		names[pool.Name] = true

		if pool.RequestsPerSecond <= 0 {
			r.addError("%s: requests_per_second must be positive", prefix)
		}
		if pool.Burst <= 0 {
			r.addError("%s: burst must be positive", prefix)
		}

		if pool.Key == "" {
			r.addError("%s: key template is required", prefix)
		} else if err := tmplEngine.Validate(pool.Key, tmpl.UsagePreQuery); err != nil {
			r.addError("%s: invalid key template: %v", prefix, err)
		}
	}
}

// validateEndpoints covers the cross-endpoint checks compileEndpoint can't
// make on its own: connection references, duplicate routes, rate-limit pool
// references, condition syntax, and cache/webhook details. Per-field shape
// (exactly one of path/mcp_name, template_source existence, at least one
// connection) is already enforced at load time in internal/config.
func validateEndpoints(cfg *config.Config, r *Result) {
	if len(cfg.Endpoints) == 0 {
		r.addWarning("no endpoints configured - service exposes no application routes")
		return
	}

	rateLimitPools := make(map[string]bool, len(cfg.RateLimitPools))
	for _, pool := range cfg.RateLimitPools {
		if pool.Name != "" {
			rateLimitPools[pool.Name] = true
		}
	}

	tmplEngine := tmpl.New()
	usedConnections := make(map[string]bool)
	paths := make(map[string]string)
	mcpNames := make(map[string]string)

	for i, ep := range cfg.Endpoints {
		ident := ep.Path
		if ident == "" {
			ident = ep.MCPName
		}
		prefix := fmt.Sprintf("endpoints[%d] (%s)", i, ident)

		for _, name := range ep.ConnectionNames {
			if _, ok := cfg.Connections[name]; !ok {
				r.addError("%s: references unknown connection '%s'", prefix, name)
			} else {
				usedConnections[name] = true
			}
		}

		if ep.Path != "" {
			routeKey := ep.Method + " " + ep.Path
			if existing, ok := paths[routeKey]; ok {
				r.addError("%s: %s already registered by '%s'", prefix, routeKey, existing)
			}
			paths[routeKey] = ident

			if !strings.HasPrefix(ep.Path, "/") {
				r.addError("%s: path must start with '/'", prefix)
			}
			if strings.HasPrefix(ep.Path, "/_/") {
				r.addError("%s: path cannot start with '/_/' (reserved for management endpoints)", prefix)
			}
		}

		if ep.MCPName != "" {
			if existing, ok := mcpNames[ep.MCPName]; ok {
				r.addError("%s: mcp_name '%s' already used by '%s'", prefix, ep.MCPName, existing)
			}
			mcpNames[ep.MCPName] = ident
		}

		if ep.Operation.Kind != "read" && ep.Operation.Kind != "write" {
			r.addError("%s: operation.kind must be 'read' or 'write'", prefix)
		}
		if ep.Operation.Kind == "read" && ep.Operation.Transaction {
			r.addWarning("%s: operation.transaction has no effect on a read", prefix)
		}

		if ep.Condition != "" {
			if _, err := expr.Compile(ep.Condition, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
				r.addError("%s: invalid condition expression: %v", prefix, err)
			}
		}

		if ep.RateLimit != nil {
			validateEndpointRateLimit(ep.RateLimit, rateLimitPools, tmplEngine, prefix, r)
		}

		if ep.ResponseCache != nil && ep.ResponseCache.Enabled {
			validateResponseCache(ep.ResponseCache, prefix, r)
		}

		if ep.Cache != nil {
			validateCache(ep.Cache, prefix, r)
		}
	}

	for name := range cfg.Connections {
		if !usedConnections[name] {
			r.addWarning("connection '%s' is configured but not used by any endpoint", name)
		}
	}
}

func validateEndpointRateLimit(rl *config.RateLimitConfig, pools map[string]bool, tmplEngine *tmpl.Engine, prefix string, r *Result) {
	limitPrefix := prefix + ".rate_limit"

	if rl.IsPoolReference() && rl.IsInline() {
		r.addError("%s: cannot specify both 'pool' and inline rate limit settings (requests_per_second/burst/key)", limitPrefix)
		return
	}
	if !rl.IsPoolReference() && !rl.IsInline() {
		r.addError("%s: must specify either 'pool' or inline rate limit settings", limitPrefix)
		return
	}

	if rl.IsPoolReference() {
		if !pools[rl.Pool] {
			r.addError("%s: references unknown rate limit pool '%s'", limitPrefix, rl.Pool)
		}
		return
	}

	if rl.Key == "" {
		r.addError("%s: key template is required for an inline rate limit", limitPrefix)
	} else if err := tmplEngine.Validate(rl.Key, tmpl.UsagePreQuery); err != nil {
		r.addError("%s: invalid key template: %v", limitPrefix, err)
	}
}

func validateResponseCache(rc *config.ResponseCacheConfig, prefix string, r *Result) {
	cachePrefix := prefix + ".response_cache"

	if rc.Key == "" {
		r.addError("%s: key_template is required when response_cache is enabled", cachePrefix)
	} else if _, err := cache.BuildKey(rc.Key, map[string]any{}); err != nil {
		r.addError("%s: invalid key_template: %v", cachePrefix, err)
	}

	if rc.TTLSec < 0 {
		r.addError("%s: ttl_sec cannot be negative", cachePrefix)
	}
	if rc.MaxSizeMB < 0 {
		r.addError("%s: max_size_mb cannot be negative", cachePrefix)
	}
	if rc.EvictCron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(rc.EvictCron); err != nil {
			r.addError("%s: invalid evict_cron expression '%s': %v", cachePrefix, rc.EvictCron, err)
		}
	}
}

// validateCache checks the snapshot cache settings (spec.md §4.5/§4.7);
// table and template_file existence are already enforced at load time.
func validateCache(c *config.CacheConfig, prefix string, r *Result) {
	cachePrefix := prefix + ".cache"

	if c.Schedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Schedule); err != nil {
			r.addError("%s: invalid schedule '%s': %v", cachePrefix, c.Schedule, err)
		}
	}

	if c.Cursor != nil && c.Cursor.Column == "" {
		r.addError("%s: cursor.column is required when cursor is set", cachePrefix)
	}

	if c.Retention.KeepLastSnapshots < 0 {
		r.addError("%s: retention.keep_last_snapshots cannot be negative", cachePrefix)
	}
	if c.Retention.MaxSnapshotAge != "" {
		if _, err := time.ParseDuration(c.Retention.MaxSnapshotAge); err != nil {
			r.addError("%s: invalid retention.max_snapshot_age %q: %v", cachePrefix, c.Retention.MaxSnapshotAge, err)
		}
	}

	if c.OnRefresh != nil {
		validateWebhook(c.OnRefresh, cachePrefix, r)
	}
}

func validateWebhook(w *config.WebhookConfig, prefix string, r *Result) {
	webhookPrefix := prefix + ".on_refresh"

	if w.URL == "" {
		r.addError("%s: url is required", webhookPrefix)
	}

	if w.Method != "" {
		validMethods := map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true}
		if !validMethods[strings.ToUpper(w.Method)] {
			r.addError("%s: method must be GET, POST, PUT, or PATCH", webhookPrefix)
		}
	}

	if w.Body != nil {
		validateWebhookBody(w.Body, webhookPrefix, r)
	}
}

func validateWebhookBody(b *config.WebhookBodyConfig, prefix string, r *Result) {
	bodyPrefix := prefix + ".body"

	if b.OnEmpty != "" && b.OnEmpty != "send" && b.OnEmpty != "skip" {
		r.addError("%s: on_empty must be 'send' or 'skip'", bodyPrefix)
	}
	if b.Empty != "" && b.OnEmpty == "skip" {
		r.addWarning("%s: 'empty' template is ignored when on_empty is 'skip'", bodyPrefix)
	}

	templates := map[string]string{"header": b.Header, "item": b.Item, "footer": b.Footer, "empty": b.Empty}
	for name, tplStr := range templates {
		if tplStr == "" {
			continue
		}
		if _, err := template.New("").Parse(tplStr); err != nil {
			r.addError("%s.%s: invalid template: %v", bodyPrefix, name, err)
		}
	}
}

func testConnections(cfg *config.Config, r *Result) {
	for name, conn := range cfg.Connections {
		if conn.Driver() == "sqlserver" {
			if strings.HasPrefix(conn.Prop("host", ""), "${") || strings.HasPrefix(conn.Prop("password", ""), "${") {
				continue // incomplete env interpolation, already warned above
			}
		}

		driver, err := db.NewDriver(conn)
		if err != nil {
			r.addError("connections.%s: %v", name, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = driver.Ping(ctx)
		cancel()
		driver.Close()

		if err != nil {
			r.addError("connections.%s: ping failed: %v", name, err)
		}
	}
}
