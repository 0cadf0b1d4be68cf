// Package pipeline implements the request pipeline (spec.md §4.6, C6): the
// nine-step sequence every HTTP request to an endpoint goes through —
// authentication, rate limiting, parameter extraction, validation, template
// expansion, execution, pagination, response shaping, and error mapping.
package pipeline

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"sql-proxy/internal/apierr"
	"sql-proxy/internal/auth"
	"sql-proxy/internal/cache"
	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
	"sql-proxy/internal/logging"
	"sql-proxy/internal/metrics"
	"sql-proxy/internal/mustache"
	"sql-proxy/internal/ratelimit"
	"sql-proxy/internal/snapshot"
	"sql-proxy/internal/tmpl"
)

// Pipeline wires together every dependency C6 needs and exposes one entry
// point per endpoint, Handle.
type Pipeline struct {
	conns          *db.Manager
	limiter        *ratelimit.Limiter
	snapshots      *snapshot.Engine
	responseCache  *cache.Cache
	ctxBuilder     *tmpl.ContextBuilder
	responseFormat config.ResponseFormatConfig
	env            map[string]string
	logger         *logging.Logger

	globalAuthCfg *config.AuthConfig
	globalRoles   []string

	mu        sync.Mutex
	verifiers map[*config.AuthConfig]*auth.Verifier
}

// New builds a Pipeline from the resolved config graph and its runtime
// dependencies. cfg is read once, here; the Pipeline keeps no reference to
// it that would pick up later changes.
func New(cfg *config.Config, conns *db.Manager, limiter *ratelimit.Limiter, snapshots *snapshot.Engine, responseCache *cache.Cache, logger *logging.Logger) *Pipeline {
	p := &Pipeline{
		conns:          conns,
		limiter:        limiter,
		snapshots:      snapshots,
		responseCache:  responseCache,
		ctxBuilder:     tmpl.NewContextBuilder(cfg.Server.TrustProxyHeaders, cfg.Server.Version),
		responseFormat: cfg.ResponseFormat,
		env:            resolveWhitelistedEnv(cfg.EnvironmentWhitelist),
		logger:         logger,
		globalAuthCfg:  &cfg.Auth,
		globalRoles:    cfg.Auth.RequiredRoles,
		verifiers:      make(map[*config.AuthConfig]*auth.Verifier),
	}
	return p
}

// resolveWhitelistedEnv resolves every whitelisted environment variable to
// its current process value, defaulting to empty string when unset (see
// DESIGN.md Open Question decision #2).
func resolveWhitelistedEnv(whitelist []string) map[string]string {
	env := make(map[string]string, len(whitelist))
	for _, name := range whitelist {
		env[name] = os.Getenv(name)
	}
	return env
}

// verifierFor returns the auth.Verifier for ep, building and caching one
// lazily per distinct *config.AuthConfig (the global default, or one
// instance per endpoint override).
func (p *Pipeline) verifierFor(ep *config.EndpointConfig) *auth.Verifier {
	authCfg := p.globalAuthCfg
	if ep.Auth != nil {
		authCfg = ep.Auth
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.verifiers[authCfg]; ok {
		return v
	}
	v := auth.New(authConfigFrom(authCfg))
	p.verifiers[authCfg] = v
	return v
}

// Authenticate runs the global auth scheme against r, with no per-endpoint
// override and no role check. The MCP session layer calls this once at
// initialize to establish the auth.Context a session binds to.
func (p *Pipeline) Authenticate(r *http.Request) (auth.Context, error) {
	p.mu.Lock()
	authCfg := p.globalAuthCfg
	v, ok := p.verifiers[authCfg]
	if !ok {
		v = auth.New(authConfigFrom(authCfg))
		p.verifiers[authCfg] = v
	}
	p.mu.Unlock()
	return v.Authenticate(r)
}

// Handle runs the full C6 pipeline for one HTTP request against ep. It
// writes the response (success or error) directly to w.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig) {
	authCtx, err := p.authenticate(r, ep)
	if err != nil {
		writeError(w, err)
		return
	}
	p.HandleAuthenticated(w, r, ep, authCtx)
}

// HandleAuthenticated runs steps 2-9 of the pipeline against a request whose
// auth.Context was already established elsewhere. The MCP session layer
// (internal/mcp) authenticates once at session initialize and binds the
// resulting context to the session, so tool calls on that session skip step 1
// and call this directly instead of Handle.
func (p *Pipeline) HandleAuthenticated(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, authCtx auth.Context) {
	ctx := r.Context()

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = rec
	defer func() {
		metrics.RecordRequest(ep.Slug(), r.Method, rec.status, time.Since(start))
	}()

	if err := p.authorize(ep, authCtx); err != nil {
		writeError(w, err)
		return
	}

	if err := p.rateLimit(r, ep); err != nil {
		writeError(w, err)
		return
	}

	params, err := extractParams(r, ep)
	if err != nil {
		writeError(w, err)
		return
	}

	if ep.Condition != "" {
		ok, err := evalCondition(ep.Condition, authCtx, params)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.Configuration, "invalid condition expression", err))
			return
		}
		if !ok {
			writeError(w, apierr.Authorizationf("condition not satisfied"))
			return
		}
	}

	var cacheKey string
	if ep.ResponseCache != nil && ep.ResponseCache.Enabled && !ep.Operation.IsWrite() {
		key, err := cache.BuildKey(ep.ResponseCache.Key, params)
		if err == nil {
			cacheKey = key
			if rows, hit := p.responseCache.Get(ep.Slug(), cacheKey); hit {
				writeReadResponse(w, r, rows, nil, "", p.responseFormat)
				return
			}
		}
	}

	sql, err := p.renderTemplate(ep, authCtx, params)
	if err != nil {
		writeError(w, err)
		return
	}

	driver, err := p.targetDriver(ep)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Database, "resolving target connection", err))
		return
	}

	if ep.Operation.IsWrite() {
		p.handleWrite(ctx, w, ep, driver, sql)
		return
	}

	p.handleRead(ctx, w, r, ep, driver, sql, cacheKey, params)
}

func (p *Pipeline) authenticate(r *http.Request, ep *config.EndpointConfig) (auth.Context, error) {
	verifier := p.verifierFor(ep)
	authCtx, err := verifier.Authenticate(r)
	if err != nil {
		return auth.Context{}, err
	}
	if err := p.authorize(ep, authCtx); err != nil {
		return auth.Context{}, err
	}
	return authCtx, nil
}

// authorize enforces ep's effective role requirement against an
// already-established auth.Context (spec.md §4.9/§7: 401 when unauthenticated,
// 403 when authenticated but lacking a required role).
func (p *Pipeline) authorize(ep *config.EndpointConfig, authCtx auth.Context) error {
	roles := effectiveRoles(p.globalRoles, ep)
	if len(roles) == 0 {
		return nil
	}
	if !authCtx.Authenticated {
		return apierr.Authenticationf("authentication required")
	}
	if !rolesIntersect(authCtx.Roles, roles) {
		return apierr.Authorizationf("caller lacks a required role")
	}
	return nil
}

func (p *Pipeline) rateLimit(r *http.Request, ep *config.EndpointConfig) error {
	if ep.RateLimit == nil || p.limiter == nil {
		return nil
	}
	tctx := p.ctxBuilder.Build(r, nil)
	ok, err := p.limiter.Allow([]config.RateLimitConfig{*ep.RateLimit}, tctx)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "rate limiter error", err)
	}
	if !ok {
		return apierr.New(apierr.RateLimit, "rate limit exceeded")
	}
	return nil
}

func (p *Pipeline) renderTemplate(ep *config.EndpointConfig, authCtx auth.Context, params map[string]any) (string, error) {
	src, err := os.ReadFile(ep.TemplateSource)
	if err != nil {
		return "", apierr.Wrap(apierr.Configuration, "reading template_source", err)
	}

	connVars := map[string]any{}
	if len(ep.ConnectionNames) > 0 {
		if drv, err := p.conns.Get(ep.ConnectionNames[0]); err == nil {
			for k, v := range drv.Config().Properties {
				connVars[k] = v
			}
		}
	}

	renderCtx := mustache.Context{
		"params": params,
		"conn":   connVars,
		"auth":   authCtx.ToTemplateVars(),
		"env":    stringMapToAny(p.env),
	}

	out, err := mustache.Render(string(src), renderCtx)
	if err != nil {
		return "", apierr.Wrap(apierr.Template, "rendering template_source", err)
	}
	return out, nil
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// targetDriver implements step 6's execution decision: cache-enabled reads
// route to the cache table namespace, everything else targets the first
// listed connection.
func (p *Pipeline) targetDriver(ep *config.EndpointConfig) (db.Driver, error) {
	if ep.Cache != nil && !ep.Operation.IsWrite() {
		return p.snapshots.CacheDriver(), nil
	}
	if len(ep.ConnectionNames) == 0 {
		return nil, apierr.Configurationf("endpoint declares no connections")
	}
	return p.conns.Get(ep.ConnectionNames[0])
}

func (p *Pipeline) handleRead(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, driver db.Driver, sql string, cacheKey string, params map[string]any) {
	sql, limit, offset, paginated := applyPagination(sql, params, p.responseFormat)

	rows, err := driver.Query(ctx, db.DefaultSessionOptions(), sql, nil)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Database, "query failed", err))
		return
	}

	var totalCount *int
	if paginated {
		n := len(rows)
		if n == limit {
			// A full page may or may not be the last; total_count is only
			// reported when the result set itself proves the bound (the
			// pipeline never issues a second counting query).
			totalCount = nil
		} else {
			total := offset + n
			totalCount = &total
		}
	}

	if cacheKey != "" && p.responseCache != nil {
		p.responseCache.Set(ep.Slug(), cacheKey, rows, responseCacheTTL(ep))
	}

	next := nextPageURL(r, limit, offset, len(rows), paginated)
	writeReadResponse(w, r, rows, totalCount, next, p.responseFormat)
}

func (p *Pipeline) handleWrite(ctx context.Context, w http.ResponseWriter, ep *config.EndpointConfig, driver db.Driver, sql string) {
	if ep.Operation.Transaction {
		p.handleTransactionalWrite(ctx, w, ep, driver, sql)
		return
	}

	// When the endpoint wants the written rows back (e.g. an INSERT/UPDATE
	// with a RETURNING/OUTPUT clause, or a write-shaped statement that's
	// actually a query), the statement is run exactly once via Query —
	// RowsAffected is derived from the row count rather than re-running
	// the write through Exec, which would execute it a second time.
	if ep.Operation.ReturnsData {
		rows, err := driver.Query(ctx, db.DefaultSessionOptions(), sql, nil)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.Database, "exec failed", err))
			return
		}
		writeWriteResponse(w, db.ExecResult{RowsAffected: int64(len(rows))}, rows)
		return
	}

	result, err := driver.Exec(ctx, db.DefaultSessionOptions(), sql, nil)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Database, "exec failed", err))
		return
	}
	writeWriteResponse(w, result, nil)
}

func (p *Pipeline) handleTransactionalWrite(ctx context.Context, w http.ResponseWriter, ep *config.EndpointConfig, driver db.Driver, sql string) {
	tx, err := driver.Begin(ctx, db.DefaultSessionOptions())
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Database, "starting transaction failed", err))
		return
	}

	var result db.ExecResult
	var returned []map[string]any
	if ep.Operation.ReturnsData {
		returned, err = tx.Query(ctx, sql, nil)
		if err != nil {
			_ = tx.Rollback()
			writeError(w, apierr.Wrap(apierr.Database, "exec failed", err))
			return
		}
		result = db.ExecResult{RowsAffected: int64(len(returned))}
	} else {
		result, err = tx.Exec(ctx, sql, nil)
		if err != nil {
			_ = tx.Rollback()
			writeError(w, apierr.Wrap(apierr.Database, "exec failed", err))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		writeError(w, apierr.Wrap(apierr.Database, "commit failed", err))
		return
	}

	writeWriteResponse(w, result, returned)
}
