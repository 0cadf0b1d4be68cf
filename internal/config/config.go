// Package config loads the root and per-endpoint YAML files into an
// immutable Config graph: include-directive preprocessing, whitelist-gated
// environment interpolation, endpoint/connection/cache parsing, and
// validator compilation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sql-proxy/internal/publicid"
)

// Config is the immutable, fully-resolved configuration graph produced by
// Load. It is loaded once at startup and never mutates after load.
type Config struct {
	ProjectName           string              `yaml:"project-name"`
	Description           string              `yaml:"description"`
	Connections           map[string]*Connection
	TemplateSourceDir     string              `yaml:"template-source"`
	EnvironmentWhitelist  []string            `yaml:"environment-whitelist"`
	Server                ServerConfig        `yaml:"server"`
	Auth                  AuthConfig          `yaml:"auth"`
	RateLimit             RateLimitDefaults   `yaml:"rate-limit"`
	RateLimitPools        []RateLimitPoolConfig `yaml:"rate_limit_pools"`
	ResponseFormat        ResponseFormatConfig `yaml:"response-format"`
	Logging               LoggingConfig       `yaml:"logging"`
	Metrics               MetricsConfig       `yaml:"metrics"`
	Variables             VariablesConfig     `yaml:"variables"`
	PublicIDs             *PublicIDsConfig    `yaml:"public_ids"`
	ResponseCache         ResponseCacheSettings `yaml:"response_cache"`

	// Endpoints is the flattened set of every endpoint parsed from the
	// endpoint files found under TemplateSourceDir.
	// Populated by Load, not present in the root YAML itself.
	Endpoints []*EndpointConfig `yaml:"-"`

	// rootDir is the directory containing the root YAML file; relative
	// paths elsewhere in the config (env file, endpoint directories) are
	// resolved against it unless documented otherwise.
	rootDir string `yaml:"-"`
}

type yamlConnections struct {
	Connections map[string]*rawConnection `yaml:"connections"`
}

type rawConnection struct {
	Properties map[string]string `yaml:"properties"`
	Init       string            `yaml:"init"`
}

// Connection is a named handle to an external data source: a free-form
// property bag whose semantics are delegated to the SQL engine's connector
// extensions (out of scope here; see spec.md §1).
type Connection struct {
	Name       string
	Properties map[string]string
	Init       string
}

// Driver returns the connector extension name (properties["driver"]),
// defaulting to "sqlserver" for backwards compatibility with connections
// that predate the multi-engine property bag.
func (c *Connection) Driver() string {
	if d := c.Properties["driver"]; d != "" {
		return d
	}
	return "sqlserver"
}

// Prop returns a property value or def if unset/empty.
func (c *Connection) Prop(key, def string) string {
	if v, ok := c.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// PropInt returns a property parsed as an int, or def if unset/invalid.
func (c *Connection) PropInt(key string, def int) int {
	v, ok := c.Properties[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ReadOnly reports whether properties["readonly"] is truthy.
func (c *Connection) ReadOnly() bool {
	v := strings.ToLower(c.Properties["readonly"])
	return v == "true" || v == "1" || v == "yes"
}

// ResponseCacheSettings sizes the ambient per-request ristretto cache
// (supplemental feature; see SPEC_FULL.md §12). Per-endpoint opt-in and TTL
// live on EndpointConfig.ResponseCache.
type ResponseCacheSettings struct {
	Enabled       bool `yaml:"enabled"`
	MaxSizeMB     int  `yaml:"max_size_mb"`
	DefaultTTLSec int  `yaml:"default_ttl_sec"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	MCPPort           int    `yaml:"mcp_port"`
	DefaultTimeoutSec int    `yaml:"default_timeout_sec"`
	MaxTimeoutSec     int    `yaml:"max_timeout_sec"`
	TrustProxyHeaders bool   `yaml:"trust_proxy_headers"`
	APIVersion        string `yaml:"api_version"`
	// CacheCatalogPath is where the embedded cache engine (C7) keeps its
	// catalog database (cache tables plus _snapshots); relative paths
	// resolve against the root config file's directory. Defaults to
	// "cache.db" if unset.
	CacheCatalogPath string `yaml:"cache_catalog_path"`
	Version          string `yaml:"-"`
	BuildTime        string `yaml:"-"`

	// TLSCertFile/TLSKeyFile, when both set, switch the REST/management
	// listener (and the MCP listener, if separate) to HTTPS. Set only from
	// the --cert/--key CLI flags, never from the config file.
	TLSCertFile string `yaml:"-"`
	TLSKeyFile  string `yaml:"-"`

	// ManagementToken, when set, requires "Authorization: Bearer <token>"
	// on every /_/ management endpoint. Set only from --config-service-token.
	ManagementToken string `yaml:"-"`
}

// VariablesConfig loads a .env file into the process environment before
// whitelist resolution runs, mirroring godotenv's role in the ambient stack.
type VariablesConfig struct {
	EnvFile string `yaml:"env_file"`
}

type PublicIDsConfig struct {
	SecretKey  string                     `yaml:"secret_key"`
	Namespaces []publicid.NamespaceConfig `yaml:"namespaces"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	FilePath    string `yaml:"file_path"`
	IntervalSec int    `yaml:"interval_sec"`
	RetainFiles int    `yaml:"retain_files"`
}

type ResponseFormatConfig struct {
	EnableCSV    bool `yaml:"enable_csv"`
	EnablePaging bool `yaml:"enable_paging"`
	DefaultLimit int  `yaml:"default_limit"`
	MaxLimit     int  `yaml:"max_limit"`
}

// RateLimitDefaults holds server-wide rate limiting knobs; individual
// endpoints may still reference a named pool or define an inline limit.
type RateLimitDefaults struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitPoolConfig defines a named, shared rate-limit bucket that
// multiple endpoints can reference by name (supplemental feature, kept
// from the teacher codebase; see SPEC_FULL.md §12).
type RateLimitPoolConfig struct {
	Name              string `yaml:"name"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
	Key               string `yaml:"key"`
}

// AuthConfig is the global authentication configuration; endpoints may
// override it entirely (see EndpointConfig.Auth).
//
// RequiredRoles, if non-empty, names the roles a caller's token/claims must
// intersect for the endpoint to be reachable. A caller who authenticates but
// holds none of these roles gets Authorization (403), not Authentication
// (401) — 401 is reserved for callers who never established an identity at
// all (missing, malformed, or rejected credentials).
type AuthConfig struct {
	Basic         *BasicAuthConfig `yaml:"basic"`
	JWT           *JWTAuthConfig   `yaml:"jwt"`
	OIDC          []OIDCProvider   `yaml:"oidc"`
	RequiredRoles []string         `yaml:"required_roles"`
}

type BasicAuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Users   map[string]string `yaml:"users"` // username -> password
}

type JWTAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// OIDCProvider configures one OIDC issuer's verification parameters. Preset
// fills in Go-side defaults for UsernameClaim/RoleClaimPath for known
// providers (spec.md §4.9); fields set explicitly here override the preset.
// IssuerURL is not filled from the preset and must be set explicitly.
type OIDCProvider struct {
	Preset            string   `yaml:"preset"` // google, azure, keycloak, auth0, okta, github, generic
	IssuerURL         string   `yaml:"issuer_url"`
	AllowedAudiences  []string `yaml:"allowed_audiences"`
	ClockSkewSeconds  int      `yaml:"clock_skew_seconds"`
	JWKSCacheHours    int      `yaml:"jwks_cache_hours"`
	UsernameClaim     string   `yaml:"username_claim"`
	EmailClaim        string   `yaml:"email_claim"`
	RolesClaim        string   `yaml:"roles_claim"`
	RoleClaimPath     string   `yaml:"role_claim_path"`
	GroupsClaim       string   `yaml:"groups_claim"`
}

// Load reads the root YAML file at path plus every endpoint YAML file
// beneath the declared template-source directory, applying include
// expansion and environment interpolation to each before parsing.
//
// Endpoint-level failures are collected, not fatal: a typo in one endpoint
// file must not prevent the rest of the config from loading (spec.md
// §4.1). Root-level failures (the root file itself is unparseable) are
// fatal and returned as the error.
func Load(path string) (*Config, []error, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	rootDir := filepath.Dir(absPath)

	rendered, err := preprocessFile(absPath, newVisitedSet())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to preprocess config file: %w", err)
	}

	// Extract the whitelist from a first, uninterpolated parse so env
	// interpolation of the root file itself has something to check against.
	var pre struct {
		EnvironmentWhitelist []string        `yaml:"environment-whitelist"`
		Variables            VariablesConfig `yaml:"variables"`
	}
	if err := yaml.Unmarshal([]byte(rendered), &pre); err != nil {
		return nil, nil, fmt.Errorf("failed to pre-parse config file: %w", err)
	}

	if pre.Variables.EnvFile != "" {
		envFilePath := pre.Variables.EnvFile
		if !filepath.IsAbs(envFilePath) {
			envFilePath = filepath.Join(rootDir, envFilePath)
		}
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, nil, fmt.Errorf("failed to load env file %q: %w", pre.Variables.EnvFile, err)
		}
	}

	whitelist := make(map[string]bool, len(pre.EnvironmentWhitelist))
	for _, v := range pre.EnvironmentWhitelist {
		whitelist[v] = true
	}

	interpolated, err := interpolateEnv(rendered, whitelist)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.rootDir = rootDir

	var rawConns yamlConnections
	if err := yaml.Unmarshal([]byte(interpolated), &rawConns); err != nil {
		return nil, nil, fmt.Errorf("failed to parse connections: %w", err)
	}
	cfg.Connections = make(map[string]*Connection, len(rawConns.Connections))
	for name, rc := range rawConns.Connections {
		cfg.Connections[name] = &Connection{Name: name, Properties: rc.Properties, Init: rc.Init}
	}

	if cfg.TemplateSourceDir == "" {
		cfg.TemplateSourceDir = "endpoints"
	}
	endpointsDir := cfg.TemplateSourceDir
	if !filepath.IsAbs(endpointsDir) {
		endpointsDir = filepath.Join(rootDir, endpointsDir)
	}

	endpoints, loadErrs, err := loadEndpoints(endpointsDir, whitelist)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enumerate endpoint files: %w", err)
	}
	cfg.Endpoints = endpoints

	if cfg.Server.CacheCatalogPath == "" {
		cfg.Server.CacheCatalogPath = "cache.db"
	}
	if !filepath.IsAbs(cfg.Server.CacheCatalogPath) {
		cfg.Server.CacheCatalogPath = filepath.Join(rootDir, cfg.Server.CacheCatalogPath)
	}

	return &cfg, loadErrs, nil
}

// RootDir returns the directory containing the root config file, for
// resolving any remaining caller-side relative paths.
func (c *Config) RootDir() string { return c.rootDir }

// loadEndpoints walks dir for *.yaml/*.yml files, each declaring one or
// more endpoints (a file may be a single endpoint mapping or a list under
// an `endpoints:` key).
func loadEndpoints(dir string, whitelist map[string]bool) ([]*EndpointConfig, []error, error) {
	var files []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == dir {
				return nil // no endpoint directory yet is not fatal
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(p)
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(files) // deterministic load order

	var endpoints []*EndpointConfig
	var loadErrs []error

	for _, f := range files {
		eps, err := loadEndpointFile(f, whitelist)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		endpoints = append(endpoints, eps...)
	}

	return endpoints, loadErrs, nil
}

func loadEndpointFile(path string, whitelist map[string]bool) ([]*EndpointConfig, error) {
	rendered, err := preprocessFile(path, newVisitedSet())
	if err != nil {
		return nil, err
	}
	interpolated, err := interpolateEnv(rendered, whitelist)
	if err != nil {
		return nil, err
	}

	var doc rawEndpointDoc
	if err := yaml.Unmarshal([]byte(interpolated), &doc); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}

	raws := doc.Endpoints
	if len(raws) == 0 && (doc.Path != "" || doc.MCPName != "") {
		raws = []rawEndpoint{doc.rawEndpoint}
	}

	dir := filepath.Dir(path)
	var endpoints []*EndpointConfig
	for i, raw := range raws {
		ep, err := compileEndpoint(raw, dir, path)
		if err != nil {
			return nil, fmt.Errorf("endpoint[%d]: %w", i, err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}
