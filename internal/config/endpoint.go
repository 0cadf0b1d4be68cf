package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"sql-proxy/internal/fieldvalidate"
)

// rawEndpointDoc is the shape of one endpoint YAML file: either a single
// endpoint at the top level, or a list under `endpoints:`.
type rawEndpointDoc struct {
	rawEndpoint `yaml:",inline"`
	Endpoints   []rawEndpoint `yaml:"endpoints"`
}

type rawEndpoint struct {
	Path            string              `yaml:"path"`
	MCPName         string              `yaml:"mcp_name"`
	Method          string              `yaml:"method"`
	RequestFields   []rawRequestField   `yaml:"request_fields"`
	TemplateSource  string              `yaml:"template_source"`
	ConnectionNames []string            `yaml:"connection_names"`
	Operation       rawOperation        `yaml:"operation"`
	Auth            *AuthConfig         `yaml:"auth"`
	RateLimit       *RateLimitConfig    `yaml:"rate_limit"`
	Cache           *rawCacheConfig     `yaml:"cache"`
	ResponseCache   *ResponseCacheConfig `yaml:"response_cache"`
	Condition       string              `yaml:"condition"`
	MCPTool         *MCPDecl            `yaml:"mcp_tool"`
	MCPResource     *MCPDecl            `yaml:"mcp_resource"`
	MCPPrompt       *MCPDecl            `yaml:"mcp_prompt"`
}

type rawOperation struct {
	Kind                string `yaml:"kind"` // "read" or "write"
	ReturnsData         bool   `yaml:"returns_data"`
	Transaction         bool   `yaml:"transaction"`
	ValidateBeforeWrite bool   `yaml:"validate_before_write"`
}

type rawRequestField struct {
	Name        string            `yaml:"name"`
	Location    string            `yaml:"location"` // query, path, body, header
	Description string            `yaml:"description"`
	Required    bool              `yaml:"required"`
	Default     *string           `yaml:"default"`
	Validators  []rawValidator    `yaml:"validators"`
}

type rawValidator struct {
	Type      string   `yaml:"type"` // int, float, string, enum, email, uuid, date, time
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	MinLength *int     `yaml:"min_length"`
	MaxLength *int     `yaml:"max_length"`
	Regex     string   `yaml:"regex"`
	Allowed   []string `yaml:"allowed"`
}

type rawCacheConfig struct {
	Table         string          `yaml:"table"`
	Schema        string          `yaml:"schema"`
	Catalog       string          `yaml:"catalog"`
	Schedule      string          `yaml:"schedule"`
	PrimaryKey    []string        `yaml:"primary_key"`
	Cursor        *CursorConfig   `yaml:"cursor"`
	TemplateFile  string          `yaml:"template_file"`
	Retention     RetentionConfig `yaml:"retention"`
	OnRefresh     *WebhookConfig  `yaml:"on_refresh"`
}

type CursorConfig struct {
	Column string `yaml:"column"`
	Type   string `yaml:"type"`
}

type RetentionConfig struct {
	KeepLastSnapshots int    `yaml:"keep_last_snapshots"`
	MaxSnapshotAge    string `yaml:"max_snapshot_age"`
}

// WebhookConfig configures the optional refresh-completion notification
// (supplemental feature; see SPEC_FULL.md §12).
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Body    *WebhookBodyConfig `yaml:"body"`
}

// WebhookBodyConfig shapes the outgoing webhook payload beyond the default
// raw-JSON execution context (teacher mechanism, kept as-is).
type WebhookBodyConfig struct {
	OnEmpty   string `yaml:"on_empty"` // "skip" suppresses the call entirely
	Empty     string `yaml:"empty"`    // alternate template used when Count==0
	Header    string `yaml:"header"`
	Item      string `yaml:"item"`
	Footer    string `yaml:"footer"`
	Separator string `yaml:"separator"`
}

// ResponseCacheConfig configures the ambient per-request response cache
// (distinct from the snapshot cache engine; see SPEC_FULL.md §12).
type ResponseCacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TTLSec    int    `yaml:"ttl_sec"`
	Key       string `yaml:"key_template"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	EvictCron string `yaml:"evict_cron"`
}

// MCPDecl declares an endpoint's dual exposure as an MCP tool, resource, or
// prompt.
type MCPDecl struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// RequestField is one parameter an endpoint accepts.
type RequestField struct {
	Name        string
	Location    string // query, path, body, header
	Description string
	Required    bool
	HasDefault  bool
	Default     string
	Validators  []fieldvalidate.FieldValidator
}

// OperationConfig describes read/write semantics for an endpoint.
type OperationConfig struct {
	Kind                string // "read" or "write"
	ReturnsData         bool
	Transaction         bool
	ValidateBeforeWrite bool
}

func (o OperationConfig) IsWrite() bool { return o.Kind == "write" }

// CacheStrategy is the fixed-at-load-time refresh strategy (invariant 2).
type CacheStrategy string

const (
	StrategyFull   CacheStrategy = "full"
	StrategyAppend CacheStrategy = "append"
	StrategyMerge  CacheStrategy = "merge"
)

// CacheConfig is the resolved, load-time-fixed cache configuration for one
// endpoint.
type CacheConfig struct {
	CacheID      string // derived: endpoint slug
	Table        string
	Schema       string
	Catalog      string
	Schedule     string
	PrimaryKey   []string
	Cursor       *CursorConfig
	TemplateFile string // resolved absolute path
	Retention    RetentionConfig
	OnRefresh    *WebhookConfig
}

// Strategy implements invariant 2: full (no cursor), append (cursor, no
// primary key), merge (cursor and primary key).
func (c *CacheConfig) Strategy() CacheStrategy {
	switch {
	case c.Cursor == nil:
		return StrategyFull
	case len(c.PrimaryKey) == 0:
		return StrategyAppend
	default:
		return StrategyMerge
	}
}

// EndpointConfig is the unit of API exposure (spec.md §3).
type EndpointConfig struct {
	Path            string
	MCPName         string
	Method          string
	RequestFields   []RequestField
	TemplateSource  string // resolved absolute path
	ConnectionNames []string
	Operation       OperationConfig
	Auth            *AuthConfig
	RateLimit       *RateLimitConfig
	Cache           *CacheConfig
	ResponseCache   *ResponseCacheConfig
	Condition       string
	MCPTool         *MCPDecl
	MCPResource     *MCPDecl
	MCPPrompt       *MCPDecl

	ConfigFilePath string // the YAML file that declared this endpoint
	slug           string
}

// RateLimitConfig mirrors RateLimitPoolConfig's shape for an inline or
// pool-referencing per-endpoint override.
type RateLimitConfig struct {
	Pool              string `yaml:"pool"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
	Key               string `yaml:"key"`
}

func (r *RateLimitConfig) IsPoolReference() bool { return r.Pool != "" }
func (r *RateLimitConfig) IsInline() bool         { return r.RequestsPerSecond > 0 && r.Burst > 0 }

// Slug returns the endpoint's canonical identifier (spec.md §4.2), computed
// once at compile time.
func (e *EndpointConfig) Slug() string { return e.slug }

var sqlParamPattern = regexp.MustCompile(`@(\w+)`)

func compileEndpoint(raw rawEndpoint, dir string, configFile string) (*EndpointConfig, error) {
	if (raw.Path == "") == (raw.MCPName == "") {
		return nil, fmt.Errorf("exactly one of path or mcp_name must be set")
	}

	method := raw.Method
	if method == "" {
		method = "GET"
	}

	if raw.TemplateSource == "" {
		return nil, fmt.Errorf("template_source is required")
	}
	templatePath := raw.TemplateSource
	if !filepath.IsAbs(templatePath) {
		templatePath = filepath.Join(dir, templatePath)
	}
	if _, err := os.Stat(templatePath); err != nil {
		return nil, fmt.Errorf("template_source %q: %w", raw.TemplateSource, err)
	}

	if len(raw.ConnectionNames) == 0 {
		return nil, fmt.Errorf("at least one connection is required")
	}

	fields := make([]RequestField, 0, len(raw.RequestFields))
	for _, rf := range raw.RequestFields {
		field, err := compileRequestField(rf)
		if err != nil {
			return nil, fmt.Errorf("request_fields[%s]: %w", rf.Name, err)
		}
		fields = append(fields, field)
	}

	opKind := raw.Operation.Kind
	if opKind == "" {
		opKind = "read"
	}

	ep := &EndpointConfig{
		Path:            raw.Path,
		MCPName:         raw.MCPName,
		Method:          method,
		RequestFields:   fields,
		TemplateSource:  templatePath,
		ConnectionNames: raw.ConnectionNames,
		Operation: OperationConfig{
			Kind:                opKind,
			ReturnsData:         raw.Operation.ReturnsData,
			Transaction:         raw.Operation.Transaction,
			ValidateBeforeWrite: raw.Operation.ValidateBeforeWrite,
		},
		Auth:           raw.Auth,
		RateLimit:      raw.RateLimit,
		ResponseCache:  raw.ResponseCache,
		Condition:      raw.Condition,
		MCPTool:        raw.MCPTool,
		MCPResource:    raw.MCPResource,
		MCPPrompt:      raw.MCPPrompt,
		ConfigFilePath: configFile,
	}

	if raw.Cache != nil {
		cache, err := compileCacheConfig(raw.Cache, dir)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		ep.Cache = cache
	}

	ep.slug = computeSlug(ep)
	if ep.Cache != nil {
		ep.Cache.CacheID = ep.slug
	}

	return ep, nil
}

func compileRequestField(rf rawRequestField) (RequestField, error) {
	if rf.Name == "" {
		return RequestField{}, fmt.Errorf("name is required")
	}
	loc := rf.Location
	if loc == "" {
		loc = "query"
	}

	field := RequestField{
		Name:        rf.Name,
		Location:    loc,
		Description: rf.Description,
		Required:    rf.Required,
	}
	if rf.Default != nil {
		field.HasDefault = true
		field.Default = *rf.Default
	}

	for _, rv := range rf.Validators {
		fv, err := compileValidator(rv)
		if err != nil {
			return RequestField{}, fmt.Errorf("validator %q: %w", rv.Type, err)
		}
		field.Validators = append(field.Validators, fv)
	}

	return field, nil
}

func compileValidator(rv rawValidator) (fieldvalidate.FieldValidator, error) {
	switch rv.Type {
	case "int":
		var min, max *int64
		if rv.Min != nil {
			v := int64(*rv.Min)
			min = &v
		}
		if rv.Max != nil {
			v := int64(*rv.Max)
			max = &v
		}
		return fieldvalidate.IntValidator{Min: min, Max: max}, nil
	case "float":
		return fieldvalidate.FloatValidator{Min: rv.Min, Max: rv.Max}, nil
	case "string":
		var re *regexp.Regexp
		if rv.Regex != "" {
			compiled, err := regexp.Compile(rv.Regex)
			if err != nil {
				return nil, fmt.Errorf("invalid regex: %w", err)
			}
			re = compiled
		}
		return fieldvalidate.StringValidator{MinLength: rv.MinLength, MaxLength: rv.MaxLength, Regex: re}, nil
	case "enum":
		if len(rv.Allowed) == 0 {
			return nil, fmt.Errorf("enum validator requires allowed values")
		}
		return fieldvalidate.EnumValidator{Allowed: rv.Allowed}, nil
	case "email":
		return fieldvalidate.EmailValidator{}, nil
	case "uuid":
		return fieldvalidate.UuidValidator{}, nil
	case "date":
		return fieldvalidate.DateValidator{}, nil
	case "time":
		return fieldvalidate.TimeValidator{}, nil
	default:
		return nil, fmt.Errorf("unknown validator type %q", rv.Type)
	}
}

func compileCacheConfig(raw *rawCacheConfig, dir string) (*CacheConfig, error) {
	if raw.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if raw.TemplateFile == "" {
		return nil, fmt.Errorf("template_file is required")
	}
	templatePath := raw.TemplateFile
	if !filepath.IsAbs(templatePath) {
		templatePath = filepath.Join(dir, templatePath)
	}
	if _, err := os.Stat(templatePath); err != nil {
		return nil, fmt.Errorf("template_file %q: %w", raw.TemplateFile, err)
	}

	catalog := raw.Catalog
	if catalog == "" {
		catalog = "cache"
	}

	return &CacheConfig{
		Table:        raw.Table,
		Schema:       raw.Schema,
		Catalog:      catalog,
		Schedule:     raw.Schedule,
		PrimaryKey:   raw.PrimaryKey,
		Cursor:       raw.Cursor,
		TemplateFile: templatePath,
		Retention:    raw.Retention,
		OnRefresh:    raw.OnRefresh,
	}, nil
}

// sqlParamNames extracts the distinct @param references from a rendered (or
// raw) SQL string, in order of first appearance.
func sqlParamNames(sql string) []string {
	matches := sqlParamPattern.FindAllStringSubmatch(sql, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
