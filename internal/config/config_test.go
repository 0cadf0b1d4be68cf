package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasicConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "endpoints/customers.yaml", `
path: /customers/
method: GET
connection_names: [main]
template_source: customers.sql
request_fields:
  - name: id
    location: query
    required: false
    validators:
      - type: int
        min: 1
`)
	writeFile(t, dir, "endpoints/customers.sql", `SELECT id,name FROM customers WHERE 1=1 {{#params.id}}AND id={{ params.id }}{{/params.id}}`)

	root := writeFile(t, dir, "flapi.yaml", `
project-name: test
template-source: endpoints
connections:
  main:
    properties:
      path: ":memory:"
`)

	cfg, loadErrs, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loadErrs) != 0 {
		t.Fatalf("unexpected endpoint load errors: %v", loadErrs)
	}
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(cfg.Endpoints))
	}
	ep := cfg.Endpoints[0]
	if ep.Slug() != "customers-slash" {
		t.Errorf("slug = %q, want customers-slash", ep.Slug())
	}
	if cfg.Connections["main"] == nil {
		t.Errorf("expected connection %q", "main")
	}
}

func TestLoadRejectsNonWhitelistedEnvVar(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "flapi.yaml", `
project-name: test
template-source: endpoints
connections:
  main:
    properties:
      token: ${SECRET_NOT_WHITELISTED}
`)
	if _, _, err := Load(root); err == nil {
		t.Fatal("expected error for non-whitelisted env var")
	}
}

func TestLoadAllowsWhitelistedEnvVar(t *testing.T) {
	t.Setenv("MY_TOKEN", "abc123")
	dir := t.TempDir()
	root := writeFile(t, dir, "flapi.yaml", `
project-name: test
template-source: endpoints
environment-whitelist: [MY_TOKEN]
connections:
  main:
    properties:
      token: ${MY_TOKEN}
`)
	cfg, _, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Connections["main"].Properties["token"] != "abc123" {
		t.Errorf("got %q", cfg.Connections["main"].Properties["token"])
	}
}

func TestIncludeExpansion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "endpoints/common_fields.yaml", `
request_fields:
  - name: id
    location: query
`)
	writeFile(t, dir, "endpoints/customers.sql", `SELECT 1`)
	writeFile(t, dir, "endpoints/customers.yaml", `
path: /customers/
connection_names: [main]
template_source: customers.sql
{{include:request_fields from common_fields.yaml}}
`)
	root := writeFile(t, dir, "flapi.yaml", `
project-name: test
template-source: endpoints
connections:
  main:
    properties: {}
`)

	cfg, loadErrs, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loadErrs) != 0 {
		t.Fatalf("unexpected load errors: %v", loadErrs)
	}
	if len(cfg.Endpoints) != 1 || len(cfg.Endpoints[0].RequestFields) != 1 {
		t.Fatalf("include expansion did not merge request_fields: %+v", cfg.Endpoints)
	}
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `{{include from b.yaml}}`)
	writeFile(t, dir, "b.yaml", `{{include from a.yaml}}`)

	_, err := preprocessFile(filepath.Join(dir, "a.yaml"), newVisitedSet())
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestEndpointFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "endpoints/broken.yaml", `
path: /broken/
connection_names: [main]
template_source: does-not-exist.sql
`)
	writeFile(t, dir, "endpoints/ok.sql", `SELECT 1`)
	writeFile(t, dir, "endpoints/ok.yaml", `
path: /ok/
connection_names: [main]
template_source: ok.sql
`)
	root := writeFile(t, dir, "flapi.yaml", `
project-name: test
template-source: endpoints
connections:
  main:
    properties: {}
`)

	cfg, loadErrs, err := Load(root)
	if err != nil {
		t.Fatalf("Load should not be fatal on a single broken endpoint: %v", err)
	}
	if len(loadErrs) != 1 {
		t.Fatalf("expected exactly 1 collected error, got %d: %v", len(loadErrs), loadErrs)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Path != "/ok/" {
		t.Fatalf("expected the good endpoint to still load: %+v", cfg.Endpoints)
	}
}

func TestCacheStrategySelection(t *testing.T) {
	full := &CacheConfig{}
	if full.Strategy() != StrategyFull {
		t.Errorf("expected full strategy with no cursor")
	}

	appendCfg := &CacheConfig{Cursor: &CursorConfig{Column: "updated_at", Type: "datetime"}}
	if appendCfg.Strategy() != StrategyAppend {
		t.Errorf("expected append strategy with cursor, no primary key")
	}

	mergeCfg := &CacheConfig{
		Cursor:     &CursorConfig{Column: "updated_at", Type: "datetime"},
		PrimaryKey: []string{"id"},
	}
	if mergeCfg.Strategy() != StrategyMerge {
		t.Errorf("expected merge strategy with cursor and primary key")
	}
}
