package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sql-proxy/internal/apierr"
	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
)

func TestWriteError_UsesTaxonomyStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apierr.Validationf("bad field %s", "id"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "bad field id" {
		t.Errorf("unexpected error message: %q", body["error"])
	}
}

func TestWriteError_PlainErrorDefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errString("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for a non-apierr error, got %d", rec.Code)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestWriteReadResponse_JSONDefault(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)

	total := 3
	writeReadResponse(rec, req, []map[string]any{{"id": 1}}, &total, "/api/widgets?offset=1", config.ResponseFormatConfig{})

	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected json content type, got %q", rec.Header().Get("Content-Type"))
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["next"] != "/api/widgets?offset=1" {
		t.Errorf("expected next to be set, got %v", body["next"])
	}
	if body["total_count"].(float64) != 3 {
		t.Errorf("expected total_count 3, got %v", body["total_count"])
	}
}

func TestWriteReadResponse_CSVWhenAccepted(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	req.Header.Set("Accept", "text/csv")

	writeReadResponse(rec, req, []map[string]any{{"id": 1, "name": "a"}}, nil, "", config.ResponseFormatConfig{EnableCSV: true})

	if rec.Header().Get("Content-Type") != "text/csv" {
		t.Errorf("expected csv content type, got %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "id,name") {
		t.Errorf("expected sorted header row, got %q", rec.Body.String())
	}
}

func TestWriteReadResponse_CSVNotUsedWhenDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	req.Header.Set("Accept", "text/csv")

	writeReadResponse(rec, req, []map[string]any{{"id": 1}}, nil, "", config.ResponseFormatConfig{EnableCSV: false})

	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected json when csv disabled, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestAcceptsCSV(t *testing.T) {
	cases := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"*/*", false},
		{"application/json", false},
		{"text/csv", true},
		{"text/csv; q=0.9", true},
		{"application/json, text/csv", true},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", c.accept)
		if got := acceptsCSV(req); got != c.want {
			t.Errorf("acceptsCSV(%q) = %v, want %v", c.accept, got, c.want)
		}
	}
}

func TestCSVCell(t *testing.T) {
	if csvCell(nil) != "" {
		t.Error("expected nil to render empty")
	}
	if csvCell("hi") != "hi" {
		t.Error("expected string passthrough")
	}
	if csvCell([]byte("bytes")) != "bytes" {
		t.Error("expected []byte passthrough")
	}
	if csvCell(map[string]any{"a": 1}) != `{"a":1}` {
		t.Errorf("expected json-marshaled fallback, got %q", csvCell(map[string]any{"a": 1}))
	}
}

func TestWriteWriteResponse_IncludesOptionalFields(t *testing.T) {
	rec := httptest.NewRecorder()
	id := int64(42)
	writeWriteResponse(rec, db.ExecResult{RowsAffected: 1, LastInsertID: &id}, []map[string]any{{"id": 42}})

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["rows_affected"].(float64) != 1 {
		t.Errorf("expected rows_affected 1, got %v", body["rows_affected"])
	}
	if body["last_insert_id"].(float64) != 42 {
		t.Errorf("expected last_insert_id 42, got %v", body["last_insert_id"])
	}
	if _, ok := body["returned_data"]; !ok {
		t.Error("expected returned_data to be present")
	}
}

func TestWriteWriteResponse_OmitsNilFields(t *testing.T) {
	rec := httptest.NewRecorder()
	writeWriteResponse(rec, db.ExecResult{RowsAffected: 0}, nil)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["last_insert_id"]; ok {
		t.Error("expected last_insert_id to be omitted when nil")
	}
	if _, ok := body["returned_data"]; ok {
		t.Error("expected returned_data to be omitted when nil")
	}
}

func TestApplyPagination_Disabled(t *testing.T) {
	sql, limit, offset, paginated := applyPagination("SELECT * FROM t", nil, config.ResponseFormatConfig{})
	if paginated {
		t.Error("expected paging disabled by default")
	}
	if sql != "SELECT * FROM t" || limit != 0 || offset != 0 {
		t.Errorf("expected sql/limit/offset unchanged, got %q %d %d", sql, limit, offset)
	}
}

func TestApplyPagination_InjectsLimitOffset(t *testing.T) {
	format := config.ResponseFormatConfig{EnablePaging: true, DefaultLimit: 20, MaxLimit: 100}
	sql, limit, offset, paginated := applyPagination("SELECT * FROM t", map[string]any{"limit": "10", "offset": "5"}, format)
	if !paginated {
		t.Fatal("expected paging enabled")
	}
	if limit != 10 || offset != 5 {
		t.Errorf("expected limit=10 offset=5, got %d %d", limit, offset)
	}
	if sql != "SELECT * FROM t LIMIT 10 OFFSET 5" {
		t.Errorf("unexpected sql: %q", sql)
	}
}

func TestApplyPagination_ClampsToMaxLimit(t *testing.T) {
	format := config.ResponseFormatConfig{EnablePaging: true, DefaultLimit: 20, MaxLimit: 50}
	_, limit, _, _ := applyPagination("SELECT * FROM t", map[string]any{"limit": 1000}, format)
	if limit != 50 {
		t.Errorf("expected limit clamped to 50, got %d", limit)
	}
}

func TestApplyPagination_SkipsWhenTemplateHasOwnLimit(t *testing.T) {
	format := config.ResponseFormatConfig{EnablePaging: true, DefaultLimit: 20}
	sql, _, _, paginated := applyPagination("SELECT * FROM t LIMIT 5", nil, format)
	if paginated {
		t.Error("expected paging skipped when SQL already has LIMIT")
	}
	if sql != "SELECT * FROM t LIMIT 5" {
		t.Errorf("expected sql unchanged, got %q", sql)
	}
}

func TestNextPageURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/widgets?limit=10&offset=0", nil)

	if got := nextPageURL(req, 10, 0, 10, true); got == "" {
		t.Error("expected a next url when the page was full")
	} else if !strings.Contains(got, "offset=10") {
		t.Errorf("expected offset advanced by limit, got %q", got)
	}

	if got := nextPageURL(req, 10, 0, 3, true); got != "" {
		t.Errorf("expected no next url for a partial page, got %q", got)
	}

	if got := nextPageURL(req, 10, 0, 10, false); got != "" {
		t.Errorf("expected no next url when pagination didn't apply, got %q", got)
	}
}

func TestResponseCacheTTL(t *testing.T) {
	if got := responseCacheTTL(&config.EndpointConfig{}); got != 0 {
		t.Errorf("expected 0 ttl without response_cache, got %v", got)
	}
	ep := &config.EndpointConfig{ResponseCache: &config.ResponseCacheConfig{TTLSec: 30}}
	if got := responseCacheTTL(ep); got.Seconds() != 30 {
		t.Errorf("expected 30s ttl, got %v", got)
	}
}
