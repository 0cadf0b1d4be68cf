package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sql-proxy/internal/auth"
	"sql-proxy/internal/config"
	"sql-proxy/internal/db"
	"sql-proxy/internal/logging"
	"sql-proxy/internal/pipeline"
	"sql-proxy/internal/ratelimit"
	"sql-proxy/internal/snapshot"
	"sql-proxy/internal/tmpl"
)

func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return logger
}

func writeTemplate(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "query.sql.mustache")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

// testHarness builds a Pipeline (one in-memory sqlite connection with a
// widgets table) and an MCP Server wired to a handful of endpoints exposed as
// MCP tools/resources/prompts.
type testHarness struct {
	manager *db.Manager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	conns := map[string]*config.Connection{
		"test": {Name: "test", Properties: map[string]string{"driver": "sqlite", "path": ":memory:"}},
	}
	manager, err := db.NewManager(conns)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)

	driver, err := manager.Get("test")
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	ctx := context.Background()
	if _, err := driver.Exec(ctx, db.DefaultSessionOptions(),
		"CREATE TABLE widgets (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := driver.Exec(ctx, db.DefaultSessionOptions(),
		"INSERT INTO widgets (name) VALUES ('sprocket')", nil); err != nil {
		t.Fatalf("seed widgets: %v", err)
	}

	return &testHarness{manager: manager}
}

func newServer(t *testing.T, h *testHarness, cfg *config.Config, endpoints []*config.EndpointConfig) (*Server, *pipeline.Pipeline) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := newTestLogger(t)
	limiter, err := ratelimit.New(nil, tmpl.New())
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	pl := pipeline.New(cfg, h.manager, limiter, &snapshot.Engine{}, nil, logger)
	return New(endpoints, pl, logger), pl
}

func listToolsEndpoint(t *testing.T) *config.EndpointConfig {
	return &config.EndpointConfig{
		Path:            "/widgets",
		Method:          "GET",
		ConnectionNames: []string{"test"},
		TemplateSource:  writeTemplate(t, "SELECT * FROM widgets"),
		Operation:       config.OperationConfig{Kind: "read"},
		MCPTool:         &config.MCPDecl{Name: "list_widgets", Description: "List all widgets"},
	}
}

func rpcCall(t *testing.T, s *Server, sessionID string, authHeader string, method string, params any) response {
	t.Helper()
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = b
	}
	reqBody, err := json.Marshal(request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: rawParams})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(reqBody))
	r.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		r.Header.Set(sessionHeader, sessionID)
	}
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v, body=%s", err, w.Body.String())
	}
	return resp
}

func TestServer_InitializeCreatesSession(t *testing.T) {
	h := newTestHarness(t)
	s, _ := newServer(t, h, nil, nil)

	resp := rpcCall(t, s, "", "", "initialize", initializeParams{ProtocolVersion: "2024-11-05"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected object result, got %T", resp.Result)
	}
	sessionID, _ := result["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("expected a non-empty session_id, got %v", result)
	}
	if s.Sessions().Count() != 1 {
		t.Errorf("expected 1 live session, got %d", s.Sessions().Count())
	}
}

func TestServer_ToolsList(t *testing.T) {
	h := newTestHarness(t)
	ep := listToolsEndpoint(t)
	s, _ := newServer(t, h, nil, []*config.EndpointConfig{ep})

	resp := rpcCall(t, s, "", "", "tools/list", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "list_widgets" {
		t.Errorf("expected tool name list_widgets, got %v", tool["name"])
	}
}

func TestServer_ToolsCall_RunsThroughPipeline(t *testing.T) {
	h := newTestHarness(t)
	ep := listToolsEndpoint(t)
	s, _ := newServer(t, h, nil, []*config.EndpointConfig{ep})

	resp := rpcCall(t, s, "", "", "tools/call", toolCallParams{Name: "list_widgets"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if isErr, _ := result["isError"].(bool); isErr {
		t.Fatalf("expected isError=false, got result=%v", result)
	}
	contents := result["content"].([]any)
	if len(contents) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(contents))
	}
	block := contents[0].(map[string]any)
	text, _ := block["text"].(string)
	var body map[string]any
	if err := json.Unmarshal([]byte(text), &body); err != nil {
		t.Fatalf("decode wrapped pipeline response: %v, text=%s", err, text)
	}
	data, _ := body["data"].([]any)
	if len(data) != 1 {
		t.Errorf("expected 1 widget row, got %v", data)
	}
}

func TestServer_ToolsCall_UnknownTool(t *testing.T) {
	h := newTestHarness(t)
	s, _ := newServer(t, h, nil, nil)

	resp := rpcCall(t, s, "", "", "tools/call", toolCallParams{Name: "does_not_exist"})
	if resp.Error == nil {
		t.Fatalf("expected an error for an unknown tool")
	}
	if resp.Error.Code != codeUnknownEntity {
		t.Errorf("expected code %d, got %d", codeUnknownEntity, resp.Error.Code)
	}
}

func TestServer_SessionBindsTokenAndSurvivesWithoutReAuth(t *testing.T) {
	h := newTestHarness(t)
	ep := listToolsEndpoint(t)
	ep.Auth = &config.AuthConfig{JWT: &config.JWTAuthConfig{Enabled: true, Secret: "s3cret"}, RequiredRoles: []string{"viewer"}}
	cfg := &config.Config{Auth: config.AuthConfig{JWT: &config.JWTAuthConfig{Enabled: true, Secret: "s3cret"}}}
	s, _ := newServer(t, h, cfg, []*config.EndpointConfig{ep})

	token := signedJWT(t, "s3cret", []string{"viewer"})
	initResp := rpcCall(t, s, "", "Bearer "+token, "initialize", initializeParams{ProtocolVersion: "2024-11-05"})
	sessionID := initResp.Result.(map[string]any)["session_id"].(string)

	callResp := rpcCall(t, s, sessionID, "", "tools/call", toolCallParams{Name: "list_widgets"})
	if callResp.Error != nil {
		t.Fatalf("expected the bound session to authorize the call without a fresh token, got %+v", callResp.Error)
	}
}

func TestServer_ToolsCall_SessionExpiredTokenEvicted(t *testing.T) {
	h := newTestHarness(t)
	ep := listToolsEndpoint(t)
	s, _ := newServer(t, h, nil, []*config.EndpointConfig{ep})

	expired := time.Now().Add(-time.Hour)
	sess := s.Sessions().Create("2024-11-05", nil, authContextWithExpiry(expired))

	// A session whose bound token already expired is evicted from the store
	// lazily on lookup (spec.md §4.8/§5), so the call sees a missing session
	// rather than a credential that was actively rejected.
	resp := rpcCall(t, s, sess.ID, "", "tools/call", toolCallParams{Name: "list_widgets"})
	if resp.Error == nil {
		t.Fatalf("expected an error once the session's bound token has expired")
	}
	if resp.Error.Code != codeSessionNotFound {
		t.Errorf("expected code %d, got %d", codeSessionNotFound, resp.Error.Code)
	}
	if s.Sessions().Count() != 0 {
		t.Errorf("expected the expired session to be evicted, got %d live sessions", s.Sessions().Count())
	}
}

func TestServer_ResourcesReadAndPromptsGet(t *testing.T) {
	h := newTestHarness(t)
	ep := listToolsEndpoint(t)
	ep.MCPTool = nil
	ep.MCPResource = &config.MCPDecl{Name: "widgets", Description: "Widget inventory"}

	promptEp := &config.EndpointConfig{
		MCPName:   "summarize",
		Method:    "GET",
		MCPPrompt: &config.MCPDecl{Name: "summarize_widgets", Description: "Summarize the widget inventory"},
	}

	s, _ := newServer(t, h, nil, []*config.EndpointConfig{ep, promptEp})

	listResp := rpcCall(t, s, "", "", "resources/list", nil)
	resources := listResp.Result.(map[string]any)["resources"].([]any)
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	uri := resources[0].(map[string]any)["uri"].(string)

	readResp := rpcCall(t, s, "", "", "resources/read", resourceReadParams{URI: uri})
	if readResp.Error != nil {
		t.Fatalf("unexpected error: %+v", readResp.Error)
	}

	promptsResp := rpcCall(t, s, "", "", "prompts/list", nil)
	prompts := promptsResp.Result.(map[string]any)["prompts"].([]any)
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}

	getResp := rpcCall(t, s, "", "", "prompts/get", promptGetParams{Name: "summarize_widgets"})
	if getResp.Error != nil {
		t.Fatalf("unexpected error: %+v", getResp.Error)
	}
}

func TestServer_LoggingSetLevelAndCompletionComplete(t *testing.T) {
	h := newTestHarness(t)
	s, _ := newServer(t, h, nil, nil)

	initResp := rpcCall(t, s, "", "", "initialize", initializeParams{ProtocolVersion: "2024-11-05"})
	sessionID := initResp.Result.(map[string]any)["session_id"].(string)

	setResp := rpcCall(t, s, sessionID, "", "logging/setLevel", logLevelParams{Level: "debug"})
	if setResp.Error != nil {
		t.Fatalf("unexpected error: %+v", setResp.Error)
	}
	sess, ok := s.Sessions().Get(sessionID)
	if !ok || sess.LogLevel != "debug" {
		t.Errorf("expected session log level to be recorded as debug, got %+v", sess)
	}

	completeResp := rpcCall(t, s, "", "", "completion/complete", map[string]any{})
	if completeResp.Error != nil {
		t.Fatalf("unexpected error: %+v", completeResp.Error)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	h := newTestHarness(t)
	s, _ := newServer(t, h, nil, nil)

	resp := rpcCall(t, s, "", "", "not/a/real/method", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func authContextWithExpiry(expiresAt time.Time) auth.Context {
	return auth.Context{Authenticated: true, Username: "tester", AuthType: auth.TypeOIDC, JTI: "test-jti", ExpiresAtUnix: expiresAt.Unix()}
}

func signedJWT(t *testing.T, secret string, roles []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "tester",
		"roles": roles,
		"jti":   "test-session-jti",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}
