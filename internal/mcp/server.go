package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"sql-proxy/internal/auth"
	"sql-proxy/internal/config"
	"sql-proxy/internal/logging"
	"sql-proxy/internal/pipeline"
)

// sessionHeader is the header spec.md §6.4 names for binding a JSON-RPC
// request to a previously created session.
const sessionHeader = "Mcp-Session-Id"

// Server implements the MCP Session Layer (C8): it accepts JSON-RPC 2.0
// requests over HTTP, dispatches initialize/tools/resources/prompts/logging/
// completion methods, and routes tool invocations through the same request
// pipeline HTTP endpoints use.
type Server struct {
	pipeline *pipeline.Pipeline
	sessions *SessionStore
	idx      *index
	logger   *logging.Logger
}

// New builds an MCP Server. endpoints should be the same config.Config.Endpoints
// slice the HTTP server routes from.
func New(endpoints []*config.EndpointConfig, pl *pipeline.Pipeline, logger *logging.Logger) *Server {
	return &Server{
		pipeline: pl,
		sessions: NewSessionStore(30 * time.Minute),
		idx:      buildIndex(endpoints),
		logger:   logger,
	}
}

// Sessions exposes the session store so the scheduler can sweep it
// periodically (spec.md §5: sessions expire by idle timeout or bound-token
// expiry).
func (s *Server) Sessions() *SessionStore { return s.sessions }

// ServeHTTP implements the JSON-RPC 2.0 over HTTP transport (spec.md §6.4).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeRPC(w, errorResponse(nil, codeParseError, "invalid JSON-RPC request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, errorResponse(req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\" and method must be set"))
		return
	}

	resp := s.dispatch(r, req)
	if sess, ok := s.sessionFromResult(resp); ok {
		w.Header().Set(sessionHeader, sess)
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// sessionFromResult extracts the session_id an initialize result carries, so
// ServeHTTP can also surface it as a response header.
func (s *Server) sessionFromResult(resp response) (string, bool) {
	m, ok := resp.Result.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["session_id"].(string)
	return id, ok
}

func (s *Server) dispatch(r *http.Request, req request) response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(r, req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(r, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(r, req)
	case "prompts/list":
		return s.handlePromptsList(req)
	case "prompts/get":
		return s.handlePromptsGet(req)
	case "logging/setLevel":
		return s.handleLoggingSetLevel(r, req)
	case "completion/complete":
		return s.handleCompletionComplete(req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// handleInitialize creates a session (spec.md §4.8). When the request carries
// a bearer token, it is authenticated via the global auth scheme and the
// resulting JTI/expiry are bound to the session.
func (s *Server) handleInitialize(r *http.Request, req request) response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid initialize params")
		}
	}

	authCtx := auth.Anonymous
	if r.Header.Get("Authorization") != "" {
		var err error
		authCtx, err = s.pipeline.Authenticate(r)
		if err != nil {
			return errorResponse(req.ID, codeUnauthenticated, err.Error())
		}
	}

	sess := s.sessions.Create(params.ProtocolVersion, params.ClientInfo, authCtx)

	return resultResponse(req.ID, map[string]any{
		"protocolVersion": params.ProtocolVersion,
		"session_id":      sess.ID,
		"serverInfo":      map[string]any{"name": "flapi-proxy", "version": "1"},
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
			"logging":   map[string]any{},
		},
	})
}

func (s *Server) handleToolsList(req request) response {
	tools := make([]map[string]any, 0, len(s.idx.tools))
	for _, t := range s.idx.tools {
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": inputSchema(t.Endpoint),
		})
	}
	return resultResponse(req.ID, map[string]any{"tools": tools})
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// handleToolsCall maps a tool invocation to the endpoint's request fields and
// runs it through the C6 pipeline, wrapping the response body as an MCP text
// content block (spec.md §4.8).
func (s *Server) handleToolsCall(r *http.Request, req request) response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid tools/call params")
	}

	tool, ok := s.idx.toolByName[params.Name]
	if !ok {
		return errorResponse(req.ID, codeUnknownEntity, fmt.Sprintf("unknown tool %q", params.Name))
	}

	authCtx, err := s.sessionAuth(r)
	if err != nil {
		return sessionAuthError(req.ID, err)
	}

	body, status, err := s.invoke(r, tool.Endpoint, params.Arguments, authCtx)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	return resultResponse(req.ID, map[string]any{
		"content": textContent(body),
		"isError": status >= 400,
	})
}

func (s *Server) handleResourcesList(req request) response {
	resources := make([]map[string]any, 0, len(s.idx.resources))
	for _, res := range s.idx.resources {
		resources = append(resources, map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
		})
	}
	return resultResponse(req.ID, map[string]any{"resources": resources})
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesRead(r *http.Request, req request) response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid resources/read params")
	}

	res, ok := s.idx.resourceByURI[params.URI]
	if !ok {
		return errorResponse(req.ID, codeUnknownEntity, fmt.Sprintf("unknown resource %q", params.URI))
	}

	authCtx, err := s.sessionAuth(r)
	if err != nil {
		return sessionAuthError(req.ID, err)
	}

	body, _, err := s.invoke(r, res.Endpoint, nil, authCtx)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	return resultResponse(req.ID, map[string]any{
		"contents": []map[string]any{{"uri": res.URI, "mimeType": "application/json", "text": body}},
	})
}

func (s *Server) handlePromptsList(req request) response {
	prompts := make([]map[string]any, 0, len(s.idx.prompts))
	for _, p := range s.idx.prompts {
		prompts = append(prompts, map[string]any{
			"name":        p.Name,
			"description": p.Description,
		})
	}
	return resultResponse(req.ID, map[string]any{"prompts": prompts})
}

type promptGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handlePromptsGet(req request) response {
	var params promptGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid prompts/get params")
	}

	p, ok := s.idx.promptByName[params.Name]
	if !ok {
		return errorResponse(req.ID, codeUnknownEntity, fmt.Sprintf("unknown prompt %q", params.Name))
	}

	return resultResponse(req.ID, map[string]any{
		"description": p.Description,
		"messages": []map[string]any{
			{"role": "user", "content": map[string]any{"type": "text", "text": p.Description}},
		},
	})
}

type logLevelParams struct {
	Level string `json:"level"`
}

// handleLoggingSetLevel implements the per-session log-verbosity hint
// (spec.md §4.8); it records the requested level on the session without
// touching the process-wide logger (that belongs to the management API,
// spec.md §6.3).
func (s *Server) handleLoggingSetLevel(r *http.Request, req request) response {
	var params logLevelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid logging/setLevel params")
	}

	sessID := r.Header.Get(sessionHeader)
	if sess, ok := s.sessions.Get(sessID); ok {
		sess.LogLevel = params.Level
	}
	return resultResponse(req.ID, map[string]any{})
}

// handleCompletionComplete returns a well-formed empty response (spec.md §9
// Open Question: "no substantive behavior beyond" this is required).
func (s *Server) handleCompletionComplete(req request) response {
	return resultResponse(req.ID, map[string]any{
		"completion": map[string]any{"values": []string{}, "total": 0, "hasMore": false},
	})
}

// sessionNotFoundError distinguishes a missing/expired session from an
// outright rejected token, so the caller can surface the more specific
// codeSessionNotFound instead of codeUnauthenticated.
type sessionNotFoundError struct {
	sessionID string
}

func (e *sessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found or expired", e.sessionID)
}

// sessionAuth resolves the auth.Context a request should run with: the
// caller's own Authorization header if present, otherwise the bound session's
// auth (spec.md §4.8: "subsequent requests ... do not need to resend the
// token").
func (s *Server) sessionAuth(r *http.Request) (auth.Context, error) {
	if r.Header.Get("Authorization") != "" {
		return s.pipeline.Authenticate(r)
	}

	sessID := r.Header.Get(sessionHeader)
	if sessID == "" {
		return auth.Anonymous, nil
	}
	sess, ok := s.sessions.Get(sessID)
	if !ok {
		return auth.Context{}, &sessionNotFoundError{sessionID: sessID}
	}
	return sess.Auth, nil
}

// sessionAuthError maps a sessionAuth failure to its JSON-RPC error code.
func sessionAuthError(id json.RawMessage, err error) response {
	var notFound *sessionNotFoundError
	if errors.As(err, &notFound) {
		return errorResponse(id, codeSessionNotFound, err.Error())
	}
	return errorResponse(id, codeUnauthenticated, err.Error())
}

// invoke maps arguments onto ep's request fields, builds a synthetic HTTP
// request, and runs it through the pipeline, returning the raw response body
// and status.
func (s *Server) invoke(r *http.Request, ep *config.EndpointConfig, arguments map[string]any, authCtx auth.Context) (string, int, error) {
	req, err := buildToolRequest(r, ep, arguments)
	if err != nil {
		return "", 0, err
	}

	rec := httptest.NewRecorder()
	s.pipeline.HandleAuthenticated(rec, req, ep, authCtx)
	return rec.Body.String(), rec.Code, nil
}

// buildToolRequest synthesizes the *http.Request the pipeline expects from an
// MCP tool/resource invocation's arguments, routing each request field to its
// declared location.
func buildToolRequest(r *http.Request, ep *config.EndpointConfig, arguments map[string]any) (*http.Request, error) {
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}

	query := make(map[string][]string)
	bodyFields := make(map[string]any)
	headerFields := make(map[string]string)
	pathFields := make(map[string]string)

	for _, field := range ep.RequestFields {
		v, ok := arguments[field.Name]
		if !ok {
			continue
		}
		switch field.Location {
		case "body":
			bodyFields[field.Name] = v
		case "path":
			pathFields[field.Name] = fmt.Sprint(v)
		case "header":
			headerFields[field.Name] = fmt.Sprint(v)
		default:
			query[field.Name] = []string{fmt.Sprint(v)}
		}
	}

	var bodyReader *bytes.Reader
	if len(bodyFields) > 0 {
		b, err := json.Marshal(bodyFields)
		if err != nil {
			return nil, fmt.Errorf("marshal tool arguments: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	path := ep.Path
	if path == "" {
		path = "/" + ep.MCPName
	}
	req, err := http.NewRequestWithContext(r.Context(), method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if len(bodyFields) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	q := req.URL.Query()
	for k, vals := range query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()

	for k, v := range headerFields {
		req.Header.Set(k, v)
	}
	for k, v := range pathFields {
		req.SetPathValue(k, v)
	}

	return req, nil
}
