package mcpserve

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/dispatch"
	"github.com/agentmail-dev/agentmail/internal/metrics"
	"github.com/agentmail-dev/agentmail/internal/ratelimit"
)

const (
	sessionHeader = "Mcp-Session-Id"
	serverName    = "agentmaild"
)

// Config configures a Handler. Auth here is deliberately simpler than
// internal/serve's JWT+RBAC stack: MCP clients typically hold one static
// bearer token per swarm member rather than a user-scoped JWT, so a single
// shared-secret check (constant-time, like internal/serve's bearer mode)
// covers the realistic case. A BearerToken of "" disables the check
// entirely, matching AuthModeNone.
type Config struct {
	Services    *dispatch.Services
	RateLimit   *ratelimit.Tracker
	BearerToken string
	Version     string

	// Recorder, when set, records tools/call outcomes and rate-limit
	// rejections against the same internal/metrics collectors internal/serve
	// uses, labeled transport="mcp" so the two surfaces stay distinguishable
	// in one dashboard.
	Recorder *metrics.Recorder
}

// Handler is the MCP JSON-RPC 2.0 transport over a single HTTP endpoint,
// following the "streamable HTTP" shape: POST carries one request or a
// batch array, every response carries the client's session id back so a
// client can resume after a dropped connection.
type Handler struct {
	services    *dispatch.Services
	rateLimit   *ratelimit.Tracker
	bearerToken string
	version     string
	sessions    *sessionStore
	recorder    *metrics.Recorder
}

func New(cfg Config) *Handler {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Handler{
		services:    cfg.Services,
		rateLimit:   cfg.RateLimit,
		bearerToken: cfg.BearerToken,
		version:     cfg.Version,
		sessions:    newSessionStore(),
		recorder:    cfg.Recorder,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticate(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="agentmaild-mcp"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = h.sessions.new()
	} else {
		h.sessions.touch(sessionID)
	}

	body, err := decodeBatch(r)
	if err != nil {
		writeResponses(w, sessionID, []response{{JSONRPC: jsonrpcVersion, Error: &rpcError{Code: errParse, Message: err.Error()}}})
		return
	}

	identity := identityFor(r, sessionID)
	responses := make([]response, 0, len(body))
	for _, req := range body {
		resp := h.handle(r, identity, req)
		if resp == nil {
			continue // notification — no response per JSON-RPC 2.0
		}
		responses = append(responses, *resp)
	}
	writeResponses(w, sessionID, responses)
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.bearerToken == "" {
		return true
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.bearerToken)) == 1
}

func identityFor(r *http.Request, sessionID string) string {
	return ratelimit.NormalizeIdentity(r.RemoteAddr) + ":" + sessionID
}

func decodeBatch(r *http.Request) ([]request, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []request
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	var single request
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []request{single}, nil
}

func (h *Handler) handle(r *http.Request, identity string, req request) *response {
	if req.JSONRPC != jsonrpcVersion {
		return errResponse(req.ID, errInvalidRequest, "jsonrpc must be \"2.0\"")
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "tools/list":
		return h.handleToolsList(req)
	case "tools/call":
		return h.handleToolsCall(r, identity, req)
	case "ping":
		return &response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: map[string]any{}}
	default:
		return errResponse(req.ID, errMethodNotFound, "unknown method "+req.Method)
	}
}

func (h *Handler) handleInitialize(req request) *response {
	result := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities{Tools: map[string]any{"listChanged": false}},
		ServerInfo:      serverInfo{Name: serverName, Version: h.version},
		Instructions:    serverInstructions,
	}
	return &response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result}
}

func (h *Handler) handleToolsList(req request) *response {
	catalog := dispatch.Enabled(h.services.WorktreesEnabled)
	tools := make([]mcpTool, 0, len(catalog))
	for _, t := range catalog {
		tools = append(tools, mcpTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	return &response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: toolsListResult{Tools: tools}}
}

func (h *Handler) handleToolsCall(r *http.Request, identity string, req request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, errInvalidParams, "invalid tools/call params: "+err.Error())
	}

	category := ratelimit.CategoryForTool(params.Name)
	if h.rateLimit != nil && !h.rateLimit.Allow(identity, category) {
		retryAfter := h.rateLimit.RetryAfter(identity, category)
		h.recorder.ObserveRateLimited(string(category), "mcp")
		return toolErrorResponse(req.ID, apierr.RateLimited(retryAfter.Seconds()))
	}

	start := time.Now()
	result, err := dispatch.Dispatch(r.Context(), h.services, params.Name, dispatch.Request{
		Identity: identity,
		Args:     dispatch.Args(params.Arguments),
	})
	h.recorder.ObserveToolCall(params.Name, "mcp", outcomeFor(err), time.Since(start))
	if err != nil {
		return toolErrorResponse(req.ID, err)
	}

	payload, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return errResponse(req.ID, errInternal, marshalErr.Error())
	}

	return &response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: toolCallResult{
		Content: []contentBlock{{Type: "text", Text: string(payload)}},
	}}
}

// outcomeFor labels a dispatch result for metrics the same way
// internal/serve's routes.go does: "ok", or the apierr.Kind string.
func outcomeFor(err error) string {
	if err == nil {
		return "ok"
	}
	if ae, ok := apierr.As(err); ok {
		return string(ae.Kind)
	}
	return "internal_error"
}

// toolErrorResponse surfaces a dispatch failure as a successful JSON-RPC
// response with isError=true (the MCP convention — tool failures are not
// transport failures) rather than an RPC-level error, except when the
// error isn't an *apierr.Error at all, which does indicate a transport bug.
func toolErrorResponse(id json.RawMessage, err error) *response {
	ae, ok := apierr.As(err)
	if !ok {
		return errResponse(id, errToolFailed, err.Error())
	}
	return &response{JSONRPC: jsonrpcVersion, ID: id, Result: toolCallResult{
		Content: []contentBlock{{Type: "text", Text: ae.Message}},
		IsError: true,
	}}
}

func errResponse(id json.RawMessage, code int, msg string) *response {
	return &response{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func writeResponses(w http.ResponseWriter, sessionID string, responses []response) {
	w.Header().Set(sessionHeader, sessionID)
	w.Header().Set("Content-Type", "application/json")
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if len(responses) == 1 {
		json.NewEncoder(w).Encode(responses[0])
		return
	}
	json.NewEncoder(w).Encode(responses)
}
