// Package serve implements the REST transport (chi router) shared by every
// tool in the dispatch catalog, plus health/diagnostics and live event
// endpoints for dashboards built against this service.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentmail-dev/agentmail/internal/dispatch"
	"github.com/agentmail-dev/agentmail/internal/events"
	"github.com/agentmail-dev/agentmail/internal/metrics"
	"github.com/agentmail-dev/agentmail/internal/ratelimit"
	"github.com/agentmail-dev/agentmail/internal/repocache"
	"github.com/agentmail-dev/agentmail/internal/store"
)

const (
	defaultPort         = 8765
	requestIDHeader     = "X-Request-Id"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Config holds everything New needs to build a Server.
type Config struct {
	Host string
	Port int

	Store      *store.Store
	Repos      *repocache.Cache
	ArchiveDir string

	Services *dispatch.Services
	Bus      *events.EventBus

	Auth           AuthConfig
	AllowedOrigins []string
	RateLimit      *ratelimit.Tracker

	// Metrics, when set, is mounted directly at GET /metrics (normally
	// promhttp.Handler() from internal/metrics). Nil falls back to a
	// minimal built-in exposition.
	Metrics http.Handler

	// Recorder, when set, records REST request counts/latency and
	// dispatch tool-call outcomes against internal/metrics' collectors.
	// Nil disables instrumentation without disabling the /metrics route
	// itself (Recorder's methods all tolerate a nil receiver).
	Recorder *metrics.Recorder

	// MCP, when set, is mounted at POST /mcp (normally mcpserve.New from
	// internal/mcpserve). Nil omits the route entirely — REST-only
	// deployments don't need to reason about a second protocol surface.
	MCP http.Handler
}

// Server is the REST transport over a dispatch.Services.
type Server struct {
	host string
	port int

	st       *store.Store
	repos    *repocache.Cache
	archiveDir string

	services *dispatch.Services
	bus      *events.EventBus

	auth               AuthConfig
	jwksCache          *jwksCache
	corsAllowedOrigins []string
	rateLimit          *ratelimit.Tracker
	metrics            http.Handler
	recorder           *metrics.Recorder
	mcp                http.Handler

	idempotencyStore *IdempotencyStore

	sseClients   map[chan events.BusEvent]struct{}
	sseClientsMu sync.RWMutex

	router chi.Router
	srv    *http.Server
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModeNone
	}
	if cfg.Auth.JWKSCacheTTL == 0 {
		cfg.Auth.JWKSCacheTTL = defaultJWKSCacheTTL
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaultLocalOrigins()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.DefaultBus
	}
}

func defaultLocalOrigins() []string {
	return []string{
		"http://localhost", "http://127.0.0.1", "http://[::1]",
		"https://localhost", "https://127.0.0.1", "https://[::1]",
	}
}

// New builds a Server. Callers still need to call Start to bind and serve.
func New(cfg Config) *Server {
	applyDefaults(&cfg)
	s := &Server{
		host:               cfg.Host,
		port:               cfg.Port,
		st:                 cfg.Store,
		repos:              cfg.Repos,
		archiveDir:         cfg.ArchiveDir,
		services:           cfg.Services,
		bus:                cfg.Bus,
		auth:               cfg.Auth,
		jwksCache:          newJWKSCache(cfg.Auth.JWKSCacheTTL),
		corsAllowedOrigins: cfg.AllowedOrigins,
		rateLimit:          cfg.RateLimit,
		metrics:            cfg.Metrics,
		recorder:           cfg.Recorder,
		mcp:                cfg.MCP,
		idempotencyStore:   NewIdempotencyStore(24 * time.Hour),
		sseClients:         make(map[chan events.BusEvent]struct{}),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/events", s.handleSSE)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/api/v1/openapi.json", s.handleOpenAPISpec)
	r.Get("/docs", s.handleSwaggerUI)

	if s.mcp != nil {
		r.Mount("/mcp", s.mcp)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.idempotencyMiddleware)

		r.Get("/v1/doctor", s.withPermission(PermAdminDiagnostics, s.handleDoctor))
		r.Get("/projects", s.withPermission(PermRead, s.handleListProjects))

		registerToolRoutes(r, s)
	})

	return r
}

// withPermission is RequirePermission's single-handler form, used for the
// handful of routes not reached through the generic tool-dispatch wrapper.
func (s *Server) withPermission(perm Permission, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !CheckPermission(w, r, perm) {
			return
		}
		h(w, r)
	}
}

// Start binds and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.srv = &http.Server{Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.idempotencyStore.Stop()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Port returns the bound TCP port, useful when Config.Port was 0.
func (s *Server) Port() int { return s.port }

// --- middleware --------------------------------------------------------

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := requestIDFromContext(r.Context())
				slog.Error("panic recovered", "panic", rec, "request_id", reqID, "stack", string(debug.Stack()))
				writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", nil, reqID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", dur, "request_id", requestIDFromContext(r.Context()))
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.recorder.ObserveHTTP(route, r.Method, ww.Status(), dur)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !originAllowed(origin, s.corsAllowedOrigins) {
				writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed", nil, requestIDFromContext(r.Context()))
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, "+requestIDHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, err := s.authenticateRequest(r)
		if err != nil {
			reqID := requestIDFromContext(r.Context())
			slog.Warn("auth failed", "mode", s.auth.Mode, "path", r.URL.Path, "request_id", reqID, "err", err)
			writeErrorResponse(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unauthorized", nil, reqID)
			return
		}
		ctx := withRoleContext(r.Context(), rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// idempotencyMiddleware replays a cached response for a repeated
// Idempotency-Key on a mutating request, so a retried send_message after a
// dropped connection doesn't double-send.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if cached, status, ok := s.idempotencyStore.Get(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(status)
			w.Write(cached)
			return
		}
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.statusCode >= 200 && rec.statusCode < 300 {
			s.idempotencyStore.Set(key, rec.body, rec.statusCode)
		}
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func sanitizeRequestID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 64 {
		id = id[:64]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			return r
		}
		return -1
	}, id)
}

func generateRequestID() string {
	return uuid.NewString()
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	val, _ := ctx.Value(requestIDKey).(string)
	return val
}

// originAllowed compares scheme+hostname rather than doing a substring
// match: "http://localhost" must not match "http://localhost.evil.com" or
// "http://evil.com/?http://localhost", both of which contain the allowlist
// entry as a literal substring. The port is deliberately ignored so a
// single "http://localhost" allowlist entry still covers every dev-server
// port, matching the allowlist's original intent.
func originAllowed(origin string, allowlist []string) bool {
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" || originURL.Hostname() == "" {
		return false
	}
	for _, allowed := range allowlist {
		if allowed == "*" {
			return true
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil || allowedURL.Scheme == "" || allowedURL.Hostname() == "" {
			continue
		}
		if strings.EqualFold(allowedURL.Scheme, originURL.Scheme) && strings.EqualFold(allowedURL.Hostname(), originURL.Hostname()) {
			return true
		}
	}
	return false
}

// --- response envelope ---------------------------------------------------

// APIResponse is the base envelope for every API response.
type APIResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// APIError is the structured error envelope.
type APIError struct {
	APIResponse
	Error     string                 `json:"error"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("encode json response: %v", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message string, details map[string]interface{}, requestID string) {
	writeJSON(w, status, APIError{
		APIResponse: APIResponse{Success: false, Timestamp: time.Now().UTC().Format(time.RFC3339), RequestID: requestID},
		Error:       message,
		ErrorCode:   code,
		Details:     details,
	})
}

func writeSuccessResponse(w http.ResponseWriter, status int, data map[string]interface{}, requestID string) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["success"] = true
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if requestID != "" {
		data["request_id"] = requestID
	}
	writeJSON(w, status, data)
}
