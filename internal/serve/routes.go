package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/dispatch"
	"github.com/agentmail-dev/agentmail/internal/ratelimit"
)

// outcomeFor labels a dispatch result for metrics: "ok" on success, or the
// apierr.Kind string on failure so conflict/validation/rate-limit rates are
// queryable without parsing error messages.
func outcomeFor(err error) string {
	if err == nil {
		return "ok"
	}
	if ae, ok := apierr.As(err); ok {
		return string(ae.Kind)
	}
	return "internal_error"
}

// toolRoute binds one dispatch catalog entry to a REST path/method, per
// spec §6's example shapes (POST /api/message/send, POST /api/inbox, ...).
type toolRoute struct {
	method string
	path   string
	tool   string
}

var toolRoutes = []toolRoute{
	{http.MethodPost, "/projects", "ensure_project"},
	{http.MethodPost, "/agents", "register_agent"},
	{http.MethodGet, "/agents/whoami", "whoami"},
	{http.MethodPost, "/message/send", "send_message"},
	{http.MethodPost, "/message/reply", "reply_message"},
	{http.MethodPost, "/inbox", "list_inbox"},
	{http.MethodPost, "/inbox/fetch", "fetch_inbox"},
	{http.MethodPost, "/outbox", "list_outbox"},
	{http.MethodPost, "/message/mark_read", "mark_read"},
	{http.MethodPost, "/message/acknowledge", "acknowledge"},
	{http.MethodPost, "/threads/get", "get_thread"},
	{http.MethodPost, "/threads", "list_threads"},
	{http.MethodPost, "/threads/summarize", "summarize_threads"},
	{http.MethodPost, "/search", "search_messages"},
	{http.MethodPost, "/file_reservations/paths", "reserve_paths"},
	{http.MethodPost, "/file_reservations", "list_reservations"},
	{http.MethodPost, "/file_reservations/release", "release_reservation"},
	{http.MethodPost, "/file_reservations/force_release", "force_release_reservation"},
	{http.MethodPost, "/file_reservations/renew", "renew_reservation"},
	{http.MethodPost, "/file_reservations/check", "check_reservations"},
	{http.MethodPost, "/contacts/request", "request_contact"},
	{http.MethodPost, "/contacts/accept", "accept_contact"},
	{http.MethodPost, "/contacts/block", "block_contact"},
	{http.MethodPost, "/contacts/handshake", "macro_contact_handshake"},
	{http.MethodPost, "/overseer/send", "send_overseer_message"},
	{http.MethodPost, "/session/start", "macro_start_session"},
	{http.MethodPost, "/session/prepare_thread", "macro_prepare_thread"},
	{http.MethodPost, "/products", "ensure_product"},
	{http.MethodPost, "/products/link_project", "link_project"},
	{http.MethodPost, "/products/unlink_project", "unlink_project"},
	{http.MethodGet, "/products", "list_products"},
	{http.MethodPost, "/build_slots/acquire", "acquire_build_slot"},
	{http.MethodPost, "/build_slots/release", "release_build_slot"},
	{http.MethodGet, "/build_slots", "list_build_slots"},
}

// registerToolRoutes mounts every enabled catalog tool under r (already
// scoped to /api with auth+idempotency middleware applied). Tools gated
// behind WORKTREES_ENABLED are simply absent from the route table, mirroring
// their absence from tools/list (dispatch.Enabled).
func registerToolRoutes(r chi.Router, s *Server) {
	enabled := map[string]bool{}
	for _, t := range dispatch.Enabled(s.services.WorktreesEnabled) {
		enabled[t.Name] = true
	}
	for _, rt := range toolRoutes {
		if !enabled[rt.tool] {
			continue
		}
		h := s.toolHandler(rt.tool)
		switch rt.method {
		case http.MethodGet:
			r.Get(rt.path, h)
		case http.MethodPost:
			r.Post(rt.path, h)
		}
	}
}

// permissionForTool maps a tool to the Permission a caller needs, using the
// rate-limit category as the write/read signal and escalating the one
// privileged override tool to its own permission.
func permissionForTool(name string) Permission {
	if name == "force_release_reservation" {
		return PermForceRelease
	}
	if ratelimit.CategoryForTool(name) == ratelimit.CategoryWrite {
		return PermWrite
	}
	return PermRead
}

// toolHandler adapts one dispatch.Tool into an http.HandlerFunc: decode
// args (JSON body for POST, query string for GET), enforce the route's
// permission and rate-limit bucket, dispatch, and translate the result or
// *apierr.Error into the REST envelope.
func (s *Server) toolHandler(name string) http.HandlerFunc {
	perm := permissionForTool(name)
	category := ratelimit.CategoryForTool(name)

	return func(w http.ResponseWriter, r *http.Request) {
		reqID := requestIDFromContext(r.Context())

		if !CheckPermission(w, r, perm) {
			return
		}

		identity := callerIdentity(r)
		if s.rateLimit != nil && !s.rateLimit.Allow(identity, category) {
			retryAfter := s.rateLimit.RetryAfter(identity, category)
			s.recorder.ObserveRateLimited(string(category), "rest")
			writeErrorResponse(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded",
				map[string]interface{}{"retry_after_seconds": retryAfter.Seconds()}, reqID)
			return
		}

		args, err := decodeArgs(r)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error(), nil, reqID)
			return
		}

		start := time.Now()
		result, err := dispatch.Dispatch(r.Context(), s.services, name, dispatch.Request{
			Identity: identity,
			Args:     args,
		})
		s.recorder.ObserveToolCall(name, "rest", outcomeFor(err), time.Since(start))
		if err != nil {
			writeAPIError(w, err, reqID)
			return
		}

		writeSuccessResponse(w, http.StatusOK, map[string]interface{}{"result": result}, reqID)
	}
}

// decodeArgs builds a dispatch.Args from a request: the JSON body for
// POST/PUT, the URL query string for GET (comma-joined repeated keys match
// the same recipient-list convention Args.stringList already normalizes).
func decodeArgs(r *http.Request) (dispatch.Args, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		args := dispatch.Args{}
		for k, v := range r.URL.Query() {
			if len(v) == 1 {
				args[k] = v[0]
			} else {
				args[k] = v
			}
		}
		return args, nil
	}
	if r.Body == nil || r.ContentLength == 0 {
		return dispatch.Args{}, nil
	}
	var args dispatch.Args
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	return args, nil
}

func callerIdentity(r *http.Request) string {
	if rc := RoleFromContext(r.Context()); rc != nil && rc.UserID != "" && rc.UserID != "anonymous" {
		return rc.UserID
	}
	return ratelimit.NormalizeIdentity(r.RemoteAddr)
}

// writeAPIError maps an *apierr.Error (or, defensively, any other error)
// onto the REST envelope per spec's transport-agnostic error taxonomy.
func writeAPIError(w http.ResponseWriter, err error, reqID string) {
	ae, ok := apierr.As(err)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil, reqID)
		return
	}
	writeErrorResponse(w, statusForKind(ae.Kind), codeForKind(ae.Kind), ae.Message, ae.Fields, reqID)
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindDuplicate, apierr.KindReservationConflict:
		return http.StatusConflict
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindNotRecipient, apierr.KindNotOwner, apierr.KindContactBlocked:
		return http.StatusForbidden
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindLockTimeout, apierr.KindSearchBackend:
		return http.StatusServiceUnavailable
	case apierr.KindArchiveWriteFailed, apierr.KindGit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func codeForKind(k apierr.Kind) string {
	switch k {
	case apierr.KindNotFound:
		return ErrCodeNotFound
	case apierr.KindDuplicate, apierr.KindReservationConflict:
		return ErrCodeConflict
	case apierr.KindValidation:
		return ErrCodeBadRequest
	case apierr.KindRateLimited:
		return ErrCodeRateLimited
	default:
		return ErrCodeInternalError
	}
}

// handleListProjects implements GET /api/projects — not part of the
// dispatch catalog (no project-specific identity to resolve), so it talks
// to the Projects controller directly.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	projects, err := s.services.Projects.List(r.Context())
	if err != nil {
		writeAPIError(w, err, reqID)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]interface{}{"projects": projects}, reqID)
}
