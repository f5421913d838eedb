// Package dispatch implements the single tool catalog shared by the REST
// and MCP JSON-RPC transports (spec §4.8): one Tool entry per operation,
// each carrying a JSON-schema, a validator/normalizer, and a handler that
// calls straight into the entity controllers. Transports stay thin:
// internal/serve and internal/mcpserve both resolve a tool by name from
// the same Catalog and map the *apierr.Error they get back to their own
// status/code space.
package dispatch

import (
	"context"
	"strings"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/buildslot"
	"github.com/agentmail-dev/agentmail/internal/contact"
	"github.com/agentmail-dev/agentmail/internal/events"
	"github.com/agentmail-dev/agentmail/internal/gitarchive"
	"github.com/agentmail-dev/agentmail/internal/message"
	"github.com/agentmail-dev/agentmail/internal/product"
	"github.com/agentmail-dev/agentmail/internal/project"
	"github.com/agentmail-dev/agentmail/internal/ratelimit"
	"github.com/agentmail-dev/agentmail/internal/reserve"
	"github.com/agentmail-dev/agentmail/internal/search"
	"github.com/agentmail-dev/agentmail/internal/validate"
)

// Args is the transport-decoded argument bag. Both REST's JSON body and
// MCP's "arguments" object decode into this shape before reaching a
// handler; recipient-shape normalization (comma-joined string vs array)
// happens in the handler via stringList, not at decode time, since only
// the message tools carry recipients.
type Args map[string]any

// Request is everything a handler needs besides its typed arguments:
// the caller's resolved identity and project context, set by the
// transport after auth/rate-limit/validation middleware has run.
type Request struct {
	Identity    string
	ProjectSlug string
	AgentID     int64
	Args        Args
}

// Tool is one catalog entry. Schema is a bare JSON-schema-shaped map,
// rendered as-is into MCP's tools/list and used as REST route
// documentation; it is not validated against at runtime (the handler's own
// argument extraction plus internal/validate perform that job) to avoid
// depending on a JSON-schema validator library the pack never uses.
type Tool struct {
	Name        string
	Description string
	Category    ratelimit.Category
	Worktree    bool // only registered when WORKTREES_ENABLED/GIT_IDENTITY_ENABLED
	Schema      map[string]any
	Handler     func(ctx context.Context, s *Services, req Request) (any, error)
}

// Services bundles every entity controller the catalog dispatches into.
// Constructed once at process start and shared across requests.
type Services struct {
	Projects   *project.Controller
	Agents     *agent.Controller
	Messages   *message.Controller
	Search     *search.Controller
	Reserve    *reserve.Controller
	BuildSlots *buildslot.Controller
	Contacts   *contact.Controller
	Products   *product.Controller
	Summarizer message.Summarizer // nil unless LLM_ENABLED
	Events     *events.EventEmitter // nil disables live event publication
	Archive    *gitarchive.Archiver // nil disables the agents/ and file_reservations/ mirror

	WorktreesEnabled bool
}

// emit is a no-op when Events is unset, so handlers don't need a nil check
// at every call site.
func (s *Services) emit(ev events.BusEvent) {
	if s.Events != nil {
		s.Events.Emit(ev)
	}
}

// Catalog returns every tool, including worktree-gated ones. Callers that
// need the dynamically enabled subset (MCP's tools/list, REST route
// registration) should filter with Enabled.
func Catalog() []Tool {
	return append(append([]Tool{}, coreTools...), worktreeTools...)
}

// Enabled filters Catalog() down to the tools active for the given
// worktree-features toggle, per spec §4.8 ("tools/list must reflect this
// — not merely fail at dispatch").
func Enabled(worktreesEnabled bool) []Tool {
	var out []Tool
	for _, t := range Catalog() {
		if t.Worktree && !worktreesEnabled {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Find looks up a tool by name within the enabled subset.
func Find(name string, worktreesEnabled bool) (Tool, bool) {
	for _, t := range Enabled(worktreesEnabled) {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Dispatch resolves name and invokes its handler, returning the handler's
// result verbatim or a *apierr.Error (already typed — callers should use
// apierr.As to check, not errors.Is).
func Dispatch(ctx context.Context, s *Services, name string, req Request) (any, error) {
	t, ok := Find(name, s.WorktreesEnabled)
	if !ok {
		return nil, apierr.NotFound("tool", name)
	}
	return t.Handler(ctx, s, req)
}

// --- argument helpers -------------------------------------------------

func (a Args) str(key string) string {
	v, _ := a[key].(string)
	return v
}

func (a Args) boolOr(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

func (a Args) int64Or(key string, def int64) int64 {
	switch v := a[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return def
}

func (a Args) intOr(key string, def int) int {
	return int(a.int64Or(key, int64(def)))
}

// stringList normalizes a recipient-shaped argument that may arrive either
// as a JSON array (REST's "recipient_names": [...]) or as a single
// comma-joined string (MCP's "to": "A,B"), per spec §4.8's one named
// transport divergence.
func (a Args) stringList(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitRecipients(v)
	}
	return nil
}

func splitRecipients(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func projectID(ctx context.Context, s *Services, slug string) (int64, error) {
	if slug == "" {
		return 0, apierr.Validation(apierr.ValidationFailure{
			Field: "project_slug", Reason: "project_slug is required",
		})
	}
	p, err := s.Projects.BySlug(ctx, slug)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func resolveAgentID(ctx context.Context, s *Services, projID int64, name string) (int64, error) {
	if name == "" {
		return 0, apierr.Validation(apierr.ValidationFailure{
			Field: "agent_name", Reason: "agent_name is required",
		})
	}
	a, err := s.Agents.ByName(ctx, projID, name)
	if err != nil {
		return 0, suggestSimilarAgent(ctx, s, projID, name, err)
	}
	return a.ID, nil
}

// suggestSimilarAgent enriches an agent-not-found error with up to three
// Levenshtein-nearest known names, per spec §4.10.
func suggestSimilarAgent(ctx context.Context, s *Services, projID int64, name string, orig error) error {
	known, listErr := s.Agents.AllNames(ctx, projID)
	if listErr != nil || len(known) == 0 {
		return orig
	}
	similar := validate.NearestNames(name, known, 3)
	return apierr.NotFound("agent", name, similar...)
}

func validatedRelativePaths(field string, raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		fixed, fail := validate.RelativePath(field, p)
		if fail != nil {
			return nil, apierr.Validation(*fail)
		}
		out = append(out, fixed)
	}
	return out, nil
}
