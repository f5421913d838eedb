// Package ratelimit provides inbound rate limiting for the tool-dispatch
// layer: a token bucket per (identity, category), where identity is the
// caller key the transport supplies (REST: the authenticated user id, else
// the remote address; MCP: remote address plus session id) and category
// groups tools by write/read weight (spec §4.9). Structural idiom (mutex-protected
// per-identity map, NormalizeIdentity helper) is carried over from the
// teacher's outbound adaptive-delay tracker; the algorithm itself is new
// since inbound admission control and outbound backoff learning solve
// different problems.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Category buckets tools by typical write/read weight so a single slow
// caller doing heavy writes doesn't starve its own reads.
type Category string

const (
	CategoryWrite   Category = "write"
	CategoryRead    Category = "read"
	CategoryDefault Category = "default"
)

// limits per category: requests/sec and burst size.
var categoryLimits = map[Category]struct {
	rps   rate.Limit
	burst int
}{
	CategoryWrite:   {rps: 10, burst: 20},
	CategoryRead:    {rps: 100, burst: 200},
	CategoryDefault: {rps: 50, burst: 100},
}

// Tracker is a registry of token buckets keyed by "<identity>:<category>".
// Buckets are created lazily and never evicted within a process lifetime
// (identity cardinality is bounded by the number of live agents/IPs).
type Tracker struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	enabled  bool
	override map[Category]struct {
		rps   rate.Limit
		burst int
	}
}

func New(enabled bool) *Tracker {
	return &Tracker{
		buckets: make(map[string]*rate.Limiter),
		enabled: enabled,
	}
}

// NewWithDefaults builds a Tracker whose "default" category uses the given
// rps/burst (e.g. from config's RATE_LIMIT_DEFAULT_RPS/BURST), leaving the
// write/read category limits at their built-in values.
func NewWithDefaults(enabled bool, defaultRPS float64, defaultBurst int) *Tracker {
	t := New(enabled)
	if defaultRPS > 0 {
		t.override = map[Category]struct {
			rps   rate.Limit
			burst int
		}{
			CategoryDefault: {rps: rate.Limit(defaultRPS), burst: defaultBurst},
		}
	}
	return t
}

// Allow reports whether a call from identity in category may proceed,
// consuming one token if so. Always true when the tracker is disabled.
func (t *Tracker) Allow(identity string, category Category) bool {
	if !t.enabled {
		return true
	}
	return t.limiterFor(identity, category).Allow()
}

// RetryAfter reports the duration until the next token is available,
// used to populate a 429/RateLimited response's retry_after field.
func (t *Tracker) RetryAfter(identity string, category Category) time.Duration {
	l := t.limiterFor(identity, category)
	r := l.Reserve()
	if !r.OK() {
		return time.Second
	}
	d := r.Delay()
	r.Cancel()
	return d
}

func (t *Tracker) limiterFor(identity string, category Category) *rate.Limiter {
	key := NormalizeIdentity(identity) + ":" + string(category)

	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.buckets[key]; ok {
		return l
	}
	limits, ok := categoryLimits[category]
	if ov, hasOverride := t.override[category]; hasOverride {
		limits = ov
	} else if !ok {
		limits = categoryLimits[CategoryDefault]
	}
	l := rate.NewLimiter(limits.rps, limits.burst)
	t.buckets[key] = l
	return l
}

// BucketCount reports the number of live (identity, category) buckets,
// surfaced by the /api/v1/doctor diagnostic.
func (t *Tracker) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Reset drops all buckets for identity across every category. Only the
// package's tests call it.
func (t *Tracker) Reset(identity string) {
	norm := NormalizeIdentity(identity)
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.buckets {
		if strings.HasPrefix(key, norm+":") {
			delete(t.buckets, key)
		}
	}
}

// NormalizeIdentity trims surrounding whitespace from a caller identity key
// and returns "anonymous" when nothing is left; the key itself is built by
// the transport.
func NormalizeIdentity(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "anonymous"
	}
	return raw
}

// CategoryForTool maps a dispatch tool name to its rate-limit category.
// Tools not listed default to CategoryDefault.
func CategoryForTool(toolName string) Category {
	switch toolName {
	case "send_message", "reply_message", "reserve_paths", "release_reservation",
		"force_release_reservation", "renew_reservation", "acquire_build_slot",
		"release_build_slot", "register_agent", "ensure_project", "request_contact",
		"accept_contact", "block_contact", "macro_contact_handshake",
		"send_overseer_message", "ensure_product", "link_project", "unlink_project":
		return CategoryWrite
	case "list_inbox", "fetch_inbox", "list_outbox", "search_messages", "get_thread",
		"list_threads", "summarize_threads", "list_reservations", "check_reservations",
		"list_build_slots", "list_products", "whoami":
		return CategoryRead
	default:
		return CategoryDefault
	}
}
