package serve

import (
	"context"
	"net/http"
)

// Role is a caller's authorization level, ordered viewer < operator < admin.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission is a single gated capability. Routes declare the permission
// they require; RequirePermission checks the caller's role against it.
type Permission string

const (
	PermRead           Permission = "read"
	PermWrite          Permission = "write"
	PermForceRelease   Permission = "force_release"
	PermAdminDiagnostics Permission = "admin_diagnostics"
)

// ParseRole is case-insensitive and defaults unrecognized input to viewer,
// the least-privileged role — an unparsed role claim should never grant
// more than read access.
func ParseRole(raw string) Role {
	switch Role(lower(raw)) {
	case RoleAdmin:
		return RoleAdmin
	case RoleOperator:
		return RoleOperator
	default:
		return RoleViewer
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func roleHierarchy(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

var rolePermissions = map[Role]map[Permission]bool{
	RoleViewer: {
		PermRead: true,
	},
	RoleOperator: {
		PermRead:  true,
		PermWrite: true,
	},
	RoleAdmin: {
		PermRead:             true,
		PermWrite:            true,
		PermForceRelease:     true,
		PermAdminDiagnostics: true,
	},
}

// HasPermission reports whether r carries perm.
func (r Role) HasPermission(perm Permission) bool {
	return rolePermissions[r][perm]
}

// RoleContext is what auth middleware attaches to a request's context once
// a caller's identity and role have been resolved.
type RoleContext struct {
	Role   Role
	UserID string
}

type roleCtxKey struct{}

func withRoleContext(ctx context.Context, rc *RoleContext) context.Context {
	return context.WithValue(ctx, roleCtxKey{}, rc)
}

// RoleFromContext returns the caller's RoleContext, or nil if auth
// middleware never ran. Under HTTP_AUTH_MODE=none the middleware still runs
// and attaches the admin role.
func RoleFromContext(ctx context.Context) *RoleContext {
	rc, _ := ctx.Value(roleCtxKey{}).(*RoleContext)
	return rc
}

// RequirePermission builds middleware that 403s unless the caller's role
// (from context) carries perm.
func (s *Server) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CheckPermission(w, r, perm) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole builds middleware that 403s unless the caller's role meets or
// exceeds min in the viewer < operator < admin hierarchy.
func (s *Server) RequireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := RoleFromContext(r.Context())
			if rc == nil || roleHierarchy(rc.Role) < roleHierarchy(min) {
				reqID := requestIDFromContext(r.Context())
				writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "insufficient role", nil, reqID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckPermission is RequirePermission's inline form, for handlers that
// need to gate a sub-action rather than the whole route (e.g.
// force_release_reservation within a generic tool-dispatch handler).
// Writes a 403 and returns false when denied.
func CheckPermission(w http.ResponseWriter, r *http.Request, perm Permission) bool {
	rc := RoleFromContext(r.Context())
	if rc == nil || !rc.Role.HasPermission(perm) {
		writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "permission denied", nil, requestIDFromContext(r.Context()))
		return false
	}
	return true
}

// extractUserIDFromClaims picks a stable subject out of JWT claims,
// preferring "sub", falling back to "email" then "preferred_username".
func extractUserIDFromClaims(claims map[string]interface{}) string {
	if claims == nil {
		return "anonymous"
	}
	for _, key := range []string{"sub", "email", "preferred_username"} {
		if v, ok := claimString(claims, key); ok && v != "" {
			return v
		}
	}
	return "anonymous"
}

// extractRoleFromClaims resolves the caller's Role from the auth mode and,
// when bearer/jwt, the decoded claims: a direct "role" string claim, a
// "roles" array (highest wins), or a bare bearer token (operator — a static
// token has no role claim to carry, so it gets the send/reserve-capable
// middle tier rather than full admin).
func (s *Server) extractRoleFromClaims(claims map[string]interface{}) Role {
	if s.auth.Mode == AuthModeNone {
		return RoleAdmin
	}
	if s.auth.Mode == AuthModeBearer {
		return RoleOperator
	}
	if claims == nil {
		return RoleViewer
	}
	if v, ok := claimString(claims, "role"); ok {
		return ParseRole(v)
	}
	if best, ok := highestRoleInClaim(claims["roles"]); ok {
		return best
	}
	if best, ok := highestRoleInClaim(claims["agentmail_role"]); ok {
		return best
	}
	if realm, ok := claims["realm_access"].(map[string]interface{}); ok {
		if best, ok := highestRoleInClaim(realm["roles"]); ok {
			return best
		}
	}
	return RoleViewer
}

func highestRoleInClaim(raw interface{}) (Role, bool) {
	switch v := raw.(type) {
	case string:
		return ParseRole(v), true
	case []interface{}:
		best := -1
		var bestRole Role
		found := false
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			r := ParseRole(s)
			if h := roleHierarchy(r); h > best {
				best, bestRole, found = h, r, true
			}
		}
		return bestRole, found
	default:
		return "", false
	}
}

// RBACConfig documents the default authorization posture; HTTP_AUTH_MODE
// drives the actual enforcement, and no route reads this struct.
type RBACConfig struct {
	Enabled        bool
	DefaultRole    Role
	RoleClaimKey   string
	AllowAnonymous bool
}

func DefaultRBACConfig() RBACConfig {
	return RBACConfig{
		Enabled:        true,
		DefaultRole:    RoleViewer,
		RoleClaimKey:   "role",
		AllowAnonymous: false,
	}
}
