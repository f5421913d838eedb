package serve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		input    string
		expected Role
	}{
		{"admin", RoleAdmin},
		{"Admin", RoleAdmin},
		{"ADMIN", RoleAdmin},
		{"operator", RoleOperator},
		{"Operator", RoleOperator},
		{"viewer", RoleViewer},
		{"unknown", RoleViewer},
		{"", RoleViewer},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseRole(tc.input); got != tc.expected {
				t.Errorf("ParseRole(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestRoleHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermRead, true},
		{RoleViewer, PermWrite, false},
		{RoleViewer, PermForceRelease, false},
		{RoleOperator, PermRead, true},
		{RoleOperator, PermWrite, true},
		{RoleOperator, PermForceRelease, false},
		{RoleOperator, PermAdminDiagnostics, false},
		{RoleAdmin, PermRead, true},
		{RoleAdmin, PermWrite, true},
		{RoleAdmin, PermForceRelease, true},
		{RoleAdmin, PermAdminDiagnostics, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.role)+"_"+string(tc.perm), func(t *testing.T) {
			if got := tc.role.HasPermission(tc.perm); got != tc.want {
				t.Errorf("%s.HasPermission(%s) = %v, want %v", tc.role, tc.perm, got, tc.want)
			}
		})
	}
}

func TestRoleHierarchy(t *testing.T) {
	if roleHierarchy(RoleAdmin) <= roleHierarchy(RoleOperator) {
		t.Error("admin should outrank operator")
	}
	if roleHierarchy(RoleOperator) <= roleHierarchy(RoleViewer) {
		t.Error("operator should outrank viewer")
	}
	if roleHierarchy(RoleViewer) <= 0 {
		t.Error("viewer should have positive hierarchy")
	}
}

func TestRoleFromContext(t *testing.T) {
	ctx := context.Background()
	if rc := RoleFromContext(ctx); rc != nil {
		t.Error("expected nil for context without role")
	}
	rc := &RoleContext{Role: RoleOperator, UserID: "agent-1"}
	ctx = withRoleContext(ctx, rc)
	got := RoleFromContext(ctx)
	if got == nil || got.Role != RoleOperator || got.UserID != "agent-1" {
		t.Errorf("RoleFromContext = %+v, want %+v", got, rc)
	}
}

func TestExtractUserIDFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]interface{}
		want   string
	}{
		{"sub claim", map[string]interface{}{"sub": "user-123"}, "user-123"},
		{"email claim", map[string]interface{}{"email": "a@example.com"}, "a@example.com"},
		{"preferred_username", map[string]interface{}{"preferred_username": "jdoe"}, "jdoe"},
		{"sub takes precedence", map[string]interface{}{"sub": "user-123", "email": "other@example.com"}, "user-123"},
		{"empty claims", map[string]interface{}{}, "anonymous"},
		{"nil claims", nil, "anonymous"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractUserIDFromClaims(tc.claims); got != tc.want {
				t.Errorf("extractUserIDFromClaims() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestServerExtractRoleFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		mode   AuthMode
		claims map[string]interface{}
		want   Role
	}{
		{"none mode gets admin", AuthModeNone, nil, RoleAdmin},
		{"bearer mode gets operator", AuthModeBearer, nil, RoleOperator},
		{"role claim direct", AuthModeJWT, map[string]interface{}{"role": "operator"}, RoleOperator},
		{"roles array highest wins", AuthModeJWT, map[string]interface{}{"roles": []interface{}{"viewer", "admin"}}, RoleAdmin},
		{"agentmail_role custom claim", AuthModeJWT, map[string]interface{}{"agentmail_role": "admin"}, RoleAdmin},
		{
			"keycloak realm_access format", AuthModeJWT,
			map[string]interface{}{"realm_access": map[string]interface{}{"roles": []interface{}{"operator"}}},
			RoleOperator,
		},
		{"no role defaults to viewer", AuthModeJWT, map[string]interface{}{"sub": "user-123"}, RoleViewer},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Server{auth: AuthConfig{Mode: tc.mode}}
			if got := s.extractRoleFromClaims(tc.claims); got != tc.want {
				t.Errorf("extractRoleFromClaims() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRequirePermission(t *testing.T) {
	s := &Server{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name     string
		role     Role
		perm     Permission
		wantCode int
	}{
		{"admin has force_release", RoleAdmin, PermForceRelease, http.StatusOK},
		{"operator lacks force_release", RoleOperator, PermForceRelease, http.StatusForbidden},
		{"viewer lacks write", RoleViewer, PermWrite, http.StatusForbidden},
		{"operator has write", RoleOperator, PermWrite, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := s.RequirePermission(tc.perm)(ok)
			req := httptest.NewRequest("GET", "/test", nil)
			req = req.WithContext(withRoleContext(req.Context(), &RoleContext{Role: tc.role, UserID: "agent-1"}))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	s := &Server{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name     string
		userRole Role
		minRole  Role
		wantCode int
	}{
		{"admin meets admin requirement", RoleAdmin, RoleAdmin, http.StatusOK},
		{"admin exceeds operator requirement", RoleAdmin, RoleOperator, http.StatusOK},
		{"operator meets operator requirement", RoleOperator, RoleOperator, http.StatusOK},
		{"viewer fails operator requirement", RoleViewer, RoleOperator, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := s.RequireRole(tc.minRole)(ok)
			req := httptest.NewRequest("GET", "/test", nil)
			req = req.WithContext(withRoleContext(req.Context(), &RoleContext{Role: tc.userRole, UserID: "agent-1"}))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
		})
	}
}

func TestCheckPermission(t *testing.T) {
	tests := []struct {
		name     string
		role     *RoleContext
		perm     Permission
		wantOK   bool
		wantCode int
	}{
		{"permission granted", &RoleContext{Role: RoleAdmin, UserID: "admin"}, PermForceRelease, true, 0},
		{"permission denied", &RoleContext{Role: RoleViewer, UserID: "viewer"}, PermWrite, false, http.StatusForbidden},
		{"no role context", nil, PermRead, false, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tc.role != nil {
				req = req.WithContext(withRoleContext(req.Context(), tc.role))
			}
			w := httptest.NewRecorder()
			got := CheckPermission(w, req, tc.perm)
			if got != tc.wantOK {
				t.Errorf("CheckPermission() = %v, want %v", got, tc.wantOK)
			}
			if !tc.wantOK && w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tc.wantCode)
			}
		})
	}
}

func TestDefaultRBACConfig(t *testing.T) {
	cfg := DefaultRBACConfig()
	if !cfg.Enabled {
		t.Error("default RBAC should be enabled")
	}
	if cfg.DefaultRole != RoleViewer {
		t.Errorf("DefaultRole = %q, want %q", cfg.DefaultRole, RoleViewer)
	}
	if cfg.RoleClaimKey != "role" {
		t.Errorf("RoleClaimKey = %q, want %q", cfg.RoleClaimKey, "role")
	}
	if cfg.AllowAnonymous {
		t.Error("default should not allow anonymous")
	}
}
