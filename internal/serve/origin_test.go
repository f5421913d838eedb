package serve

import "testing"

func TestOriginAllowed_ExactSchemeAndHostnameMatch(t *testing.T) {
	allowlist := []string{"http://localhost", "https://app.example.com"}

	if !originAllowed("http://localhost:3000", allowlist) {
		t.Error("expected any port on an allowlisted localhost origin to be allowed")
	}
	if !originAllowed("https://app.example.com", allowlist) {
		t.Error("expected exact scheme+host match to be allowed")
	}
}

func TestOriginAllowed_RejectsSubstringSpoof(t *testing.T) {
	allowlist := []string{"http://localhost"}

	if originAllowed("http://localhost.evil.com", allowlist) {
		t.Error("hostname containing the allowlist entry as a prefix must not match")
	}
	if originAllowed("http://evil.com/?http://localhost", allowlist) {
		t.Error("an allowlist entry embedded in the path/query must not match")
	}
}

func TestOriginAllowed_WildcardAllowsAnything(t *testing.T) {
	if !originAllowed("https://anything.example", []string{"*"}) {
		t.Error("expected \"*\" to allow any origin")
	}
}

func TestOriginAllowed_EmptyOriginAlwaysAllowed(t *testing.T) {
	if !originAllowed("", []string{"https://app.example.com"}) {
		t.Error("a request with no Origin header (non-browser client) should never be blocked")
	}
}

func TestOriginAllowed_MismatchedSchemeRejected(t *testing.T) {
	if originAllowed("http://app.example.com", []string{"https://app.example.com"}) {
		t.Error("scheme downgrade should not match an https-only allowlist entry")
	}
}
