package ratelimit

import (
	"testing"
)

func TestAllow_DisabledTrackerAlwaysAllows(t *testing.T) {
	tr := New(false)
	for i := 0; i < 1000; i++ {
		if !tr.Allow("agent-1", CategoryWrite) {
			t.Fatal("disabled tracker must always allow")
		}
	}
}

func TestAllow_WriteCategoryExhaustsBurst(t *testing.T) {
	tr := New(true)
	allowed := 0
	for i := 0; i < 50; i++ {
		if tr.Allow("agent-1", CategoryWrite) {
			allowed++
		}
	}
	if allowed != categoryLimits[CategoryWrite].burst {
		t.Errorf("expected exactly burst (%d) immediate allows, got %d",
			categoryLimits[CategoryWrite].burst, allowed)
	}
}

func TestAllow_IdentitiesAreIndependent(t *testing.T) {
	tr := New(true)
	for i := 0; i < categoryLimits[CategoryWrite].burst; i++ {
		tr.Allow("agent-1", CategoryWrite)
	}
	if tr.Allow("agent-1", CategoryWrite) {
		t.Error("expected agent-1 to be rate limited after exhausting burst")
	}
	if !tr.Allow("agent-2", CategoryWrite) {
		t.Error("expected a distinct identity to have its own bucket")
	}
}

func TestAllow_CategoriesAreIndependentPerIdentity(t *testing.T) {
	tr := New(true)
	for i := 0; i < categoryLimits[CategoryWrite].burst; i++ {
		tr.Allow("agent-1", CategoryWrite)
	}
	if !tr.Allow("agent-1", CategoryRead) {
		t.Error("expected read category to have its own bucket independent of write")
	}
}

func TestRetryAfter_PositiveWhenExhausted(t *testing.T) {
	tr := New(true)
	for i := 0; i < categoryLimits[CategoryWrite].burst+1; i++ {
		tr.Allow("agent-1", CategoryWrite)
	}
	if d := tr.RetryAfter("agent-1", CategoryWrite); d <= 0 {
		t.Errorf("expected positive retry-after, got %v", d)
	}
}

func TestReset_ClearsBucketsForIdentity(t *testing.T) {
	tr := New(true)
	for i := 0; i < categoryLimits[CategoryWrite].burst; i++ {
		tr.Allow("agent-1", CategoryWrite)
	}
	tr.Reset("agent-1")
	if !tr.Allow("agent-1", CategoryWrite) {
		t.Error("expected fresh bucket after reset")
	}
}

func TestNormalizeIdentity_EmptyBecomesAnonymous(t *testing.T) {
	if got := NormalizeIdentity("  "); got != "anonymous" {
		t.Errorf("NormalizeIdentity(whitespace) = %q, want anonymous", got)
	}
}

func TestCategoryForTool(t *testing.T) {
	cases := map[string]Category{
		"send_message": CategoryWrite,
		"list_inbox":   CategoryRead,
		"unknown_tool": CategoryDefault,
	}
	for tool, want := range cases {
		if got := CategoryForTool(tool); got != want {
			t.Errorf("CategoryForTool(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestNewWithDefaults_OverridesDefaultCategory(t *testing.T) {
	tr := NewWithDefaults(true, 5, 5)
	allowed := 0
	for i := 0; i < 20; i++ {
		if tr.Allow("agent-1", CategoryDefault) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected overridden burst of 5, got %d", allowed)
	}
}
