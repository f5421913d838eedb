package project

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentmail-dev/agentmail/internal/store"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestEnsureProject_CreatesAndIsIdempotent(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	p1, err := c.EnsureProject(ctx, "/repo/alpha")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if p1.Slug != "alpha" {
		t.Errorf("Slug = %q, want alpha", p1.Slug)
	}

	p2, err := c.EnsureProject(ctx, "/repo/alpha")
	if err != nil {
		t.Fatalf("second EnsureProject: %v", err)
	}
	if p2.ID != p1.ID {
		t.Errorf("second call created a new row: %d != %d", p2.ID, p1.ID)
	}
}

func TestEnsureProject_SlugCollision(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	p1, err := c.EnsureProject(ctx, "/repo/alpha")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.EnsureProject(ctx, "/other/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if p1.Slug == p2.Slug {
		t.Errorf("expected distinct slugs for distinct human keys, got %q twice", p1.Slug)
	}
}

func TestEnsureProject_RejectsEmpty(t *testing.T) {
	c := newTestController(t)
	if _, err := c.EnsureProject(context.Background(), "  "); err == nil {
		t.Error("expected validation error for empty human_key")
	}
}

func TestBySlug_NotFound(t *testing.T) {
	c := newTestController(t)
	if _, err := c.BySlug(context.Background(), "missing"); err == nil {
		t.Error("expected NotFound error")
	}
}
