package product

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentmail-dev/agentmail/internal/store"
)

func setup(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func mustProject(t *testing.T, st *store.Store, slug string) int64 {
	t.Helper()
	res, err := st.DB().Exec("INSERT INTO projects (slug, human_key, created_at) VALUES (?,?,?)",
		slug, "/repo/"+slug, store.FormatTS(store.Now()))
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestEnsure_CreatesAndIsIdempotent(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	p1, err := c.Ensure(ctx, "widgets")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	p2, err := c.Ensure(ctx, "widgets")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if p1.ID != p2.ID {
		t.Errorf("expected same product id, got %d and %d", p1.ID, p2.ID)
	}
}

func TestLinkProject_AggregatesAcrossRepos(t *testing.T) {
	c, st := setup(t)
	ctx := context.Background()
	p, err := c.Ensure(ctx, "widgets")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	frontend := mustProject(t, st, "widgets-frontend")
	backend := mustProject(t, st, "widgets-backend")

	if err := c.LinkProject(ctx, p.ID, frontend); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := c.LinkProject(ctx, p.ID, backend); err != nil {
		t.Fatalf("link: %v", err)
	}
	// idempotent re-link
	if err := c.LinkProject(ctx, p.ID, frontend); err != nil {
		t.Fatalf("re-link: %v", err)
	}

	ids, err := c.ProjectIDs(ctx, p.ID)
	if err != nil {
		t.Fatalf("project ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 linked projects, got %d", len(ids))
	}
}

func TestUnlinkProject(t *testing.T) {
	c, st := setup(t)
	ctx := context.Background()
	p, _ := c.Ensure(ctx, "widgets")
	frontend := mustProject(t, st, "widgets-frontend")
	if err := c.LinkProject(ctx, p.ID, frontend); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := c.UnlinkProject(ctx, p.ID, frontend); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	ids, err := c.ProjectIDs(ctx, p.ID)
	if err != nil {
		t.Fatalf("project ids: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected 0 linked projects after unlink, got %d", len(ids))
	}
}

func TestByName_NotFound(t *testing.T) {
	c, _ := setup(t)
	if _, err := c.ByName(context.Background(), "missing"); err == nil {
		t.Error("expected not found error")
	}
}
