package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentmail-dev/agentmail/internal/apierr"
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

func mustProject(t *testing.T, st *store.Store) int64 {
	t.Helper()
	res, err := st.DB().Exec("INSERT INTO projects (slug, human_key, created_at) VALUES (?,?,?)",
		"alpha", "/repo/alpha", store.FormatTS(store.Now()))
	if err != nil {
		t.Fatal(err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestRegister_ExplicitNameAndWhois(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()
	pid := mustProject(t, c.st)

	a, err := c.Register(ctx, RegisterOptions{ProjectID: pid, Name: "BlueMountain", Program: "claude", Model: "opus"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Name != "BlueMountain" {
		t.Fatalf("Name = %q", a.Name)
	}

	who, err := c.ByName(ctx, pid, "BlueMountain")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if who.ID != a.ID {
		t.Errorf("whois mismatch: %d != %d", who.ID, a.ID)
	}
}

func TestRegister_AutoMintsUniqueNames(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()
	pid := mustProject(t, c.st)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		a, err := c.Register(ctx, RegisterOptions{ProjectID: pid})
		if err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
		if seen[a.Name] {
			t.Fatalf("duplicate minted name %q", a.Name)
		}
		seen[a.Name] = true
	}
}

func TestRegister_RejectsInvalidName(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()
	pid := mustProject(t, c.st)

	_, err := c.Register(ctx, RegisterOptions{ProjectID: pid, Name: "blue-mountain.1"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ae.Fields["suggestion"] != "blue_mountain_1" {
		t.Errorf("suggestion = %v, want blue_mountain_1", ae.Fields["suggestion"])
	}
}

func TestRegister_SameNameReturnsExisting(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()
	pid := mustProject(t, c.st)

	a1, err := c.Register(ctx, RegisterOptions{ProjectID: pid, Name: "GreenCastle"})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := c.Register(ctx, RegisterOptions{ProjectID: pid, Name: "GreenCastle"})
	if err != nil {
		t.Fatal(err)
	}
	if a1.ID != a2.ID {
		t.Errorf("expected reuse of existing agent, got distinct ids %d %d", a1.ID, a2.ID)
	}
}
