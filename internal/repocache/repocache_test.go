package repocache

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesAndCaches(t *testing.T) {
	c := New(8)
	dir := filepath.Join(t.TempDir(), "alpha")
	ctx := context.Background()

	r1, err := c.Open(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r2, err := c.Open(ctx, dir)
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if r1 != r2 {
		t.Error("expected second open to return the cached entry")
	}
}

func TestEviction_RespectsCapacity(t *testing.T) {
	c := New(2)
	ctx := context.Background()
	base := t.TempDir()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := c.Open(ctx, filepath.Join(base, name)); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	if c.Len() > 2 {
		t.Errorf("expected capacity to cap length at 2, got %d", c.Len())
	}
	if _, ok := c.Peek(filepath.Join(base, "a")); ok {
		t.Error("expected least-recently-used entry 'a' to have been evicted")
	}
}

func TestPeek_MissingReturnsFalse(t *testing.T) {
	c := New(4)
	if _, ok := c.Peek("/nonexistent"); ok {
		t.Error("expected peek on empty cache to miss")
	}
}

func TestEvict_RemovesEntry(t *testing.T) {
	c := New(4)
	dir := filepath.Join(t.TempDir(), "alpha")
	if _, err := c.Open(context.Background(), dir); err != nil {
		t.Fatalf("open: %v", err)
	}
	c.Evict(dir)
	if _, ok := c.Peek(dir); ok {
		t.Error("expected entry removed after Evict")
	}
}
