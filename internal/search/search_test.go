package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentmail-dev/agentmail/internal/message"
	"github.com/agentmail-dev/agentmail/internal/store"
)

func setup(t *testing.T) (*store.Store, *Controller) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, New(st)
}

func seedMessage(t *testing.T, st *store.Store, c *Controller, subject, body string) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := st.DB().Exec("INSERT INTO projects (slug, human_key, created_at) VALUES (?,?,?)",
		"alpha", "/repo/alpha", store.FormatTS(store.Now()))
	if err != nil {
		t.Fatal(err)
	}
	pid, _ := res.LastInsertId()
	ares, err := st.DB().Exec(`INSERT INTO agents (project_id, name, program, model, task_description,
		contact_policy, last_active_ts) VALUES (?,?,?,?,?,?,?)`,
		pid, "BlueMountain", "claude", "opus", "", "open", store.FormatTS(store.Now()))
	if err != nil {
		t.Fatal(err)
	}
	aid, _ := ares.LastInsertId()

	var msgID int64
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		mres, err := tx.Exec(ctx, `INSERT INTO messages (project_id, sender_id, subject, body_md, thread_id,
			importance, ack_required, created_ts) VALUES (?,?,?,?,?,?,?,?)`,
			pid, aid, subject, body, "", "normal", 0, store.FormatTS(store.Now()))
		if err != nil {
			return err
		}
		msgID, err = mres.LastInsertId()
		if err != nil {
			return err
		}
		return c.IndexMessage(ctx, tx, &message.Message{ID: msgID, Subject: subject, BodyMD: body}, "BlueMountain", nil)
	})
	if err != nil {
		t.Fatal(err)
	}
	return msgID
}

func TestSearch_FindsIndexedMessage(t *testing.T) {
	st, c := setup(t)
	seedMessage(t, st, c, "hi", "# hello world")

	results, err := c.Search(context.Background(), 1, "hello", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d: %+v", len(results), results)
	}
	if results[0].Subject != "hi" {
		t.Errorf("Subject = %q, want hi", results[0].Subject)
	}
}

func TestSearch_LeadingWildcardDegrades(t *testing.T) {
	st, c := setup(t)
	seedMessage(t, st, c, "hi", "# hello world")

	results, err := c.Search(context.Background(), 1, "*", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected degraded empty result for '*', got %d", len(results))
	}
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	_, c := setup(t)
	if _, err := c.Search(context.Background(), 1, "   ", Options{}); err == nil {
		t.Error("expected validation error for empty query")
	}
}

func TestSearch_NeverPanicsOnDegenerateInput(t *testing.T) {
	_, c := setup(t)
	for _, q := range []string{"**", `"`, "foo AND OR bar"} {
		if _, err := c.Search(context.Background(), 1, q, Options{}); err != nil {
			t.Errorf("Search(%q) returned transport-level error, want graceful degrade: %v", q, err)
		}
	}
}
