package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/buildslot"
	"github.com/agentmail-dev/agentmail/internal/contact"
	"github.com/agentmail-dev/agentmail/internal/gitarchive"
	"github.com/agentmail-dev/agentmail/internal/message"
	"github.com/agentmail-dev/agentmail/internal/product"
	"github.com/agentmail-dev/agentmail/internal/project"
	"github.com/agentmail-dev/agentmail/internal/repocache"
	"github.com/agentmail-dev/agentmail/internal/reserve"
	"github.com/agentmail-dev/agentmail/internal/search"
	"github.com/agentmail-dev/agentmail/internal/store"
)

// setup wires a full Services against a real sqlite-backed Store and a real
// (temp-dir) git archive mirror, mirroring how the entity controllers'
// own tests avoid mocking their storage layer.
func setup(t *testing.T) *Services {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	projects := project.New(st)
	agents := agent.New(st)
	contacts := contact.New(st)
	srch := search.New(st)
	archive := gitarchive.New(t.TempDir(), repocache.New(repocache.DefaultCapacity), nil)
	messages := message.New(st, agents, projects, contacts, archive, srch)

	return &Services{
		Projects:   projects,
		Agents:     agents,
		Messages:   messages,
		Search:     srch,
		Reserve:    reserve.New(st),
		BuildSlots: buildslot.New(st),
		Contacts:   contacts,
		Products:   product.New(st),
		Archive:    archive,
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	s := setup(t)
	_, err := Dispatch(context.Background(), s, "no_such_tool", Request{})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDispatch_EnsureProjectAndRegisterAgent(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	out, err := Dispatch(ctx, s, "ensure_project", Request{Args: Args{"human_key": "/repo/alpha"}})
	if err != nil {
		t.Fatalf("ensure_project: %v", err)
	}
	p := out.(*project.Project)
	if p.Slug != "alpha" {
		t.Fatalf("slug = %q, want alpha", p.Slug)
	}

	out, err = Dispatch(ctx, s, "register_agent", Request{Args: Args{
		"project_slug": "alpha", "name": "BlueMountain",
	}})
	if err != nil {
		t.Fatalf("register_agent: %v", err)
	}
	a := out.(*agent.Agent)
	if a.Name != "BlueMountain" {
		t.Fatalf("name = %q, want BlueMountain", a.Name)
	}
}

func TestDispatch_SendMessageAndListInbox(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	mustDispatch(t, s, "ensure_project", Args{"human_key": "/repo/alpha"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "BlueMountain"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "GreenCastle"})

	_, err := Dispatch(ctx, s, "send_message", Request{Args: Args{
		"project_slug": "alpha", "sender": "BlueMountain", "to": []any{"GreenCastle"},
		"subject": "hello", "body_md": "body text",
	}})
	if err != nil {
		t.Fatalf("send_message: %v", err)
	}

	out, err := Dispatch(ctx, s, "list_inbox", Request{Args: Args{
		"project_slug": "alpha", "agent_name": "GreenCastle",
	}})
	if err != nil {
		t.Fatalf("list_inbox: %v", err)
	}
	inbox := out.([]message.InboxEntry)
	if len(inbox) != 1 || inbox[0].Subject != "hello" {
		t.Fatalf("inbox = %+v, want one 'hello' entry", inbox)
	}
}

func TestDispatch_AgentNotFoundSuggestsSimilarName(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	mustDispatch(t, s, "ensure_project", Args{"human_key": "/repo/alpha"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "BlueMountain"})

	_, err := Dispatch(ctx, s, "whoami", Request{Args: Args{
		"project_slug": "alpha", "agent_name": "BlueMountian",
	}})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	similar, _ := ae.Fields["similar"].([]string)
	if len(similar) == 0 || similar[0] != "BlueMountain" {
		t.Fatalf("expected BlueMountain as nearest suggestion, got %v", similar)
	}
}

func TestDispatch_ReservePathsConflict(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	mustDispatch(t, s, "ensure_project", Args{"human_key": "/repo/alpha"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "BlueMountain"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "GreenCastle"})

	_, err := Dispatch(ctx, s, "reserve_paths", Request{Args: Args{
		"project_slug": "alpha", "agent_name": "BlueMountain", "paths": []any{"src/a.go"},
	}})
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	res, err := Dispatch(ctx, s, "reserve_paths", Request{Args: Args{
		"project_slug": "alpha", "agent_name": "GreenCastle", "paths": []any{"src/a.go"},
	}})
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	result, ok := res.(*reserve.ReserveResult)
	if !ok || len(result.Granted) != 0 || len(result.Conflicts) != 1 || result.Conflicts[0].HolderAgent != "BlueMountain" {
		t.Fatalf("expected nothing granted and one conflict held by BlueMountain, got %+v", res)
	}
}

func TestDispatch_ForceReleaseNotifiesHolder(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	mustDispatch(t, s, "ensure_project", Args{"human_key": "/repo/alpha"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "BlueMountain"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "Overseer"})

	out := mustDispatch(t, s, "reserve_paths", Args{
		"project_slug": "alpha", "agent_name": "BlueMountain", "paths": []any{"src/a.go"},
	})
	rr := out.(*reserve.ReserveResult)
	rsvID := rr.Granted[0].ID

	_, err := Dispatch(ctx, s, "force_release_reservation", Request{Args: Args{
		"project_slug": "alpha", "reservation_id": rsvID, "reason": "stuck build",
		"notify_previous": true,
	}})
	if err != nil {
		t.Fatalf("force_release_reservation: %v", err)
	}

	out = mustDispatch(t, s, "list_inbox", Args{"project_slug": "alpha", "agent_name": "BlueMountain"})
	inbox := out.([]message.InboxEntry)
	if len(inbox) != 1 || inbox[0].Subject != "Reservation force-released" {
		t.Fatalf("expected a force-release notice in BlueMountain's inbox, got %+v", inbox)
	}
}

func TestDispatch_WorktreeToolsGatedByFlag(t *testing.T) {
	s := setup(t)
	s.WorktreesEnabled = false

	_, err := Dispatch(context.Background(), s, "acquire_build_slot", Request{Args: Args{}})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.KindNotFound {
		t.Fatalf("expected build slot tool hidden when worktrees disabled, got %v", err)
	}

	s.WorktreesEnabled = true
	if _, ok := Find("acquire_build_slot", s.WorktreesEnabled); !ok {
		t.Fatal("expected acquire_build_slot to be enabled once worktrees are on")
	}
}

func TestDispatch_RegisterAndReserveMirrorToArchive(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	projects := project.New(st)
	agents := agent.New(st)
	contacts := contact.New(st)
	srch := search.New(st)
	archiveRoot := t.TempDir()
	archive := gitarchive.New(archiveRoot, repocache.New(repocache.DefaultCapacity), nil)
	messages := message.New(st, agents, projects, contacts, archive, srch)

	s := &Services{
		Projects: projects, Agents: agents, Messages: messages, Search: srch,
		Reserve: reserve.New(st), BuildSlots: buildslot.New(st), Contacts: contacts,
		Products: product.New(st), Archive: archive,
	}
	ctx := context.Background()

	mustDispatch(t, s, "ensure_project", Args{"human_key": "/repo/alpha"})
	mustDispatch(t, s, "register_agent", Args{"project_slug": "alpha", "name": "BlueMountain"})

	profilePath := filepath.Join(archiveRoot, "projects", "alpha", "agents", "BlueMountain", "profile.json")
	if _, err := os.Stat(profilePath); err != nil {
		t.Fatalf("expected agent profile archived: %v", err)
	}

	out := mustDispatch(t, s, "reserve_paths", Args{
		"project_slug": "alpha", "agent_name": "BlueMountain", "paths": []any{"src/a.go"},
	})
	rr := out.(*reserve.ReserveResult)
	if len(rr.Granted) != 1 {
		t.Fatalf("expected one granted reservation, got %+v", rr)
	}

	entries, err := filepath.Glob(filepath.Join(archiveRoot, "projects", "alpha", "file_reservations", "*.json"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one reservation file archived, got %v (err=%v)", entries, err)
	}

	_, err = Dispatch(ctx, s, "release_reservation", Request{Args: Args{
		"project_slug": "alpha", "agent_name": "BlueMountain", "reservation_id": rr.Granted[0].ID,
	}})
	if err != nil {
		t.Fatalf("release_reservation: %v", err)
	}

	entries, err = filepath.Glob(filepath.Join(archiveRoot, "projects", "alpha", "file_reservations", "*.json"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected release to overwrite the same reservation file, got %v (err=%v)", entries, err)
	}
}

func mustDispatch(t *testing.T, s *Services, name string, args Args) any {
	t.Helper()
	out, err := Dispatch(context.Background(), s, name, Request{Args: args})
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}
