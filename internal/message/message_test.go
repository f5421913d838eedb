package message

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/contact"
	"github.com/agentmail-dev/agentmail/internal/gitarchive"
	"github.com/agentmail-dev/agentmail/internal/project"
	"github.com/agentmail-dev/agentmail/internal/repocache"
	"github.com/agentmail-dev/agentmail/internal/search"
	"github.com/agentmail-dev/agentmail/internal/store"
)

type fixture struct {
	ctrl      *Controller
	agents    *agent.Controller
	projects  *project.Controller
	projectID int64
	slug      string
	blue      int64
	red       int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	projects := project.New(st)
	p, err := projects.EnsureProject(context.Background(), "/repo/alpha")
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}

	agents := agent.New(st)
	contacts := contact.New(st)
	srch := search.New(st)
	archive := gitarchive.New(t.TempDir(), repocache.New(repocache.DefaultCapacity), nil)
	ctrl := New(st, agents, projects, contacts, archive, srch)

	mkAgent := func(name string) int64 {
		a, err := agents.Register(context.Background(), agent.RegisterOptions{
			ProjectID: p.ID, Name: name, Program: "claude", Model: "opus",
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		return a.ID
	}

	return &fixture{
		ctrl: ctrl, agents: agents, projects: projects, projectID: p.ID, slug: p.Slug,
		blue: mkAgent("BlueMountain"), red: mkAgent("RedCanyon"),
	}
}

func TestSend_DeliversToRecipientAndArchives(t *testing.T) {
	f := setup(t)
	res, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"},
		Subject: "hello", BodyMD: "hi there",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Message.ID == 0 {
		t.Fatal("expected a message id")
	}
	if res.ArchiveWarning != "" {
		t.Fatalf("unexpected archive warning: %s", res.ArchiveWarning)
	}

	inbox, err := f.ctrl.ListInbox(context.Background(), f.red, ListOptions{})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Subject != "hello" {
		t.Fatalf("inbox = %+v", inbox)
	}
}

func TestSend_RequiresAtLeastOneRecipient(t *testing.T) {
	f := setup(t)
	_, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, Subject: "x", BodyMD: "y",
	})
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindValidation {
		t.Fatalf("err = %v, want KindValidation", err)
	}
}

func TestSend_RejectsOversizedBody(t *testing.T) {
	f := setup(t)
	_, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"},
		Subject: "x", BodyMD: string(make([]byte, MaxBodyLength+1)),
	})
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindValidation {
		t.Fatalf("err = %v, want KindValidation", err)
	}
}

func TestSend_BlockedContactPolicyRejectsCrossProjectSend(t *testing.T) {
	f := setup(t)
	beta, err := f.projects.EnsureProject(context.Background(), "/repo/beta")
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}

	if _, err := f.agents.Register(context.Background(), agent.RegisterOptions{
		ProjectID: beta.ID, Name: "GuardedAgent", Program: "claude", Model: "opus",
		ContactPolicy: agent.PolicyBlockAll,
	}); err != nil {
		t.Fatalf("register guarded agent: %v", err)
	}

	_, err = f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{beta.Slug + ":GuardedAgent"},
		Subject: "x", BodyMD: "y",
	})
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindContactBlocked {
		t.Fatalf("err = %v, want KindContactBlocked", err)
	}
}

func TestMarkRead_IsIdempotent(t *testing.T) {
	f := setup(t)
	res, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"},
		Subject: "hello", BodyMD: "hi",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := f.ctrl.MarkRead(context.Background(), res.Message.ID, f.red); err != nil {
			t.Fatalf("mark read (pass %d): %v", i, err)
		}
	}

	inbox, err := f.ctrl.ListInbox(context.Background(), f.red, ListOptions{})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if inbox[0].ReadTS == nil {
		t.Fatal("expected read_ts to be set")
	}
}

func TestAcknowledge_BackfillsReadTS(t *testing.T) {
	f := setup(t)
	res, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"},
		Subject: "hello", BodyMD: "hi", AckRequired: true,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := f.ctrl.Acknowledge(context.Background(), res.Message.ID, f.red); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	inbox, err := f.ctrl.ListInbox(context.Background(), f.red, ListOptions{})
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if inbox[0].AckTS == nil || inbox[0].ReadTS == nil {
		t.Fatalf("expected both ack_ts and read_ts set, got %+v", inbox[0])
	}
}

func TestAcknowledge_RejectsNonRecipient(t *testing.T) {
	f := setup(t)
	res, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"},
		Subject: "hello", BodyMD: "hi",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	err = f.ctrl.Acknowledge(context.Background(), res.Message.ID, f.blue)
	if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindNotRecipient {
		t.Fatalf("err = %v, want KindNotRecipient", err)
	}
}

func TestReply_ThreadsUnderParentAndPrefixesSubject(t *testing.T) {
	f := setup(t)
	parent, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"}, ThreadID: "status-thread",
		Subject: "status update", BodyMD: "progress so far",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, err := f.ctrl.Reply(context.Background(), f.slug, ReplyOptions{
		ParentID: parent.Message.ID, SenderID: f.red, BodyMD: "thanks, noted",
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Message.Subject != "Re: status update" {
		t.Fatalf("subject = %q", reply.Message.Subject)
	}
	if reply.Message.ThreadID != parent.Message.ThreadID {
		t.Fatalf("thread_id = %q, want %q", reply.Message.ThreadID, parent.Message.ThreadID)
	}

	thread, err := f.ctrl.GetThread(context.Background(), f.projectID, reply.Message.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("thread length = %d, want 2", len(thread))
	}
}

func TestListThreads_OrdersNewestFirst(t *testing.T) {
	f := setup(t)
	first, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"}, ThreadID: "thread-a",
		Subject: "a", BodyMD: "a",
	})
	if err != nil {
		t.Fatalf("send a: %v", err)
	}
	_, err = f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"}, ThreadID: "thread-b",
		Subject: "b", BodyMD: "b",
	})
	if err != nil {
		t.Fatalf("send b: %v", err)
	}

	threads, err := f.ctrl.ListThreads(context.Background(), f.projectID)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 2 || threads[0] != "thread-b" {
		t.Fatalf("threads = %v, want [thread-b thread-a] (newest first); first msg id=%d", threads, first.Message.ID)
	}
}

func TestSummarizeThreads_RecordsPerThreadErrorsWithoutAbortingBatch(t *testing.T) {
	f := setup(t)
	_, err := f.ctrl.Send(context.Background(), f.slug, SendOptions{
		ProjectID: f.projectID, SenderID: f.blue, To: []string{"RedCanyon"}, ThreadID: "thread-ok",
		Subject: "fine", BodyMD: "fine",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	summarizer := failingSummarizer{failFor: "thread-missing"}
	summaries, errs := f.ctrl.SummarizeThreads(context.Background(), f.projectID,
		[]string{"thread-ok", "thread-missing"}, summarizer, false, 100)

	if len(summaries) != 1 || summaries[0].ThreadID != "thread-ok" {
		t.Fatalf("summaries = %+v", summaries)
	}
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly 1", errs)
	}
}

type failingSummarizer struct{ failFor string }

func (f failingSummarizer) Summarize(ctx context.Context, threadID string, messages []Message, maxLength int) (string, error) {
	if threadID == f.failFor {
		return "", apierr.SearchBackend("summarizer unavailable")
	}
	return "summary of " + threadID, nil
}
