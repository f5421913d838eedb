package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/events"
	"github.com/agentmail-dev/agentmail/internal/gitarchive"
	"github.com/agentmail-dev/agentmail/internal/message"
	"github.com/agentmail-dev/agentmail/internal/ratelimit"
	"github.com/agentmail-dev/agentmail/internal/reserve"
	"github.com/agentmail-dev/agentmail/internal/search"
	"github.com/agentmail-dev/agentmail/internal/validate"
)

// archiveAgentProfile mirrors a's profile to the git archive, best-effort:
// a failure is logged, never surfaced, matching message archiving's "SQL is
// truth" posture (spec §9).
func archiveAgentProfile(ctx context.Context, s *Services, projectSlug string, a *agent.Agent) {
	if s.Archive == nil || a == nil {
		return
	}
	err := s.Archive.ArchiveAgentProfile(ctx, projectSlug, gitarchive.AgentProfile{
		Name: a.Name, Program: a.Program, Model: a.Model,
		TaskDescription: a.TaskDescription, ContactPolicy: string(a.ContactPolicy),
		LastActiveTS: a.LastActiveTS,
	})
	if err != nil {
		slog.Warn("agent profile archive failed", "project", projectSlug, "agent", a.Name, "error", err)
	}
}

// archiveReservation mirrors a reservation's current state to the git
// archive, best-effort for the same reason archiveAgentProfile is.
func archiveReservation(ctx context.Context, s *Services, projectSlug, agentName string, r *reserve.Reservation) {
	if s.Archive == nil || r == nil {
		return
	}
	err := s.Archive.ArchiveReservation(ctx, projectSlug, gitarchive.ReservationRecord{
		ID: r.ID, AgentName: agentName, PathPattern: r.PathPattern, Exclusive: r.Exclusive,
		Reason: r.Reason, CreatedTS: r.CreatedTS, ExpiresTS: r.ExpiresTS, ReleasedTS: r.ReleasedTS,
	})
	if err != nil {
		slog.Warn("reservation archive failed", "project", projectSlug, "reservation_id", r.ID, "error", err)
	}
}

// coreTools is the always-registered half of the catalog: entities that
// don't depend on the worktree-features toggle.
var coreTools = []Tool{
	{
		Name:        "ensure_project",
		Description: "Create or reuse a project namespace keyed by a human-readable path or name.",
		Category:    ratelimit.CategoryWrite,
		Schema: schema("human_key"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			p, err := s.Projects.EnsureProject(ctx, req.Args.str("human_key"))
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	},
	{
		Name:        "register_agent",
		Description: "Register (or reuse) an agent identity within a project, optionally auto-minting a name.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "name?", "program?", "model?", "task_description?", "contact_policy?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			a, err := s.Agents.Register(ctx, agent.RegisterOptions{
				ProjectID:       pid,
				Name:            req.Args.str("name"),
				Program:         req.Args.str("program"),
				Model:           req.Args.str("model"),
				TaskDescription: req.Args.str("task_description"),
				ContactPolicy:   agent.ContactPolicy(req.Args.str("contact_policy")),
			})
			if err != nil {
				return nil, err
			}
			archiveAgentProfile(ctx, s, req.Args.str("project_slug"), a)
			return a, nil
		},
	},
	{
		Name:        "whoami",
		Description: "Return the calling agent's own profile.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "agent_name"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
			if err != nil {
				return nil, err
			}
			return s.Agents.ByID(ctx, aid)
		},
	},
	{
		Name:        "send_message",
		Description: "Send a message to one or more recipients, archiving it to the project's git mirror.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "sender", "to", "cc?", "bcc?", "subject", "body_md", "thread_id?", "importance?", "ack_required?"),
		Handler:     handleSendMessage,
	},
	{
		Name:        "reply_message",
		Description: "Reply to an existing message, inheriting its thread and prefixing Re: on the subject.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "parent_id", "sender", "body_md", "to?", "cc?", "bcc?", "importance?", "ack_required?"),
		Handler:     handleReplyMessage,
	},
	{
		Name:        "list_inbox",
		Description: "List messages delivered to an agent, newest first.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "agent_name", "unread_only?", "limit?", "cursor_ts?", "cursor_id?"),
		Handler:     handleListInbox,
	},
	{
		Name:        "fetch_inbox",
		Description: "Alias of list_inbox used by the session-start macros.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "agent_name", "unread_only?", "limit?"),
		Handler:     handleListInbox,
	},
	{
		Name:        "list_outbox",
		Description: "List messages sent by an agent, newest first.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "agent_name", "limit?", "cursor_ts?", "cursor_id?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
			if err != nil {
				return nil, err
			}
			return s.Messages.ListOutbox(ctx, aid, listOptions(req.Args))
		},
	},
	{
		Name:        "mark_read",
		Description: "Mark a message as read by its recipient. Idempotent.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "message_id", "agent_name"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			return receiptHandler(ctx, s, req, s.Messages.MarkRead)
		},
	},
	{
		Name:        "acknowledge",
		Description: "Acknowledge a message, backfilling read_ts if unset. Idempotent.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "message_id", "agent_name"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			return receiptHandler(ctx, s, req, s.Messages.Acknowledge)
		},
	},
	{
		Name:        "get_thread",
		Description: "Return every message sharing a thread_id, ordered by created_ts then id.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "thread_id"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			threadID := req.Args.str("thread_id")
			if fail := validate.ThreadID("thread_id", threadID); fail != nil {
				return nil, apierr.Validation(*fail)
			}
			return s.Messages.GetThread(ctx, pid, threadID)
		},
	},
	{
		Name:        "list_threads",
		Description: "List distinct thread_id values for a project, newest activity first.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return s.Messages.ListThreads(ctx, pid)
		},
	},
	{
		Name:        "summarize_threads",
		Description: "Summarize one or more threads via the configured external summarizer.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "thread_ids", "include_messages?", "max_length?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			ids := req.Args.stringList("thread_ids")
			if len(ids) == 0 {
				if id := req.Args.str("thread_id"); id != "" {
					ids = []string{id}
				}
			}
			maxLen := req.Args.intOr("max_length", 2000)
			summaries, errs := s.Messages.SummarizeThreads(ctx, pid, ids, s.Summarizer, req.Args.boolOr("include_messages", false), maxLen)
			return map[string]any{"summaries": summaries, "errors": errs}, nil
		},
	},
	{
		Name:        "search_messages",
		Description: "Full-text search over a project's messages, BM25-ranked.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "query", "limit?", "offset?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return s.Search.Search(ctx, pid, req.Args.str("query"), searchpkgOptions(req.Args))
		},
	},
	{
		Name:        "reserve_paths",
		Description: "Reserve one or more path globs, exclusive or shared, with a TTL. All-or-nothing.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "agent_name", "paths", "ttl_seconds?", "exclusive?", "reason?"),
		Handler:     handleReservePaths,
	},
	{
		Name:        "list_reservations",
		Description: "List reservations for a project, optionally active-only.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "active_only?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return s.Reserve.List(ctx, pid, req.Args.boolOr("active_only", true))
		},
	},
	{
		Name:        "release_reservation",
		Description: "Release a reservation held by the calling agent.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "reservation_id", "agent_name"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			slug := req.Args.str("project_slug")
			pid, err := projectID(ctx, s, slug)
			if err != nil {
				return nil, err
			}
			agentName := req.Args.str("agent_name")
			aid, err := resolveAgentID(ctx, s, pid, agentName)
			if err != nil {
				return nil, err
			}
			rid := req.Args.int64Or("reservation_id", 0)
			if err := s.Reserve.Release(ctx, rid, aid); err != nil {
				return nil, err
			}
			if rsv, getErr := s.Reserve.Get(ctx, rid); getErr == nil {
				archiveReservation(ctx, s, slug, agentName, rsv)
			}
			s.emit(events.NewReservationEvent(events.EventReservationReleased, slug, rid, agentName, ""))
			return nil, nil
		},
	},
	{
		Name:        "force_release_reservation",
		Description: "Privileged override: release a reservation regardless of holder, optionally notifying them.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "reservation_id", "reason?", "notify_previous?"),
		Handler:     handleForceRelease,
	},
	{
		Name:        "renew_reservation",
		Description: "Extend a reservation's TTL, relative to now.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "reservation_id", "agent_name", "ttl_seconds"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
			if err != nil {
				return nil, err
			}
			rsv, err := s.Reserve.Renew(ctx, req.Args.int64Or("reservation_id", 0), aid, req.Args.intOr("ttl_seconds", 0))
			if err != nil {
				return nil, err
			}
			archiveReservation(ctx, s, req.Args.str("project_slug"), req.Args.str("agent_name"), rsv)
			return rsv, nil
		},
	},
	{
		Name:        "check_reservations",
		Description: "Check candidate paths for conflicts against active reservations. Used by the guard hook.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "candidate_paths", "requesting_agent"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return s.Reserve.Check(ctx, pid, req.Args.stringList("candidate_paths"), req.Args.str("requesting_agent"))
		},
	},
	{
		Name:        "request_contact",
		Description: "Request a Contact link to another agent, possibly in a different project.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "requester_agent", "target_agent", "target_project_slug?"),
		Handler:     handleRequestContact,
	},
	{
		Name:        "accept_contact",
		Description: "Accept a pending contact request.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("contact_id"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			return s.Contacts.Accept(ctx, req.Args.int64Or("contact_id", 0))
		},
	},
	{
		Name:        "block_contact",
		Description: "Block a contact, terminal regardless of prior status.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("contact_id"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			return s.Contacts.Block(ctx, req.Args.int64Or("contact_id", 0))
		},
	},
	{
		Name:        "macro_contact_handshake",
		Description: "Composite: request a contact, auto-accepting on mutual consent, optionally sending a welcome message.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "requester_agent", "target_agent", "target_project_slug?", "auto_accept?", "welcome_body?"),
		Handler:     handleContactHandshake,
	},
	{
		Name:        "send_overseer_message",
		Description: "Privileged broadcast from the Overseer identity, bypassing contact_policy, marked importance=high.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("project_slug", "to", "cc?", "subject", "body_md", "thread_id?"),
		Handler:     handleOverseerSend,
	},
	{
		Name:        "macro_start_session",
		Description: "Composite: ensure project, register-or-reuse an agent, reserve starting paths, fetch inbox.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("human_key", "agent_name?", "program?", "model?", "task_description?", "starting_paths?", "ttl_seconds?"),
		Handler:     handleStartSession,
	},
	{
		Name:        "macro_prepare_thread",
		Description: "Composite, read-only: resolve agent, summarize a thread, return recent messages plus current inbox.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema("project_slug", "agent_name", "thread_id", "max_length?"),
		Handler:     handlePrepareThread,
	},
	{
		Name:        "ensure_product",
		Description: "Create or reuse a named cross-project grouping.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("name"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			return s.Products.Ensure(ctx, req.Args.str("name"))
		},
	},
	{
		Name:        "link_project",
		Description: "Link a project into a product's cross-project grouping.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("product_id", "project_slug"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return nil, s.Products.LinkProject(ctx, req.Args.int64Or("product_id", 0), pid)
		},
	},
	{
		Name:        "unlink_project",
		Description: "Remove a project from a product's cross-project grouping.",
		Category:    ratelimit.CategoryWrite,
		Schema:      schema("product_id", "project_slug"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return nil, s.Products.UnlinkProject(ctx, req.Args.int64Or("product_id", 0), pid)
		},
	},
	{
		Name:        "list_products",
		Description: "List every product grouping.",
		Category:    ratelimit.CategoryRead,
		Schema:      schema(),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			return s.Products.List(ctx)
		},
	},
}

// worktreeTools are registered only when WORKTREES_ENABLED or its alias
// GIT_IDENTITY_ENABLED parses truthy (spec §4.8).
var worktreeTools = []Tool{
	{
		Name:        "acquire_build_slot",
		Description: "Acquire the single active build slot of a given type for a project.",
		Category:    ratelimit.CategoryWrite,
		Worktree:    true,
		Schema:      schema("project_slug", "agent_name", "slot_type", "ttl_seconds?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
			if err != nil {
				return nil, err
			}
			return s.BuildSlots.Acquire(ctx, pid, aid, req.Args.str("slot_type"), req.Args.intOr("ttl_seconds", 3600))
		},
	},
	{
		Name:        "release_build_slot",
		Description: "Release a build slot held by the calling agent.",
		Category:    ratelimit.CategoryWrite,
		Worktree:    true,
		Schema:      schema("project_slug", "slot_id", "agent_name"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
			if err != nil {
				return nil, err
			}
			return nil, s.BuildSlots.Release(ctx, req.Args.int64Or("slot_id", 0), aid)
		},
	},
	{
		Name:        "list_build_slots",
		Description: "List build slots for a project, optionally active-only.",
		Category:    ratelimit.CategoryRead,
		Worktree:    true,
		Schema:      schema("project_slug", "active_only?"),
		Handler: func(ctx context.Context, s *Services, req Request) (any, error) {
			pid, err := projectID(ctx, s, req.Args.str("project_slug"))
			if err != nil {
				return nil, err
			}
			return s.BuildSlots.List(ctx, pid, req.Args.boolOr("active_only", true))
		},
	},
}

// schema builds a minimal JSON-schema-shaped description from a list of
// field names; a trailing "?" marks a field optional. This is documentation
// for tools/list and REST route docs only — see Tool's doc comment.
func schema(fields ...string) map[string]any {
	props := map[string]any{}
	var required []string
	for _, f := range fields {
		name := f
		optional := false
		if len(f) > 0 && f[len(f)-1] == '?' {
			name = f[:len(f)-1]
			optional = true
		}
		props[name] = map[string]any{"type": "string"}
		if !optional {
			required = append(required, name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func listOptions(a Args) message.ListOptions {
	return message.ListOptions{
		UnreadOnly: a.boolOr("unread_only", false),
		Limit:      a.intOr("limit", 50),
		CursorTS:   a.str("cursor_ts"),
		CursorID:   a.int64Or("cursor_id", 0),
	}
}

func handleListInbox(ctx context.Context, s *Services, req Request) (any, error) {
	pid, err := projectID(ctx, s, req.Args.str("project_slug"))
	if err != nil {
		return nil, err
	}
	aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
	if err != nil {
		return nil, err
	}
	return s.Messages.ListInbox(ctx, aid, listOptions(req.Args))
}

func receiptHandler(ctx context.Context, s *Services, req Request, fn func(context.Context, int64, int64) error) (any, error) {
	pid, err := projectID(ctx, s, req.Args.str("project_slug"))
	if err != nil {
		return nil, err
	}
	aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
	if err != nil {
		return nil, err
	}
	msgID := req.Args.int64Or("message_id", 0)
	if err := fn(ctx, msgID, aid); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleSendMessage(ctx context.Context, s *Services, req Request) (any, error) {
	slug := req.Args.str("project_slug")
	pid, err := projectID(ctx, s, slug)
	if err != nil {
		return nil, err
	}
	senderID, err := resolveAgentID(ctx, s, pid, req.Args.str("sender"))
	if err != nil {
		return nil, err
	}
	to := req.Args.stringList("to")
	result, err := s.Messages.Send(ctx, slug, message.SendOptions{
		ProjectID:   pid,
		SenderID:    senderID,
		To:          to,
		CC:          req.Args.stringList("cc"),
		BCC:         req.Args.stringList("bcc"),
		Subject:     req.Args.str("subject"),
		BodyMD:      req.Args.str("body_md"),
		ThreadID:    req.Args.str("thread_id"),
		Importance:  message.Importance(req.Args.str("importance")),
		AckRequired: req.Args.boolOr("ack_required", false),
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.NewMessageEvent(slug, result.Message.ID, result.Message.ThreadID,
		req.Args.str("sender"), to, string(result.Message.Importance)))
	return result, nil
}

func handleReplyMessage(ctx context.Context, s *Services, req Request) (any, error) {
	slug := req.Args.str("project_slug")
	pid, err := projectID(ctx, s, slug)
	if err != nil {
		return nil, err
	}
	senderID, err := resolveAgentID(ctx, s, pid, req.Args.str("sender"))
	if err != nil {
		return nil, err
	}
	to := req.Args.stringList("to")
	result, err := s.Messages.Reply(ctx, slug, message.ReplyOptions{
		ParentID:    req.Args.int64Or("parent_id", 0),
		SenderID:    senderID,
		BodyMD:      req.Args.str("body_md"),
		To:          to,
		CC:          req.Args.stringList("cc"),
		BCC:         req.Args.stringList("bcc"),
		Importance:  message.Importance(req.Args.str("importance")),
		AckRequired: req.Args.boolOr("ack_required", false),
	})
	if err != nil {
		return nil, err
	}
	s.emit(events.NewMessageEvent(slug, result.Message.ID, result.Message.ThreadID,
		req.Args.str("sender"), to, string(result.Message.Importance)))
	return result, nil
}

func handleReservePaths(ctx context.Context, s *Services, req Request) (any, error) {
	slug := req.Args.str("project_slug")
	pid, err := projectID(ctx, s, slug)
	if err != nil {
		return nil, err
	}
	agentName := req.Args.str("agent_name")
	aid, err := resolveAgentID(ctx, s, pid, agentName)
	if err != nil {
		return nil, err
	}
	paths, err := validatedRelativePaths("paths", req.Args.stringList("paths"))
	if err != nil {
		return nil, err
	}
	ttl, fail := validate.TTLSeconds("ttl_seconds", req.Args.intOr("ttl_seconds", 3600), 60, 604_800)
	if fail != nil {
		return nil, apierr.Validation(*fail)
	}
	result, err := s.Reserve.Reserve(ctx, pid, aid, paths, ttl, req.Args.boolOr("exclusive", true), req.Args.str("reason"))
	if err != nil {
		return nil, err
	}
	for _, r := range result.Granted {
		r := r
		archiveReservation(ctx, s, slug, agentName, &r)
		s.emit(events.NewReservationEvent(events.EventReservationGranted, slug, r.ID, agentName, r.PathPattern))
	}
	for _, c := range result.Conflicts {
		s.emit(events.NewReservationConflictEvent(slug, agentName, c.Path, c.HolderAgent))
	}
	return result, nil
}

func handleForceRelease(ctx context.Context, s *Services, req Request) (any, error) {
	rsv, err := s.Reserve.ForceRelease(ctx, req.Args.int64Or("reservation_id", 0), req.Args.str("reason"))
	if err != nil {
		return nil, err
	}
	if req.Args.boolOr("notify_previous", false) {
		notifyHolderOfForceRelease(ctx, s, rsv, req.Args.str("reason"))
	}
	if holder, holderErr := s.Agents.ByID(ctx, rsv.AgentID); holderErr == nil {
		if p, projErr := s.Projects.ByID(ctx, rsv.ProjectID); projErr == nil {
			archiveReservation(ctx, s, p.Slug, holder.Name, rsv)
			s.emit(events.NewReservationEvent(events.EventReservationReleased, p.Slug, rsv.ID, holder.Name, rsv.PathPattern))
		}
	}
	return rsv, nil
}

// notifyHolderOfForceRelease sends the previous holder a system message
// from the Overseer identity (spec §C.5's notify_previous). Best-effort:
// failures here must not fail the force-release call itself, mirroring the
// archive's own best-effort posture.
func notifyHolderOfForceRelease(ctx context.Context, s *Services, rsv *reserve.Reservation, reason string) {
	holder, err := s.Agents.ByID(ctx, rsv.AgentID)
	if err != nil {
		return
	}
	overseer, err := s.Agents.ByName(ctx, rsv.ProjectID, agent.OverseerName)
	if err != nil {
		return
	}
	p, err := s.Projects.ByID(ctx, rsv.ProjectID)
	if err != nil {
		return
	}
	_, _ = s.Messages.Send(ctx, p.Slug, message.SendOptions{
		ProjectID:  rsv.ProjectID,
		SenderID:   overseer.ID,
		To:         []string{holder.Name},
		Subject:    "Reservation force-released",
		BodyMD:     fmt.Sprintf("Your reservation was force-released: %s", reason),
		Importance: message.High,
	})
}

func handleRequestContact(ctx context.Context, s *Services, req Request) (any, error) {
	requesterID, targetID, _, err := resolveContactPair(ctx, s, req)
	if err != nil {
		return nil, err
	}
	return s.Contacts.Request(ctx, requesterID, targetID)
}

func resolveContactPair(ctx context.Context, s *Services, req Request) (requesterID, targetID, targetProjectID int64, err error) {
	pid, err := projectID(ctx, s, req.Args.str("project_slug"))
	if err != nil {
		return 0, 0, 0, err
	}
	requesterID, err = resolveAgentID(ctx, s, pid, req.Args.str("requester_agent"))
	if err != nil {
		return 0, 0, 0, err
	}
	targetProjectID = pid
	if slug := req.Args.str("target_project_slug"); slug != "" {
		targetProjectID, err = projectID(ctx, s, slug)
		if err != nil {
			return 0, 0, 0, err
		}
	}
	targetID, err = resolveAgentID(ctx, s, targetProjectID, req.Args.str("target_agent"))
	if err != nil {
		return 0, 0, 0, err
	}
	return requesterID, targetID, targetProjectID, nil
}

func handleContactHandshake(ctx context.Context, s *Services, req Request) (any, error) {
	requesterID, targetID, targetProjectID, err := resolveContactPair(ctx, s, req)
	if err != nil {
		return nil, err
	}
	created, err := s.Contacts.Request(ctx, requesterID, targetID)
	if err != nil {
		return nil, err
	}
	var contactRecord any = created
	if req.Args.boolOr("auto_accept", false) {
		accepted, acceptErr := s.Contacts.Accept(ctx, created.ID)
		if acceptErr == nil {
			contactRecord = accepted
			if welcome := req.Args.str("welcome_body"); welcome != "" {
				if err := sendWelcomeMessage(ctx, s, req, requesterID, targetProjectID, welcome); err != nil {
					slog.Warn("contact handshake welcome message failed", "error", err)
				}
			}
		}
	}
	return contactRecord, nil
}

// sendWelcomeMessage sends the handshake's welcome note from the requester to
// the already-resolved target agent. targetProjectID comes from
// resolveContactPair rather than being re-derived from the requester's own
// project_slug, so a cross-project handshake (the target_project_slug path)
// addresses the real recipient instead of looking the name up in the
// requester's project.
func sendWelcomeMessage(ctx context.Context, s *Services, req Request, requesterID, targetProjectID int64, body string) error {
	slug := req.Args.str("project_slug")
	pid, err := projectID(ctx, s, slug)
	if err != nil {
		return err
	}
	targetRef := req.Args.str("target_agent")
	if targetProjectID != pid {
		targetProject, err := s.Projects.ByID(ctx, targetProjectID)
		if err != nil {
			return err
		}
		targetRef = targetProject.Slug + ":" + targetRef
	}
	_, err = s.Messages.Send(ctx, slug, message.SendOptions{
		ProjectID: pid,
		SenderID:  requesterID,
		To:        []string{targetRef},
		Subject:   "Contact accepted",
		BodyMD:    body,
	})
	return err
}

func handleOverseerSend(ctx context.Context, s *Services, req Request) (any, error) {
	slug := req.Args.str("project_slug")
	pid, err := projectID(ctx, s, slug)
	if err != nil {
		return nil, err
	}
	overseer, err := s.Agents.ByName(ctx, pid, agent.OverseerName)
	if err != nil {
		return nil, err
	}
	return s.Messages.Send(ctx, slug, message.SendOptions{
		ProjectID:   pid,
		SenderID:    overseer.ID,
		To:          req.Args.stringList("to"),
		CC:          req.Args.stringList("cc"),
		Subject:     req.Args.str("subject"),
		BodyMD:      req.Args.str("body_md"),
		ThreadID:    req.Args.str("thread_id"),
		Importance:  message.High,
		AckRequired: false,
	})
}

func handleStartSession(ctx context.Context, s *Services, req Request) (any, error) {
	p, err := s.Projects.EnsureProject(ctx, req.Args.str("human_key"))
	if err != nil {
		return nil, err
	}
	a, err := s.Agents.Register(ctx, agent.RegisterOptions{
		ProjectID:       p.ID,
		Name:            req.Args.str("agent_name"),
		Program:         req.Args.str("program"),
		Model:           req.Args.str("model"),
		TaskDescription: req.Args.str("task_description"),
	})
	if err != nil {
		return nil, err
	}

	var reservation any
	if paths := req.Args.stringList("starting_paths"); len(paths) > 0 {
		fixed, err := validatedRelativePaths("starting_paths", paths)
		if err == nil {
			ttl := req.Args.intOr("ttl_seconds", 3600)
			reservation, _ = s.Reserve.Reserve(ctx, p.ID, a.ID, fixed, ttl, true, "session start")
		}
	}

	inbox, err := s.Messages.ListInbox(ctx, a.ID, message.ListOptions{Limit: 50})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"project":     p,
		"agent":       a,
		"reservation": reservation,
		"inbox":       inbox,
	}, nil
}

func handlePrepareThread(ctx context.Context, s *Services, req Request) (any, error) {
	pid, err := projectID(ctx, s, req.Args.str("project_slug"))
	if err != nil {
		return nil, err
	}
	aid, err := resolveAgentID(ctx, s, pid, req.Args.str("agent_name"))
	if err != nil {
		return nil, err
	}
	threadID := req.Args.str("thread_id")
	summaries, errs := s.Messages.SummarizeThreads(ctx, pid, []string{threadID}, s.Summarizer, true, req.Args.intOr("max_length", 2000))
	inbox, err := s.Messages.ListInbox(ctx, aid, message.ListOptions{Limit: 50})
	if err != nil {
		return nil, err
	}
	return map[string]any{"thread": summaries, "errors": errs, "inbox": inbox}, nil
}

func searchpkgOptions(a Args) search.Options {
	return search.Options{Limit: a.intOr("limit", 20), Offset: a.intOr("offset", 0)}
}
