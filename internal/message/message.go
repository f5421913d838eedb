// Package message implements the Message/MessageRecipient/Thread entity
// controller (spec §4.4): send, inbox/outbox listing, read/ack receipts,
// reply threading, and thread grouping. The FTS index is refreshed inside
// the same transaction as the insert.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/project"
	"github.com/agentmail-dev/agentmail/internal/store"
)

type Importance string

const (
	Low    Importance = "low"
	Normal Importance = "normal"
	High   Importance = "high"
	Urgent Importance = "urgent"
)

func (i Importance) Valid() bool {
	switch i {
	case Low, Normal, High, Urgent, "":
		return true
	}
	return false
}

// MaxBodyLength bounds body_md, matching spec's "body ≤ configured max".
const MaxBodyLength = 49_600

type RecipientType string

const (
	To  RecipientType = "to"
	CC  RecipientType = "cc"
	BCC RecipientType = "bcc"
)

type Message struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	SenderID    int64      `json:"sender_id"`
	Subject     string     `json:"subject"`
	BodyMD      string     `json:"body_md"`
	ThreadID    string     `json:"thread_id"`
	Importance  Importance `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	ParentID    *int64     `json:"parent_id,omitempty"`
	CreatedTS   time.Time  `json:"created_ts"`
}

// Recipient is a delivery entry joined with the message it belongs to, used
// for inbox/outbox listings.
type Recipient struct {
	MessageID     int64         `json:"message_id"`
	AgentID       int64         `json:"agent_id"`
	RecipientType RecipientType `json:"recipient_type"`
	ReadTS        *time.Time    `json:"read_ts,omitempty"`
	AckTS         *time.Time    `json:"ack_ts,omitempty"`
}

// InboxEntry is a recipient row flattened with its message for display.
type InboxEntry struct {
	Message
	RecipientType RecipientType `json:"recipient_type"`
	ReadTS        *time.Time    `json:"read_ts,omitempty"`
	AckTS         *time.Time    `json:"ack_ts,omitempty"`
	SenderName    string        `json:"sender_name"`
}

// ProjectResolver is implemented by internal/project. Send uses it to
// resolve a recipient's project component when addressed with the
// "<project_slug>:<agent_name>" qualified form (spec §4.4's cross-project
// delivery, spec §3's "possibly across projects" Contact).
type ProjectResolver interface {
	BySlug(ctx context.Context, slug string) (*project.Project, error)
}

// ContactChecker is implemented by internal/contact to gate cross-project
// sends by the recipient's contact_policy (spec §4.4). Kept as a narrow
// interface to avoid an import cycle between message and contact.
type ContactChecker interface {
	// Allow reports whether sender may message target given target's
	// contact_policy, auto-creating an accepted Contact row for the
	// "auto" policy as a side effect.
	Allow(ctx context.Context, senderID, targetID int64, policy agent.ContactPolicy) (bool, error)
}

// Archiver is implemented by internal/gitarchive. Failures are logged, not
// propagated as transport errors, per spec §9 ("archive vs truth").
type Archiver interface {
	ArchiveMessage(ctx context.Context, projectSlug string, msg *Message, senderName string, to, cc []string) error
}

// Indexer is implemented by internal/search to refresh the FTS row inside
// the same transaction as the message insert.
type Indexer interface {
	IndexMessage(ctx context.Context, tx *store.Tx, msg *Message, senderName string, recipientNames []string) error
}

type Controller struct {
	st       *store.Store
	agents   *agent.Controller
	projects ProjectResolver
	contacts ContactChecker
	archive  Archiver
	index    Indexer
}

func New(st *store.Store, agents *agent.Controller, projects ProjectResolver, contacts ContactChecker, archive Archiver, index Indexer) *Controller {
	return &Controller{st: st, agents: agents, projects: projects, contacts: contacts, archive: archive, index: index}
}

// SendOptions mirrors send()'s parameters.
type SendOptions struct {
	ProjectID   int64
	SenderID    int64
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	BodyMD      string
	ThreadID    string
	ParentID    *int64
	Importance  Importance
	AckRequired bool
}

// SendResult carries the created message plus a non-fatal archive warning,
// per spec §7 (ArchiveWriteFailed surfaces as a warning field, not an
// error).
type SendResult struct {
	Message       *Message
	ArchiveWarning string
}

func (c *Controller) Send(ctx context.Context, projectSlug string, opts SendOptions) (*SendResult, error) {
	if len(opts.To) == 0 {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "to", Provided: opts.To, Reason: "at least one 'to' recipient is required",
		})
	}
	if opts.Importance == "" {
		opts.Importance = Normal
	}
	if !opts.Importance.Valid() {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "importance", Provided: opts.Importance,
			Reason: "must be one of low, normal, high, urgent",
		})
	}
	if len(opts.BodyMD) > MaxBodyLength {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "body_md", Provided: len(opts.BodyMD),
			Reason: fmt.Sprintf("body exceeds maximum length of %d", MaxBodyLength),
		})
	}

	sender, err := c.agents.ByID(ctx, opts.SenderID)
	if err != nil {
		return nil, err
	}
	if sender.ProjectID != opts.ProjectID {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "sender", Provided: opts.SenderID, Reason: "sender does not belong to this project",
		})
	}

	type resolved struct {
		agent *agent.Agent
		kind  RecipientType
	}
	var recipients []resolved
	seen := map[int64]bool{}
	for _, group := range []struct {
		names []string
		kind  RecipientType
	}{{opts.To, To}, {opts.CC, CC}, {opts.BCC, BCC}} {
		for _, name := range group.names {
			targetProjectID, agentName, err := c.resolveRecipientProject(ctx, opts.ProjectID, name)
			if err != nil {
				return nil, err
			}
			a, err := c.agents.ByName(ctx, targetProjectID, agentName)
			if err != nil {
				return nil, err
			}
			if seen[a.ID] {
				continue
			}
			if err := c.checkContactPolicy(ctx, sender, a); err != nil {
				return nil, err
			}
			seen[a.ID] = true
			recipients = append(recipients, resolved{agent: a, kind: group.kind})
		}
	}

	now := store.Now()
	threadID := opts.ThreadID

	var msg *Message
	err = c.st.Transaction(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx, `INSERT INTO messages
			(project_id, sender_id, subject, body_md, thread_id, importance, ack_required, parent_id, created_ts)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			opts.ProjectID, opts.SenderID, opts.Subject, opts.BodyMD, threadID,
			string(opts.Importance), boolToInt(opts.AckRequired), nullableID(opts.ParentID), store.FormatTS(now))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for _, r := range recipients {
			if _, err := tx.Exec(ctx, `INSERT INTO message_recipients (message_id, agent_id, recipient_type)
				VALUES (?,?,?)`, id, r.agent.ID, string(r.kind)); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}

		msg = &Message{
			ID: id, ProjectID: opts.ProjectID, SenderID: opts.SenderID, Subject: opts.Subject,
			BodyMD: opts.BodyMD, ThreadID: threadID, Importance: opts.Importance,
			AckRequired: opts.AckRequired, ParentID: opts.ParentID, CreatedTS: now,
		}

		if c.index != nil {
			var names []string
			for _, r := range recipients {
				names = append(names, r.agent.Name)
			}
			if err := c.index.IndexMessage(ctx, tx, msg, sender.Name, names); err != nil {
				return fmt.Errorf("index message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap("send_message", apierr.KindStorage, err)
	}

	result := &SendResult{Message: msg}
	if c.archive != nil {
		if err := c.archive.ArchiveMessage(ctx, projectSlug, msg, sender.Name, opts.To, opts.CC); err != nil {
			// SQL already committed; archive is a best-effort mirror (spec §9).
			result.ArchiveWarning = err.Error()
		}
	}
	return result, nil
}

// resolveRecipientProject splits a recipient reference into its target
// project ID and bare agent name. A plain name ("GreenCastle") resolves
// within the sender's own project (homeProjectID). A qualified reference
// ("other-project:GreenCastle") targets a different project by slug,
// enabling the cross-project sends spec §4.4 requires checkContactPolicy to
// gate; ':' never appears in a project slug or an agent name, so the split
// is unambiguous.
func (c *Controller) resolveRecipientProject(ctx context.Context, homeProjectID int64, ref string) (int64, string, error) {
	slug, name, qualified := strings.Cut(ref, ":")
	if !qualified {
		return homeProjectID, ref, nil
	}
	if c.projects == nil {
		return 0, "", apierr.Validation(apierr.ValidationFailure{
			Field: "to", Provided: ref, Reason: "cross-project recipient addressing is not available",
		})
	}
	p, err := c.projects.BySlug(ctx, slug)
	if err != nil {
		return 0, "", err
	}
	return p.ID, name, nil
}

func (c *Controller) checkContactPolicy(ctx context.Context, sender, target *agent.Agent) error {
	if sender.Name == agent.OverseerName {
		return nil
	}
	if sender.ProjectID == target.ProjectID {
		return nil
	}
	switch target.ContactPolicy {
	case agent.PolicyOpen, "":
		return nil
	case agent.PolicyBlockAll:
		return apierr.ContactBlocked(target.Name)
	case agent.PolicyContactsOnly, agent.PolicyAuto:
		if c.contacts == nil {
			return apierr.ContactBlocked(target.Name)
		}
		allowed, err := c.contacts.Allow(ctx, sender.ID, target.ID, target.ContactPolicy)
		if err != nil {
			return err
		}
		if !allowed {
			return apierr.ContactBlocked(target.Name)
		}
		return nil
	default:
		return nil
	}
}

// ListOptions paginates by (created_ts, id), as required by spec §4.4.
type ListOptions struct {
	UnreadOnly bool
	Limit      int
	CursorTS   string
	CursorID   int64
}

func (c *Controller) ListInbox(ctx context.Context, agentID int64, opts ListOptions) ([]InboxEntry, error) {
	return c.listBySide(ctx, "message_recipients.agent_id", agentID, opts, true)
}

func (c *Controller) ListOutbox(ctx context.Context, agentID int64, opts ListOptions) ([]InboxEntry, error) {
	return c.listBySide(ctx, "messages.sender_id", agentID, opts, false)
}

func (c *Controller) listBySide(ctx context.Context, column string, agentID int64, opts ListOptions, isInbox bool) ([]InboxEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT messages.id, messages.project_id, messages.sender_id, messages.subject,
		messages.body_md, messages.thread_id, messages.importance, messages.ack_required, messages.parent_id,
		messages.created_ts, message_recipients.recipient_type, message_recipients.read_ts,
		message_recipients.ack_ts, sender.name
		FROM message_recipients
		JOIN messages ON messages.id = message_recipients.message_id
		JOIN agents sender ON sender.id = messages.sender_id
		WHERE %s = ?`, column)
	args := []any{agentID}

	if isInbox && opts.UnreadOnly {
		query += " AND message_recipients.read_ts IS NULL"
	}
	if opts.CursorTS != "" {
		query += " AND (messages.created_ts > ? OR (messages.created_ts = ? AND messages.id > ?))"
		args = append(args, opts.CursorTS, opts.CursorTS, opts.CursorID)
	}
	query += " ORDER BY messages.created_ts ASC, messages.id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := c.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap("list_messages", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		var e InboxEntry
		var parentID sql.NullInt64
		var createdTS string
		var readTS, ackTS sql.NullString
		var importance, recipType string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SenderID, &e.Subject, &e.BodyMD, &e.ThreadID,
			&importance, &e.AckRequired, &parentID, &createdTS, &recipType, &readTS, &ackTS, &e.SenderName); err != nil {
			return nil, apierr.Wrap("scan message", apierr.KindStorage, err)
		}
		e.Importance = Importance(importance)
		e.RecipientType = RecipientType(recipType)
		e.CreatedTS, _ = store.ParseTS(createdTS)
		if parentID.Valid {
			e.ParentID = &parentID.Int64
		}
		if readTS.Valid {
			t, _ := store.ParseTS(readTS.String)
			e.ReadTS = &t
		}
		if ackTS.Valid {
			t, _ := store.ParseTS(ackTS.String)
			e.AckTS = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRead is idempotent: a second call leaves read_ts unchanged and still
// returns success, per spec's testable idempotence property.
func (c *Controller) MarkRead(ctx context.Context, messageID, agentID int64) error {
	return c.stampRecipient(ctx, messageID, agentID, "read_ts", false)
}

// Acknowledge sets ack_ts, and also backfills read_ts if unset ("ack
// without read fills both", per spec §4.10 state machine).
func (c *Controller) Acknowledge(ctx context.Context, messageID, agentID int64) error {
	return c.stampRecipient(ctx, messageID, agentID, "ack_ts", true)
}

func (c *Controller) stampRecipient(ctx context.Context, messageID, agentID int64, column string, alsoRead bool) error {
	var exists int
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT count(*) FROM message_recipients WHERE message_id = ? AND agent_id = ?", messageID, agentID)
	if err := row.Scan(&exists); err != nil {
		return apierr.Wrap("check recipient", apierr.KindStorage, err)
	}
	if exists == 0 {
		return apierr.NotRecipient(fmt.Sprintf("agent #%d", agentID))
	}

	now := store.FormatTS(store.Now())
	query := fmt.Sprintf(`UPDATE message_recipients SET %s = COALESCE(%s, ?)`, column, column)
	args := []any{now}
	if alsoRead {
		query += ", read_ts = COALESCE(read_ts, ?)"
		args = append(args, now)
	}
	query += " WHERE message_id = ? AND agent_id = ?"
	args = append(args, messageID, agentID)

	if _, err := c.st.DB().ExecContext(ctx, query, args...); err != nil {
		return apierr.Wrap("mark recipient state", apierr.KindStorage, err)
	}
	return nil
}

// ReplyOptions mirrors reply()'s parameters.
type ReplyOptions struct {
	ParentID    int64
	SenderID    int64
	BodyMD      string
	To          []string
	CC          []string
	BCC         []string
	Importance  Importance
	AckRequired bool
}

func (c *Controller) Reply(ctx context.Context, projectSlug string, opts ReplyOptions) (*SendResult, error) {
	parent, err := c.byID(ctx, opts.ParentID)
	if err != nil {
		return nil, err
	}

	threadID := parent.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("thread-%d", parent.ID)
	}

	subject := parent.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	to := opts.To
	if len(to) == 0 {
		senderOfParent, err := c.agents.ByID(ctx, parent.SenderID)
		if err != nil {
			return nil, err
		}
		to = []string{senderOfParent.Name}
	}

	parentID := parent.ID
	return c.Send(ctx, projectSlug, SendOptions{
		ProjectID: parent.ProjectID, SenderID: opts.SenderID, To: to, CC: opts.CC, BCC: opts.BCC,
		Subject: subject, BodyMD: opts.BodyMD, ThreadID: threadID, ParentID: &parentID,
		Importance: opts.Importance, AckRequired: opts.AckRequired,
	})
}

func (c *Controller) byID(ctx context.Context, id int64) (*Message, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, project_id, sender_id, subject, body_md, thread_id,
		importance, ack_required, parent_id, created_ts FROM messages WHERE id = ?`, id)
	var m Message
	var parentID sql.NullInt64
	var createdTS, importance string
	if err := row.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.Subject, &m.BodyMD, &m.ThreadID,
		&importance, &m.AckRequired, &parentID, &createdTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("message", strconv.FormatInt(id, 10))
		}
		return nil, apierr.Wrap("lookup message", apierr.KindStorage, err)
	}
	m.Importance = Importance(importance)
	m.CreatedTS, _ = store.ParseTS(createdTS)
	if parentID.Valid {
		m.ParentID = &parentID.Int64
	}
	return &m, nil
}

// GetThread returns every message sharing thread_id, ordered by created_ts
// then id.
func (c *Controller) GetThread(ctx context.Context, projectID int64, threadID string) ([]Message, error) {
	rows, err := c.st.DB().QueryContext(ctx, `SELECT id, project_id, sender_id, subject, body_md, thread_id,
		importance, ack_required, parent_id, created_ts FROM messages
		WHERE project_id = ? AND thread_id = ? ORDER BY created_ts ASC, id ASC`, projectID, threadID)
	if err != nil {
		return nil, apierr.Wrap("get_thread", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var parentID sql.NullInt64
		var createdTS, importance string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.Subject, &m.BodyMD, &m.ThreadID,
			&importance, &m.AckRequired, &parentID, &createdTS); err != nil {
			return nil, apierr.Wrap("scan thread message", apierr.KindStorage, err)
		}
		m.Importance = Importance(importance)
		m.CreatedTS, _ = store.ParseTS(createdTS)
		if parentID.Valid {
			m.ParentID = &parentID.Int64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListThreads returns distinct thread_id values for a project, newest
// message first.
func (c *Controller) ListThreads(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := c.st.DB().QueryContext(ctx, `SELECT thread_id FROM messages
		WHERE project_id = ? AND thread_id != '' GROUP BY thread_id ORDER BY max(created_ts) DESC`, projectID)
	if err != nil {
		return nil, apierr.Wrap("list_threads", apierr.KindStorage, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summarizer is the external collaborator spec §4.4/§9 allows stubbing.
type Summarizer interface {
	Summarize(ctx context.Context, threadID string, messages []Message, maxLength int) (string, error)
}

type ThreadSummary struct {
	ThreadID string `json:"thread_id"`
	Summary  string `json:"summary"`
	Messages []Message `json:"messages,omitempty"`
}

// SummarizeThreads delegates to an external summarizer per thread; a single
// thread's failure is recorded in Errors without aborting the batch.
func (c *Controller) SummarizeThreads(ctx context.Context, projectID int64, threadIDs []string, summarizer Summarizer, includeMessages bool, maxLength int) ([]ThreadSummary, []string) {
	var summaries []ThreadSummary
	var errs []string
	for _, tid := range threadIDs {
		msgs, err := c.GetThread(ctx, projectID, tid)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", tid, err))
			continue
		}
		var text string
		if summarizer != nil {
			text, err = summarizer.Summarize(ctx, tid, msgs, maxLength)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", tid, err))
				continue
			}
		}
		s := ThreadSummary{ThreadID: tid, Summary: text}
		if includeMessages {
			s.Messages = msgs
		}
		summaries = append(summaries, s)
	}
	return summaries, errs
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
