// Package search implements the FTS query layer (spec §4.5): sanitizes
// user search strings, indexes messages transactionally, and degrades
// gracefully on engine syntax errors instead of surfacing a 5xx.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/message"
	"github.com/agentmail-dev/agentmail/internal/store"
)

type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

// IndexMessage satisfies message.Indexer: it inserts a denormalized FTS row
// keyed by rowid = message id, inside the caller's transaction.
func (c *Controller) IndexMessage(ctx context.Context, tx *store.Tx, msg *message.Message, senderName string, recipientNames []string) error {
	_, err := tx.Exec(ctx, `INSERT INTO messages_fts (rowid, subject, body_md, sender_name, recipient_names)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.Subject, msg.BodyMD, senderName, strings.Join(recipientNames, " "))
	if err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}
	return nil
}

// Result is a single ranked search hit.
type Result struct {
	MessageID int64   `json:"message_id"`
	Subject   string  `json:"subject"`
	Snippet   string  `json:"snippet"`
	Sender    string  `json:"sender"`
	CreatedTS string  `json:"created_ts"`
	ThreadID  string  `json:"thread_id,omitempty"`
	Score     float64 `json:"score"`
}

// Options carries search(project, query, {limit, offset, filters}).
type Options struct {
	Limit  int
	Offset int
}

// Search sanitizes the query per spec §4.5 and runs a BM25-ranked FTS5
// query scoped to projectID. Engine syntax errors degrade to an empty
// result with a warning log rather than a transport error.
func (c *Controller) Search(ctx context.Context, projectID int64, query string, opts Options) ([]Result, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "query", Provided: query, Reason: "query must not be empty",
		})
	}

	sanitized := sanitize(trimmed)
	if sanitized == "" {
		// e.g. query was just "*" — degraded leading-wildcard, spec §8 scenario 6.
		return []Result{}, nil
	}

	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	rows, err := c.st.DB().QueryContext(ctx, `SELECT m.id, m.subject, m.thread_id, m.created_ts,
		sender.name, snippet(messages_fts, 1, '[', ']', '...', 10), bm25(messages_fts)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN agents sender ON sender.id = m.sender_id
		WHERE messages_fts MATCH ? AND m.project_id = ?
		ORDER BY bm25(messages_fts)
		LIMIT ? OFFSET ?`, sanitized, projectID, limit, opts.Offset)
	if err != nil {
		// Engine returned a syntax error we didn't catch in sanitize(); spec
		// says degrade to empty list plus warning, never a transport failure.
		slog.Warn("search query rejected by fts engine", "query", query, "error", err)
		return []Result{}, nil
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var threadID sql.NullString
		// snippet() yields NULL on the contentless messages_fts table, which
		// leaves Snippet empty.
		var snippet sql.NullString
		if err := rows.Scan(&r.MessageID, &r.Subject, &threadID, &r.CreatedTS, &r.Sender, &snippet, &r.Score); err != nil {
			return nil, apierr.Wrap("search_messages", apierr.KindSearchBackend, err)
		}
		if threadID.Valid {
			r.ThreadID = threadID.String
		}
		r.Snippet = snippet.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("search result iteration failed", "error", err)
		return []Result{}, nil
	}
	if out == nil {
		out = []Result{}
	}
	return out, nil
}

// RebuildIndex recreates messages_fts from the messages table, for recovery
// when the FTS index has drifted from the primary rows it mirrors. progress,
// if non-nil, is called once per message reinserted so a caller (doctor's
// rebuild-index subcommand) can drive a progress bar.
func (c *Controller) RebuildIndex(ctx context.Context, progress func(done, total int)) error {
	return c.st.Transaction(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO messages_fts(messages_fts) VALUES('delete-all')`); err != nil {
			return fmt.Errorf("clear fts index: %w", err)
		}

		var total int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT m.id, m.subject, m.body_md, sender.name,
			COALESCE((SELECT group_concat(a.name, ' ') FROM message_recipients mr
				JOIN agents a ON a.id = mr.agent_id WHERE mr.message_id = m.id), '')
			FROM messages m JOIN agents sender ON sender.id = m.sender_id
			ORDER BY m.id`)
		if err != nil {
			return fmt.Errorf("scan messages for reindex: %w", err)
		}
		defer rows.Close()

		done := 0
		for rows.Next() {
			var id int64
			var subject, bodyMD, senderName, recipientNames string
			if err := rows.Scan(&id, &subject, &bodyMD, &senderName, &recipientNames); err != nil {
				return fmt.Errorf("scan message row: %w", err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO messages_fts (rowid, subject, body_md, sender_name, recipient_names)
				VALUES (?, ?, ?, ?, ?)`, id, subject, bodyMD, senderName, recipientNames); err != nil {
				return fmt.Errorf("reinsert fts row %d: %w", id, err)
			}
			done++
			if progress != nil {
				progress(done, total)
			}
		}
		return rows.Err()
	})
}

// sanitize implements spec §4.5's rules: strip unsupported leading '*',
// promote a stripped residue to a prefix search, and escape quotes/
// backslashes that would otherwise break FTS5 query syntax.
func sanitize(q string) string {
	for strings.HasPrefix(q, "*") {
		q = strings.TrimPrefix(q, "*")
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}

	q = strings.ReplaceAll(q, `\`, `\\`)
	q = strings.ReplaceAll(q, `"`, `\"`)

	if !strings.HasSuffix(q, "*") && !strings.ContainsAny(q, `"()`) {
		q = q + "*"
	}
	return q
}
