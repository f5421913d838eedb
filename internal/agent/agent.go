// Package agent implements the Agent entity controller: an identity scoped
// to a project, with name auto-minting and contact_policy enforcement data.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/store"
)

// ContactPolicy controls how cross-project sends to this agent are gated.
type ContactPolicy string

const (
	PolicyOpen         ContactPolicy = "open"
	PolicyAuto         ContactPolicy = "auto"
	PolicyContactsOnly ContactPolicy = "contacts_only"
	PolicyBlockAll     ContactPolicy = "block_all"
)

var NamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// OverseerName is the privileged identity permitted to force-release
// reservations and contact agents regardless of contact_policy (GLOSSARY).
const OverseerName = "Overseer"

type Agent struct {
	ID              int64         `json:"id"`
	ProjectID       int64         `json:"project_id"`
	Name            string        `json:"name"`
	Program         string        `json:"program"`
	Model           string        `json:"model"`
	TaskDescription string        `json:"task_description"`
	ContactPolicy   ContactPolicy `json:"contact_policy"`
	LastActiveTS    time.Time     `json:"last_active_ts"`
}

type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

// RegisterOptions mirrors register_agent's parameters.
type RegisterOptions struct {
	ProjectID       int64
	Name            string // optional; auto-minted when empty
	Program         string
	Model           string
	TaskDescription string
	ContactPolicy   ContactPolicy
}

// Register creates (or reuses, if the name already exists for the project)
// an agent identity. Names failing NamePattern are rejected with a
// sanitized suggestion.
func (c *Controller) Register(ctx context.Context, opts RegisterOptions) (*Agent, error) {
	if opts.ContactPolicy == "" {
		opts.ContactPolicy = PolicyOpen
	}

	if opts.Name != "" && !NamePattern.MatchString(opts.Name) {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "name", Provided: opts.Name,
			Reason:     "agent name must match ^[A-Za-z0-9_]{1,64}$",
			Suggestion: sanitizeName(opts.Name),
		})
	}

	if opts.Name != "" {
		if existing, err := c.ByName(ctx, opts.ProjectID, opts.Name); err == nil {
			return existing, nil
		}
	}

	now := store.Now()
	var a *Agent
	err := c.st.Transaction(ctx, func(tx *store.Tx) error {
		name := opts.Name
		if name == "" {
			var err error
			name, err = mintUnusedName(ctx, tx, opts.ProjectID)
			if err != nil {
				return err
			}
		}

		res, err := tx.Exec(ctx, `INSERT INTO agents
			(project_id, name, program, model, task_description, contact_policy, last_active_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			opts.ProjectID, name, opts.Program, opts.Model, opts.TaskDescription,
			string(opts.ContactPolicy), store.FormatTS(now))
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		a = &Agent{
			ID: id, ProjectID: opts.ProjectID, Name: name, Program: opts.Program,
			Model: opts.Model, TaskDescription: opts.TaskDescription,
			ContactPolicy: opts.ContactPolicy, LastActiveTS: now,
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap("register_agent", apierr.KindStorage, err)
	}
	return a, nil
}

func mintUnusedName(ctx context.Context, tx *store.Tx, projectID int64) (string, error) {
	for n := 0; n < 10_000; n++ {
		candidate := candidateName(n)
		var exists int
		row := tx.QueryRow(ctx, "SELECT count(*) FROM agents WHERE project_id = ? AND name = ?", projectID, candidate)
		if err := row.Scan(&exists); err != nil {
			return "", fmt.Errorf("check name collision: %w", err)
		}
		if exists == 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("name pool exhausted for project %d", projectID)
}

// sanitizeName replaces '-', '.' and '/' with '_', strips any other
// character outside [A-Za-z0-9_], and lowercases the result, per spec's
// agent-name repair heuristic.
func sanitizeName(raw string) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw) && len(out) < 64; i++ {
		b := raw[i]
		switch {
		case b >= 'A' && b <= 'Z':
			out = append(out, b+('a'-'A'))
		case b >= 'a' && b <= 'z', b >= '0' && b <= '9', b == '_':
			out = append(out, b)
		case b == '-' || b == '.' || b == '/':
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "agent"
	}
	return string(out)
}

func (c *Controller) ByName(ctx context.Context, projectID int64, name string) (*Agent, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, project_id, name, program, model,
		task_description, contact_policy, last_active_ts
		FROM agents WHERE project_id = ? AND name = ?`, projectID, name)
	return scanAgent(row, name)
}

func (c *Controller) ByID(ctx context.Context, id int64) (*Agent, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, project_id, name, program, model,
		task_description, contact_policy, last_active_ts
		FROM agents WHERE id = ?`, id)
	return scanAgent(row, fmt.Sprintf("#%d", id))
}

func (c *Controller) List(ctx context.Context, projectID int64) ([]Agent, error) {
	rows, err := c.st.DB().QueryContext(ctx, `SELECT id, project_id, name, program, model,
		task_description, contact_policy, last_active_ts FROM agents WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, apierr.Wrap("list_agents", apierr.KindStorage, err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AllNames supports Levenshtein-nearest-name suggestions in the validator.
func (c *Controller) AllNames(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := c.st.DB().QueryContext(ctx, "SELECT name FROM agents WHERE project_id = ?", projectID)
	if err != nil {
		return nil, apierr.Wrap("list_agent_names", apierr.KindStorage, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Touch updates last_active_ts, called on any authenticated request from
// this identity.
func (c *Controller) Touch(ctx context.Context, id int64) error {
	_, err := c.st.DB().ExecContext(ctx, "UPDATE agents SET last_active_ts = ? WHERE id = ?",
		store.FormatTS(store.Now()), id)
	if err != nil {
		return apierr.Wrap("touch_agent", apierr.KindStorage, err)
	}
	return nil
}

func scanAgent(row *sql.Row, identifier string) (*Agent, error) {
	var a Agent
	var policy, lastActive string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model,
		&a.TaskDescription, &policy, &lastActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("agent", identifier)
		}
		return nil, apierr.Wrap("lookup agent", apierr.KindStorage, err)
	}
	a.ContactPolicy = ContactPolicy(policy)
	a.LastActiveTS, _ = store.ParseTS(lastActive)
	return &a, nil
}

func scanAgentRows(rows *sql.Rows) (*Agent, error) {
	var a Agent
	var policy, lastActive string
	if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model,
		&a.TaskDescription, &policy, &lastActive); err != nil {
		return nil, apierr.Wrap("scan agent", apierr.KindStorage, err)
	}
	a.ContactPolicy = ContactPolicy(policy)
	a.LastActiveTS, _ = store.ParseTS(lastActive)
	return &a, nil
}
