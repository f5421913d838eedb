// Package project implements the Project entity controller: a namespace
// grouping agents, messages, and reservations, keyed by a stable slug.
package project

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/store"
)

// Project is a namespace. HumanKey may be an absolute filesystem path; Slug
// is the stable machine key derived from it.
type Project struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Controller implements the Project operations against the SQL substrate.
type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9_-]+`)

// slugify derives a stable slug from a human key (usually an absolute
// path): take the last path element (the whole key when it ends in '/'),
// lowercase it, replace each run of characters outside [a-z0-9_-] with '-',
// trim leading and trailing dashes, and fall back to "project" if nothing
// is left.
func slugify(humanKey string) string {
	base := humanKey
	if idx := strings.LastIndexByte(humanKey, '/'); idx >= 0 && idx < len(humanKey)-1 {
		base = humanKey[idx+1:]
	}
	base = strings.ToLower(base)
	base = slugSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "project"
	}
	return base
}

// EnsureProject is idempotent on human_key: the first call creates the row,
// every subsequent call with the same human_key returns the existing row.
func (c *Controller) EnsureProject(ctx context.Context, humanKey string) (*Project, error) {
	if strings.TrimSpace(humanKey) == "" {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "human_key", Provided: humanKey, Reason: "must not be empty",
		})
	}

	if p, err := c.ByHumanKey(ctx, humanKey); err == nil {
		return p, nil
	} else if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindNotFound {
		return nil, err
	}

	slug := slugify(humanKey)
	now := store.Now()

	var p *Project
	err := c.st.Transaction(ctx, func(tx *store.Tx) error {
		// Resolve slug collisions by suffixing -2, -3, ...
		candidate := slug
		for i := 2; ; i++ {
			var exists int
			row := tx.QueryRow(ctx, "SELECT count(*) FROM projects WHERE slug = ?", candidate)
			if err := row.Scan(&exists); err != nil {
				return fmt.Errorf("check slug collision: %w", err)
			}
			if exists == 0 {
				break
			}
			candidate = fmt.Sprintf("%s-%d", slug, i)
		}
		slug = candidate

		res, err := tx.Exec(ctx, "INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)",
			slug, humanKey, store.FormatTS(now))
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		p = &Project{ID: id, Slug: slug, HumanKey: humanKey, CreatedAt: now}
		return nil
	})
	if err != nil {
		// Lost a race with a concurrent ensure_project on the same human_key.
		if existing, lookupErr := c.ByHumanKey(ctx, humanKey); lookupErr == nil {
			return existing, nil
		}
		return nil, apierr.Wrap("ensure_project", apierr.KindStorage, err)
	}
	return p, nil
}

func (c *Controller) ByHumanKey(ctx context.Context, humanKey string) (*Project, error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects WHERE human_key = ?", humanKey)
	return scanProject(row, "human_key", humanKey)
}

func (c *Controller) BySlug(ctx context.Context, slug string) (*Project, error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects WHERE slug = ?", slug)
	return scanProject(row, "slug", slug)
}

func (c *Controller) ByID(ctx context.Context, id int64) (*Project, error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT id, slug, human_key, created_at FROM projects WHERE id = ?", id)
	return scanProject(row, "id", fmt.Sprintf("%d", id))
}

func (c *Controller) List(ctx context.Context) ([]Project, error) {
	rows, err := c.st.DB().QueryContext(ctx, "SELECT id, slug, human_key, created_at FROM projects ORDER BY id")
	if err != nil {
		return nil, apierr.Wrap("list_projects", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Slug, &p.HumanKey, &createdAt); err != nil {
			return nil, apierr.Wrap("list_projects", apierr.KindStorage, err)
		}
		p.CreatedAt, _ = store.ParseTS(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AllSlugs returns every project slug, in no particular order.
func (c *Controller) AllSlugs(ctx context.Context) ([]string, error) {
	rows, err := c.st.DB().QueryContext(ctx, "SELECT slug FROM projects")
	if err != nil {
		return nil, apierr.Wrap("list_project_slugs", apierr.KindStorage, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanProject(row *sql.Row, field, value string) (*Project, error) {
	var p Project
	var createdAt string
	if err := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("project", value)
		}
		return nil, apierr.Wrap(fmt.Sprintf("lookup project by %s", field), apierr.KindStorage, err)
	}
	p.CreatedAt, _ = store.ParseTS(createdAt)
	return &p, nil
}
