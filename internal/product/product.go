// Package product implements the Product entity: a many-to-many grouping
// of projects under a shared umbrella name (spec §3). It stores the grouping
// only; inbox and search tools stay scoped to a single project and do not
// aggregate across a product's projects.
package product

import (
	"context"
	"database/sql"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/store"
)

type Product struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedTS string `json:"created_ts"`
}

type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

// Ensure returns the existing product by name or creates it.
func (c *Controller) Ensure(ctx context.Context, name string) (*Product, error) {
	if name == "" {
		return nil, apierr.Validation(apierr.ValidationFailure{Field: "name", Reason: "must not be empty"})
	}
	if p, err := c.ByName(ctx, name); err == nil {
		return p, nil
	} else if ae, ok := apierr.As(err); !ok || ae.Kind != apierr.KindNotFound {
		return nil, err
	}

	now := store.Now()
	res, err := c.st.DB().ExecContext(ctx, "INSERT INTO products (name, created_ts) VALUES (?,?)",
		name, store.FormatTS(now))
	if err != nil {
		// lost the race against a concurrent insert; fetch what landed
		if p, gerr := c.ByName(ctx, name); gerr == nil {
			return p, nil
		}
		return nil, apierr.Wrap("create product", apierr.KindStorage, err)
	}
	id, _ := res.LastInsertId()
	return &Product{ID: id, Name: name, CreatedTS: store.FormatTS(now)}, nil
}

func (c *Controller) ByName(ctx context.Context, name string) (*Product, error) {
	row := c.st.DB().QueryRowContext(ctx, "SELECT id, name, created_ts FROM products WHERE name = ?", name)
	return scanProduct(row, name)
}

// LinkProject adds projectID to product's project set. Idempotent.
func (c *Controller) LinkProject(ctx context.Context, productID, projectID int64) error {
	_, err := c.st.DB().ExecContext(ctx,
		"INSERT OR IGNORE INTO product_projects (product_id, project_id) VALUES (?,?)", productID, projectID)
	if err != nil {
		return apierr.Wrap("link project to product", apierr.KindStorage, err)
	}
	return nil
}

func (c *Controller) UnlinkProject(ctx context.Context, productID, projectID int64) error {
	_, err := c.st.DB().ExecContext(ctx,
		"DELETE FROM product_projects WHERE product_id = ? AND project_id = ?", productID, projectID)
	if err != nil {
		return apierr.Wrap("unlink project from product", apierr.KindStorage, err)
	}
	return nil
}

// ProjectIDs returns the project ids grouped under a product, in no
// particular order.
func (c *Controller) ProjectIDs(ctx context.Context, productID int64) ([]int64, error) {
	rows, err := c.st.DB().QueryContext(ctx,
		"SELECT project_id FROM product_projects WHERE product_id = ?", productID)
	if err != nil {
		return nil, apierr.Wrap("list product projects", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.Wrap("scan product project", apierr.KindStorage, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *Controller) List(ctx context.Context) ([]Product, error) {
	rows, err := c.st.DB().QueryContext(ctx, "SELECT id, name, created_ts FROM products ORDER BY name ASC")
	if err != nil {
		return nil, apierr.Wrap("list products", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedTS); err != nil {
			return nil, apierr.Wrap("scan product", apierr.KindStorage, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func scanProduct(row *sql.Row, identifier string) (*Product, error) {
	var p Product
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("product", identifier)
		}
		return nil, apierr.Wrap("lookup product", apierr.KindStorage, err)
	}
	return &p, nil
}
