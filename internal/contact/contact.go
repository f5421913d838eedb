// Package contact implements the Contact entity controller: a directed
// link between two agents used together with contact_policy to gate
// cross-project messaging (spec §4.4, §3).
package contact

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/store"
)

type Status string

const (
	Pending  Status = "pending"
	Accepted Status = "accepted"
	Blocked  Status = "blocked"
)

type Contact struct {
	ID          int64     `json:"id"`
	RequesterID int64     `json:"requester_id"`
	TargetID    int64     `json:"target_id"`
	Status      Status    `json:"status"`
	CreatedTS   time.Time `json:"created_ts"`
}

type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

// Allow satisfies message.ContactChecker. For policy "auto" it
// auto-creates an accepted Contact row (first contact) or upgrades a
// pending one. For "contacts_only" it requires an already-accepted row.
func (c *Controller) Allow(ctx context.Context, senderID, targetID int64, policy agent.ContactPolicy) (bool, error) {
	existing, err := c.lookup(ctx, senderID, targetID)
	if err != nil && !isNotFound(err) {
		return false, err
	}

	switch policy {
	case agent.PolicyAuto:
		if existing != nil && existing.Status == Blocked {
			return false, nil
		}
		if existing == nil {
			if _, err := c.create(ctx, senderID, targetID, Accepted); err != nil {
				return false, err
			}
		} else if existing.Status == Pending {
			if err := c.setStatus(ctx, existing.ID, Accepted); err != nil {
				return false, err
			}
		}
		return true, nil
	case agent.PolicyContactsOnly:
		return existing != nil && existing.Status == Accepted, nil
	default:
		return false, nil
	}
}

func isNotFound(err error) bool {
	ae, ok := apierr.As(err)
	return ok && ae.Kind == apierr.KindNotFound
}

// Request creates a pending contact from requester to target, or returns
// the existing row if one already exists.
func (c *Controller) Request(ctx context.Context, requesterID, targetID int64) (*Contact, error) {
	if existing, err := c.lookup(ctx, requesterID, targetID); err == nil {
		return existing, nil
	} else if !isNotFound(err) {
		return nil, err
	}
	return c.create(ctx, requesterID, targetID, Pending)
}

// Accept transitions a pending contact to accepted. Terminal at accepted
// or blocked (spec §4.10 state machine).
func (c *Controller) Accept(ctx context.Context, id int64) (*Contact, error) {
	if err := c.setStatus(ctx, id, Accepted); err != nil {
		return nil, err
	}
	return c.byID(ctx, id)
}

func (c *Controller) Block(ctx context.Context, id int64) (*Contact, error) {
	if err := c.setStatus(ctx, id, Blocked); err != nil {
		return nil, err
	}
	return c.byID(ctx, id)
}

func (c *Controller) create(ctx context.Context, requesterID, targetID int64, status Status) (*Contact, error) {
	now := store.Now()
	res, err := c.st.DB().ExecContext(ctx, `INSERT INTO contacts (requester_id, target_id, status, created_ts)
		VALUES (?,?,?,?)`, requesterID, targetID, string(status), store.FormatTS(now))
	if err != nil {
		return nil, apierr.Wrap("create_contact", apierr.KindStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apierr.Wrap("create_contact", apierr.KindStorage, err)
	}
	return &Contact{ID: id, RequesterID: requesterID, TargetID: targetID, Status: status, CreatedTS: now}, nil
}

func (c *Controller) setStatus(ctx context.Context, id int64, status Status) error {
	_, err := c.st.DB().ExecContext(ctx, "UPDATE contacts SET status = ? WHERE id = ? AND status = ?",
		string(status), id, string(Pending))
	if err != nil {
		return apierr.Wrap("update_contact_status", apierr.KindStorage, err)
	}
	return nil
}

func (c *Controller) lookup(ctx context.Context, requesterID, targetID int64) (*Contact, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, requester_id, target_id, status, created_ts
		FROM contacts WHERE requester_id = ? AND target_id = ?`, requesterID, targetID)
	return scanContact(row, fmt.Sprintf("%d->%d", requesterID, targetID))
}

func (c *Controller) byID(ctx context.Context, id int64) (*Contact, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, requester_id, target_id, status, created_ts
		FROM contacts WHERE id = ?`, id)
	return scanContact(row, fmt.Sprintf("%d", id))
}

func scanContact(row *sql.Row, identifier string) (*Contact, error) {
	var c Contact
	var status, createdTS string
	if err := row.Scan(&c.ID, &c.RequesterID, &c.TargetID, &status, &createdTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("contact", identifier)
		}
		return nil, apierr.Wrap("lookup contact", apierr.KindStorage, err)
	}
	c.Status = Status(status)
	c.CreatedTS, _ = store.ParseTS(createdTS)
	return &c, nil
}
