// Package buildslot implements the BuildSlot entity: a mutex-like
// reservation over a named build resource (e.g. "ci", "integration-db")
// rather than a file path. Mirrors the FileReservation state machine in
// internal/reserve but keyed by slot_type instead of a glob pathspec,
// since at most one agent may hold a given slot type at a time (spec §3).
package buildslot

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/store"
)

const (
	MinTTLSeconds = 60
	MaxTTLSeconds = 86_400
)

type BuildSlot struct {
	ID         int64      `json:"id"`
	ProjectID  int64      `json:"project_id"`
	SlotType   string     `json:"slot_type"`
	AgentID    int64      `json:"agent_id"`
	CreatedTS  time.Time  `json:"created_ts"`
	ExpiresTS  time.Time  `json:"expires_ts"`
	ReleasedTS *time.Time `json:"released_ts,omitempty"`
}

func (b BuildSlot) Active(now time.Time) bool {
	return b.ReleasedTS == nil && now.Before(b.ExpiresTS)
}

type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

// Acquire grants the slot if free, or fails with a conflict naming the
// current holder. Same-agent re-acquisition renews the TTL rather than
// conflicting, matching the reservation engine's renewal semantics.
func (c *Controller) Acquire(ctx context.Context, projectID, agentID int64, slotType string, ttlSeconds int) (*BuildSlot, error) {
	if slotType == "" {
		return nil, apierr.Validation(apierr.ValidationFailure{Field: "slot_type", Reason: "must not be empty"})
	}
	if ttlSeconds < MinTTLSeconds || ttlSeconds > MaxTTLSeconds {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "ttl_seconds", Provided: ttlSeconds, Reason: "out of range",
			Suggestion: clampTTL(ttlSeconds),
		})
	}

	var slot *BuildSlot
	err := c.st.Transaction(ctx, func(tx *store.Tx) error {
		now := store.Now()
		existing, err := activeSlot(ctx, tx, projectID, slotType, now)
		if err != nil {
			return err
		}
		if existing != nil && existing.AgentID != agentID {
			holder, _ := holderName(ctx, tx, existing.AgentID)
			return apierr.ReservationConflict([]apierr.Conflict{{
				Path: slotType, HolderAgent: holder, HolderReservationID: existing.ID,
			}})
		}
		if existing != nil {
			expires := now.Add(time.Duration(ttlSeconds) * time.Second)
			if _, err := tx.Exec(ctx, "UPDATE build_slots SET expires_ts = ? WHERE id = ?",
				store.FormatTS(expires), existing.ID); err != nil {
				return apierr.Wrap("renew build slot", apierr.KindStorage, err)
			}
			existing.ExpiresTS = expires
			slot = existing
			return nil
		}
		expires := now.Add(time.Duration(ttlSeconds) * time.Second)
		res, err := tx.Exec(ctx, `INSERT INTO build_slots (project_id, agent_id, slot_type, created_ts, expires_ts)
			VALUES (?,?,?,?,?)`, projectID, agentID, slotType, store.FormatTS(now), store.FormatTS(expires))
		if err != nil {
			return apierr.Wrap("acquire build slot", apierr.KindStorage, err)
		}
		id, _ := res.LastInsertId()
		slot = &BuildSlot{ID: id, ProjectID: projectID, SlotType: slotType, AgentID: agentID,
			CreatedTS: now, ExpiresTS: expires}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (c *Controller) Release(ctx context.Context, id, agentID int64) error {
	slot, err := c.byID(ctx, id)
	if err != nil {
		return err
	}
	if slot.AgentID != agentID {
		return apierr.NotOwner("build_slot")
	}
	if slot.ReleasedTS != nil {
		return nil
	}
	_, err = c.st.DB().ExecContext(ctx, "UPDATE build_slots SET released_ts = ? WHERE id = ?",
		store.FormatTS(store.Now()), id)
	if err != nil {
		return apierr.Wrap("release build slot", apierr.KindStorage, err)
	}
	return nil
}

func (c *Controller) List(ctx context.Context, projectID int64, activeOnly bool) ([]BuildSlot, error) {
	q := `SELECT id, project_id, agent_id, slot_type, created_ts, expires_ts, released_ts
		FROM build_slots WHERE project_id = ?`
	var rows *sql.Rows
	var err error
	if activeOnly {
		q += " AND released_ts IS NULL AND expires_ts > ? ORDER BY created_ts DESC"
		rows, err = c.st.DB().QueryContext(ctx, q, projectID, store.FormatTS(store.Now()))
	} else {
		q += " ORDER BY created_ts DESC"
		rows, err = c.st.DB().QueryContext(ctx, q, projectID)
	}
	if err != nil {
		return nil, apierr.Wrap("list build slots", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []BuildSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func activeSlot(ctx context.Context, tx *store.Tx, projectID int64, slotType string, now time.Time) (*BuildSlot, error) {
	row := tx.QueryRow(ctx, `SELECT id, project_id, agent_id, slot_type, created_ts, expires_ts, released_ts
		FROM build_slots WHERE project_id = ? AND slot_type = ? AND released_ts IS NULL AND expires_ts > ?
		ORDER BY created_ts DESC LIMIT 1`, projectID, slotType, store.FormatTS(now))
	s, err := scanSlotRow(row)
	if err != nil {
		if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func holderName(ctx context.Context, tx *store.Tx, agentID int64) (string, error) {
	row := tx.QueryRow(ctx, "SELECT name FROM agents WHERE id = ?", agentID)
	var name string
	if err := row.Scan(&name); err != nil {
		return "", nil
	}
	return name, nil
}

func (c *Controller) byID(ctx context.Context, id int64) (*BuildSlot, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, project_id, agent_id, slot_type, created_ts, expires_ts, released_ts
		FROM build_slots WHERE id = ?`, id)
	return scanSlotRow(row)
}

func clampTTL(v int) int {
	if v < MinTTLSeconds {
		return MinTTLSeconds
	}
	return MaxTTLSeconds
}

func scanSlotRow(row *sql.Row) (*BuildSlot, error) {
	var s BuildSlot
	var created, expires string
	var released sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectID, &s.AgentID, &s.SlotType, &created, &expires, &released); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("build_slot", "")
		}
		return nil, apierr.Wrap("scan build slot", apierr.KindStorage, err)
	}
	s.CreatedTS, _ = store.ParseTS(created)
	s.ExpiresTS, _ = store.ParseTS(expires)
	if released.Valid {
		t, _ := store.ParseTS(released.String)
		s.ReleasedTS = &t
	}
	return &s, nil
}

func scanSlot(rows *sql.Rows) (*BuildSlot, error) {
	var s BuildSlot
	var created, expires string
	var released sql.NullString
	if err := rows.Scan(&s.ID, &s.ProjectID, &s.AgentID, &s.SlotType, &created, &expires, &released); err != nil {
		return nil, apierr.Wrap("scan build slot", apierr.KindStorage, err)
	}
	s.CreatedTS, _ = store.ParseTS(created)
	s.ExpiresTS, _ = store.ParseTS(expires)
	if released.Valid {
		t, _ := store.ParseTS(released.String)
		s.ReleasedTS = &t
	}
	return &s, nil
}
