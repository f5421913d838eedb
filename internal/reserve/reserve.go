// Package reserve implements the reservation engine (spec §4.6): glob
// pattern conflict detection, TTL expiry (lazy, filtered at query time),
// renewal, release, and force-release.
package reserve

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/store"
)

const (
	MinTTLSeconds = 60
	MaxTTLSeconds = 604_800
)

type Reservation struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	AgentID     int64      `json:"agent_id"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason"`
	CreatedTS   time.Time  `json:"created_ts"`
	ExpiresTS   time.Time  `json:"expires_ts"`
	ReleasedTS  *time.Time `json:"released_ts,omitempty"`
}

// Active reports whether the reservation is still in force: not released
// and not past expiry. Expiry is derived from the clock, never stored
// (spec §4.10 state machine).
func (r Reservation) Active(now time.Time) bool {
	return r.ReleasedTS == nil && now.Before(r.ExpiresTS)
}

type Controller struct {
	st *store.Store
}

func New(st *store.Store) *Controller {
	return &Controller{st: st}
}

// ConflictInfo names a competing holder for one requested path.
type ConflictInfo struct {
	Path                string `json:"path"`
	HolderAgent         string `json:"holder_agent"`
	HolderReservationID int64  `json:"holder_reservation_id"`
}

// ReserveResult is all-or-nothing: either every path is granted, or none
// are and Conflicts explains why.
type ReserveResult struct {
	Granted   []Reservation  `json:"granted"`
	Conflicts []ConflictInfo `json:"conflicts"`
}

type activeRow struct {
	id        int64
	agentID   int64
	agentName string
	pattern   string
	exclusive bool
}

// Reserve attempts to grant every path in paths atomically: validates each
// is relative and ttl is in range, then within one transaction checks every
// path against every other active reservation and either inserts all rows
// or returns the full conflict set with nothing granted.
func (c *Controller) Reserve(ctx context.Context, projectID, agentID int64, paths []string, ttlSeconds int, exclusive bool, reason string) (*ReserveResult, error) {
	if len(paths) == 0 {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "paths", Provided: paths, Reason: "at least one path is required",
		})
	}
	for _, p := range paths {
		if strings.HasPrefix(p, "/") {
			return nil, apierr.Validation(apierr.ValidationFailure{
				Field: "path", Provided: p, Reason: "path must be relative, not absolute",
				Suggestion: strings.TrimPrefix(p, "/"),
			})
		}
	}
	if ttlSeconds < MinTTLSeconds || ttlSeconds > MaxTTLSeconds {
		clamped := ttlSeconds
		if clamped < MinTTLSeconds {
			clamped = MinTTLSeconds
		}
		if clamped > MaxTTLSeconds {
			clamped = MaxTTLSeconds
		}
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "ttl", Provided: ttlSeconds,
			Reason:     fmt.Sprintf("ttl must be within [%d, %d] seconds", MinTTLSeconds, MaxTTLSeconds),
			Suggestion: clamped,
		})
	}

	now := store.Now()
	expires := now.Add(time.Duration(ttlSeconds) * time.Second)

	var result *ReserveResult
	err := c.st.Transaction(ctx, func(tx *store.Tx) error {
		active, err := activeReservations(ctx, tx, projectID, now)
		if err != nil {
			return err
		}

		var conflicts []ConflictInfo
		for _, p := range paths {
			for _, a := range active {
				if a.agentID == agentID {
					continue // renewal by the same agent never conflicts
				}
				if !overlaps(a.pattern, p) {
					continue
				}
				if exclusive || a.exclusive {
					conflicts = append(conflicts, ConflictInfo{
						Path: p, HolderAgent: a.agentName, HolderReservationID: a.id,
					})
				}
			}
		}

		if len(conflicts) > 0 {
			result = &ReserveResult{Granted: []Reservation{}, Conflicts: conflicts}
			return nil
		}

		var granted []Reservation
		for _, p := range paths {
			res, err := tx.Exec(ctx, `INSERT INTO file_reservations
				(project_id, agent_id, path_pattern, exclusive, reason, created_ts, expires_ts)
				VALUES (?,?,?,?,?,?,?)`,
				projectID, agentID, p, boolToInt(exclusive), reason, store.FormatTS(now), store.FormatTS(expires))
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			granted = append(granted, Reservation{
				ID: id, ProjectID: projectID, AgentID: agentID, PathPattern: p,
				Exclusive: exclusive, Reason: reason, CreatedTS: now, ExpiresTS: expires,
			})
		}
		result = &ReserveResult{Granted: granted, Conflicts: []ConflictInfo{}}
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap("file_reservation_paths", apierr.KindStorage, err)
	}
	return result, nil
}

func activeReservations(ctx context.Context, tx *store.Tx, projectID int64, now time.Time) ([]activeRow, error) {
	rows, err := tx.Query(ctx, `SELECT r.id, r.agent_id, a.name, r.path_pattern, r.exclusive
		FROM file_reservations r JOIN agents a ON a.id = r.agent_id
		WHERE r.project_id = ? AND r.released_ts IS NULL AND r.expires_ts > ?`,
		projectID, store.FormatTS(now))
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	defer rows.Close()

	var out []activeRow
	for rows.Next() {
		var a activeRow
		var exclusive int
		if err := rows.Scan(&a.id, &a.agentID, &a.agentName, &a.pattern, &exclusive); err != nil {
			return nil, fmt.Errorf("scan active reservation: %w", err)
		}
		a.exclusive = exclusive != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// List returns reservations for a project, optionally filtered to active
// only.
func (c *Controller) List(ctx context.Context, projectID int64, activeOnly bool) ([]Reservation, error) {
	query := `SELECT id, project_id, agent_id, path_pattern, exclusive, reason, created_ts, expires_ts, released_ts
		FROM file_reservations WHERE project_id = ?`
	args := []any{projectID}
	if activeOnly {
		query += " AND released_ts IS NULL AND expires_ts > ?"
		args = append(args, store.FormatTS(store.Now()))
	}
	query += " ORDER BY id"

	rows, err := c.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap("list_reservations", apierr.KindStorage, err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Release marks a reservation released. Idempotent: a second call on an
// already-released row succeeds without changing released_ts.
func (c *Controller) Release(ctx context.Context, reservationID, agentID int64) error {
	r, err := c.byID(ctx, reservationID)
	if err != nil {
		return err
	}
	if r.AgentID != agentID {
		return apierr.NotOwner(fmt.Sprintf("agent #%d", agentID))
	}
	if r.ReleasedTS != nil {
		return nil // already released: idempotent success
	}
	_, err = c.st.DB().ExecContext(ctx, "UPDATE file_reservations SET released_ts = ? WHERE id = ? AND released_ts IS NULL",
		store.FormatTS(store.Now()), reservationID)
	if err != nil {
		return apierr.Wrap("release_reservation", apierr.KindStorage, err)
	}
	return nil
}

// ForceRelease is privileged: any identity able to call it (gated by the
// dispatch layer's RBAC) may release regardless of ownership.
func (c *Controller) ForceRelease(ctx context.Context, reservationID int64, note string) (*Reservation, error) {
	r, err := c.byID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.ReleasedTS == nil {
		_, err = c.st.DB().ExecContext(ctx, "UPDATE file_reservations SET released_ts = ? WHERE id = ?",
			store.FormatTS(store.Now()), reservationID)
		if err != nil {
			return nil, apierr.Wrap("force_release", apierr.KindStorage, err)
		}
	}
	return c.byID(ctx, reservationID)
}

// Renew sets a new expiry relative to now; rejects if already
// released/expired.
func (c *Controller) Renew(ctx context.Context, reservationID, agentID int64, ttlSeconds int) (*Reservation, error) {
	r, err := c.byID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.AgentID != agentID {
		return nil, apierr.NotOwner(fmt.Sprintf("agent #%d", agentID))
	}
	now := store.Now()
	if !r.Active(now) {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "reservation_id", Provided: reservationID,
			Reason: "reservation is already released or expired",
		})
	}
	if ttlSeconds < MinTTLSeconds || ttlSeconds > MaxTTLSeconds {
		return nil, apierr.Validation(apierr.ValidationFailure{
			Field: "ttl", Provided: ttlSeconds,
			Reason: fmt.Sprintf("ttl must be within [%d, %d] seconds", MinTTLSeconds, MaxTTLSeconds),
		})
	}
	newExpires := now.Add(time.Duration(ttlSeconds) * time.Second)
	_, err = c.st.DB().ExecContext(ctx, "UPDATE file_reservations SET expires_ts = ? WHERE id = ?",
		store.FormatTS(newExpires), reservationID)
	if err != nil {
		return nil, apierr.Wrap("renew_reservation", apierr.KindStorage, err)
	}
	return c.byID(ctx, reservationID)
}

// Check is used by the pre-commit guard: reservations held by
// requestingAgent are never conflicts.
func (c *Controller) Check(ctx context.Context, projectID int64, candidatePaths []string, requestingAgentName string) ([]ConflictInfo, error) {
	now := store.Now()
	rows, err := c.st.DB().QueryContext(ctx, `SELECT r.id, r.agent_id, a.name, r.path_pattern, r.exclusive
		FROM file_reservations r JOIN agents a ON a.id = r.agent_id
		WHERE r.project_id = ? AND r.released_ts IS NULL AND r.expires_ts > ? AND a.name != ?`,
		projectID, store.FormatTS(now), requestingAgentName)
	if err != nil {
		return nil, apierr.Wrap("check_reservations", apierr.KindStorage, err)
	}
	defer rows.Close()

	var active []activeRow
	for rows.Next() {
		var a activeRow
		var exclusive int
		if err := rows.Scan(&a.id, &a.agentID, &a.agentName, &a.pattern, &exclusive); err != nil {
			return nil, apierr.Wrap("scan reservation", apierr.KindStorage, err)
		}
		a.exclusive = exclusive != 0
		active = append(active, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap("check_reservations", apierr.KindStorage, err)
	}

	var conflicts []ConflictInfo
	for _, p := range candidatePaths {
		for _, a := range active {
			if overlaps(a.pattern, p) {
				conflicts = append(conflicts, ConflictInfo{Path: p, HolderAgent: a.agentName, HolderReservationID: a.id})
			}
		}
	}
	return conflicts, nil
}

func (c *Controller) byID(ctx context.Context, id int64) (*Reservation, error) {
	row := c.st.DB().QueryRowContext(ctx, `SELECT id, project_id, agent_id, path_pattern, exclusive, reason,
		created_ts, expires_ts, released_ts FROM file_reservations WHERE id = ?`, id)
	return scanReservationRow(row, id)
}

// Get fetches a single reservation by ID. Exported for callers that need
// the record after a state change the mutating methods don't return, such
// as the archive mirror re-reading a reservation just released.
func (c *Controller) Get(ctx context.Context, id int64) (*Reservation, error) {
	return c.byID(ctx, id)
}

func scanReservation(rows *sql.Rows) (*Reservation, error) {
	var r Reservation
	var exclusive int
	var createdTS, expiresTS string
	var releasedTS sql.NullString
	if err := rows.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.PathPattern, &exclusive, &r.Reason,
		&createdTS, &expiresTS, &releasedTS); err != nil {
		return nil, apierr.Wrap("scan reservation", apierr.KindStorage, err)
	}
	r.Exclusive = exclusive != 0
	r.CreatedTS, _ = store.ParseTS(createdTS)
	r.ExpiresTS, _ = store.ParseTS(expiresTS)
	if releasedTS.Valid {
		t, _ := store.ParseTS(releasedTS.String)
		r.ReleasedTS = &t
	}
	return &r, nil
}

func scanReservationRow(row *sql.Row, id int64) (*Reservation, error) {
	var r Reservation
	var exclusive int
	var createdTS, expiresTS string
	var releasedTS sql.NullString
	if err := row.Scan(&r.ID, &r.ProjectID, &r.AgentID, &r.PathPattern, &exclusive, &r.Reason,
		&createdTS, &expiresTS, &releasedTS); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.NotFound("reservation", fmt.Sprintf("%d", id))
		}
		return nil, apierr.Wrap("lookup reservation", apierr.KindStorage, err)
	}
	r.Exclusive = exclusive != 0
	r.CreatedTS, _ = store.ParseTS(createdTS)
	r.ExpiresTS, _ = store.ParseTS(expiresTS)
	if releasedTS.Valid {
		t, _ := store.ParseTS(releasedTS.String)
		r.ReleasedTS = &t
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
