package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/event-access/internal/model"
)

// ResourceRepo stores challenge slots and the assignments made against
// them.  Capacity checks happen under a row lock taken with SELECT ... FOR
// UPDATE; the increment itself is also conditional so a missing lock can
// never oversell a unit.
type ResourceRepo struct{ db *sql.DB }

// NewResourceRepo binds a ResourceRepo to db.
func NewResourceRepo(db *sql.DB) *ResourceRepo { return &ResourceRepo{db: db} }

const unitColumns = `id, domain, title, capacity, assigned_count`

// LockByIDTx locks and returns the unit with the given id in domain.
func (r *ResourceRepo) LockByIDTx(ctx context.Context, tx *sql.Tx, domain string, id uint64) (*model.ResourceUnit, error) {
	return scanUnit(tx.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM resource_units WHERE id=? AND domain=? FOR UPDATE`, id, domain))
}

// LockByTitleTx locks and returns the unit with the given title in domain.
func (r *ResourceRepo) LockByTitleTx(ctx context.Context, tx *sql.Tx, domain, title string) (*model.ResourceUnit, error) {
	return scanUnit(tx.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM resource_units WHERE domain=? AND title=? FOR UPDATE`, domain, title))
}

// IncrementAssignedTx takes one seat on the unit.  It reports false when
// the unit was already full.
func (r *ResourceRepo) IncrementAssignedTx(ctx context.Context, tx *sql.Tx, id uint64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE resource_units SET assigned_count = assigned_count + 1 WHERE id=? AND assigned_count < capacity`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertAssignmentTx records the assignment.  ErrDuplicate means the team
// already holds one (possibly written by a concurrent transaction).
func (r *ResourceRepo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a model.ResourceAssignment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO resource_assignments (entity_id, resource_id, assigned_at) VALUES (?,?,?)`,
		a.EntityID, a.ResourceID, a.AssignedAt.UTC())
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// AssignmentByEntityTx returns the team's assignment inside tx.
func (r *ResourceRepo) AssignmentByEntityTx(ctx context.Context, tx *sql.Tx, entityID uint64) (*model.ResourceAssignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx, assignmentQuery, entityID))
}

// AssignmentByEntity returns the team's assignment.  ErrNotFound when the
// team holds none.
func (r *ResourceRepo) AssignmentByEntity(ctx context.Context, entityID uint64) (*model.ResourceAssignment, error) {
	return scanAssignment(r.db.QueryRowContext(ctx, assignmentQuery, entityID))
}

// GetByID returns a unit without locking it.
func (r *ResourceRepo) GetByID(ctx context.Context, id uint64) (*model.ResourceUnit, error) {
	return scanUnit(r.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM resource_units WHERE id=?`, id))
}

// ListByDomain returns the units of a domain ordered by title.  An empty
// domain lists every unit.
func (r *ResourceRepo) ListByDomain(ctx context.Context, domain string) ([]model.ResourceUnit, error) {
	q := `SELECT ` + unitColumns + ` FROM resource_units`
	args := []interface{}{}
	if domain != "" {
		q += ` WHERE domain=?`
		args = append(args, domain)
	}
	q += ` ORDER BY domain, title`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	units := make([]model.ResourceUnit, 0)
	for rows.Next() {
		var u model.ResourceUnit
		if err := rows.Scan(&u.ID, &u.Domain, &u.Title, &u.Capacity, &u.AssignedCount); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

const assignmentQuery = `SELECT entity_id, resource_id, assigned_at FROM resource_assignments WHERE entity_id=? LIMIT 1`

func scanUnit(row *sql.Row) (*model.ResourceUnit, error) {
	var u model.ResourceUnit
	if err := row.Scan(&u.ID, &u.Domain, &u.Title, &u.Capacity, &u.AssignedCount); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func scanAssignment(row *sql.Row) (*model.ResourceAssignment, error) {
	var (
		a  model.ResourceAssignment
		at time.Time
	)
	if err := row.Scan(&a.EntityID, &a.ResourceID, &at); err != nil {
		return nil, notFound(err)
	}
	a.AssignedAt = at.UTC()
	return &a, nil
}
