package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/event-access/internal/model"
)

// AttendanceRepo is the arrival ledger.  The (entity_id, checkpoint)
// primary key is the only thing standing between two racing redemptions
// and a double check-in, so every write goes through the key's conflict
// handling rather than a read-then-insert.
type AttendanceRepo struct{ db *sql.DB }

// NewAttendanceRepo binds an AttendanceRepo to db.
func NewAttendanceRepo(db *sql.DB) *AttendanceRepo { return &AttendanceRepo{db: db} }

// RecordArrivalTx inserts the record unless one already exists for the
// pair.  It reports whether a new row was written.  The no-op update on
// conflict leaves the existing row untouched and affects zero rows.
func (r *AttendanceRepo) RecordArrivalTx(ctx context.Context, tx *sql.Tx, rec model.AttendanceRecord) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO attendance_records (entity_id, checkpoint, checked_in_at, recorded_by) VALUES (?,?,?,?)
		 ON DUPLICATE KEY UPDATE entity_id = entity_id`,
		rec.EntityID, rec.Checkpoint, rec.CheckedInAt.UTC(), rec.RecordedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetArrivalTx reads the record for the pair inside tx.
func (r *AttendanceRepo) GetArrivalTx(ctx context.Context, tx *sql.Tx, entityID uint64, checkpoint string) (*model.AttendanceRecord, error) {
	return scanArrival(tx.QueryRowContext(ctx, arrivalQuery, entityID, checkpoint))
}

// GetArrival reads the record for the pair.  ErrNotFound when absent.
func (r *AttendanceRepo) GetArrival(ctx context.Context, entityID uint64, checkpoint string) (*model.AttendanceRecord, error) {
	return scanArrival(r.db.QueryRowContext(ctx, arrivalQuery, entityID, checkpoint))
}

// ListByEntity returns every check-in of a team, oldest first.
func (r *AttendanceRepo) ListByEntity(ctx context.Context, entityID uint64) ([]model.AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, checkpoint, checked_in_at, recorded_by FROM attendance_records
		 WHERE entity_id=? ORDER BY checked_in_at`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AttendanceRecord, 0)
	for rows.Next() {
		var rec model.AttendanceRecord
		if err := rows.Scan(&rec.EntityID, &rec.Checkpoint, &rec.CheckedInAt, &rec.RecordedBy); err != nil {
			return nil, err
		}
		rec.CheckedInAt = rec.CheckedInAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

const arrivalQuery = `SELECT entity_id, checkpoint, checked_in_at, recorded_by
	FROM attendance_records WHERE entity_id=? AND checkpoint=? LIMIT 1`

func scanArrival(row *sql.Row) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	if err := row.Scan(&rec.EntityID, &rec.Checkpoint, &rec.CheckedInAt, &rec.RecordedBy); err != nil {
		return nil, notFound(err)
	}
	rec.CheckedInAt = rec.CheckedInAt.UTC()
	return &rec, nil
}
