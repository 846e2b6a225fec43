package repository

import (
	"context"
	"database/sql"
)

// TxRunner scopes a unit of work to one database transaction.
type TxRunner struct{ db *sql.DB }

// NewTxRunner binds a TxRunner to db.
func NewTxRunner(db *sql.DB) *TxRunner { return &TxRunner{db: db} }

// WithTx runs fn inside a transaction.  The transaction commits when fn
// returns nil and rolls back otherwise, including on panic.
func (r *TxRunner) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
