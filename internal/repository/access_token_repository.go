package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/event-access/internal/model"
)

// TokenRepo persists checkpoint access tokens.  Tokens are looked up by the
// digest of the raw secret; the raw secret itself never reaches the table.
type TokenRepo struct{ db *sql.DB }

// NewTokenRepo binds a TokenRepo to db.
func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{db: db} }

const tokenColumns = `id, entity_id, checkpoint, token_hash, issued_at, expires_at, used_at, used_by, revoked_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Insert stores a freshly issued token.  A collision on token_hash returns
// ErrDuplicate so the issuer can regenerate the secret.  Re-inserting a row
// that is already stored with the same id and digest succeeds, so retrying
// a write whose acknowledgement was lost does not orphan the first token.
func (r *TokenRepo) Insert(ctx context.Context, t *model.AccessToken) error {
	return insertToken(ctx, r.db, t)
}

// InsertTx is Insert inside tx.
func (r *TokenRepo) InsertTx(ctx context.Context, tx *sql.Tx, t *model.AccessToken) error {
	return insertToken(ctx, tx, t)
}

func insertToken(ctx context.Context, q execer, t *model.AccessToken) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO access_tokens (id, entity_id, checkpoint, token_hash, issued_at, expires_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.EntityID, t.Checkpoint, t.TokenHash, t.IssuedAt.UTC(), t.ExpiresAt.UTC())
	if err == nil {
		return nil
	}
	if !isDuplicate(err) {
		return err
	}
	var stored string
	switch lookupErr := q.QueryRowContext(ctx, `SELECT token_hash FROM access_tokens WHERE id=?`, t.ID).Scan(&stored); {
	case lookupErr == nil && stored == t.TokenHash:
		return nil
	case lookupErr != nil && !errors.Is(lookupErr, sql.ErrNoRows):
		return lookupErr
	}
	return ErrDuplicate
}

// GetByHash fetches a token by digest.  ErrNotFound when absent.
func (r *TokenRepo) GetByHash(ctx context.Context, tokenHash string) (*model.AccessToken, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM access_tokens WHERE token_hash=? LIMIT 1`, tokenHash)
	return scanToken(row)
}

// MarkUsedTx sets used_at/used_by only if the token is still unused and
// not revoked.  It reports whether this call performed the transition;
// false means another redemption or a reissue got there first.
func (r *TokenRepo) MarkUsedTx(ctx context.Context, tx *sql.Tx, id string, usedAt time.Time, usedBy string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE access_tokens SET used_at=?, used_by=? WHERE id=? AND used_at IS NULL AND revoked_at IS NULL`,
		usedAt.UTC(), usedBy, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeUnusedTx supersedes every unused, unexpired, unrevoked token of
// the (entity, checkpoint) pair except keepID.  It returns the number of
// tokens revoked.  The UPDATE takes next-key locks on the pair's index
// range, so two reissues for one pair serialize or deadlock (and retry)
// rather than both leaving a live token.
func (r *TokenRepo) RevokeUnusedTx(ctx context.Context, tx *sql.Tx, entityID uint64, checkpoint, keepID string, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE access_tokens SET revoked_at=?
		 WHERE entity_id=? AND checkpoint=? AND id<>? AND used_at IS NULL AND revoked_at IS NULL AND expires_at > ?`,
		now.UTC(), entityID, checkpoint, keepID, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes tokens that expired before the cutoff.  Attendance
// rows are untouched, so a swept token leaves its check-in in place.
func (r *TokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanToken(row *sql.Row) (*model.AccessToken, error) {
	var (
		t         model.AccessToken
		usedAt    sql.NullTime
		usedBy    sql.NullString
		revokedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.EntityID, &t.Checkpoint, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &usedAt, &usedBy, &revokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if usedAt.Valid {
		ts := usedAt.Time.UTC()
		t.UsedAt = &ts
	}
	if usedBy.Valid {
		by := usedBy.String
		t.UsedBy = &by
	}
	if revokedAt.Valid {
		ts := revokedAt.Time.UTC()
		t.RevokedAt = &ts
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}
