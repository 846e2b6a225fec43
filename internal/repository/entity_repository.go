package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/event-access/internal/model"
)

// EntityRepo reads the team directory owned by the registration platform.
type EntityRepo struct{ db *sql.DB }

// NewEntityRepo binds an EntityRepo to db.
func NewEntityRepo(db *sql.DB) *EntityRepo { return &EntityRepo{db: db} }

// GetByID fetches a team by id.
func (r *EntityRepo) GetByID(ctx context.Context, id uint64) (*model.Entity, error) {
	var e model.Entity
	err := r.db.QueryRowContext(ctx, "SELECT id, name FROM teams WHERE id=? LIMIT 1", id).Scan(&e.ID, &e.Label)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// FindByMember returns the team a session user belongs to.
func (r *EntityRepo) FindByMember(ctx context.Context, userID uint64) (*model.Entity, error) {
	var e model.Entity
	err := r.db.QueryRowContext(ctx,
		`SELECT t.id, t.name FROM team_members m JOIN teams t ON t.id = m.team_id WHERE m.user_id=? LIMIT 1`,
		userID).Scan(&e.ID, &e.Label)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// IsRepresentative reports whether userID leads the team.
func (r *EntityRepo) IsRepresentative(ctx context.Context, entityID, userID uint64) (bool, error) {
	var role string
	err := r.db.QueryRowContext(ctx,
		"SELECT role FROM team_members WHERE team_id=? AND user_id=? LIMIT 1",
		entityID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == model.MemberRoleLeader, nil
}
