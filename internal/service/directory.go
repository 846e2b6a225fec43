package service

import (
	"context"

	"github.com/iliyamo/event-access/internal/model"
)

// EntityDirectory resolves teams and their members.
type EntityDirectory interface {
	GetByID(ctx context.Context, id uint64) (*model.Entity, error)
	FindByMember(ctx context.Context, userID uint64) (*model.Entity, error)
	IsRepresentative(ctx context.Context, entityID, userID uint64) (bool, error)
}
