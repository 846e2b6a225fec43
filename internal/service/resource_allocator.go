package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/observability"
	"github.com/iliyamo/event-access/internal/queue"
	"github.com/iliyamo/event-access/internal/repository"
)

// errAssignmentRace aborts an allocation whose assignment insert lost to a
// concurrent transaction for the same team.
var errAssignmentRace = errors.New("assignment written concurrently")

// AllocateRequest names the team and the unit it wants.  Resource is a
// unit id when numeric, otherwise its title within Domain.
type AllocateRequest struct {
	EntityID uint64
	Domain   string
	Resource string
}

// Allocation is the team's assignment together with the unit it points at.
// Replayed is set when the team already held this exact unit.
type Allocation struct {
	Assignment model.ResourceAssignment
	Resource   model.ResourceUnit
	Replayed   bool
}

// ResourceAllocator hands out capacity-bounded challenge slots.
type ResourceAllocator struct {
	deps
	tx    Transactor
	store AllocationStore
}

// NewResourceAllocator wires an allocator.
func NewResourceAllocator(tx Transactor, store AllocationStore, opts ...Option) *ResourceAllocator {
	return &ResourceAllocator{
		deps:  newDeps("resource_allocator", opts),
		tx:    tx,
		store: store,
	}
}

// Allocate assigns one seat of the requested unit to the team.  A team
// holds at most one unit: asking again for the unit it already holds is
// an idempotent replay, asking for a different one is a conflict.  The
// unit row is locked for the whole check-and-increment, so assigned_count
// can never pass capacity.
func (s *ResourceAllocator) Allocate(ctx context.Context, req AllocateRequest) (Allocation, error) {
	ctx, span := observability.StartSpan(ctx, "ResourceAllocator.Allocate",
		attribute.Int64("entity.id", int64(req.EntityID)), attribute.String("resource.domain", req.Domain))
	got, err := s.allocate(ctx, req)
	if err == nil {
		span.SetAttributes(attribute.Bool("replayed", got.Replayed))
	}
	observability.EndSpan(span, err)
	return got, err
}

func (s *ResourceAllocator) allocate(ctx context.Context, req AllocateRequest) (Allocation, error) {
	req.Domain = strings.TrimSpace(req.Domain)
	req.Resource = strings.TrimSpace(req.Resource)
	switch {
	case req.EntityID == 0:
		return Allocation{}, apperr.E(apperr.KindValidation, "", "entity id is required")
	case req.Domain == "":
		return Allocation{}, apperr.E(apperr.KindValidation, "", "resource domain is required")
	case req.Resource == "":
		return Allocation{}, apperr.E(apperr.KindValidation, "", "resource is required")
	}

	var (
		out       Allocation
		requested model.ResourceUnit
	)
	err := s.retry.do(ctx, "resource.allocate", func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
			unit, err := s.lock(ctx, tx, req)
			if errors.Is(err, repository.ErrNotFound) {
				return apperr.E(apperr.KindNotFound, "", "resource not found")
			}
			if err != nil {
				return err
			}
			requested = *unit

			existing, err := s.store.AssignmentByEntityTx(ctx, tx, req.EntityID)
			switch {
			case err == nil:
				out, err = s.resolveExisting(*existing, *unit)
				return err
			case !errors.Is(err, repository.ErrNotFound):
				return err
			}

			if unit.Full() {
				return noCapacity(unit)
			}
			ok, err := s.store.IncrementAssignedTx(ctx, tx, unit.ID)
			if err != nil {
				return err
			}
			if !ok {
				return noCapacity(unit)
			}
			a := model.ResourceAssignment{EntityID: req.EntityID, ResourceID: unit.ID, AssignedAt: s.clock()}
			if err := s.store.InsertAssignmentTx(ctx, tx, a); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return errAssignmentRace
				}
				return err
			}
			unit.AssignedCount++
			out = Allocation{Assignment: a, Resource: *unit}
			return nil
		})
	})
	if errors.Is(err, errAssignmentRace) {
		out, err = s.afterRace(ctx, req.EntityID, requested)
	}
	if err != nil {
		s.recordFailure(err)
		return Allocation{}, finalErr(err)
	}

	if out.Replayed {
		observability.RecordAllocation("replayed")
		return out, nil
	}
	observability.RecordAllocation("assigned")
	s.logger.Info("resource assigned",
		"entity_id", req.EntityID, "resource_id", out.Resource.ID,
		"assigned_count", out.Resource.AssignedCount, "capacity", out.Resource.Capacity)
	s.publish(ctx, queue.ResourceAssignedQueue, func(ctx context.Context, p EventPublisher) error {
		return p.PublishAssignment(ctx, queue.ResourceAssignedEvent{
			EntityID:      out.Assignment.EntityID,
			ResourceID:    out.Resource.ID,
			Domain:        out.Resource.Domain,
			Title:         out.Resource.Title,
			AssignedCount: out.Resource.AssignedCount,
			Capacity:      out.Resource.Capacity,
			AssignedAt:    out.Assignment.AssignedAt.Format(time.RFC3339Nano),
		})
	})
	return out, nil
}

func (s *ResourceAllocator) lock(ctx context.Context, tx *sql.Tx, req AllocateRequest) (*model.ResourceUnit, error) {
	if id, err := strconv.ParseUint(req.Resource, 10, 64); err == nil {
		return s.store.LockByIDTx(ctx, tx, req.Domain, id)
	}
	return s.store.LockByTitleTx(ctx, tx, req.Domain, req.Resource)
}

// resolveExisting decides between replay and conflict for a team that
// already holds an assignment.
func (s *ResourceAllocator) resolveExisting(existing model.ResourceAssignment, requested model.ResourceUnit) (Allocation, error) {
	if existing.ResourceID != requested.ID {
		return Allocation{}, apperr.E(apperr.KindConflict, apperr.ReasonAlreadyAssigned,
			fmt.Sprintf("team already holds resource %d", existing.ResourceID))
	}
	return Allocation{Assignment: existing, Resource: requested, Replayed: true}, nil
}

// afterRace re-reads the assignment that beat ours and resolves it the
// same way a sequential second request would be.
func (s *ResourceAllocator) afterRace(ctx context.Context, entityID uint64, requested model.ResourceUnit) (Allocation, error) {
	var existing *model.ResourceAssignment
	err := s.retry.do(ctx, "resource.assignment", func(ctx context.Context) error {
		a, err := s.store.AssignmentByEntity(ctx, entityID)
		existing = a
		return err
	})
	if err != nil {
		return Allocation{}, err
	}
	if existing.ResourceID == requested.ID {
		var unit *model.ResourceUnit
		err := s.retry.do(ctx, "resource.get", func(ctx context.Context) error {
			u, err := s.store.GetByID(ctx, requested.ID)
			unit = u
			return err
		})
		if err != nil {
			return Allocation{}, err
		}
		requested = *unit
	}
	return s.resolveExisting(*existing, requested)
}

func (s *ResourceAllocator) recordFailure(err error) {
	switch {
	case apperr.ReasonOf(err) == apperr.ReasonNoCapacity:
		observability.RecordAllocation("no_capacity")
	case apperr.ReasonOf(err) == apperr.ReasonAlreadyAssigned:
		observability.RecordAllocation("already_assigned")
	case apperr.IsKind(err, apperr.KindNotFound):
		observability.RecordAllocation("not_found")
	default:
		observability.RecordAllocation("error")
	}
}

func noCapacity(unit *model.ResourceUnit) error {
	return apperr.E(apperr.KindConflict, apperr.ReasonNoCapacity,
		fmt.Sprintf("resource %q is full (%d/%d)", unit.Title, unit.AssignedCount, unit.Capacity))
}

// ListResources returns the units of a domain with their current counts.
func (s *ResourceAllocator) ListResources(ctx context.Context, domain string) ([]model.ResourceUnit, error) {
	var units []model.ResourceUnit
	err := s.retry.do(ctx, "resource.list", func(ctx context.Context) error {
		u, err := s.store.ListByDomain(ctx, strings.TrimSpace(domain))
		units = u
		return err
	})
	if err != nil {
		return nil, finalErr(err)
	}
	return units, nil
}

// AssignmentFor returns the team's current assignment.
func (s *ResourceAllocator) AssignmentFor(ctx context.Context, entityID uint64) (Allocation, error) {
	var (
		a    *model.ResourceAssignment
		unit *model.ResourceUnit
	)
	err := s.retry.do(ctx, "resource.assignment", func(ctx context.Context) error {
		var err error
		if a, err = s.store.AssignmentByEntity(ctx, entityID); err != nil {
			return err
		}
		unit, err = s.store.GetByID(ctx, a.ResourceID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return Allocation{}, apperr.E(apperr.KindNotFound, "", "team has no assignment")
	}
	if err != nil {
		return Allocation{}, finalErr(err)
	}
	return Allocation{Assignment: *a, Resource: *unit, Replayed: true}, nil
}
