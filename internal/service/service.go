// Package service holds the access-control core: checkpoint token issuance
// and redemption, and challenge slot allocation.  Components keep no
// correctness-relevant state of their own; every cross-request guarantee
// comes from the store's row locks, conditional updates and unique keys.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/queue"
	"github.com/iliyamo/event-access/internal/repository"
)

// Transactor runs fn inside one store transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// TokenStore persists access tokens keyed by digest.
type TokenStore interface {
	Insert(ctx context.Context, t *model.AccessToken) error
	InsertTx(ctx context.Context, tx *sql.Tx, t *model.AccessToken) error
	GetByHash(ctx context.Context, tokenHash string) (*model.AccessToken, error)
	MarkUsedTx(ctx context.Context, tx *sql.Tx, id string, usedAt time.Time, usedBy string) (bool, error)
	RevokeUnusedTx(ctx context.Context, tx *sql.Tx, entityID uint64, checkpoint, keepID string, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// AttendanceLedger records at most one arrival per (team, checkpoint).
type AttendanceLedger interface {
	RecordArrivalTx(ctx context.Context, tx *sql.Tx, rec model.AttendanceRecord) (bool, error)
	GetArrivalTx(ctx context.Context, tx *sql.Tx, entityID uint64, checkpoint string) (*model.AttendanceRecord, error)
	GetArrival(ctx context.Context, entityID uint64, checkpoint string) (*model.AttendanceRecord, error)
	ListByEntity(ctx context.Context, entityID uint64) ([]model.AttendanceRecord, error)
}

// AllocationStore holds resource units and assignments.
type AllocationStore interface {
	LockByIDTx(ctx context.Context, tx *sql.Tx, domain string, id uint64) (*model.ResourceUnit, error)
	LockByTitleTx(ctx context.Context, tx *sql.Tx, domain, title string) (*model.ResourceUnit, error)
	IncrementAssignedTx(ctx context.Context, tx *sql.Tx, id uint64) (bool, error)
	InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a model.ResourceAssignment) error
	AssignmentByEntityTx(ctx context.Context, tx *sql.Tx, entityID uint64) (*model.ResourceAssignment, error)
	AssignmentByEntity(ctx context.Context, entityID uint64) (*model.ResourceAssignment, error)
	GetByID(ctx context.Context, id uint64) (*model.ResourceUnit, error)
	ListByDomain(ctx context.Context, domain string) ([]model.ResourceUnit, error)
}

// EventPublisher receives domain events after commit.  Delivery is best
// effort: a failed publish is logged and never fails the request.
type EventPublisher interface {
	PublishCheckin(ctx context.Context, ev queue.CheckinRecordedEvent) error
	PublishAssignment(ctx context.Context, ev queue.ResourceAssignedEvent) error
}

// deps are the collaborators every component shares.
type deps struct {
	now       func() time.Time
	logger    *slog.Logger
	publisher EventPublisher
	retry     RetryPolicy
}

// Option customises a component.
type Option func(*deps)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *deps) { d.now = now } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(d *deps) { d.logger = l } }

// WithPublisher sets the event publisher.
func WithPublisher(p EventPublisher) Option { return func(d *deps) { d.publisher = p } }

// WithRetry sets the retry policy for transient store failures.
func WithRetry(p RetryPolicy) Option { return func(d *deps) { d.retry = p } }

func newDeps(component string, opts []Option) deps {
	d := deps{
		now:    time.Now,
		logger: slog.Default(),
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	d.logger = d.logger.With("component", component)
	return d
}

// clock returns the current UTC time at the store's microsecond precision,
// so a value returned to a caller equals the value read back later.
func (d deps) clock() time.Time {
	return d.now().UTC().Truncate(time.Microsecond)
}

const publishTimeout = 2 * time.Second

func (d deps) publish(ctx context.Context, kind string, fn func(ctx context.Context, p EventPublisher) error) {
	if d.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := fn(pctx, d.publisher); err != nil {
		d.logger.Warn("event publish failed", "event", kind, "err", err)
	}
}

// storeErr classifies a raw store error.  Transient failures become
// Unavailable (and are retried); typed errors and repository sentinels
// pass through for the caller to interpret.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	if repository.IsTransient(err) {
		return apperr.Wrap(apperr.KindUnavailable, apperr.ReasonStoreUnavailable, "store unavailable, retry later", err)
	}
	return err
}

// finalErr converts whatever escaped the retry loop into a typed error.
func finalErr(err error) error {
	if err == nil {
		return nil
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindUnavailable, apperr.ReasonStoreUnavailable, "store unavailable, retry later", err)
	}
	return apperr.Wrap(apperr.KindInternal, "", "internal error", err)
}
