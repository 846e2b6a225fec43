package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/observability"
	"github.com/iliyamo/event-access/internal/queue"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/utils"
)

// errConsumed aborts a redemption transaction whose token was marked used
// or revoked by a concurrent request after we read it.
var errConsumed = errors.New("token consumed concurrently")

// Redemption is the outcome of a successful verification.  AlreadyRedeemed
// is set on replays; RedeemedAt is always the first, recorded arrival.
type Redemption struct {
	EntityID        uint64
	EntityLabel     string
	Checkpoint      string
	AlreadyRedeemed bool
	RedeemedAt      time.Time
}

// TokenVerifier redeems tokens at the gate.
type TokenVerifier struct {
	deps
	tx        Transactor
	tokens    TokenStore
	ledger    AttendanceLedger
	directory EntityDirectory
}

// NewTokenVerifier wires a verifier.  directory may be nil, in which case
// redemptions carry no team label.
func NewTokenVerifier(tx Transactor, tokens TokenStore, ledger AttendanceLedger, directory EntityDirectory, opts ...Option) *TokenVerifier {
	return &TokenVerifier{
		deps:      newDeps("token_verifier", opts),
		tx:        tx,
		tokens:    tokens,
		ledger:    ledger,
		directory: directory,
	}
}

// Verify redeems raw on behalf of verifier.  The token write and the
// attendance write commit together or not at all.  A token that was
// already used, or whose pair already has an arrival, is a replay: the
// result carries the original timestamp and nothing is written.
func (s *TokenVerifier) Verify(ctx context.Context, raw, verifier string) (Redemption, error) {
	ctx, span := observability.StartSpan(ctx, "TokenVerifier.Verify")
	r, err := s.verify(ctx, raw, verifier)
	if err == nil {
		span.SetAttributes(attribute.Int64("entity.id", int64(r.EntityID)),
			attribute.String("checkpoint", r.Checkpoint), attribute.Bool("replayed", r.AlreadyRedeemed))
	}
	observability.EndSpan(span, err)
	return r, err
}

func (s *TokenVerifier) verify(ctx context.Context, raw, verifier string) (Redemption, error) {
	raw = strings.TrimSpace(raw)
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return Redemption{}, apperr.E(apperr.KindUnauthenticated, apperr.ReasonBadVerifierCred, "verifier identity required")
	}
	if raw == "" {
		observability.RecordRedemption("not_found")
		return Redemption{}, apperr.E(apperr.KindNotFound, apperr.ReasonInvalidToken, "invalid token")
	}

	var tok *model.AccessToken
	err := s.retry.do(ctx, "token.lookup", func(ctx context.Context) error {
		t, err := s.tokens.GetByHash(ctx, utils.HashToken(raw))
		tok = t
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		observability.RecordRedemption("not_found")
		return Redemption{}, apperr.E(apperr.KindNotFound, apperr.ReasonInvalidToken, "invalid token")
	}
	if err != nil {
		observability.RecordRedemption("error")
		return Redemption{}, finalErr(err)
	}

	now := s.clock()
	if tok.ExpiredAt(now) {
		observability.RecordRedemption("expired")
		return Redemption{}, apperr.E(apperr.KindExpired, apperr.ReasonExpiredToken, "token expired")
	}
	if tok.Used() {
		return s.replay(ctx, tok)
	}

	var out Redemption
	err = s.retry.do(ctx, "token.redeem", func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
			inserted, err := s.ledger.RecordArrivalTx(ctx, tx, model.AttendanceRecord{
				EntityID:    tok.EntityID,
				Checkpoint:  tok.Checkpoint,
				CheckedInAt: now,
				RecordedBy:  verifier,
			})
			if err != nil {
				return err
			}
			marked, err := s.tokens.MarkUsedTx(ctx, tx, tok.ID, now, verifier)
			if err != nil {
				return err
			}
			if !marked {
				return errConsumed
			}
			rec, err := s.ledger.GetArrivalTx(ctx, tx, tok.EntityID, tok.Checkpoint)
			if err != nil {
				return err
			}
			out = Redemption{
				EntityID:        tok.EntityID,
				Checkpoint:      tok.Checkpoint,
				AlreadyRedeemed: !inserted,
				RedeemedAt:      rec.CheckedInAt,
			}
			return nil
		})
	})
	if errors.Is(err, errConsumed) {
		return s.afterConsumed(ctx, tok.TokenHash)
	}
	if err != nil {
		observability.RecordRedemption("error")
		return Redemption{}, finalErr(err)
	}
	out.EntityLabel = s.label(ctx, out.EntityID)

	if out.AlreadyRedeemed {
		// A sibling token for the same pair was redeemed first.  This one
		// is now spent as well, but no arrival was added.
		observability.RecordRedemption("replayed")
		s.logger.Info("checkpoint already recorded", "entity_id", out.EntityID, "checkpoint", out.Checkpoint, "verifier", verifier)
		return out, nil
	}

	observability.RecordRedemption("recorded")
	s.logger.Info("check-in recorded", "entity_id", out.EntityID, "checkpoint", out.Checkpoint, "verifier", verifier)
	s.publish(ctx, queue.CheckinRecordedQueue, func(ctx context.Context, p EventPublisher) error {
		return p.PublishCheckin(ctx, queue.CheckinRecordedEvent{
			EntityID:    out.EntityID,
			EntityLabel: out.EntityLabel,
			Checkpoint:  out.Checkpoint,
			CheckedInAt: out.RedeemedAt.Format(time.RFC3339Nano),
			RecordedBy:  verifier,
		})
	})
	return out, nil
}

// afterConsumed re-reads a token that changed under a redemption.  A token
// revoked by a reissue is expired; one spent by another verifier replays.
func (s *TokenVerifier) afterConsumed(ctx context.Context, tokenHash string) (Redemption, error) {
	var tok *model.AccessToken
	err := s.retry.do(ctx, "token.lookup", func(ctx context.Context) error {
		t, err := s.tokens.GetByHash(ctx, tokenHash)
		tok = t
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		observability.RecordRedemption("not_found")
		return Redemption{}, apperr.E(apperr.KindNotFound, apperr.ReasonInvalidToken, "invalid token")
	}
	if err != nil {
		observability.RecordRedemption("error")
		return Redemption{}, finalErr(err)
	}
	if tok.RevokedAt != nil && !tok.Used() {
		observability.RecordRedemption("expired")
		return Redemption{}, apperr.E(apperr.KindExpired, apperr.ReasonExpiredToken, "token expired")
	}
	return s.replay(ctx, tok)
}

// replay answers for a token that is already spent, using the arrival
// recorded by whichever redemption got there first.
func (s *TokenVerifier) replay(ctx context.Context, tok *model.AccessToken) (Redemption, error) {
	var rec *model.AttendanceRecord
	err := s.retry.do(ctx, "attendance.lookup", func(ctx context.Context) error {
		r, err := s.ledger.GetArrival(ctx, tok.EntityID, tok.Checkpoint)
		rec = r
		return err
	})
	out := Redemption{EntityID: tok.EntityID, Checkpoint: tok.Checkpoint, AlreadyRedeemed: true}
	switch {
	case err == nil:
		out.RedeemedAt = rec.CheckedInAt
	case errors.Is(err, repository.ErrNotFound) && tok.UsedAt != nil:
		// Token and arrival are written together, so this only happens if
		// the ledger row was removed by hand.
		out.RedeemedAt = tok.UsedAt.UTC()
	default:
		observability.RecordRedemption("error")
		return Redemption{}, finalErr(err)
	}
	out.EntityLabel = s.label(ctx, tok.EntityID)
	observability.RecordRedemption("replayed")
	return out, nil
}

func (s *TokenVerifier) label(ctx context.Context, entityID uint64) string {
	if s.directory == nil {
		return ""
	}
	e, err := s.directory.GetByID(ctx, entityID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("team lookup failed", "entity_id", entityID, "err", err)
		}
		return ""
	}
	return e.Label
}

// Arrivals lists the recorded check-ins of a team, oldest first.
func (s *TokenVerifier) Arrivals(ctx context.Context, entityID uint64) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	err := s.retry.do(ctx, "attendance.list", func(ctx context.Context) error {
		recs, err := s.ledger.ListByEntity(ctx, entityID)
		out = recs
		return err
	})
	if err != nil {
		return nil, finalErr(err)
	}
	return out, nil
}
