package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/observability"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/utils"
)

// IssuerConfig configures a TokenIssuer.
type IssuerConfig struct {
	TTL             time.Duration
	Checkpoints     []string
	MaxAttempts     int  // bound on digest collisions before giving up
	RevokeOnReissue bool // revoke unused tokens for the same pair before issuing
}

// IssuedToken is returned once to the holder.  Raw is never stored.
type IssuedToken struct {
	Raw        string    `json:"raw_token"`
	EntityID   uint64    `json:"-"`
	Checkpoint string    `json:"checkpoint"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TokenIssuer mints single-use checkpoint tokens.
type TokenIssuer struct {
	deps
	tx          Transactor
	tokens      TokenStore
	cfg         IssuerConfig
	checkpoints map[string]struct{}
}

// NewTokenIssuer returns an issuer over tokens.  tx is only used when
// RevokeOnReissue is set.
func NewTokenIssuer(tx Transactor, tokens TokenStore, cfg IssuerConfig, opts ...Option) *TokenIssuer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	allowed := make(map[string]struct{}, len(cfg.Checkpoints))
	for _, cp := range cfg.Checkpoints {
		allowed[cp] = struct{}{}
	}
	return &TokenIssuer{
		deps:        newDeps("token_issuer", opts),
		tx:          tx,
		tokens:      tokens,
		cfg:         cfg,
		checkpoints: allowed,
	}
}

// ValidCheckpoint reports whether cp is one of the configured checkpoints.
func (s *TokenIssuer) ValidCheckpoint(cp string) bool {
	_, ok := s.checkpoints[cp]
	return ok
}

// Issue mints a token for (entityID, checkpoint).  Earlier unused tokens
// for the same pair stay valid unless RevokeOnReissue is set; either way
// at most one of them can ever be redeemed.
func (s *TokenIssuer) Issue(ctx context.Context, entityID uint64, checkpoint string) (IssuedToken, error) {
	ctx, span := observability.StartSpan(ctx, "TokenIssuer.Issue",
		attribute.Int64("entity.id", int64(entityID)), attribute.String("checkpoint", checkpoint))
	tok, err := s.issue(ctx, entityID, checkpoint)
	observability.EndSpan(span, err)
	return tok, err
}

func (s *TokenIssuer) issue(ctx context.Context, entityID uint64, checkpoint string) (IssuedToken, error) {
	checkpoint = strings.TrimSpace(checkpoint)
	if entityID == 0 {
		return IssuedToken{}, apperr.E(apperr.KindValidation, "", "entity id is required")
	}
	if !s.ValidCheckpoint(checkpoint) {
		return IssuedToken{}, apperr.E(apperr.KindValidation, apperr.ReasonInvalidCheckpoint, "unknown checkpoint")
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		raw, err := utils.NewCheckpointSecret()
		if err != nil {
			return IssuedToken{}, apperr.Wrap(apperr.KindInternal, "", "could not generate token", err)
		}
		now := s.clock()
		tok := &model.AccessToken{
			ID:         uuid.NewString(),
			EntityID:   entityID,
			Checkpoint: checkpoint,
			TokenHash:  utils.HashToken(raw),
			IssuedAt:   now,
			ExpiresAt:  now.Add(s.cfg.TTL),
		}
		err = s.store(ctx, tok)
		if errors.Is(err, repository.ErrDuplicate) {
			s.logger.Warn("token digest collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return IssuedToken{}, finalErr(err)
		}
		observability.RecordTokenIssued(checkpoint)
		s.logger.Info("token issued", "entity_id", entityID, "checkpoint", checkpoint, "expires_at", tok.ExpiresAt)
		return IssuedToken{Raw: raw, EntityID: entityID, Checkpoint: checkpoint, ExpiresAt: tok.ExpiresAt}, nil
	}
	return IssuedToken{}, apperr.E(apperr.KindUnavailable, apperr.ReasonStoreUnavailable, "could not issue a unique token, retry later")
}

// store persists tok.  With RevokeOnReissue the predecessors are revoked in
// the same transaction, so concurrent reissues for one pair leave exactly
// one live token.
func (s *TokenIssuer) store(ctx context.Context, tok *model.AccessToken) error {
	if !s.cfg.RevokeOnReissue {
		return s.retry.do(ctx, "token.insert", func(ctx context.Context) error {
			return s.tokens.Insert(ctx, tok)
		})
	}
	var revoked int64
	err := s.retry.do(ctx, "token.reissue", func(ctx context.Context) error {
		return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
			n, err := s.tokens.RevokeUnusedTx(ctx, tx, tok.EntityID, tok.Checkpoint, tok.ID, tok.IssuedAt)
			if err != nil {
				return err
			}
			revoked = n
			return s.tokens.InsertTx(ctx, tx, tok)
		})
	})
	if err == nil && revoked > 0 {
		s.logger.Info("revoked unused tokens", "entity_id", tok.EntityID, "checkpoint", tok.Checkpoint, "count", revoked)
	}
	return err
}
