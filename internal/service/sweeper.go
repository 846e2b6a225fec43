package service

import (
	"context"
	"time"

	"github.com/iliyamo/event-access/internal/observability"
)

// TokenSweeper deletes tokens that expired more than Retention ago.  Used
// tokens are swept too: the attendance ledger, not the token, is the
// record of arrival.
type TokenSweeper struct {
	deps
	tokens    TokenStore
	retention time.Duration
	interval  time.Duration
}

// NewTokenSweeper returns a sweeper over tokens.
func NewTokenSweeper(tokens TokenStore, retention, interval time.Duration, opts ...Option) *TokenSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &TokenSweeper{
		deps:      newDeps("token_sweeper", opts),
		tokens:    tokens,
		retention: retention,
		interval:  interval,
	}
}

// SweepOnce runs a single pass and returns the number of deleted tokens.
func (s *TokenSweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.retention)
	var n int64
	err := s.retry.do(ctx, "token.sweep", func(ctx context.Context) error {
		deleted, err := s.tokens.DeleteExpired(ctx, cutoff)
		n = deleted
		return err
	})
	if err != nil {
		return 0, finalErr(err)
	}
	observability.RecordTokensSwept(n)
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *TokenSweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warn("token sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired tokens swept", "count", n)
			}
		}
	}
}
