package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-access/internal/service"
)

func TestSweepDeletesOnlyLongExpiredTokens(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	old, err := f.issuer.Issue(ctx, 7, "entry_1")
	require.NoError(t, err)
	_, err = f.verifier.Verify(ctx, old.Raw, "gate-a")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	_, err = f.issuer.Issue(ctx, 7, "meal_1")
	require.NoError(t, err)

	sweeper := service.NewTokenSweeper(f.store, time.Hour, time.Minute, f.opts()...)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, f.store.Tokens(), 1)
	require.Len(t, f.store.Arrivals(), 1, "sweeping never touches the ledger")
}

func TestSweepRunStopsWithContext(t *testing.T) {
	f := newFixture()
	sweeper := service.NewTokenSweeper(f.store, time.Hour, time.Millisecond, f.opts()...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
