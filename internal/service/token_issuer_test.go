package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/service"
	"github.com/iliyamo/event-access/internal/utils"
)

func TestIssueStoresOnlyDigest(t *testing.T) {
	f := newFixture()

	tok, err := f.issuer.Issue(context.Background(), 7, " entry_1 ")
	require.NoError(t, err)
	require.Len(t, tok.Raw, 2*utils.SecretBytes)
	require.Equal(t, "entry_1", tok.Checkpoint)
	require.Equal(t, f.clock.Now().Truncate(time.Microsecond).Add(time.Hour), tok.ExpiresAt)

	stored := f.store.Tokens()
	require.Len(t, stored, 1)
	require.Equal(t, utils.HashToken(tok.Raw), stored[0].TokenHash)
	require.NotEqual(t, tok.Raw, stored[0].TokenHash)
	require.Equal(t, uint64(7), stored[0].EntityID)
	require.Nil(t, stored[0].UsedAt)
}

func TestIssueRejectsUnknownCheckpoint(t *testing.T) {
	f := newFixture()

	_, err := f.issuer.Issue(context.Background(), 7, "vip_lounge")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	require.Equal(t, apperr.ReasonInvalidCheckpoint, apperr.ReasonOf(err))

	_, err = f.issuer.Issue(context.Background(), 0, "entry_1")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
	require.Empty(t, f.store.Tokens())
}

func TestIssueRegeneratesOnDigestCollision(t *testing.T) {
	f := newFixture()
	f.store.FailNext("Insert", repository.ErrDuplicate, repository.ErrDuplicate)

	tok, err := f.issuer.Issue(context.Background(), 7, "entry_1")
	require.NoError(t, err)
	require.Len(t, f.store.Tokens(), 1)
	require.Equal(t, utils.HashToken(tok.Raw), f.store.Tokens()[0].TokenHash)
}

func TestIssueGivesUpAfterBoundedCollisions(t *testing.T) {
	f := newFixture()
	f.store.FailNext("Insert", repository.ErrDuplicate, repository.ErrDuplicate, repository.ErrDuplicate)

	_, err := f.issuer.Issue(context.Background(), 7, "entry_1")
	require.True(t, apperr.IsKind(err, apperr.KindUnavailable))
	require.Empty(t, f.store.Tokens())
}

func TestIssueRetriesTransientFailure(t *testing.T) {
	f := newFixture()
	f.store.FailNext("Insert", deadlock, deadlock)

	_, err := f.issuer.Issue(context.Background(), 7, "entry_1")
	require.NoError(t, err)
	require.Len(t, f.store.Tokens(), 1)
}

func TestIssueSurfacesExhaustedRetriesAsUnavailable(t *testing.T) {
	f := newFixture()
	f.store.FailNext("Insert", deadlock, deadlock, deadlock, deadlock, deadlock)

	_, err := f.issuer.Issue(context.Background(), 7, "entry_1")
	require.True(t, apperr.IsKind(err, apperr.KindUnavailable))
	require.ErrorIs(t, err, deadlock)
}

func TestReissueKeepsEarlierTokenButOnlyOneArrival(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, 7, "meal_1")
	require.NoError(t, err)
	second, err := f.issuer.Issue(ctx, 7, "meal_1")
	require.NoError(t, err)
	require.NotEqual(t, first.Raw, second.Raw)

	f.clock.Advance(time.Minute)
	r1, err := f.verifier.Verify(ctx, second.Raw, "gate-a")
	require.NoError(t, err)
	require.False(t, r1.AlreadyRedeemed)

	f.clock.Advance(time.Minute)
	r2, err := f.verifier.Verify(ctx, first.Raw, "gate-b")
	require.NoError(t, err)
	require.True(t, r2.AlreadyRedeemed)
	require.Equal(t, r1.RedeemedAt, r2.RedeemedAt)

	require.Len(t, f.store.Arrivals(), 1)
	require.Len(t, f.publisher.Checkins(), 1)
}

func TestReissueRevokesWhenConfigured(t *testing.T) {
	f := newFixture(func(c *service.IssuerConfig) { c.RevokeOnReissue = true })
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, 7, "meal_1")
	require.NoError(t, err)
	second, err := f.issuer.Issue(ctx, 7, "meal_1")
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, first.Raw, "gate-a")
	require.True(t, apperr.IsKind(err, apperr.KindExpired))

	r, err := f.verifier.Verify(ctx, second.Raw, "gate-a")
	require.NoError(t, err)
	require.False(t, r.AlreadyRedeemed)
}

func TestIssueRetryAfterLostAckReturnsStoredToken(t *testing.T) {
	f := newFixture()
	f.store.LoseAckNext("Insert", mysql.ErrInvalidConn)

	tok, err := f.issuer.Issue(context.Background(), 7, "entry_1")
	require.NoError(t, err)

	stored := f.store.Tokens()
	require.Len(t, stored, 1)
	require.Equal(t, utils.HashToken(tok.Raw), stored[0].TokenHash)
}

func TestReissueRevokeAndInsertCommitTogether(t *testing.T) {
	f := newFixture(func(c *service.IssuerConfig) { c.RevokeOnReissue = true })
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, 7, "meal_1")
	require.NoError(t, err)

	f.store.FailNext("InsertTx", errDisk)
	_, err = f.issuer.Issue(ctx, 7, "meal_1")
	require.True(t, apperr.IsKind(err, apperr.KindInternal))

	stored := f.store.Tokens()
	require.Len(t, stored, 1)
	require.Nil(t, stored[0].RevokedAt, "failed reissue must not revoke the predecessor")

	r, err := f.verifier.Verify(ctx, first.Raw, "gate-a")
	require.NoError(t, err)
	require.False(t, r.AlreadyRedeemed)
}

func TestConcurrentReissueLeavesOneLiveToken(t *testing.T) {
	f := newFixture(func(c *service.IssuerConfig) { c.RevokeOnReissue = true })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.issuer.Issue(ctx, 7, "exit")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live := 0
	for _, tok := range f.store.Tokens() {
		if tok.RevokedAt == nil {
			live++
		}
	}
	require.Len(t, f.store.Tokens(), 12)
	require.Equal(t, 1, live)
}
