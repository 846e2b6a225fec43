//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mysqlcontainer "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/database"
	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/service"
)

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	c, err := mysqlcontainer.Run(ctx, "mysql:8.0.36",
		mysqlcontainer.WithDatabase("event_access"),
		mysqlcontainer.WithUsername("access"),
		mysqlcontainer.WithPassword("access"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	dsn, err := c.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)
	db, err := database.OpenDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(ctx, db))
	return db
}

// integrationRetry tolerates the deadlocks InnoDB reports under heavy
// contention on one row.
var integrationRetry = service.RetryPolicy{
	MaxRetries:     10,
	BaseDelay:      5 * time.Millisecond,
	MaxDelay:       100 * time.Millisecond,
	AttemptTimeout: 10 * time.Second,
}

func seedUnit(t *testing.T, db *sql.DB, domain, title string, capacity int) uint64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO resource_units (domain, title, capacity) VALUES (?,?,?)`, domain, title, capacity)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return uint64(id)
}

// raceAllocate starts every request at once, each after a small random
// delay, and tallies the outcomes.
func raceAllocate(ctx context.Context, alloc *service.ResourceAllocator, reqs []service.AllocateRequest) (assigned int, byReason map[string]int, other []error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
	)
	byReason = map[string]int{}
	for _, req := range reqs {
		wg.Add(1)
		go func(req service.AllocateRequest, jitter time.Duration) {
			defer wg.Done()
			<-start
			time.Sleep(jitter)
			got, err := alloc.Allocate(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && !got.Replayed:
				assigned++
			case err == nil:
				byReason["replayed"]++
			case apperr.IsKind(err, apperr.KindConflict):
				byReason[apperr.ReasonOf(err)]++
			default:
				other = append(other, err)
			}
		}(req, time.Duration(rand.IntN(2000))*time.Microsecond)
	}
	close(start)
	wg.Wait()
	return assigned, byReason, other
}

func TestMySQLCapacityOneRaceTrials(t *testing.T) {
	db := startMySQL(t)
	ctx := context.Background()
	units := repository.NewResourceRepo(db)
	alloc := service.NewResourceAllocator(repository.NewTxRunner(db), units, service.WithRetry(integrationRetry))

	const (
		trials = 20
		teams  = 16
	)
	for trial := 0; trial < trials; trial++ {
		id := seedUnit(t, db, "web", fmt.Sprintf("XSS Playground %d", trial), 1)
		reqs := make([]service.AllocateRequest, 0, teams)
		for team := 1; team <= teams; team++ {
			reqs = append(reqs, service.AllocateRequest{
				EntityID: uint64(trial*100 + team), Domain: "web", Resource: fmt.Sprint(id),
			})
		}

		assigned, byReason, other := raceAllocate(ctx, alloc, reqs)
		require.Empty(t, other, "trial %d", trial)
		require.Equal(t, 1, assigned, "trial %d", trial)
		require.Equal(t, teams-1, byReason[apperr.ReasonNoCapacity], "trial %d", trial)

		unit, err := units.GetByID(ctx, id)
		require.NoError(t, err)
		require.LessOrEqual(t, unit.AssignedCount, unit.Capacity, "trial %d", trial)
		require.Equal(t, 1, unit.AssignedCount, "trial %d", trial)
	}
}

func TestMySQLOneTeamRacingForTwoResources(t *testing.T) {
	db := startMySQL(t)
	ctx := context.Background()
	units := repository.NewResourceRepo(db)
	alloc := service.NewResourceAllocator(repository.NewTxRunner(db), units, service.WithRetry(integrationRetry))

	for trial := 0; trial < 10; trial++ {
		team := uint64(500 + trial)
		a := seedUnit(t, db, "pwn", fmt.Sprintf("ROP Chain %d", trial), 5)
		b := seedUnit(t, db, "pwn", fmt.Sprintf("Heap Spray %d", trial), 5)

		assigned, byReason, other := raceAllocate(ctx, alloc, []service.AllocateRequest{
			{EntityID: team, Domain: "pwn", Resource: fmt.Sprint(a)},
			{EntityID: team, Domain: "pwn", Resource: fmt.Sprint(b)},
		})
		require.Empty(t, other, "trial %d", trial)
		require.Equal(t, 1, assigned, "trial %d", trial)
		require.Equal(t, 1, byReason[apperr.ReasonAlreadyAssigned], "trial %d", trial)

		var rows int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM resource_assignments WHERE entity_id=?`, team).Scan(&rows))
		require.Equal(t, 1, rows, "trial %d", trial)

		held, err := units.AssignmentByEntity(ctx, team)
		require.NoError(t, err)
		ua, err := units.GetByID(ctx, a)
		require.NoError(t, err)
		ub, err := units.GetByID(ctx, b)
		require.NoError(t, err)
		require.Equal(t, 1, ua.AssignedCount+ub.AssignedCount, "loser's increment must roll back (trial %d)", trial)
		if held.ResourceID == a {
			require.Equal(t, 1, ua.AssignedCount)
		} else {
			require.Equal(t, 1, ub.AssignedCount)
		}
	}
}

func TestMySQLDoubleRedemption(t *testing.T) {
	db := startMySQL(t)
	ctx := context.Background()
	tokens := repository.NewTokenRepo(db)
	ledger := repository.NewAttendanceRepo(db)
	issuer := service.NewTokenIssuer(repository.NewTxRunner(db), tokens, service.IssuerConfig{TTL: time.Hour, Checkpoints: []string{"entry_1"}})
	verifier := service.NewTokenVerifier(repository.NewTxRunner(db), tokens, ledger, nil)

	tok, err := issuer.Issue(ctx, 7, "entry_1")
	require.NoError(t, err)

	const scanners = 8
	results := make([]service.Redemption, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := verifier.Verify(ctx, tok.Raw, fmt.Sprintf("gate-%d", i))
			if err == nil {
				results[i] = r
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		require.False(t, r.RedeemedAt.IsZero())
		require.Equal(t, results[0].RedeemedAt, r.RedeemedAt)
		if !r.AlreadyRedeemed {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)

	recs, err := ledger.ListByEntity(ctx, 7)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestMySQLTwoTokensOnePair(t *testing.T) {
	db := startMySQL(t)
	ctx := context.Background()
	tokens := repository.NewTokenRepo(db)
	ledger := repository.NewAttendanceRepo(db)
	issuer := service.NewTokenIssuer(repository.NewTxRunner(db), tokens, service.IssuerConfig{TTL: time.Hour, Checkpoints: []string{"meal_1"}})
	verifier := service.NewTokenVerifier(repository.NewTxRunner(db), tokens, ledger, nil)

	a, err := issuer.Issue(ctx, 9, "meal_1")
	require.NoError(t, err)
	b, err := issuer.Issue(ctx, 9, "meal_1")
	require.NoError(t, err)

	ra, err := verifier.Verify(ctx, a.Raw, "gate-a")
	require.NoError(t, err)
	rb, err := verifier.Verify(ctx, b.Raw, "gate-b")
	require.NoError(t, err)
	require.False(t, ra.AlreadyRedeemed)
	require.True(t, rb.AlreadyRedeemed)
	require.Equal(t, ra.RedeemedAt, rb.RedeemedAt)

	recs, err := ledger.ListByEntity(ctx, 9)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "gate-a", recs[0].RecordedBy)
}

func TestMySQLTokenRepoRoundTrip(t *testing.T) {
	db := startMySQL(t)
	ctx := context.Background()
	repo := repository.NewTokenRepo(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	tok := &model.AccessToken{ID: "00000000-0000-0000-0000-000000000001", EntityID: 3, Checkpoint: "exit",
		TokenHash: "ab", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, repo.Insert(ctx, tok))

	dup := *tok
	dup.ID = "00000000-0000-0000-0000-000000000002"
	require.ErrorIs(t, repo.Insert(ctx, &dup), repository.ErrDuplicate)

	got, err := repo.GetByHash(ctx, "ab")
	require.NoError(t, err)
	require.Equal(t, now, got.IssuedAt.UTC())
	require.Nil(t, got.UsedAt)

	// a retried insert of the row already stored is not a collision
	require.NoError(t, repo.Insert(ctx, tok))
	other := *tok
	other.TokenHash = "cd"
	require.ErrorIs(t, repo.Insert(ctx, &other), repository.ErrDuplicate)

	var n int64
	require.NoError(t, repository.NewTxRunner(db).WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = repo.RevokeUnusedTx(ctx, tx, 3, "exit", "", now)
		return err
	}))
	require.EqualValues(t, 1, n)

	require.NoError(t, repository.NewTxRunner(db).WithTx(ctx, func(tx *sql.Tx) error {
		marked, err := repo.MarkUsedTx(ctx, tx, tok.ID, now, "gate-a")
		require.False(t, marked, "revoked token must not be redeemable")
		return err
	}))

	n, err = repo.DeleteExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = repo.GetByHash(ctx, "ab")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMySQLConcurrentReissueLeavesOneLiveToken(t *testing.T) {
	db := startMySQL(t)
	ctx := context.Background()
	tokens := repository.NewTokenRepo(db)
	issuer := service.NewTokenIssuer(repository.NewTxRunner(db), tokens, service.IssuerConfig{
		TTL: time.Hour, Checkpoints: []string{"exit"}, RevokeOnReissue: true,
	}, service.WithRetry(integrationRetry))

	const clients = 6
	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = issuer.Issue(ctx, 11, "exit")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var total, live int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(revoked_at IS NULL), 0) FROM access_tokens WHERE entity_id=11 AND checkpoint='exit'`).
		Scan(&total, &live))
	require.Equal(t, clients, total)
	require.Equal(t, 1, live)
}
