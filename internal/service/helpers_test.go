package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/event-access/internal/queue"
	"github.com/iliyamo/event-access/internal/service"
	"github.com/iliyamo/event-access/internal/storetest"
)

var checkpoints = []string{"entry_1", "meal_1", "exit"}

// deadlock is what MySQL reports when InnoDB picks us as the victim.
var deadlock = &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.March, 14, 9, 0, 0, 123456789, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu          sync.Mutex
	checkins    []queue.CheckinRecordedEvent
	assignments []queue.ResourceAssignedEvent
	err         error
}

func (p *recordingPublisher) PublishCheckin(_ context.Context, ev queue.CheckinRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkins = append(p.checkins, ev)
	return p.err
}

func (p *recordingPublisher) PublishAssignment(_ context.Context, ev queue.ResourceAssignedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignments = append(p.assignments, ev)
	return p.err
}

func (p *recordingPublisher) Checkins() []queue.CheckinRecordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.CheckinRecordedEvent(nil), p.checkins...)
}

func (p *recordingPublisher) Assignments() []queue.ResourceAssignedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.ResourceAssignedEvent(nil), p.assignments...)
}

type fixture struct {
	store     *storetest.MemStore
	clock     *fakeClock
	publisher *recordingPublisher
	issuer    *service.TokenIssuer
	verifier  *service.TokenVerifier
	allocator *service.ResourceAllocator
}

func (f *fixture) opts() []service.Option {
	return []service.Option{
		service.WithClock(f.clock.Now),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		service.WithPublisher(f.publisher),
		service.WithRetry(service.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	}
}

func newFixture(cfgs ...func(*service.IssuerConfig)) *fixture {
	f := &fixture{store: storetest.New(), clock: newClock(), publisher: &recordingPublisher{}}
	cfg := service.IssuerConfig{TTL: time.Hour, Checkpoints: checkpoints, MaxAttempts: 3}
	for _, c := range cfgs {
		c(&cfg)
	}
	f.issuer = service.NewTokenIssuer(f.store, f.store, cfg, f.opts()...)
	f.verifier = service.NewTokenVerifier(f.store, f.store, f.store, f.store.Entities(), f.opts()...)
	f.allocator = service.NewResourceAllocator(f.store, f.store, f.opts()...)
	return f
}

var errDisk = errors.New("disk on fire")
