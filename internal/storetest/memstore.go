// Package storetest provides an in-memory implementation of every store
// the services depend on.  Transactions are serialized and roll back by
// restoring a snapshot, which is enough to exercise the services' race
// handling without a database.  It is intended for tests and local demos.
package storetest

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/event-access/internal/model"
	"github.com/iliyamo/event-access/internal/repository"
)

type arrivalKey struct {
	entityID   uint64
	checkpoint string
}

type state struct {
	tokens      map[string]model.AccessToken // by id
	byHash      map[string]string            // token_hash -> id
	arrivals    map[arrivalKey]model.AttendanceRecord
	units       map[uint64]model.ResourceUnit
	assignments map[uint64]model.ResourceAssignment // by entity id
	entities    map[uint64]model.Entity
	members     map[uint64]model.EntityMember // by user id
}

func newState() state {
	return state{
		tokens:      map[string]model.AccessToken{},
		byHash:      map[string]string{},
		arrivals:    map[arrivalKey]model.AttendanceRecord{},
		units:       map[uint64]model.ResourceUnit{},
		assignments: map[uint64]model.ResourceAssignment{},
		entities:    map[uint64]model.Entity{},
		members:     map[uint64]model.EntityMember{},
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.byHash {
		c.byHash[k] = v
	}
	for k, v := range s.arrivals {
		c.arrivals[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	return c
}

// MemStore is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	st     state
	nextID uint64
	faults map[string][]error
	lost   map[string][]error
	txs    int
}

// New returns an empty store.
func New() *MemStore {
	return &MemStore{st: newState(), faults: map[string][]error{}, lost: map[string][]error{}}
}

// FailNext queues errs to be returned, one per call, by the named method
// (e.g. "Insert", "MarkUsedTx", "WithTx") before it does any work.
func (m *MemStore) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// LoseAckNext queues errs to be returned by the named method after it has
// done its work, as when a write commits but the reply never arrives.
// Only Insert honours it.
func (m *MemStore) LoseAckNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[op] = append(m.lost[op], errs...)
}

// fault pops the next injected error for op.  Caller holds mu.
func (m *MemStore) fault(op string) error {
	q := m.faults[op]
	if len(q) == 0 {
		return nil
	}
	m.faults[op] = q[1:]
	return q[0]
}

// WithTx runs fn with the store locked.  Any error restores the state seen
// on entry.  The *sql.Tx handed to fn is nil; MemStore ignores it.
func (m *MemStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fault("WithTx"); err != nil {
		return err
	}
	m.txs++
	snapshot := m.st.clone()
	if err := fn(nil); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Transactions reports how many transactions were started.
func (m *MemStore) Transactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs
}

// ---- seeding ----

// AddEntity registers a team.  The first member is its leader.
func (m *MemStore) AddEntity(id uint64, label string, memberUserIDs ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.entities[id] = model.Entity{ID: id, Label: label}
	for i, uid := range memberUserIDs {
		role := model.MemberRoleMember
		if i == 0 {
			role = model.MemberRoleLeader
		}
		m.st.members[uid] = model.EntityMember{EntityID: id, UserID: uid, Role: role}
	}
}

// AddResource registers a unit and returns its id.
func (m *MemStore) AddResource(domain, title string, capacity int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.st.units[m.nextID] = model.ResourceUnit{ID: m.nextID, Domain: domain, Title: title, Capacity: capacity}
	return m.nextID
}

// Resource returns the unit with id.
func (m *MemStore) Resource(id uint64) (model.ResourceUnit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.units[id]
	return u, ok
}

// Assignments returns every assignment.
func (m *MemStore) Assignments() []model.ResourceAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ResourceAssignment, 0, len(m.st.assignments))
	for _, a := range m.st.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Arrivals returns every attendance record.
func (m *MemStore) Arrivals() []model.AttendanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AttendanceRecord, 0, len(m.st.arrivals))
	for _, r := range m.st.arrivals {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Checkpoint < out[j].Checkpoint
	})
	return out
}

// Tokens returns every stored token.
func (m *MemStore) Tokens() []model.AccessToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AccessToken, 0, len(m.st.tokens))
	for _, t := range m.st.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// ---- tokens ----

func (m *MemStore) Insert(_ context.Context, t *model.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("Insert"); err != nil {
		return err
	}
	if err := m.insertToken(t); err != nil {
		return err
	}
	if q := m.lost["Insert"]; len(q) > 0 {
		m.lost["Insert"] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MemStore) InsertTx(_ context.Context, _ *sql.Tx, t *model.AccessToken) error {
	if err := m.fault("InsertTx"); err != nil {
		return err
	}
	return m.insertToken(t)
}

// insertToken mirrors TokenRepo: a row already stored under the same id
// and digest is a successful retry.  Caller holds mu.
func (m *MemStore) insertToken(t *model.AccessToken) error {
	if prev, ok := m.st.tokens[t.ID]; ok {
		if prev.TokenHash == t.TokenHash {
			return nil
		}
		return repository.ErrDuplicate
	}
	if _, ok := m.st.byHash[t.TokenHash]; ok {
		return repository.ErrDuplicate
	}
	m.st.tokens[t.ID] = *t
	m.st.byHash[t.TokenHash] = t.ID
	return nil
}

// Put stores t as is, bypassing the fault queue.  Tests use it to plant
// a row that a later insert should find.
func (m *MemStore) Put(t model.AccessToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.tokens[t.ID] = t
	m.st.byHash[t.TokenHash] = t.ID
}

// Revoke marks the token with id revoked at at.
func (m *MemStore) Revoke(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.st.tokens[id]; ok {
		at = at.UTC()
		t.RevokedAt = &at
		m.st.tokens[id] = t
	}
}

func (m *MemStore) GetByHash(_ context.Context, tokenHash string) (*model.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("GetByHash"); err != nil {
		return nil, err
	}
	id, ok := m.st.byHash[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	t := m.st.tokens[id]
	return &t, nil
}

func (m *MemStore) MarkUsedTx(_ context.Context, _ *sql.Tx, id string, usedAt time.Time, usedBy string) (bool, error) {
	if err := m.fault("MarkUsedTx"); err != nil {
		return false, err
	}
	t, ok := m.st.tokens[id]
	if !ok || t.UsedAt != nil || t.RevokedAt != nil {
		return false, nil
	}
	at := usedAt.UTC()
	t.UsedAt = &at
	t.UsedBy = &usedBy
	m.st.tokens[id] = t
	return true, nil
}

func (m *MemStore) RevokeUnusedTx(_ context.Context, _ *sql.Tx, entityID uint64, checkpoint, keepID string, now time.Time) (int64, error) {
	if err := m.fault("RevokeUnusedTx"); err != nil {
		return 0, err
	}
	var n int64
	at := now.UTC()
	for id, t := range m.st.tokens {
		if id == keepID || t.EntityID != entityID || t.Checkpoint != checkpoint || t.UsedAt != nil || t.RevokedAt != nil || !t.ExpiresAt.After(at) {
			continue
		}
		t.RevokedAt = &at
		m.st.tokens[id] = t
		n++
	}
	return n, nil
}

func (m *MemStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DeleteExpired"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range m.st.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.st.tokens, id)
			delete(m.st.byHash, t.TokenHash)
			n++
		}
	}
	return n, nil
}

// ---- attendance ----

func (m *MemStore) RecordArrivalTx(_ context.Context, _ *sql.Tx, rec model.AttendanceRecord) (bool, error) {
	if err := m.fault("RecordArrivalTx"); err != nil {
		return false, err
	}
	k := arrivalKey{rec.EntityID, rec.Checkpoint}
	if _, ok := m.st.arrivals[k]; ok {
		return false, nil
	}
	rec.CheckedInAt = rec.CheckedInAt.UTC()
	m.st.arrivals[k] = rec
	return true, nil
}

func (m *MemStore) GetArrivalTx(_ context.Context, _ *sql.Tx, entityID uint64, checkpoint string) (*model.AttendanceRecord, error) {
	rec, ok := m.st.arrivals[arrivalKey{entityID, checkpoint}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *MemStore) GetArrival(ctx context.Context, entityID uint64, checkpoint string) (*model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("GetArrival"); err != nil {
		return nil, err
	}
	return m.GetArrivalTx(ctx, nil, entityID, checkpoint)
}

func (m *MemStore) ListByEntity(_ context.Context, entityID uint64) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("ListByEntity"); err != nil {
		return nil, err
	}
	out := make([]model.AttendanceRecord, 0)
	for k, rec := range m.st.arrivals {
		if k.entityID == entityID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedInAt.Before(out[j].CheckedInAt) })
	return out, nil
}

// ---- resources ----

func (m *MemStore) LockByIDTx(_ context.Context, _ *sql.Tx, domain string, id uint64) (*model.ResourceUnit, error) {
	if err := m.fault("LockByIDTx"); err != nil {
		return nil, err
	}
	u, ok := m.st.units[id]
	if !ok || u.Domain != domain {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (m *MemStore) LockByTitleTx(_ context.Context, _ *sql.Tx, domain, title string) (*model.ResourceUnit, error) {
	if err := m.fault("LockByTitleTx"); err != nil {
		return nil, err
	}
	for _, u := range m.st.units {
		if u.Domain == domain && u.Title == title {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MemStore) IncrementAssignedTx(_ context.Context, _ *sql.Tx, id uint64) (bool, error) {
	if err := m.fault("IncrementAssignedTx"); err != nil {
		return false, err
	}
	u, ok := m.st.units[id]
	if !ok || u.AssignedCount >= u.Capacity {
		return false, nil
	}
	u.AssignedCount++
	m.st.units[id] = u
	return true, nil
}

func (m *MemStore) InsertAssignmentTx(_ context.Context, _ *sql.Tx, a model.ResourceAssignment) error {
	if err := m.fault("InsertAssignmentTx"); err != nil {
		return err
	}
	if _, ok := m.st.assignments[a.EntityID]; ok {
		return repository.ErrDuplicate
	}
	a.AssignedAt = a.AssignedAt.UTC()
	m.st.assignments[a.EntityID] = a
	return nil
}

func (m *MemStore) AssignmentByEntityTx(_ context.Context, _ *sql.Tx, entityID uint64) (*model.ResourceAssignment, error) {
	a, ok := m.st.assignments[entityID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (m *MemStore) AssignmentByEntity(ctx context.Context, entityID uint64) (*model.ResourceAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("AssignmentByEntity"); err != nil {
		return nil, err
	}
	return m.AssignmentByEntityTx(ctx, nil, entityID)
}

func (m *MemStore) GetByID(_ context.Context, id uint64) (*model.ResourceUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.st.units[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (m *MemStore) ListByDomain(_ context.Context, domain string) ([]model.ResourceUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("ListByDomain"); err != nil {
		return nil, err
	}
	out := make([]model.ResourceUnit, 0)
	for _, u := range m.st.units {
		if domain == "" || u.Domain == domain {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Title < out[j].Title
	})
	return out, nil
}

// ---- directory ----

// Entities exposes the team directory half of the store.  Its GetByID
// would otherwise collide with the resource lookup.
func (m *MemStore) Entities() *Directory { return &Directory{m: m} }

// Directory is the team directory view of a MemStore.
type Directory struct{ m *MemStore }

func (d *Directory) GetByID(_ context.Context, id uint64) (*model.Entity, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	e, ok := d.m.st.entities[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

func (d *Directory) FindByMember(_ context.Context, userID uint64) (*model.Entity, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	mem, ok := d.m.st.members[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	e := d.m.st.entities[mem.EntityID]
	return &e, nil
}

func (d *Directory) IsRepresentative(_ context.Context, entityID, userID uint64) (bool, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	mem, ok := d.m.st.members[userID]
	return ok && mem.EntityID == entityID && mem.Role == model.MemberRoleLeader, nil
}
