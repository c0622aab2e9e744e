package orm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/dialect"
	"github.com/quarrydb/quarry/schema"
)

// Session is the unit-of-work scope: it owns one identity map and the
// set of pending new, dirty and deleted instances, and turns them into
// correctly ordered statements on flush.
//
// A Session is not safe for concurrent use by multiple goroutines; use
// a ScopedSession to give each scope its own instance.
type Session struct {
	registry *Registry
	drv      dialect.Driver
	log      *slog.Logger

	autoflush      bool
	expireOnCommit bool

	identity *identityMap
	states   map[any]*InstanceState
	parents  map[any]parentRef
	detached map[any]*InstanceState

	tx         dialect.Tx
	txSnaps    map[*InstanceState]*stateSnapshot
	txInserted []*InstanceState
	txDeleted  []*InstanceState

	events *events
	closed bool
}

// parentRef records the current owner of a child participating in a
// delete-orphan collection.
type parentRef struct {
	owner *InstanceState
	attr  string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets a structured logger for flush and transaction tracing.
func WithLogger(log *slog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithAutoflush controls whether pending changes are flushed before
// each query. Enabled by default.
func WithAutoflush(enabled bool) SessionOption {
	return func(s *Session) { s.autoflush = enabled }
}

// WithExpireOnCommit controls whether all persistent attributes are
// expired after commit, forcing re-fetch on next access. Enabled by
// default.
func WithExpireOnCommit(enabled bool) SessionOption {
	return func(s *Session) { s.expireOnCommit = enabled }
}

// NewSession returns a session over the given mapper registry and driver.
func NewSession(registry *Registry, drv dialect.Driver, opts ...SessionOption) *Session {
	s := &Session{
		registry:       registry,
		drv:            drv,
		log:            slog.Default(),
		autoflush:      true,
		expireOnCommit: true,
		identity:       newIdentityMap(),
		states:         make(map[any]*InstanceState),
		parents:        make(map[any]parentRef),
		detached:       make(map[any]*InstanceState),
		txSnaps:        make(map[*InstanceState]*stateSnapshot),
		events:         newEvents(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the session's mapper registry.
func (s *Session) Registry() *Registry { return s.registry }

// On registers a listener for the given session event.
func (s *Session) On(event Event, fn Listener) { s.events.on(event, fn) }

// State returns the instance state tracked for the given instance.
func (s *Session) State(instance any) (*InstanceState, bool) {
	st, ok := s.states[instance]
	return st, ok
}

// ensureState returns the tracked state for the instance, creating a
// transient one on first touch.
func (s *Session) ensureState(instance any) (*InstanceState, error) {
	if st, ok := s.states[instance]; ok {
		return st, nil
	}
	if st, ok := s.detached[instance]; ok {
		return st, nil
	}
	m, err := s.registry.mapperOf(instance)
	if err != nil {
		return nil, err
	}
	st := NewState(m, instance)
	s.states[instance] = st
	return st, nil
}

// Add registers the instance for insertion at the next flush,
// transitioning it from transient to pending. Related instances
// reachable through save-update cascades are added as well. Adding a
// deleted instance cancels the deletion.
func (s *Session) Add(instance any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	st, err := s.ensureState(instance)
	if err != nil {
		return err
	}
	switch st.status {
	case Transient:
		st.status = Pending
	case Pending, Persistent:
		// Already managed.
	case Deleted:
		st.status = Persistent
	case Detached:
		return usageErrorf("cannot add detached instance %s; use a fresh load or expunge it first", st.describe())
	}
	return s.cascadeSaveUpdate(st)
}

// Delete marks a persistent instance for removal at the next flush.
// Deleting a pending instance expunges it. Related instances reachable
// through delete cascades are marked as well.
func (s *Session) Delete(instance any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	st, ok := s.states[instance]
	if !ok {
		m, err := s.registry.mapperOf(instance)
		if err != nil {
			return err
		}
		return usageErrorf("cannot delete %s instance: not managed by this session", m.Name())
	}
	switch st.status {
	case Persistent:
		return s.markDeleted(st)
	case Pending:
		s.expunge(st, Transient)
		return nil
	case Deleted:
		return nil
	default:
		return usageErrorf("cannot delete %s instance in %s state", st.mapper.Name(), st.status)
	}
}

func (s *Session) markDeleted(st *InstanceState) error {
	if st.status == Deleted {
		return nil
	}
	st.status = Deleted
	for _, ra := range st.mapper.rels {
		if !ra.rel.Cascade.Has(schema.CascadeDelete) {
			continue
		}
		var related []any
		if ra.collection {
			related = sliceItems(ra.get(st.value))
		} else if ref := ra.get(st.value); !ref.IsNil() {
			related = []any{ref.Interface()}
		}
		for _, item := range related {
			child, ok := s.states[item]
			if !ok || child.status != Persistent {
				continue
			}
			if err := s.markDeleted(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// Expunge removes the instance from the session: persistent and deleted
// instances become detached, pending ones revert to transient.
func (s *Session) Expunge(instance any) error {
	st, ok := s.states[instance]
	if !ok {
		return usageErrorf("cannot expunge %T: not managed by this session", instance)
	}
	switch st.status {
	case Pending, Transient:
		s.expunge(st, Transient)
	default:
		s.expunge(st, Detached)
	}
	return nil
}

// ExpungeAll removes all instances from the session.
func (s *Session) ExpungeAll() {
	for _, st := range s.states {
		if st.status == Pending || st.status == Transient {
			s.expunge(st, Transient)
		} else {
			s.expunge(st, Detached)
		}
	}
}

func (s *Session) expunge(st *InstanceState, to Status) {
	if st.hasKey {
		s.identity.Remove(st.key)
	}
	delete(s.states, st.instance)
	delete(s.parents, st.instance)
	st.status = to
	if to == Detached {
		s.detached[st.instance] = st
	} else {
		delete(s.detached, st.instance)
	}
}

// Set assigns a scalar or reference attribute through the session,
// recording history for dirty tracking.
func (s *Session) Set(instance any, attr string, v any) error {
	st, err := s.ensureState(instance)
	if err != nil {
		return err
	}
	return st.Set(attr, v)
}

// Get reads an attribute through the session.
func (s *Session) Get(instance any, attr string) (any, error) {
	st, err := s.ensureState(instance)
	if err != nil {
		return nil, err
	}
	return st.Get(attr)
}

// Append adds an item to a collection attribute. For collections that
// track parentage (delete-orphan), the child's owner bookkeeping is
// updated so a later removal can be recognized as orphaning.
func (s *Session) Append(instance any, attr string, item any) error {
	st, err := s.ensureState(instance)
	if err != nil {
		return err
	}
	a, aerr := st.mapper.attr(attr)
	if aerr != nil {
		return aerr
	}
	if err := st.Append(attr, item); err != nil {
		return err
	}
	if a.trackParent {
		s.parents[item] = parentRef{owner: st, attr: attr}
	}
	return nil
}

// Remove removes an item from a collection attribute. On a delete-
// orphan collection this clears the child's owner bookkeeping; if the
// child is not re-parented before the next flush, it is deleted.
func (s *Session) Remove(instance any, attr string, item any) error {
	st, err := s.ensureState(instance)
	if err != nil {
		return err
	}
	a, aerr := st.mapper.attr(attr)
	if aerr != nil {
		return aerr
	}
	if err := st.Remove(attr, item); err != nil {
		return err
	}
	if a.trackParent {
		if ref, ok := s.parents[item]; ok && ref.owner == st && ref.attr == attr {
			delete(s.parents, item)
		}
	}
	return nil
}

// History returns the change ledger of an attribute.
func (s *Session) History(instance any, attr string) (History, error) {
	st, err := s.ensureState(instance)
	if err != nil {
		return History{}, err
	}
	return st.History(attr)
}

// IsDirty reports whether the instance carries pending changes.
func (s *Session) IsDirty(instance any) bool {
	st, ok := s.states[instance]
	return ok && st.Modified()
}

// StatusOf returns the lifecycle status of the instance with respect to
// this session. Instances the session has never seen are transient.
func (s *Session) StatusOf(instance any) Status {
	if st, ok := s.states[instance]; ok {
		return st.status
	}
	if _, ok := s.detached[instance]; ok {
		return Detached
	}
	return Transient
}

// IdentityKeyOf returns the identity key assigned to the instance.
func (s *Session) IdentityKeyOf(instance any) (IdentityKey, bool) {
	st, ok := s.states[instance]
	if !ok {
		return IdentityKey{}, false
	}
	return st.Key()
}

// New returns the instances pending insertion.
func (s *Session) New() []any { return s.byStatus(Pending) }

// DeletedSet returns the instances marked for deletion.
func (s *Session) DeletedSet() []any { return s.byStatus(Deleted) }

// DirtySet returns the persistent instances with pending changes.
func (s *Session) DirtySet() []any {
	var out []any
	for inst, st := range s.states {
		if st.status == Persistent && st.Modified() {
			out = append(out, inst)
		}
	}
	return out
}

func (s *Session) byStatus(status Status) []any {
	var out []any
	for inst, st := range s.states {
		if st.status == status {
			out = append(out, inst)
		}
	}
	return out
}

// Flush translates all pending changes into statements executed inside
// the session's transaction, beginning one if none is active. On
// success, attribute histories are committed and newly assigned keys
// registered; on failure the transaction and all in-memory state roll
// back before the error is returned.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.cascadeAll(); err != nil {
		return err
	}
	states := make([]*InstanceState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	p, err := buildPlan(states)
	if err != nil {
		return err
	}
	if p.empty() {
		return nil
	}
	s.events.emit(BeforeFlush, s)
	tx, err := s.transaction(ctx)
	if err != nil {
		return err
	}
	flushed := planStates(p)
	for _, st := range flushed {
		if _, ok := s.txSnaps[st]; !ok {
			s.txSnaps[st] = st.snapshot()
		}
	}
	exec := &executor{tx: tx, dialect: s.drv.Dialect()}
	if err := exec.run(ctx, p); err != nil {
		s.log.Error("flush failed, rolling back", "error", err)
		_ = tx.Rollback()
		s.tx = nil
		s.restoreFlush()
		return err
	}
	for _, level := range p.insertLevels {
		for _, n := range level {
			n.state.status = Persistent
			if err := s.identity.Put(n.state.key, n.state.instance); err != nil {
				_ = tx.Rollback()
				s.tx = nil
				s.restoreFlush()
				return err
			}
			s.txInserted = append(s.txInserted, n.state)
		}
	}
	for _, level := range p.deleteLevels {
		for _, n := range level {
			st := n.state
			s.txDeleted = append(s.txDeleted, st)
			s.expunge(st, Detached)
		}
	}
	for _, st := range flushed {
		if st.status != Detached {
			st.CommitAll()
		}
	}
	s.log.Debug("flush complete",
		"inserted", countNodes(p.insertLevels),
		"updated", len(p.updates),
		"deleted", countNodes(p.deleteLevels))
	s.events.emit(AfterFlush, s)
	return nil
}

// Commit flushes pending changes and commits the underlying
// transaction. By default all persistent attributes are expired
// afterwards so the next access re-fetches committed state; disable
// with WithExpireOnCommit(false).
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			return fmt.Errorf("orm: commit: %w", err)
		}
		s.tx = nil
	}
	s.clearTxBookkeeping()
	if s.expireOnCommit {
		for _, st := range s.states {
			if st.status == Persistent {
				st.Expire()
			}
		}
	}
	s.events.emit(AfterCommit, s)
	return nil
}

// Rollback rolls back the underlying transaction and restores all
// in-memory state to the last committed baseline: flushed work is
// undone, pending instances revert to transient and leave the session,
// and unflushed deletions are cancelled.
func (s *Session) Rollback() error {
	var txErr error
	if s.tx != nil {
		txErr = s.tx.Rollback()
		s.tx = nil
	}
	s.rollbackAll()
	s.events.emit(AfterRollback, s)
	if txErr != nil {
		return &quarry.RollbackError{Err: txErr}
	}
	return nil
}

// restoreSnapshots undoes all work flushed within the open transaction
// in memory: flushed deletions re-enter the session, flushed inserts
// lose their assigned keys, and flushed updates return to their
// pre-flush values and dirty-history.
func (s *Session) restoreSnapshots() {
	for _, st := range s.txDeleted {
		delete(s.detached, st.instance)
		s.states[st.instance] = st
	}
	for st, snap := range s.txSnaps {
		if st.hasKey {
			if cur, ok := s.identity.Get(st.key); ok && cur == st.instance {
				s.identity.Remove(st.key)
			}
		}
		st.restore(snap)
		s.states[st.instance] = st
		if st.hasKey {
			_ = s.identity.Put(st.key, st.instance)
		}
	}
}

// restoreFlush undoes a failed flush in memory after its transaction
// has been rolled back. Unlike Rollback, pending instances keep their
// Pending status so a corrected flush can retry them; only an explicit
// Rollback expunges them from the session.
func (s *Session) restoreFlush() {
	s.restoreSnapshots()
	s.clearTxBookkeeping()
}

// rollbackAll restores every tracked state after a transaction
// rollback: pending instances revert to transient and leave the
// session, persistent instances return to their committed baseline,
// and unflushed deletions are cancelled.
func (s *Session) rollbackAll() {
	s.restoreSnapshots()
	for _, st := range s.snapshotStates() {
		switch st.status {
		case Pending:
			s.expunge(st, Transient)
		case Persistent:
			_ = st.RollbackAll()
			st.unexpire()
		case Deleted:
			_ = st.RollbackAll()
			st.status = Persistent
		}
	}
	s.clearTxBookkeeping()
}

func (s *Session) clearTxBookkeeping() {
	clear(s.txSnaps)
	s.txInserted = nil
	s.txDeleted = nil
}

// Close rolls back any active transaction, clears the identity map and
// discards all tracked state. The session cannot be used afterwards;
// scoped storage reusing the slot never observes stale entries.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.tx != nil {
		err = s.tx.Rollback()
		s.tx = nil
	}
	for _, st := range s.states {
		st.status = Detached
	}
	clear(s.states)
	clear(s.parents)
	clear(s.detached)
	s.clearTxBookkeeping()
	s.identity.Clear()
	s.closed = true
	return err
}

// Expire marks the instance's attributes (or the named subset) stale.
func (s *Session) Expire(instance any, attrs ...string) error {
	st, ok := s.states[instance]
	if !ok {
		return usageErrorf("cannot expire %T: not managed by this session", instance)
	}
	st.Expire(attrs...)
	return nil
}

// Refresh re-fetches the instance's row and resets its attributes and
// baseline to the database state.
func (s *Session) Refresh(ctx context.Context, instance any) error {
	st, ok := s.states[instance]
	if !ok || st.status != Persistent {
		return usageErrorf("cannot refresh %T: instance is not persistent in this session", instance)
	}
	q := s.QueryMapper(st.mapper)
	found, err := q.WithoutAutoflush().refreshInto(ctx, st)
	if err != nil {
		return err
	}
	if !found {
		return usageErrorf("cannot refresh %s: row no longer exists", st.describe())
	}
	st.CommitAll()
	st.unexpire()
	return nil
}

// Savepoint is a nested transaction scope backed by an SQL SAVEPOINT.
type Savepoint struct {
	s    *Session
	name string
	// in-memory snapshots taken when the savepoint was established.
	snaps map[*InstanceState]*stateSnapshot
	done  bool
}

// BeginNested establishes a savepoint in the session's transaction,
// beginning one if none is active. Rolling back the savepoint restores
// both the database and the in-memory state captured at this point.
func (s *Session) BeginNested(ctx context.Context) (*Savepoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.transaction(ctx)
	if err != nil {
		return nil, err
	}
	name := "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := tx.Exec(ctx, "SAVEPOINT "+name, []any{}, nil); err != nil {
		return nil, fmt.Errorf("orm: savepoint: %w", err)
	}
	sp := &Savepoint{s: s, name: name, snaps: make(map[*InstanceState]*stateSnapshot, len(s.states))}
	for _, st := range s.states {
		sp.snaps[st] = st.snapshot()
	}
	return sp, nil
}

// Release releases the savepoint, keeping its effects.
func (sp *Savepoint) Release(ctx context.Context) error {
	if sp.done {
		return usageErrorf("savepoint %s already completed", sp.name)
	}
	sp.done = true
	if sp.s.tx == nil {
		return usageErrorf("savepoint %s has no enclosing transaction", sp.name)
	}
	if err := sp.s.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp.name, []any{}, nil); err != nil {
		return fmt.Errorf("orm: release savepoint: %w", err)
	}
	return nil
}

// Rollback rolls back to the savepoint and restores the in-memory state
// captured when it was established.
func (sp *Savepoint) Rollback(ctx context.Context) error {
	if sp.done {
		return usageErrorf("savepoint %s already completed", sp.name)
	}
	sp.done = true
	if sp.s.tx == nil {
		return usageErrorf("savepoint %s has no enclosing transaction", sp.name)
	}
	if err := sp.s.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp.name, []any{}, nil); err != nil {
		return fmt.Errorf("orm: rollback savepoint: %w", err)
	}
	for st, snap := range sp.snaps {
		st.restore(snap)
	}
	return nil
}

// cascadeAll runs the pre-flush cascade passes: save-update closure and
// delete-orphan detection.
func (s *Session) cascadeAll() error {
	for _, st := range s.snapshotStates() {
		if st.status == Pending || st.status == Persistent {
			if err := s.cascadeSaveUpdate(st); err != nil {
				return err
			}
		}
	}
	return s.deleteOrphans()
}

// cascadeSaveUpdate adds transient instances reachable through
// save-update relationships of the given state.
func (s *Session) cascadeSaveUpdate(st *InstanceState) error {
	for _, ra := range st.mapper.rels {
		if !ra.rel.Cascade.Has(schema.CascadeSaveUpdate) {
			continue
		}
		var related []any
		if ra.collection {
			related = sliceItems(ra.get(st.value))
		} else if ref := ra.get(st.value); !ref.IsNil() {
			related = []any{ref.Interface()}
		}
		for _, item := range related {
			if child, ok := s.states[item]; ok && child.status != Transient {
				continue
			}
			if err := s.Add(item); err != nil {
				return err
			}
			if ra.trackParent {
				s.parents[item] = parentRef{owner: st, attr: ra.name}
			}
		}
	}
	return nil
}

// deleteOrphans marks persistent children removed from a delete-orphan
// collection, unless they have been re-parented since.
func (s *Session) deleteOrphans() error {
	for _, st := range s.snapshotStates() {
		if st.status != Persistent && st.status != Pending {
			continue
		}
		for _, ra := range st.mapper.rels {
			if !ra.trackParent {
				continue
			}
			h, err := st.History(ra.name)
			if err != nil {
				return err
			}
			for _, item := range h.Removed {
				if ref, ok := s.parents[item]; ok && ref.owner != st {
					continue // re-parented
				}
				child, ok := s.states[item]
				if !ok || child.status != Persistent {
					continue
				}
				if err := s.markDeleted(child); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Session) snapshotStates() []*InstanceState {
	out := make([]*InstanceState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out
}

// transaction returns the active transaction, beginning one implicitly
// when none is open. The transaction stays open until Commit or
// Rollback.
func (s *Session) transaction(ctx context.Context) (dialect.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("orm: begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// conn returns the executor queries should run on: the open transaction
// if one is active, the driver otherwise.
func (s *Session) conn() dialect.ExecQuerier {
	if s.tx != nil {
		return s.tx
	}
	return s.drv
}

// hasPendingWork reports whether a flush would execute any statement.
func (s *Session) hasPendingWork() bool {
	for _, st := range s.states {
		switch st.status {
		case Pending, Deleted:
			return true
		case Persistent:
			if st.Modified() {
				return true
			}
		}
	}
	return false
}

func (s *Session) checkOpen() error {
	if s.closed {
		return quarry.ErrSessionClosed
	}
	return nil
}

func planStates(p *plan) []*InstanceState {
	var out []*InstanceState
	for _, level := range p.insertLevels {
		for _, n := range level {
			out = append(out, n.state)
		}
	}
	for _, n := range p.updates {
		out = append(out, n.state)
	}
	for _, level := range p.deleteLevels {
		for _, n := range level {
			out = append(out, n.state)
		}
	}
	return out
}

func countNodes(levels [][]*uowNode) int {
	n := 0
	for _, level := range levels {
		n += len(level)
	}
	return n
}
