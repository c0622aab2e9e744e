package orm

import (
	"fmt"
	"reflect"
)

// Status is the lifecycle state of a mapped instance with respect to a
// session.
type Status int8

const (
	// Transient instances were never associated with a session or row.
	Transient Status = iota
	// Pending instances are registered for insertion at the next flush.
	Pending
	// Persistent instances correspond to a database row and live in
	// the session's identity map.
	Persistent
	// Deleted instances are marked for removal at the next flush.
	Deleted
	// Detached instances were persistent or pending but have been
	// removed from their session.
	Detached
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case Transient:
		return "transient"
	case Pending:
		return "pending"
	case Persistent:
		return "persistent"
	case Deleted:
		return "deleted"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("Status(%d)", int8(s))
}

// History is the per-attribute change ledger relative to the last
// commit point: values present before and still present, values added
// since, and values removed since. For scalar attributes each slice
// holds at most one element.
type History struct {
	Unchanged []any
	Added     []any
	Removed   []any
}

// Empty reports whether the history carries no pending change.
func (h History) Empty() bool {
	return len(h.Added) == 0 && len(h.Removed) == 0
}

// baseline is the committed value of a scalar or reference attribute.
type baseline struct {
	hasValue bool // false when the attribute had no committed value
	value    any
}

// collectionDelta tracks incremental membership changes of a collection
// attribute. Append and Remove cancel each other so that repeated
// add/remove sequences never grow the ledger.
type collectionDelta struct {
	committed []any // committed membership snapshot
	added     []any
	removed   []any
}

// InstanceState augments one mapped instance with its lifecycle status,
// identity key and per-attribute history. All attribute mutations of a
// managed instance flow through its state, which keeps the history
// ledger without ever touching the database.
type InstanceState struct {
	mapper   *Mapper
	instance any
	value    reflect.Value
	status   Status

	key    IdentityKey
	hasKey bool

	baselines   map[string]baseline
	collections map[string]*collectionDelta
	touched     map[string]bool
	expired     map[string]struct{}
}

// NewState instruments the given instance (a struct pointer of a mapped
// type) and returns its state, initially transient with no committed
// baseline.
func NewState(m *Mapper, instance any) *InstanceState {
	return &InstanceState{
		mapper:      m,
		instance:    instance,
		value:       m.value(instance),
		status:      Transient,
		baselines:   make(map[string]baseline),
		collections: make(map[string]*collectionDelta),
		touched:     make(map[string]bool),
		expired:     make(map[string]struct{}),
	}
}

// loadedState instruments an instance freshly populated from a row: all
// current column values become the committed baseline and the state is
// persistent under the given key.
func loadedState(m *Mapper, instance any, key IdentityKey) *InstanceState {
	st := NewState(m, instance)
	st.status = Persistent
	st.key = key
	st.hasKey = true
	st.commitAll()
	return st
}

// Mapper returns the mapper of the instrumented instance.
func (st *InstanceState) Mapper() *Mapper { return st.mapper }

// Instance returns the instrumented instance.
func (st *InstanceState) Instance() any { return st.instance }

// Status returns the current lifecycle status.
func (st *InstanceState) Status() Status { return st.status }

// Key returns the identity key, if one has been assigned.
func (st *InstanceState) Key() (IdentityKey, bool) { return st.key, st.hasKey }

func (st *InstanceState) describe() string {
	if st.hasKey {
		return st.key.String()
	}
	return fmt.Sprintf("%s(pending %p)", st.mapper.Name(), st.instance)
}

// Get returns the current value of the attribute.
func (st *InstanceState) Get(name string) (any, error) {
	a, err := st.mapper.attr(name)
	if err != nil {
		return nil, err
	}
	return a.get(st.value).Interface(), nil
}

// Set assigns a scalar or reference attribute and records the change
// against the committed baseline. Setting an attribute back to its
// baseline value makes it clean again.
func (st *InstanceState) Set(name string, v any) error {
	a, err := st.mapper.attr(name)
	if err != nil {
		return err
	}
	if a.collection {
		return usageErrorf("%s.%s is a collection, use Append/Remove", st.mapper.Name(), name)
	}
	st.ensureBaseline(a)
	st.touched[name] = true
	delete(st.expired, name)
	return st.setField(a, v)
}

// Append adds an item to a collection attribute. Appending an item
// recorded as removed cancels the removal instead of growing the ledger.
func (st *InstanceState) Append(name string, item any) error {
	a, d, err := st.collectionAttr(name)
	if err != nil {
		return err
	}
	field := a.get(st.value)
	if indexOf(sliceItems(field), item) >= 0 {
		return nil // already present
	}
	field.Set(reflect.Append(field, reflect.ValueOf(item)))
	if i := indexOf(d.removed, item); i >= 0 {
		d.removed = append(d.removed[:i], d.removed[i+1:]...)
		return nil
	}
	if indexOf(d.committed, item) < 0 {
		d.added = append(d.added, item)
	}
	return nil
}

// Remove removes an item from a collection attribute. Removing an item
// recorded as added cancels the addition: the net history is a no-op.
func (st *InstanceState) Remove(name string, item any) error {
	a, d, err := st.collectionAttr(name)
	if err != nil {
		return err
	}
	field := a.get(st.value)
	items := sliceItems(field)
	i := indexOf(items, item)
	if i < 0 {
		return nil // not a member
	}
	field.Set(reflect.AppendSlice(field.Slice(0, i), field.Slice(i+1, field.Len())))
	if j := indexOf(d.added, item); j >= 0 {
		d.added = append(d.added[:j], d.added[j+1:]...)
		return nil
	}
	if indexOf(d.committed, item) >= 0 {
		d.removed = append(d.removed, item)
	}
	return nil
}

// History returns the attribute's change ledger relative to the last
// commit point. It is a pure query with no side effects.
func (st *InstanceState) History(name string) (History, error) {
	a, err := st.mapper.attr(name)
	if err != nil {
		return History{}, err
	}
	if a.collection {
		d, ok := st.collections[name]
		if !ok {
			return History{Unchanged: sliceItems(a.get(st.value))}, nil
		}
		h := History{Added: append([]any(nil), d.added...), Removed: append([]any(nil), d.removed...)}
		for _, item := range d.committed {
			if indexOf(d.removed, item) < 0 {
				h.Unchanged = append(h.Unchanged, item)
			}
		}
		return h, nil
	}
	cur := a.get(st.value).Interface()
	if !st.touched[name] {
		return History{Unchanged: []any{cur}}, nil
	}
	b := st.baselines[name]
	if b.hasValue && equalAttr(a, cur, b.value) {
		return History{Unchanged: []any{cur}}, nil
	}
	h := History{Added: []any{cur}}
	if b.hasValue {
		h.Removed = []any{b.value}
	}
	return h, nil
}

// Modified reports whether any attribute carries a pending change.
func (st *InstanceState) Modified() bool {
	for name := range st.touched {
		if h, err := st.History(name); err == nil && !h.Empty() {
			return true
		}
	}
	for name := range st.collections {
		if h, err := st.History(name); err == nil && !h.Empty() {
			return true
		}
	}
	return false
}

// CommitAttr collapses the attribute's history into a new baseline: the
// current value becomes unchanged and pending deltas are discarded.
func (st *InstanceState) CommitAttr(name string) error {
	a, err := st.mapper.attr(name)
	if err != nil {
		return err
	}
	st.commitAttr(a)
	return nil
}

// CommitAll collapses all attribute histories into new baselines. It is
// invoked after each successful flush of the instance's row.
func (st *InstanceState) CommitAll() {
	st.commitAll()
}

func (st *InstanceState) commitAll() {
	for _, a := range st.mapper.columns {
		st.commitAttr(a)
	}
	for _, a := range st.mapper.rels {
		st.commitAttr(a)
	}
}

func (st *InstanceState) commitAttr(a *attribute) {
	if a.collection {
		st.collections[a.name] = &collectionDelta{committed: sliceItems(a.get(st.value))}
		return
	}
	st.baselines[a.name] = baseline{hasValue: true, value: a.get(st.value).Interface()}
	delete(st.touched, a.name)
}

// RollbackAttr restores the attribute's live value to the committed
// baseline, discarding pending deltas. Rolling back an attribute that
// was modified without a committed baseline is an invariant violation
// and fails loudly.
func (st *InstanceState) RollbackAttr(name string) error {
	a, err := st.mapper.attr(name)
	if err != nil {
		return err
	}
	return st.rollbackAttr(a)
}

// RollbackAll restores every attribute to its committed baseline. For
// collections, removed members are re-inserted and added members are
// discarded so the live contents match the baseline exactly.
func (st *InstanceState) RollbackAll() error {
	for _, a := range st.mapper.columns {
		if err := st.rollbackAttr(a); err != nil {
			return err
		}
	}
	for _, a := range st.mapper.rels {
		if err := st.rollbackAttr(a); err != nil {
			return err
		}
	}
	return nil
}

func (st *InstanceState) rollbackAttr(a *attribute) error {
	if a.collection {
		d, ok := st.collections[a.name]
		if !ok {
			return nil // never touched, live value is the baseline
		}
		field := a.get(st.value)
		rebuilt := reflect.MakeSlice(field.Type(), 0, len(d.committed))
		for _, item := range d.committed {
			rebuilt = reflect.Append(rebuilt, reflect.ValueOf(item))
		}
		field.Set(rebuilt)
		d.added, d.removed = nil, nil
		return nil
	}
	if !st.touched[a.name] {
		return nil
	}
	b, ok := st.baselines[a.name]
	if !ok {
		return usageErrorf("cannot roll back %s.%s: attribute has no committed baseline", st.mapper.Name(), a.name)
	}
	if !b.hasValue {
		// The committed state is "no value": restore the zero value.
		field := a.get(st.value)
		field.Set(reflect.Zero(field.Type()))
	} else if err := st.setField(a, b.value); err != nil {
		return err
	}
	delete(st.touched, a.name)
	return nil
}

// Expire marks the given attributes (or all column attributes, when
// none are named) as stale. Expired attributes are re-fetched from the
// database on the next refresh.
func (st *InstanceState) Expire(names ...string) {
	if len(names) == 0 {
		for _, a := range st.mapper.columns {
			st.expired[a.name] = struct{}{}
		}
		return
	}
	for _, name := range names {
		st.expired[name] = struct{}{}
	}
}

// IsExpired reports whether the attribute is marked stale.
func (st *InstanceState) IsExpired(name string) bool {
	_, ok := st.expired[name]
	return ok
}

func (st *InstanceState) unexpire() {
	clear(st.expired)
}

// ensureBaseline records the pre-existing value as the committed
// baseline on the first touch of an attribute. A zero value on a state
// that was never loaded counts as "no value".
func (st *InstanceState) ensureBaseline(a *attribute) {
	if _, ok := st.baselines[a.name]; ok {
		return
	}
	field := a.get(st.value)
	st.baselines[a.name] = baseline{
		hasValue: !field.IsZero(),
		value:    field.Interface(),
	}
}

func (st *InstanceState) collectionAttr(name string) (*attribute, *collectionDelta, error) {
	a, err := st.mapper.attr(name)
	if err != nil {
		return nil, nil, err
	}
	if !a.collection {
		return nil, nil, usageErrorf("%s.%s is not a collection attribute", st.mapper.Name(), name)
	}
	d, ok := st.collections[name]
	if !ok {
		d = &collectionDelta{committed: sliceItems(a.get(st.value))}
		st.collections[name] = d
	}
	return a, d, nil
}

func (st *InstanceState) setField(a *attribute, v any) error {
	field := a.get(st.value)
	if v == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(field.Type()) {
		if !rv.Type().ConvertibleTo(field.Type()) {
			return usageErrorf("cannot assign %T to %s.%s (%s)", v, st.mapper.Name(), a.name, field.Type())
		}
		rv = rv.Convert(field.Type())
	}
	field.Set(rv)
	return nil
}

// equalAttr compares two attribute values: references by identity,
// plain values structurally.
func equalAttr(a *attribute, x, y any) bool {
	if a.reference {
		return x == y
	}
	return reflect.DeepEqual(x, y)
}

// sliceItems snapshots the elements of a slice field.
func sliceItems(v reflect.Value) []any {
	items := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		items = append(items, v.Index(i).Interface())
	}
	return items
}

// indexOf returns the index of item in items using interface identity,
// or -1 when absent.
func indexOf(items []any, item any) int {
	for i := range items {
		if items[i] == item {
			return i
		}
	}
	return -1
}
