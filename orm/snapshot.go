package orm

import "reflect"

// stateSnapshot captures the complete in-memory state of one instance:
// lifecycle status, identity, live attribute values and the history
// ledger. Snapshots are taken before a state's first flush within a
// transaction so a rollback can restore the pre-flush picture exactly.
type stateSnapshot struct {
	status Status
	key    IdentityKey
	hasKey bool

	values      map[string]any   // scalar and reference attribute values
	slices      map[string][]any // collection attribute contents
	baselines   map[string]baseline
	touched     map[string]bool
	collections map[string]*collectionDelta
	expired     map[string]struct{}
}

// snapshot captures the state's current status, values and ledger.
func (st *InstanceState) snapshot() *stateSnapshot {
	snap := &stateSnapshot{
		status:      st.status,
		key:         st.key,
		hasKey:      st.hasKey,
		values:      make(map[string]any),
		slices:      make(map[string][]any),
		baselines:   make(map[string]baseline, len(st.baselines)),
		touched:     make(map[string]bool, len(st.touched)),
		collections: make(map[string]*collectionDelta, len(st.collections)),
		expired:     make(map[string]struct{}, len(st.expired)),
	}
	for _, a := range st.mapper.columns {
		snap.values[a.name] = a.get(st.value).Interface()
	}
	for _, a := range st.mapper.rels {
		if a.collection {
			snap.slices[a.name] = sliceItems(a.get(st.value))
		} else {
			snap.values[a.name] = a.get(st.value).Interface()
		}
	}
	for k, v := range st.baselines {
		snap.baselines[k] = v
	}
	for k, v := range st.touched {
		snap.touched[k] = v
	}
	for k, d := range st.collections {
		snap.collections[k] = &collectionDelta{
			committed: append([]any(nil), d.committed...),
			added:     append([]any(nil), d.added...),
			removed:   append([]any(nil), d.removed...),
		}
	}
	for k := range st.expired {
		snap.expired[k] = struct{}{}
	}
	return snap
}

// restore writes a snapshot back: live values, status, identity and the
// ledger all return to the captured picture.
func (st *InstanceState) restore(snap *stateSnapshot) {
	st.status = snap.status
	st.key = snap.key
	st.hasKey = snap.hasKey
	for _, a := range st.mapper.columns {
		_ = st.setField(a, snap.values[a.name])
	}
	for _, a := range st.mapper.rels {
		if a.collection {
			field := a.get(st.value)
			rebuilt := reflect.MakeSlice(field.Type(), 0, len(snap.slices[a.name]))
			for _, item := range snap.slices[a.name] {
				rebuilt = reflect.Append(rebuilt, reflect.ValueOf(item))
			}
			field.Set(rebuilt)
		} else {
			_ = st.setField(a, snap.values[a.name])
		}
	}
	st.baselines = make(map[string]baseline, len(snap.baselines))
	for k, v := range snap.baselines {
		st.baselines[k] = v
	}
	st.touched = make(map[string]bool, len(snap.touched))
	for k, v := range snap.touched {
		st.touched[k] = v
	}
	st.collections = make(map[string]*collectionDelta, len(snap.collections))
	for k, d := range snap.collections {
		st.collections[k] = &collectionDelta{
			committed: append([]any(nil), d.committed...),
			added:     append([]any(nil), d.added...),
			removed:   append([]any(nil), d.removed...),
		}
	}
	st.expired = make(map[string]struct{}, len(snap.expired))
	for k := range snap.expired {
		st.expired[k] = struct{}{}
	}
}
