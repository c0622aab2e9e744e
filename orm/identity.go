package orm

import (
	"fmt"
	"reflect"
	"strings"
)

// IdentityKey identifies a single database row within a session: the
// mapped type plus the primary-key value tuple. Two keys built from
// equal (type, primary-key) pairs compare equal.
type IdentityKey struct {
	typ reflect.Type
	key string
}

// KeyFor builds the identity key for the given mapper and primary-key
// values. The values must be given in primary-key declaration order.
func KeyFor(m *Mapper, pkValues ...any) IdentityKey {
	parts := make([]string, len(pkValues))
	for i, v := range pkValues {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return IdentityKey{typ: m.typ, key: strings.Join(parts, "\x1f")}
}

// Type returns the mapped Go type of the key.
func (k IdentityKey) Type() reflect.Type { return k.typ }

// String returns a human-readable form of the key.
func (k IdentityKey) String() string {
	return fmt.Sprintf("%s(%s)", k.typ.Name(), strings.ReplaceAll(k.key, "\x1f", ", "))
}

// zero reports whether the key is the zero value.
func (k IdentityKey) zero() bool { return k.typ == nil }

// identityMap is the scope-bound registry mapping identity keys to the
// single live instance representing that row within the session.
type identityMap struct {
	entries map[IdentityKey]any
}

func newIdentityMap() *identityMap {
	return &identityMap{entries: make(map[IdentityKey]any)}
}

// Get returns the instance registered under the key, if any.
func (im *identityMap) Get(key IdentityKey) (any, bool) {
	inst, ok := im.entries[key]
	return inst, ok
}

// Put registers the instance under the key. Registering a different
// live instance under an occupied key is an identity conflict: the
// existing instance is kept and an error is returned.
func (im *identityMap) Put(key IdentityKey, instance any) error {
	if existing, ok := im.entries[key]; ok && existing != instance {
		return &IdentityConflictError{Key: key, Existing: existing, Conflicting: instance}
	}
	im.entries[key] = instance
	return nil
}

// Remove drops the entry for the key, if present.
func (im *identityMap) Remove(key IdentityKey) {
	delete(im.entries, key)
}

// All returns all instances currently registered, in no particular order.
func (im *identityMap) All() []any {
	all := make([]any, 0, len(im.entries))
	for _, inst := range im.entries {
		all = append(all, inst)
	}
	return all
}

// Clear drops all entries. Used when the owning session is closed so a
// reused scope slot never sees stale instances.
func (im *identityMap) Clear() {
	clear(im.entries)
}

// Len returns the number of registered instances.
func (im *identityMap) Len() int { return len(im.entries) }
