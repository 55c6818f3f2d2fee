// Package identity provides the identity map of a unit of work: at most one
// live instance per persistent identity.
package identity

import (
	"errors"
	"fmt"
	"sort"
)

// ErrIdentityConflict is returned when two instances claim the same key
var ErrIdentityConflict = errors.New("identity conflict")

// Key identifies a persistent entity: its entity name and normalized primary
// key value. Keys compare by value and can be used as map keys, so the key
// value must be comparable (int64, string, uuid.UUID, ...).
type Key struct {
	Entity string
	Value  interface{}
}

// NewKey creates a key for the given entity and primary key value
func NewKey(entity string, value interface{}) Key {
	return Key{Entity: entity, Value: value}
}

// String returns the key as Entity#value
func (k Key) String() string {
	return fmt.Sprintf("%s#%v", k.Entity, k.Value)
}

// IsZero returns true if the key carries no value
func (k Key) IsZero() bool {
	return k.Value == nil
}

// IdentityConflictError reports an attempt to register a second instance
// under a key that is already taken
type IdentityConflictError struct {
	Key Key
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("another instance is already registered for %s", e.Key)
}

func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict
}

// Map maps keys to live instances. It is owned by a single unit of work and
// is not safe for concurrent use.
type Map[T comparable] struct {
	entries map[Key]T
}

// NewMap creates an empty identity map
func NewMap[T comparable]() *Map[T] {
	return &Map[T]{entries: make(map[Key]T)}
}

// Lookup returns the instance registered under key
func (m *Map[T]) Lookup(key Key) (T, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Register stores v under key. Registering the same instance again is a
// no-op; registering a different one fails with IdentityConflictError.
func (m *Map[T]) Register(key Key, v T) error {
	if key.IsZero() {
		return fmt.Errorf("cannot register %s without a key value", key.Entity)
	}
	if existing, ok := m.entries[key]; ok {
		if existing == v {
			return nil
		}
		return &IdentityConflictError{Key: key}
	}
	m.entries[key] = v
	return nil
}

// Remove drops the entry for key
func (m *Map[T]) Remove(key Key) {
	delete(m.entries, key)
}

// Len returns the number of registered instances
func (m *Map[T]) Len() int {
	return len(m.entries)
}

// Clear removes every entry
func (m *Map[T]) Clear() {
	m.entries = make(map[Key]T)
}

// Keys returns the registered keys sorted by their string form
func (m *Map[T]) Keys() []Key {
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
