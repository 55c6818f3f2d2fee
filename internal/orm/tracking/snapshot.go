// Package tracking provides snapshot-based dirty checking for managed entities.
// A snapshot records the column values an entity had when it was loaded or
// last flushed; diffing the current values against it yields the minimal
// set of columns an UPDATE must touch.
package tracking

import (
	"reflect"
	"time"
)

// FieldChange represents a change to a single column
type FieldChange struct {
	Column   string
	OldValue interface{}
	NewValue interface{}
}

// Snapshot is an immutable copy of an entity's column values
type Snapshot struct {
	columns []string
	values  map[string]interface{}
}

// Take records values for the given columns in column order
func Take(columns []string, values map[string]interface{}) *Snapshot {
	s := &Snapshot{
		columns: append([]string(nil), columns...),
		values:  make(map[string]interface{}, len(columns)),
	}
	for _, col := range columns {
		s.values[col] = deepCopyValue(values[col])
	}
	return s
}

// Value returns the recorded value of a column
func (s *Snapshot) Value(column string) interface{} {
	return s.values[column]
}

// Values returns a copy of the recorded values
func (s *Snapshot) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Diff compares current values against the snapshot. Columns missing from
// current are treated as unchanged.
func (s *Snapshot) Diff(current map[string]interface{}) *ChangeSet {
	cs := &ChangeSet{changes: make(map[string]*FieldChange)}
	for _, col := range s.columns {
		newValue, ok := current[col]
		if !ok {
			continue
		}
		oldValue := s.values[col]
		if !deepEqual(oldValue, newValue) {
			cs.order = append(cs.order, col)
			cs.changes[col] = &FieldChange{Column: col, OldValue: oldValue, NewValue: newValue}
		}
	}
	return cs
}

// deepCopyValue creates a deep copy of slices and maps; everything else is
// copied by value.
func deepCopyValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}

	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return append([]byte(nil), b...)
		}
		slice := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			slice[i] = deepCopyValue(val.Index(i).Interface())
		}
		return slice
	case reflect.Map:
		m := make(map[interface{}]interface{})
		for _, key := range val.MapKeys() {
			m[deepCopyValue(key.Interface())] = deepCopyValue(val.MapIndex(key).Interface())
		}
		return m
	default:
		return v
	}
}

// deepEqual compares two values, treating timestamps as equal when they
// denote the same instant
func deepEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}

	return reflect.DeepEqual(a, b)
}
