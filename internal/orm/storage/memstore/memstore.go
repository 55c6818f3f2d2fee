// Package memstore provides a transactional in-memory storage gateway. It
// enforces primary-key, not-null and foreign-key constraints like a
// relational store and counts the statements it executes, which makes it
// the gateway of choice for unit-of-work tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

// Statement records one executed statement
type Statement struct {
	Op      string
	Entity  string
	Key     interface{}
	Columns []string
}

// String renders the statement as op Entity[key](columns)
func (s Statement) String() string {
	return fmt.Sprintf("%s %s[%v](%s)", s.Op, s.Entity, s.Key, strings.Join(s.Columns, ","))
}

// Stats counts executed statements by kind
type Stats struct {
	Inserts   int
	Updates   int
	Deletes   int
	Selects   int
	Commits   int
	Rollbacks int
}

// Writes returns the number of data-modifying statements
func (s Stats) Writes() int {
	return s.Inserts + s.Updates + s.Deletes
}

type table struct {
	rows map[interface{}]storage.Row
	seq  int64
}

type state map[string]*table

func (s state) clone() state {
	out := make(state, len(s))
	for name, t := range s {
		rows := make(map[interface{}]storage.Row, len(t.rows))
		for k, row := range t.rows {
			rows[k] = row.Clone()
		}
		out[name] = &table{rows: rows, seq: t.seq}
	}
	return out
}

// Store is an in-memory storage.Gateway. One transaction writes at a time;
// reads outside a transaction see committed rows only.
type Store struct {
	registry *schema.Registry

	writer sync.Mutex
	mu     sync.RWMutex
	state  state

	statsMu sync.Mutex
	stats   Stats
	log     []Statement
}

// New creates an empty store with a table for every registered entity
func New(registry *schema.Registry) *Store {
	st := make(state)
	for _, name := range registry.List() {
		st[name] = &table{rows: make(map[interface{}]storage.Row)}
	}
	return &Store{registry: registry, state: st}
}

// Stats returns the statement counters
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Statements returns the executed statements in order
func (s *Store) Statements() []Statement {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return append([]Statement(nil), s.log...)
}

// ResetStats clears the counters and the statement log
func (s *Store) ResetStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats = Stats{}
	s.log = nil
}

// Len returns the number of committed rows of an entity
func (s *Store) Len(entity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.state[entity]; ok {
		return len(t.rows)
	}
	return 0
}

func (s *Store) count(count func(*Stats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	count(&s.stats)
}

func (s *Store) record(stmt Statement, count func(*Stats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	count(&s.stats)
	s.log = append(s.log, stmt)
}

// Begin opens a transaction over a private copy of the committed state.
// It blocks while another transaction is open.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Op: "begin", Cause: err}
	}
	s.writer.Lock()

	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()

	return &tx{ops: ops{store: s, state: working}}, nil
}

// Insert runs in its own transaction
func (s *Store) Insert(ctx context.Context, desc *schema.EntityDescriptor, values storage.Row) (interface{}, error) {
	var key interface{}
	err := s.autocommit(ctx, func(o ops) error {
		var err error
		key, err = o.Insert(ctx, desc, values)
		return err
	})
	return key, err
}

// Update runs in its own transaction
func (s *Store) Update(ctx context.Context, desc *schema.EntityDescriptor, key interface{}, changed storage.Row) error {
	return s.autocommit(ctx, func(o ops) error {
		return o.Update(ctx, desc, key, changed)
	})
}

// Delete runs in its own transaction
func (s *Store) Delete(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) error {
	return s.autocommit(ctx, func(o ops) error {
		return o.Delete(ctx, desc, key)
	})
}

// SelectByKey reads committed state
func (s *Store) SelectByKey(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) (storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{store: s, state: s.state}.SelectByKey(ctx, desc, key)
}

// SelectByForeignKey reads committed state
func (s *Store) SelectByForeignKey(ctx context.Context, desc *schema.EntityDescriptor, column string, key interface{}) ([]storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ops{store: s, state: s.state}.SelectByForeignKey(ctx, desc, column, key)
}

func (s *Store) autocommit(ctx context.Context, fn func(ops) error) error {
	t, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(t.(*tx).ops); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

type tx struct {
	ops
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return &storage.StorageError{Op: "commit", Cause: fmt.Errorf("transaction already finished")}
	}
	t.done = true

	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	t.store.writer.Unlock()

	t.store.count(func(s *Stats) { s.Commits++ })
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.writer.Unlock()

	t.store.count(func(s *Stats) { s.Rollbacks++ })
	return nil
}

// ops executes statements against one version of the state
type ops struct {
	store *Store
	state state
}

func (o ops) table(desc *schema.EntityDescriptor) (*table, error) {
	t, ok := o.state[desc.Name]
	if !ok {
		return nil, &storage.StorageError{Op: "lookup", Entity: desc.Name, Cause: fmt.Errorf("no table for %s", desc.Name)}
	}
	return t, nil
}

func (o ops) Insert(ctx context.Context, desc *schema.EntityDescriptor, values storage.Row) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Op: "insert", Entity: desc.Name, Cause: err}
	}
	t, err := o.table(desc)
	if err != nil {
		return nil, err
	}

	row, err := o.normalize("insert", desc, values, true)
	if err != nil {
		return nil, err
	}

	id := desc.ID()
	var generated interface{}
	if row[id.Column] == nil {
		if id.Generation != schema.GenerateAuto {
			return nil, violation("insert", desc, storage.ConstraintNotNull, id.Column)
		}
		t.seq++
		row[id.Column] = t.seq
		generated = t.seq
	}

	key := row[id.Column]
	if _, exists := t.rows[key]; exists {
		return nil, violation("insert", desc, storage.ConstraintUnique, strings.ToLower(desc.Table)+"_pkey")
	}
	if n, ok := key.(int64); ok && n > t.seq {
		t.seq = n
	}

	if err := o.checkRow("insert", desc, row); err != nil {
		return nil, err
	}

	t.rows[key] = row
	o.store.record(Statement{Op: "insert", Entity: desc.Name, Key: key, Columns: sortedColumns(desc, row)},
		func(s *Stats) { s.Inserts++ })
	return generated, nil
}

func (o ops) Update(ctx context.Context, desc *schema.EntityDescriptor, key interface{}, changed storage.Row) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Op: "update", Entity: desc.Name, Cause: err}
	}
	if len(changed) == 0 {
		return nil
	}
	t, err := o.table(desc)
	if err != nil {
		return err
	}
	key, err = desc.CoerceKey(key)
	if err != nil {
		return &storage.StorageError{Op: "update", Entity: desc.Name, Cause: err}
	}

	current, ok := t.rows[key]
	if !ok {
		return &storage.StorageError{Op: "update", Entity: desc.Name, Cause: fmt.Errorf("key %v: %w", key, storage.ErrNoRowsAffected)}
	}
	if _, ok := changed[desc.ID().Column]; ok {
		return &storage.StorageError{Op: "update", Entity: desc.Name, Cause: fmt.Errorf("primary key column %s cannot be updated", desc.ID().Column)}
	}

	delta, err := o.normalize("update", desc, changed, false)
	if err != nil {
		return err
	}
	next := current.Clone()
	for col, v := range delta {
		next[col] = v
	}
	if err := o.checkRow("update", desc, next); err != nil {
		return err
	}

	t.rows[key] = next
	o.store.record(Statement{Op: "update", Entity: desc.Name, Key: key, Columns: sortedColumns(desc, delta)},
		func(s *Stats) { s.Updates++ })
	return nil
}

func (o ops) Delete(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) error {
	if err := ctx.Err(); err != nil {
		return &storage.StorageError{Op: "delete", Entity: desc.Name, Cause: err}
	}
	t, err := o.table(desc)
	if err != nil {
		return err
	}
	key, err = desc.CoerceKey(key)
	if err != nil {
		return &storage.StorageError{Op: "delete", Entity: desc.Name, Cause: err}
	}
	if _, ok := t.rows[key]; !ok {
		return &storage.StorageError{Op: "delete", Entity: desc.Name, Cause: fmt.Errorf("key %v: %w", key, storage.ErrNoRowsAffected)}
	}

	// restrict: no row may still reference the one being deleted
	for _, name := range o.store.registry.List() {
		owner, err := o.store.registry.Describe(name)
		if err != nil {
			return err
		}
		for _, rel := range owner.ManyToOne() {
			if rel.Target != desc.Name {
				continue
			}
			for ownerKey, row := range o.state[name].rows {
				if row[rel.JoinColumn] == key && !(name == desc.Name && ownerKey == key) {
					return violation("delete", desc, storage.ConstraintForeignKey, constraintName(owner, rel))
				}
			}
		}
	}

	delete(t.rows, key)
	o.store.record(Statement{Op: "delete", Entity: desc.Name, Key: key}, func(s *Stats) { s.Deletes++ })
	return nil
}

func (o ops) SelectByKey(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) (storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Op: "select", Entity: desc.Name, Cause: err}
	}
	t, err := o.table(desc)
	if err != nil {
		return nil, err
	}
	key, err = desc.CoerceKey(key)
	if err != nil {
		return nil, &storage.StorageError{Op: "select", Entity: desc.Name, Cause: err}
	}

	o.store.record(Statement{Op: "select", Entity: desc.Name, Key: key}, func(s *Stats) { s.Selects++ })
	row, ok := t.rows[key]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

func (o ops) SelectByForeignKey(ctx context.Context, desc *schema.EntityDescriptor, column string, key interface{}) ([]storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, &storage.StorageError{Op: "select", Entity: desc.Name, Cause: err}
	}
	t, err := o.table(desc)
	if err != nil {
		return nil, err
	}

	for _, rel := range desc.ManyToOne() {
		if rel.JoinColumn != column || key == nil {
			continue
		}
		target, err := o.store.registry.Describe(rel.Target)
		if err != nil {
			return nil, err
		}
		if key, err = target.CoerceKey(key); err != nil {
			return nil, &storage.StorageError{Op: "select", Entity: desc.Name, Cause: err}
		}
	}

	o.store.record(Statement{Op: "select", Entity: desc.Name, Key: key, Columns: []string{column}},
		func(s *Stats) { s.Selects++ })

	var results []storage.Row
	for _, row := range t.rows {
		if v, ok := row[column]; ok && v != nil && v == key {
			results = append(results, row.Clone())
		}
	}
	id := desc.ID().Column
	sort.Slice(results, func(i, j int) bool {
		return keyLess(results[i][id], results[j][id])
	})
	return results, nil
}

func keyLess(a, b interface{}) bool {
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			return x < y
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

// normalize coerces values to canonical types. Scalars use the field type
// and join columns use the key type of the referenced entity.
func (o ops) normalize(op string, desc *schema.EntityDescriptor, values storage.Row, full bool) (storage.Row, error) {
	joins := make(map[string]*schema.RelationshipDescriptor)
	for _, rel := range desc.ManyToOne() {
		joins[rel.JoinColumn] = rel
	}

	row := make(storage.Row, len(desc.Columns()))
	if full {
		for _, col := range desc.Columns() {
			row[col] = nil
		}
	}

	for col, v := range values {
		if field, ok := desc.FieldByColumn(col); ok {
			coerced, err := field.Type.Coerce(v)
			if err != nil {
				return nil, &storage.StorageError{Op: op, Entity: desc.Name, Cause: fmt.Errorf("column %s: %w", col, err)}
			}
			row[col] = coerced
			continue
		}
		rel, ok := joins[col]
		if !ok {
			return nil, &storage.StorageError{Op: op, Entity: desc.Name, Cause: fmt.Errorf("unknown column %s", col)}
		}
		target, err := o.store.registry.Describe(rel.Target)
		if err != nil {
			return nil, err
		}
		if v == nil {
			row[col] = nil
			continue
		}
		key, err := target.CoerceKey(v)
		if err != nil {
			return nil, &storage.StorageError{Op: op, Entity: desc.Name, Cause: fmt.Errorf("column %s: %w", col, err)}
		}
		row[col] = key
	}
	return row, nil
}

// checkRow enforces not-null and foreign-key constraints on a complete row
func (o ops) checkRow(op string, desc *schema.EntityDescriptor, row storage.Row) error {
	for _, f := range desc.Fields() {
		if !f.Nullable && !f.PrimaryKey && row[f.Column] == nil {
			return violation(op, desc, storage.ConstraintNotNull, f.Column)
		}
	}
	for _, rel := range desc.ManyToOne() {
		v := row[rel.JoinColumn]
		if v == nil {
			if !rel.Nullable {
				return violation(op, desc, storage.ConstraintNotNull, rel.JoinColumn)
			}
			continue
		}
		target, ok := o.state[rel.Target]
		if !ok {
			return violation(op, desc, storage.ConstraintForeignKey, constraintName(desc, rel))
		}
		if _, exists := target.rows[v]; !exists {
			return violation(op, desc, storage.ConstraintForeignKey, constraintName(desc, rel))
		}
	}
	return nil
}

func violation(op string, desc *schema.EntityDescriptor, kind storage.ConstraintKind, constraint string) error {
	return &storage.ConstraintViolationError{Op: op, Entity: desc.Name, Kind: kind, Constraint: constraint}
}

func constraintName(desc *schema.EntityDescriptor, rel *schema.RelationshipDescriptor) string {
	return strings.ToLower(fmt.Sprintf("fk_%s_%s", desc.Table, rel.JoinColumn))
}

func sortedColumns(desc *schema.EntityDescriptor, row storage.Row) []string {
	var cols []string
	for _, col := range desc.Columns() {
		if _, ok := row[col]; ok {
			cols = append(cols, col)
		}
	}
	return cols
}
