package session

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/hooks"
	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/relationships"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/tracking"
)

// link is a join column written separately from its row: NULL on insert and
// set afterwards, or cleared before a delete, to break a reference cycle.
// owner is set when the column belongs to a one-to-many of owner.
type link struct {
	entity *entity.Entity
	rel    *schema.RelationshipDescriptor
	owner  *entity.Entity
}

// ownerLink is a one-to-many that writes its join column into a member row
type ownerLink struct {
	rel   *schema.RelationshipDescriptor
	owner *entity.Entity
}

// stamp holds the scalar values an instance had before its PreUpdate
// callbacks ran
type stamp struct {
	entity *entity.Entity
	values map[string]interface{}
}

func (st stamp) restore() {
	desc := st.entity.Descriptor()
	for name, v := range st.values {
		if f, ok := desc.Field(name); ok {
			st.entity.SetSlot(f.Slot(), v)
		}
	}
}

// plan is the ordered statement set of one flush
type plan struct {
	inserts  []*entity.Entity
	deferred []link
	updates  []*entity.Entity
	unlinks  []link
	deletes  []*entity.Entity

	owners map[*entity.Entity][]ownerLink
	stamps []stamp
}

// rollback undoes what the PreUpdate callbacks wrote
func (p *plan) rollback() {
	for i := len(p.stamps) - 1; i >= 0; i-- {
		p.stamps[i].restore()
	}
}

func (p *plan) empty() bool {
	return len(p.inserts) == 0 && len(p.updates) == 0 && len(p.deletes) == 0
}

func (p *plan) isDeferred(e *entity.Entity, rel *schema.RelationshipDescriptor) bool {
	for _, l := range p.deferred {
		if l.entity == e && l.rel == rel {
			return true
		}
	}
	return false
}

// pendingKey stands in for a key the store has not generated yet
type pendingKey struct {
	entity *entity.Entity
}

// Flush writes every pending change in one gateway transaction. On failure
// the transaction is rolled back and a FlushError is returned; snapshots,
// states and the values stamped by PreUpdate callbacks are as before the
// call. Instances cascaded into the session by the flush stay scheduled.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	visited := make(map[*entity.Entity]bool)
	for _, e := range s.tracked() {
		if e.State() == entity.StateRemoved {
			continue
		}
		if err := s.persist(ctx, e, visited); err != nil {
			return err
		}
	}

	p, err := s.plan(ctx)
	if err != nil {
		return err
	}
	if p.empty() {
		return nil
	}

	s.logger.Debug("flush plan",
		zap.Int("inserts", len(p.inserts)),
		zap.Int("updates", len(p.updates)),
		zap.Int("deletes", len(p.deletes)))

	keys, rows, err := s.execute(ctx, p)
	if err != nil {
		p.rollback()
		s.logger.Warn("flush rolled back", zap.Error(err))
		return &FlushError{Cause: err}
	}

	return s.commit(ctx, p, keys, rows)
}

// pendingKeyOf treats instances scheduled for insert as having a key
func (s *Session) pendingKeyOf(target *entity.Entity) (interface{}, bool) {
	if en, ok := s.entries[target]; ok && en.pendingInsert {
		return pendingKey{entity: target}, true
	}
	return nil, false
}

// memberRow is rowFor with the join columns written by owning collections
func (s *Session) memberRow(e *entity.Entity, links []ownerLink, keyOf func(*entity.Entity) (interface{}, bool)) storage.Row {
	row := s.rowFor(e, keyOf)
	for _, l := range links {
		if v, ok := ownerKey(l.owner, keyOf); ok {
			row[l.rel.JoinColumn] = v
		}
	}
	return row
}

func ownerKey(owner *entity.Entity, keyOf func(*entity.Entity) (interface{}, bool)) (interface{}, bool) {
	if owner.HasKey() {
		return owner.KeyValue(), true
	}
	if keyOf == nil {
		return nil, false
	}
	return keyOf(owner)
}

func (s *Session) dirty(e *entity.Entity, links []ownerLink) bool {
	en := s.entries[e]
	return en.snapshot.Diff(s.memberRow(e, links, s.pendingKeyOf)).HasChanges()
}

func (s *Session) plan(ctx context.Context) (*plan, error) {
	owners, err := s.collectOwners()
	if err != nil {
		return nil, err
	}
	p := &plan{owners: owners}

	var inserts, deletes []*entity.Entity
	for _, e := range s.tracked() {
		en := s.entries[e]
		switch {
		case en.pendingInsert:
			inserts = append(inserts, e)
		case e.State() == entity.StateRemoved:
			deletes = append(deletes, e)
		case s.dirty(e, owners[e]):
			p.stamps = append(p.stamps, stamp{entity: e, values: e.Values()})
			if err := s.hooks.Execute(ctx, hooks.PreUpdate, e); err != nil {
				p.rollback()
				return nil, err
			}
			p.updates = append(p.updates, e)
		}
	}

	for _, e := range append(append([]*entity.Entity(nil), inserts...), p.updates...) {
		if err := s.checkReferences(e); err != nil {
			p.rollback()
			return nil, err
		}
	}

	p.inserts, p.deferred = s.orderInserts(inserts, owners)
	ordered, unlinks, err := s.orderDeletes(deletes)
	if err != nil {
		p.rollback()
		return nil, err
	}
	p.deletes, p.unlinks = ordered, unlinks
	return p, nil
}

// collectOwners maps every tracked member of a collection that owns its join
// column to the owners it must point at
func (s *Session) collectOwners() (map[*entity.Entity][]ownerLink, error) {
	owners := make(map[*entity.Entity][]ownerLink)
	for _, owner := range s.tracked() {
		if owner.State() == entity.StateRemoved {
			continue
		}
		for _, rel := range owner.Descriptor().Relationships() {
			if !rel.OwnsJoinColumn() {
				continue
			}
			c := owner.Collection(rel.Field)
			if c == nil {
				continue
			}
			for _, member := range c.Known() {
				if _, tracked := s.entries[member]; !tracked {
					if member.State() == entity.StateNew {
						return nil, fmt.Errorf("%s.%s holds an unsaved %s: %w", owner.Name(), rel.Field, member.Name(), ErrTransientReference)
					}
					continue
				}
				if member.State() == entity.StateRemoved {
					continue
				}
				owners[member] = append(owners[member], ownerLink{rel: rel, owner: owner})
			}
		}
	}
	return owners, nil
}

// checkReferences fails when e points at an instance that is neither stored
// nor scheduled for insert
func (s *Session) checkReferences(e *entity.Entity) error {
	for _, rel := range e.Descriptor().ManyToOne() {
		ref := e.Reference(rel.Field)
		if ref == nil {
			continue
		}
		target := ref.Target()
		if target == nil {
			continue
		}
		if _, tracked := s.entries[target]; tracked {
			continue
		}
		if target.State() == entity.StateNew {
			return fmt.Errorf("%s.%s points at an unsaved %s: %w", e.Name(), rel.Field, target.Name(), ErrTransientReference)
		}
	}
	return nil
}

// orderInserts puts referenced instances before the instances referencing
// them, owners of a collection before its members. A reference that closes
// a cycle is returned as a deferred link.
func (s *Session) orderInserts(pending []*entity.Entity, owners map[*entity.Entity][]ownerLink) ([]*entity.Entity, []link) {
	var (
		ordered  []*entity.Entity
		deferred []link
		visited  = make(map[*entity.Entity]bool)
		onStack  = make(map[*entity.Entity]bool)
	)

	var dfs func(e *entity.Entity)
	dfs = func(e *entity.Entity) {
		visited[e] = true
		onStack[e] = true
		for _, rel := range e.Descriptor().ManyToOne() {
			ref := e.Reference(rel.Field)
			if ref == nil || ref.Target() == nil {
				continue
			}
			target := ref.Target()
			if en, ok := s.entries[target]; !ok || !en.pendingInsert {
				continue
			}
			if onStack[target] {
				deferred = append(deferred, link{entity: e, rel: rel})
				continue
			}
			if !visited[target] {
				dfs(target)
			}
		}
		for _, l := range owners[e] {
			if en, ok := s.entries[l.owner]; !ok || !en.pendingInsert {
				continue
			}
			if onStack[l.owner] {
				deferred = append(deferred, link{entity: e, rel: l.rel, owner: l.owner})
				continue
			}
			if !visited[l.owner] {
				dfs(l.owner)
			}
		}
		onStack[e] = false
		ordered = append(ordered, e)
	}

	for _, e := range pending {
		if !visited[e] {
			dfs(e)
		}
	}
	return ordered, deferred
}

// orderDeletes puts referencing rows before the rows they reference, using
// the stored join column values. A reference that closes a cycle is cleared
// before the deletes run.
func (s *Session) orderDeletes(removed []*entity.Entity) ([]*entity.Entity, []link, error) {
	byKey := make(map[identity.Key]*entity.Entity, len(removed))
	for _, e := range removed {
		byKey[e.Key()] = e
	}

	type edge struct {
		rel    *schema.RelationshipDescriptor
		target *entity.Entity
	}
	edges := make(map[*entity.Entity][]edge)
	for _, e := range removed {
		snapshot := s.entries[e].snapshot
		for _, rel := range e.Descriptor().ManyToOne() {
			v := snapshot.Value(rel.JoinColumn)
			if v == nil {
				continue
			}
			k, err := s.resolver.TargetKey(rel, v)
			if err != nil {
				return nil, nil, err
			}
			if target, ok := byKey[k]; ok {
				edges[e] = append(edges[e], edge{rel: rel, target: target})
			}
		}
	}

	var (
		postOrder []*entity.Entity
		unlinks   []link
		visited   = make(map[*entity.Entity]bool)
		onStack   = make(map[*entity.Entity]bool)
	)
	var dfs func(e *entity.Entity)
	dfs = func(e *entity.Entity) {
		visited[e] = true
		onStack[e] = true
		for _, ed := range edges[e] {
			if onStack[ed.target] {
				unlinks = append(unlinks, link{entity: e, rel: ed.rel})
				continue
			}
			if !visited[ed.target] {
				dfs(ed.target)
			}
		}
		onStack[e] = false
		postOrder = append(postOrder, e)
	}
	for _, e := range removed {
		if !visited[e] {
			dfs(e)
		}
	}

	ordered := make([]*entity.Entity, len(postOrder))
	for i, e := range postOrder {
		ordered[len(postOrder)-1-i] = e
	}
	return ordered, unlinks, nil
}

// execute runs the plan in one transaction. It returns the generated keys
// and the rows as written, for the post-commit bookkeeping.
func (s *Session) execute(ctx context.Context, p *plan) (map[*entity.Entity]interface{}, map[*entity.Entity]storage.Row, error) {
	tx, err := s.gateway.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}

	keys := make(map[*entity.Entity]interface{})
	rows := make(map[*entity.Entity]storage.Row)
	keyOf := func(target *entity.Entity) (interface{}, bool) {
		v, ok := keys[target]
		return v, ok
	}
	keyFor := func(e *entity.Entity) interface{} {
		if v, ok := keys[e]; ok {
			return v
		}
		return e.KeyValue()
	}

	err = func() error {
		for _, e := range p.inserts {
			desc := e.Descriptor()
			row := s.memberRow(e, p.owners[e], keyOf)
			for _, rel := range desc.ManyToOne() {
				if p.isDeferred(e, rel) {
					row[rel.JoinColumn] = nil
				}
			}
			for _, l := range p.owners[e] {
				if p.isDeferred(e, l.rel) {
					row[l.rel.JoinColumn] = nil
				}
			}

			generated, err := tx.Insert(ctx, desc, row)
			if err != nil {
				return err
			}
			if !e.HasKey() {
				if generated == nil {
					return &storage.StorageError{Op: "insert", Entity: desc.Name, Cause: ErrMissingKey}
				}
				v, err := desc.CoerceKey(generated)
				if err != nil {
					return err
				}
				keys[e] = v
				row[desc.ID().Column] = v
			}
			rows[e] = row
		}

		for _, l := range p.deferred {
			var v interface{}
			if l.owner != nil {
				v, _ = ownerKey(l.owner, keyOf)
			} else {
				v, _ = relationships.ForeignKey(l.entity, l.rel, keyOf)
			}
			if err := tx.Update(ctx, l.entity.Descriptor(), keyFor(l.entity), storage.Row{l.rel.JoinColumn: v}); err != nil {
				return err
			}
			rows[l.entity][l.rel.JoinColumn] = v
		}

		for _, e := range p.updates {
			row := s.memberRow(e, p.owners[e], keyOf)
			changed := s.entries[e].snapshot.Diff(row).GetChangedData()
			if len(changed) == 0 {
				continue
			}
			if err := tx.Update(ctx, e.Descriptor(), e.KeyValue(), storage.Row(changed)); err != nil {
				return err
			}
			rows[e] = row
		}

		for _, l := range p.unlinks {
			if err := tx.Update(ctx, l.entity.Descriptor(), l.entity.KeyValue(), storage.Row{l.rel.JoinColumn: nil}); err != nil {
				return err
			}
		}

		for _, e := range p.deletes {
			if err := tx.Delete(ctx, e.Descriptor(), e.KeyValue()); err != nil {
				return err
			}
		}
		return nil
	}()

	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return keys, rows, nil
}

// commit applies the flushed plan to the tracked state and runs the post
// callbacks. Callback failures are returned together; the flush stays
// committed.
func (s *Session) commit(ctx context.Context, p *plan, keys map[*entity.Entity]interface{}, rows map[*entity.Entity]storage.Row) error {
	var errs error

	for _, e := range p.inserts {
		if v, ok := keys[e]; ok {
			errs = multierr.Append(errs, e.AssignKey(v))
		}
		e.SetState(entity.StateManaged)
		errs = multierr.Append(errs, s.identity.Register(e.Key(), e))
		s.entries[e] = &entry{snapshot: tracking.Take(e.Descriptor().Columns(), rows[e])}
	}
	for _, e := range p.updates {
		if row, ok := rows[e]; ok {
			s.entries[e].snapshot = tracking.Take(e.Descriptor().Columns(), row)
		}
	}
	for _, e := range p.deletes {
		s.untrack(e)
	}
	for e, links := range p.owners {
		row, ok := rows[e]
		if !ok {
			continue
		}
		for _, l := range links {
			if f, ok := e.Descriptor().FieldByColumn(l.rel.JoinColumn); ok {
				e.SetSlot(f.Slot(), row[l.rel.JoinColumn])
			}
		}
	}

	for _, e := range p.inserts {
		errs = multierr.Append(errs, s.hooks.Execute(ctx, hooks.PostPersist, e))
	}
	for _, e := range p.updates {
		errs = multierr.Append(errs, s.hooks.Execute(ctx, hooks.PostUpdate, e))
	}
	for _, e := range p.deletes {
		errs = multierr.Append(errs, s.hooks.Execute(ctx, hooks.PostRemove, e))
	}

	s.logger.Debug("flushed",
		zap.Int("inserts", len(p.inserts)),
		zap.Int("updates", len(p.updates)),
		zap.Int("deletes", len(p.deletes)))

	if errs != nil {
		s.logger.Error("post-flush callbacks failed", zap.Error(errs))
	}
	return errs
}
