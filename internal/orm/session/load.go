package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/hooks"
	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/relationships"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
	"github.com/conduit-lang/persist/internal/orm/tracking"
)

// Managed returns the instance the identity map holds for key
func (s *Session) Managed(key identity.Key) (*entity.Entity, bool) {
	return s.identity.Lookup(key)
}

// LoadWithin loads key as part of a larger graph load bounded by lc
func (s *Session) LoadWithin(ctx context.Context, key identity.Key, lc *relationships.LoadContext) (*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.loadWithin(ctx, key, lc)
}

// loadWithin returns nil without error when no row exists
func (s *Session) loadWithin(ctx context.Context, key identity.Key, lc *relationships.LoadContext) (*entity.Entity, error) {
	if e, ok := s.identity.Lookup(key); ok {
		if e.State() == entity.StateRemoved {
			return nil, nil
		}
		return e, nil
	}

	desc, err := s.registry.Describe(key.Entity)
	if err != nil {
		return nil, err
	}
	row, err := s.gateway.SelectByKey(ctx, desc, key.Value)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return s.materialize(ctx, desc, row, lc)
}

// LoadChildren loads the members of a one-to-many relationship. Instances
// already in the identity map are reused; removed ones are left out.
func (s *Session) LoadChildren(ctx context.Context, owner *entity.Entity, rel *schema.RelationshipDescriptor, lc *relationships.LoadContext) ([]*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !owner.HasKey() {
		return nil, nil
	}

	desc, err := s.registry.Describe(rel.Target)
	if err != nil {
		return nil, err
	}
	rows, err := s.gateway.SelectByForeignKey(ctx, desc, rel.JoinColumn, owner.KeyValue())
	if err != nil {
		return nil, err
	}

	children := make([]*entity.Entity, 0, len(rows))
	for _, row := range rows {
		v, err := desc.CoerceKey(row[desc.ID().Column])
		if err != nil {
			return nil, err
		}
		if existing, ok := s.identity.Lookup(identity.NewKey(desc.Name, v)); ok {
			if existing.State() != entity.StateRemoved {
				children = append(children, existing)
			}
			continue
		}

		child, err := s.materialize(ctx, desc, row, lc)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// ResolveReference serves the first access to a lazy many-to-one
func (s *Session) ResolveReference(ctx context.Context, key identity.Key) (*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e, err := s.loadWithin(ctx, key, relationships.NewLoadContext(s.maxDepth))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Key: key}
	}
	return e, nil
}

// ResolveCollection serves the first access to a lazy one-to-many
func (s *Session) ResolveCollection(ctx context.Context, owner *entity.Entity, rel *schema.RelationshipDescriptor) ([]*entity.Entity, error) {
	return s.LoadChildren(ctx, owner, rel, relationships.NewLoadContext(s.maxDepth))
}

// materialize turns a stored row into a managed instance. The instance is
// registered before its associations are attached so that cycles in the
// graph end at the identity map.
func (s *Session) materialize(ctx context.Context, desc *schema.EntityDescriptor, row storage.Row, lc *relationships.LoadContext) (*entity.Entity, error) {
	e, err := hydrate(desc, row)
	if err != nil {
		return nil, err
	}
	e.SetState(entity.StateManaged)
	if err := s.identity.Register(e.Key(), e); err != nil {
		return nil, err
	}
	en := &entry{}
	s.track(e, en)

	if err := s.resolver.Attach(ctx, e, row, lc); err != nil {
		s.untrack(e)
		return nil, err
	}
	en.snapshot = tracking.Take(desc.Columns(), s.rowFor(e, nil))

	s.logger.Debug("loaded entity", zap.String("entity", desc.Name), zap.Any("key", e.KeyValue()))

	if err := s.hooks.Execute(ctx, hooks.PostLoad, e); err != nil {
		return nil, err
	}
	return e, nil
}

// hydrate builds an instance from the scalar columns of row
func hydrate(desc *schema.EntityDescriptor, row storage.Row) (*entity.Entity, error) {
	e := entity.New(desc)
	for _, f := range desc.Fields() {
		v, err := f.Type.Coerce(row[f.Column])
		if err != nil {
			return nil, &storage.StorageError{Op: "hydrate", Entity: desc.Name, Cause: err}
		}
		e.SetSlot(f.Slot(), v)
	}
	if !e.HasKey() {
		return nil, &storage.StorageError{Op: "hydrate", Entity: desc.Name, Cause: ErrMissingKey}
	}
	return e, nil
}

// rowFor renders the column values of e: scalar fields plus the join column
// of every many-to-one. keyOf supplies keys of instances still being inserted.
func (s *Session) rowFor(e *entity.Entity, keyOf func(*entity.Entity) (interface{}, bool)) storage.Row {
	desc := e.Descriptor()
	row := make(storage.Row, len(desc.Columns()))
	for _, f := range desc.Fields() {
		row[f.Column] = e.Slot(f.Slot())
	}
	for _, rel := range desc.ManyToOne() {
		v, _ := relationships.ForeignKey(e, rel, keyOf)
		row[rel.JoinColumn] = v
	}
	return row
}
