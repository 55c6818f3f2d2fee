package session

import (
	"context"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/relationships"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

// Merge copies the state of a detached or new instance onto the managed
// instance with the same key and returns the managed one. The managed
// instance is loaded when needed; when no row exists a new copy is
// persisted. Associations marked for merge are merged as well.
func (s *Session) Merge(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.merge(ctx, e, make(map[*entity.Entity]*entity.Entity))
}

func (s *Session) merge(ctx context.Context, e *entity.Entity, merged map[*entity.Entity]*entity.Entity) (*entity.Entity, error) {
	if m, ok := merged[e]; ok {
		return m, nil
	}

	if _, tracked := s.entries[e]; tracked {
		if e.State() == entity.StateRemoved {
			return nil, &AlreadyRemovedError{Key: e.Key()}
		}
		merged[e] = e
		err := s.resolver.Cascade(ctx, schema.CascadeMerge, e, func(target *entity.Entity) error {
			_, err := s.merge(ctx, target, merged)
			return err
		})
		return e, err
	}

	desc := e.Descriptor()
	var managed *entity.Entity
	if e.HasKey() {
		found, err := s.loadWithin(ctx, e.Key(), relationships.NewLoadContext(s.maxDepth))
		if err != nil {
			return nil, err
		}
		if found == nil {
			if held, ok := s.identity.Lookup(e.Key()); ok && held.State() == entity.StateRemoved {
				return nil, &AlreadyRemovedError{Key: e.Key()}
			}
		}
		managed = found
	}

	fresh := managed == nil
	if fresh {
		managed = entity.New(desc)
		if e.HasKey() && desc.ID().Generation != schema.GenerateAuto {
			if err := managed.AssignKey(e.KeyValue()); err != nil {
				return nil, err
			}
		}
	}
	merged[e] = managed

	for _, f := range desc.Fields() {
		if !f.PrimaryKey {
			managed.SetSlot(f.Slot(), e.Slot(f.Slot()))
		}
	}
	if err := s.mergeAssociations(ctx, e, managed, merged); err != nil {
		return nil, err
	}

	if fresh {
		if err := s.persist(ctx, managed, make(map[*entity.Entity]bool)); err != nil {
			return nil, err
		}
	}
	return managed, nil
}

func (s *Session) mergeAssociations(ctx context.Context, from, to *entity.Entity, merged map[*entity.Entity]*entity.Entity) error {
	for _, rel := range from.Descriptor().Relationships() {
		cascade := rel.Cascade.Has(schema.CascadeMerge)

		switch rel.Kind {
		case schema.ManyToOne:
			ref := from.Reference(rel.Field)
			if ref == nil {
				if err := to.Set(rel.Field, nil); err != nil {
					return err
				}
				continue
			}

			target := ref.Target()
			if target != nil && (cascade || !target.HasKey()) {
				if cascade {
					m, err := s.merge(ctx, target, merged)
					if err != nil {
						return err
					}
					target = m
				}
				if err := to.Set(rel.Field, target); err != nil {
					return err
				}
				continue
			}

			placeholder, err := s.GetReference(rel.Target, ref.Key().Value)
			if err != nil {
				return err
			}
			if err := to.Set(rel.Field, placeholder); err != nil {
				return err
			}

		case schema.OneToMany:
			c := from.Collection(rel.Field)
			if !cascade || c == nil || !c.IsResolved() {
				continue
			}
			dest := to.Collection(rel.Field)
			for _, member := range c.Known() {
				m, err := s.merge(ctx, member, merged)
				if err != nil {
					return err
				}
				if err := dest.Add(m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
