// Package relationships connects loaded instances to their associations.
// It decides, per relationship, whether a target is taken from the identity
// map, loaded inline, or left as a placeholder that loads on first access,
// and it walks cascading relationships for the unit of work.
package relationships

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

// Loader is the part of a unit of work the resolver calls back into
type Loader interface {
	entity.Resolver

	// Managed returns the instance the identity map holds for key
	Managed(key identity.Key) (*entity.Entity, bool)

	// LoadWithin loads the instance for key, resolving its own eager
	// associations within lc. It returns nil when no row exists.
	LoadWithin(ctx context.Context, key identity.Key, lc *LoadContext) (*entity.Entity, error)

	// LoadChildren loads the members of a one-to-many relationship within lc
	LoadChildren(ctx context.Context, owner *entity.Entity, rel *schema.RelationshipDescriptor, lc *LoadContext) ([]*entity.Entity, error)
}

// Resolver installs association values on hydrated instances
type Resolver struct {
	registry *schema.Registry
	loader   Loader
}

// NewResolver creates a resolver that loads through loader
func NewResolver(registry *schema.Registry, loader Loader) *Resolver {
	return &Resolver{registry: registry, loader: loader}
}

// Attach fills the association slots of e from the join column values in
// row. An eager relationship beyond the depth limit degrades to lazy.
func (r *Resolver) Attach(ctx context.Context, e *entity.Entity, row storage.Row, lc *LoadContext) error {
	for _, rel := range e.Descriptor().Relationships() {
		var err error
		switch rel.Kind {
		case schema.ManyToOne:
			err = r.attachReference(ctx, e, rel, row[rel.JoinColumn], lc)
		case schema.OneToMany:
			err = r.attachCollection(ctx, e, rel, lc)
		}
		if err != nil {
			return fmt.Errorf("%s.%s: %w", e.Name(), rel.Field, err)
		}
	}
	return nil
}

func (r *Resolver) attachReference(ctx context.Context, e *entity.Entity, rel *schema.RelationshipDescriptor, value interface{}, lc *LoadContext) error {
	if value == nil {
		e.SetSlot(rel.Slot(), nil)
		return nil
	}

	key, err := r.TargetKey(rel, value)
	if err != nil {
		return err
	}

	if target, ok := r.loader.Managed(key); ok {
		e.SetSlot(rel.Slot(), entity.Resolved(target))
		return nil
	}

	if rel.Fetch == schema.FetchEager {
		if err := lc.IncrementDepth(); err == nil {
			target, err := r.loader.LoadWithin(ctx, key, lc)
			lc.DecrementDepth()
			if err != nil {
				return err
			}
			if target == nil {
				return fmt.Errorf("%w: %s", ErrDanglingReference, key)
			}
			e.SetSlot(rel.Slot(), entity.Resolved(target))
			return nil
		}
	}

	e.SetSlot(rel.Slot(), entity.Unresolved(key, r.loader))
	return nil
}

func (r *Resolver) attachCollection(ctx context.Context, e *entity.Entity, rel *schema.RelationshipDescriptor, lc *LoadContext) error {
	c := e.Collection(rel.Field)
	if c == nil {
		return ErrUnknownRelationship
	}

	if rel.Fetch == schema.FetchEager {
		if err := lc.IncrementDepth(); err == nil {
			children, err := r.loader.LoadChildren(ctx, e, rel, lc)
			lc.DecrementDepth()
			if err != nil {
				return err
			}
			c.Fill(children)
			return nil
		}
	}

	c.MarkLazy(r.loader)
	return nil
}

// TargetKey builds the identity key of the entity a join column value points at
func (r *Resolver) TargetKey(rel *schema.RelationshipDescriptor, value interface{}) (identity.Key, error) {
	target, err := r.registry.Describe(rel.Target)
	if err != nil {
		return identity.Key{}, err
	}
	v, err := target.CoerceKey(value)
	if err != nil {
		return identity.Key{}, err
	}
	return identity.NewKey(target.Name, v), nil
}

// Cascade calls visit for every instance reached from e through a
// relationship whose cascade set includes op. Lazy associations are only
// resolved for remove; a placeholder that was never loaded cannot have
// anything to persist or merge. Callers break cycles by tracking what they
// have already visited.
func (r *Resolver) Cascade(ctx context.Context, op schema.CascadeType, e *entity.Entity, visit func(*entity.Entity) error) error {
	for _, rel := range e.Descriptor().Relationships() {
		if !rel.Cascade.Has(op) {
			continue
		}

		targets, err := r.targets(ctx, op, e, rel)
		if err != nil {
			return fmt.Errorf("cascade %s %s.%s: %w", op, e.Name(), rel.Field, err)
		}
		for _, target := range targets {
			if err := visit(target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Resolver) targets(ctx context.Context, op schema.CascadeType, e *entity.Entity, rel *schema.RelationshipDescriptor) ([]*entity.Entity, error) {
	switch rel.Kind {
	case schema.ManyToOne:
		ref := e.Reference(rel.Field)
		if ref == nil {
			return nil, nil
		}
		if target := ref.Target(); target != nil {
			return []*entity.Entity{target}, nil
		}
		if op != schema.CascadeRemove {
			return nil, nil
		}
		target, err := ref.Get(ctx)
		if err != nil {
			return nil, err
		}
		return []*entity.Entity{target}, nil

	case schema.OneToMany:
		c := e.Collection(rel.Field)
		if c == nil {
			return nil, nil
		}
		if op == schema.CascadeRemove {
			return c.Entities(ctx)
		}
		return c.Known(), nil
	}
	return nil, nil
}

// ForeignKey returns the join column value for a many-to-one slot. keyOf
// supplies keys that are known but not yet assigned, such as those
// generated earlier in the same flush. ok is false when the referenced
// instance has no key at all.
func ForeignKey(e *entity.Entity, rel *schema.RelationshipDescriptor, keyOf func(*entity.Entity) (interface{}, bool)) (value interface{}, ok bool) {
	ref := e.Reference(rel.Field)
	if ref == nil {
		return nil, true
	}
	target := ref.Target()
	if target == nil {
		return ref.Key().Value, true
	}
	if target.HasKey() {
		return target.KeyValue(), true
	}
	if keyOf != nil {
		if v, ok := keyOf(target); ok {
			return v, true
		}
	}
	return nil, false
}

// IsDangling reports whether err means a join column pointed at a missing row
func IsDangling(err error) bool {
	return errors.Is(err, ErrDanglingReference)
}
