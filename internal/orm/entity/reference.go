package entity

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

// Reference is the value of a many-to-one field: either unresolved (only the
// target key is known) or resolved to a live instance. Resolution happens at
// most once.
type Reference struct {
	mu       sync.Mutex
	key      identity.Key
	target   *Entity
	resolver Resolver
}

// Unresolved creates a placeholder for key that resolves through r
func Unresolved(key identity.Key, r Resolver) *Reference {
	return &Reference{key: key, resolver: r}
}

// Resolved creates a reference that already points at target
func Resolved(target *Entity) *Reference {
	return &Reference{key: target.Key(), target: target}
}

// Key returns the key of the referenced entity. For a resolved reference it
// follows the target, so a key generated after assignment is visible.
func (r *Reference) Key() identity.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.target != nil {
		return r.target.Key()
	}
	return r.key
}

// IsResolved returns true once the target instance is known
func (r *Reference) IsResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target != nil
}

// Target returns the resolved instance without triggering a fetch
func (r *Reference) Target() *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Get returns the target, fetching it on first access
func (r *Reference) Get(ctx context.Context) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.target != nil {
		return r.target, nil
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("%w: cannot resolve %s", ErrDetached, r.key)
	}

	target, err := r.resolver.ResolveReference(ctx, r.key)
	if err != nil {
		return nil, err
	}
	r.target = target
	return target, nil
}

func (r *Reference) bind(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = res
}

// Collection is the value of a one-to-many field. It resolves once and then
// serves the cached instances; entities added before resolution are kept
// and merged in.
type Collection struct {
	mu       sync.Mutex
	owner    *Entity
	rel      *schema.RelationshipDescriptor
	items    []*Entity
	resolved bool
	resolver Resolver
}

func newCollection(owner *Entity, rel *schema.RelationshipDescriptor) *Collection {
	return &Collection{owner: owner, rel: rel, resolved: true}
}

// Relationship returns the descriptor of the collection
func (c *Collection) Relationship() *schema.RelationshipDescriptor {
	return c.rel
}

// MarkLazy turns the collection into an unresolved placeholder served by r
func (c *Collection) MarkLazy(r Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = false
	c.resolver = r
}

// Fill resolves the collection with items, keeping previously added entries
func (c *Collection) Fill(items []*Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fill(items)
}

func (c *Collection) fill(items []*Entity) {
	merged := make([]*Entity, 0, len(items)+len(c.items))
	seen := make(map[*Entity]bool, len(items))
	for _, e := range items {
		if !seen[e] {
			seen[e] = true
			merged = append(merged, e)
		}
	}
	for _, e := range c.items {
		if !seen[e] {
			seen[e] = true
			merged = append(merged, e)
		}
	}
	c.items = merged
	c.resolved = true
}

// IsResolved returns true once the collection content is known
func (c *Collection) IsResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Entities returns the members of the collection, fetching them on first access
func (c *Collection) Entities(ctx context.Context) ([]*Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.resolved {
		if c.resolver == nil {
			return nil, fmt.Errorf("%w: cannot resolve %s.%s", ErrDetached, c.owner.Name(), c.rel.Field)
		}
		items, err := c.resolver.ResolveCollection(ctx, c.owner, c.rel)
		if err != nil {
			return nil, err
		}
		c.fill(items)
	}

	return append([]*Entity(nil), c.items...), nil
}

// All iterates the collection. Every call to the returned sequence starts
// over; only the first one may fetch.
func (c *Collection) All(ctx context.Context) iter.Seq2[*Entity, error] {
	return func(yield func(*Entity, error) bool) {
		items, err := c.Entities(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, e := range items {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Known returns the members that are in memory without fetching
func (c *Collection) Known() []*Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Entity(nil), c.items...)
}

// Len returns the number of members in memory
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Add appends e and points it back at the owner: through the mapped_by
// many-to-one, or by writing the owner's key into the join column field.
// An owner without a key yet is linked when the unit of work flushes.
func (c *Collection) Add(e *Entity) error {
	if e.Name() != c.rel.Target {
		return fmt.Errorf("%w: %s.%s holds %s, got %s", ErrWrongTarget, c.owner.Name(), c.rel.Field, c.rel.Target, e.Name())
	}
	switch {
	case c.rel.MappedBy != "":
		if err := e.Set(c.rel.MappedBy, c.owner); err != nil {
			return err
		}
	case c.owner.HasKey():
		if err := c.setJoinColumn(e, c.owner.KeyValue()); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.items {
		if existing == e {
			return nil
		}
	}
	c.items = append(c.items, e)
	return nil
}

// Remove drops e from the collection and clears its link to the owner
func (c *Collection) Remove(e *Entity) error {
	c.mu.Lock()
	for i, existing := range c.items {
		if existing == e {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if c.rel.MappedBy != "" {
		if ref := e.Reference(c.rel.MappedBy); ref != nil && ref.Target() == c.owner {
			return e.Set(c.rel.MappedBy, nil)
		}
		return nil
	}
	field, ok := e.desc.FieldByColumn(c.rel.JoinColumn)
	if ok && c.owner.HasKey() && e.values[field.Slot()] == c.owner.KeyValue() {
		return e.Set(field.Name, nil)
	}
	return nil
}

func (c *Collection) setJoinColumn(e *Entity, key interface{}) error {
	field, ok := e.desc.FieldByColumn(c.rel.JoinColumn)
	if !ok {
		return fmt.Errorf("%w: %s has no column %s", ErrUnknownField, e.Name(), c.rel.JoinColumn)
	}
	return e.Set(field.Name, key)
}

func (c *Collection) bind(res Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = res
}
