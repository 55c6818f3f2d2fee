// Package entity provides the runtime representation of mapped entities: a
// slot-per-field value table driven by the compiled descriptor, plus the lazy
// placeholders used for associations.
package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/conduit-lang/persist/internal/orm/identity"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

var (
	// ErrUnknownField is returned when a name is neither a field nor a relationship
	ErrUnknownField = errors.New("unknown field")

	// ErrDetached is returned when a lazy association of a detached entity is accessed
	ErrDetached = errors.New("entity is detached")

	// ErrImmutableKey is returned when the key of a tracked entity is changed
	ErrImmutableKey = errors.New("primary key of a tracked entity cannot change")

	// ErrWrongTarget is returned when an association is given an entity of the wrong type
	ErrWrongTarget = errors.New("association target has the wrong entity type")
)

// State is the lifecycle state of an entity instance
type State int

const (
	StateNew State = iota
	StateManaged
	StateRemoved
	StateDetached
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Resolver loads the targets of lazy placeholders
type Resolver interface {
	ResolveReference(ctx context.Context, key identity.Key) (*Entity, error)
	ResolveCollection(ctx context.Context, owner *Entity, rel *schema.RelationshipDescriptor) ([]*Entity, error)
}

// Entity is one instance of a mapped entity type
type Entity struct {
	desc   *schema.EntityDescriptor
	values []interface{}
	state  State

	// keyLocked is set while a unit of work holds the instance under its key
	keyLocked bool
}

// New creates a NEW instance with empty fields and empty collections
func New(desc *schema.EntityDescriptor) *Entity {
	e := &Entity{
		desc:   desc,
		values: make([]interface{}, desc.NumSlots()),
		state:  StateNew,
	}
	for _, rel := range desc.Relationships() {
		if rel.Kind == schema.OneToMany {
			e.values[rel.Slot()] = newCollection(e, rel)
		}
	}
	return e
}

// Descriptor returns the mapping of the entity type
func (e *Entity) Descriptor() *schema.EntityDescriptor {
	return e.desc
}

// Name returns the entity type name
func (e *Entity) Name() string {
	return e.desc.Name
}

// State returns the lifecycle state
func (e *Entity) State() State {
	return e.state
}

// SetState moves the instance to a new lifecycle state. It is meant for the
// unit of work that owns the instance.
func (e *Entity) SetState(s State) {
	e.state = s
}

// LockKey freezes or releases the primary key of a NEW instance. A unit of
// work locks it once the instance is registered under its key.
func (e *Entity) LockKey(locked bool) {
	e.keyLocked = locked
}

// KeyValue returns the primary key value, nil until assigned
func (e *Entity) KeyValue() interface{} {
	return e.values[e.desc.ID().Slot()]
}

// HasKey returns true if a primary key value is assigned
func (e *Entity) HasKey() bool {
	return e.KeyValue() != nil
}

// Key returns the identity key of the instance
func (e *Entity) Key() identity.Key {
	return identity.NewKey(e.desc.Name, e.KeyValue())
}

// AssignKey stores a generated key, bypassing the managed-key check
func (e *Entity) AssignKey(v interface{}) error {
	key, err := e.desc.CoerceKey(v)
	if err != nil {
		return err
	}
	e.values[e.desc.ID().Slot()] = key
	return nil
}

// Get returns the value of a field. Many-to-one fields return a *Reference
// (or nil) and one-to-many fields return a *Collection. Unknown names return nil.
func (e *Entity) Get(name string) interface{} {
	slot, ok := e.desc.Slot(name)
	if !ok {
		return nil
	}
	return e.values[slot]
}

// Set assigns a field value, normalizing it to the field's type. Many-to-one
// fields accept *Entity, *Reference or nil.
func (e *Entity) Set(name string, v interface{}) error {
	if field, ok := e.desc.Field(name); ok {
		coerced, err := field.Type.Coerce(v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", e.desc.Name, name, err)
		}
		if field.PrimaryKey && (e.keyLocked || e.state == StateManaged || e.state == StateRemoved) {
			if coerced != e.values[field.Slot()] {
				return ErrImmutableKey
			}
		}
		e.values[field.Slot()] = coerced
		return nil
	}

	rel, ok := e.desc.Relationship(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, e.desc.Name, name)
	}
	if rel.Kind == schema.OneToMany {
		return fmt.Errorf("%s.%s is a collection; use Collection(%q).Add", e.desc.Name, name, name)
	}

	switch val := v.(type) {
	case nil:
		e.values[rel.Slot()] = nil
	case *Entity:
		if val == nil {
			e.values[rel.Slot()] = nil
			return nil
		}
		if val.desc.Name != rel.Target {
			return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrWrongTarget, e.desc.Name, name, rel.Target, val.desc.Name)
		}
		e.values[rel.Slot()] = Resolved(val)
	case *Reference:
		if val == nil {
			e.values[rel.Slot()] = nil
			return nil
		}
		if k := val.Key(); !k.IsZero() && k.Entity != rel.Target {
			return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrWrongTarget, e.desc.Name, name, rel.Target, k.Entity)
		}
		e.values[rel.Slot()] = val
	default:
		return fmt.Errorf("%s.%s: cannot assign %T to an association", e.desc.Name, name, v)
	}
	return nil
}

// MustSet is like Set but panics on error
func (e *Entity) MustSet(name string, v interface{}) {
	if err := e.Set(name, v); err != nil {
		panic(err)
	}
}

// Reference returns the placeholder held by a many-to-one field
func (e *Entity) Reference(name string) *Reference {
	ref, _ := e.Get(name).(*Reference)
	return ref
}

// Related resolves a many-to-one field, fetching it on first access if lazy
func (e *Entity) Related(ctx context.Context, name string) (*Entity, error) {
	rel, ok := e.desc.Relationship(name)
	if !ok || rel.Kind != schema.ManyToOne {
		return nil, fmt.Errorf("%w: %s.%s is not a many-to-one", ErrUnknownField, e.desc.Name, name)
	}
	ref := e.Reference(name)
	if ref == nil {
		return nil, nil
	}
	return ref.Get(ctx)
}

// Collection returns the one-to-many collection for name
func (e *Entity) Collection(name string) *Collection {
	c, _ := e.Get(name).(*Collection)
	return c
}

// Values returns a copy of the scalar field values keyed by field name
func (e *Entity) Values() map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range e.desc.Fields() {
		out[f.Name] = e.values[f.Slot()]
	}
	return out
}

// SetSlot writes a slot without conversion. It is used when hydrating rows
// and installing association placeholders.
func (e *Entity) SetSlot(slot int, v interface{}) {
	e.values[slot] = v
}

// Slot reads a slot by index
func (e *Entity) Slot(slot int) interface{} {
	return e.values[slot]
}

// Detach marks the instance detached and unbinds every unresolved
// placeholder, so later access fails with ErrDetached.
func (e *Entity) Detach() {
	e.state = StateDetached
	e.keyLocked = false
	for _, rel := range e.desc.Relationships() {
		switch v := e.values[rel.Slot()].(type) {
		case *Reference:
			v.bind(nil)
		case *Collection:
			v.bind(nil)
		}
	}
}

// String renders the entity with associations shown by key
func (e *Entity) String() string {
	var b strings.Builder
	b.WriteString(e.desc.Name)
	b.WriteString("{")
	for i, f := range e.desc.Fields() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", f.Name, e.values[f.Slot()])
	}
	for _, rel := range e.desc.ManyToOne() {
		b.WriteString(", ")
		ref, _ := e.values[rel.Slot()].(*Reference)
		if ref == nil {
			fmt.Fprintf(&b, "%s=<nil>", rel.Field)
			continue
		}
		fmt.Fprintf(&b, "%s=%v", rel.Field, ref.Key().Value)
	}
	b.WriteString("}")
	return b.String()
}
