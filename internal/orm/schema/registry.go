package schema

import (
	"sync"
)

// Registry holds the descriptors of every mapped entity. It is built once at
// startup and sealed; after Seal it only serves lookups and is safe for
// concurrent use by many sessions.
type Registry struct {
	descriptors map[string]*EntityDescriptor
	order       []string
	sealed      bool
	mu          sync.RWMutex
}

// NewRegistry creates a new, unsealed registry
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]*EntityDescriptor),
	}
}

// Build compiles, registers and seals a set of declarations
func Build(decls []Declaration, bases ...FieldSet) (*Registry, error) {
	builder := NewBuilder(bases...)
	registry := NewRegistry()

	for _, decl := range decls {
		desc, err := builder.Compile(decl)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(desc); err != nil {
			return nil, err
		}
	}

	if err := registry.Seal(); err != nil {
		return nil, err
	}
	return registry, nil
}

// BuildMapping builds a sealed registry from a decoded mapping document
func BuildMapping(m *Mapping) (*Registry, error) {
	return Build(m.Entities, m.Bases...)
}

// Register adds a descriptor under its entity name
func (r *Registry) Register(desc *EntityDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if desc == nil || desc.Name == "" || desc.id == nil {
		return invalid("", "", "descriptor must be compiled before registration")
	}
	if _, exists := r.descriptors[desc.Name]; exists {
		return &DuplicateMappingError{Entity: desc.Name}
	}

	r.descriptors[desc.Name] = desc
	r.order = append(r.order, desc.Name)
	return nil
}

// Describe returns the descriptor registered under name
func (r *Registry) Describe(name string) (*EntityDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, exists := r.descriptors[name]
	if !exists {
		return nil, &UnknownEntityError{Entity: name}
	}
	return desc, nil
}

// Seal validates cross-entity references and freezes the registry.
// Sealing twice is a no-op. Descriptors are only touched once every
// reference has been validated.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil
	}

	resolved := make(map[*RelationshipDescriptor]string)
	for _, name := range r.order {
		if err := r.resolveRelationships(r.descriptors[name], resolved); err != nil {
			return err
		}
	}
	for rel, column := range resolved {
		rel.JoinColumn = column
	}

	r.sealed = true
	return nil
}

// resolveRelationships checks targets and works out the join column of
// one-to-many relationships declared with mapped_by. A one-to-many declared
// with a join column alone needs a plain field of the owner's key type on
// the target to hold it.
func (r *Registry) resolveRelationships(desc *EntityDescriptor, resolved map[*RelationshipDescriptor]string) error {
	for _, rel := range desc.relationships {
		target, ok := r.descriptors[rel.Target]
		if !ok {
			return invalid(desc.Name, rel.Field, "unknown target entity %s", rel.Target)
		}
		if rel.Kind != OneToMany {
			continue
		}

		if rel.MappedBy != "" {
			owner, ok := target.Relationship(rel.MappedBy)
			if !ok || owner.Kind != ManyToOne {
				return invalid(desc.Name, rel.Field, "mapped_by %s is not a many_to_one on %s", rel.MappedBy, target.Name)
			}
			if owner.Target != desc.Name {
				return invalid(desc.Name, rel.Field, "%s.%s targets %s, not %s", target.Name, owner.Field, owner.Target, desc.Name)
			}
			if rel.JoinColumn != "" && rel.JoinColumn != owner.JoinColumn {
				return invalid(desc.Name, rel.Field, "join column %s disagrees with %s.%s (%s)",
					rel.JoinColumn, target.Name, owner.Field, owner.JoinColumn)
			}
			resolved[rel] = owner.JoinColumn
			continue
		}

		field, ok := target.FieldByColumn(rel.JoinColumn)
		switch {
		case !ok:
			for _, other := range target.ManyToOne() {
				if other.JoinColumn == rel.JoinColumn {
					return invalid(desc.Name, rel.Field, "join column %s belongs to %s.%s; declare mapped_by: %s",
						rel.JoinColumn, target.Name, other.Field, other.Field)
				}
			}
			return invalid(desc.Name, rel.Field, "join column %s does not exist on %s", rel.JoinColumn, target.Name)
		case field.PrimaryKey:
			return invalid(desc.Name, rel.Field, "join column %s is the key of %s", rel.JoinColumn, target.Name)
		case field.Type != desc.ID().Type:
			return invalid(desc.Name, rel.Field, "join column %s is %s, %s keys are %s",
				rel.JoinColumn, field.Type, desc.Name, desc.ID().Type)
		}
	}
	return nil
}

// IsSealed returns true once Seal has succeeded
func (r *Registry) IsSealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// List returns entity names in registration order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered entities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

// Exists checks if an entity is registered
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.descriptors[name]
	return exists
}

// DependencyOrder returns entity names with many-to-one targets before the
// entities that reference them. Edges that close a cycle are ignored.
func (r *Registry) DependencyOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return NewRelationshipGraph(r.descriptors, r.order).TopologicalSort()
}

// CyclicEdges returns the many-to-one edges that DependencyOrder had to ignore
func (r *Registry) CyclicEdges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return NewRelationshipGraph(r.descriptors, r.order).BackEdges()
}
