// Package schema provides the entity metadata registry for the persistence core.
// It describes how each entity maps onto a table: its identity field, its
// columns, and its relationships to other entities.
package schema

import (
	"fmt"
	"strings"
)

// FieldType represents the storage type of a mapped field
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTimestamp
	TypeUUID
)

// String returns the string representation of the field type
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	case TypeUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// ParseFieldType converts a string to a FieldType
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(s) {
	case "string", "text", "":
		return TypeString, nil
	case "int", "bigint", "long":
		return TypeInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "timestamp", "datetime":
		return TypeTimestamp, nil
	case "uuid":
		return TypeUUID, nil
	default:
		return 0, fmt.Errorf("unknown field type: %s", s)
	}
}

// GenerationStrategy describes how primary key values are assigned
type GenerationStrategy int

const (
	// GenerateNone means the caller assigns the key before persist
	GenerateNone GenerationStrategy = iota
	// GenerateAuto means the store assigns the key on insert
	GenerateAuto
	// GenerateUUID means a random UUID is assigned at persist time
	GenerateUUID
)

// String returns the string representation of the generation strategy
func (g GenerationStrategy) String() string {
	switch g {
	case GenerateNone:
		return "none"
	case GenerateAuto:
		return "auto"
	case GenerateUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// ParseGenerationStrategy converts a string to a GenerationStrategy
func ParseGenerationStrategy(s string) (GenerationStrategy, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return GenerateNone, nil
	case "auto", "identity":
		return GenerateAuto, nil
	case "uuid":
		return GenerateUUID, nil
	default:
		return 0, fmt.Errorf("unknown generation strategy: %s", s)
	}
}

// RelationKind represents the cardinality of a relationship
type RelationKind int

const (
	ManyToOne RelationKind = iota
	OneToMany
)

// String returns the string representation of the relation kind
func (k RelationKind) String() string {
	switch k {
	case ManyToOne:
		return "many_to_one"
	case OneToMany:
		return "one_to_many"
	default:
		return "unknown"
	}
}

// ParseRelationKind converts a string to a RelationKind
func ParseRelationKind(s string) (RelationKind, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "many_to_one", "manytoone", "belongs_to":
		return ManyToOne, nil
	case "one_to_many", "onetomany", "has_many":
		return OneToMany, nil
	default:
		return 0, fmt.Errorf("unknown relationship kind: %s", s)
	}
}

// FetchStrategy represents when a relationship is loaded
type FetchStrategy int

const (
	FetchEager FetchStrategy = iota
	FetchLazy
)

// String returns the string representation of the fetch strategy
func (f FetchStrategy) String() string {
	switch f {
	case FetchEager:
		return "eager"
	case FetchLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// ParseFetchStrategy converts a string to a FetchStrategy. An empty string
// selects the default for the relationship kind: eager for many-to-one and
// lazy for one-to-many.
func ParseFetchStrategy(s string, kind RelationKind) (FetchStrategy, error) {
	switch strings.ToLower(s) {
	case "":
		if kind == OneToMany {
			return FetchLazy, nil
		}
		return FetchEager, nil
	case "eager":
		return FetchEager, nil
	case "lazy":
		return FetchLazy, nil
	default:
		return 0, fmt.Errorf("unknown fetch strategy: %s", s)
	}
}

// CascadeType is a set of operations propagated across a relationship
type CascadeType uint8

const (
	CascadePersist CascadeType = 1 << iota
	CascadeRemove
	CascadeMerge

	CascadeNone CascadeType = 0
	CascadeAll              = CascadePersist | CascadeRemove | CascadeMerge
)

// Has reports whether every operation in op is part of the set
func (c CascadeType) Has(op CascadeType) bool {
	return op != CascadeNone && c&op == op
}

// String returns the string representation of the cascade set
func (c CascadeType) String() string {
	switch c {
	case CascadeNone:
		return "none"
	case CascadeAll:
		return "all"
	}
	var parts []string
	if c.Has(CascadePersist) {
		parts = append(parts, "persist")
	}
	if c.Has(CascadeRemove) {
		parts = append(parts, "remove")
	}
	if c.Has(CascadeMerge) {
		parts = append(parts, "merge")
	}
	return strings.Join(parts, "|")
}

// ParseCascade converts a list of operation names to a CascadeType
func ParseCascade(ops []string) (CascadeType, error) {
	var c CascadeType
	for _, op := range ops {
		switch strings.ToLower(op) {
		case "none":
		case "all":
			c |= CascadeAll
		case "persist":
			c |= CascadePersist
		case "remove":
			c |= CascadeRemove
		case "merge":
			c |= CascadeMerge
		default:
			return 0, fmt.Errorf("unknown cascade operation: %s", op)
		}
	}
	return c, nil
}

// FieldDescriptor describes a scalar field and the column it maps to
type FieldDescriptor struct {
	Name       string
	Column     string
	Type       FieldType
	Nullable   bool
	PrimaryKey bool
	Generation GenerationStrategy

	slot int
}

// Slot returns the index of the field's value in an entity instance
func (f *FieldDescriptor) Slot() int {
	return f.slot
}

// IsGenerated returns true if the key value is not supplied by the caller
func (f *FieldDescriptor) IsGenerated() bool {
	return f.Generation != GenerateNone
}

// RelationshipDescriptor describes an association to another entity
type RelationshipDescriptor struct {
	Kind   RelationKind
	Field  string
	Target string

	// JoinColumn is the foreign key column. For many-to-one it lives on the
	// owning table; for one-to-many it lives on the target table.
	JoinColumn string
	Fetch      FetchStrategy
	Cascade    CascadeType
	Nullable   bool

	// MappedBy names the many-to-one field on the target that owns the join
	// column of a one-to-many relationship.
	MappedBy string

	slot int
}

// Slot returns the index of the relationship value in an entity instance
func (r *RelationshipDescriptor) Slot() int {
	return r.slot
}

// OwnsJoinColumn reports whether a one-to-many writes the join column on its
// members itself. That is the case when no mapped_by names a many-to-one
// on the target.
func (r *RelationshipDescriptor) OwnsJoinColumn() bool {
	return r.Kind == OneToMany && r.MappedBy == ""
}

// EntityDescriptor is the compiled mapping of one entity type
type EntityDescriptor struct {
	Name  string
	Table string

	fields        []*FieldDescriptor
	relationships []*RelationshipDescriptor
	id            *FieldDescriptor
	bases         []string

	slots    map[string]int
	byColumn map[string]*FieldDescriptor
	columns  []string
}

// ID returns the primary key field
func (d *EntityDescriptor) ID() *FieldDescriptor {
	return d.id
}

// Fields returns the scalar fields in declaration order
func (d *EntityDescriptor) Fields() []*FieldDescriptor {
	out := make([]*FieldDescriptor, len(d.fields))
	copy(out, d.fields)
	return out
}

// Relationships returns the relationships in declaration order
func (d *EntityDescriptor) Relationships() []*RelationshipDescriptor {
	out := make([]*RelationshipDescriptor, len(d.relationships))
	copy(out, d.relationships)
	return out
}

// Bases returns the names of the field sets merged into this entity
func (d *EntityDescriptor) Bases() []string {
	return append([]string(nil), d.bases...)
}

// Field returns the scalar field with the given name
func (d *EntityDescriptor) Field(name string) (*FieldDescriptor, bool) {
	slot, ok := d.slots[name]
	if !ok || slot >= len(d.fields) {
		return nil, false
	}
	return d.fields[slot], true
}

// Relationship returns the relationship with the given field name
func (d *EntityDescriptor) Relationship(name string) (*RelationshipDescriptor, bool) {
	slot, ok := d.slots[name]
	if !ok || slot < len(d.fields) {
		return nil, false
	}
	return d.relationships[slot-len(d.fields)], true
}

// FieldByColumn returns the scalar field mapped to the given column
func (d *EntityDescriptor) FieldByColumn(column string) (*FieldDescriptor, bool) {
	f, ok := d.byColumn[column]
	return f, ok
}

// Slot looks up the accessor slot of a field or relationship by name
func (d *EntityDescriptor) Slot(name string) (int, bool) {
	slot, ok := d.slots[name]
	return slot, ok
}

// NumSlots returns the number of value slots an instance needs
func (d *EntityDescriptor) NumSlots() int {
	return len(d.fields) + len(d.relationships)
}

// Columns returns every column of the table: scalar columns in field order
// followed by the join columns of many-to-one relationships.
func (d *EntityDescriptor) Columns() []string {
	return append([]string(nil), d.columns...)
}

// ManyToOne returns the relationships that own a join column on this table
func (d *EntityDescriptor) ManyToOne() []*RelationshipDescriptor {
	var out []*RelationshipDescriptor
	for _, rel := range d.relationships {
		if rel.Kind == ManyToOne {
			out = append(out, rel)
		}
	}
	return out
}

// String returns a short description of the descriptor
func (d *EntityDescriptor) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.Table)
}
