package schema

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Declaration is the declarative description of one entity
type Declaration struct {
	Name          string                    `yaml:"name"`
	Table         string                    `yaml:"table"`
	Bases         []string                  `yaml:"bases"`
	ID            IDDeclaration             `yaml:"id"`
	Fields        []FieldDeclaration        `yaml:"fields"`
	Relationships []RelationshipDeclaration `yaml:"relationships"`
}

// IDDeclaration declares the identity field
type IDDeclaration struct {
	Field    string `yaml:"field"`
	Column   string `yaml:"column"`
	Type     string `yaml:"type"`
	Strategy string `yaml:"strategy"`
}

// FieldDeclaration declares a scalar field
type FieldDeclaration struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// RelationshipDeclaration declares an association
type RelationshipDeclaration struct {
	Field      string   `yaml:"field"`
	Kind       string   `yaml:"kind"`
	Target     string   `yaml:"target"`
	JoinColumn string   `yaml:"join_column"`
	Fetch      string   `yaml:"fetch"`
	Cascade    []string `yaml:"cascade"`
	Required   bool     `yaml:"required"`
	MappedBy   string   `yaml:"mapped_by"`
}

// FieldSet is a named group of fields shared by several entities, such as
// the audit columns of a base entity.
type FieldSet struct {
	Name   string             `yaml:"name"`
	Fields []FieldDeclaration `yaml:"fields"`
}

// Mapping is the document form of a set of declarations
type Mapping struct {
	Bases    []FieldSet    `yaml:"bases"`
	Entities []Declaration `yaml:"entities"`
}

// LoadMapping decodes a YAML mapping document
func LoadMapping(r io.Reader) (*Mapping, error) {
	var m Mapping
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return &m, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	return &m, nil
}

// Builder compiles declarations into descriptors
type Builder struct {
	bases map[string]FieldSet
}

// NewBuilder creates a builder that knows the given base field sets
func NewBuilder(bases ...FieldSet) *Builder {
	b := &Builder{bases: make(map[string]FieldSet, len(bases))}
	for _, base := range bases {
		b.bases[base.Name] = base
	}
	return b
}

// Compile converts a declaration into an EntityDescriptor. Base field sets
// are appended after the entity's own fields.
func (b *Builder) Compile(decl Declaration) (*EntityDescriptor, error) {
	if decl.Name == "" {
		return nil, invalid("", "", "entity name is required")
	}
	if decl.ID.Field == "" {
		return nil, invalid(decl.Name, "", "identity field is required")
	}

	desc := &EntityDescriptor{
		Name:     decl.Name,
		Table:    decl.Table,
		bases:    append([]string(nil), decl.Bases...),
		slots:    make(map[string]int),
		byColumn: make(map[string]*FieldDescriptor),
	}
	if desc.Table == "" {
		desc.Table = toSnakeCase(decl.Name)
	}

	id, err := b.buildID(decl)
	if err != nil {
		return nil, err
	}
	if err := desc.addField(id); err != nil {
		return nil, err
	}

	fields := append([]FieldDeclaration(nil), decl.Fields...)
	for _, baseName := range decl.Bases {
		base, ok := b.bases[baseName]
		if !ok {
			return nil, invalid(decl.Name, "", "unknown base %q", baseName)
		}
		fields = append(fields, base.Fields...)
	}

	for _, fd := range fields {
		field, err := b.buildField(decl.Name, fd)
		if err != nil {
			return nil, err
		}
		if err := desc.addField(field); err != nil {
			return nil, err
		}
	}

	for _, rd := range decl.Relationships {
		rel, err := b.buildRelationship(decl.Name, rd)
		if err != nil {
			return nil, err
		}
		if err := desc.addRelationship(rel); err != nil {
			return nil, err
		}
	}

	return desc, nil
}

func (b *Builder) buildID(decl Declaration) (*FieldDescriptor, error) {
	strategy, err := ParseGenerationStrategy(decl.ID.Strategy)
	if err != nil {
		return nil, invalid(decl.Name, decl.ID.Field, "%v", err)
	}

	typeName := decl.ID.Type
	if typeName == "" {
		typeName = "int"
		if strategy == GenerateUUID {
			typeName = "uuid"
		}
	}
	fieldType, err := ParseFieldType(typeName)
	if err != nil {
		return nil, invalid(decl.Name, decl.ID.Field, "%v", err)
	}

	switch {
	case strategy == GenerateAuto && fieldType != TypeInt:
		return nil, invalid(decl.Name, decl.ID.Field, "auto generation requires an int key, got %s", fieldType)
	case strategy == GenerateUUID && fieldType != TypeUUID:
		return nil, invalid(decl.Name, decl.ID.Field, "uuid generation requires a uuid key, got %s", fieldType)
	}

	column := decl.ID.Column
	if column == "" {
		column = toSnakeCase(decl.ID.Field)
	}

	return &FieldDescriptor{
		Name:       decl.ID.Field,
		Column:     column,
		Type:       fieldType,
		PrimaryKey: true,
		Generation: strategy,
	}, nil
}

func (b *Builder) buildField(entity string, fd FieldDeclaration) (*FieldDescriptor, error) {
	if fd.Name == "" {
		return nil, invalid(entity, "", "field name is required")
	}
	fieldType, err := ParseFieldType(fd.Type)
	if err != nil {
		return nil, invalid(entity, fd.Name, "%v", err)
	}
	column := fd.Column
	if column == "" {
		column = toSnakeCase(fd.Name)
	}
	return &FieldDescriptor{
		Name:     fd.Name,
		Column:   column,
		Type:     fieldType,
		Nullable: !fd.Required,
	}, nil
}

func (b *Builder) buildRelationship(entity string, rd RelationshipDeclaration) (*RelationshipDescriptor, error) {
	if rd.Field == "" {
		return nil, invalid(entity, "", "relationship field is required")
	}
	if rd.Target == "" {
		return nil, invalid(entity, rd.Field, "relationship target is required")
	}

	kind, err := ParseRelationKind(rd.Kind)
	if err != nil {
		return nil, invalid(entity, rd.Field, "%v", err)
	}
	fetch, err := ParseFetchStrategy(rd.Fetch, kind)
	if err != nil {
		return nil, invalid(entity, rd.Field, "%v", err)
	}
	cascade, err := ParseCascade(rd.Cascade)
	if err != nil {
		return nil, invalid(entity, rd.Field, "%v", err)
	}

	rel := &RelationshipDescriptor{
		Kind:       kind,
		Field:      rd.Field,
		Target:     rd.Target,
		JoinColumn: rd.JoinColumn,
		Fetch:      fetch,
		Cascade:    cascade,
		Nullable:   !rd.Required,
		MappedBy:   rd.MappedBy,
	}

	switch kind {
	case ManyToOne:
		if rd.MappedBy != "" {
			return nil, invalid(entity, rd.Field, "mapped_by is only valid on one_to_many")
		}
		if rel.JoinColumn == "" {
			rel.JoinColumn = toSnakeCase(rd.Field) + "_id"
		}
	case OneToMany:
		if rel.JoinColumn == "" && rel.MappedBy == "" {
			return nil, invalid(entity, rd.Field, "one_to_many needs join_column or mapped_by")
		}
	}

	return rel, nil
}

func (d *EntityDescriptor) addField(f *FieldDescriptor) error {
	if _, exists := d.slots[f.Name]; exists {
		return invalid(d.Name, f.Name, "duplicate field name")
	}
	if _, exists := d.byColumn[f.Column]; exists {
		return invalid(d.Name, f.Name, "duplicate column %s", f.Column)
	}
	if len(d.relationships) > 0 {
		return invalid(d.Name, f.Name, "fields must be added before relationships")
	}

	f.slot = len(d.fields)
	d.fields = append(d.fields, f)
	d.slots[f.Name] = f.slot
	d.byColumn[f.Column] = f
	d.columns = append(d.columns, f.Column)
	if f.PrimaryKey {
		d.id = f
	}
	return nil
}

func (d *EntityDescriptor) addRelationship(r *RelationshipDescriptor) error {
	if _, exists := d.slots[r.Field]; exists {
		return invalid(d.Name, r.Field, "duplicate field name")
	}
	if r.Kind == ManyToOne {
		if _, exists := d.byColumn[r.JoinColumn]; exists {
			return invalid(d.Name, r.Field, "join column %s collides with a field column", r.JoinColumn)
		}
		for _, other := range d.relationships {
			if other.Kind == ManyToOne && other.JoinColumn == r.JoinColumn {
				return invalid(d.Name, r.Field, "join column %s is already used by %s", r.JoinColumn, other.Field)
			}
		}
		d.columns = append(d.columns, r.JoinColumn)
	}

	r.slot = len(d.fields) + len(d.relationships)
	d.relationships = append(d.relationships, r)
	d.slots[r.Field] = r.slot
	return nil
}

// toSnakeCase converts a string to snake_case
func toSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' && prev != '_' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}
