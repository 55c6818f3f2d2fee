package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_Compile(t *testing.T) {
	builder := NewBuilder(baseEntity)

	t.Run("accessor slots", func(t *testing.T) {
		desc, err := builder.Compile(memberTeamDecls()[0])
		require.NoError(t, err)

		assert.Equal(t, 7, desc.NumSlots())
		slot, ok := desc.Slot("id")
		assert.True(t, ok)
		assert.Equal(t, 0, slot)

		team, ok := desc.Relationship("team")
		require.True(t, ok)
		assert.Equal(t, 6, team.Slot())
		assert.Equal(t, "TEAM_ID", team.JoinColumn)
		assert.Equal(t, FetchLazy, team.Fetch)
		assert.True(t, team.Cascade.Has(CascadePersist))
		assert.False(t, team.Cascade.Has(CascadeRemove))

		_, isField := desc.Field("team")
		assert.False(t, isField)
		_, isRel := desc.Relationship("name")
		assert.False(t, isRel)

		f, ok := desc.FieldByColumn("last_modified_date")
		require.True(t, ok)
		assert.Equal(t, TypeTimestamp, f.Type)
		assert.Equal(t, []string{"BaseEntity"}, desc.Bases())
	})

	t.Run("defaults", func(t *testing.T) {
		desc, err := builder.Compile(Declaration{
			Name: "OrderLine",
			ID:   IDDeclaration{Field: "lineId"},
			Relationships: []RelationshipDeclaration{
				{Field: "parentOrder", Kind: "many_to_one", Target: "Order"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "order_line", desc.Table)
		assert.Equal(t, "line_id", desc.ID().Column)
		assert.Equal(t, TypeInt, desc.ID().Type)
		assert.Equal(t, GenerateNone, desc.ID().Generation)

		rel, _ := desc.Relationship("parentOrder")
		assert.Equal(t, "parent_order_id", rel.JoinColumn)
		assert.Equal(t, FetchEager, rel.Fetch)
		assert.True(t, rel.Nullable)
	})

	invalidCases := []struct {
		name string
		decl Declaration
		want string
	}{
		{"missing name", Declaration{ID: IDDeclaration{Field: "id"}}, "entity name is required"},
		{"missing id", Declaration{Name: "A"}, "identity field is required"},
		{"auto needs int", Declaration{Name: "A", ID: IDDeclaration{Field: "id", Type: "string", Strategy: "auto"}}, "requires an int key"},
		{"uuid needs uuid", Declaration{Name: "A", ID: IDDeclaration{Field: "id", Type: "int", Strategy: "uuid"}}, "requires a uuid key"},
		{"unknown type", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Fields: []FieldDeclaration{{Name: "x", Type: "blob"}}}, "unknown field type"},
		{"duplicate field", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Fields: []FieldDeclaration{{Name: "id"}}}, "duplicate field name"},
		{"duplicate column", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Fields: []FieldDeclaration{{Name: "a", Column: "c"}, {Name: "b", Column: "c"}}}, "duplicate column"},
		{"unknown base", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Bases: []string{"Nope"}}, "unknown base"},
		{"one_to_many without join", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Relationships: []RelationshipDeclaration{{Field: "bs", Kind: "one_to_many", Target: "B"}}}, "needs join_column or mapped_by"},
		{"join column collision", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Fields: []FieldDeclaration{{Name: "bId", Column: "b_id"}}, Relationships: []RelationshipDeclaration{{Field: "b", Kind: "many_to_one", Target: "B"}}}, "collides"},
		{"bad cascade", Declaration{Name: "A", ID: IDDeclaration{Field: "id"}, Relationships: []RelationshipDeclaration{{Field: "b", Kind: "many_to_one", Target: "B", Cascade: []string{"detach"}}}}, "unknown cascade"},
	}

	for _, tc := range invalidCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := builder.Compile(tc.decl)
			require.Error(t, err)
			assert.True(t, IsInvalidMapping(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCascadeType(t *testing.T) {
	c, err := ParseCascade([]string{"persist", "merge"})
	require.NoError(t, err)
	assert.Equal(t, "persist|merge", c.String())
	assert.True(t, c.Has(CascadeMerge))
	assert.False(t, c.Has(CascadeAll))
	assert.False(t, c.Has(CascadeNone))

	all, err := ParseCascade([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, CascadeAll, all)
	assert.Equal(t, "all", all.String())
}

func TestFieldType_Coerce(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	cases := []struct {
		typ  FieldType
		in   interface{}
		want interface{}
	}{
		{TypeInt, 42, int64(42)},
		{TypeInt, int32(7), int64(7)},
		{TypeInt, float64(9), int64(9)},
		{TypeInt, "11", int64(11)},
		{TypeFloat, 3, float64(3)},
		{TypeBool, int64(1), true},
		{TypeString, []byte("hello"), "hello"},
		{TypeUUID, id.String(), id},
		{TypeTimestamp, ts.Format(time.RFC3339Nano), ts},
		{TypeTimestamp, "2024-03-01 12:30:00", ts},
		{TypeString, nil, nil},
	}

	for _, tc := range cases {
		got, err := tc.typ.Coerce(tc.in)
		require.NoError(t, err, "%s <- %#v", tc.typ, tc.in)
		if want, ok := tc.want.(time.Time); ok {
			assert.True(t, want.Equal(got.(time.Time)))
			continue
		}
		assert.Equal(t, tc.want, got, "%s <- %#v", tc.typ, tc.in)
	}

	_, err := TypeInt.Coerce(1.5)
	assert.Error(t, err)
	_, err = TypeUUID.Coerce(12)
	assert.Error(t, err)
}

func TestLoadMapping(t *testing.T) {
	doc := `
bases:
  - name: BaseEntity
    fields:
      - {name: createdDate, type: timestamp}
entities:
  - name: Team
    bases: [BaseEntity]
    id: {field: id, column: TEAM_ID, strategy: auto}
    fields:
      - {name: name, required: true}
    relationships:
      - {field: members, kind: one_to_many, target: Member, mapped_by: team}
  - name: Member
    id: {field: id, column: MEMBER_ID, strategy: auto}
    fields:
      - {name: name}
    relationships:
      - {field: team, kind: many_to_one, target: Team, join_column: TEAM_ID, fetch: lazy, cascade: [persist]}
`
	mapping, err := LoadMapping(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, mapping.Entities, 2)

	registry, err := BuildMapping(mapping)
	require.NoError(t, err)
	assert.Equal(t, []string{"Team", "Member"}, registry.List())

	team, err := registry.Describe("Team")
	require.NoError(t, err)
	name, _ := team.Field("name")
	assert.False(t, name.Nullable)

	_, err = LoadMapping(strings.NewReader("entities:\n  - name: X\n    bogus: 1\n"))
	assert.True(t, IsInvalidMapping(err))
}
