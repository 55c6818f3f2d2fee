package schema

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func memberTeamDecls() []Declaration {
	return []Declaration{
		{
			Name:   "Member",
			Bases:  []string{"BaseEntity"},
			ID:     IDDeclaration{Field: "id", Column: "MEMBER_ID", Strategy: "auto"},
			Fields: []FieldDeclaration{{Name: "name", Column: "name"}},
			Relationships: []RelationshipDeclaration{
				{Field: "team", Kind: "many_to_one", Target: "Team", JoinColumn: "TEAM_ID", Fetch: "lazy", Cascade: []string{"persist"}},
			},
		},
		{
			Name:   "Team",
			Bases:  []string{"BaseEntity"},
			ID:     IDDeclaration{Field: "id", Column: "TEAM_ID", Strategy: "auto"},
			Fields: []FieldDeclaration{{Name: "name", Required: true}},
			Relationships: []RelationshipDeclaration{
				{Field: "members", Kind: "one_to_many", Target: "Member", MappedBy: "team"},
			},
		},
	}
}

var baseEntity = FieldSet{
	Name: "BaseEntity",
	Fields: []FieldDeclaration{
		{Name: "createdBy"},
		{Name: "createdDate", Type: "timestamp"},
		{Name: "lastModifiedBy"},
		{Name: "lastModifiedDate", Type: "timestamp"},
	},
}

func TestRegistry(t *testing.T) {
	t.Run("build and describe", func(t *testing.T) {
		registry, err := Build(memberTeamDecls(), baseEntity)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !registry.IsSealed() {
			t.Error("registry should be sealed")
		}

		member, err := registry.Describe("Member")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if member.Table != "member" {
			t.Errorf("expected table member, got %s", member.Table)
		}
		if member.ID().Column != "MEMBER_ID" || member.ID().Generation != GenerateAuto {
			t.Errorf("unexpected id field: %+v", member.ID())
		}

		want := []string{"MEMBER_ID", "name", "created_by", "created_date", "last_modified_by", "last_modified_date", "TEAM_ID"}
		if got := member.Columns(); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("expected columns %v, got %v", want, got)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		registry := NewRegistry()
		_, err := registry.Describe("Nope")

		var unknown *UnknownEntityError
		if !errors.As(err, &unknown) || unknown.Entity != "Nope" {
			t.Fatalf("expected UnknownEntityError, got %v", err)
		}
		if !IsUnknownEntity(err) {
			t.Error("IsUnknownEntity should match")
		}
	})

	t.Run("duplicate registration", func(t *testing.T) {
		registry := NewRegistry()
		desc, err := NewBuilder().Compile(Declaration{Name: "Team", ID: IDDeclaration{Field: "id"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := registry.Register(desc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err = registry.Register(desc)
		if !errors.Is(err, ErrDuplicateMapping) {
			t.Errorf("expected duplicate mapping error, got %v", err)
		}
	})

	t.Run("register after seal", func(t *testing.T) {
		registry := NewRegistry()
		if err := registry.Seal(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		desc, _ := NewBuilder().Compile(Declaration{Name: "Team", ID: IDDeclaration{Field: "id"}})
		if err := registry.Register(desc); !errors.Is(err, ErrRegistrySealed) {
			t.Errorf("expected ErrRegistrySealed, got %v", err)
		}
	})

	t.Run("mapped_by fills join column", func(t *testing.T) {
		registry, err := Build(memberTeamDecls(), baseEntity)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		team, _ := registry.Describe("Team")
		members, ok := team.Relationship("members")
		if !ok {
			t.Fatal("members relationship missing")
		}
		if members.JoinColumn != "TEAM_ID" {
			t.Errorf("expected TEAM_ID, got %s", members.JoinColumn)
		}
		if members.Fetch != FetchLazy {
			t.Errorf("one_to_many should default to lazy, got %s", members.Fetch)
		}
	})

	t.Run("unknown target fails seal", func(t *testing.T) {
		decls := []Declaration{{
			Name: "Member",
			ID:   IDDeclaration{Field: "id"},
			Relationships: []RelationshipDeclaration{
				{Field: "team", Kind: "many_to_one", Target: "Team"},
			},
		}}
		_, err := Build(decls)
		if !IsInvalidMapping(err) {
			t.Errorf("expected invalid mapping, got %v", err)
		}
	})

	t.Run("mapped_by must point back", func(t *testing.T) {
		decls := memberTeamDecls()
		decls[1].Relationships[0].MappedBy = "name"
		_, err := Build(decls, baseEntity)
		if !IsInvalidMapping(err) {
			t.Errorf("expected invalid mapping, got %v", err)
		}
	})

	t.Run("concurrent reads after seal", func(t *testing.T) {
		registry, err := Build(memberTeamDecls(), baseEntity)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					if _, err := registry.Describe("Member"); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
		wg.Wait()
	})
}

func TestDependencyOrder(t *testing.T) {
	registry, err := Build(memberTeamDecls(), baseEntity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := registry.DependencyOrder()
	if strings.Join(order, ",") != "Team,Member" {
		t.Errorf("expected Team before Member, got %v", order)
	}
	if edges := registry.CyclicEdges(); len(edges) != 0 {
		t.Errorf("expected no cyclic edges, got %s", FormatEdges(edges))
	}
}

func TestDependencyOrder_Cycle(t *testing.T) {
	decls := []Declaration{
		{
			Name: "Husband",
			ID:   IDDeclaration{Field: "id", Strategy: "auto"},
			Relationships: []RelationshipDeclaration{
				{Field: "wife", Kind: "many_to_one", Target: "Wife", Cascade: []string{"all"}},
			},
		},
		{
			Name: "Wife",
			ID:   IDDeclaration{Field: "id", Strategy: "auto"},
			Relationships: []RelationshipDeclaration{
				{Field: "husband", Kind: "many_to_one", Target: "Husband", Cascade: []string{"all"}},
			},
		},
	}
	registry, err := Build(decls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := registry.DependencyOrder()
	if len(order) != 2 {
		t.Fatalf("expected both entities, got %v", order)
	}
	edges := registry.CyclicEdges()
	if len(edges) != 1 {
		t.Fatalf("expected one cyclic edge, got %v", edges)
	}
	if edges[0].String() != "Wife.husband -> Husband" {
		t.Errorf("unexpected back edge %s", edges[0])
	}
}

func orderLineDecls(lineField FieldDeclaration) []Declaration {
	return []Declaration{
		{
			Name: "Order",
			ID:   IDDeclaration{Field: "id", Strategy: "auto"},
			Relationships: []RelationshipDeclaration{
				{Field: "lines", Kind: "one_to_many", Target: "Line", JoinColumn: "order_id", Cascade: []string{"all"}},
			},
		},
		{
			Name:   "Line",
			ID:     IDDeclaration{Field: "id", Strategy: "auto"},
			Fields: []FieldDeclaration{{Name: "sku"}, lineField},
		},
	}
}

func TestSeal_OwnedJoinColumn(t *testing.T) {
	t.Run("plain field of the key type", func(t *testing.T) {
		registry, err := Build(orderLineDecls(FieldDeclaration{Name: "orderId", Column: "order_id", Type: "int"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		order, _ := registry.Describe("Order")
		lines, _ := order.Relationship("lines")
		if !lines.OwnsJoinColumn() {
			t.Error("lines should own its join column")
		}
		if got := strings.Join(registry.DependencyOrder(), ","); got != "Order,Line" {
			t.Errorf("expected Order before Line, got %s", got)
		}
	})

	tests := []struct {
		name  string
		field FieldDeclaration
		want  string
	}{
		{"missing column", FieldDeclaration{Name: "ref", Column: "ref_id", Type: "int"}, "does not exist on Line"},
		{"wrong type", FieldDeclaration{Name: "orderId", Column: "order_id", Type: "string"}, "join column order_id is string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(orderLineDecls(tt.field))
			if !IsInvalidMapping(err) {
				t.Fatalf("expected invalid mapping, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %v", tt.want, err)
			}
		})
	}

	t.Run("column of a many_to_one needs mapped_by", func(t *testing.T) {
		decls := memberTeamDecls()
		decls[1].Relationships[0] = RelationshipDeclaration{Field: "members", Kind: "one_to_many", Target: "Member", JoinColumn: "TEAM_ID"}
		_, err := Build(decls, baseEntity)
		if err == nil || !strings.Contains(err.Error(), "declare mapped_by: team") {
			t.Errorf("expected mapped_by hint, got %v", err)
		}
	})
}

func TestSeal_FailureLeavesDescriptorsUntouched(t *testing.T) {
	builder := NewBuilder(baseEntity)
	registry := NewRegistry()
	decls := append(memberTeamDecls(), Declaration{
		Name: "Club",
		ID:   IDDeclaration{Field: "id"},
		Relationships: []RelationshipDeclaration{
			{Field: "sponsor", Kind: "many_to_one", Target: "Sponsor"},
		},
	})
	for _, decl := range decls {
		desc, err := builder.Compile(decl)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := registry.Register(desc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := registry.Seal(); !IsInvalidMapping(err) {
		t.Fatalf("expected invalid mapping, got %v", err)
	}
	if registry.IsSealed() {
		t.Error("a failed seal must not seal the registry")
	}
	team, _ := registry.Describe("Team")
	members, _ := team.Relationship("members")
	if members.JoinColumn != "" {
		t.Errorf("join column should stay unresolved, got %q", members.JoinColumn)
	}
}
