// Package hellojpa is the Member/Team example model: two entities sharing
// the BaseEntity audit columns, with members pointing at their team.
package hellojpa

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/conduit-lang/persist/internal/orm/entity"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

const (
	MemberEntity = "Member"
	TeamEntity   = "Team"
)

//go:embed mapping.yaml
var mappingYAML []byte

// MappingYAML returns the model as a YAML mapping document
func MappingYAML() []byte {
	return append([]byte(nil), mappingYAML...)
}

// BaseEntity holds the audit columns every entity of the model inherits
var BaseEntity = schema.FieldSet{
	Name: "BaseEntity",
	Fields: []schema.FieldDeclaration{
		{Name: "createdBy"},
		{Name: "createdDate", Type: "timestamp"},
		{Name: "lastModifiedBy"},
		{Name: "lastModifiedDate", Type: "timestamp"},
	},
}

// Declarations returns the Member and Team mappings
func Declarations() []schema.Declaration {
	return []schema.Declaration{
		{
			Name:   MemberEntity,
			Bases:  []string{BaseEntity.Name},
			ID:     schema.IDDeclaration{Field: "id", Column: "MEMBER_ID", Strategy: "auto"},
			Fields: []schema.FieldDeclaration{{Name: "name", Column: "name"}},
			Relationships: []schema.RelationshipDeclaration{
				{Field: "team", Kind: "many_to_one", Target: TeamEntity, JoinColumn: "TEAM_ID", Cascade: []string{"persist", "merge"}},
			},
		},
		{
			Name:   TeamEntity,
			Bases:  []string{BaseEntity.Name},
			ID:     schema.IDDeclaration{Field: "id", Column: "TEAM_ID", Strategy: "auto"},
			Fields: []schema.FieldDeclaration{{Name: "name"}},
			Relationships: []schema.RelationshipDeclaration{
				{Field: "members", Kind: "one_to_many", Target: MemberEntity, MappedBy: "team"},
			},
		},
	}
}

// Registry builds a sealed registry for the model
func Registry() (*schema.Registry, error) {
	return schema.Build(Declarations(), BaseEntity)
}

// RegistryFromYAML builds the same registry from the embedded mapping document
func RegistryFromYAML() (*schema.Registry, error) {
	m, err := schema.LoadMapping(bytes.NewReader(mappingYAML))
	if err != nil {
		return nil, err
	}
	return schema.BuildMapping(m)
}

// Model creates typed instances against a registry
type Model struct {
	registry *schema.Registry
	member   *schema.EntityDescriptor
	team     *schema.EntityDescriptor
}

// NewModel builds the registry and resolves both descriptors
func NewModel() (*Model, error) {
	registry, err := Registry()
	if err != nil {
		return nil, err
	}
	return ModelFor(registry)
}

// ModelFor wraps an existing registry that maps Member and Team
func ModelFor(registry *schema.Registry) (*Model, error) {
	member, err := registry.Describe(MemberEntity)
	if err != nil {
		return nil, err
	}
	team, err := registry.Describe(TeamEntity)
	if err != nil {
		return nil, err
	}
	return &Model{registry: registry, member: member, team: team}, nil
}

// Registry returns the registry the model was built on
func (m *Model) Registry() *schema.Registry {
	return m.registry
}

// NewMember creates a NEW member
func (m *Model) NewMember(name string) *Member {
	member := &Member{Base{entity.New(m.member)}}
	member.SetName(name)
	return member
}

// NewTeam creates a NEW team
func (m *Model) NewTeam(name string) *Team {
	team := &Team{Base{entity.New(m.team)}}
	team.SetName(name)
	return team
}

// Base exposes the audit columns
type Base struct {
	*entity.Entity
}

// GetID returns the key, zero before the row is inserted
func (b Base) GetID() int64 {
	id, _ := b.KeyValue().(int64)
	return id
}

func (b Base) GetName() string {
	name, _ := b.Get("name").(string)
	return name
}

func (b Base) SetName(name string) {
	b.MustSet("name", name)
}

func (b Base) GetCreatedBy() string {
	v, _ := b.Get("createdBy").(string)
	return v
}

func (b Base) GetCreatedDate() time.Time {
	v, _ := b.Get("createdDate").(time.Time)
	return v
}

func (b Base) GetLastModifiedBy() string {
	v, _ := b.Get("lastModifiedBy").(string)
	return v
}

func (b Base) GetLastModifiedDate() time.Time {
	v, _ := b.Get("lastModifiedDate").(time.Time)
	return v
}

// Member belongs to at most one team
type Member struct {
	Base
}

// AsMember wraps a loaded Member instance
func AsMember(e *entity.Entity) (*Member, error) {
	if e == nil {
		return nil, nil
	}
	if e.Name() != MemberEntity {
		return nil, fmt.Errorf("%w: expected %s, got %s", entity.ErrWrongTarget, MemberEntity, e.Name())
	}
	return &Member{Base{e}}, nil
}

// GetTeam returns the member's team, fetching it if it is not loaded yet
func (m *Member) GetTeam(ctx context.Context) (*Team, error) {
	e, err := m.Related(ctx, "team")
	if err != nil || e == nil {
		return nil, err
	}
	return AsTeam(e)
}

// SetTeam points the member at team; nil clears it
func (m *Member) SetTeam(team *Team) {
	if team == nil {
		m.MustSet("team", nil)
		return
	}
	m.MustSet("team", team.Entity)
}

// String renders the member the way the example prints it
func (m *Member) String() string {
	team := "null"
	if ref := m.Reference("team"); ref != nil {
		team = fmt.Sprint(ref.Key().Value)
	}
	return fmt.Sprintf("Member{id=%v, name='%s', team=%s}", m.KeyValue(), m.GetName(), team)
}

// Team groups members
type Team struct {
	Base
}

// AsTeam wraps a loaded Team instance
func AsTeam(e *entity.Entity) (*Team, error) {
	if e == nil {
		return nil, nil
	}
	if e.Name() != TeamEntity {
		return nil, fmt.Errorf("%w: expected %s, got %s", entity.ErrWrongTarget, TeamEntity, e.Name())
	}
	return &Team{Base{e}}, nil
}

// AddMember adds member to the team and points it back at the team
func (t *Team) AddMember(member *Member) error {
	return t.Collection("members").Add(member.Entity)
}

// GetMembers returns the members of the team, fetching them on first access
func (t *Team) GetMembers(ctx context.Context) ([]*Member, error) {
	var members []*Member
	for e, err := range t.Collection("members").All(ctx) {
		if err != nil {
			return nil, err
		}
		members = append(members, &Member{Base{e}})
	}
	return members, nil
}
