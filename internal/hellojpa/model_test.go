package hellojpa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GoAndYAMLAgree(t *testing.T) {
	fromGo, err := Registry()
	require.NoError(t, err)
	fromYAML, err := RegistryFromYAML()
	require.NoError(t, err)

	for _, name := range []string{MemberEntity, TeamEntity} {
		a, err := fromGo.Describe(name)
		require.NoError(t, err)
		b, err := fromYAML.Describe(name)
		require.NoError(t, err)

		assert.Equal(t, a.Table, b.Table, name)
		assert.Equal(t, a.Columns(), b.Columns(), name)
		assert.Equal(t, len(a.Relationships()), len(b.Relationships()), name)
	}

	member, err := fromGo.Describe(MemberEntity)
	require.NoError(t, err)
	assert.Equal(t, []string{"MEMBER_ID", "name", "created_by", "created_date", "last_modified_by", "last_modified_date", "TEAM_ID"}, member.Columns())
	assert.Equal(t, []string{TeamEntity, MemberEntity}, fromGo.DependencyOrder())
}

func TestModel_TypedAccessors(t *testing.T) {
	model, err := NewModel()
	require.NoError(t, err)

	team := model.NewTeam("teamA")
	member := model.NewMember("member1")
	member.SetTeam(team)

	assert.Equal(t, "member1", member.GetName())
	assert.Equal(t, int64(0), member.GetID())
	assert.True(t, member.GetCreatedDate().IsZero())

	got, err := member.GetTeam(context.Background())
	require.NoError(t, err)
	assert.Same(t, team.Entity, got.Entity)

	require.NoError(t, team.Entity.AssignKey(2))
	require.NoError(t, member.Entity.AssignKey(1))
	assert.Equal(t, "Member{id=1, name='member1', team=2}", member.String())

	member.SetTeam(nil)
	assert.Equal(t, "Member{id=1, name='member1', team=null}", member.String())
}

func TestTeam_AddMember(t *testing.T) {
	model, err := NewModel()
	require.NoError(t, err)

	team := model.NewTeam("teamA")
	member := model.NewMember("member1")
	require.NoError(t, team.AddMember(member))

	members, err := team.GetMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Same(t, member.Entity, members[0].Entity)

	back, err := member.GetTeam(context.Background())
	require.NoError(t, err)
	assert.Same(t, team.Entity, back.Entity)
}

func TestAsMember_WrongType(t *testing.T) {
	model, err := NewModel()
	require.NoError(t, err)

	_, err = AsMember(model.NewTeam("teamA").Entity)
	assert.Error(t, err)

	m, err := AsMember(nil)
	assert.NoError(t, err)
	assert.Nil(t, m)
}
