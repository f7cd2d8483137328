package presence

import (
	"testing"

	"github.com/dkeye/Ring/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestRegistryReachability(t *testing.T) {
	r := NewRegistry()
	r.Register(&domain.User{ID: "alice", Username: "alice"})

	require.False(t, r.IsReachable("alice"), "registered but offline")
	r.SetOnline("alice", true)
	require.True(t, r.IsReachable("alice"))
	r.SetOnline("alice", false)
	require.False(t, r.IsReachable("alice"))
	require.False(t, r.IsReachable("ghost"))
}

func TestRegistryGroupMembership(t *testing.T) {
	r := NewRegistry()
	r.Register(&domain.User{ID: "alice", Username: "alice"})
	r.Register(&domain.User{ID: "bob", Username: "bob"})

	name, err := domain.NewGroupName("friends")
	require.NoError(t, err)
	g := r.CreateGroup(name)
	require.NotEmpty(t, g.ID)

	require.NoError(t, r.AddMember(g.ID, "alice"))
	require.NoError(t, r.AddMember(g.ID, "bob"))
	require.ErrorIs(t, r.AddMember(g.ID, "ghost"), ErrUnknownUser)
	require.ErrorIs(t, r.AddMember("nope", "alice"), ErrUnknownGroup)

	members := r.MembersOf(g.ID)
	require.Len(t, members, 2)
	require.Contains(t, members, domain.UserID("alice"))
	require.Contains(t, members, domain.UserID("bob"))

	require.NoError(t, r.RemoveMember(g.ID, "alice"))
	require.Len(t, r.MembersOf(g.ID), 1)

	infos := r.Groups()
	require.Len(t, infos, 1)
	require.Equal(t, 1, infos[0].MemberCount)

	r.DeleteGroup(g.ID)
	require.Empty(t, r.MembersOf(g.ID))
	require.Empty(t, r.Groups())
}
