package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"
)

func TestEnsureMembership_FirstJoinerBecomesLeader(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	created, role, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, collab.RoleLeader, role)
}

func TestEnsureMembership_Idempotent(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)

	created, role, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, collab.RoleLeader, role)
}

func TestEnsureMembership_UninvitedJoinRejected(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)

	_, _, err = store.EnsureMembership(ctx, "g1", "bob", false)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotAMember(err))
}

func TestEnsureMembership_InvitedJoinAccepted(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)

	created, role, err := store.EnsureMembership(ctx, "g1", "bob", true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, collab.RoleMember, role)
}

func TestPromote_TransfersLeadership(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)
	_, _, err = store.EnsureMembership(ctx, "g1", "bob", true)
	require.NoError(t, err)

	require.NoError(t, store.Promote(ctx, "g1", "alice", "bob"))

	members, err := store.ListMembers(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)

	leaders := 0
	for _, m := range members {
		if m.IsLeader() {
			leaders++
			assert.Equal(t, "bob", m.UserID)
		}
	}
	assert.Equal(t, 1, leaders, "exactly one leader after promotion")
}

func TestPromote_NonLeaderRejected(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)
	_, _, err = store.EnsureMembership(ctx, "g1", "bob", true)
	require.NoError(t, err)
	_, _, err = store.EnsureMembership(ctx, "g1", "carol", true)
	require.NoError(t, err)

	err = store.Promote(ctx, "g1", "bob", "carol")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotLeader(err))
}

func TestPromote_UnknownTargetRejected(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)

	err = store.Promote(ctx, "g1", "alice", "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNoSuchMember(err))
}

func TestPromote_SelfIsNoOp(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)

	require.NoError(t, store.Promote(ctx, "g1", "alice", "alice"))

	members, err := store.ListMembers(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].IsLeader())
}

func TestRemove_ReportsLeaderAndRemaining(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)
	_, _, err = store.EnsureMembership(ctx, "g1", "bob", true)
	require.NoError(t, err)

	wasLeader, remaining, err := store.Remove(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.True(t, wasLeader)
	assert.Equal(t, 1, remaining)

	wasLeader, remaining, err = store.Remove(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.False(t, wasLeader)
	assert.Equal(t, 0, remaining)
}

func TestRemove_UnknownMemberRejected(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)

	_, _, err = store.Remove(ctx, "g1", "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNoSuchMember(err))
}

func TestListMembers_JoinOrder(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		invited := user != "alice"
		_, _, err := store.EnsureMembership(ctx, "g1", user, invited)
		require.NoError(t, err)
	}

	members, err := store.ListMembers(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)
	assert.Equal(t, "carol", members[2].UserID)
}

func TestMemberships_GraphsAreIsolated(t *testing.T) {
	store := NewMembershipStore()
	ctx := context.Background()

	_, _, err := store.EnsureMembership(ctx, "g1", "alice", false)
	require.NoError(t, err)
	_, role, err := store.EnsureMembership(ctx, "g2", "bob", false)
	require.NoError(t, err)
	assert.Equal(t, collab.RoleLeader, role, "first joiner of each graph leads it")

	members, err := store.ListMembers(ctx, "g2")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].UserID)
}
