package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"casefile-backend/domain/collab"
	"casefile-backend/infrastructure/persistence/memory"
)

type coordinatorFixture struct {
	co          *Coordinator
	memberships *memory.MembershipStore
	commands    *memory.CommandLog
	invitations *memory.InvitationStore
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &coordinatorFixture{
		memberships: memory.NewMembershipStore(),
		commands:    memory.NewCommandLog(),
		invitations: memory.NewInvitationStore(time.Hour),
	}
	f.co = NewCoordinator(CoordinatorConfig{
		Registry:     NewRegistry(),
		Memberships:  f.memberships,
		Commands:     f.commands,
		Invitations:  f.invitations,
		Graphs:       memory.NewGraphDirectory(true),
		Logger:       logger,
		HistoryLimit: 100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go f.co.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.co.Done():
		case <-time.After(time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return f
}

// connect binds and registers a connection without a real socket. The
// pumps never run, so frames accumulate on the send channel.
func (f *coordinatorFixture) connect(t *testing.T, connID, userID string) *Client {
	t.Helper()
	_, err := f.co.registry.Bind(connID, userID, userID)
	require.NoError(t, err)
	c := NewClient(connID, userID, userID, f.co, nil, nil, zaptest.NewLogger(t))
	f.co.Register(c)
	return c
}

// seedMembers makes the first user the leader of the graph and the
// rest invited members.
func (f *coordinatorFixture) seedMembers(t *testing.T, graphID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	for i, u := range users {
		_, _, err := f.memberships.EnsureMembership(ctx, graphID, u, i > 0)
		require.NoError(t, err)
	}
}

// recv waits for the next frame with the given event name, skipping
// unrelated frames.
func recv(t *testing.T, c *Client, event string) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-c.send:
			require.True(t, ok, "send channel closed while waiting for %s", event)
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Event == event {
				return env.Data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", event)
			return nil
		}
	}
}

// assertSilent asserts the connection receives no frame with the
// given event name within a short window.
func assertSilent(t *testing.T, c *Client, event string) {
	t.Helper()
	timeout := time.After(150 * time.Millisecond)
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			require.NotEqual(t, event, env.Event, "unexpected %s frame", event)
		case <-timeout:
			return
		}
	}
}

func join(t *testing.T, c *Client, graphID string) {
	t.Helper()
	data, err := json.Marshal(JoinGraphPayload{GraphID: graphID})
	require.NoError(t, err)
	c.coordinator.Dispatch(c, Envelope{Event: EventJoinGraph, Data: data})
}

func dispatch(t *testing.T, c *Client, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.coordinator.Dispatch(c, Envelope{Event: event, Data: data})
}

func TestJoin_FirstJoinerBecomesLeader(t *testing.T) {
	f := newCoordinatorFixture(t)
	alice := f.connect(t, "c-alice", "alice")

	join(t, alice, "g1")

	var confirmed JoinConfirmedPayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventJoinConfirmed), &confirmed))
	assert.Equal(t, "g1", confirmed.GraphID)
	assert.Equal(t, collab.RoleLeader, confirmed.Role)

	var presence CollaboratorsUpdatePayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventCollaboratorsUpdate), &presence))
	assert.Empty(t, presence.Collaborators, "joiner is excluded from its own list")
}

func TestJoin_UninvitedUserRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice")

	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")

	var failed JoinFailedPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventJoinFailed), &failed))
	assert.Equal(t, "NOT_A_MEMBER", failed.Code)
}

func TestJoin_PresencePushedToExistingParticipants(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)

	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	var presence CollaboratorsUpdatePayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventCollaboratorsUpdate), &presence))
	// Alice's first update came from her own join; drain until the
	// one announcing bob.
	for len(presence.Collaborators) == 0 {
		require.NoError(t, json.Unmarshal(recv(t, alice, EventCollaboratorsUpdate), &presence))
	}
	require.Len(t, presence.Collaborators, 1)
	assert.Equal(t, "bob", presence.Collaborators[0].UserID)
	assert.NotEmpty(t, presence.Collaborators[0].Color)
}

func TestCommand_BroadcastSkipsSender(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, bob, EventCommand, CommandPayload{
		ID:      "cmd-1",
		GraphID: "g1",
		Type:    string(collab.CommandAddEntity),
		Payload: json.RawMessage(`{"label":"suspect"}`),
	})

	var cmd collab.Command
	require.NoError(t, json.Unmarshal(recv(t, alice, EventCommandReceived), &cmd))
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, "bob", cmd.UserID, "sender identity comes from the connection")
	assert.Equal(t, int64(1), cmd.Seq)

	assertSilent(t, bob, EventCommandReceived)
}

func TestJoin_RejectedSwitchKeepsCurrentSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")
	f.seedMembers(t, "g2", "carol")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	// Alice has no membership in g2 and no invitation.
	join(t, alice, "g2")
	var failed JoinFailedPayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventJoinFailed), &failed))
	assert.Equal(t, "NOT_A_MEMBER", failed.Code)

	// The failed join must not have detached her from g1.
	assertSilent(t, bob, EventUserLeft)

	dispatch(t, alice, EventCommand, CommandPayload{
		ID:      "cmd-still-in",
		GraphID: "g1",
		Type:    string(collab.CommandAddEntity),
	})

	var cmd collab.Command
	require.NoError(t, json.Unmarshal(recv(t, bob, EventCommandReceived), &cmd))
	assert.Equal(t, "cmd-still-in", cmd.ID)
	assertSilent(t, alice, EventError)
}

func TestCommand_RejectedWhenNotJoined(t *testing.T) {
	f := newCoordinatorFixture(t)
	mallory := f.connect(t, "c-mallory", "mallory")

	dispatch(t, mallory, EventCommand, CommandPayload{
		ID:      "cmd-x",
		GraphID: "g1",
		Type:    string(collab.CommandAddEntity),
	})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, mallory, EventError), &errPayload))
	assert.Equal(t, "NOT_A_MEMBER", errPayload.Code)
	assert.Equal(t, "cmd-x", errPayload.CommandID, "error names the command so the client can roll back")
}

func TestCommand_UnknownTypeRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)

	dispatch(t, alice, EventCommand, CommandPayload{
		ID:      "cmd-bad",
		GraphID: "g1",
		Type:    "detonate",
	})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventError), &errPayload))
	assert.Equal(t, "VALIDATION", errPayload.Code)
	assert.Equal(t, "cmd-bad", errPayload.CommandID)
}

func TestCommand_RetryNotRebroadcast(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	payload := CommandPayload{
		ID:      "cmd-retry",
		GraphID: "g1",
		Type:    string(collab.CommandAddEntity),
		Payload: json.RawMessage(`{"label":"suspect"}`),
	}
	dispatch(t, bob, EventCommand, payload)
	dispatch(t, bob, EventCommand, payload)

	var cmd collab.Command
	require.NoError(t, json.Unmarshal(recv(t, alice, EventCommandReceived), &cmd))
	assert.Equal(t, "cmd-retry", cmd.ID)

	// The retry is absorbed: one log entry, no second broadcast.
	assertSilent(t, alice, EventCommandReceived)
	cmds, err := f.commands.Fetch(context.Background(), "g1", 10)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

func TestCommand_IsolatedBetweenGraphs(t *testing.T) {
	f := newCoordinatorFixture(t)

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g2")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, alice, EventCommand, CommandPayload{
		ID:      "cmd-1",
		GraphID: "g1",
		Type:    string(collab.CommandAddEntity),
	})

	assertSilent(t, bob, EventCommandReceived)
}

func TestHistory_ReplayedToLateJoiner(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "carol")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)

	for i := 1; i <= 3; i++ {
		dispatch(t, alice, EventCommand, CommandPayload{
			ID:      fmt.Sprintf("cmd-%d", i),
			GraphID: "g1",
			Type:    string(collab.CommandAddEntity),
		})
	}

	carol := f.connect(t, "c-carol", "carol")
	join(t, carol, "g1")
	recv(t, carol, EventJoinConfirmed)

	for i := 1; i <= 3; i++ {
		var cmd collab.Command
		require.NoError(t, json.Unmarshal(recv(t, carol, EventCommandReceived), &cmd))
		assert.Equal(t, int64(i), cmd.Seq, "replay is ascending")
	}
}

func TestLeave_LeaderHandoffToEarliestMember(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob", "carol")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, alice, EventLeaveGraph, LeaveGraphPayload{GraphID: "g1"})

	var promoted CollaboratorPromotedPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventCollaboratorPromoted), &promoted))
	assert.Equal(t, "bob", promoted.NewLeader)

	var left UserLeftPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventUserLeft), &left))
	assert.Equal(t, "alice", left.UserID)

	members, err := f.memberships.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "bob", members[0].UserID)
	assert.True(t, members[0].IsLeader())
}

func TestLeave_LastMemberDeletesGraph(t *testing.T) {
	f := newCoordinatorFixture(t)

	// Two tabs, one user.
	tab1 := f.connect(t, "c-tab1", "alice")
	join(t, tab1, "g1")
	recv(t, tab1, EventJoinConfirmed)
	tab2 := f.connect(t, "c-tab2", "alice")
	join(t, tab2, "g1")
	recv(t, tab2, EventJoinConfirmed)

	dispatch(t, tab1, EventLeaveGraph, LeaveGraphPayload{GraphID: "g1"})

	var deleted GraphDeletedPayload
	require.NoError(t, json.Unmarshal(recv(t, tab2, EventGraphDeleted), &deleted))
	assert.Equal(t, "g1", deleted.GraphID)

	members, err := f.memberships.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestKick_TargetNotifiedAndDetached(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, alice, EventKickUser, KickUserPayload{GraphID: "g1", TargetUserID: "bob"})

	var kicked KickNotificationPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventKickNotification), &kicked))
	assert.Equal(t, "g1", kicked.GraphID)
	assert.NotEmpty(t, kicked.Reason)

	var left UserLeftPayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventUserLeft), &left))
	assert.Equal(t, "bob", left.UserID)

	// Commands from the kicked connection are rejected.
	dispatch(t, bob, EventCommand, CommandPayload{
		ID:      "cmd-after-kick",
		GraphID: "g1",
		Type:    string(collab.CommandAddEntity),
	})
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventError), &errPayload))
	assert.Equal(t, "NOT_A_MEMBER", errPayload.Code)
}

func TestKick_SelfRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)

	dispatch(t, alice, EventKickUser, KickUserPayload{GraphID: "g1", TargetUserID: "alice"})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventError), &errPayload))
	assert.Equal(t, "VALIDATION", errPayload.Code)
}

func TestKick_NonLeaderRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, bob, EventKickUser, KickUserPayload{GraphID: "g1", TargetUserID: "alice"})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventError), &errPayload))
	assert.Equal(t, "NOT_LEADER", errPayload.Code)
}

func TestInvitation_FullFlow(t *testing.T) {
	f := newCoordinatorFixture(t)

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)

	bob := f.connect(t, "c-bob", "bob")

	dispatch(t, alice, EventSendInvitation, SendInvitationPayload{
		GraphID:      "g1",
		TargetUserID: "bob",
		GraphName:    "Operation Nightfall",
	})

	var inv collab.Invitation
	require.NoError(t, json.Unmarshal(recv(t, bob, EventInvitationReceived), &inv))
	assert.Equal(t, "g1", inv.GraphID)
	assert.Equal(t, "alice", inv.FromUserID)

	dispatch(t, bob, EventAcceptInvitation, AcceptInvitationPayload{InvitationID: inv.ID})

	var confirmed JoinConfirmedPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventJoinConfirmed), &confirmed))
	assert.Equal(t, collab.RoleMember, confirmed.Role)

	// An invitation resolves exactly once.
	dispatch(t, bob, EventAcceptInvitation, AcceptInvitationPayload{InvitationID: inv.ID})
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventError), &errPayload))
	assert.Equal(t, "CONFLICT", errPayload.Code)
}

func TestInvitation_NonLeaderCannotInvite(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, bob, EventSendInvitation, SendInvitationPayload{
		GraphID:      "g1",
		TargetUserID: "carol",
	})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventError), &errPayload))
	assert.Equal(t, "NOT_LEADER", errPayload.Code)
}

func TestInvitation_WrongAddresseeCannotAccept(t *testing.T) {
	f := newCoordinatorFixture(t)

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	mallory := f.connect(t, "c-mallory", "mallory")

	dispatch(t, alice, EventSendInvitation, SendInvitationPayload{
		GraphID:      "g1",
		TargetUserID: "bob",
	})
	var inv collab.Invitation
	require.NoError(t, json.Unmarshal(recv(t, bob, EventInvitationReceived), &inv))

	dispatch(t, mallory, EventAcceptInvitation, AcceptInvitationPayload{InvitationID: inv.ID})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, mallory, EventError), &errPayload))
	assert.Equal(t, "VALIDATION", errPayload.Code)
}

func TestInvitation_WrongAddresseeCannotReject(t *testing.T) {
	f := newCoordinatorFixture(t)

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	mallory := f.connect(t, "c-mallory", "mallory")

	dispatch(t, alice, EventSendInvitation, SendInvitationPayload{
		GraphID:      "g1",
		TargetUserID: "bob",
	})
	var inv collab.Invitation
	require.NoError(t, json.Unmarshal(recv(t, bob, EventInvitationReceived), &inv))

	dispatch(t, mallory, EventRejectInvitation, RejectInvitationPayload{InvitationID: inv.ID})

	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(recv(t, mallory, EventError), &errPayload))
	assert.Equal(t, "VALIDATION", errPayload.Code)

	// The invitation survives the bogus reject and bob can still accept.
	dispatch(t, bob, EventAcceptInvitation, AcceptInvitationPayload{InvitationID: inv.ID})
	var confirmed JoinConfirmedPayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventJoinConfirmed), &confirmed))
	assert.Equal(t, collab.RoleMember, confirmed.Role)
}

func TestCursor_RelayedToOthersOnly(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	dispatch(t, alice, EventCursorMove, CursorMovePayload{X: 42, Y: 17})

	var update CursorUpdatePayload
	require.NoError(t, json.Unmarshal(recv(t, bob, EventCursorUpdate), &update))
	assert.Equal(t, "alice", update.UserID)
	assert.Equal(t, 42.0, update.X)

	assertSilent(t, alice, EventCursorUpdate)
}

func TestDisconnect_RetainsMembership(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob")

	alice := f.connect(t, "c-alice", "alice")
	join(t, alice, "g1")
	recv(t, alice, EventJoinConfirmed)
	bob := f.connect(t, "c-bob", "bob")
	join(t, bob, "g1")
	recv(t, bob, EventJoinConfirmed)

	f.co.Disconnect(bob)

	var left UserLeftPayload
	require.NoError(t, json.Unmarshal(recv(t, alice, EventUserLeft), &left))
	assert.Equal(t, "bob", left.UserID)

	members, err := f.memberships.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, members, 2, "disconnect must not remove membership")
}

func TestRESTOps_LeaveAndPromote(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.seedMembers(t, "g1", "alice", "bob", "carol")
	ctx := context.Background()

	require.NoError(t, f.co.PromoteLeader(ctx, "g1", "alice", "carol"))

	members, err := f.memberships.ListMembers(ctx, "g1")
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, m.UserID == "carol", m.IsLeader())
	}

	require.NoError(t, f.co.LeaveGraph(ctx, "g1", "bob"))
	members, err = f.memberships.ListMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	err = f.co.LeaveGraph(ctx, "g1", "ghost")
	require.Error(t, err)
}

// TestSingleLeaderInvariant drives a random mix of joins, leaves, and
// promotions and checks that a populated graph always has exactly one
// leader.
func TestSingleLeaderInvariant(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	users := []string{"u0", "u1", "u2", "u3", "u4"}
	joined := map[string]bool{}

	checkInvariant := func() {
		members, err := f.memberships.ListMembers(ctx, "g1")
		require.NoError(t, err)
		if len(members) == 0 {
			return
		}
		leaders := 0
		for _, m := range members {
			if m.IsLeader() {
				leaders++
			}
		}
		require.Equal(t, 1, leaders, "members: %v", members)
	}

	leaderOf := func() string {
		members, err := f.memberships.ListMembers(ctx, "g1")
		require.NoError(t, err)
		for _, m := range members {
			if m.IsLeader() {
				return m.UserID
			}
		}
		return ""
	}

	for i := 0; i < 200; i++ {
		u := users[rng.Intn(len(users))]
		switch rng.Intn(3) {
		case 0: // join
			invited := len(joined) > 0
			_, _, err := f.memberships.EnsureMembership(ctx, "g1", u, invited)
			if err == nil {
				joined[u] = true
			}
		case 1: // leave
			if joined[u] {
				require.NoError(t, f.co.LeaveGraph(ctx, "g1", u))
				delete(joined, u)
			}
		case 2: // promote
			if leader := leaderOf(); leader != "" && joined[u] {
				require.NoError(t, f.co.PromoteLeader(ctx, "g1", leader, u))
			}
		}
		checkInvariant()
	}
}
