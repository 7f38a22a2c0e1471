// Package ports defines the store interfaces the session coordinator
// depends on. Implementations live under infrastructure/persistence;
// the coordinator is the only writer of membership and command state.
package ports

import (
	"context"

	"casefile-backend/domain/collab"
)

// MembershipStore is the durable (graph, user) -> role mapping.
//
// Invariant: while a graph has at least one member, exactly one of them
// holds the leader role. Promote flips both roles in a single atomic
// step; Remove never picks a successor, that is the coordinator's job.
type MembershipStore interface {
	// EnsureMembership creates a membership if admission rules allow it.
	// The first member of an empty graph is created as leader. Joining a
	// populated graph requires an invitation (invited=true) or an
	// existing membership; otherwise a NOT_A_MEMBER error is returned.
	EnsureMembership(ctx context.Context, graphID, userID string, invited bool) (created bool, role collab.Role, err error)

	// Promote atomically makes toUserID the leader and demotes
	// fromLeaderID to member. Fails with NOT_LEADER if fromLeaderID is
	// not the current leader and NO_SUCH_MEMBER if the target has no
	// membership.
	Promote(ctx context.Context, graphID, fromLeaderID, toUserID string) error

	// Remove deletes the membership row and reports whether the removed
	// user was leader and how many members remain.
	Remove(ctx context.Context, graphID, userID string) (wasLeader bool, remaining int, err error)

	// ListMembers returns all members of a graph ordered by join time,
	// oldest first.
	ListMembers(ctx context.Context, graphID string) ([]collab.Member, error)
}

// CommandLog is the append-only, per-graph ordered action history.
type CommandLog interface {
	// Append persists a command and returns its authoritative sequence
	// number. Appending a command id that was already appended within
	// the dedup window returns the original sequence with duplicate=true
	// and does not write a second entry.
	Append(ctx context.Context, graphID string, cmd collab.Command) (seq int64, duplicate bool, err error)

	// Fetch returns up to limit of the most recent commands in ascending
	// sequence order. Repeated calls without intervening appends return
	// identical results.
	Fetch(ctx context.Context, graphID string, limit int) ([]collab.Command, error)
}

// InvitationStore holds pending invitations until they are resolved or
// expire.
type InvitationStore interface {
	Put(ctx context.Context, inv collab.Invitation) error

	// Get returns the invitation without resolving it, so the caller can
	// verify the addressee before consuming it.
	Get(ctx context.Context, id string) (inv collab.Invitation, found bool, err error)

	// Take removes and returns the invitation. An invitation resolves at
	// most once; a second Take of the same id reports found=false.
	Take(ctx context.Context, id string) (inv collab.Invitation, found bool, err error)
}

// GraphDirectory answers whether a graph exists. Graph CRUD is owned by
// an external service; the coordinator only consults it to reject joins
// against stale or garbage graph ids.
type GraphDirectory interface {
	Exists(ctx context.Context, graphID string) (bool, error)
}
