// Package memory provides in-memory store implementations used by the
// development storage backend and the coordinator test suite. They
// enforce the same admission and leadership rules as the DynamoDB
// implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"
)

type memberRow struct {
	member collab.Member
	order  int64
}

// MembershipStore is an in-memory MembershipStore implementation
type MembershipStore struct {
	mu      sync.RWMutex
	graphs  map[string]map[string]*memberRow
	counter int64
}

// NewMembershipStore creates a new in-memory membership store
func NewMembershipStore() *MembershipStore {
	return &MembershipStore{
		graphs: make(map[string]map[string]*memberRow),
	}
}

// EnsureMembership creates a membership if admission rules allow it
func (s *MembershipStore) EnsureMembership(ctx context.Context, graphID, userID string, invited bool) (bool, collab.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.graphs[graphID]
	if row, ok := members[userID]; ok {
		return false, row.member.Role, nil
	}

	role := collab.RoleMember
	if len(members) == 0 {
		// First joiner becomes leader
		role = collab.RoleLeader
	} else if !invited {
		return false, "", apperrors.NewNotAMemberError(graphID)
	}

	if members == nil {
		members = make(map[string]*memberRow)
		s.graphs[graphID] = members
	}

	s.counter++
	members[userID] = &memberRow{
		member: collab.Member{
			UserID:   userID,
			Role:     role,
			JoinedAt: time.Now(),
		},
		order: s.counter,
	}

	return true, role, nil
}

// Promote atomically flips the leader role from one member to another
func (s *MembershipStore) Promote(ctx context.Context, graphID, fromLeaderID, toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.graphs[graphID]

	from, ok := members[fromLeaderID]
	if !ok || from.member.Role != collab.RoleLeader {
		return apperrors.NewNotLeaderError(graphID)
	}

	to, ok := members[toUserID]
	if !ok {
		return apperrors.NewNoSuchMemberError(toUserID)
	}

	if fromLeaderID == toUserID {
		return nil
	}

	from.member.Role = collab.RoleMember
	to.member.Role = collab.RoleLeader
	return nil
}

// Remove deletes a membership row
func (s *MembershipStore) Remove(ctx context.Context, graphID, userID string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.graphs[graphID]
	row, ok := members[userID]
	if !ok {
		return false, len(members), apperrors.NewNoSuchMemberError(userID)
	}

	delete(members, userID)
	if len(members) == 0 {
		delete(s.graphs, graphID)
	}

	return row.member.Role == collab.RoleLeader, len(members), nil
}

// ListMembers returns all members of a graph ordered by join time
func (s *MembershipStore) ListMembers(ctx context.Context, graphID string) ([]collab.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*memberRow, 0, len(s.graphs[graphID]))
	for _, row := range s.graphs[graphID] {
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].order < rows[j].order })

	members := make([]collab.Member, 0, len(rows))
	for _, row := range rows {
		members = append(members, row.member)
	}
	return members, nil
}
