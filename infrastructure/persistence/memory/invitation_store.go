package memory

import (
	"context"
	"sync"
	"time"

	"casefile-backend/domain/collab"
)

type invitationRow struct {
	inv       collab.Invitation
	expiresAt time.Time
}

// InvitationStore is an in-memory InvitationStore implementation
type InvitationStore struct {
	mu          sync.Mutex
	invitations map[string]invitationRow
	ttl         time.Duration
}

// NewInvitationStore creates a new in-memory invitation store
func NewInvitationStore(ttl time.Duration) *InvitationStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InvitationStore{
		invitations: make(map[string]invitationRow),
		ttl:         ttl,
	}
}

// Put stores a pending invitation
func (s *InvitationStore) Put(ctx context.Context, inv collab.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invitations[inv.ID] = invitationRow{
		inv:       inv,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

// Get returns an invitation without resolving it
func (s *InvitationStore) Get(ctx context.Context, id string) (collab.Invitation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.invitations[id]
	if !ok || time.Now().After(row.expiresAt) {
		return collab.Invitation{}, false, nil
	}
	return row.inv, true, nil
}

// Take removes and returns an invitation; it resolves at most once
func (s *InvitationStore) Take(ctx context.Context, id string) (collab.Invitation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.invitations[id]
	if !ok {
		return collab.Invitation{}, false, nil
	}

	delete(s.invitations, id)

	if time.Now().After(row.expiresAt) {
		return collab.Invitation{}, false, nil
	}
	return row.inv, true, nil
}
