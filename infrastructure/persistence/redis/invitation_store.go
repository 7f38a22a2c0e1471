// Package redis provides the Redis-backed invitation store. Pending
// invitations are ephemeral with a TTL; key expiry is how unresolved
// invitations lapse.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"casefile-backend/domain/collab"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "invitation:"

// InvitationStore implements ports.InvitationStore using Redis
type InvitationStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewInvitationStore creates a store from a Redis URL
func NewInvitationStore(redisURL string, ttl time.Duration) (*InvitationStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewInvitationStoreWithClient(client, ttl), nil
}

// NewInvitationStoreWithClient creates a store from an existing client
func NewInvitationStoreWithClient(client *redis.Client, ttl time.Duration) *InvitationStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InvitationStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *InvitationStore) key(id string) string {
	return keyPrefix + id
}

// Put stores a pending invitation with expiration
func (s *InvitationStore) Put(ctx context.Context, inv collab.Invitation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invitation: %w", err)
	}

	if err := s.client.Set(ctx, s.key(inv.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save invitation: %w", err)
	}

	return nil
}

// Get returns an invitation without resolving it
func (s *InvitationStore) Get(ctx context.Context, id string) (collab.Invitation, bool, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return collab.Invitation{}, false, nil
	}
	if err != nil {
		return collab.Invitation{}, false, fmt.Errorf("get invitation: %w", err)
	}

	var inv collab.Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return collab.Invitation{}, false, fmt.Errorf("unmarshal invitation: %w", err)
	}

	return inv, true, nil
}

// Take removes and returns an invitation. GETDEL makes resolution
// atomic: concurrent accept and reject cannot both observe it.
func (s *InvitationStore) Take(ctx context.Context, id string) (collab.Invitation, bool, error) {
	data, err := s.client.GetDel(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return collab.Invitation{}, false, nil
	}
	if err != nil {
		return collab.Invitation{}, false, fmt.Errorf("take invitation: %w", err)
	}

	var inv collab.Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return collab.Invitation{}, false, fmt.Errorf("unmarshal invitation: %w", err)
	}

	return inv, true, nil
}

// Close closes the underlying Redis client
func (s *InvitationStore) Close() error {
	return s.client.Close()
}
