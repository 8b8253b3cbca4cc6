package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pending is a check-in interrupted by a session end, kept until the next login
type Pending struct {
	Code    string    `json:"code"`
	Club    string    `json:"club,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// PendingStore holds at most one pending check-in. Take is one-time use.
type PendingStore interface {
	Save(ctx context.Context, p Pending) error
	Take(ctx context.Context) (*Pending, error)
}

// RedisPendingStore keeps the pending check-in in redis with a TTL
type RedisPendingStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisPendingStore creates a pending store; entries expire after ttl
func NewRedisPendingStore(client *redis.Client, prefix string, ttl time.Duration) *RedisPendingStore {
	if prefix == "" {
		prefix = "hanssup"
	}
	return &RedisPendingStore{
		client: client,
		key:    prefix + ":pending_checkin",
		ttl:    ttl,
	}
}

// Save replaces the pending check-in
func (s *RedisPendingStore) Save(ctx context.Context, p Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending check-in: %w", err)
	}

	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending check-in: %w", err)
	}
	return nil
}

// Take returns and deletes the pending check-in, or nil when there is none
func (s *RedisPendingStore) Take(ctx context.Context) (*Pending, error) {
	data, err := s.client.GetDel(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending check-in: %w", err)
	}

	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending check-in: %w", err)
	}
	return &p, nil
}

// MemoryPendingStore keeps the pending check-in in process memory
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending *Pending
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryPendingStore creates an in-memory pending store; ttl <= 0 never expires
func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	return &MemoryPendingStore{ttl: ttl, now: time.Now}
}

// Save replaces the pending check-in
func (s *MemoryPendingStore) Save(_ context.Context, p Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &p
	return nil
}

// Take returns and deletes the pending check-in, or nil when there is none
func (s *MemoryPendingStore) Take(_ context.Context) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	s.pending = nil
	if p == nil {
		return nil, nil
	}
	if s.ttl > 0 && s.now().Sub(p.SavedAt) > s.ttl {
		return nil, nil
	}
	return p, nil
}
