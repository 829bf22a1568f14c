package presence

import (
	"context"
	"sync"
	"time"
)

// memoryStore is an in-process Store for single-node deployments and tests.
type memoryStore struct {
	mu     sync.RWMutex
	online map[string]time.Time // user id -> expiry
}

// NewMemoryStore creates an in-memory presence store.
func NewMemoryStore() Store {
	return &memoryStore{online: make(map[string]time.Time)}
}

func (s *memoryStore) MarkOnline(ctx context.Context, userID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = time.Now().Add(ttl)
	return nil
}

func (s *memoryStore) MarkOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userID)
	return nil
}

func (s *memoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.online[userID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expiry), nil
}

func (s *memoryStore) PublishUpdate(ctx context.Context, userID string, online bool) error {
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
