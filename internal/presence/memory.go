package presence

import (
	"context"
	"sync"
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"go.uber.org/zap"
)

// MemoryStore implements Store using in-memory storage
type MemoryStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	users  map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory presence store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger.Named("presence.store.memory"),
		users:  make(map[string]Record),
	}
}

// Upsert implements Store.Upsert
func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.users[rec.UserID]; ok && prev.LastSeen.After(rec.LastSeen) {
		// stale write, keep the newer record
		return nil
	}
	s.users[rec.UserID] = rec
	return nil
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[userID]
	if !ok {
		return Record{}, cnst.ErrPresenceNotFound
	}
	return rec, nil
}

// ListActive implements Store.ListActive
func (s *MemoryStore) ListActive(_ context.Context, ttl time.Duration) ([]Record, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]Record, 0, len(s.users))
	for _, rec := range s.users {
		if !rec.Stale(ttl, now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Remove implements Store.Remove
func (s *MemoryStore) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

// RemoveStale implements Store.RemoveStale
func (s *MemoryStore) RemoveStale(_ context.Context, ttl time.Duration) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.users {
		if rec.Stale(ttl, now) {
			delete(s.users, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("removed stale presence records", zap.Int("count", removed))
	}
	return removed, nil
}

// Len implements Store.Len
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

// Clear implements Store.Clear
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]Record)
	return nil
}
