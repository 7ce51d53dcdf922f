package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/you-humble/swapbot/internal/domain"
)

type memoryEntry struct {
	state     domain.ConversationState
	expiresAt time.Time
}

// memoryStateStore is the single-process backend: a mutex-guarded map with
// lazy TTL expiry on read. Expired entries read as absent.
type memoryStateStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[int64]memoryEntry
}

func NewMemoryStateStore(ttl time.Duration) *memoryStateStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &memoryStateStore{
		ttl:     ttl,
		entries: make(map[int64]memoryEntry),
	}
}

func (s *memoryStateStore) Get(ctx context.Context, userID int64) (domain.ConversationState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return domain.ConversationState{}, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, userID)
		return domain.ConversationState{}, false, nil
	}

	return e.state, true, nil
}

func (s *memoryStateStore) Set(ctx context.Context, userID int64, st domain.ConversationState) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[userID] = memoryEntry{
		state:     st,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *memoryStateStore) Delete(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, userID)
	return nil
}
