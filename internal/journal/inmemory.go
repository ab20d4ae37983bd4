package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerSessionCap = 100

// InMemoryStore keeps the most recent turns of every session in process.
type InMemoryStore struct {
	mu      sync.RWMutex
	cap     int
	records map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{cap: defaultPerSessionCap, records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	if len(arr) > s.cap {
		arr = arr[len(arr)-s.cap:]
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
