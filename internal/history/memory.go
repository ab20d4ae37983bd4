package history

import (
	"context"
	"sync"
)

// MemoryStore keeps histories in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	limit    int
	sessions map[string][]Message
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{limit: limit, sessions: make(map[string][]Message)}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.sessions[sessionID], msg)
	if over := len(msgs) - s.limit; over > 0 {
		msgs = append(msgs[:0:0], msgs[over:]...)
	}
	s.sessions[sessionID] = msgs
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sessions[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
