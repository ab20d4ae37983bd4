package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session id already active")
)

// Session is a snapshot of one client connection's session record.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	Turns          int       `json:"turns"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Registry tracks live sessions. Time is read from an injected clock so idle
// expiry can be driven explicitly through Sweep.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	now         func() time.Time
	onExpire    func(Session)
}

func NewRegistry(idleTimeout time.Duration, now func() time.Time) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		now:         now,
	}
}

// SetExpireHook registers fn to run, outside the registry lock, for every
// session removed by Sweep.
func (r *Registry) SetExpireHook(fn func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Create registers a session. An empty id gets a random one; an id that is
// already live returns ErrDuplicate.
func (r *Registry) Create(id string) (Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return Session{}, ErrDuplicate
	}
	s := &Session{
		ID:             id,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[id] = s
	return *s, nil
}

func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = r.now().UTC()
	return nil
}

// MarkTurn counts one started turn and refreshes activity.
func (r *Registry) MarkTurn(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Turns++
	s.LastActivityAt = r.now().UTC()
	return nil
}

// End removes the session and returns its final snapshot.
func (r *Registry) End(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	delete(r.sessions, id)
	s.Status = StatusEnded
	s.LastActivityAt = r.now().UTC()
	return *s, nil
}

// Sweep removes every session idle for longer than the idle timeout as of now
// and returns them.
func (r *Registry) Sweep(now time.Time) []Session {
	var expired []Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivityAt) <= r.idleTimeout {
			continue
		}
		delete(r.sessions, id)
		s.Status = StatusEnded
		expired = append(expired, *s)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	return expired
}

// StartJanitor sweeps on every interval tick until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.now())
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
