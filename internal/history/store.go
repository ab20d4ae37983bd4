// Package history keeps the bounded per-session conversation log that is sent
// to the text-generation capability.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultLimit bounds the context sent to the response generator.
const DefaultLimit = 10

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Store is a bounded, append-only message log per session. When an append
// would exceed the limit the oldest message is dropped.
type Store interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	Clear(ctx context.Context, sessionID string) error
}

// NewStore returns the store for backend ("memory" or "redis"). The returned
// close function releases backend connections.
func NewStore(ctx context.Context, backend, redisURL string, limit int, ttl time.Duration) (Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemoryStore(limit), func() error { return nil }, nil
	case "redis":
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisStore(client, limit, ttl), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", backend)
	}
}

func validate(msg Message) error {
	switch msg.Role {
	case RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("invalid history role %q", msg.Role)
	}
}
