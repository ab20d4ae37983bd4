package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "voicegate:history:"

// RedisStore keeps each history as a capped Redis list so several gateway
// replicas can serve the same deployment.
type RedisStore struct {
	client redis.UniversalClient
	limit  int
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, limit int, ttl time.Duration) *RedisStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisStore{client: client, limit: limit, ttl: ttl}
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + sessionID
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, raw)
		p.LTrim(ctx, key, int64(-s.limit), -1)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	items, err := s.client.LRange(ctx, redisKeyPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
