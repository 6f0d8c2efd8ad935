// Package checkpoint persists the supervisor's last resume token so a
// restarted ingest process can ask the feed to replay from where it left
// off instead of from the feed's full look-back window.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store loads and saves a resume token. Save is called after every acked
// publish, so implementations must be cheap.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
}

// Disabled is the no-op store used when no Redis address is configured.
type Disabled struct{}

func (Disabled) Load(context.Context) (string, error) { return "", nil }
func (Disabled) Save(context.Context, string) error   { return nil }

type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, appName string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    fmt.Sprintf("%s:resume_token", appName),
	}
}

func (s *RedisStore) Load(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load resume token: %w", err)
	}
	return token, nil
}

func (s *RedisStore) Save(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.client.Set(ctx, s.key, token, 0).Err(); err != nil {
		return fmt.Errorf("save resume token: %w", err)
	}
	return nil
}
