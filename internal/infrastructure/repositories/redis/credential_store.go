package redis

import (
	"context"
	"fmt"

	"ticketdesk/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// CredentialStore keeps session entries in Redis so several processes on a
// workstation (or a shared kiosk) see the same session.
type CredentialStore struct {
	client *redis.Client
	prefix string
}

func NewCredentialStore(client *redis.Client, prefix string) *CredentialStore {
	return &CredentialStore{
		client: client,
		prefix: prefix,
	}
}

func (s *CredentialStore) key(k string) string {
	return s.prefix + k
}

func (s *CredentialStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", domain.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return value, nil
}

func (s *CredentialStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

// Delete removes all keys in one round trip.
func (s *CredentialStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete credentials from Redis: %w", err)
	}
	return nil
}
