package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/verifid/kyc-service/pkg/redis"
)

// Manager handles caching operations with JSON serialization.
type Manager struct {
	redis *redisclient.Client
}

// NewManager creates a new cache manager.
func NewManager(redis *redisclient.Client) *Manager {
	return &Manager{redis: redis}
}

// Get retrieves a cached value and unmarshals it into result.
func (m *Manager) Get(ctx context.Context, key string, result interface{}) error {
	data, err := m.redis.GetString(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), result)
}

// Set marshals and caches a value with expiration.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return m.redis.SetWithExpiration(ctx, key, string(data), ttl)
}

// Delete removes keys from the cache.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	return m.redis.Delete(ctx, keys...)
}
