package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const readingTTL = 24 * time.Hour

// StateCache keeps the last telemetry payload per device in redis.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func readingKey(deviceID string) string { return "manifold-hub:device:reading:" + deviceID }

func (c *StateCache) Set(ctx context.Context, deviceID string, readingJSON []byte) error {
	return c.rdb.Set(ctx, readingKey(deviceID), readingJSON, readingTTL).Err()
}

// Get returns nil, nil on a cache miss.
func (c *StateCache) Get(ctx context.Context, deviceID string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, readingKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}
