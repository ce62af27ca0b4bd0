// Package cache provides the short-lived key/value store used for
// authenticated session lookups, in memory or backed by Redis.
package cache

import (
	"context"
	"strings"
	"time"
)

// Store is a TTL key/value cache.
type Store interface {
	// Get returns the value and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// New returns a Redis store when redisURL is set, otherwise an in-memory one.
func New(redisURL string) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemory(), nil
	}
	return NewRedisFromURL(redisURL)
}
