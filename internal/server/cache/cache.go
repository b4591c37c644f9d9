// Package cache is the read-through cache in front of file listings and
// analytics. Entries are JSON encoded so every backend behaves the same.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/config"
)

// Invalidation keys.
const (
	KeyFileList      = "file-list"
	KeyAdminFileList = "admin-file-list"
	KeyAnalytics     = "analytics-summary"
)

// AllKeys is every key a file write can make stale.
var AllKeys = []string{KeyFileList, KeyAdminFileList, KeyAnalytics}

type Cache interface {
	// Get decodes the entry for key into dst and reports whether it was
	// present.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, keys ...string) error
}

// New builds the backend selected by cfg.CacheBackend.
func New(ctx context.Context, cfg *config.Config) (Cache, error) {
	switch cfg.CacheBackend {
	case "memory", "":
		return NewMemoryCache(cfg.CacheTTL), nil
	case "redis":
		return NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// Load returns the cached value for key, calling load and storing its result
// on a miss. Cache failures fall back to load; they never fail the read.
func Load[T any](ctx context.Context, c Cache, key string, load func(context.Context) (T, error)) (T, error) {
	var v T
	if ok, err := c.Get(ctx, key, &v); err == nil && ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	_ = c.Set(ctx, key, v)
	return v, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
