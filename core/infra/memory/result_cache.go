package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix  = "cache:"
	DefaultCacheTTL = 60 * time.Second
)

// ResultCache memoizes expensive read results (admin listings, searches) for
// a short fixed window.
type ResultCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewResultCache(client redis.UniversalClient, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{client: client, ttl: ttl}
}

// CacheKey joins a name and its parameters into a single key, e.g.
// "cache:admin_get_all_users:0:20".
func CacheKey(name string, params ...any) string {
	var b strings.Builder
	b.WriteString(cacheKeyPrefix)
	b.WriteString(name)
	for _, p := range params {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	val, err := c.client.Get(cctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *ResultCache) Set(ctx context.Context, key string, data []byte) error {
	cctx, cancel := opContext(ctx)
	defer cancel()
	return c.client.Set(cctx, key, data, c.ttl).Err()
}

// Remember returns the cached value for key, or computes it with fill and
// stores it. Cache failures degrade to calling fill; they never fail the read.
func (c *ResultCache) Remember(ctx context.Context, key string, fill func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return fill(ctx)
	}
	if val, ok, err := c.Get(ctx, key); err != nil {
		logging.Warn("cache", "read failed", "key", key, "error", err)
	} else if ok {
		return val, nil
	}
	val, err := fill(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, val); err != nil {
		logging.Warn("cache", "write failed", "key", key, "error", err)
	}
	return val, nil
}
