package locks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 10 * time.Second
	defaultWait  = 2 * time.Second
	retryBackoff = 25 * time.Millisecond
)

type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire claims resource for owner. Re-acquiring an owned claim extends it.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release drops owner's claim. It reports false when owner did not hold it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Renew extends owner's claim.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Owner returns the current holder, or "" when unclaimed.
func (s *RedisStore) Owner(ctx context.Context, resource string) (string, error) {
	owner, err := s.client.Get(ctx, lockKey(strings.TrimSpace(resource))).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// WithLocks claims every resource, runs fn and releases them. Resources are
// taken in sorted order so two callers never wait on each other in a cycle.
// A resource still held after the wait window yields ErrHeld.
func WithLocks(ctx context.Context, store Store, owner string, resources []string, fn func() error) error {
	if store == nil {
		return fn()
	}
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)
	held := make([]string, 0, len(sorted))
	defer func() {
		for _, r := range held {
			_, _ = store.Release(context.WithoutCancel(ctx), r, owner)
		}
	}()
	for _, r := range sorted {
		if err := acquireWait(ctx, store, r, owner); err != nil {
			return err
		}
		held = append(held, r)
	}
	return fn()
}

func acquireWait(ctx context.Context, store Store, resource, owner string) error {
	deadline := time.NewTimer(defaultWait)
	defer deadline.Stop()
	for {
		ok, err := store.Acquire(ctx, resource, owner, defaultTTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(retryBackoff):
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrHeld, resource)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func normalize(resource, owner string) (string, string, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func lockKey(resource string) string {
	return "lock:" + resource
}

const acquireScript = `
local current = redis.call("GET", KEYS[1])
if not current or current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", tonumber(ARGV[2]))
  return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
  return 1
end
return 0
`
