// Package locks provides short-lived exclusive claims on named resources,
// shared by every worker replica through Redis.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned when a resource stays claimed past the wait window.
var ErrHeld = errors.New("locks: resource held")

// Store manages exclusive resource claims.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Owner(ctx context.Context, resource string) (string, error)
}
