package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:"

// RevocationList remembers refresh tokens invalidated by logout until they
// would have expired anyway.
type RevocationList struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRevocationList(client redis.UniversalClient) *RevocationList {
	return &RevocationList{client: client, now: time.Now}
}

// Revoke marks the token id as revoked until expiresAt. Already expired
// tokens are ignored.
func (l *RevocationList) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if l == nil || jti == "" {
		return nil
	}
	ttl := expiresAt.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	return l.client.Set(ctx, revokedKeyPrefix+jti, "1", ttl).Err()
}

func (l *RevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if l == nil || jti == "" {
		return false, nil
	}
	err := l.client.Get(ctx, revokedKeyPrefix+jti).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
