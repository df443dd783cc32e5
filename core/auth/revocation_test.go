package auth

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRevocations(t *testing.T) (*miniredis.Miniredis, *RevocationList) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, NewRevocationList(client)
}

func TestRevocationList(t *testing.T) {
	srv, list := newRevocations(t)
	ctx := context.Background()
	if revoked, err := list.IsRevoked(ctx, "j1"); err != nil || revoked {
		t.Fatalf("expected not revoked, got %v %v", revoked, err)
	}
	if err := list.Revoke(ctx, "j1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := list.IsRevoked(ctx, "j1"); !revoked {
		t.Fatalf("expected revoked")
	}
	if ttl := srv.TTL(revokedKeyPrefix + "j1"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	srv.FastForward(2 * time.Hour)
	if revoked, _ := list.IsRevoked(ctx, "j1"); revoked {
		t.Fatalf("entry should expire with the token")
	}
	if err := list.Revoke(ctx, "old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("revoke expired: %v", err)
	}
	if srv.Exists(revokedKeyPrefix + "old") {
		t.Fatalf("expired tokens need no entry")
	}
}
