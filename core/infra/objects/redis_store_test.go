package objects

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, NewRedisStore(client)
}

func TestRedisStorePutGetDelete(t *testing.T) {
	srv, store := newTestStore(t)
	ctx := context.Background()
	name := ResultFileName(42)
	if name != "storage/42_result.json" {
		t.Fatalf("unexpected name %s", name)
	}

	content := []byte(`{"best":"acme"}`)
	meta, err := store.Put(ctx, name, content, Metadata{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.Version == "" || meta.SizeBytes != int64(len(content)) {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if srv.TTL(MakeObjectKey(name)) != 0 {
		t.Fatalf("objects should not expire by default")
	}

	got, gotMeta, err := store.Get(ctx, name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(content) || gotMeta.ContentType != "application/json" || gotMeta.Version != meta.Version {
		t.Fatalf("unexpected object %s %+v", got, gotMeta)
	}

	if err := store.Delete(ctx, name); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Delete(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestRedisStoreRejectsEmptyName(t *testing.T) {
	_, store := newTestStore(t)
	if _, err := store.Put(context.Background(), " ", []byte("x"), Metadata{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseDurationEnv(t *testing.T) {
	if got := parseDurationEnv("NOT_SET", 5*time.Second); got != 5*time.Second {
		t.Fatalf("unexpected fallback duration")
	}
	t.Setenv(envObjectTTL, "2s")
	if got := parseDurationEnv(envObjectTTL, 0); got != 2*time.Second {
		t.Fatalf("unexpected parsed duration")
	}
	t.Setenv(envObjectTTL, "bad")
	if got := parseDurationEnv(envObjectTTL, 0); got != 0 {
		t.Fatalf("expected fallback for invalid duration")
	}
}
