package objects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	objectPrefix = "obj:"
	metaPrefix   = "obj:meta:"
	envObjectTTL = "OBJECT_TTL"
)

// RedisStore implements Store on Redis strings. Content and metadata are
// written together.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps client. Objects never expire unless OBJECT_TTL is set.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, ttl: parseDurationEnv(envObjectTTL, 0)}
}

func (s *RedisStore) Put(ctx context.Context, name string, content []byte, meta Metadata) (Metadata, error) {
	if s == nil || s.client == nil {
		return Metadata{}, fmt.Errorf("object store unavailable")
	}
	if strings.TrimSpace(name) == "" {
		return Metadata{}, errors.New("objects: empty name")
	}
	meta.SizeBytes = int64(len(content))
	meta.Version = uuid.NewString()
	meta.StoredAt = time.Now().UTC()
	payload, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("marshal metadata: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, MakeObjectKey(name), content, s.ttl)
	pipe.Set(ctx, metaPrefix+name, payload, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *RedisStore) Get(ctx context.Context, name string) ([]byte, Metadata, error) {
	if s == nil || s.client == nil {
		return nil, Metadata{}, fmt.Errorf("object store unavailable")
	}
	pipe := s.client.Pipeline()
	contentCmd := pipe.Get(ctx, MakeObjectKey(name))
	metaCmd := pipe.Get(ctx, metaPrefix+name)
	_, _ = pipe.Exec(ctx)

	content, err := contentCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Metadata{}, ErrNotFound
	}
	if err != nil {
		return nil, Metadata{}, err
	}
	var meta Metadata
	if data, err := metaCmd.Bytes(); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	return content, meta, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("object store unavailable")
	}
	n, err := s.client.Del(ctx, MakeObjectKey(name), metaPrefix+name).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MakeObjectKey constructs the redis key for an object name.
func MakeObjectKey(name string) string {
	return objectPrefix + name
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
