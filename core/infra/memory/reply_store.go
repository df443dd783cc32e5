package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/redis/go-redis/v9"
)

const (
	replyKeyPrefix     = "reply:"
	replyReadyPrefix   = "reply-ready:"
	DefaultReplyTTL    = 60 * time.Second
	defaultRedisOpTime = 2 * time.Second
)

var (
	errEmptyID     = errors.New("empty correlation id")
	errStoreClosed = errors.New("reply store closed")
)

// ReplyStore is the mailbox workers write replies into and callers read from.
// Entries are never deleted explicitly; they expire.
type ReplyStore interface {
	PutReply(ctx context.Context, id string, data []byte, ttl time.Duration) error
	// GetReply returns ok=false when no reply has been written yet.
	GetReply(ctx context.Context, id string) ([]byte, bool, error)
	// WaitReply returns a channel that receives a value whenever a reply for id
	// may have been written. The hint can be spurious; callers must re-read.
	// stop releases the underlying subscription.
	WaitReply(ctx context.Context, id string) (hint <-chan struct{}, stop func(), err error)
}

// RedisReplyStore implements ReplyStore on Redis strings plus pub/sub wake-ups.
// All waiters share one pattern subscription, opened on the first WaitReply.
type RedisReplyStore struct {
	client redis.UniversalClient
	ttl    time.Duration

	mu      sync.Mutex
	sub     *redis.PubSub
	waiters map[string]map[chan struct{}]struct{}
	closed  bool
}

// NewRedisReplyStore wraps an existing client. ttl <= 0 selects DefaultReplyTTL.
func NewRedisReplyStore(client redis.UniversalClient, ttl time.Duration) *RedisReplyStore {
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}
	return &RedisReplyStore{client: client, ttl: ttl, waiters: map[string]map[chan struct{}]struct{}{}}
}

// PutReply stores data under the reply key and announces it on the ready
// channel in one round trip. A later write for the same id overwrites.
func (s *RedisReplyStore) PutReply(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return errEmptyID
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	pipe := s.client.Pipeline()
	pipe.Set(cctx, MakeReplyKey(id), data, ttl)
	pipe.Publish(cctx, MakeReadyChannel(id), "1")
	if _, err := pipe.Exec(cctx); err != nil {
		return fmt.Errorf("put reply %s: %w", id, err)
	}
	return nil
}

func (s *RedisReplyStore) GetReply(ctx context.Context, id string) ([]byte, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, errEmptyID
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	val, err := s.client.Get(cctx, MakeReplyKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get reply %s: %w", id, err)
	}
	return val, true, nil
}

// WaitReply registers a waiter for id on the shared subscription. The
// subscription is confirmed by the server before WaitReply returns, so a reply
// published afterwards is never missed.
func (s *RedisReplyStore) WaitReply(ctx context.Context, id string) (<-chan struct{}, func(), error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil, errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.subscribeLocked(ctx); err != nil {
		return nil, nil, err
	}
	hint := make(chan struct{}, 1)
	set := s.waiters[id]
	if set == nil {
		set = map[chan struct{}]struct{}{}
		s.waiters[id] = set
	}
	set[hint] = struct{}{}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if set := s.waiters[id]; set != nil {
				delete(set, hint)
				if len(set) == 0 {
					delete(s.waiters, id)
				}
			}
		})
	}
	return hint, stop, nil
}

func (s *RedisReplyStore) subscribeLocked(ctx context.Context) error {
	if s.closed {
		return errStoreClosed
	}
	if s.sub != nil {
		return nil
	}
	pattern := replyReadyPrefix + "*"
	sub := s.client.PSubscribe(context.Background(), pattern)
	cctx, cancel := opContext(ctx)
	defer cancel()
	if _, err := sub.Receive(cctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	s.sub = sub
	go s.fanout(sub.Channel())
	return nil
}

// fanout wakes every waiter registered for the id a message announces.
// Delivery is best effort; waiters also poll.
func (s *RedisReplyStore) fanout(msgs <-chan *redis.Message) {
	for msg := range msgs {
		id := strings.TrimPrefix(msg.Channel, replyReadyPrefix)
		s.mu.Lock()
		for hint := range s.waiters[id] {
			select {
			case hint <- struct{}{}:
			default:
			}
		}
		s.mu.Unlock()
	}
}

// Waiting reports how many ids currently have a registered waiter.
func (s *RedisReplyStore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Close releases the shared subscription. Later WaitReply calls fail.
func (s *RedisReplyStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Close(); err != nil {
		logging.Debug("memory", "close reply subscription", "error", err)
		return err
	}
	return nil
}

// TTL reports the default lifetime applied to replies.
func (s *RedisReplyStore) TTL() time.Duration {
	return s.ttl
}

// MakeReplyKey constructs the store key for a correlation id.
func MakeReplyKey(id string) string {
	return replyKeyPrefix + id
}

// MakeReadyChannel constructs the pub/sub channel announcing a reply for id.
func MakeReadyChannel(id string) string {
	return replyReadyPrefix + id
}

// opContext bounds a single Redis round trip. It detaches from the caller's
// cancellation so a write that already started is not torn in half.
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTime)
}
