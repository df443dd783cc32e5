package rpc

import (
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/memory"
	"github.com/redis/go-redis/v9"
)

// memBus delivers published bytes to in-process subscribers. Each
// subscription drains its own queue serially, like a NATS subscription.
type memBus struct {
	mu        sync.Mutex
	subs      map[string][]*memSub
	published []string
	fail      error
	flushes   int
}

type memSub struct {
	bus     *memBus
	subject string
	ch      chan []byte
	once    sync.Once
	done    chan struct{}
}

func newMemBus() *memBus {
	return &memBus{subs: map[string][]*memSub{}}
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.fail != nil {
		err := b.fail
		b.mu.Unlock()
		return &bus.ConnectivityError{Op: "publish", Err: err}
	}
	b.published = append(b.published, subject)
	subs := append([]*memSub(nil), b.subs[subject]...)
	b.mu.Unlock()
	for _, s := range subs {
		cp := append([]byte(nil), data...)
		select {
		case s.ch <- cp:
		case <-s.done:
		}
	}
	return nil
}

func (b *memBus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	return nil
}

func (b *memBus) Subscribe(subject, queue string, handler bus.Handler) (bus.Subscription, error) {
	s := &memSub{bus: b, subject: subject, ch: make(chan []byte, 256), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()
	go func() {
		for {
			select {
			case data := <-s.ch:
				_ = handler(subject, data)
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		list := s.bus.subs[s.subject]
		for i, other := range list {
			if other == s {
				s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (b *memBus) subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

func (b *memBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *memBus) setFail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

func (b *memBus) flushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

func waitSubscribed(t *testing.T, b *memBus, subject string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.subscribers(subject) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber on %s", subject)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newReplyStore(t *testing.T) (*miniredis.Miniredis, *memory.RedisReplyStore) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, memory.NewRedisReplyStore(client, time.Minute)
}

var errBrokerDown = errors.New("broker down")
