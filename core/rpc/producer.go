package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/protocol/wire"
	"github.com/sony/gobreaker"
)

const (
	defaultCompressMinSize = 1024
	breakerTripFailures    = 5
	breakerOpenTimeout     = 5 * time.Second
)

var (
	// ErrUnknownTopic is a local misconfiguration and is never retried.
	ErrUnknownTopic  = errors.New("rpc: unknown topic key")
	ErrProducerClose = errors.New("rpc: producer closed")
)

// Publisher is the slice of the bus a producer needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type flusher interface {
	Flush() error
}

// TopicMap maps logical operation keys to physical bus subjects.
type TopicMap map[string]string

// Resolve returns the subject for key or ErrUnknownTopic.
func (m TopicMap) Resolve(key string) (string, error) {
	if name, ok := m[key]; ok && name != "" {
		return name, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, key)
}

// Keys lists the logical keys in stable order.
func (m TopicMap) Keys() []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// ProducerFactory hands out producer handles over one shared bus connection.
type ProducerFactory struct {
	pub         Publisher
	topics      TopicMap
	compressMin int
	breaker     *gobreaker.CircuitBreaker
}

type ProducerOption func(*ProducerFactory)

// WithCompressMin gzips encoded messages at or above n bytes. n <= 0 disables
// compression.
func WithCompressMin(n int) ProducerOption {
	return func(f *ProducerFactory) { f.compressMin = n }
}

func NewProducerFactory(pub Publisher, topics map[string]string, opts ...ProducerOption) *ProducerFactory {
	f := &ProducerFactory{
		pub:         pub,
		topics:      TopicMap(topics),
		compressMin: defaultCompressMinSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus-publish",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("producer", "circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return f
}

// Topics returns the factory's topic table.
func (f *ProducerFactory) Topics() TopicMap {
	return f.topics
}

// Open acquires a producer handle. Callers must Close it; WithProducer does
// that for them.
func (f *ProducerFactory) Open(ctx context.Context) (*Producer, error) {
	if f == nil || f.pub == nil {
		return nil, bus.Unreachable("open producer", errors.New("no bus configured"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Producer{factory: f}, nil
}

// WithProducer opens a producer, runs fn, and closes the producer on every
// exit path including panics. A close error is returned only when fn
// succeeded.
func WithProducer(ctx context.Context, f *ProducerFactory, fn func(*Producer) error) (err error) {
	p, err := f.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(p)
}

// Producer publishes messages to logical topics. It is safe for concurrent
// use until closed.
type Producer struct {
	factory *ProducerFactory
	mu      sync.Mutex
	closed  bool
	sent    int
}

// Send encodes msg and publishes it to the subject resolved from topicKey.
func (p *Producer) Send(ctx context.Context, topicKey string, msg wire.Message) error {
	subject, err := p.factory.topics.Resolve(topicKey)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrProducerClose
	}

	data, err := wire.Encode(msg, false)
	if err != nil {
		return err
	}
	if p.factory.compressMin > 0 && len(data) >= p.factory.compressMin {
		if data, err = wire.Encode(msg, true); err != nil {
			return err
		}
	}

	_, err = p.factory.breaker.Execute(func() (interface{}, error) {
		return nil, p.factory.pub.Publish(subject, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = bus.Unreachable("publish "+subject, err)
	}
	if err != nil {
		if !bus.IsRetryable(err) {
			err = bus.Unreachable("publish "+subject, err)
		}
		logging.Error("producer", "send failed", "topic", topicKey, "subject", subject, "error", err)
		return err
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	logging.Debug("producer", "sent", "topic", topicKey, "subject", subject, "request_id", msg.RequestID(), "bytes", len(data))
	return nil
}

// Close flushes anything this handle published and releases it. Calling
// Close more than once is a no-op.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sent := p.sent
	p.mu.Unlock()
	if sent == 0 {
		return nil
	}
	if fl, ok := p.factory.pub.(flusher); ok {
		if err := fl.Flush(); err != nil {
			return err
		}
	}
	return nil
}
