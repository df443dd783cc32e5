package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/metrics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// ReplyReader is the read side of the response store.
type ReplyReader interface {
	GetReply(ctx context.Context, id string) ([]byte, bool, error)
	WaitReply(ctx context.Context, id string) (<-chan struct{}, func(), error)
}

// Gateway turns publish-and-forget into a synchronous call: it publishes a
// request tagged with a fresh correlation id and waits for the worker's reply
// to show up in the response store.
type Gateway struct {
	producers *ProducerFactory
	replies   ReplyReader
	timeout   time.Duration
	poll      time.Duration
	metrics   metrics.RPCMetrics
	newID     func() string
}

type GatewayOption func(*Gateway)

// WithDefaultTimeout sets the wait used when Call receives timeout <= 0.
func WithDefaultTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithPollInterval bounds how long a missed wake-up can delay a reply.
func WithPollInterval(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.poll = d
		}
	}
}

func WithRPCMetrics(m metrics.RPCMetrics) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

func withIDSource(fn func() string) GatewayOption {
	return func(g *Gateway) { g.newID = fn }
}

func NewGateway(producers *ProducerFactory, replies ReplyReader, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		producers: producers,
		replies:   replies,
		timeout:   DefaultTimeout,
		poll:      DefaultPollInterval,
		metrics:   metrics.Noop{},
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call publishes payload on topicKey and waits up to timeout for the reply.
// The reply is returned whatever its status; use Invoke to treat invalid
// replies as errors. The caller's payload map is not modified.
func (g *Gateway) Call(ctx context.Context, topicKey string, payload wire.Message, timeout time.Duration) (*wire.Reply, error) {
	start := time.Now()
	reply, err := g.call(ctx, topicKey, payload, timeout)
	g.metrics.ObserveCall(topicKey, callOutcome(reply, err), time.Since(start).Seconds())
	return reply, err
}

func (g *Gateway) call(ctx context.Context, topicKey string, payload wire.Message, timeout time.Duration) (*wire.Reply, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	if _, err := g.producers.Topics().Resolve(topicKey); err != nil {
		return nil, err
	}
	id := g.newID()
	msg := make(wire.Message, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg[wire.FieldRequestID] = id

	// Subscribe before publishing so a fast worker cannot slip its
	// announcement in ahead of us. Without a hint we still poll.
	hint, stop, err := g.replies.WaitReply(ctx, id)
	if err != nil {
		logging.Warn("rpc", "reply wake-up unavailable, polling only", "topic", topicKey, "request_id", id, "error", err)
		hint, stop = nil, func() {}
	}
	defer stop()

	if err := WithProducer(ctx, g.producers, func(p *Producer) error {
		return p.Send(ctx, topicKey, msg)
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		reply, ok, err := g.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			return reply, nil
		}
		select {
		case <-hint:
		case <-ticker.C:
		case <-timer.C:
			if reply, ok, err := g.fetch(ctx, id); err == nil && ok {
				return reply, nil
			}
			logging.Warn("rpc", "call timed out", "topic", topicKey, "request_id", id, "timeout", timeout)
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, topicKey, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Invoke is Call plus unwrapping: an invalid reply becomes a *ReplyError and a
// valid one is decoded into out when out is non-nil.
func (g *Gateway) Invoke(ctx context.Context, topicKey string, payload wire.Message, out any) error {
	reply, err := g.Call(ctx, topicKey, payload, 0)
	if err != nil {
		return err
	}
	if !reply.Valid() {
		code := reply.Code
		if code == "" {
			code = CodeInvalid
		}
		return &ReplyError{Topic: topicKey, Code: code, Message: reply.Error}
	}
	if out == nil {
		return nil
	}
	if err := reply.Decode(out); err != nil {
		return fmt.Errorf("rpc: decode %s reply: %w", topicKey, err)
	}
	return nil
}

func (g *Gateway) fetch(ctx context.Context, id string) (*wire.Reply, bool, error) {
	data, ok, err := g.replies.GetReply(ctx, id)
	if err != nil {
		return nil, false, bus.Unreachable("read reply", err)
	}
	if !ok {
		return nil, false, nil
	}
	reply, err := wire.DecodeReply(data)
	if err != nil {
		return nil, false, err
	}
	return reply, true, nil
}

func callOutcome(reply *wire.Reply, err error) string {
	switch {
	case err == nil && reply.Valid():
		return "valid"
	case err == nil:
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case bus.IsRetryable(err):
		return "unreachable"
	default:
		return "error"
	}
}
