package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/metrics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
)

// State is the position of one message in the dispatch pipeline.
type State string

const (
	StateReceived     State = "received"
	StateDeserialized State = "deserialized"
	StateDispatched   State = "dispatched"
	StateHandled      State = "handled"
	StateReplied      State = "replied"
	// StateDropped ends a message that could not be replied to.
	StateDropped State = "dropped"
)

var transitions = map[State]State{
	StateReceived:     StateDeserialized,
	StateDeserialized: StateDispatched,
	StateDispatched:   StateHandled,
	StateHandled:      StateReplied,
}

// Subscriber is the slice of the bus a dispatcher needs.
type Subscriber interface {
	Subscribe(subject, queue string, handler bus.Handler) (bus.Subscription, error)
}

// ReplyWriter is the write side of the response store.
type ReplyWriter interface {
	PutReply(ctx context.Context, id string, data []byte, ttl time.Duration) error
}

// DropRecorder keeps messages the dispatcher could not answer.
type DropRecorder interface {
	RecordDrop(ctx context.Context, subject, requestID, reason string, data []byte, cause error)
}

// Request is one decoded inbound message.
type Request struct {
	// Topic is the logical operation key.
	Topic   string
	ID      string
	Message wire.Message
}

// Result is what a handler hands back. A non-nil Err produces an invalid
// reply; it is never propagated past the dispatcher.
type Result struct {
	Payload any
	Err     error
}

func OK(payload any) Result { return Result{Payload: payload} }

func Fail(err error) Result { return Result{Err: err} }

type HandlerFunc func(ctx context.Context, req Request) Result

// Dispatcher consumes a fixed topic set and always answers every message that
// carries a correlation id.
type Dispatcher struct {
	sub      Subscriber
	replies  ReplyWriter
	topics   TopicMap
	queue    string
	ttl      time.Duration
	metrics  metrics.DispatchMetrics
	drops    DropRecorder
	mu       sync.RWMutex
	handlers map[string]registration
}

type registration struct {
	key     string
	handler HandlerFunc
}

type DispatcherOption func(*Dispatcher)

// WithQueue sets the queue group so several worker processes share the load.
func WithQueue(queue string) DispatcherOption {
	return func(d *Dispatcher) { d.queue = queue }
}

func WithReplyTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.ttl = ttl }
}

func WithDispatchMetrics(m metrics.DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithDropRecorder keeps a copy of every dropped message.
func WithDropRecorder(r DropRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.drops = r }
}

func NewDispatcher(sub Subscriber, replies ReplyWriter, topics map[string]string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sub:      sub,
		replies:  replies,
		topics:   TopicMap(topics),
		metrics:  metrics.Noop{},
		handlers: map[string]registration{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers h for a logical topic key.
func (d *Dispatcher) Handle(topicKey string, h HandlerFunc) error {
	subject, err := d.topics.Resolve(topicKey)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("rpc: nil handler for %s", topicKey)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[subject]; dup {
		return fmt.Errorf("rpc: duplicate handler for %s", topicKey)
	}
	d.handlers[subject] = registration{key: topicKey, handler: h}
	return nil
}

// Subjects lists the physical subjects with a registered handler.
func (d *Dispatcher) Subjects() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for subject := range d.handlers {
		out = append(out, subject)
	}
	return out
}

// Run subscribes to every registered subject and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	subjects := d.Subjects()
	if len(subjects) == 0 {
		return errors.New("rpc: dispatcher has no handlers")
	}
	subs := make([]bus.Subscription, 0, len(subjects))
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	for _, subject := range subjects {
		s, err := d.sub.Subscribe(subject, d.queue, func(subject string, data []byte) error {
			d.Process(ctx, subject, data)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, s)
		logging.Info("dispatcher", "subscribed", "subject", subject, "queue", d.queue)
	}
	<-ctx.Done()
	return nil
}

// Process walks one message through the pipeline and returns the state it
// ended in.
func (d *Dispatcher) Process(ctx context.Context, subject string, data []byte) State {
	state := StateReceived
	advance := func(to State) {
		if transitions[state] != to {
			panic(fmt.Sprintf("rpc: illegal transition %s -> %s", state, to))
		}
		state = to
		logging.Debug("dispatcher", "state", "subject", subject, "state", string(state))
	}
	d.metrics.IncReceived(subject)

	msg, err := wire.Decode(data)
	if err != nil {
		logging.Error("dispatcher", "dropping undecodable message", "subject", subject, "error", err)
		return d.drop(ctx, subject, "", "decode", data, err)
	}
	id := msg.RequestID()
	if id == "" {
		logging.Error("dispatcher", "dropping message without request_id", "subject", subject)
		return d.drop(ctx, subject, "", "no_request_id", data, nil)
	}
	advance(StateDeserialized)

	d.mu.RLock()
	reg, ok := d.handlers[subject]
	d.mu.RUnlock()
	advance(StateDispatched)

	var res Result
	if !ok {
		res = Fail(Invalid(CodeInvalid, "no handler for %s", subject))
	} else {
		res = d.invoke(ctx, reg, Request{Topic: reg.key, ID: id, Message: msg})
	}
	advance(StateHandled)

	reply := buildReply(id, res)
	if res.Err != nil {
		logging.Warn("dispatcher", "handler failed", "subject", subject, "request_id", id, "error", res.Err)
	}
	encoded, err := wire.EncodeReply(reply)
	if err != nil {
		// Payload not serializable; still answer so the caller does not hang.
		reply = buildReply(id, Fail(Invalid(CodeInternal, "unencodable reply")))
		encoded, _ = wire.EncodeReply(reply)
	}
	if err := d.replies.PutReply(ctx, id, encoded, d.ttl); err != nil {
		logging.Error("dispatcher", "reply write failed", "subject", subject, "request_id", id, "error", err)
		return d.drop(ctx, subject, id, "reply_write", data, err)
	}
	advance(StateReplied)
	d.metrics.IncReplied(subject, reply.Status)
	return state
}

func (d *Dispatcher) drop(ctx context.Context, subject, id, reason string, data []byte, cause error) State {
	d.metrics.IncDropped(subject, reason)
	if d.drops != nil {
		d.drops.RecordDrop(context.WithoutCancel(ctx), subject, id, reason, data, cause)
	}
	return StateDropped
}

func (d *Dispatcher) invoke(ctx context.Context, reg registration, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("dispatcher", "handler panic", "topic", reg.key, "request_id", req.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = Fail(Invalid(CodeInternal, "internal error"))
		}
	}()
	return reg.handler(ctx, req)
}

func buildReply(id string, res Result) *wire.Reply {
	if res.Err == nil {
		return &wire.Reply{RequestID: id, Status: wire.StatusValid, Payload: res.Payload}
	}
	code := ReplyCode(res.Err)
	msg := res.Err.Error()
	var re *ReplyError
	if errors.As(res.Err, &re) {
		msg = re.Message
	}
	if code == "" {
		code = CodeInternal
	}
	return &wire.Reply{RequestID: id, Status: wire.StatusInvalid, Error: msg, Code: code, Payload: res.Payload}
}
