package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/laptopdesk/backplane/core/protocol/wire"
)

type memReplies struct {
	data map[string][]byte
	err  error
}

func (m *memReplies) PutReply(_ context.Context, id string, data []byte, _ time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[id] = data
	return nil
}

func (m *memReplies) reply(t *testing.T, id string) *wire.Reply {
	t.Helper()
	raw, ok := m.data[id]
	if !ok {
		t.Fatalf("no reply for %s", id)
	}
	r, err := wire.DecodeReply(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return r
}

func newTestDispatcher(t *testing.T, replies *memReplies, handlers map[string]HandlerFunc) *Dispatcher {
	t.Helper()
	d := NewDispatcher(newMemBus(), replies, testTopics)
	for key, h := range handlers {
		if err := d.Handle(key, h); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	return d
}

func TestDispatcherAcceptsAllWireShapes(t *testing.T) {
	replies := &memReplies{}
	d := newTestDispatcher(t, replies, map[string]HandlerFunc{"echo": echoHandler})

	object := []byte(`{"request_id":"a","n":1}`)
	quoted, _ := json.Marshal(`{"request_id":"b","n":2}`)
	zipped, _ := wire.Encode(wire.Message{"request_id": "c", "n": 3}, true)

	for id, raw := range map[string][]byte{"a": object, "b": quoted, "c": zipped} {
		if state := d.Process(context.Background(), "echo-topic", raw); state != StateReplied {
			t.Fatalf("%s: expected replied, got %s", id, state)
		}
		r := replies.reply(t, id)
		if !r.Valid() || r.RequestID != id {
			t.Fatalf("%s: unexpected reply %+v", id, r)
		}
	}
}

func TestDispatcherDropsUndecodableAndAnonymousMessages(t *testing.T) {
	replies := &memReplies{}
	d := newTestDispatcher(t, replies, map[string]HandlerFunc{"echo": echoHandler})
	if state := d.Process(context.Background(), "echo-topic", []byte("not json")); state != StateDropped {
		t.Fatalf("expected dropped, got %s", state)
	}
	if state := d.Process(context.Background(), "echo-topic", []byte(`{"n":1}`)); state != StateDropped {
		t.Fatalf("expected dropped, got %s", state)
	}
	if len(replies.data) != 0 {
		t.Fatalf("no reply can be written without an id")
	}
}

func TestDispatcherConvertsFailuresToInvalidReplies(t *testing.T) {
	replies := &memReplies{}
	d := newTestDispatcher(t, replies, map[string]HandlerFunc{
		"echo": func(ctx context.Context, req Request) Result {
			return Fail(Conflict("email already taken"))
		},
		"never": func(ctx context.Context, req Request) Result {
			panic("nil map write")
		},
	})

	if state := d.Process(context.Background(), "echo-topic", []byte(`{"request_id":"f1"}`)); state != StateReplied {
		t.Fatalf("expected replied, got %s", state)
	}
	r := replies.reply(t, "f1")
	if r.Status != wire.StatusInvalid || r.Code != CodeConflict || r.Error != "email already taken" {
		t.Fatalf("unexpected reply %+v", r)
	}

	if state := d.Process(context.Background(), "never-topic", []byte(`{"request_id":"p1"}`)); state != StateReplied {
		t.Fatalf("expected replied after panic, got %s", state)
	}
	r = replies.reply(t, "p1")
	if r.Status != wire.StatusInvalid || r.Code != CodeInternal {
		t.Fatalf("unexpected panic reply %+v", r)
	}
}

func TestDispatcherPlainErrorsAreInternal(t *testing.T) {
	replies := &memReplies{}
	d := newTestDispatcher(t, replies, map[string]HandlerFunc{
		"echo": func(ctx context.Context, req Request) Result { return Fail(errors.New("db gone")) },
	})
	d.Process(context.Background(), "echo-topic", []byte(`{"request_id":"e"}`))
	if r := replies.reply(t, "e"); r.Code != CodeInternal || r.Status != wire.StatusInvalid {
		t.Fatalf("unexpected reply %+v", r)
	}
}

func TestDispatcherRepliesForUnregisteredSubject(t *testing.T) {
	replies := &memReplies{}
	d := newTestDispatcher(t, replies, map[string]HandlerFunc{"echo": echoHandler})
	if state := d.Process(context.Background(), "other-topic", []byte(`{"request_id":"u"}`)); state != StateReplied {
		t.Fatalf("expected replied, got %s", state)
	}
	if r := replies.reply(t, "u"); r.Valid() {
		t.Fatalf("expected invalid reply")
	}
}

func TestDispatcherReplyWriteFailureIsDropped(t *testing.T) {
	replies := &memReplies{err: errors.New("redis down")}
	d := newTestDispatcher(t, replies, map[string]HandlerFunc{"echo": echoHandler})
	if state := d.Process(context.Background(), "echo-topic", []byte(`{"request_id":"w"}`)); state != StateDropped {
		t.Fatalf("expected dropped, got %s", state)
	}
}

type dropLog struct {
	reasons []string
	ids     []string
}

func (l *dropLog) RecordDrop(_ context.Context, _, requestID, reason string, _ []byte, _ error) {
	l.reasons = append(l.reasons, reason)
	l.ids = append(l.ids, requestID)
}

func TestDispatcherRecordsDrops(t *testing.T) {
	drops := &dropLog{}
	d := NewDispatcher(newMemBus(), &memReplies{err: errors.New("redis down")}, testTopics, WithDropRecorder(drops))
	if err := d.Handle("echo", echoHandler); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ctx := context.Background()
	d.Process(ctx, "echo-topic", []byte("not json"))
	d.Process(ctx, "echo-topic", []byte(`{"n":1}`))
	d.Process(ctx, "echo-topic", []byte(`{"request_id":"w"}`))

	want := []string{"decode", "no_request_id", "reply_write"}
	if len(drops.reasons) != len(want) {
		t.Fatalf("expected %v, got %v", want, drops.reasons)
	}
	for i := range want {
		if drops.reasons[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, drops.reasons)
		}
	}
	if drops.ids[2] != "w" {
		t.Fatalf("expected request id on reply-write drop, got %q", drops.ids[2])
	}
}

func TestDispatcherRegistration(t *testing.T) {
	d := NewDispatcher(newMemBus(), &memReplies{}, testTopics)
	if err := d.Handle("missing", echoHandler); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected unknown topic, got %v", err)
	}
	if err := d.Handle("echo", nil); err == nil {
		t.Fatalf("expected nil handler error")
	}
	if err := d.Handle("echo", echoHandler); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := d.Handle("echo", echoHandler); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := NewDispatcher(newMemBus(), &memReplies{}, testTopics).Run(context.Background()); err == nil {
		t.Fatalf("expected error running without handlers")
	}
}

func TestDispatcherRunUnsubscribesOnCancel(t *testing.T) {
	b := newMemBus()
	d := NewDispatcher(b, &memReplies{}, testTopics, WithQueue("workers"))
	_ = d.Handle("echo", echoHandler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitSubscribed(t, b, "echo-topic")
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	if b.subscribers("echo-topic") != 0 {
		t.Fatalf("expected subscriptions released")
	}
}
