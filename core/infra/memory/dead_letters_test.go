package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDeadLetterStoreCRUD(t *testing.T) {
	_, client := newTestClient(t)
	store := NewDeadLetterStore(client)
	ctx := context.Background()

	if _, err := store.Add(ctx, DeadLetter{}); err == nil {
		t.Fatalf("expected error without subject")
	}
	base := time.Now().UTC()
	first, err := store.Add(ctx, DeadLetter{Subject: "laptop-add-topic", Reason: "decode", CreatedAt: base})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := store.Add(ctx, DeadLetter{Subject: "laptop-add-topic", Reason: "no_request_id", CreatedAt: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != second || list[1].ID != first {
		t.Fatalf("expected newest first, got %+v", list)
	}

	got, err := store.Get(ctx, first)
	if err != nil || got.Reason != "decode" {
		t.Fatalf("get mismatch: %+v %v", got, err)
	}
	if err := store.Delete(ctx, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, first); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Delete(ctx, first); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
	if err := store.Delete(ctx, "never-stored"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("unknown id: expected not found, got %v", err)
	}
}

func TestDeadLetterKeysShareSlot(t *testing.T) {
	srv, client := newTestClient(t)
	store := NewDeadLetterStore(client)
	if _, err := store.Add(context.Background(), DeadLetter{Subject: "laptop-add-topic", Reason: "decode"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	keys := srv.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected entry and index keys, got %v", keys)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "{dead}:") {
			t.Fatalf("key %q outside the dead-letter hash tag", k)
		}
	}
}

func TestDeadLetterRecordDropTruncates(t *testing.T) {
	_, client := newTestClient(t)
	store := NewDeadLetterStore(client)
	ctx := context.Background()

	big := make([]byte, maxDeadLetterBytes+10)
	store.RecordDrop(ctx, "user-get-profile-topic", "r1", "reply_write", big, errors.New("redis down"))

	list, err := store.List(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
	e := list[0]
	if !e.Truncated || len(e.Payload) != maxDeadLetterBytes || e.Error != "redis down" || e.RequestID != "r1" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestRecordDropRedactsCredentials(t *testing.T) {
	_, client := newTestClient(t)
	store := NewDeadLetterStore(client)
	ctx := context.Background()

	store.RecordDrop(ctx, "user-logging-in-topic", "", "no_request_id", []byte(`{"username":"ann","password":"secret1"}`), nil)
	list, err := store.List(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
	if strings.Contains(string(list[0].Payload), "secret1") || !strings.Contains(string(list[0].Payload), "ann") {
		t.Fatalf("unexpected payload %s", list[0].Payload)
	}
}
