package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPushEnvelope_DecodeEvent(t *testing.T) {
	// data is base64("{\"cursor\": 42, \"mailbox\": \"inbox@example.com\"}"),
	// handled by encoding/json via the []byte field.
	raw := `{
		"message": {
			"data": "eyJjdXJzb3IiOiA0MiwgIm1haWxib3giOiAiaW5ib3hAZXhhbXBsZS5jb20ifQ==",
			"messageId": "m-1",
			"publishTime": "2026-01-02T03:04:05Z"
		},
		"subscription": "projects/p/subscriptions/s"
	}`

	var env PushEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	ev, err := env.DecodeEvent()
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Cursor != 42 {
		t.Errorf("expected cursor 42, got %d", ev.Cursor)
	}
	if ev.Mailbox != "inbox@example.com" {
		t.Errorf("expected mailbox, got %q", ev.Mailbox)
	}
}

func TestPushEnvelope_DecodeEvent_MissingData(t *testing.T) {
	var env PushEnvelope
	if _, err := env.DecodeEvent(); !errors.Is(err, ErrMissingCursor) {
		t.Errorf("expected ErrMissingCursor, got %v", err)
	}
}

func TestPushEnvelope_DecodeEvent_MissingCursor(t *testing.T) {
	var env PushEnvelope
	env.Message.Data = []byte(`{"mailbox": "inbox@example.com"}`)
	if _, err := env.DecodeEvent(); !errors.Is(err, ErrMissingCursor) {
		t.Errorf("expected ErrMissingCursor, got %v", err)
	}
}

func TestPushEnvelope_DecodeEvent_MalformedData(t *testing.T) {
	var env PushEnvelope
	env.Message.Data = []byte(`not json`)
	if _, err := env.DecodeEvent(); err == nil {
		t.Error("expected error for malformed data")
	}
}

func TestNotification_CompleteIsOneShot(t *testing.T) {
	n := NewNotification(ChangeEvent{Cursor: 1}, "m", time.Now())

	n.Complete(Outcome{Status: StatusResolved})
	// A second Complete must not block or panic.
	n.Complete(Outcome{Status: StatusStale})

	o := <-n.Done()
	if o.Status != StatusResolved {
		t.Errorf("expected first outcome to win, got %q", o.Status)
	}

	select {
	case o := <-n.Done():
		t.Errorf("unexpected second outcome %q", o.Status)
	default:
	}
}

func TestNotification_CompleteWithoutWaiterDoesNotBlock(t *testing.T) {
	n := NewNotification(ChangeEvent{Cursor: 1}, "m", time.Now())
	done := make(chan struct{})
	go func() {
		n.Complete(Outcome{Status: StatusResolved})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Complete blocked with no waiter")
	}
}
