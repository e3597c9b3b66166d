package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kassomat/payoutd/pkg/bus"
)

// fakeBus records every Publish call and answers nil for Subscribe/Close,
// since the dispatcher tests drive Handle directly rather than through a
// live subscription.
type fakeBus struct {
	mu        sync.Mutex
	published []bus.Message
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, bus.Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, topics ...string) (<-chan bus.Message, error) {
	ch := make(chan bus.Message)
	return ch, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) last(t *testing.T) map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.published) == 0 {
		t.Fatal("no message published")
	}
	var m map[string]any
	if err := json.Unmarshal(b.published[len(b.published)-1].Payload, &m); err != nil {
		t.Fatalf("unmarshal published response: %v", err)
	}
	return m
}

func newTestDispatcher(fb *fakeBus) *Dispatcher {
	side := &Side{
		Name:          "hopper",
		RequestTopic:  "hopper-request",
		ResponseTopic: "hopper-response",
		EventTopic:    "hopper-event",
		Device:        nil, // hardware unavailable, as for a till with no hopper installed
	}
	return New(fb, []*Side{side}, nil, zerolog.Nop())
}

func TestHandleMalformedJSONReportsLine(t *testing.T) {
	fb := &fakeBus{}
	d := newTestDispatcher(fb)
	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte("{\n  not json")})

	resp := fb.last(t)
	if resp["error"] != "could not parse json" {
		t.Fatalf("error = %v, want 'could not parse json'", resp["error"])
	}
	if _, ok := resp["line"]; !ok {
		t.Fatalf("response missing line field: %+v", resp)
	}
}

func TestHandleMissingMsgID(t *testing.T) {
	fb := &fakeBus{}
	d := newTestDispatcher(fb)
	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte(`{"cmd":"enable"}`)})

	resp := fb.last(t)
	if resp["error"] != "Property 'msgId' missing or of wrong type" {
		t.Fatalf("error = %v", resp["error"])
	}
	if _, ok := resp["correlId"]; ok {
		t.Fatalf("response must not have correlId when msgId itself is missing: %+v", resp)
	}
}

func TestHandleMissingCmd(t *testing.T) {
	fb := &fakeBus{}
	d := newTestDispatcher(fb)
	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte(`{"msgId":"abc"}`)})

	resp := fb.last(t)
	if resp["error"] != "Property 'cmd' missing or of wrong type" {
		t.Fatalf("error = %v", resp["error"])
	}
	if resp["correlId"] != "abc" {
		t.Fatalf("correlId = %v, want abc", resp["correlId"])
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	fb := &fakeBus{}
	d := newTestDispatcher(fb)
	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte(`{"msgId":"1","cmd":"do-a-backflip"}`)})

	resp := fb.last(t)
	if resp["error"] != "unknown command" {
		t.Fatalf("error = %v, want 'unknown command'", resp["error"])
	}
	if resp["cmd"] != "do-a-backflip" {
		t.Fatalf("cmd echo = %v", resp["cmd"])
	}
}

func TestHandleHardwareUnavailable(t *testing.T) {
	fb := &fakeBus{}
	d := newTestDispatcher(fb)
	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte(`{"msgId":"1","cmd":"enable"}`)})

	resp := fb.last(t)
	if resp["error"] != "hardware unavailable" {
		t.Fatalf("error = %v, want 'hardware unavailable'", resp["error"])
	}
}

func TestHandleTestAndQuitDoNotNeedHardware(t *testing.T) {
	fb := &fakeBus{}
	quit := make(chan struct{})
	side := &Side{Name: "hopper", RequestTopic: "hopper-request", ResponseTopic: "hopper-response", EventTopic: "hopper-event"}
	d := New(fb, []*Side{side}, func() { close(quit) }, zerolog.Nop())

	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte(`{"msgId":"1","cmd":"test"}`)})
	if resp := fb.last(t); resp["result"] != "ok" {
		t.Fatalf("test command result = %v, want ok", resp["result"])
	}

	d.Handle(context.Background(), bus.Message{Topic: "hopper-request", Payload: []byte(`{"msgId":"2","cmd":"quit"}`)})
	select {
	case <-quit:
	case <-time.After(time.Second):
		t.Fatal("quit hook was not invoked")
	}
}

func TestHandleIgnoresMetacashTopic(t *testing.T) {
	fb := &fakeBus{}
	d := newTestDispatcher(fb)
	d.Handle(context.Background(), bus.Message{Topic: "metacash", Payload: []byte(`{"msgId":"1","cmd":"enable"}`)})

	fb.mu.Lock()
	n := len(fb.published)
	fb.mu.Unlock()
	if n != 0 {
		t.Fatalf("metacash topic must be a no-op, got %d published messages", n)
	}
}
