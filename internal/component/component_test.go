package component

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
)

type fakeBroker struct {
	published []bus.Event
	subs      map[bus.EventType][]bus.Handler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[bus.EventType][]bus.Handler)}
}

func (f *fakeBroker) Publish(evt bus.Event) { f.published = append(f.published, evt) }

func (f *fakeBroker) Subscribe(tag bus.EventType, handler bus.Handler) error {
	f.subs[tag] = append(f.subs[tag], handler)
	return nil
}

func (f *fakeBroker) Unsubscribe(tag bus.EventType, handler bus.Handler) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBasePublishNoBrokerDropsWithoutPanic(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	b.Publish(bus.NewEvent("t", "c1", nil))
}

func TestBasePublishForwardsToBroker(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	fb := newFakeBroker()
	b.Attach(fb)

	evt := bus.NewEvent("t", "c1", nil)
	b.Publish(evt)

	if len(fb.published) != 1 || fb.published[0].Type != "t" {
		t.Fatalf("published = %v, want one event of type t", fb.published)
	}
}

func TestSubscribeToHandlerQueuesBeforeAttach(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	handler := bus.AsyncHandlerFunc(func(ctx context.Context, evt bus.Event) error { return nil })

	b.SubscribeToHandler("a", handler)
	b.SubscribeToHandler("b", handler)

	pending := b.PendingSubscriptions()
	if len(pending) != 2 || pending[0] != "a" || pending[1] != "b" {
		t.Fatalf("pending = %v, want [a b] in order", pending)
	}
}

func TestRegisterPendingSubscriptionsDrainsInOrder(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	handler := bus.AsyncHandlerFunc(func(ctx context.Context, evt bus.Event) error { return nil })

	b.SubscribeToHandler("a", handler)
	b.SubscribeToHandler("b", handler)

	fb := newFakeBroker()
	b.Attach(fb)
	b.RegisterPendingSubscriptions()

	if len(fb.subs["a"]) != 1 || len(fb.subs["b"]) != 1 {
		t.Fatalf("subs = %v, want one handler each for a and b", fb.subs)
	}
	if len(b.PendingSubscriptions()) != 0 {
		t.Error("pending queue should be empty after drain")
	}
}

func TestRegisterPendingSubscriptionsNoopWithoutBroker(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	b.RegisterPendingSubscriptions()
	if len(b.PendingSubscriptions()) != 0 {
		t.Error("should remain empty with nothing queued")
	}
}

func TestRegisterPendingSubscriptionsLeavesPendingIntactWithoutBroker(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	handler := bus.AsyncHandlerFunc(func(ctx context.Context, evt bus.Event) error { return nil })

	b.SubscribeToHandler("a", handler)
	b.RegisterPendingSubscriptions()

	pending := b.PendingSubscriptions()
	if len(pending) != 1 || pending[0] != "a" {
		t.Fatalf("pending = %v, want [a] to remain queued when no broker is attached", pending)
	}
}

func TestSubscribeToHandlerImmediateWhenAttached(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	fb := newFakeBroker()
	b.Attach(fb)

	handler := bus.AsyncHandlerFunc(func(ctx context.Context, evt bus.Event) error { return nil })
	b.SubscribeToHandler("a", handler)

	if len(fb.subs["a"]) != 1 {
		t.Fatalf("subs[a] = %v, want one handler", fb.subs["a"])
	}
	if len(b.PendingSubscriptions()) != 0 {
		t.Error("nothing should be queued when a broker is already attached")
	}
}

func TestDefaultHandleEventReturnsNilAndDoesNotPanic(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	if err := b.HandleEvent(context.Background(), bus.NewEvent("t", "c1", nil)); err != nil {
		t.Errorf("default HandleEvent returned error: %v", err)
	}
}

func TestDefaultStartupShutdownRunAreNoops(t *testing.T) {
	b := NewBase("c1", "testKind", testLogger())
	ctx := context.Background()
	if err := b.Startup(ctx); err != nil {
		t.Errorf("Startup() = %v, want nil", err)
	}
	if err := b.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
	if err := b.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}
