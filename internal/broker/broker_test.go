package broker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/registry"
)

const testEvent bus.EventType = "test_event"
const anotherEvent bus.EventType = "another_event"

func testLoggerTo(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type recordingSubscriber struct {
	*component.Base
	mu       sync.Mutex
	received []bus.Event
}

func newRecordingSubscriber(id string, logger *slog.Logger) *recordingSubscriber {
	return &recordingSubscriber{Base: component.NewBase(id, "recordingSubscriber", logger)}
}

func (s *recordingSubscriber) HandleEvent(ctx context.Context, evt bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, evt)
	return nil
}

func (s *recordingSubscriber) SubscribeTo(tag bus.EventType) {
	s.SubscribeToHandler(tag, bus.AsyncHandlerFunc(s.HandleEvent))
}

func (s *recordingSubscriber) snapshot() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Event(nil), s.received...)
}

// S1: fan-out.
func TestScenarioFanOut(t *testing.T) {
	b := NewBroker(WithAutoDiscover(false))
	sub := newRecordingSubscriber("S", slog.Default())
	if err := b.RegisterComponent(sub, "S"); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}
	sub.SubscribeTo(testEvent)

	b.Start()
	defer b.Stop()

	b.Publish(bus.NewEvent(testEvent, "t", map[string]any{"data": "x"}))

	deadline := time.After(2 * time.Second)
	for {
		if len(sub.snapshot()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	got := sub.snapshot()
	if v, _ := got[0].Get("data"); v != "x" {
		t.Errorf("payload[data] = %v, want x", v)
	}
}

// S2: sync handler.
func TestScenarioSyncHandler(t *testing.T) {
	b := NewBroker(WithAutoDiscover(false))
	b.Start()
	defer b.Stop()

	var calls int32
	var mu sync.Mutex
	var gotEvt bus.Event
	b.Subscribe(testEvent, bus.HandlerFunc(func(evt bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotEvt = evt
	}))

	evt := bus.NewEvent(testEvent, "t", nil)
	b.Publish(evt)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if gotEvt.Type != testEvent {
		t.Errorf("handler called with wrong event: %+v", gotEvt)
	}
}

// S3: failing handler.
func TestScenarioFailingHandler(t *testing.T) {
	var buf bytes.Buffer
	b := NewBroker(WithAutoDiscover(false), WithLogger(testLoggerTo(&buf)))
	b.Start()
	defer b.Stop()

	b.Subscribe(testEvent, bus.HandlerFunc(func(evt bus.Event) {
		panic(errors.New("Handler failed"))
	}))

	b.Publish(bus.NewEvent(testEvent, "t", nil))

	waitFor(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("Handler error for event test_event")) &&
			bytes.Contains(buf.Bytes(), []byte("Handler failed"))
	})
	if !b.IsRunning() {
		t.Error("broker should remain running after a handler failure")
	}
}

// S4: no subscribers.
func TestScenarioNoSubscribers(t *testing.T) {
	var buf bytes.Buffer
	b := NewBroker(WithAutoDiscover(false), WithLogger(testLoggerTo(&buf)))
	b.Start()
	defer b.Stop()

	b.Publish(bus.NewEvent(anotherEvent, "t", nil))

	waitFor(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("No subscribers for event type: another_event"))
	})
}

// S5: duplicate id.
func TestScenarioDuplicateID(t *testing.T) {
	b := NewBroker(WithAutoDiscover(false))
	sub1 := newRecordingSubscriber("duplicate", slog.Default())
	sub2 := newRecordingSubscriber("duplicate", slog.Default())

	if err := b.RegisterComponent(sub1, "duplicate"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := b.RegisterComponent(sub2, "duplicate")
	if err == nil {
		t.Fatal("expected error registering a duplicate id")
	}
}

type discoveryMarkerPublisher struct {
	*component.Base
}

func (p *discoveryMarkerPublisher) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// S9: with auto-discovery enabled and an empty registry, Start
// registers no components; with it disabled, Start and Stop still run
// cleanly against the same registry.
func TestScenarioAutoDiscovery(t *testing.T) {
	reg := registry.New()
	b := NewBroker(WithAutoDiscover(true), WithRegistry(reg))
	b.Start()
	b.Stop()

	if b.ComponentCount() != 0 {
		t.Errorf("ComponentCount() = %d, want 0 for an empty registry snapshot", b.ComponentCount())
	}

	bOff := NewBroker(WithAutoDiscover(false), WithRegistry(reg))
	bOff.Start()
	bOff.Stop()
}

func TestUnsubscribeRemovesSpecificHandler(t *testing.T) {
	b := NewBroker(WithAutoDiscover(false))
	var aCalls, bCalls int

	ha := bus.HandlerFunc(func(evt bus.Event) { aCalls++ })
	hb := bus.HandlerFunc(func(evt bus.Event) { bCalls++ })

	b.Subscribe(testEvent, ha)
	b.Subscribe(testEvent, hb)
	b.Unsubscribe(testEvent, ha)

	if got := b.GetSubscriberCount(testEvent); got != 1 {
		t.Errorf("GetSubscriberCount() = %d, want 1", got)
	}
}

func TestListEventTypesPreservesTagsAfterLastUnsubscribe(t *testing.T) {
	b := NewBroker(WithAutoDiscover(false))
	h := bus.HandlerFunc(func(evt bus.Event) {})
	b.Subscribe(testEvent, h)
	b.Unsubscribe(testEvent, h)

	if b.GetSubscriberCount(testEvent) != 0 {
		t.Fatal("handler should be gone from the live table")
	}
	found := false
	for _, tag := range b.ListEventTypes() {
		if tag == testEvent {
			found = true
		}
	}
	if !found {
		t.Error("ListEventTypes should still name a tag after its last handler unsubscribes")
	}
}

func TestPublishWhileNotRunningDropsAndWarns(t *testing.T) {
	var buf bytes.Buffer
	b := NewBroker(WithAutoDiscover(false), WithLogger(testLoggerTo(&buf)))
	b.Publish(bus.NewEvent(testEvent, "t", nil))
	if !bytes.Contains(buf.Bytes(), []byte("broker not running")) {
		t.Error("expected a warning when publishing to a stopped broker")
	}
	if b.PendingEvents() != 0 {
		t.Error("event should have been dropped, not queued")
	}
}

func TestStartTwiceLogsAlreadyRunning(t *testing.T) {
	var buf bytes.Buffer
	b := NewBroker(WithAutoDiscover(false), WithLogger(testLoggerTo(&buf)))
	b.Start()
	defer b.Stop()
	b.Start()
	if !bytes.Contains(buf.Bytes(), []byte("already running")) {
		t.Error("expected an already-running warning on the second Start")
	}
}

func TestStopTwiceLogsNotRunning(t *testing.T) {
	var buf bytes.Buffer
	b := NewBroker(WithAutoDiscover(false), WithLogger(testLoggerTo(&buf)))
	b.Start()
	b.Stop()
	b.Stop()
	if !bytes.Contains(buf.Bytes(), []byte("not running")) {
		t.Error("expected a not-running warning on the second Stop")
	}
}

func TestOrderingSameTaskDispatchesInOrder(t *testing.T) {
	b := NewBroker(WithAutoDiscover(false))
	b.Start()
	defer b.Stop()

	var mu sync.Mutex
	var order []string
	b.Subscribe(testEvent, bus.HandlerFunc(func(evt bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, evt.Source)
	}))

	b.Publish(bus.NewEvent(testEvent, "e1", nil))
	b.Publish(bus.NewEvent(testEvent, "e2", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "e1" || order[1] != "e2" {
		t.Errorf("order = %v, want [e1 e2]", order)
	}
}

func TestAutoDiscoveryRegistersComponentFromRegistry(t *testing.T) {
	reg := registry.New()
	factory := func(opts map[string]any) (any, error) {
		return &discoveryMarkerPublisher{Base: component.NewBase("discovered", "discoveryMarkerPublisher", slog.Default())}, nil
	}
	r, err := registry.NewRegistration("discovered", factory, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.AddRegistration(registry.Publishers, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := NewBroker(WithAutoDiscover(true), WithRegistry(reg))
	b.Start()
	defer b.Stop()

	if b.ComponentCount() != 1 {
		t.Errorf("ComponentCount() = %d, want 1", b.ComponentCount())
	}
	if _, ok := b.GetComponentInfo("discovered"); !ok {
		t.Error("expected the discovered component to be registered under its ComponentID")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met within timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
