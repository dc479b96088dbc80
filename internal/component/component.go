// Package component defines the capability interfaces a Broker talks
// to — Publisher, Subscriber, Transceiver — and Base, an embeddable
// struct that supplies the bookkeeping every concrete component needs
// (component id, scoped logger, lazy broker attachment, deferred
// subscriptions). Concrete components embed *Base and write their own
// Publish/Run/HandleEvent/SubscribeTo where the default isn't enough;
// Go has no virtual dispatch through an embedded type, so Base never
// calls back into a method a concrete type might override.
package component

import (
	"context"
	"log/slog"
	"sync"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
)

// BrokerHandle is the slice of *broker.Broker a component needs. It is
// declared here, not imported from the broker package, so that broker
// can depend on component without a cycle: *broker.Broker satisfies
// this interface structurally.
type BrokerHandle interface {
	Publish(evt bus.Event)
	Subscribe(tag bus.EventType, handler bus.Handler) error
	Unsubscribe(tag bus.EventType, handler bus.Handler) error
}

// Startupper is implemented by components that need to run setup work
// before the broker starts dispatching to them. Optional — the broker
// type-asserts for it and skips the call when absent.
type Startupper interface {
	Startup(ctx context.Context) error
}

// Shutdowner is the Startupper counterpart, run during Broker.Stop.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Publisher produces events. Run is the component's own loop, started
// as a goroutine by the broker and expected to return when ctx is
// cancelled.
type Publisher interface {
	Publish(evt bus.Event)
	Run(ctx context.Context) error
}

// Subscriber reacts to events. SubscribeTo may be called before the
// component has a broker attached, in which case the tag is queued;
// RegisterPendingSubscriptions drains the queue once a broker exists.
type Subscriber interface {
	HandleEvent(ctx context.Context, evt bus.Event) error
	SubscribeTo(tag bus.EventType)
	RegisterPendingSubscriptions()
}

// Transceiver both produces and reacts to events. A concrete type that
// implements both interfaces' methods satisfies Transceiver for free —
// there is no separate marker to implement.
type Transceiver interface {
	Publisher
	Subscriber
}

// Base supplies the bookkeeping common to every component: an id, a
// scoped logger, the attached broker handle, and a queue of
// subscriptions requested before attachment. Its no-op Run and
// forwarding Publish give *Base the Publisher method set; it has no
// SubscribeTo, so it is not a Subscriber or Transceiver on its own —
// concrete types embed it and add whichever methods their role needs.
type Base struct {
	ID     string
	Kind   string
	Logger *slog.Logger

	mu      sync.Mutex
	broker  BrokerHandle
	handler bus.Handler
	pending []bus.EventType
}

// NewBase constructs a Base. kind is the concrete component's type
// name, used only in the default HandleEvent log line.
func NewBase(id, kind string, logger *slog.Logger) *Base {
	return &Base{
		ID:     id,
		Kind:   kind,
		Logger: logger.With("component", id, "kind", kind),
	}
}

// Attach wires the broker handle in. Called by Broker.RegisterComponent;
// component authors have no reason to call it themselves.
func (b *Base) Attach(h BrokerHandle) {
	b.mu.Lock()
	b.broker = h
	b.mu.Unlock()
}

// Broker returns the attached handle, or nil if the component has not
// been registered with a Broker yet.
func (b *Base) Broker() BrokerHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broker
}

// Startup is a no-op default satisfying Startupper.
func (b *Base) Startup(ctx context.Context) error { return nil }

// Shutdown is a no-op default satisfying Shutdowner.
func (b *Base) Shutdown(ctx context.Context) error { return nil }

// Run is a no-op default producer loop. Publishers that actually
// produce events override it.
func (b *Base) Run(ctx context.Context) error { return nil }

// Publish forwards evt to the attached broker. With no broker attached
// it logs a warning and drops the event rather than blocking forever.
func (b *Base) Publish(evt bus.Event) {
	h := b.Broker()
	if h == nil {
		b.Logger.Warn("publish with no broker attached", "tag", evt.Type)
		return
	}
	h.Publish(evt)
}

// HandleEvent is the default Subscriber handler: it logs the event as
// unhandled. Concrete subscribers override it with their own method,
// which shadows this one through Go's normal method-promotion rules.
func (b *Base) HandleEvent(ctx context.Context, evt bus.Event) error {
	b.Logger.Warn("unhandled event", "tag", evt.Type)
	return nil
}

// SubscribeToHandler registers handler for tag, either immediately (if
// a broker is attached) or by queuing tag for RegisterPendingSubscriptions
// to replay later. handler is remembered so pending tags queued before
// attachment, and drained after, use the same handler. Concrete
// Subscriber types call this from their own one-argument SubscribeTo
// method, passing their own HandleEvent as handler.
func (b *Base) SubscribeToHandler(tag bus.EventType, handler bus.Handler) {
	b.mu.Lock()
	b.handler = handler
	h := b.broker
	b.mu.Unlock()

	if h == nil {
		b.mu.Lock()
		b.pending = append(b.pending, tag)
		b.mu.Unlock()
		return
	}
	if err := h.Subscribe(tag, handler); err != nil {
		b.Logger.Warn("subscribe failed", "tag", tag, "error", err)
	}
}

// RegisterPendingSubscriptions drains any tags queued before the
// broker was attached, subscribing each with the handler last passed
// to SubscribeToHandler. A no-op if there is no broker, no handler, or
// nothing pending.
func (b *Base) RegisterPendingSubscriptions() {
	b.mu.Lock()
	h := b.broker
	handler := b.handler
	if h == nil || handler == nil {
		b.mu.Unlock()
		return
	}
	tags := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, tag := range tags {
		if err := h.Subscribe(tag, handler); err != nil {
			b.Logger.Warn("subscribe failed", "tag", tag, "error", err)
		}
	}
}

// PendingSubscriptions reports tags queued but not yet drained.
func (b *Base) PendingSubscriptions() []bus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.EventType(nil), b.pending...)
}
