// Package broker implements the Broker: a bounded event queue, a
// subscriber table, a component table, and the per-component
// goroutines that give Publishers, Subscribers, and Transceivers a
// place to run. It is the one piece of this module every component
// ultimately talks to.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
	"github.com/carlosmesquita/cmevents-go/internal/registry"
)

// StateMachineRunner is the slice of *state.Machine the Broker needs
// to special-case a registered component as a state machine: start it
// after Startup, and stop it before Shutdown. Declared locally rather
// than imported from internal/state so that package has no reason to
// ever import broker back.
type StateMachineRunner interface {
	Start() bool
	Stop()
}

type attachable interface {
	Attach(h component.BrokerHandle)
}

type registeredComponent struct {
	instance any
	kind     string
}

// ComponentInfo is the snapshot returned by GetComponentInfo.
type ComponentInfo struct {
	ID      string
	Class   string
	Kind    string
	Running bool
}

// Broker owns the event queue, the subscriber table, the component
// table, and the per-component background goroutines. Zero value is
// not usable; construct with NewBroker.
type Broker struct {
	mu                 sync.Mutex
	components         map[string]registeredComponent
	subscribers        map[bus.EventType][]bus.Handler
	everSubscribedTags map[bus.EventType]struct{}
	cancel             context.CancelFunc

	queue        chan bus.Event
	maxQueueSize int
	autoDiscover bool
	running      atomic.Bool
	wg           sync.WaitGroup

	registry *registry.Registry
	logger   *slog.Logger
}

// BrokerOption configures a Broker at construction time.
type BrokerOption func(*Broker)

// WithAutoDiscover controls whether Start pulls registrations from the
// configured registry. Default true.
func WithAutoDiscover(enabled bool) BrokerOption {
	return func(b *Broker) { b.autoDiscover = enabled }
}

// WithMaxQueueSize sets the event queue's capacity. Default 500.
func WithMaxQueueSize(n int) BrokerOption {
	return func(b *Broker) { b.maxQueueSize = n }
}

// WithRegistry overrides the registry consulted during auto-discovery.
// Default registry.Default.
func WithRegistry(r *registry.Registry) BrokerOption {
	return func(b *Broker) { b.registry = r }
}

// WithLogger overrides the Broker's logger. Default slog.Default().
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker builds a Broker ready for RegisterComponent/Subscribe calls
// before Start. The queue is sized once here and never resized.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		components:         make(map[string]registeredComponent),
		subscribers:        make(map[bus.EventType][]bus.Handler),
		everSubscribedTags: make(map[bus.EventType]struct{}),
		autoDiscover:       true,
		maxQueueSize:       500,
		registry:           registry.Default,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan bus.Event, b.maxQueueSize)
	return b
}

func defaultComponentID(instance any) string {
	t := reflect.TypeOf(instance)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "component"
	}
	return t.Name()
}

func className(instance any) string {
	return defaultComponentID(instance)
}

func classify(instance any) string {
	if _, ok := instance.(StateMachineRunner); ok {
		return "StateMachine"
	}
	_, isPub := instance.(component.Publisher)
	_, isSub := instance.(component.Subscriber)
	switch {
	case isPub && isSub:
		return "Transceiver"
	case isPub:
		return "Publisher"
	case isSub:
		return "Subscriber"
	default:
		return "Unknown"
	}
}

// RegisterComponent attaches the Broker to instance and stores it
// under id, defaulting id to the instance's concrete type name. It
// fails if id is already taken. If instance is a Subscriber, its
// pending subscriptions are drained immediately after attachment.
func (b *Broker) RegisterComponent(instance any, id string) error {
	if id == "" {
		id = defaultComponentID(instance)
	}

	b.mu.Lock()
	if _, exists := b.components[id]; exists {
		b.mu.Unlock()
		err := fmt.Errorf("%s already registered", id)
		b.logger.Error(err.Error())
		return err
	}
	b.components[id] = registeredComponent{instance: instance, kind: classify(instance)}
	b.mu.Unlock()

	if att, ok := instance.(attachable); ok {
		att.Attach(b)
	}
	if sub, ok := instance.(component.Subscriber); ok {
		sub.RegisterPendingSubscriptions()
	}
	return nil
}

// Subscribe appends handler to tag's handler list, in registration
// order.
func (b *Broker) Subscribe(tag bus.EventType, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[tag] = append(b.subscribers[tag], handler)
	b.everSubscribedTags[tag] = struct{}{}
	return nil
}

// Unsubscribe removes one handler from tag's list, matched by
// function identity. Removing the last handler for a tag drops that
// tag's entry from the live subscriber table, but ListEventTypes keeps
// naming tags that were ever subscribed.
func (b *Broker) Unsubscribe(tag bus.EventType, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subscribers[tag]
	for i, h := range handlers {
		if sameHandler(h, handler) {
			handlers = append(append([]bus.Handler(nil), handlers[:i]...), handlers[i+1:]...)
			if len(handlers) == 0 {
				delete(b.subscribers, tag)
			} else {
				b.subscribers[tag] = handlers
			}
			return nil
		}
	}
	return nil
}

func sameHandler(a, b bus.Handler) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Func || vb.Kind() != reflect.Func {
		return false
	}
	return va.Pointer() == vb.Pointer()
}

// Publish enqueues evt for dispatch. While the Broker is not running
// it logs a warning and drops the event. A full queue blocks the
// caller until space frees up — the only backpressure this package
// applies.
func (b *Broker) Publish(evt bus.Event) {
	if !b.running.Load() {
		b.logger.Warn("broker not running", "tag", evt.Type)
		return
	}
	b.queue <- evt
}

// Start is idempotent: calling it while already running logs a
// warning and returns. Otherwise it optionally auto-discovers
// components from the registry, spawns the dispatcher, and spawns one
// goroutine per registered component running Startup, then (for state
// machines) Start, then Run.
func (b *Broker) Start() {
	if !b.running.CompareAndSwap(false, true) {
		b.logger.Warn("broker already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	if b.autoDiscover {
		b.discoverComponents()
	}

	b.wg.Add(1)
	go b.runDispatcher(ctx)

	b.mu.Lock()
	comps := make(map[string]registeredComponent, len(b.components))
	for id, c := range b.components {
		comps[id] = c
	}
	b.mu.Unlock()

	for id, c := range comps {
		b.wg.Add(1)
		go b.runComponent(ctx, id, c.instance)
	}
}

func (b *Broker) discoverComponents() {
	all := b.registry.GetAllRegistrations()
	for _, bucket := range []registry.Bucket{registry.Transceivers, registry.Publishers, registry.Subscribers} {
		for _, reg := range all[bucket] {
			if !reg.AutoStart {
				continue
			}
			instance, err := reg.Factory(reg.Options)
			if err != nil {
				b.logger.Error(fmt.Sprintf("Startup failed for %s: %v", reg.ComponentID, err))
				continue
			}
			if err := b.RegisterComponent(instance, reg.ComponentID); err != nil {
				b.logger.Error(err.Error())
			}
		}
	}
}

func (b *Broker) runComponent(ctx context.Context, id string, instance any) {
	defer b.wg.Done()

	if s, ok := instance.(component.Startupper); ok {
		if err := s.Startup(ctx); err != nil {
			b.logger.Error(fmt.Sprintf("Startup failed for %s: %v", id, err))
		}
	}

	if sm, ok := instance.(StateMachineRunner); ok {
		b.startStateMachine(id, sm)
	}

	if p, ok := instance.(component.Publisher); ok {
		if err := p.Run(ctx); err != nil {
			b.logger.Error(fmt.Sprintf("Run failed for %s: %v", id, err))
		}
	}
}

func (b *Broker) startStateMachine(id string, sm StateMachineRunner) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(fmt.Sprintf("Error starting state machine for %s: %v", id, r))
		}
	}()
	if !sm.Start() {
		b.logger.Error(fmt.Sprintf("Failed to start state machine for %s", id))
	}
}

// Stop is idempotent: calling it while not running logs a warning and
// returns. Otherwise it cancels the dispatcher and every component's
// context, stops any state machines, calls Shutdown on every
// component, awaits every goroutine's exit, then clears the component
// and subscriber tables.
func (b *Broker) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		b.logger.Warn("broker not running")
		return
	}

	b.mu.Lock()
	cancel := b.cancel
	comps := make(map[string]registeredComponent, len(b.components))
	for id, c := range b.components {
		comps[id] = c
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for id, c := range comps {
		if sm, ok := c.instance.(StateMachineRunner); ok {
			sm.Stop()
		}
		if s, ok := c.instance.(component.Shutdowner); ok {
			if err := s.Shutdown(context.Background()); err != nil {
				b.logger.Error(fmt.Sprintf("Shutdown failed for %s: %v", id, err))
			}
		}
	}

	b.wg.Wait()

	b.mu.Lock()
	b.components = make(map[string]registeredComponent)
	b.subscribers = make(map[bus.EventType][]bus.Handler)
	b.mu.Unlock()
}

// GetComponentInfo returns the registered snapshot for id, or false if
// no component is registered under that id.
func (b *Broker) GetComponentInfo(id string) (ComponentInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.components[id]
	if !ok {
		return ComponentInfo{}, false
	}
	return ComponentInfo{ID: id, Class: className(c.instance), Kind: c.kind, Running: b.running.Load()}, true
}

// ListComponents returns every registered component id, sorted.
func (b *Broker) ListComponents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.components))
	for id := range b.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListEventTypes returns every tag ever subscribed to, sorted, even if
// its last handler has since been unsubscribed.
func (b *Broker) ListEventTypes() []bus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]bus.EventType, 0, len(b.everSubscribedTags))
	for t := range b.everSubscribedTags {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// GetSubscriberCount returns the live handler count for tag.
func (b *Broker) GetSubscriberCount(tag bus.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[tag])
}

// IsRunning reports whether Start has been called without a matching
// Stop.
func (b *Broker) IsRunning() bool { return b.running.Load() }

// ComponentCount returns the number of registered components.
func (b *Broker) ComponentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.components)
}

// PendingEvents returns the number of events currently buffered on the
// queue, awaiting dispatch.
func (b *Broker) PendingEvents() int {
	return len(b.queue)
}
