// Package state implements a polled, event-aware finite-state machine:
// state registration via a builder, transition-map validation, a
// cooperative run loop with per-state poll intervals, and
// consecutive-error recovery. A Machine is a Subscriber — it can have
// events injected into it — and a Publisher — it can announce its own
// state changes — built on top of component.Base the same way any
// other component is.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
	"github.com/carlosmesquita/cmevents-go/internal/component"
)

const defaultMaxConsecutiveErrors = 5
const defaultPollInterval = 100 * time.Millisecond

type resultKind int

const (
	kindPoll resultKind = iota
	kindTransition
	kindStop
)

// Result is what a state Handler returns: stay and poll, transition to
// a named state, or stop the machine.
type Result struct {
	kind   resultKind
	target string
}

// Poll tells the run loop to stay in the current state and sleep for
// its poll interval.
func Poll() Result { return Result{kind: kindPoll} }

// TransitionResult tells the run loop to attempt a transition to to.
// If to equals the current state, this behaves exactly like Poll.
func TransitionResult(to string) Result { return Result{kind: kindTransition, target: to} }

// Stop tells the run loop to stop the machine after this step.
func Stop() Result { return Result{kind: kindStop} }

// Handler is a state's step function. evt is the event captured from
// HandleEvent since the handler's last invocation, or nil if none
// arrived; it is cleared the instant it is handed to the handler.
type Handler func(ctx context.Context, evt *bus.Event) (Result, error)

type stateDef struct {
	handler      Handler
	pollInterval time.Duration
}

// DefineOption configures a single state registered via Define.
type DefineOption func(*stateDef)

// WithPollInterval sets this state's default poll interval, used
// whenever no runtime override is set via SetPollInterval.
func WithPollInterval(d time.Duration) DefineOption {
	return func(s *stateDef) { s.pollInterval = d }
}

// Machine is a polled finite-state machine. Construct with New, add
// states with Define, optionally restrict transitions with
// Transitions, then Start it.
type Machine struct {
	*component.Base

	handlers             map[string]stateDef
	transitionMap        map[string]map[string]struct{}
	initialState         string
	changeEventTag       bus.EventType
	maxConsecutiveErrors int
	onEvent              func(context.Context, bus.Event) error

	mu                sync.Mutex
	currentState      string
	previousState     string
	stateStartTime    time.Time
	currentEvent      *bus.Event
	consecutiveErrors int
	pollOverrides     map[string]time.Duration
	cancel            context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Machine with the given id and initial state. initial
// need not already be Defined; if it never is, Start still returns
// true and the run loop stops on its first step for lack of a handler.
func New(id, initial string, logger *slog.Logger) *Machine {
	return &Machine{
		Base:                 component.NewBase(id, "StateMachine", logger),
		handlers:             make(map[string]stateDef),
		initialState:         initial,
		maxConsecutiveErrors: defaultMaxConsecutiveErrors,
	}
}

// WithChangeEventTag enables publishing a state-change event under tag
// on every successful TransitionTo.
func (m *Machine) WithChangeEventTag(tag bus.EventType) *Machine {
	m.changeEventTag = tag
	return m
}

// WithMaxConsecutiveErrors overrides the default of 5.
func (m *Machine) WithMaxConsecutiveErrors(n int) *Machine {
	m.maxConsecutiveErrors = n
	return m
}

// WithOnEvent sets the user hook invoked by HandleEvent in addition to
// recording the event for the run loop's next step.
func (m *Machine) WithOnEvent(fn func(context.Context, bus.Event) error) *Machine {
	m.onEvent = fn
	return m
}

// Define registers a named state and its handler.
func (m *Machine) Define(name string, handler Handler, opts ...DefineOption) *Machine {
	def := stateDef{handler: handler}
	for _, opt := range opts {
		opt(&def)
	}
	m.handlers[name] = def
	return m
}

// Transitions restricts which states each state may move to. An empty
// or never-called Transitions leaves every transition valid as long as
// the target is a Defined state.
func (m *Machine) Transitions(allowed map[string][]string) *Machine {
	m.transitionMap = make(map[string]map[string]struct{}, len(allowed))
	for from, tos := range allowed {
		set := make(map[string]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		m.transitionMap[from] = set
	}
	return m
}

func (m *Machine) isValidTransition(from, to string) bool {
	if len(m.transitionMap) == 0 {
		return true
	}
	allowed, ok := m.transitionMap[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// TransitionTo attempts to move to target, returning whether it
// succeeded. On success it publishes a state-change event if
// WithChangeEventTag was configured.
func (m *Machine) TransitionTo(target string) bool {
	m.mu.Lock()
	from := m.currentState
	m.mu.Unlock()

	if _, ok := m.handlers[target]; !ok {
		m.Logger.Warn(fmt.Sprintf("Unknown state: %s", target))
		return false
	}
	if !m.isValidTransition(from, target) {
		m.Logger.Warn(fmt.Sprintf("Invalid transition from %s to %s", from, target))
		return false
	}

	m.mu.Lock()
	m.previousState = from
	m.currentState = target
	m.stateStartTime = time.Now()
	m.mu.Unlock()

	if m.changeEventTag != "" {
		m.Publish(bus.NewEvent(m.changeEventTag, m.ID, map[string]any{
			"current_state":  target,
			"previous_state": from,
			"uptime":         m.StateUptime().Seconds(),
			"timestamp":      time.Now(),
		}))
	}
	return true
}

// HandleEvent records evt for the next run-loop step, then calls the
// user hook set via WithOnEvent, if any. Overrides component.Base's
// default so subscribing a Machine wires injection, not the "unhandled
// event" warning.
func (m *Machine) HandleEvent(ctx context.Context, evt bus.Event) error {
	m.mu.Lock()
	captured := evt
	m.currentEvent = &captured
	m.mu.Unlock()

	if m.onEvent != nil {
		return m.onEvent(ctx, evt)
	}
	return nil
}

// SubscribeTo registers HandleEvent as the handler for tag, matching
// component.Subscriber.
func (m *Machine) SubscribeTo(tag bus.EventType) {
	m.SubscribeToHandler(tag, bus.AsyncHandlerFunc(m.HandleEvent))
}

// Start begins the run loop. It fails if no initial state was given to
// New, or if the machine is already running.
func (m *Machine) Start() bool {
	if m.initialState == "" {
		m.Logger.Warn("No initial state defined")
		return false
	}
	if !m.running.CompareAndSwap(false, true) {
		m.Logger.Warn("already running")
		return false
	}

	m.mu.Lock()
	m.currentState = m.initialState
	m.stateStartTime = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)
	return true
}

// stopSignal flips the running flag and cancels the run loop's
// context without waiting for it to exit. The run loop itself calls
// this (never Stop) when it decides to stop on its own, since waiting
// on its own exit from inside itself would deadlock.
func (m *Machine) stopSignal() bool {
	if !m.running.CompareAndSwap(true, false) {
		return false
	}
	if m.cancel != nil {
		m.cancel()
	}
	return true
}

// Stop signals the run loop to exit and waits for it. Safe to call
// when not running.
func (m *Machine) Stop() {
	m.stopSignal()
	m.wg.Wait()
}

// Restart stops the machine if running, resets the consecutive-error
// counter, and starts it again.
func (m *Machine) Restart() bool {
	if m.running.Load() {
		m.Stop()
	}
	m.mu.Lock()
	m.consecutiveErrors = 0
	m.mu.Unlock()
	return m.Start()
}

func (m *Machine) run(ctx context.Context) {
	defer m.wg.Done()

	for m.running.Load() {
		m.mu.Lock()
		state := m.currentState
		m.mu.Unlock()

		def, ok := m.handlers[state]
		if !ok {
			m.stopSignal()
			return
		}

		m.mu.Lock()
		evt := m.currentEvent
		m.currentEvent = nil
		m.mu.Unlock()

		result, err := m.invokeHandler(ctx, def.handler, evt)
		if err != nil {
			m.mu.Lock()
			m.consecutiveErrors++
			count := m.consecutiveErrors
			m.mu.Unlock()

			m.Logger.Error(fmt.Sprintf("State machine error in %s: %v", state, err))

			if _, hasErrorState := m.handlers["error"]; hasErrorState && state != "error" {
				m.TransitionTo("error")
			}
			if count >= m.maxConsecutiveErrors {
				m.Logger.Error("Too many consecutive errors, stopping state machine")
				m.stopSignal()
				return
			}
			m.sleep(ctx, m.pollInterval(state))
			continue
		}

		m.mu.Lock()
		m.consecutiveErrors = 0
		m.mu.Unlock()

		switch result.kind {
		case kindStop:
			m.stopSignal()
			return
		case kindTransition:
			if result.target == state {
				m.sleep(ctx, m.pollInterval(state))
				continue
			}
			m.TransitionTo(result.target)
		case kindPoll:
			m.sleep(ctx, m.pollInterval(state))
		}
	}
}

func (m *Machine) invokeHandler(ctx context.Context, h Handler, evt *bus.Event) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return h(ctx, evt)
}

func (m *Machine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// SetPollInterval installs a runtime override for state, taking
// precedence over its Define-time default.
func (m *Machine) SetPollInterval(state string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollOverrides == nil {
		m.pollOverrides = make(map[string]time.Duration)
	}
	m.pollOverrides[state] = d
}

// GetPollInterval returns the interval that would currently apply to
// state: a runtime override, else the Define-time default, else 100ms.
func (m *Machine) GetPollInterval(state string) time.Duration {
	return m.pollInterval(state)
}

func (m *Machine) pollInterval(state string) time.Duration {
	m.mu.Lock()
	override, hasOverride := m.pollOverrides[state]
	m.mu.Unlock()
	if hasOverride {
		return override
	}
	if def, ok := m.handlers[state]; ok && def.pollInterval > 0 {
		return def.pollInterval
	}
	return defaultPollInterval
}

// CurrentState returns the active state, or "" if never started.
func (m *Machine) CurrentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentState
}

// PreviousState returns the state transitioned from, or "" before the
// first transition.
func (m *Machine) PreviousState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previousState
}

// StateUptime is how long the machine has been in its current state,
// or 0 if it has none.
func (m *Machine) StateUptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentState == "" {
		return 0
	}
	return time.Since(m.stateStartTime)
}

// AvailableStates returns every Defined state name, sorted.
func (m *Machine) AvailableStates() []string {
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRunning reports whether the run loop is active.
func (m *Machine) IsRunning() bool {
	return m.running.Load()
}
