// Package registry holds the declarative catalogue of components a
// Broker can auto-discover at startup: a Factory function plus
// construction options per component, bucketed by role (publishers,
// subscribers, transceivers) rather than instantiated up front. A
// process normally populates the package-level Default registry via
// RegisterPublisher/RegisterSubscriber/RegisterTransceiver,
// RegisterComponent, or RegisterMultiple at init time, then hands it to a Broker
// constructed with auto-discovery enabled.
package registry

import "fmt"

// Factory builds a component instance from its construction options.
// The returned value is typically a *component.Base-embedding struct;
// registry does not import component to avoid depending on every
// component author's types, so the return type is left as any and the
// Broker does the type assertion at discovery time.
type Factory func(opts map[string]any) (any, error)

// ComponentRegistration is one catalogue entry: how to build a
// component, what to build it with, whether the broker should start it
// automatically, and the id it will be registered under.
type ComponentRegistration struct {
	ComponentID string
	Factory     Factory
	Options     map[string]any
	AutoStart   bool
}

// NewRegistration validates and builds a ComponentRegistration. Options
// may be nil, in which case it is normalized to an empty map so
// factories never have to nil-check it.
func NewRegistration(componentID string, factory Factory, opts map[string]any, autoStart bool) (ComponentRegistration, error) {
	if componentID == "" {
		return ComponentRegistration{}, fmt.Errorf("registry: component id is required")
	}
	if factory == nil {
		return ComponentRegistration{}, fmt.Errorf("registry: factory is required for %q", componentID)
	}
	if opts == nil {
		opts = map[string]any{}
	}
	return ComponentRegistration{
		ComponentID: componentID,
		Factory:     factory,
		Options:     opts,
		AutoStart:   autoStart,
	}, nil
}
