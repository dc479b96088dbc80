package registry

import (
	"fmt"

	"github.com/carlosmesquita/cmevents-go/internal/component"
)

// RegisterPublisher, RegisterSubscriber, and RegisterTransceiver add a
// registration to Default under an explicit bucket. Use these when the
// component's role is already known at the call site; use
// RegisterComponent when it should be inferred from what sample
// implements.
func RegisterPublisher(componentID string, factory Factory, opts map[string]any, autoStart bool) error {
	return registerInto(Default, Publishers, componentID, factory, opts, autoStart)
}

func RegisterSubscriber(componentID string, factory Factory, opts map[string]any, autoStart bool) error {
	return registerInto(Default, Subscribers, componentID, factory, opts, autoStart)
}

func RegisterTransceiver(componentID string, factory Factory, opts map[string]any, autoStart bool) error {
	return registerInto(Default, Transceivers, componentID, factory, opts, autoStart)
}

func registerInto(r *Registry, bucket Bucket, componentID string, factory Factory, opts map[string]any, autoStart bool) error {
	reg, err := NewRegistration(componentID, factory, opts, autoStart)
	if err != nil {
		return err
	}
	return r.AddRegistration(bucket, reg)
}

// RegisterComponent infers the bucket from sample, a value (often a
// typed nil pointer, e.g. (*MyComponent)(nil)) used only for interface
// satisfaction checks — it is never stored or invoked. The check order
// matches the Broker's own dispatch precedence: Transceiver first
// (since it embeds both other interfaces, a type satisfying it would
// also satisfy Publisher or Subscriber alone), then Publisher, then
// Subscriber.
func RegisterComponent(sample any, componentID string, factory Factory, opts map[string]any, autoStart bool) error {
	bucket, err := bucketFor(sample)
	if err != nil {
		return err
	}
	return registerInto(Default, bucket, componentID, factory, opts, autoStart)
}

func bucketFor(sample any) (Bucket, error) {
	switch sample.(type) {
	case component.Transceiver:
		return Transceivers, nil
	case component.Publisher:
		return Publishers, nil
	case component.Subscriber:
		return Subscribers, nil
	default:
		return "", fmt.Errorf("registry: sample does not implement Publisher, Subscriber, or Transceiver")
	}
}

// RegisterMultiple registers one entry per element of optsList, all
// under the same bucket and factory, with component ids derived from
// idBase as "<idBase>_<index>". An empty optsList registers nothing.
func RegisterMultiple(bucket Bucket, idBase string, factory Factory, optsList []map[string]any, autoStart bool) error {
	for i, opts := range optsList {
		id := fmt.Sprintf("%s_%d", idBase, i)
		if err := registerInto(Default, bucket, id, factory, opts, autoStart); err != nil {
			return err
		}
	}
	return nil
}
