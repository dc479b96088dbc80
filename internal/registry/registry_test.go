package registry

import (
	"context"
	"testing"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
)

func noopFactory(opts map[string]any) (any, error) { return struct{}{}, nil }

func TestNewRegistrationRequiresID(t *testing.T) {
	_, err := NewRegistration("", noopFactory, nil, true)
	if err == nil {
		t.Fatal("expected error for empty component id")
	}
}

func TestNewRegistrationRequiresFactory(t *testing.T) {
	_, err := NewRegistration("c1", nil, nil, true)
	if err == nil {
		t.Fatal("expected error for nil factory")
	}
}

func TestNewRegistrationDefaultsOptions(t *testing.T) {
	reg, err := NewRegistration("c1", noopFactory, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Options == nil {
		t.Error("Options should default to an empty map, not nil")
	}
}

func TestAddRegistrationUnknownBucket(t *testing.T) {
	r := New()
	reg, _ := NewRegistration("c1", noopFactory, nil, true)
	err := r.AddRegistration(Bucket("bogus"), reg)
	if err == nil {
		t.Fatal("expected error for unknown bucket")
	}
	want := "Unknown component type: bogus"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestAddRegistrationAndCount(t *testing.T) {
	r := New()
	reg, _ := NewRegistration("c1", noopFactory, nil, true)
	if err := r.AddRegistration(Publishers, reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TotalCount() != 1 {
		t.Errorf("TotalCount() = %d, want 1", r.TotalCount())
	}
}

func TestGetAllRegistrationsIsASnapshot(t *testing.T) {
	r := New()
	reg, _ := NewRegistration("c1", noopFactory, nil, true)
	r.AddRegistration(Publishers, reg)

	snap := r.GetAllRegistrations()
	snap[Publishers] = append(snap[Publishers], reg)

	if r.TotalCount() != 1 {
		t.Errorf("mutating a snapshot should not affect the registry; TotalCount() = %d, want 1", r.TotalCount())
	}
}

func TestClearEmptiesAllBuckets(t *testing.T) {
	r := New()
	reg, _ := NewRegistration("c1", noopFactory, nil, true)
	r.AddRegistration(Publishers, reg)
	r.AddRegistration(Subscribers, reg)

	r.Clear()

	if r.TotalCount() != 0 {
		t.Errorf("TotalCount() after Clear() = %d, want 0", r.TotalCount())
	}
}

type fakePublisher struct{}

func (*fakePublisher) Publish(evt bus.Event)        {}
func (*fakePublisher) Run(ctx context.Context) error { return nil }

type fakeSubscriber struct{}

func (*fakeSubscriber) HandleEvent(ctx context.Context, evt bus.Event) error { return nil }
func (*fakeSubscriber) SubscribeTo(tag bus.EventType)                       {}
func (*fakeSubscriber) RegisterPendingSubscriptions()                      {}

type fakeTransceiver struct {
	fakePublisher
	fakeSubscriber
}

func TestRegisterComponentBucketSelectionPublisher(t *testing.T) {
	Default.Clear()
	defer Default.Clear()

	err := RegisterComponent((*fakePublisher)(nil), "p1", noopFactory, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := Default.GetAllRegistrations()
	if len(all[Publishers]) != 1 {
		t.Errorf("publishers = %d, want 1", len(all[Publishers]))
	}
}

func TestRegisterComponentBucketSelectionSubscriber(t *testing.T) {
	Default.Clear()
	defer Default.Clear()

	err := RegisterComponent((*fakeSubscriber)(nil), "s1", noopFactory, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := Default.GetAllRegistrations()
	if len(all[Subscribers]) != 1 {
		t.Errorf("subscribers = %d, want 1", len(all[Subscribers]))
	}
}

func TestRegisterComponentBucketSelectionTransceiverTakesPriority(t *testing.T) {
	Default.Clear()
	defer Default.Clear()

	err := RegisterComponent((*fakeTransceiver)(nil), "t1", noopFactory, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := Default.GetAllRegistrations()
	if len(all[Transceivers]) != 1 {
		t.Errorf("transceivers = %d, want 1", len(all[Transceivers]))
	}
	if len(all[Publishers]) != 0 || len(all[Subscribers]) != 0 {
		t.Error("a transceiver-capable sample must not also land in publishers or subscribers")
	}
}

func TestRegisterComponentRejectsPlainStruct(t *testing.T) {
	Default.Clear()
	defer Default.Clear()

	err := RegisterComponent(struct{}{}, "x1", noopFactory, nil, true)
	if err == nil {
		t.Fatal("expected error for a sample implementing none of the role interfaces")
	}
}

func TestRegisterMultipleDerivesIDs(t *testing.T) {
	Default.Clear()
	defer Default.Clear()

	optsList := []map[string]any{{"n": 0}, {"n": 1}, {"n": 2}}
	if err := RegisterMultiple(Publishers, "worker", noopFactory, optsList, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all := Default.GetAllRegistrations()
	regs := all[Publishers]
	if len(regs) != 3 {
		t.Fatalf("registrations = %d, want 3", len(regs))
	}
	wantIDs := []string{"worker_0", "worker_1", "worker_2"}
	for i, want := range wantIDs {
		if regs[i].ComponentID != want {
			t.Errorf("regs[%d].ComponentID = %q, want %q", i, regs[i].ComponentID, want)
		}
	}
}

func TestRegisterMultipleEmptyOptsListRegistersNothing(t *testing.T) {
	Default.Clear()
	defer Default.Clear()

	if err := RegisterMultiple(Publishers, "worker", noopFactory, nil, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Default.TotalCount() != 0 {
		t.Errorf("TotalCount() = %d, want 0", Default.TotalCount())
	}
}
