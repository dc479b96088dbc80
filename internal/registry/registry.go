package registry

import (
	"fmt"
	"sync"
)

// Bucket names the three roles a registration can live under. The set
// is closed — AddRegistration rejects anything else.
type Bucket string

const (
	Publishers   Bucket = "publishers"
	Subscribers  Bucket = "subscribers"
	Transceivers Bucket = "transceivers"
)

var buckets = [...]Bucket{Publishers, Subscribers, Transceivers}

// Registry is a process-wide catalogue of component registrations,
// grouped by bucket. It holds no live component instances — just what
// is needed to build one, and whether the broker should start it
// without being asked.
type Registry struct {
	mu    sync.Mutex
	table map[Bucket][]ComponentRegistration
}

// New returns an empty Registry with all three buckets initialized.
func New() *Registry {
	r := &Registry{table: make(map[Bucket][]ComponentRegistration, len(buckets))}
	for _, b := range buckets {
		r.table[b] = nil
	}
	return r
}

// Default is the package-level registry populated by the Register*
// functions and RegisterMultiple, and consumed by a Broker constructed with
// auto-discovery enabled.
var Default = New()

// AddRegistration appends reg to bucket. The error message names the
// rejected bucket verbatim, since it is usually a typo a caller needs
// to see.
func (r *Registry) AddRegistration(bucket Bucket, reg ComponentRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.table[bucket]; !ok {
		return fmt.Errorf("Unknown component type: %s", bucket)
	}
	r.table[bucket] = append(r.table[bucket], reg)
	return nil
}

// GetAllRegistrations returns a snapshot of every bucket. Mutating the
// returned map or its slices does not affect the registry.
func (r *Registry) GetAllRegistrations() map[Bucket][]ComponentRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Bucket][]ComponentRegistration, len(r.table))
	for b, regs := range r.table {
		cp := make([]ComponentRegistration, len(regs))
		copy(cp, regs)
		out[b] = cp
	}
	return out
}

// Clear empties every bucket. Tests call this between cases since
// Default is shared process-wide state.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range buckets {
		r.table[b] = nil
	}
}

// TotalCount returns the number of registrations across all buckets.
func (r *Registry) TotalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, regs := range r.table {
		n += len(regs)
	}
	return n
}
