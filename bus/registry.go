package bus

import (
	"sync"

	"github.com/flowbus/flowbus/event"
)

// Handle is the opaque identity of one listener registration. It is unique
// for the lifetime of the bus and correlates the local listener with the
// server-side resources backing it.
type Handle string

type record struct {
	handle   Handle
	listener event.Listener
}

// registry is the insertion-ordered set of live listener registrations.
// Dispatch iterates a point-in-time snapshot, so mutations never block a
// dispatch pass and a pass never observes a mutation mid-iteration.
type registry struct {
	mu      sync.RWMutex
	records []record
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) add(h Handle, l event.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record{handle: h, listener: l})
}

// remove reports whether the handle was present. Removing an unknown
// handle is a no-op.
func (r *registry) remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.handle == h {
			r.records = append(r.records[:i], r.records[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns a copy safe to iterate while the registry mutates.
func (r *registry) snapshot() []record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]record, len(r.records))
	copy(out, r.records)
	return out
}

func (r *registry) handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.handle)
	}
	return out
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}
