package listener

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-common/internal/can"
)

type slot struct{ l Listener }

// Registry is a fixed set of can.SizeListeners listener slots.
//
// The registry holds references only. A listener must be detached before the
// caller drops it, otherwise it keeps receiving frames.
type Registry struct {
	slots      [can.SizeListeners]atomic.Pointer[slot]
	numFilters int
}

// NewRegistry creates a registry whose listeners get masks sized for
// numFilters mailboxes.
func NewRegistry(numFilters int) *Registry {
	return &Registry{numFilters: numFilters}
}

// Attach stores l in the lowest free slot and resets its mask to nothing
// active. It returns false when every slot is taken.
func (r *Registry) Attach(l Listener) bool {
	if l == nil {
		return false
	}
	s := &slot{l: l}
	for i := range r.slots {
		if r.slots[i].CompareAndSwap(nil, s) {
			if m := l.Activation(); m != nil {
				m.Reset(r.numFilters)
			}
			return true
		}
	}
	return false
}

// Detach clears the slot holding l. It returns false if l is not attached.
func (r *Registry) Detach(l Listener) bool {
	if l == nil {
		return false
	}
	for i := range r.slots {
		s := r.slots[i].Load()
		if s != nil && s.l == l && r.slots[i].CompareAndSwap(s, nil) {
			return true
		}
	}
	return false
}

// At returns the listener in slot i, or nil.
func (r *Registry) At(i int) Listener {
	if i < 0 || i >= len(r.slots) {
		return nil
	}
	if s := r.slots[i].Load(); s != nil {
		return s.l
	}
	return nil
}

// Each calls fn for every attached listener in slot order.
func (r *Registry) Each(fn func(i int, l Listener)) {
	for i := range r.slots {
		if s := r.slots[i].Load(); s != nil {
			fn(i, s.l)
		}
	}
}

// Len returns the number of attached listeners.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// Cap returns the number of slots.
func (r *Registry) Cap() int { return len(r.slots) }
