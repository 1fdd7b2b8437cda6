// Package listener holds the fixed-size set of frame observers a controller
// notifies on every successful send and receive.
package listener

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-common/internal/can"
)

// NoMailbox is the mailbox passed to notifications that did not come through
// a specific hardware mailbox (send and receive fan-out).
const NoMailbox = -1

// MaxMailboxes is the largest mailbox count a Mask can track.
const MaxMailboxes = 63

const defaultMailboxes = 8

// Listener observes frames passing through a controller.
//
// Implementations must be comparable (use pointer receivers): the registry
// finds a listener again by identity on detach.
type Listener interface {
	GotFrame(f *can.Frame, mailbox int)
	SentFrame(f *can.Frame, mailbox int)
	Activation() *Mask
}

// FDListener is implemented by listeners that also want FD frames.
type FDListener interface {
	Listener
	GotFrameFD(f *can.FrameFD, mailbox int)
	SentFrameFD(f *can.FrameFD, mailbox int)
}

// Mask is a listener's activation bitmask. Bits 0..n-1 select mailboxes,
// bit n is the general handler. It is safe for concurrent use.
type Mask struct {
	bits atomic.Uint64
	n    atomic.Int32 // mailbox count; 0 means not attached yet
}

func (m *Mask) mailboxes() int {
	if n := int(m.n.Load()); n > 0 {
		return n
	}
	return defaultMailboxes
}

// Reset clears every bit and sizes the mask for numFilters mailboxes.
func (m *Mask) Reset(numFilters int) {
	if numFilters < 1 {
		numFilters = 1
	}
	if numFilters > MaxMailboxes {
		numFilters = MaxMailboxes
	}
	m.n.Store(int32(numFilters))
	m.bits.Store(0)
}

// Mailboxes returns the mailbox count the mask is sized for.
func (m *Mask) Mailboxes() int { return m.mailboxes() }

func (m *Mask) set(bit int) {
	for {
		old := m.bits.Load()
		if m.bits.CompareAndSwap(old, old|1<<uint(bit)) {
			return
		}
	}
}

func (m *Mask) clear(bit int) {
	for {
		old := m.bits.Load()
		if m.bits.CompareAndSwap(old, old&^(1<<uint(bit))) {
			return
		}
	}
}

// AttachMailboxHandler activates mailbox n. Out of range n is ignored.
func (m *Mask) AttachMailboxHandler(n int) {
	if n < 0 || n >= m.mailboxes() {
		return
	}
	m.set(n)
}

// DetachMailboxHandler deactivates mailbox n. Out of range n is ignored.
func (m *Mask) DetachMailboxHandler(n int) {
	if n < 0 || n >= m.mailboxes() {
		return
	}
	m.clear(n)
}

func (m *Mask) AttachGeneralHandler() { m.set(m.mailboxes()) }

func (m *Mask) DetachGeneralHandler() { m.clear(m.mailboxes()) }

// IsCallbackActive reads bit n. Passing the mailbox count reads the general bit.
func (m *Mask) IsCallbackActive(n int) bool {
	if n < 0 || n > m.mailboxes() {
		return false
	}
	return m.bits.Load()&(1<<uint(n)) != 0
}

// IsGeneralActive reports whether the general handler bit is set.
func (m *Mask) IsGeneralActive() bool { return m.IsCallbackActive(m.mailboxes()) }

// Bits returns the raw bitmask.
func (m *Mask) Bits() uint64 { return m.bits.Load() }

// Base gives embedders no-op notifications and an activation mask.
type Base struct {
	mask Mask
}

func (b *Base) GotFrame(*can.Frame, int)  {}
func (b *Base) SentFrame(*can.Frame, int) {}
func (b *Base) Activation() *Mask         { return &b.mask }

// Func adapts plain functions to a Listener. Nil fields are skipped.
type Func struct {
	Base
	OnGot  func(f *can.Frame, mailbox int)
	OnSent func(f *can.Frame, mailbox int)
}

func (fl *Func) GotFrame(f *can.Frame, mailbox int) {
	if fl.OnGot != nil {
		fl.OnGot(f, mailbox)
	}
}

func (fl *Func) SentFrame(f *can.Frame, mailbox int) {
	if fl.OnSent != nil {
		fl.OnSent(f, mailbox)
	}
}
