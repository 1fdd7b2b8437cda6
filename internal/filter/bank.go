package filter

import (
	"errors"
	"sync"
)

var (
	ErrNoFreeMailbox = errors.New("filter: no free mailbox")
	ErrMailboxRange  = errors.New("filter: mailbox out of range")
)

// Bank emulates a fixed set of hardware mailboxes for adapters that have no
// acceptance filtering of their own. An empty bank lets nothing through.
type Bank struct {
	mu    sync.RWMutex
	slots []slot
}

type slot struct {
	f    Filter
	used bool
}

// NewBank creates a bank with n mailboxes.
func NewBank(n int) *Bank {
	if n < 1 {
		n = 1
	}
	return &Bank{slots: make([]slot, n)}
}

// Len returns the number of mailboxes.
func (b *Bank) Len() int { return len(b.slots) }

// Set programs the lowest unused mailbox and returns its index.
func (b *Bank) Set(id, mask uint32, extended bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if !b.slots[i].used {
			b.slots[i] = slot{f: Filter{ID: id, Mask: mask, Extended: extended}, used: true}
			return i, nil
		}
	}
	return -1, ErrNoFreeMailbox
}

// SetAt programs a specific mailbox, replacing what was there.
func (b *Bank) SetAt(mailbox int, id, mask uint32, extended bool) (int, error) {
	if mailbox < 0 || mailbox >= len(b.slots) {
		return -1, ErrMailboxRange
	}
	b.mu.Lock()
	b.slots[mailbox] = slot{f: Filter{ID: id, Mask: mask, Extended: extended}, used: true}
	b.mu.Unlock()
	return mailbox, nil
}

// Clear releases one mailbox.
func (b *Bank) Clear(mailbox int) {
	if mailbox < 0 || mailbox >= len(b.slots) {
		return
	}
	b.mu.Lock()
	b.slots[mailbox] = slot{}
	b.mu.Unlock()
}

// Reset releases all mailboxes.
func (b *Bank) Reset() {
	b.mu.Lock()
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.mu.Unlock()
}

// Match returns the lowest mailbox whose filter accepts the identifier.
func (b *Bank) Match(id uint32, extended bool) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.slots {
		if b.slots[i].used && b.slots[i].f.Matches(id, extended) {
			return i, true
		}
	}
	return -1, false
}

// Get returns the filter in a mailbox and whether it is in use.
func (b *Bank) Get(mailbox int) (Filter, bool) {
	if mailbox < 0 || mailbox >= len(b.slots) {
		return Filter{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.slots[mailbox]
	return s.f, s.used
}
