// Package sim is an in-memory CAN bus. Each attached Driver behaves like a
// controller chip with its own mailboxes, receive queue and fault flags.
package sim

import (
	"sync"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/filter"
	"github.com/kstaniek/go-can-common/internal/logging"
	"github.com/kstaniek/go-can-common/internal/transport"
)

const (
	DefaultFilters = 16
	DefaultRxQueue = 64
)

// Bus connects the drivers attached to it. A frame sent by one node reaches
// every other enabled node running at the same nominal bit rate.
type Bus struct {
	mu    sync.RWMutex
	nodes map[*Driver]struct{}
}

func NewBus() *Bus {
	return &Bus{nodes: make(map[*Driver]struct{})}
}

// Options configure a node.
type Options struct {
	Name    string
	FD      bool // node supports CAN FD
	Filters int  // mailboxes, DefaultFilters if 0
	RxQueue int  // receive queue depth, DefaultRxQueue if 0
}

// Attach adds a node. It starts disabled until Init or InitFD.
func (b *Bus) Attach(opts Options) *Driver {
	if opts.Filters <= 0 {
		opts.Filters = DefaultFilters
	}
	if opts.RxQueue <= 0 {
		opts.RxQueue = DefaultRxQueue
	}
	if opts.Name == "" {
		opts.Name = "sim"
	}
	d := &Driver{
		bus:  b,
		opts: opts,
		bank: filter.NewBank(opts.Filters),
		rx:   transport.NewQueue[can.FrameFD](opts.RxQueue),
	}
	d.status = &d.ownStatus
	b.mu.Lock()
	b.nodes[d] = struct{}{}
	n := len(b.nodes)
	b.mu.Unlock()
	logging.L().Debug("sim_node_attached", "node", opts.Name, "fd", opts.FD, "filters", opts.Filters, "nodes", n)
	return d
}

// Detach removes a node from the bus.
func (b *Bus) Detach(d *Driver) {
	b.mu.Lock()
	delete(b.nodes, d)
	b.mu.Unlock()
}

// Nodes returns the number of attached nodes.
func (b *Bus) Nodes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

func (b *Bus) peers(from *Driver) []*Driver {
	b.mu.RLock()
	out := make([]*Driver, 0, len(b.nodes))
	for d := range b.nodes {
		if d != from {
			out = append(out, d)
		}
	}
	b.mu.RUnlock()
	return out
}
