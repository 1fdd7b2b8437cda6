package hub

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/logging"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound buffer of n frames.
func NewClient(n int) *Client {
	return &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Hub fans frames out to TCP clients. Broadcast reads a copy-on-write client
// list and never blocks on a slow client.
type Hub struct {
	mu         sync.Mutex
	clients    map[*Client]struct{}
	snap       atomic.Pointer[[]*Client]
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub {
	h := &Hub{clients: make(map[*Client]struct{})}
	h.snap.Store(&[]*Client{})
	return h
}

// rebuild publishes a fresh snapshot; h.mu must be held.
func (h *Hub) rebuild() int {
	list := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		list = append(list, c)
	}
	h.snap.Store(&list)
	return len(list)
}

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	_, dup := h.clients[c]
	h.clients[c] = struct{}{}
	cur := h.rebuild()
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if !dup && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := h.rebuild()
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast sends a frame to all connected clients honoring the backpressure
// policy.
func (h *Hub) Broadcast(fr can.Frame) {
	clients := *h.snap.Load()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	max, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		if l > max {
			max = l
		}
		sum += l
	}
	metrics.SetQueueDepth(max, sum/len(clients))
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- fr:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server removes on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns the current clients (read-only).
func (h *Hub) Snapshot() []*Client { return *h.snap.Load() }

// Count returns the number of active clients.
func (h *Hub) Count() int { return len(*h.snap.Load()) }
