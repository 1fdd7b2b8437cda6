package hub

import (
	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/listener"
)

// Tap is a controller listener that forwards received frames to the hub.
// With Echo set, frames the controller transmitted are forwarded as well.
type Tap struct {
	listener.Base
	hub  *Hub
	Echo bool
}

var _ listener.Listener = (*Tap)(nil)

func NewTap(h *Hub) *Tap { return &Tap{hub: h} }

func (t *Tap) GotFrame(f *can.Frame, _ int) { t.hub.Broadcast(*f) }

func (t *Tap) SentFrame(f *can.Frame, _ int) {
	if t.Echo {
		t.hub.Broadcast(*f)
	}
}
