package controller

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-common/internal/metrics"
)

// Status holds the capability and fault flags. Drivers set them, everyone
// else reads.
type Status struct {
	faulted atomic.Bool
	rxFault atomic.Bool
	txFault atomic.Bool
	fd      atomic.Bool
}

func (s *Status) IsFaulted() bool      { return s.faulted.Load() }
func (s *Status) HasRXFault() bool     { return s.rxFault.Load() }
func (s *Status) HasTXFault() bool     { return s.txFault.Load() }
func (s *Status) SupportsFDMode() bool { return s.fd.Load() }

func (s *Status) SetFaulted(on bool) {
	if s.faulted.Swap(on) != on {
		metrics.SetFault(metrics.FaultBus, on)
	}
}

func (s *Status) SetRXFault(on bool) {
	if s.rxFault.Swap(on) != on {
		metrics.SetFault(metrics.FaultRX, on)
	}
}

func (s *Status) SetTXFault(on bool) {
	if s.txFault.Swap(on) != on {
		metrics.SetFault(metrics.FaultTX, on)
	}
}

func (s *Status) SetFDSupport(on bool) { s.fd.Store(on) }

// ClearFaults resets all three fault flags.
func (s *Status) ClearFaults() {
	s.SetFaulted(false)
	s.SetRXFault(false)
	s.SetTXFault(false)
}
