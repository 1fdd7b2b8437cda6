package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Controller counters
var (
	CtrlRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Frames read through the controller, by format.",
	}, []string{"format"})
	CtrlTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Frames sent through the controller, by format.",
	}, []string{"format"})
	CtrlTxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_failures_total",
		Help: "Sends the driver refused.",
	})
	ListenerNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_listener_notifications_total",
		Help: "Listener notifications delivered by send/receive fan-out.",
	})
	InterruptCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_interrupt_callbacks_total",
		Help: "Driver interrupts consumed, by handler kind.",
	}, []string{"kind"})
	InterruptUnclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_interrupt_unclaimed_total",
		Help: "Driver interrupts no callback or listener consumed.",
	})
	FilterInstalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_filter_installs_total",
		Help: "Acceptance filters programmed into the driver.",
	})
	ListenersAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_listeners_attached",
		Help: "Listeners currently attached to the controller.",
	})
	Faults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "can_fault",
		Help: "Fault flags reported by the driver (1 = set).",
	}, []string{"kind"})

	ctrlRxClassic = CtrlRxFrames.WithLabelValues("classic")
	ctrlRxFD      = CtrlRxFrames.WithLabelValues("fd")
	ctrlTxClassic = CtrlTxFrames.WithLabelValues("classic")
	ctrlTxFD      = CtrlTxFrames.WithLabelValues("fd")
	intMailbox    = InterruptCallbacks.WithLabelValues("mailbox")
	intGeneral    = InterruptCallbacks.WithLabelValues("general")
	intListener   = InterruptCallbacks.WithLabelValues("listener")
	faultBus      = Faults.WithLabelValues("bus")
	faultRX       = Faults.WithLabelValues("rx")
	faultTX       = Faults.WithLabelValues("tx")
)

// Handler kinds for IncInterrupt.
const (
	InterruptMailbox = iota
	InterruptGeneral
	InterruptListener
)

// Fault kinds for SetFault.
const (
	FaultBus = iota
	FaultRX
	FaultTX
)

var (
	localCtrlRx     atomic.Uint64
	localCtrlTx     atomic.Uint64
	localCtrlRxFD   atomic.Uint64
	localCtrlTxFD   atomic.Uint64
	localCtrlTxFail atomic.Uint64
	localNotify     atomic.Uint64
	localInterrupts atomic.Uint64
	localUnclaimed  atomic.Uint64
	localListeners  atomic.Uint64
	localFaulted    atomic.Bool
)

func IncCtrlRx() {
	ctrlRxClassic.Inc()
	localCtrlRx.Add(1)
}

func IncCtrlRxFD() {
	ctrlRxFD.Inc()
	localCtrlRxFD.Add(1)
}

func IncCtrlTx() {
	ctrlTxClassic.Inc()
	localCtrlTx.Add(1)
}

func IncCtrlTxFD() {
	ctrlTxFD.Inc()
	localCtrlTxFD.Add(1)
}

func IncCtrlTxFail() {
	CtrlTxFailures.Inc()
	localCtrlTxFail.Add(1)
}

// AddNotifications counts n listener notifications.
func AddNotifications(n int) {
	if n <= 0 {
		return
	}
	ListenerNotifications.Add(float64(n))
	localNotify.Add(uint64(n))
}

func IncInterrupt(kind int) {
	switch kind {
	case InterruptMailbox:
		intMailbox.Inc()
	case InterruptGeneral:
		intGeneral.Inc()
	default:
		intListener.Inc()
	}
	localInterrupts.Add(1)
}

func IncUnclaimed() {
	InterruptUnclaimed.Inc()
	localUnclaimed.Add(1)
}

func IncFilterInstall() { FilterInstalls.Inc() }

func SetListeners(n int) {
	ListenersAttached.Set(float64(n))
	localListeners.Store(uint64(n))
}

func SetFault(kind int, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	switch kind {
	case FaultBus:
		faultBus.Set(v)
		localFaulted.Store(on)
	case FaultRX:
		faultRX.Set(v)
	case FaultTX:
		faultTX.Set(v)
	}
}
