package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-common/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "CAN frames decoded from the serial adapter.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "CAN frames written to the serial adapter.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "CAN frames read from the SocketCAN interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "CAN frames written to the SocketCAN interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "CAN frames dropped by the hub for slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Clients disconnected by the kick backpressure policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Client connections rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Clients targeted by the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Max queued frames among clients in the last sample.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Average queued frames per client in the last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Errors by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed frames (bad length, bad checksum, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label values. Keep this set small and stable.
const (
	ErrTCPRead         = "tcp_read"
	ErrTCPWrite        = "tcp_write"
	ErrHandshake       = "handshake"
	ErrSerialWrite     = "serial_write"
	ErrSerialOverflow  = "serial_tx_overflow"
	ErrSerialRead      = "serial_read"
	ErrSocketCANWrite  = "socketcan_write"
	ErrSocketCANOver   = "socketcan_tx_overflow"
	ErrSocketCANRead   = "socketcan_read"
	ErrSocketCANRxOver = "socketcan_rx_overflow"
	ErrSerialRxOver    = "serial_rx_overflow"
	ErrGatewaySend     = "gateway_send"
	ErrFilter          = "filter"
)

// Handler returns the mux serving /metrics and /ready.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Mirrors of the Prometheus counters, read by Snap for log reporting.
var (
	localSerialRx    atomic.Uint64
	localSerialTx    atomic.Uint64
	localSocketCANRx atomic.Uint64
	localSocketCANTx atomic.Uint64
	localTCPRx       atomic.Uint64
	localTCPTx       atomic.Uint64
	localHubDrop     atomic.Uint64
	localHubKick     atomic.Uint64
	localHubReject   atomic.Uint64
	localErrors      atomic.Uint64
	localHubClients  atomic.Uint64
	localFanout      atomic.Uint64
	localMalformed   atomic.Uint64
	localQDMax       atomic.Uint64
	localQDAvg       atomic.Uint64
)

// Snapshot is a copy of the mirrored counters.
type Snapshot struct {
	SerialRx      uint64
	SerialTx      uint64
	SocketCANRx   uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64

	CtrlRx        uint64
	CtrlTx        uint64
	CtrlRxFD      uint64
	CtrlTxFD      uint64
	CtrlTxFail    uint64
	Notifications uint64
	Interrupts    uint64
	Unclaimed     uint64
	Listeners     uint64
	Faulted       bool
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:      localSerialRx.Load(),
		SerialTx:      localSerialTx.Load(),
		SocketCANRx:   localSocketCANRx.Load(),
		SocketCANTx:   localSocketCANTx.Load(),
		TCPRx:         localTCPRx.Load(),
		TCPTx:         localTCPTx.Load(),
		HubDrops:      localHubDrop.Load(),
		HubKicks:      localHubKick.Load(),
		HubRejects:    localHubReject.Load(),
		Errors:        localErrors.Load(),
		HubClients:    localHubClients.Load(),
		Fanout:        localFanout.Load(),
		Malformed:     localMalformed.Load(),
		QueueDepthMax: localQDMax.Load(),
		QueueDepthAvg: localQDAvg.Load(),
		CtrlRx:        localCtrlRx.Load(),
		CtrlTx:        localCtrlTx.Load(),
		CtrlRxFD:      localCtrlRxFD.Load(),
		CtrlTxFD:      localCtrlTxFD.Load(),
		CtrlTxFail:    localCtrlTxFail.Load(),
		Notifications: localNotify.Load(),
		Interrupts:    localInterrupts.Load(),
		Unclaimed:     localUnclaimed.Load(),
		Listeners:     localListeners.Load(),
		Faulted:       localFaulted.Load(),
	}
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	localSerialRx.Add(1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	localSerialTx.Add(1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	localSocketCANRx.Add(1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	localSocketCANTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	localFanout.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// SetQueueDepth records max and avg client queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	localQDMax.Store(uint64(max))
	localQDAvg.Store(uint64(avg))
}

// InitBuildInfo sets the build info gauge. Call once at startup.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// pre-create error series so they show up as 0 before the first error
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead, ErrSocketCANRxOver,
		ErrSerialRxOver, ErrGatewaySend, ErrFilter,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function behind /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady calls the registered readiness function. Without one it reports
// ready.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
