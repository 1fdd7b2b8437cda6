package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-common/internal/metrics"
)

func logSnapshot(l *slog.Logger) {
	snap := metrics.Snap()
	l.Info("metrics_snapshot",
		"can_rx", snap.CtrlRx,
		"can_tx", snap.CtrlTx,
		"can_rx_fd", snap.CtrlRxFD,
		"can_tx_fd", snap.CtrlTxFD,
		"can_tx_fail", snap.CtrlTxFail,
		"notifications", snap.Notifications,
		"interrupts", snap.Interrupts,
		"unclaimed", snap.Unclaimed,
		"listeners", snap.Listeners,
		"faulted", snap.Faulted,
		"serial_rx", snap.SerialRx,
		"serial_tx", snap.SerialTx,
		"socketcan_rx", snap.SocketCANRx,
		"socketcan_tx", snap.SocketCANTx,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"malformed", snap.Malformed,
		"errors", snap.Errors,
	)
}

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l)
			case <-ctx.Done():
				return
			}
		}
	}()
}
