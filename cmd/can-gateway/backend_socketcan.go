//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

func initSocketCANBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (controller.Driver, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	drv := socketcan.NewDriver(ctx, dev,
		socketcan.WithName(cfg.canIf),
		socketcan.WithTxQueue(txQueueSize),
		socketcan.WithRxQueue(rxQueueSize),
		socketcan.WithLogger(l.With("backend", "socketcan")),
	)
	return drv, func() { _ = drv.Close() }, nil
}
