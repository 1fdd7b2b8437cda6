package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

func initSerialBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (controller.Driver, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	drv := serial.NewDriver(ctx, sp,
		serial.WithTxQueue(txQueueSize),
		serial.WithRxQueue(rxQueueSize),
		serial.WithLogger(l.With("backend", "serial")),
	)
	return drv, func() { _ = drv.Close() }, nil
}
