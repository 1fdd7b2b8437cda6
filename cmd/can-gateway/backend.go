package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-common/internal/controller"
)

const (
	txQueueSize = 1024
	rxQueueSize = 256
)

// initBackend opens the selected bus driver. The returned cleanup stops its
// goroutines and releases the device.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (controller.Driver, func(), error) {
	switch cfg.backend {
	case "sim":
		return initSimBackend(cfg, l)
	case "serial":
		return initSerialBackend(ctx, cfg, l)
	case "socketcan":
		return initSocketCANBackend(ctx, cfg, l)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use sim|serial|socketcan)", cfg.backend)
	}
}
