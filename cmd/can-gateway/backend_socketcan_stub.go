//go:build !linux

package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/socketcan"
)

func initSocketCANBackend(context.Context, *appConfig, *slog.Logger) (controller.Driver, func(), error) {
	return nil, func() {}, socketcan.ErrUnsupported
}
