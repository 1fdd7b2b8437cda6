package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/filter"
	"github.com/kstaniek/go-can-common/internal/hub"
	"github.com/kstaniek/go-can-common/internal/listener"
)

// initController brings the bus up, installs the watch filters and attaches
// the hub tap (plus the frame logger with -log-frames).
func initController(cfg *appConfig, drv controller.Driver, h *hub.Hub, l *slog.Logger) (*controller.Controller, error) {
	name := cfg.backend
	if cfg.backend == "socketcan" {
		name = cfg.canIf
	}
	ctrl := controller.New(drv, controller.WithName(name), controller.WithLogger(l))

	var err error
	if cfg.fdBitrate != 0 {
		err = ctrl.BeginFD(uint32(cfg.bitrate), uint32(cfg.fdBitrate))
	} else {
		err = ctrl.BeginBaud(uint32(cfg.bitrate))
	}
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", name, err)
	}

	watches := cfg.watches
	if len(watches) == 0 {
		watches = []string{"all"}
	}
	for _, w := range watches {
		req, err := filter.Parse(w)
		if err != nil {
			return nil, fmt.Errorf("watch %q: %w", w, err)
		}
		mb, err := ctrl.Watch(req)
		if err != nil {
			return nil, fmt.Errorf("watch %q: %w", w, err)
		}
		l.Info("watch_installed", "spec", req.String(), "mailbox", mb)
	}

	tap := hub.NewTap(h)
	tap.Echo = cfg.echoSent
	if !ctrl.AttachListener(tap) {
		return nil, fmt.Errorf("attach hub tap: no free listener slot")
	}
	if cfg.logFrames {
		if !ctrl.AttachListener(&listener.LogListener{Logger: l, Level: slog.LevelInfo}) {
			l.Warn("frame_logger_not_attached")
		}
	}
	l.Info("controller_ready", "name", name, "bitrate", ctrl.BusSpeed(), "fd_bitrate", ctrl.FDSpeed(), "mailboxes", ctrl.NumFilters())
	return ctrl, nil
}

// startPoll drains the receive queue into the listeners until ctx is done.
func startPoll(ctx context.Context, ctrl *controller.Controller, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Poll(ctx)
	}()
}
