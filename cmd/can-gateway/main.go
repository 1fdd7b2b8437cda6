package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-common/internal/cnl"
	"github.com/kstaniek/go-can-common/internal/metrics"
	"github.com/kstaniek/go-can-common/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if showVersion {
		fmt.Printf("can-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, os.Stderr)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l, nil); err != nil {
		l.Error("gateway_error", "error", err)
		os.Exit(1)
	}
}

// run wires backend, controller, hub, TCP server, mDNS and metrics, and
// blocks until ctx is done. ready, when non-nil, receives the bound server.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger, ready chan<- *server.Server) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	drv, cleanup, err := initBackend(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	defer cleanup()

	h := initHub(cfg, l)
	ctrl, err := initController(cfg, drv, h, l)
	if err != nil {
		return err
	}
	startPoll(ctx, ctrl, &wg)
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithTransmitter(ctrl),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-serveErr:
		return fmt.Errorf("tcp server: %w", err)
	case <-ctx.Done():
		return nil
	}
	if ready != nil {
		ready <- srv
	}

	if cfg.mdnsEnable {
		port := portOf(srv.Addr())
		stopMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
			defer stopMDNS()
		}
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && !ctrl.IsFaulted() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	select {
	case <-ctx.Done():
		l.Info("shutdown_signal")
	case err := <-serveErr:
		if err != nil {
			l.Error("tcp_server_error", "error", err)
		}
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	logSnapshot(l)
	return nil
}
