package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-gateway._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance string, port int, meta []string) (func(), error) {
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// startMDNS advertises the gateway and returns a cleanup function. It is a
// no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"backend=" + cfg.backend,
		"bitrate=" + strconv.FormatUint(uint64(cfg.bitrate), 10),
		"fd=" + strconv.FormatBool(cfg.fdBitrate != 0),
		"version=" + version,
		"commit=" + commit,
	}
	shutdown, err := registerMDNS(mdnsInstance(cfg), port, meta)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() {
		close(done)
		select {
		case <-stopped:
		case <-time.After(time.Second):
		}
	}, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "can-gateway-" + host
}

// portOf extracts the port of a bound listener address.
func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
