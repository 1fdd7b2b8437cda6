package main

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStartMDNSDisabled(t *testing.T) {
	called := false
	old := registerMDNS
	registerMDNS = func(string, int, []string) (func(), error) { called = true; return func() {}, nil }
	defer func() { registerMDNS = old }()
	stop, err := startMDNS(context.Background(), &appConfig{}, 20000)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	stop()
	if called {
		t.Fatalf("registered while disabled")
	}
}

func TestStartMDNSRegisters(t *testing.T) {
	var gotName string
	var gotPort int
	var gotMeta []string
	shutdown := make(chan struct{})
	old := registerMDNS
	registerMDNS = func(name string, port int, meta []string) (func(), error) {
		gotName, gotPort, gotMeta = name, port, meta
		return func() { close(shutdown) }, nil
	}
	defer func() { registerMDNS = old }()

	cfg := &appConfig{mdnsEnable: true, mdnsName: "bench-gw", backend: "sim", bitrate: 500000}
	stop, err := startMDNS(context.Background(), cfg, 20001)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if gotName != "bench-gw" || gotPort != 20001 {
		t.Fatalf("name=%q port=%d", gotName, gotPort)
	}
	meta := strings.Join(gotMeta, " ")
	for _, want := range []string{"backend=sim", "bitrate=500000", "fd=false"} {
		if !strings.Contains(meta, want) {
			t.Fatalf("meta %q missing %q", meta, want)
		}
	}
	stop()
	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatalf("service not shut down")
	}
}

func TestStartMDNSStopsWithContext(t *testing.T) {
	shutdown := make(chan struct{})
	old := registerMDNS
	registerMDNS = func(string, int, []string) (func(), error) { return func() { close(shutdown) }, nil }
	defer func() { registerMDNS = old }()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := startMDNS(ctx, &appConfig{mdnsEnable: true}, 1); err != nil {
		t.Fatalf("err=%v", err)
	}
	cancel()
	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatalf("service not shut down on cancel")
	}
}

func TestMDNSInstanceDefault(t *testing.T) {
	if got := mdnsInstance(&appConfig{}); !strings.HasPrefix(got, "can-gateway-") {
		t.Fatalf("instance %q", got)
	}
}

func TestPortOf(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:20000", 20000},
		{"[::]:8080", 8080},
		{":0", 0},
		{"nohost", 0},
		{"host:http", 0},
	}
	for _, tc := range tests {
		if got := portOf(tc.addr); got != tc.want {
			t.Fatalf("portOf(%q)=%d want %d", tc.addr, got, tc.want)
		}
	}
}
