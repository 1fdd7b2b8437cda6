package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/hub"
	"github.com/kstaniek/go-can-common/internal/serial"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scriptPort returns fed bytes and otherwise idles like a UART with a read
// timeout.
type scriptPort struct {
	mu     sync.Mutex
	rx     []byte
	tx     bytes.Buffer
	closed bool
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.rx) > 0 {
		n := copy(b, p.rx)
		p.rx = p.rx[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return 0, nil
}

func (p *scriptPort) feed(b []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, b...)
	p.mu.Unlock()
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSerialBackendDeliversToController(t *testing.T) {
	port := &scriptPort{}
	var gotName string
	var gotBaud int
	old := openSerialPort
	openSerialPort = func(name string, baud int, _ time.Duration) (serial.Port, error) {
		gotName, gotBaud = name, baud
		return port, nil
	}
	defer func() { openSerialPort = old }()

	cfg := validConfig()
	cfg.serialDev = "/dev/ttyTEST"
	cfg.baud = 57600
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drv, cleanup, err := initBackend(ctx, cfg, discardLogger())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer cleanup()
	if gotName != "/dev/ttyTEST" || gotBaud != 57600 {
		t.Fatalf("opened %q at %d", gotName, gotBaud)
	}

	ctrl, err := initController(cfg, drv, hub.New(), discardLogger())
	if err != nil {
		t.Fatalf("initController: %v", err)
	}
	// ID 0x123, payload AA
	port.feed([]byte{0x2D, 0xD4, 0x06, 0x00, 0x00, 0x01, 0x23, 0xAA, 0x01})
	waitFor(t, func() bool { return ctrl.Available() == 1 })
	var f can.Frame
	if ctrl.Read(&f) != 1 || f.ID != 0x123 || !f.Extended || f.Length != 1 || f.Data[0] != 0xAA {
		t.Fatalf("read %+v", f)
	}

	if !ctrl.SendFrame(&can.Frame{ID: 0x10, Extended: true, Length: 1, Data: can.Payload{0x55}}) {
		t.Fatalf("SendFrame refused")
	}
	waitFor(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return port.tx.Len() > 0
	})
	cleanup()
	port.mu.Lock()
	defer port.mu.Unlock()
	if !port.closed {
		t.Fatalf("cleanup did not close the port")
	}
}

func TestSerialBackendOpenError(t *testing.T) {
	old := openSerialPort
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	defer func() { openSerialPort = old }()
	_, cleanup, err := initBackend(context.Background(), validConfig(), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "open serial") {
		t.Fatalf("err=%v", err)
	}
	cleanup()
}

func TestUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "lin"
	if _, _, err := initBackend(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSimBackendResponder(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "sim"
	drv, cleanup, err := initBackend(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer cleanup()
	ctrl := controller.New(drv)
	if err := ctrl.BeginBaud(uint32(cfg.bitrate)); err != nil {
		t.Fatalf("BeginBaud: %v", err)
	}
	if _, err := ctrl.WatchFor(); err != nil {
		t.Fatalf("WatchFor: %v", err)
	}
	if !ctrl.SendFrame(&can.Frame{ID: 0x7E0, Length: 2, Data: can.Payload{0x01, 0x0C}}) {
		t.Fatalf("SendFrame refused")
	}
	if !ctrl.SendFrame(&can.Frame{ID: 0x1FFFFFFA, Extended: true}) {
		t.Fatalf("SendFrame refused")
	}
	var f can.Frame
	if ctrl.Read(&f) != 1 || f.ID != 0x7E8 || f.Data[1] != 0x0C {
		t.Fatalf("reply %+v", f)
	}
	if ctrl.Read(&f) != 1 || f.ID != 0x02 || !f.Extended {
		t.Fatalf("extended reply must wrap in 29 bits: %+v", f)
	}
}
