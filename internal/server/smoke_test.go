package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/cnl"
	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/hub"
	"github.com/kstaniek/go-can-common/internal/metrics"
	"github.com/kstaniek/go-can-common/internal/sim"
)

// fakeTX records frames handed to the bus.
type fakeTX struct {
	mu     sync.Mutex
	frames []can.Frame
	refuse bool
}

func (f *fakeTX) SendFrame(fr *can.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.frames = append(f.frames, *fr)
	return true
}

func (f *fakeTX) sent() []can.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Frame(nil), f.frames...)
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]ServerOption{WithCodec(&cnl.Codec{}), WithListenAddr("127.0.0.1:0")}, opts...)
	srv := NewServer(opts...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
	t.Cleanup(cancel)
	return srv, cancel
}

func dialAndHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := cnl.Handshake(context.Background(), conn, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readFrames collects n frames from conn or fails after timeout.
func readFrames(t *testing.T, conn net.Conn, n int, timeout time.Duration) []can.Frame {
	t.Helper()
	var acc bytes.Buffer
	tmp := make([]byte, 512)
	deadline := time.Now().Add(timeout)
	codec := cnl.Codec{}
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		m, err := conn.Read(tmp)
		acc.Write(tmp[:m])
		if err != nil && !isTimeout(err) {
			t.Fatalf("read: %v", err)
		}
		var out []can.Frame
		_, _ = codec.DecodeN(bytes.NewReader(acc.Bytes()), 0, func(f can.Frame) { out = append(out, f) })
		if len(out) >= n {
			return out
		}
	}
	t.Fatalf("timed out waiting for %d frames (%d bytes)", n, acc.Len())
	return nil
}

func eventually(t *testing.T, cond func() bool) {
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

func TestSmokeServer(t *testing.T) {
	tx := &fakeTX{}
	h := hub.New()
	srv, _ := startServer(t, WithHub(h), WithTransmitter(tx))
	conn := dialAndHandshake(t, srv.Addr())

	codec := cnl.Codec{}
	in := []can.Frame{
		{ID: 0x123, Length: 3, Data: can.Payload{1, 2, 3}},
		{ID: 0x18FA1900, Extended: true, Length: 1, Data: can.Payload{9}},
	}
	if _, err := conn.Write(codec.Encode(in)); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool { return len(tx.sent()) == 2 })
	if got := tx.sent(); got[0] != in[0] || got[1] != in[1] {
		t.Fatalf("sent %v", got)
	}

	eventually(t, func() bool { return h.Count() == 1 })
	h.Broadcast(can.Frame{ID: 0x456, Length: 2, Data: can.Payload{9, 8}})
	out := readFrames(t, conn, 1, time.Second)
	if out[0].ID != 0x456 || out[0].Data[1] != 8 {
		t.Fatalf("broadcast %v", out[0].String())
	}
}

func TestSmokeBatch(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, WithHub(h), WithBatchSize(16))
	conn := dialAndHandshake(t, srv.Addr())
	eventually(t, func() bool { return h.Count() == 1 })

	pre := metrics.Snap().TCPTx
	for i := 0; i < 64; i++ {
		h.Broadcast(can.Frame{ID: uint32(0x700 + i%32), Length: 1, Data: can.Payload{byte(i)}})
	}
	out := readFrames(t, conn, 64, 2*time.Second)
	for i, f := range out[:64] {
		if f.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, f.String())
		}
	}
	if d := metrics.Snap().TCPTx - pre; d < 64 {
		t.Fatalf("tcp tx delta %d", d)
	}
}

// TestGatewayOverSimBus runs a client through the server into a controller on
// a simulated bus and back.
func TestGatewayOverSimBus(t *testing.T) {
	bus := sim.NewBus()
	gw := controller.New(bus.Attach(sim.Options{Name: "gw"}))
	node := controller.New(bus.Attach(sim.Options{Name: "node"}))
	for _, c := range []*controller.Controller{gw, node} {
		if err := c.Begin(); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if _, err := c.WatchFor(); err != nil {
			t.Fatalf("WatchFor: %v", err)
		}
	}
	h := hub.New()
	gw.AttachListener(hub.NewTap(h))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Poll(ctx)

	srv, _ := startServer(t, WithHub(h), WithTransmitter(gw))
	conn := dialAndHandshake(t, srv.Addr())
	eventually(t, func() bool { return h.Count() == 1 })

	codec := cnl.Codec{}
	if _, err := conn.Write(codec.Encode([]can.Frame{{ID: 0x7E0, Length: 2, Data: can.Payload{0x02, 0x10}}})); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool { return node.Available() == 1 })
	var f can.Frame
	if node.Read(&f) != 1 || f.ID != 0x7E0 || f.Data[1] != 0x10 {
		t.Fatalf("node read %v", f.String())
	}

	if !node.SendFrame(&can.Frame{ID: 0x7E8, Length: 2, Data: can.Payload{0x50, 0x01}}) {
		t.Fatalf("node send failed")
	}
	out := readFrames(t, conn, 1, 2*time.Second)
	if out[0].ID != 0x7E8 || out[0].Data[0] != 0x50 {
		t.Fatalf("client got %v", out[0].String())
	}
}

func TestSendRejectedKeepsConnection(t *testing.T) {
	tx := &fakeTX{refuse: true}
	srv, _ := startServer(t, WithTransmitter(tx))
	conn := dialAndHandshake(t, srv.Addr())
	codec := cnl.Codec{}
	conn.Write(codec.Encode([]can.Frame{{ID: 1}}))
	eventually(t, func() bool { return srv.Stats().Rejected == 1 })

	tx.mu.Lock()
	tx.refuse = false
	tx.mu.Unlock()
	conn.Write(codec.Encode([]can.Frame{{ID: 2}}))
	eventually(t, func() bool { return len(tx.sent()) == 1 })
}

func TestHandshakeFailure(t *testing.T) {
	srv, _ := startServer(t, WithHandshakeTimeout(200*time.Millisecond))
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "HELLOWORLD!!"); err != nil {
		t.Fatalf("write: %v", err)
	}
	eventually(t, func() bool { return srv.Stats().HandshakeFailed == 1 })
	if !errors.Is(srv.LastError(), ErrHandshake) {
		t.Fatalf("last error %v", srv.LastError())
	}
	if srv.Stats().Connected != 0 {
		t.Fatalf("client registered after failed handshake")
	}
}

func TestMaxClients(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, WithHub(h), WithMaxClients(1))
	dialAndHandshake(t, srv.Addr())
	eventually(t, func() bool { return h.Count() == 1 })

	c2 := dialAndHandshake(t, srv.Addr())
	_ = c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("second client not closed: %v", err)
	}
	if h.Count() != 1 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestFrameFilter(t *testing.T) {
	tx := &fakeTX{}
	srv, _ := startServer(t, WithTransmitter(tx), WithFrameFilter(func(f *can.Frame) bool { return f.ID >= 0x100 }))
	conn := dialAndHandshake(t, srv.Addr())
	codec := cnl.Codec{}
	conn.Write(codec.Encode([]can.Frame{{ID: 0x50}, {ID: 0x150}, {ID: 0x10}, {ID: 0x200}}))
	eventually(t, func() bool { return len(tx.sent()) == 2 })
	time.Sleep(20 * time.Millisecond)
	got := tx.sent()
	if len(got) != 2 || got[0].ID != 0x150 || got[1].ID != 0x200 {
		t.Fatalf("sent %v", got)
	}
}

func TestClosedClientDisconnects(t *testing.T) {
	h := hub.New()
	srv, _ := startServer(t, WithHub(h))
	conn := dialAndHandshake(t, srv.Addr())
	eventually(t, func() bool { return h.Count() == 1 })
	h.Snapshot()[0].Close() // what PolicyKick does to a slow client

	eventually(t, func() bool { return srv.Stats().Disconnected == 1 })
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 64)); err == nil || isTimeout(err) {
		t.Fatalf("closed client still open: %v", err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	h := hub.New()
	srv := NewServer(WithHub(h), WithCodec(&cnl.Codec{}), WithListenAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	<-srv.Ready()
	dialAndHandshake(t, srv.Addr())
	eventually(t, func() bool { return h.Count() == 1 })

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.Count() != 0 {
		t.Fatalf("clients left after shutdown: %d", h.Count())
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func TestServeWithoutCodec(t *testing.T) {
	srv := NewServer()
	if err := srv.Serve(context.Background()); !errors.Is(err, ErrListen) {
		t.Fatalf("expected ErrListen, got %v", err)
	}
}

func TestMapErrToMetric(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrConnRead, metrics.ErrTCPRead},
		{ErrConnWrite, metrics.ErrTCPWrite},
		{ErrHandshake, metrics.ErrHandshake},
		{ErrSendRejected, metrics.ErrGatewaySend},
		{ErrListen, metrics.ErrTCPRead},
		{ErrContext, "context"},
		{errors.New("x"), "other"},
	}
	for _, tc := range tests {
		wrapped := errors.Join(errors.New("ctx"), tc.err)
		if got := mapErrToMetric(wrapped); got != tc.want {
			t.Fatalf("%v: got %q want %q", tc.err, got, tc.want)
		}
	}
}
