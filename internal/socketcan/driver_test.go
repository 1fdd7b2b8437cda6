package socketcan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/filter"
	"github.com/kstaniek/go-can-common/internal/listener"
)

type readResult struct {
	buf []byte
	err error
}

type fakeDev struct {
	in      chan readResult
	done    chan struct{}
	closeMu sync.Once

	mu       sync.Mutex
	written  [][]byte
	filters  [][]filter.Filter
	filterEr error
	fdErr    error
}

func newFakeDev() *fakeDev {
	return &fakeDev{in: make(chan readResult, 16), done: make(chan struct{})}
}

func (f *fakeDev) Read(buf []byte) (int, error) {
	select {
	case r := <-f.in:
		if r.err != nil {
			return 0, r.err
		}
		return copy(buf, r.buf), nil
	case <-f.done:
		return 0, errors.New("closed")
	case <-time.After(20 * time.Millisecond):
		return 0, ErrTimeout
	}
}

func (f *fakeDev) Write(buf []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), buf...))
	f.mu.Unlock()
	return len(buf), nil
}

func (f *fakeDev) SetFilters(fs []filter.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterEr != nil {
		return f.filterEr
	}
	f.filters = append(f.filters, append([]filter.Filter(nil), fs...))
	return nil
}

func (f *fakeDev) EnableFD() error { return f.fdErr }

func (f *fakeDev) Close() error {
	f.closeMu.Do(func() { close(f.done) })
	return nil
}

func (f *fakeDev) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeDev) push(fr can.FrameFD) {
	buf := make([]byte, FDMTU)
	n := encode(buf, &fr)
	f.in <- readResult{buf: buf[:n]}
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

func setup(t *testing.T) (*fakeDev, *Driver, *controller.Controller) {
	t.Helper()
	dev := newFakeDev()
	drv := NewDriver(context.Background(), dev, WithName("vcan0"))
	t.Cleanup(func() { _ = drv.Close() })
	c := controller.New(drv)
	if err := c.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return dev, drv, c
}

func TestReceiveBeforeFilters(t *testing.T) {
	dev, _, c := setup(t)
	dev.push(can.FrameFD{ID: 0x321, Length: 1, Data: can.PayloadFD{0xAA}})
	eventually(t, func() bool { return c.Available() == 1 })
	var f can.Frame
	if c.Read(&f) != 1 || f.ID != 0x321 || f.Data[0] != 0xAA {
		t.Fatalf("read %v", f)
	}
}

func TestFiltersProgrammed(t *testing.T) {
	dev, _, c := setup(t)
	if mb, err := c.WatchForRange(0x100, 0x1FF); err != nil || mb != 0 {
		t.Fatalf("mb=%d err=%v", mb, err)
	}
	if mb, err := c.WatchForID(0x18FA1900); err != nil || mb != 1 {
		t.Fatalf("mb=%d err=%v", mb, err)
	}
	dev.mu.Lock()
	last := dev.filters[len(dev.filters)-1]
	calls := len(dev.filters)
	dev.mu.Unlock()
	if calls != 2 || len(last) != 2 {
		t.Fatalf("calls=%d last=%v", calls, last)
	}
	if last[0] != (filter.Filter{ID: 0x100, Mask: 0x700}) || !last[1].Extended {
		t.Fatalf("last=%v", last)
	}
}

func TestFilterFailureRollsBack(t *testing.T) {
	dev, drv, c := setup(t)
	dev.filterEr = errors.New("EINVAL")
	if mb, err := c.WatchForID(0x10); err == nil || mb != -1 {
		t.Fatalf("mb=%d err=%v", mb, err)
	}
	if _, used := drv.bank.Get(0); used {
		t.Fatalf("mailbox 0 kept after failure")
	}
}

func TestMailboxFromFilter(t *testing.T) {
	dev, _, c := setup(t)
	c.WatchForID(0x10)
	mb, _ := c.WatchForID(0x20)
	got := make(chan int, 1)
	c.SetCallback(mb, func(f *can.Frame) { got <- int(f.ID) })
	dev.push(can.FrameFD{ID: 0x20})
	select {
	case id := <-got:
		if id != 0x20 {
			t.Fatalf("id=0x%X", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}
	if c.Available() != 0 {
		t.Fatalf("consumed frame queued")
	}
}

func TestSendWritesSocket(t *testing.T) {
	dev, _, c := setup(t)
	var sent atomic.Int32
	c.AttachListener(&listener.Func{OnSent: func(*can.Frame, int) { sent.Add(1) }})
	if !c.SendFrame(&can.Frame{ID: 0x7E0, Length: 2, Data: can.Payload{0x02, 0x10}}) {
		t.Fatalf("SendFrame failed")
	}
	eventually(t, func() bool { return len(dev.writes()) == 1 })
	w := dev.writes()[0]
	var f can.FrameFD
	if err := decode(w, len(w), &f); err != nil || f.ID != 0x7E0 || f.Length != 2 || f.Data[1] != 0x10 {
		t.Fatalf("wrote %v err=%v", f, err)
	}
	if sent.Load() != 1 {
		t.Fatalf("sent notifications=%d", sent.Load())
	}
}

func TestListenOnlyRefusesSend(t *testing.T) {
	_, _, c := setup(t)
	c.SetListenOnly(true)
	if c.SendFrame(&can.Frame{ID: 1}) {
		t.Fatalf("listen-only send succeeded")
	}
}

func TestFD(t *testing.T) {
	dev, _, c := setup(t)
	if c.SendFrameFD(&can.FrameFD{ID: 1, FDMode: true, Length: 16}) {
		t.Fatalf("FD send before InitFD")
	}
	dev.push(can.FrameFD{ID: 2, FDMode: true, Length: 16})
	dev.push(can.FrameFD{ID: 3, Length: 1})
	eventually(t, func() bool { return c.Available() == 1 })
	var f can.Frame
	if c.Read(&f) != 1 || f.ID != 3 {
		t.Fatalf("FD frame reached classic queue: %v", f)
	}

	if err := c.BeginFD(can.BPS500K, 2000000); err != nil {
		t.Fatalf("BeginFD: %v", err)
	}
	if !c.SendFrameFD(&can.FrameFD{ID: 4, FDMode: true, Length: 16}) {
		t.Fatalf("FD send failed")
	}
	if c.SendFrameFD(&can.FrameFD{ID: 4, FDMode: true, Length: 13}) {
		t.Fatalf("invalid FD length accepted")
	}
	eventually(t, func() bool { return len(dev.writes()) == 1 })
	if len(dev.writes()[0]) != FDMTU {
		t.Fatalf("FD write size %d", len(dev.writes()[0]))
	}
	dev.push(can.FrameFD{ID: 5, FDMode: true, Length: 16})
	eventually(t, func() bool { return c.Available() == 1 })
	var fd can.FrameFD
	if c.ReadFD(&fd) != 1 || fd.ID != 5 || fd.Length != 16 {
		t.Fatalf("ReadFD %v", fd)
	}
}

func TestInitFDUnsupported(t *testing.T) {
	dev, _, c := setup(t)
	dev.fdErr = errors.New("ENOPROTOOPT")
	if err := c.BeginFD(can.BPS500K, 2000000); !errors.Is(err, controller.ErrFDUnsupported) {
		t.Fatalf("expected ErrFDUnsupported, got %v", err)
	}
	if c.SupportsFDMode() {
		t.Fatalf("FD flagged")
	}
}

func errorFrame(class uint32, ctrl byte) readResult {
	buf := make([]byte, MTU)
	order.PutUint32(buf[0:4], can.CAN_ERR_FLAG|class)
	buf[4] = 8
	buf[9] = ctrl
	return readResult{buf: buf}
}

func TestErrorFramesSetFaults(t *testing.T) {
	dev, _, c := setup(t)
	dev.in <- errorFrame(errClassBusOff, 0)
	eventually(t, c.IsFaulted)
	dev.in <- errorFrame(errClassCrtl, errCrtlRxOverflow)
	eventually(t, c.HasRXFault)
	dev.in <- errorFrame(errClassCrtl, errCrtlTxWarning)
	eventually(t, c.HasTXFault)
	if c.Available() != 0 {
		t.Fatalf("error frames queued as data")
	}
	dev.in <- errorFrame(errClassRestarted, 0)
	eventually(t, func() bool { return !c.IsFaulted() && !c.HasRXFault() && !c.HasTXFault() })
}

func TestReadErrorBackoff(t *testing.T) {
	var mu sync.Mutex
	var sleeps []time.Duration
	old := sleepFn
	sleepFn = func(d time.Duration) {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
	}
	defer func() { sleepFn = old }()

	dev, drv, c := setup(t)
	for i := 0; i < 6; i++ {
		dev.in <- readResult{err: errors.New("ENETDOWN")}
	}
	dev.push(can.FrameFD{ID: 9})
	eventually(t, func() bool { return c.Available() == 1 })
	_ = drv.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{20, 40, 80, 160, 320, 500}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps=%v", sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i]*time.Millisecond {
			t.Fatalf("sleep %d=%v want %v", i, sleeps[i], want[i]*time.Millisecond)
		}
	}
}

func TestRXOverflowFault(t *testing.T) {
	dev := newFakeDev()
	drv := NewDriver(context.Background(), dev, WithRxQueue(1))
	defer drv.Close()
	c := controller.New(drv)
	_ = c.Begin()
	dev.push(can.FrameFD{ID: 1})
	dev.push(can.FrameFD{ID: 2})
	eventually(t, c.HasRXFault)
	if c.Available() != 1 {
		t.Fatalf("available=%d", c.Available())
	}
}
