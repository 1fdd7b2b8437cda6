package sim

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/filter"
	"github.com/kstaniek/go-can-common/internal/transport"
)

var ErrBadBaud = errors.New("sim: bit rate must be positive")

// Driver is one node on a Bus. It implements controller.Driver,
// controller.Binder and controller.Notifier.
type Driver struct {
	bus  *Bus
	opts Options
	bank *filter.Bank
	rx   *transport.Queue[can.FrameFD]

	mu        sync.Mutex
	host      controller.Host
	ownStatus controller.Status
	status    *controller.Status

	baud       atomic.Uint32
	fdBaud     atomic.Uint32
	fdActive   atomic.Bool
	enabled    atomic.Bool
	listenOnly atomic.Bool
	busOff     atomic.Bool
	failTX     atomic.Bool
	tick       atomic.Uint32
}

var (
	_ controller.Driver   = (*Driver)(nil)
	_ controller.Binder   = (*Driver)(nil)
	_ controller.Notifier = (*Driver)(nil)
)

func (d *Driver) Name() string { return d.opts.Name }

func (d *Driver) Bind(h controller.Host) {
	d.mu.Lock()
	d.host = h
	d.status = h.Status()
	d.mu.Unlock()
}

func (d *Driver) hostStatus() (controller.Host, *controller.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host, d.status
}

func (d *Driver) RxReady() <-chan struct{} { return d.rx.Ready() }

func (d *Driver) NumFilters() int { return d.bank.Len() }

// Init brings the node up in classic mode. Mailboxes start empty, so nothing
// is received until a filter is set.
func (d *Driver) Init(baud uint32) error {
	if baud == 0 {
		return ErrBadBaud
	}
	d.baud.Store(baud)
	d.fdActive.Store(false)
	d.fdBaud.Store(0)
	d.busOff.Store(false)
	d.enabled.Store(true)
	return nil
}

func (d *Driver) InitFD(nominal, data uint32) error {
	if !d.opts.FD {
		return controller.ErrFDUnsupported
	}
	if nominal == 0 || data == 0 {
		return ErrBadBaud
	}
	d.baud.Store(nominal)
	d.fdBaud.Store(data)
	d.fdActive.Store(true)
	d.busOff.Store(false)
	d.enabled.Store(true)
	_, st := d.hostStatus()
	st.SetFDSupport(true)
	return nil
}

func (d *Driver) SetBaudrate(rate uint32) error {
	if rate == 0 {
		return ErrBadBaud
	}
	d.baud.Store(rate)
	return nil
}

func (d *Driver) SetBaudrateFD(nominal, data uint32) error {
	if !d.opts.FD {
		return controller.ErrFDUnsupported
	}
	if nominal == 0 || data == 0 {
		return ErrBadBaud
	}
	d.baud.Store(nominal)
	d.fdBaud.Store(data)
	return nil
}

func (d *Driver) SetFilter(id, mask uint32, extended bool) (int, error) {
	return d.bank.Set(id, mask, extended)
}

func (d *Driver) SetFilterAt(mailbox int, id, mask uint32, extended bool) (int, error) {
	return d.bank.SetAt(mailbox, id, mask, extended)
}

func (d *Driver) Enable()               { d.enabled.Store(true) }
func (d *Driver) Disable()              { d.enabled.Store(false) }
func (d *Driver) SetListenOnly(on bool) { d.listenOnly.Store(on) }
func (d *Driver) RxAvailable() bool     { return d.rx.Len() > 0 }
func (d *Driver) RxCount() int          { return d.rx.Len() }

// FailTX makes every send fail and raise the TX fault flag while on.
func (d *Driver) FailTX(on bool) { d.failTX.Store(on) }

// BusOff takes the node off the bus: it stops sending and receiving and
// reports a fault until Recover or Init.
func (d *Driver) BusOff() {
	d.busOff.Store(true)
	_, st := d.hostStatus()
	st.SetFaulted(true)
}

// Recover clears bus-off and all fault flags.
func (d *Driver) Recover() {
	d.busOff.Store(false)
	_, st := d.hostStatus()
	st.ClearFaults()
}

func (d *Driver) online() bool {
	return d.enabled.Load() && !d.busOff.Load() && d.baud.Load() != 0
}

func (d *Driver) SendRaw(f *can.Frame) bool {
	var fd can.FrameFD
	can.ClassicToFD(f, &fd)
	if !d.transmit(&fd) {
		return false
	}
	f.Time = fd.Time
	return true
}

// SendRawFD sends an FD frame. Nodes not brought up with InitFD refuse.
func (d *Driver) SendRawFD(f *can.FrameFD) bool {
	if !d.fdActive.Load() {
		return false
	}
	if f.FDMode && !can.ValidFDLen(f.Length) {
		return false
	}
	return d.transmit(f)
}

func (d *Driver) transmit(f *can.FrameFD) bool {
	if !d.online() || d.listenOnly.Load() {
		return false
	}
	if f.Length > can.MaxLen && !f.FDMode {
		return false
	}
	if d.failTX.Load() {
		_, st := d.hostStatus()
		st.SetTXFault(true)
		return false
	}
	f.Time = d.stamp()
	baud := d.baud.Load()
	for _, peer := range d.bus.peers(d) {
		if peer.baud.Load() == baud {
			peer.receive(*f)
		}
	}
	return true
}

func (d *Driver) stamp() uint16 { return uint16(d.tick.Add(1)) }

func (d *Driver) receive(f can.FrameFD) {
	if !d.online() {
		return
	}
	if f.FDMode && !d.fdActive.Load() {
		return
	}
	mb, ok := d.bank.Match(f.ID, f.Extended)
	if !ok {
		return
	}
	f.Time = d.stamp()
	host, st := d.hostStatus()
	if host != nil {
		if d.fdActive.Load() {
			if host.InterruptFD(mb, &f) {
				return
			}
		} else {
			var c can.Frame
			if can.FDToClassic(&f, &c) && host.Interrupt(mb, &c) {
				return
			}
		}
	}
	if !d.rx.Push(f) {
		st.SetRXFault(true)
	}
}

// ReceiveRaw pops the oldest queued frame that fits a classic frame.
func (d *Driver) ReceiveRaw(f *can.Frame) int {
	var fd can.FrameFD
	for d.rx.Pop(&fd) {
		if can.FDToClassic(&fd, f) {
			return 1
		}
	}
	return 0
}

func (d *Driver) ReceiveRawFD(f *can.FrameFD) int {
	if !d.fdActive.Load() {
		return 0
	}
	if d.rx.Pop(f) {
		return 1
	}
	return 0
}
