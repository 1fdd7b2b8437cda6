// Package controller is the hardware-independent layer above a CAN driver:
// acceptance filter requests, listener and callback registration, send and
// receive fan-out, and the capability/fault flags.
package controller

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/filter"
	"github.com/kstaniek/go-can-common/internal/listener"
	"github.com/kstaniek/go-can-common/internal/logging"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

// NoEnablePin means the transceiver has no enable pin to drive.
const NoEnablePin uint8 = 255

const defaultPollInterval = 5 * time.Millisecond

// Callback receives a frame from the driver's interrupt path.
type Callback func(f *can.Frame)

// Controller sits between application code and one Driver.
type Controller struct {
	drv       Driver
	name      string
	logger    *slog.Logger
	status    Status
	listeners *listener.Registry
	general   atomic.Pointer[Callback]
	mailbox   []atomic.Pointer[Callback]

	busSpeed  atomic.Uint32
	fdSpeed   atomic.Uint32
	enablePin atomic.Uint32

	pollInterval time.Duration
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithName(name string) Option { return func(c *Controller) { c.name = name } }

func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New wraps drv. All callback and listener slots start empty.
func New(drv Driver, opts ...Option) *Controller {
	n := drv.NumFilters()
	if n < 0 {
		n = 0
	}
	c := &Controller{
		drv:          drv,
		name:         "can0",
		logger:       logging.L(),
		listeners:    listener.NewRegistry(n),
		mailbox:      make([]atomic.Pointer[Callback], n),
		pollInterval: defaultPollInterval,
	}
	c.enablePin.Store(uint32(NoEnablePin))
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("can", c.name)
	if b, ok := drv.(Binder); ok {
		b.Bind(c)
	}
	return c
}

func (c *Controller) Name() string    { return c.name }
func (c *Controller) Driver() Driver  { return c.drv }
func (c *Controller) Status() *Status { return &c.status }
func (c *Controller) NumFilters() int { return len(c.mailbox) }

// Begin brings the bus up at can.DefaultBaud.
func (c *Controller) Begin() error { return c.BeginBaud(can.DefaultBaud) }

func (c *Controller) BeginBaud(baud uint32) error {
	if err := c.drv.Init(baud); err != nil {
		c.logger.Error("can_begin_failed", "baud", baud, "error", err)
		return err
	}
	c.busSpeed.Store(baud)
	c.logger.Info("can_begin", "baud", baud, "enable_pin", c.EnablePin())
	return nil
}

// BeginWithPin records the transceiver enable pin, then brings the bus up.
// Pass NoEnablePin when there is none.
func (c *Controller) BeginWithPin(baud uint32, pin uint8) error {
	c.enablePin.Store(uint32(pin))
	return c.BeginBaud(baud)
}

// BeginFD brings the bus up in FD mode. On ErrFDUnsupported the FD
// capability flag stays clear and the bus is not touched further.
func (c *Controller) BeginFD(nominal, data uint32) error {
	if err := c.drv.InitFD(nominal, data); err != nil {
		c.status.SetFDSupport(false)
		c.logger.Error("can_begin_fd_failed", "nominal", nominal, "data", data, "error", err)
		return err
	}
	c.status.SetFDSupport(true)
	c.busSpeed.Store(nominal)
	c.fdSpeed.Store(data)
	c.logger.Info("can_begin_fd", "nominal", nominal, "data", data)
	return nil
}

func (c *Controller) BusSpeed() uint32 { return c.busSpeed.Load() }

// FDSpeed is the data-phase rate, 0 without FD.
func (c *Controller) FDSpeed() uint32 {
	if !c.status.SupportsFDMode() {
		return 0
	}
	return c.fdSpeed.Load()
}

func (c *Controller) EnablePin() uint8 { return uint8(c.enablePin.Load()) }

func (c *Controller) SetBaudrate(rate uint32) error {
	if err := c.drv.SetBaudrate(rate); err != nil {
		return err
	}
	c.busSpeed.Store(rate)
	return nil
}

func (c *Controller) SetBaudrateFD(nominal, data uint32) error {
	if !c.status.SupportsFDMode() {
		return ErrFDUnsupported
	}
	if err := c.drv.SetBaudrateFD(nominal, data); err != nil {
		return err
	}
	c.busSpeed.Store(nominal)
	c.fdSpeed.Store(data)
	return nil
}

func (c *Controller) Enable()               { c.drv.Enable() }
func (c *Controller) Disable()              { c.drv.Disable() }
func (c *Controller) SetListenOnly(on bool) { c.drv.SetListenOnly(on) }
func (c *Controller) RxAvailable() bool     { return c.drv.RxAvailable() }
func (c *Controller) Available() int        { return c.drv.RxCount() }
func (c *Controller) IsFaulted() bool       { return c.status.IsFaulted() }
func (c *Controller) HasRXFault() bool      { return c.status.HasRXFault() }
func (c *Controller) HasTXFault() bool      { return c.status.HasTXFault() }
func (c *Controller) SupportsFDMode() bool  { return c.status.SupportsFDMode() }
func (c *Controller) Listeners() int        { return c.listeners.Len() }

// ListenerAt returns the listener in slot i, or nil.
func (c *Controller) ListenerAt(i int) listener.Listener { return c.listeners.At(i) }

// Filters

func (c *Controller) SetRXFilter(id, mask uint32, extended bool) (int, error) {
	mb, err := c.drv.SetFilter(id, mask, extended)
	c.logFilter(mb, id, mask, extended, err)
	return mb, err
}

func (c *Controller) SetRXFilterAt(mailbox int, id, mask uint32, extended bool) (int, error) {
	mb, err := c.drv.SetFilterAt(mailbox, id, mask, extended)
	c.logFilter(mb, id, mask, extended, err)
	return mb, err
}

func (c *Controller) logFilter(mb int, id, mask uint32, extended bool, err error) {
	if err != nil {
		metrics.IncError(metrics.ErrFilter)
		c.logger.Warn("filter_install_failed", "id", id, "mask", mask, "extended", extended, "error", err)
		return
	}
	metrics.IncFilterInstall()
	c.logger.Debug("filter_installed", "mailbox", mb, "id", id, "mask", mask, "extended", extended)
}

func (c *Controller) setFilter(f filter.Filter) (int, error) {
	return c.SetRXFilter(f.ID, f.Mask, f.Extended)
}

// WatchFor lets every frame through, standard and extended. The result is
// that of the extended filter.
func (c *Controller) WatchFor() (int, error) {
	all := filter.All()
	_, _ = c.setFilter(all[0])
	return c.setFilter(all[1])
}

func (c *Controller) WatchForID(id uint32) (int, error) { return c.setFilter(filter.ForID(id)) }

func (c *Controller) WatchForMask(id, mask uint32) (int, error) {
	return c.setFilter(filter.ForIDMask(id, mask))
}

// WatchForRange may let through more than the range; see filter.ForRange.
func (c *Controller) WatchForRange(id1, id2 uint32) (int, error) {
	return c.setFilter(filter.ForRange(id1, id2))
}

// Watch installs a parsed request. For KindAll it behaves like WatchFor.
func (c *Controller) Watch(r filter.Request) (int, error) {
	switch r.Kind {
	case filter.KindAll:
		return c.WatchFor()
	case filter.KindMask:
		return c.WatchForMask(r.ID, r.Mask)
	case filter.KindRange:
		return c.WatchForRange(r.ID, r.ID2)
	default:
		return c.WatchForID(r.ID)
	}
}

// Listeners

// AttachListener fills the lowest free listener slot. False means all
// can.SizeListeners slots are taken.
func (c *Controller) AttachListener(l listener.Listener) bool {
	if !c.listeners.Attach(l) {
		c.logger.Warn("listener_attach_failed", "slots", c.listeners.Cap())
		return false
	}
	metrics.SetListeners(c.listeners.Len())
	c.logger.Debug("listener_attached", "count", c.listeners.Len())
	return true
}

func (c *Controller) DetachListener(l listener.Listener) bool {
	if !c.listeners.Detach(l) {
		return false
	}
	metrics.SetListeners(c.listeners.Len())
	c.logger.Debug("listener_detached", "count", c.listeners.Len())
	return true
}

// Function callbacks. Mailbox indices outside [0, NumFilters) are ignored.

func (c *Controller) SetCallback(mailbox int, cb Callback) {
	if mailbox < 0 || mailbox >= len(c.mailbox) {
		return
	}
	if cb == nil {
		c.mailbox[mailbox].Store(nil)
		return
	}
	c.mailbox[mailbox].Store(&cb)
}

func (c *Controller) SetGeneralCallback(cb Callback) {
	if cb == nil {
		c.general.Store(nil)
		return
	}
	c.general.Store(&cb)
}

func (c *Controller) AttachCANInterrupt(cb Callback) { c.SetGeneralCallback(cb) }

func (c *Controller) AttachCANInterruptAt(mailbox int, cb Callback) { c.SetCallback(mailbox, cb) }

func (c *Controller) DetachCANInterrupt(mailbox int) { c.SetCallback(mailbox, nil) }

func (c *Controller) RemoveGeneralCallback() { c.general.Store(nil) }

// HasCallback reports whether mailbox has a function callback.
func (c *Controller) HasCallback(mailbox int) bool {
	if mailbox < 0 || mailbox >= len(c.mailbox) {
		return false
	}
	return c.mailbox[mailbox].Load() != nil
}

func (c *Controller) HasGeneralCallback() bool { return c.general.Load() != nil }

// Dispatch

// SendFrame transmits f. On success every attached listener gets SentFrame,
// in slot order. On failure nobody is notified.
func (c *Controller) SendFrame(f *can.Frame) bool {
	if !c.drv.SendRaw(f) {
		metrics.IncCtrlTxFail()
		return false
	}
	metrics.IncCtrlTx()
	n := 0
	for i := 0; i < can.SizeListeners; i++ {
		if l := c.listeners.At(i); l != nil {
			l.SentFrame(f, listener.NoMailbox)
			n++
		}
	}
	metrics.AddNotifications(n)
	return true
}

// Read takes one frame from the driver's receive queue. A non-zero result
// is followed by GotFrame on every attached listener.
func (c *Controller) Read(f *can.Frame) int {
	got := c.drv.ReceiveRaw(f)
	if got == 0 {
		return 0
	}
	metrics.IncCtrlRx()
	n := 0
	for i := 0; i < can.SizeListeners; i++ {
		if l := c.listeners.At(i); l != nil {
			l.GotFrame(f, listener.NoMailbox)
			n++
		}
	}
	metrics.AddNotifications(n)
	return got
}

// SendFrameFD transmits an FD frame. Without FD support it returns false and
// the driver is not called. FDListeners get SentFrameFD; plain listeners get
// SentFrame when the frame fits a classic frame.
func (c *Controller) SendFrameFD(f *can.FrameFD) bool {
	if !c.status.SupportsFDMode() {
		return false
	}
	if !c.drv.SendRawFD(f) {
		metrics.IncCtrlTxFail()
		return false
	}
	metrics.IncCtrlTxFD()
	metrics.AddNotifications(c.fanOutFD(f, false))
	return true
}

// ReadFD is Read for FD frames. Without FD support it returns 0.
func (c *Controller) ReadFD(f *can.FrameFD) int {
	if !c.status.SupportsFDMode() {
		return 0
	}
	got := c.drv.ReceiveRawFD(f)
	if got == 0 {
		return 0
	}
	metrics.IncCtrlRxFD()
	metrics.AddNotifications(c.fanOutFD(f, true))
	return got
}

func (c *Controller) fanOutFD(f *can.FrameFD, rx bool) int {
	var classic can.Frame
	narrow := false
	narrowed := false
	n := 0
	for i := 0; i < can.SizeListeners; i++ {
		l := c.listeners.At(i)
		if l == nil {
			continue
		}
		if fl, ok := l.(listener.FDListener); ok {
			if rx {
				fl.GotFrameFD(f, listener.NoMailbox)
			} else {
				fl.SentFrameFD(f, listener.NoMailbox)
			}
			n++
			continue
		}
		if !narrowed {
			narrow = can.FDToClassic(f, &classic)
			narrowed = true
		}
		if !narrow {
			continue
		}
		if rx {
			l.GotFrame(&classic, listener.NoMailbox)
		} else {
			l.SentFrame(&classic, listener.NoMailbox)
		}
		n++
	}
	return n
}

// Interrupt implements Host. The per-mailbox callback wins, then the general
// callback, then every listener whose mask has the mailbox bit or the
// general bit set.
func (c *Controller) Interrupt(mailbox int, f *can.Frame) bool {
	if mailbox >= 0 && mailbox < len(c.mailbox) {
		if cb := c.mailbox[mailbox].Load(); cb != nil {
			(*cb)(f)
			metrics.IncInterrupt(metrics.InterruptMailbox)
			return true
		}
	}
	if cb := c.general.Load(); cb != nil {
		(*cb)(f)
		metrics.IncInterrupt(metrics.InterruptGeneral)
		return true
	}
	claimed := false
	for i := 0; i < can.SizeListeners; i++ {
		l := c.listeners.At(i)
		if l == nil {
			continue
		}
		m := l.Activation()
		if m == nil {
			continue
		}
		if (mailbox >= 0 && m.IsCallbackActive(mailbox)) || m.IsGeneralActive() {
			l.GotFrame(f, mailbox)
			claimed = true
		}
	}
	if claimed {
		metrics.IncInterrupt(metrics.InterruptListener)
	} else {
		metrics.IncUnclaimed()
	}
	return claimed
}

// InterruptFD implements Host. Frames that fit a classic frame go through
// Interrupt; the rest only reach FDListeners with a matching mask bit.
func (c *Controller) InterruptFD(mailbox int, f *can.FrameFD) bool {
	var classic can.Frame
	if can.FDToClassic(f, &classic) {
		return c.Interrupt(mailbox, &classic)
	}
	claimed := false
	for i := 0; i < can.SizeListeners; i++ {
		fl, ok := c.listeners.At(i).(listener.FDListener)
		if !ok {
			continue
		}
		m := fl.Activation()
		if m == nil {
			continue
		}
		if (mailbox >= 0 && m.IsCallbackActive(mailbox)) || m.IsGeneralActive() {
			fl.GotFrameFD(f, mailbox)
			claimed = true
		}
	}
	if claimed {
		metrics.IncInterrupt(metrics.InterruptListener)
	} else {
		metrics.IncUnclaimed()
	}
	return claimed
}

// Poll drains the receive queue through Read (or ReadFD in FD mode) until ctx
// is done. Drivers implementing Notifier wake it up; otherwise it polls.
func (c *Controller) Poll(ctx context.Context) {
	var ready <-chan struct{}
	if n, ok := c.drv.(Notifier); ok {
		ready = n.RxReady()
	}
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	var f can.Frame
	var fd can.FrameFD
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
		case <-t.C:
		}
		for c.drv.RxAvailable() {
			if ctx.Err() != nil {
				return
			}
			if c.status.SupportsFDMode() {
				if c.ReadFD(&fd) == 0 {
					break
				}
				continue
			}
			if c.Read(&f) == 0 {
				break
			}
		}
	}
}
