package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/filter"
	"github.com/kstaniek/go-can-common/internal/logging"
	"github.com/kstaniek/go-can-common/internal/metrics"
	"github.com/kstaniek/go-can-common/internal/transport"
)

const (
	// NumFilters is how many CAN_RAW_FILTER entries the driver manages.
	NumFilters = 16

	defaultTxQueue = 1024
	defaultRxQueue = 256
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

// ErrTimeout is returned by Dev.Read when no frame arrived within the socket
// receive timeout. The receive loop treats it as idle.
var ErrTimeout = errors.New("socketcan: read timeout")

// Dev is the raw socket under a Driver: *Device on Linux, fakes in tests.
type Dev interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	SetFilters(fs []filter.Filter) error
	EnableFD() error
	Close() error
}

// test hooks
var (
	sleepFn = time.Sleep
	nowFn   = time.Now
)

// Driver runs a controller.Driver on a SocketCAN socket.
//
// Until the first filter is set the kernel passes every frame and frames
// arrive with mailbox -1. Bit rates are configured on the interface (ip link)
// and only recorded here.
type Driver struct {
	dev    Dev
	name   string
	logger *slog.Logger
	bank   *filter.Bank
	rx     *transport.Queue[can.FrameFD]
	tx     *transport.AsyncTx[can.FrameFD]

	mu        sync.Mutex
	host      controller.Host
	ownStatus controller.Status
	status    *controller.Status

	baud       atomic.Uint32
	fdBaud     atomic.Uint32
	fdActive   atomic.Bool
	enabled    atomic.Bool
	listenOnly atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var (
	_ controller.Driver   = (*Driver)(nil)
	_ controller.Binder   = (*Driver)(nil)
	_ controller.Notifier = (*Driver)(nil)
)

type Option func(*options)

type options struct {
	name    string
	txQueue int
	rxQueue int
	logger  *slog.Logger
}

func WithName(n string) Option { return func(o *options) { o.name = n } }

func WithTxQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.txQueue = n
		}
	}
}

func WithRxQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.rxQueue = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewDriver takes ownership of dev and starts the receive loop.
func NewDriver(parent context.Context, dev Dev, opts ...Option) *Driver {
	o := options{name: "can0", txQueue: defaultTxQueue, rxQueue: defaultRxQueue, logger: logging.L()}
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Driver{
		dev:    dev,
		name:   o.name,
		logger: o.logger.With("if", o.name),
		bank:   filter.NewBank(NumFilters),
		rx:     transport.NewQueue[can.FrameFD](o.rxQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	d.status = &d.ownStatus
	d.tx = newTX(ctx, dev, o.txQueue, func(err error) {
		_, st := d.hostStatus()
		st.SetTXFault(true)
		d.logger.Warn("socketcan_write_error", "error", err)
	})
	d.wg.Add(1)
	go d.rxLoop()
	return d
}

// Close stops both loops and closes the socket.
func (d *Driver) Close() error {
	var err error
	d.once.Do(func() {
		d.cancel()
		d.tx.Close()
		err = d.dev.Close()
		d.wg.Wait()
	})
	return err
}

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
func (d *Driver) NumFilters() int          { return d.bank.Len() }

func (d *Driver) Init(baud uint32) error {
	d.baud.Store(baud)
	d.enabled.Store(true)
	d.logger.Debug("socketcan_init", "baud", baud)
	return nil
}

func (d *Driver) InitFD(nominal, data uint32) error {
	if err := d.dev.EnableFD(); err != nil {
		return fmt.Errorf("%w: %v", controller.ErrFDUnsupported, err)
	}
	d.baud.Store(nominal)
	d.fdBaud.Store(data)
	d.fdActive.Store(true)
	d.enabled.Store(true)
	_, st := d.hostStatus()
	st.SetFDSupport(true)
	d.logger.Debug("socketcan_init_fd", "nominal", nominal, "data", data)
	return nil
}

func (d *Driver) SetBaudrate(rate uint32) error {
	d.baud.Store(rate)
	return nil
}

func (d *Driver) SetBaudrateFD(nominal, data uint32) error {
	if !d.fdActive.Load() {
		return controller.ErrFDUnsupported
	}
	d.baud.Store(nominal)
	d.fdBaud.Store(data)
	return nil
}

func (d *Driver) Enable()               { d.enabled.Store(true) }
func (d *Driver) Disable()              { d.enabled.Store(false) }
func (d *Driver) SetListenOnly(on bool) { d.listenOnly.Store(on) }
func (d *Driver) RxAvailable() bool     { return d.rx.Len() > 0 }
func (d *Driver) RxCount() int          { return d.rx.Len() }

func (d *Driver) SetFilter(id, mask uint32, extended bool) (int, error) {
	mb, err := d.bank.Set(id, mask, extended)
	if err != nil {
		return mb, err
	}
	if err := d.applyFilters(); err != nil {
		d.bank.Clear(mb)
		return -1, err
	}
	return mb, nil
}

func (d *Driver) SetFilterAt(mailbox int, id, mask uint32, extended bool) (int, error) {
	prev, used := d.bank.Get(mailbox)
	mb, err := d.bank.SetAt(mailbox, id, mask, extended)
	if err != nil {
		return mb, err
	}
	if err := d.applyFilters(); err != nil {
		if used {
			_, _ = d.bank.SetAt(mailbox, prev.ID, prev.Mask, prev.Extended)
		} else {
			d.bank.Clear(mailbox)
		}
		return -1, err
	}
	return mb, nil
}

func (d *Driver) applyFilters() error {
	fs := make([]filter.Filter, 0, d.bank.Len())
	for i := 0; i < d.bank.Len(); i++ {
		if f, used := d.bank.Get(i); used {
			fs = append(fs, f)
		}
	}
	if err := d.dev.SetFilters(fs); err != nil {
		return fmt.Errorf("socketcan set filters: %w", err)
	}
	return nil
}

func (d *Driver) canSend() bool {
	return d.enabled.Load() && !d.listenOnly.Load() && d.ctx.Err() == nil
}

// SendRaw queues f for the socket. True means queued; write errors show up
// later as the TX fault flag.
func (d *Driver) SendRaw(f *can.Frame) bool {
	if !d.canSend() {
		return false
	}
	var fd can.FrameFD
	can.ClassicToFD(f, &fd)
	return d.tx.Send(fd) == nil
}

func (d *Driver) SendRawFD(f *can.FrameFD) bool {
	if !d.fdActive.Load() || !d.canSend() {
		return false
	}
	if f.FDMode && !can.ValidFDLen(f.Length) {
		return false
	}
	return d.tx.Send(*f) == nil
}

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

func (d *Driver) rxLoop() {
	defer d.wg.Done()
	defer d.logger.Info("socketcan_rx_end")
	var buf [FDMTU]byte
	backoff := rxBackoffMin
	for {
		if d.ctx.Err() != nil {
			return
		}
		n, err := d.dev.Read(buf[:])
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrTimeout) {
				continue
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			d.logger.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		if n >= MTU && isErrorFrame(order.Uint32(buf[0:4])) {
			d.applyFault(classify(buf[:n]))
			continue
		}
		var f can.FrameFD
		if err := decode(buf[:], n, &f); err != nil {
			metrics.IncMalformed()
			continue
		}
		metrics.IncSocketCANRx()
		d.deliver(&f)
	}
}

func (d *Driver) applyFault(fs faultState) {
	_, st := d.hostStatus()
	if fs.restarted || fs.active {
		st.ClearFaults()
		d.logger.Info("socketcan_error_cleared")
		return
	}
	if fs.busOff {
		st.SetFaulted(true)
	}
	if fs.rx {
		st.SetRXFault(true)
	}
	if fs.tx {
		st.SetTXFault(true)
	}
	d.logger.Warn("socketcan_error_frame", "bus_off", fs.busOff, "rx", fs.rx, "tx", fs.tx)
}

func (d *Driver) deliver(f *can.FrameFD) {
	if !d.enabled.Load() {
		return
	}
	if f.FDMode && !d.fdActive.Load() {
		return
	}
	mb := -1
	if m, ok := d.bank.Match(f.ID, f.Extended); ok {
		mb = m
	}
	f.Time = uint16(nowFn().UnixMilli())
	host, st := d.hostStatus()
	if host != nil {
		if d.fdActive.Load() {
			if host.InterruptFD(mb, f) {
				return
			}
		} else {
			var c can.Frame
			if can.FDToClassic(f, &c) && host.Interrupt(mb, &c) {
				return
			}
		}
	}
	if !d.rx.Push(*f) {
		st.SetRXFault(true)
		metrics.IncError(metrics.ErrSocketCANRxOver)
	}
}
