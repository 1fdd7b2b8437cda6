package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
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
	// NumFilters is the number of software mailboxes. The adapter forwards
	// all bus traffic, so acceptance filtering happens on the host.
	NumFilters = 8

	defaultTxQueue = 1024
	defaultRxQueue = 256

	readBufSize                 = 4096
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

var nowFn = time.Now

// Driver runs a controller.Driver over an Ampio UART adapter. Nothing is
// accepted until a filter is installed, like a hardware controller with an
// empty mailbox bank. The adapter is classic CAN only.
type Driver struct {
	controller.ClassicOnly

	port   Port
	logger *slog.Logger
	bank   *filter.Bank
	rx     *transport.Queue[can.Frame]
	tx     *transport.AsyncTx[can.Frame]

	mu        sync.Mutex
	host      controller.Host
	ownStatus controller.Status
	status    *controller.Status

	baud       atomic.Uint32
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
	txQueue int
	rxQueue int
	logger  *slog.Logger
}

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

// NewDriver takes ownership of sp and starts the receive loop.
func NewDriver(parent context.Context, sp Port, opts ...Option) *Driver {
	o := options{txQueue: defaultTxQueue, rxQueue: defaultRxQueue, logger: logging.L()}
	for _, fn := range opts {
		fn(&o)
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Driver{
		port:   sp,
		logger: o.logger,
		bank:   filter.NewBank(NumFilters),
		rx:     transport.NewQueue[can.Frame](o.rxQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	d.status = &d.ownStatus
	d.tx = newTX(ctx, sp, o.txQueue, func(err error) {
		_, st := d.hostStatus()
		st.SetTXFault(true)
		d.logger.Error("serial_write_error", "error", err)
	})
	d.wg.Add(1)
	go d.rxLoop()
	return d
}

// Close stops both loops and closes the port.
func (d *Driver) Close() error {
	var err error
	d.once.Do(func() {
		d.cancel()
		err = d.port.Close()
		d.tx.Close()
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

// Init records the bus bit rate. The adapter firmware fixes the real rate.
func (d *Driver) Init(baud uint32) error {
	d.baud.Store(baud)
	d.enabled.Store(true)
	d.logger.Debug("serial_init", "baud", baud)
	return nil
}

func (d *Driver) SetBaudrate(rate uint32) error {
	d.baud.Store(rate)
	return nil
}

func (d *Driver) Enable()               { d.enabled.Store(true) }
func (d *Driver) Disable()              { d.enabled.Store(false) }
func (d *Driver) SetListenOnly(on bool) { d.listenOnly.Store(on) }
func (d *Driver) RxAvailable() bool     { return d.rx.Len() > 0 }
func (d *Driver) RxCount() int          { return d.rx.Len() }

func (d *Driver) SetFilter(id, mask uint32, extended bool) (int, error) {
	return d.bank.Set(id, mask, extended)
}

func (d *Driver) SetFilterAt(mailbox int, id, mask uint32, extended bool) (int, error) {
	return d.bank.SetAt(mailbox, id, mask, extended)
}

// SendRaw queues f for the UART. Remote frames have no encoding on this
// adapter and are refused.
func (d *Driver) SendRaw(f *can.Frame) bool {
	if !d.enabled.Load() || d.listenOnly.Load() || d.ctx.Err() != nil {
		return false
	}
	if f.RTR || f.Length > can.MaxLen {
		return false
	}
	return d.tx.Send(*f) == nil
}

func (d *Driver) ReceiveRaw(f *can.Frame) int {
	if d.rx.Pop(f) {
		return 1
	}
	return 0
}

func (d *Driver) rxLoop() {
	defer d.wg.Done()
	defer d.logger.Info("serial_rx_end")
	var codec Codec
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		if d.ctx.Err() != nil {
			return
		}
		n, err := d.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = codec.DecodeStream(acc, d.deliver)
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if d.ctx.Err() != nil {
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			_, st := d.hostStatus()
			st.SetFaulted(true)
			d.logger.Error("serial_device_lost", "error", err)
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue
		}
		metrics.IncError(metrics.ErrSerialRead)
		d.logger.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}

func (d *Driver) deliver(f can.Frame) {
	if !d.enabled.Load() {
		return
	}
	mb, ok := d.bank.Match(f.ID, f.Extended)
	if !ok {
		return
	}
	f.Time = uint16(nowFn().UnixMilli())
	host, st := d.hostStatus()
	if host != nil && host.Interrupt(mb, &f) {
		return
	}
	if !d.rx.Push(f) {
		st.SetRXFault(true)
		metrics.IncError(metrics.ErrSerialRxOver)
	}
}
