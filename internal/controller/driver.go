package controller

import (
	"errors"

	"github.com/kstaniek/go-can-common/internal/can"
)

var ErrFDUnsupported = errors.New("controller: CAN FD not supported by driver")

// Driver is what a hardware family implements underneath a Controller.
//
// SendRaw and ReceiveRaw report success through their return value only.
// SetFilter returns the mailbox it programmed.
type Driver interface {
	NumFilters() int
	Init(baud uint32) error
	InitFD(nominal, data uint32) error
	SetFilter(id, mask uint32, extended bool) (int, error)
	SetFilterAt(mailbox int, id, mask uint32, extended bool) (int, error)
	SendRaw(f *can.Frame) bool
	SendRawFD(f *can.FrameFD) bool
	ReceiveRaw(f *can.Frame) int
	ReceiveRawFD(f *can.FrameFD) int
	RxAvailable() bool
	RxCount() int
	SetBaudrate(rate uint32) error
	SetBaudrateFD(nominal, data uint32) error
	Enable()
	Disable()
	SetListenOnly(on bool)
}

// ClassicOnly supplies the FD half of Driver for hardware without FD.
type ClassicOnly struct{}

func (ClassicOnly) InitFD(uint32, uint32) error        { return ErrFDUnsupported }
func (ClassicOnly) SetBaudrateFD(uint32, uint32) error { return ErrFDUnsupported }
func (ClassicOnly) SendRawFD(*can.FrameFD) bool        { return false }
func (ClassicOnly) ReceiveRawFD(*can.FrameFD) int      { return 0 }

// Host is the side of a Controller a driver talks to from its receive path.
type Host interface {
	// Interrupt hands a frame that arrived in mailbox to the registered
	// callbacks and listeners. A true result means the frame was consumed
	// and must not be queued for Read.
	Interrupt(mailbox int, f *can.Frame) bool
	InterruptFD(mailbox int, f *can.FrameFD) bool
	Status() *Status
}

// Binder is implemented by drivers that want their Host. New calls Bind
// once before returning.
type Binder interface {
	Bind(h Host)
}

// Notifier is implemented by drivers that can signal queued frames. The
// channel should be buffered with capacity 1.
type Notifier interface {
	RxReady() <-chan struct{}
}
