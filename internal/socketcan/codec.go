package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/filter"
)

// Sizes of struct can_frame and struct canfd_frame (linux/can.h).
const (
	MTU   = 16
	FDMTU = 72
)

// canfd_frame.flags
const (
	fdFlagBRS = 0x01
	fdFlagFDF = 0x04
)

// Error frame classes (linux/can/error.h), carried in can_id with CAN_ERR_FLAG.
const (
	errClassCrtl      = 0x00000004
	errClassBusOff    = 0x00000040
	errClassRestarted = 0x00000100

	errCrtlRxOverflow = 0x01
	errCrtlTxOverflow = 0x02
	errCrtlRxWarning  = 0x04
	errCrtlTxWarning  = 0x08
	errCrtlRxPassive  = 0x10
	errCrtlTxPassive  = 0x20
	errCrtlActive     = 0x40

	// classes requested through CAN_RAW_ERR_FILTER
	ErrMask = errClassCrtl | errClassBusOff | errClassRestarted
)

var ErrShortFrame = errors.New("socketcan: short frame")

// The kernel uses host byte order for can_id.
var order = binary.NativeEndian

// encode writes f as a can_frame, or as a canfd_frame when f.FDMode is set,
// and returns the number of bytes used. For classic frames RRS is sent as
// the RTR flag; FD frames always ask for the bit rate switch.
func encode(buf []byte, f *can.FrameFD) int {
	n := MTU
	if f.FDMode {
		n = FDMTU
	}
	clear(buf[:n])
	raw := f.CANID()
	l := f.Length
	if f.FDMode {
		if l > can.MaxLenFD {
			l = can.MaxLenFD
		}
		buf[5] = fdFlagFDF | fdFlagBRS
	} else {
		if f.RRS {
			raw |= can.CAN_RTR_FLAG
		}
		if l > can.MaxLen {
			l = can.MaxLen
		}
	}
	order.PutUint32(buf[0:4], raw)
	buf[4] = l
	copy(buf[8:8+int(l)], f.Data[:l])
	return n
}

// decode reads a can_frame (n == MTU) or canfd_frame (n == FDMTU).
func decode(buf []byte, n int, f *can.FrameFD) error {
	switch n {
	case MTU, FDMTU:
	default:
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, n)
	}
	*f = can.FrameFD{}
	raw := order.Uint32(buf[0:4])
	f.SetCANID(raw)
	l := buf[4]
	if n == FDMTU {
		f.FDMode = true
		if l > can.MaxLenFD {
			l = can.MaxLenFD
		}
	} else {
		f.RRS = raw&can.CAN_RTR_FLAG != 0
		if l > can.MaxLen {
			l = can.MaxLen
		}
	}
	f.Length = l
	copy(f.Data[:l], buf[8:8+int(l)])
	return nil
}

func isErrorFrame(raw uint32) bool { return raw&can.CAN_ERR_FLAG != 0 }

// faultState is what an error frame says about the controller.
type faultState struct {
	busOff    bool
	restarted bool
	rx, tx    bool // overflow, warning or passive
	active    bool // back to error active
}

func classify(buf []byte) faultState {
	var st faultState
	class := order.Uint32(buf[0:4]) & can.CAN_EFF_MASK
	ctrl := buf[8+1]
	st.busOff = class&errClassBusOff != 0
	st.restarted = class&errClassRestarted != 0
	if class&errClassCrtl != 0 {
		st.rx = ctrl&(errCrtlRxOverflow|errCrtlRxWarning|errCrtlRxPassive) != 0
		st.tx = ctrl&(errCrtlTxOverflow|errCrtlTxWarning|errCrtlTxPassive) != 0
		st.active = ctrl&errCrtlActive != 0
	}
	return st
}

// kernelFilter converts an acceptance filter into struct can_filter values.
// CAN_EFF_FLAG is always in the mask so standard filters skip extended
// frames and the other way round.
func kernelFilter(f filter.Filter) (id, mask uint32) {
	if f.Extended {
		return (f.ID & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG, (f.Mask & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	}
	return f.ID & can.CAN_SFF_MASK, (f.Mask & can.CAN_SFF_MASK) | can.CAN_EFF_FLAG
}
