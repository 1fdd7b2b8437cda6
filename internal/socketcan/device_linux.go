//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-common/internal/filter"
)

// readTimeout bounds a blocking read so the receive loop notices Close.
const readTimeout = 200 * time.Millisecond

// Device is a bound CAN_RAW socket.
type Device struct {
	fd int
}

var _ Dev = (*Device)(nil)

// Open binds a raw CAN socket to iface with error frames enabled. FD frames
// stay off until EnableFD.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, ErrMask); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("CAN_RAW_ERR_FILTER: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// EnableFD turns on CAN_RAW_FD_FRAMES. Kernels without FD support answer
// ENOPROTOOPT.
func (d *Device) EnableFD() error {
	return unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1)
}

// SetFilters replaces the socket's CAN_RAW_FILTER list.
func (d *Device) SetFilters(fs []filter.Filter) error {
	kf := make([]unix.CanFilter, len(fs))
	for i, f := range fs {
		kf[i].Id, kf[i].Mask = kernelFilter(f)
	}
	return unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kf)
}

// Read returns one can_frame or canfd_frame. An idle socket yields
// ErrTimeout.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, err
	}
	return n, nil
}

func (d *Device) Write(buf []byte) (int, error) { return unix.Write(d.fd, buf) }
