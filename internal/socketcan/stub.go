//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-can-common/internal/filter"
)

var ErrUnsupported = errors.New("socketcan: only available on linux")

// Device is a placeholder on platforms without AF_CAN.
type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Close() error                     { return nil }
func (*Device) EnableFD() error                  { return ErrUnsupported }
func (*Device) SetFilters([]filter.Filter) error { return ErrUnsupported }
func (*Device) Read([]byte) (int, error)         { return 0, ErrUnsupported }
func (*Device) Write([]byte) (int, error)        { return 0, ErrUnsupported }
