package serial

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// DefaultReadTimeout applies when Open is given no read timeout. The receive
// loop only notices Close between reads.
const DefaultReadTimeout = 50 * time.Millisecond

// Port is the byte stream of a UART CAN adapter.
type Port interface {
	io.ReadWriteCloser
}

// Open opens the adapter at 8N1. A read that times out returns 0, nil.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("serial %s@%d: %w", name, baud, err)
	}
	return p, nil
}
