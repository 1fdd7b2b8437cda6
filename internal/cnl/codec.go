package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

// Codec encodes/decodes cannelloni TCP frames. Stateless and safe for
// concurrent use.
//
// Each frame is a 4-byte big-endian SocketCAN can_id (EFF/RTR flags
// included), one length byte and the payload. A length byte with the high bit
// set marks a CAN FD frame followed by a flags byte.
type Codec struct{}

const (
	fdFrameFlag = 0x80
	lenMask     = 0x7F
	maxWire     = 4 + 1 + can.MaxLen
)

var (
	// ErrInvalidLength is returned when a classic length is outside 0..8 or an
	// FD length is outside 0..64.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrFDFrame is returned for a well-formed FD frame. The frame has been
	// consumed, so the stream stays aligned.
	ErrFDFrame = errors.New("cannelloni: fd frame not supported")
)

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * maxWire)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w with one Write per frame and returns the bytes
// written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var wire [maxWire]byte
	for i := range frames {
		f := &frames[i]
		ln := f.Length
		if ln > can.MaxLen {
			ln = can.MaxLen
		}
		binary.BigEndian.PutUint32(wire[0:4], f.CANID())
		wire[4] = ln
		copy(wire[5:], f.Data[:ln])
		n, err := w.Write(wire[:5+int(ln)])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		return f, truncated(err)
	}
	f.SetCANID(binary.BigEndian.Uint32(hdr[0:4]))
	ln := int(hdr[4] & lenMask)
	if hdr[4]&fdFrameFlag != 0 {
		return f, skipFD(r, ln)
	}
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Length = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			return f, truncated(err)
		}
	}
	return f, nil
}

func skipFD(r io.Reader, ln int) error {
	if ln > can.MaxLenFD {
		metrics.IncMalformed()
		return fmt.Errorf("cannelloni decode fd: %w (%d)", ErrInvalidLength, ln)
	}
	var scratch [1 + can.MaxLenFD]byte // flags + payload
	if _, err := io.ReadFull(r, scratch[:1+ln]); err != nil {
		return truncated(err)
	}
	return ErrFDFrame
}

func truncated(err error) error {
	metrics.IncMalformed()
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("cannelloni decode: %w", ErrTruncatedFrame)
	}
	return fmt.Errorf("cannelloni decode: %w", err)
}

// DecodeN decodes up to max frames (max<=0: until an error) and calls
// onFrame for each. FD frames are skipped. It returns the number of frames
// delivered and the terminal error, which may be io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if errors.Is(err, ErrFDFrame) {
			continue
		}
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
