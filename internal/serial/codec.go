package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/metrics"
)

// Codec speaks the Ampio UART envelope:
//
//	2D D4 LEN DATA... SUM
//
// LEN counts DATA plus the checksum byte and SUM = 0x2D + LEN + sum(DATA).
// The adapter only carries 29-bit identifiers and data frames.
type Codec struct{}

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 2 // CAN UART SEND WITH EXT ID

	// MaxWire is the longest encoded frame: preamble, len, INS, FLAGS, ID,
	// 8 payload bytes and the checksum.
	MaxWire = 3 + 6 + can.MaxLen + 1
)

// CompactBuffer reclaims consumed prefix capacity when the buffer grew large
// relative to its unread bytes. It reports whether it copied.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// appendUART wraps data in the UART envelope.
func appendUART(dst, data []byte) []byte {
	n := byte(len(data) + 1)
	sum := n + pre0
	dst = append(dst, pre0, pre1, n)
	for _, b := range data {
		sum += b
	}
	dst = append(dst, data...)
	return append(dst, sum)
}

// Append encodes f onto dst. Standard identifiers go out unchanged in the
// 29-bit field.
func (Codec) Append(dst []byte, f *can.Frame) []byte {
	n := f.Length
	if n > can.MaxLen {
		n = can.MaxLen
	}
	var body [6 + can.MaxLen]byte
	body[0] = insSendExt
	body[1] = 0x80 | n
	binary.BigEndian.PutUint32(body[2:6], f.ID&can.CAN_EFF_MASK)
	copy(body[6:], f.Data[:n])
	return appendUART(dst, body[:6+n])
}

func (c Codec) Encode(f *can.Frame) []byte {
	return c.Append(make([]byte, 0, MaxWire), f)
}

// DecodeStream consumes complete frames from in and emits them via out.
// Partial frames stay buffered for the next call; garbage and bad checksums
// are skipped one byte at a time.
//
// Received frames carry ID(4) and 0..8 payload bytes:
//
//	2D D4 0D 00 00 00 02 FE 10 19 09 19 04 01 20 AA
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	const (
		// ln = ID(4) + PAYLOAD(0..8) + SUM(1)
		minLn = 4 + 0 + 1
		maxLn = 4 + can.MaxLen + 1
	)
	header := []byte{pre0, pre1}

	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte, it may be the first half of a preamble
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		if len(data) < 4 {
			return nil
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := 3 + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		payload := data[7 : req-1]
		f := can.Frame{
			ID:       binary.BigEndian.Uint32(data[3:7]) & can.CAN_EFF_MASK,
			Extended: true,
			Length:   uint8(len(payload)),
		}
		copy(f.Data[:], payload)

		out(f)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
