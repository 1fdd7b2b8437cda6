package can

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Payload capacities.
const (
	MaxLen   = 8
	MaxLenFD = 64
)

// Payload is the 8-byte data field of a classic frame. The accessors are
// alternate little-endian views over the same bytes.
type Payload [8]byte

func (p *Payload) Value() uint64     { return binary.LittleEndian.Uint64(p[:]) }
func (p *Payload) SetValue(v uint64) { binary.LittleEndian.PutUint64(p[:], v) }

// Low and High are the two 32-bit halves (bytes 0..3 and 4..7).
func (p *Payload) Low() uint32      { return binary.LittleEndian.Uint32(p[0:4]) }
func (p *Payload) High() uint32     { return binary.LittleEndian.Uint32(p[4:8]) }
func (p *Payload) SetLow(v uint32)  { binary.LittleEndian.PutUint32(p[0:4], v) }
func (p *Payload) SetHigh(v uint32) { binary.LittleEndian.PutUint32(p[4:8], v) }

// Word returns the i-th 16-bit word, i in 0..3.
func (p *Payload) Word(i int) uint16 { return binary.LittleEndian.Uint16(p[2*i : 2*i+2]) }

func (p *Payload) SetWord(i int, v uint16) { binary.LittleEndian.PutUint16(p[2*i:2*i+2], v) }

// PayloadFD is the 64-byte data field of an FD frame, laid out as eight
// successive 8-byte words.
type PayloadFD [64]byte

// Value returns 8-byte word w (0..7).
func (p *PayloadFD) Value(w int) uint64 { return binary.LittleEndian.Uint64(p[8*w : 8*w+8]) }

func (p *PayloadFD) SetValue(w int, v uint64) { binary.LittleEndian.PutUint64(p[8*w:8*w+8], v) }

// Uint32 returns the i-th 32-bit slot (0..15).
func (p *PayloadFD) Uint32(i int) uint32 { return binary.LittleEndian.Uint32(p[4*i : 4*i+4]) }

func (p *PayloadFD) SetUint32(i int, v uint32) { binary.LittleEndian.PutUint32(p[4*i:4*i+4], v) }

// Uint16 returns the i-th 16-bit slot (0..31).
func (p *PayloadFD) Uint16(i int) uint16 { return binary.LittleEndian.Uint16(p[2*i : 2*i+2]) }

func (p *PayloadFD) SetUint16(i int, v uint16) { binary.LittleEndian.PutUint16(p[2*i:2*i+2], v) }

// Word copies 8-byte word w out as a classic payload.
func (p *PayloadFD) Word(w int) Payload {
	var out Payload
	copy(out[:], p[8*w:8*w+8])
	return out
}

// SetWord overwrites 8-byte word w.
func (p *PayloadFD) SetWord(w int, v Payload) { copy(p[8*w:8*w+8], v[:]) }

// Frame is a classic CAN frame.
// ID is interpreted as an 11-bit identifier unless Extended is set.
// Length is 0..8; a producer storing more breaks the contract.
type Frame struct {
	ID       uint32
	FID      uint32 // family tag, for caller-side grouping
	RTR      bool
	Priority uint8 // TX priority hint
	Extended bool
	Time     uint16 // receive timestamp in controller ticks
	Length   uint8
	Data     Payload
}

// FrameFD is a CAN-FD frame. RRS takes the place of RTR.
type FrameFD struct {
	ID       uint32
	FID      uint32
	RRS      bool
	Priority uint8
	Extended bool
	FDMode   bool
	Time     uint16
	Length   uint8 // 0..64
	Data     PayloadFD
}

// Bytes returns the valid part of the payload.
func (f *Frame) Bytes() []byte { return f.Data[:f.Length] }

// SetBytes copies b into the payload and sets Length (truncated to 8).
func (f *Frame) SetBytes(b []byte) { f.Length = uint8(copy(f.Data[:], b)) }

// CANID packs ID and flags the way SocketCAN does.
func (f *Frame) CANID() uint32 {
	if f.Extended {
		id := f.ID&CAN_EFF_MASK | CAN_EFF_FLAG
		if f.RTR {
			id |= CAN_RTR_FLAG
		}
		return id
	}
	id := f.ID & CAN_SFF_MASK
	if f.RTR {
		id |= CAN_RTR_FLAG
	}
	return id
}

// SetCANID unpacks a SocketCAN style can_id.
func (f *Frame) SetCANID(raw uint32) {
	f.Extended = raw&CAN_EFF_FLAG != 0
	f.RTR = raw&CAN_RTR_FLAG != 0
	if f.Extended {
		f.ID = raw & CAN_EFF_MASK
	} else {
		f.ID = raw & CAN_SFF_MASK
	}
}

func (f *Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	if f.RTR {
		b.WriteByte('R')
		return b.String()
	}
	fmt.Fprintf(&b, "%X", f.Data[:f.Length])
	return b.String()
}

func (f *FrameFD) Bytes() []byte { return f.Data[:f.Length] }

func (f *FrameFD) SetBytes(b []byte) { f.Length = uint8(copy(f.Data[:], b)) }

// CANID packs ID and the EFF flag; FD frames carry no RTR bit.
func (f *FrameFD) CANID() uint32 {
	if f.Extended {
		return f.ID&CAN_EFF_MASK | CAN_EFF_FLAG
	}
	return f.ID & CAN_SFF_MASK
}

func (f *FrameFD) SetCANID(raw uint32) {
	f.Extended = raw&CAN_EFF_FLAG != 0
	if f.Extended {
		f.ID = raw & CAN_EFF_MASK
	} else {
		f.ID = raw & CAN_SFF_MASK
	}
}

func (f *FrameFD) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	if f.FDMode {
		b.WriteByte('#')
		b.WriteByte('0')
	}
	fmt.Fprintf(&b, "%X", f.Data[:f.Length])
	return b.String()
}
