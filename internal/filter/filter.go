// Package filter turns "let these identifiers through" requests into the
// single id/mask pair an acceptance filter register takes.
//
// A 1 bit in Mask means the incoming identifier must match ID in that bit;
// a 0 bit is don't-care.
package filter

import (
	"fmt"
	"math/bits"

	"github.com/kstaniek/go-can-common/internal/can"
)

// Filter is one acceptance filter setting.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

func (f Filter) String() string {
	if f.Extended {
		return fmt.Sprintf("id=0x%08X mask=0x%08X ext", f.ID, f.Mask)
	}
	return fmt.Sprintf("id=0x%03X mask=0x%03X std", f.ID, f.Mask)
}

// All returns the two accept-everything filters, standard first.
func All() [2]Filter {
	return [2]Filter{{ID: 0, Mask: 0, Extended: false}, {ID: 0, Mask: 0, Extended: true}}
}

// ForID matches exactly one identifier. Identifiers above 0x7FF are
// treated as extended.
func ForID(id uint32) Filter {
	if id > can.CAN_SFF_MASK {
		return Filter{ID: id, Mask: can.CAN_EFF_MASK, Extended: true}
	}
	return Filter{ID: id, Mask: can.CAN_SFF_MASK}
}

// ForIDMask uses the caller's mask as is; extendedness comes from id only.
func ForIDMask(id, mask uint32) Filter {
	return Filter{ID: id, Mask: mask, Extended: id > can.CAN_SFF_MASK}
}

// ForRange computes a filter letting through every identifier in the
// inclusive range between id1 and id2 (in either order).
//
// The result keeps only the bits that never change across the range, so it
// usually lets through more than asked for: 0x100-0x1FF is exact, 0x0FF-0x100
// opens the whole 9-bit space. Cost is linear in the span. See Span.
func ForRange(id1, id2 uint32) Filter {
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	id := id1
	var mask uint32 = can.CAN_EFF_MASK
	if id2 <= can.CAN_SFF_MASK {
		mask = can.CAN_SFF_MASK
	}
	for c := id1; ; c++ {
		id &= c
		mask &= ^(id1 ^ c) & can.CAN_EFF_MASK
		if c == id2 {
			break
		}
	}
	return ForIDMask(id, mask)
}

// Matches reports whether the filter lets the identifier through.
func (f Filter) Matches(id uint32, extended bool) bool {
	if extended != f.Extended {
		return false
	}
	return id&f.Mask == f.ID&f.Mask
}

// Width is the identifier width the filter applies to (11 or 29).
func (f Filter) Width() int {
	if f.Extended {
		return 29
	}
	return 11
}

// Span is the number of identifiers of the filter's width it lets through.
func (f Filter) Span() uint64 {
	wmask := uint32(can.CAN_SFF_MASK)
	if f.Extended {
		wmask = can.CAN_EFF_MASK
	}
	care := bits.OnesCount32(f.Mask & wmask)
	return uint64(1) << uint(f.Width()-care)
}
