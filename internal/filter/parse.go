package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-can-common/internal/can"
)

// Kind selects which synthesizer a Request goes through.
type Kind int

const (
	KindAll Kind = iota
	KindID
	KindMask
	KindRange
)

// Request is a parsed watch specification.
type Request struct {
	Kind Kind
	ID   uint32
	Mask uint32 // KindMask only
	ID2  uint32 // KindRange only
}

var ErrBadSpec = errors.New("filter: bad spec")

// Parse reads one of:
//
//	all             accept everything
//	0x123           exactly one identifier
//	0x100/0x700     identifier and mask
//	0x100-0x1FF     inclusive range
//
// Numbers take Go prefixes (0x, 0o, 0b) or plain decimal.
func Parse(spec string) (Request, error) {
	s := strings.TrimSpace(spec)
	switch strings.ToLower(s) {
	case "all", "*":
		return Request{Kind: KindAll}, nil
	case "":
		return Request{}, fmt.Errorf("%w: empty", ErrBadSpec)
	}
	if a, b, ok := strings.Cut(s, "-"); ok {
		lo, err := parseID(a)
		if err != nil {
			return Request{}, err
		}
		hi, err := parseID(b)
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: KindRange, ID: lo, ID2: hi}, nil
	}
	if a, b, ok := strings.Cut(s, "/"); ok {
		id, err := parseID(a)
		if err != nil {
			return Request{}, err
		}
		mask, err := parseID(b)
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: KindMask, ID: id, Mask: mask}, nil
	}
	id, err := parseID(s)
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: KindID, ID: id}, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadSpec, s, err)
	}
	if v > can.CAN_EFF_MASK {
		return 0, fmt.Errorf("%w: 0x%X exceeds 29 bits", ErrBadSpec, v)
	}
	return uint32(v), nil
}

// Filters returns the filter settings the request synthesizes to.
func (r Request) Filters() []Filter {
	switch r.Kind {
	case KindAll:
		all := All()
		return all[:]
	case KindMask:
		return []Filter{ForIDMask(r.ID, r.Mask)}
	case KindRange:
		return []Filter{ForRange(r.ID, r.ID2)}
	default:
		return []Filter{ForID(r.ID)}
	}
}

func (r Request) String() string {
	switch r.Kind {
	case KindAll:
		return "all"
	case KindMask:
		return fmt.Sprintf("0x%X/0x%X", r.ID, r.Mask)
	case KindRange:
		return fmt.Sprintf("0x%X-0x%X", r.ID, r.ID2)
	default:
		return fmt.Sprintf("0x%X", r.ID)
	}
}
