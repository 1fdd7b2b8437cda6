package filter

import (
	"errors"
	"testing"
)

func TestForID(t *testing.T) {
	tests := []struct {
		id   uint32
		want Filter
	}{
		{0x000, Filter{ID: 0, Mask: 0x7FF}},
		{0x7FF, Filter{ID: 0x7FF, Mask: 0x7FF}},
		{0x800, Filter{ID: 0x800, Mask: 0x1FFFFFFF, Extended: true}},
		{0x18FA1900, Filter{ID: 0x18FA1900, Mask: 0x1FFFFFFF, Extended: true}},
	}
	for _, tc := range tests {
		if got := ForID(tc.id); got != tc.want {
			t.Fatalf("ForID(0x%X)=%v want %v", tc.id, got, tc.want)
		}
	}
}

func TestForIDMaskInfersFromIDOnly(t *testing.T) {
	if f := ForIDMask(0x7FF, 0x1FFFFFFF); f.Extended {
		t.Fatalf("0x7FF must stay standard whatever the mask: %v", f)
	}
	if f := ForIDMask(0x800, 0x700); !f.Extended || f.Mask != 0x700 {
		t.Fatalf("unexpected %v", f)
	}
}

func TestAll(t *testing.T) {
	all := All()
	if all[0] != (Filter{}) || all[1] != (Filter{Extended: true}) {
		t.Fatalf("unexpected %v", all)
	}
}

func TestForRangeOrderIndependent(t *testing.T) {
	pairs := [][2]uint32{{0x100, 0x1FF}, {0x0FF, 0x100}, {0x7F0, 0x810}, {0x12, 0x345}, {0x18FA1900, 0x18FA19FF}}
	for _, p := range pairs {
		a, b := ForRange(p[0], p[1]), ForRange(p[1], p[0])
		if a != b {
			t.Fatalf("range 0x%X..0x%X: %v vs %v", p[0], p[1], a, b)
		}
	}
}

func TestForRangeSingleValueIsExact(t *testing.T) {
	for _, id := range []uint32{0, 0x123, 0x7FF, 0x800, 0x1FFFFFFF} {
		f := ForRange(id, id)
		if f != ForID(id) {
			t.Fatalf("ForRange(0x%X,0x%X)=%v want %v", id, id, f, ForID(id))
		}
	}
}

func TestForRangeWholeStandardSpace(t *testing.T) {
	f := ForRange(0, 0x7FF)
	if f.ID != 0 || f.Mask != 0 || f.Extended {
		t.Fatalf("ForRange(0,0x7FF)=%v want pure don't-care", f)
	}
}

func TestForRangeKnownValues(t *testing.T) {
	tests := []struct {
		lo, hi uint32
		want   Filter
	}{
		{0x100, 0x1FF, Filter{ID: 0x100, Mask: 0x700}},
		{0x0FF, 0x100, Filter{ID: 0x000, Mask: 0x600}},
		{0x120, 0x12F, Filter{ID: 0x120, Mask: 0x7F0}},
		// upper bound decides the seed, the synthesized id decides extendedness
		{0x7F0, 0x810, Filter{ID: 0x000, Mask: 0x1FFFF000}},
	}
	for _, tc := range tests {
		if got := ForRange(tc.lo, tc.hi); got != tc.want {
			t.Fatalf("ForRange(0x%X,0x%X)=%v want %v", tc.lo, tc.hi, got, tc.want)
		}
	}
}

func TestForRangeCoversEveryID(t *testing.T) {
	ranges := [][2]uint32{{0x100, 0x1FF}, {0x0FF, 0x100}, {0x12, 0x345}, {0x7F0, 0x7FF}, {0x18FA1900, 0x18FA1A10}}
	for _, r := range ranges {
		f := ForRange(r[0], r[1])
		for id := r[0]; id <= r[1]; id++ {
			if id&f.Mask != f.ID&f.Mask {
				t.Fatalf("range 0x%X..0x%X: id 0x%X not covered by %v", r[0], r[1], id, f)
			}
		}
	}
}

func TestForRangeTopOfSpaceTerminates(t *testing.T) {
	f := ForRange(0xFFFFFFFE, 0xFFFFFFFF)
	if !f.Extended {
		t.Fatalf("expected extended, got %v", f)
	}
}

func TestMatches(t *testing.T) {
	f := ForIDMask(0x100, 0x700)
	if !f.Matches(0x1AB, false) || f.Matches(0x2AB, false) || f.Matches(0x1AB, true) {
		t.Fatalf("Matches wrong for %v", f)
	}
	all := All()
	if !all[0].Matches(0x7FF, false) || !all[1].Matches(0x1FFFFFFF, true) {
		t.Fatalf("accept-all filters rejected")
	}
}

func TestSpan(t *testing.T) {
	if s := ForID(0x123).Span(); s != 1 {
		t.Fatalf("exact span=%d", s)
	}
	if s := ForRange(0x100, 0x1FF).Span(); s != 256 {
		t.Fatalf("range span=%d", s)
	}
	if s := ForRange(0x0FF, 0x100).Span(); s != 512 {
		t.Fatalf("wide range span=%d", s)
	}
	if s := (Filter{Extended: true}).Span(); s != 1<<29 {
		t.Fatalf("ext all span=%d", s)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Request
	}{
		{"all", Request{Kind: KindAll}},
		{" * ", Request{Kind: KindAll}},
		{"0x123", Request{Kind: KindID, ID: 0x123}},
		{"291", Request{Kind: KindID, ID: 291}},
		{"0x100/0x700", Request{Kind: KindMask, ID: 0x100, Mask: 0x700}},
		{"0x100-0x1FF", Request{Kind: KindRange, ID: 0x100, ID2: 0x1FF}},
		{"0x1FF - 0x100", Request{Kind: KindRange, ID: 0x1FF, ID2: 0x100}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q)=%+v want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "zz", "0x20000000", "1-", "/0x7"} {
		if _, err := Parse(bad); !errors.Is(err, ErrBadSpec) {
			t.Fatalf("Parse(%q): expected ErrBadSpec, got %v", bad, err)
		}
	}
}

func TestRequestFilters(t *testing.T) {
	r, _ := Parse("0x100-0x1FF")
	fs := r.Filters()
	if len(fs) != 1 || fs[0] != ForRange(0x100, 0x1FF) {
		t.Fatalf("unexpected %v", fs)
	}
	r, _ = Parse("all")
	if fs := r.Filters(); len(fs) != 2 {
		t.Fatalf("all should install two filters, got %v", fs)
	}
	if r.String() != "all" {
		t.Fatalf("String=%q", r.String())
	}
}
