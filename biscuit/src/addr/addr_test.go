package addr

import (
	"testing"

	"kerrors"
)

func TestVirtCanonicalGapRejected(t *testing.T) {
	if _, err := NewVirt(canonGapLo); err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument at gap low bound, got %v", err)
	}
	if _, err := NewVirt(canonGapHi - 1); err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument just below gap high bound, got %v", err)
	}
	if _, err := NewVirt(canonGapHi); err != kerrors.Ok {
		t.Fatalf("expected Ok at gap high bound, got %v", err)
	}
}

func TestVirtRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 0x1000, 0x7FFF_FFFF_F000, 0xFFFF_8000_0010_0000} {
		got, err := NewVirt(v)
		if err != kerrors.Ok {
			t.Fatalf("NewVirt(%#x): %v", v, err)
		}
		if got.Uint64() != v {
			t.Fatalf("round trip: got %#x want %#x", got.Uint64(), v)
		}
	}
}

func TestPhysRejects53Bit(t *testing.T) {
	if _, err := NewPhys(1 << 52); err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument for 53-bit address, got %v", err)
	}
	if _, err := NewPhys((1 << 52) - 1); err != kerrors.Ok {
		t.Fatalf("expected Ok at max 52-bit address, got %v", err)
	}
}

func TestPageAlignment(t *testing.T) {
	v := MustVirt(0x1000)
	if _, err := NewPage(v); err != kerrors.Ok {
		t.Fatalf("aligned virt rejected: %v", err)
	}
	v2 := MustVirt(0x1001)
	if _, err := NewPage(v2); err != kerrors.InvalidAlignment {
		t.Fatalf("expected InvalidAlignment, got %v", err)
	}
}

func TestBlockEnclosingContainsEveryAddress(t *testing.T) {
	start := PageFromIndex(4)
	end := PageFromIndex(10)
	b, err := NewBlock(start, end)
	if err != kerrors.Ok {
		t.Fatalf("NewBlock: %v", err)
	}
	s, e := b.Enclosing()
	for i := s.Index(); i < e.Index(); i++ {
		if !b.Contains(PageFromIndex(i)) {
			t.Fatalf("enclosing block does not contain page %d", i)
		}
	}
}

func TestBlockRejectsCrossingCanonicalGap(t *testing.T) {
	lo := MustVirt(0x1000)
	hi := MustVirt(canonGapHi + 0x1000)
	if _, err := NewBlock(lo, hi); err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument crossing the canonical gap, got %v", err)
	}
}

func TestBlockOverlapsAndAdjacent(t *testing.T) {
	a, _ := NewBlock(PageFromIndex(0), PageFromIndex(4))
	b, _ := NewBlock(PageFromIndex(4), PageFromIndex(8))
	if a.Overlaps(b) {
		t.Fatal("adjacent, non-overlapping blocks reported as overlapping")
	}
	if !a.Adjacent(b) {
		t.Fatal("expected adjacent blocks to coalesce")
	}
	c, _ := NewBlock(PageFromIndex(3), PageFromIndex(6))
	if !a.Overlaps(c) {
		t.Fatal("expected overlap")
	}
}

func TestEmptyBlockPermitted(t *testing.T) {
	b, err := NewBlock(PageFromIndex(5), PageFromIndex(5))
	if err != kerrors.Ok {
		t.Fatalf("empty block rejected: %v", err)
	}
	if !b.Empty() {
		t.Fatal("expected Empty() true")
	}
}

func TestFrameIndexRoundTrip(t *testing.T) {
	f := FrameFromIndex(1234)
	if FrameFromIndex(f.Index()) != f {
		t.Fatalf("frame index round trip failed")
	}
}
