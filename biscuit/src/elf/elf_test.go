package elf

import (
	"debug/elf"
	"testing"

	"addr"
	"kerrors"
	"mapping"
)

func mustBlock(t *testing.T, start, end uint64) addr.Block[addr.Virt] {
	t.Helper()
	b, err := addr.NewBlock(addr.MustVirt(start), addr.MustVirt(end))
	if err != kerrors.Ok {
		t.Fatalf("NewBlock(%#x, %#x): %v", start, end, err)
	}
	return b
}

// TestCombineDisjointSegments covers spec.md §8.3 Scenario S1's simple
// case: two segments on opposite sides of a page boundary never share a
// page, so curr resolves entirely to currMinusNext and next passes through
// untouched.
func TestCombineDisjointSegments(t *testing.T) {
	curr := unalignedRange{virt: mustBlock(t, 0x1000, 0x1800), flags: mapping.PRESENT | mapping.USER}
	next := unalignedRange{virt: mustBlock(t, 0x2000, 0x2800), flags: mapping.PRESENT | mapping.USER | mapping.WRITABLE}

	currMinusNext, boundary, updatedNext, err := combine(curr, next)
	if err != kerrors.Ok {
		t.Fatalf("combine: %v", err)
	}
	if boundary != nil {
		t.Fatalf("expected no boundary page, got %+v", boundary)
	}
	if currMinusNext == nil {
		t.Fatalf("expected currMinusNext to cover curr's page")
	}
	wantPages := addr.Block[addr.Page]{Start: addr.PageOf(addr.MustVirt(0x1000)), End: addr.PageOf(addr.MustVirt(0x2000))}
	if currMinusNext.pages != wantPages {
		t.Fatalf("currMinusNext.pages = %v, want %v", currMinusNext.pages, wantPages)
	}
	if currMinusNext.flags != curr.flags {
		t.Fatalf("currMinusNext.flags = %v, want %v", currMinusNext.flags, curr.flags)
	}
	if updatedNext != next {
		t.Fatalf("updatedNext = %+v, want unchanged next %+v", updatedNext, next)
	}
}

// TestCombineSharedBoundaryPage covers Scenario S1's merge case: a
// read-only segment ending mid-page and a writable segment beginning in
// that same page must agree on a combined RW boundary page, with curr's
// exclusive prefix kept read-only.
func TestCombineSharedBoundaryPage(t *testing.T) {
	curr := unalignedRange{virt: mustBlock(t, 0x0000, 0x1800), flags: mapping.PRESENT | mapping.USER}
	next := unalignedRange{virt: mustBlock(t, 0x1800, 0x3000), flags: mapping.PRESENT | mapping.USER | mapping.WRITABLE}

	currMinusNext, boundary, updatedNext, err := combine(curr, next)
	if err != kerrors.Ok {
		t.Fatalf("combine: %v", err)
	}
	if currMinusNext == nil {
		t.Fatalf("expected a currMinusNext prefix before the shared page")
	}
	wantPrefix := addr.Block[addr.Page]{Start: addr.PageOf(addr.MustVirt(0x0000)), End: addr.PageOf(addr.MustVirt(0x1000))}
	if currMinusNext.pages != wantPrefix {
		t.Fatalf("currMinusNext.pages = %v, want %v", currMinusNext.pages, wantPrefix)
	}
	if boundary == nil {
		t.Fatalf("expected a boundary page combining curr and next's flags")
	}
	wantBoundary := addr.Block[addr.Page]{Start: addr.PageOf(addr.MustVirt(0x1000)), End: addr.PageOf(addr.MustVirt(0x2000))}
	if boundary.pages != wantBoundary {
		t.Fatalf("boundary.pages = %v, want %v", boundary.pages, wantBoundary)
	}
	wantFlags := curr.flags | next.flags
	if boundary.flags != wantFlags {
		t.Fatalf("boundary.flags = %v, want %v", boundary.flags, wantFlags)
	}
	wantUpdatedNextStart := addr.PageOf(addr.MustVirt(0x2000))
	if updatedNext.virt.Start != wantUpdatedNextStart.Virt() {
		t.Fatalf("updatedNext.virt.Start = %v, want %v", updatedNext.virt.Start, wantUpdatedNextStart.Virt())
	}
	if updatedNext.virt.End != next.virt.End {
		t.Fatalf("updatedNext.virt.End = %v, want %v", updatedNext.virt.End, next.virt.End)
	}
}

// TestCombineRejectsOutOfOrder mirrors elf.rs's validate_order check at
// the collectSegments level: overlapping or reversed segments are
// InvalidArgument, never silently reordered.
func TestCombineRejectsOutOfOrder(t *testing.T) {
	progs := []elf.ProgHeader{
		{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: 0x2000, Memsz: 0x2000, Filesz: 0x2000},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x1000, Memsz: 0x2000, Filesz: 0x2000},
	}
	segs := make([]segment, len(progs))
	for i, ph := range progs {
		s, err := toSegment(&elf.Prog{ProgHeader: ph})
		if err != kerrors.Ok {
			t.Fatalf("toSegment[%d]: %v", i, err)
		}
		segs[i] = s
	}
	_, err := validateOrder(segs)
	if err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument for overlapping segments, got %v", err)
	}
}

// TestSegmentFlagsRejectsWriteAndExecute matches elf.rs's PageTableFlags
// TryFrom rule: a segment may never be both writable and executable.
func TestSegmentFlagsRejectsWriteAndExecute(t *testing.T) {
	if _, err := segmentFlags(elf.PF_W | elf.PF_X); err != kerrors.PermissionDenied {
		t.Fatalf("segmentFlags(W|X) = %v, want PermissionDenied", err)
	}
}

func TestSegmentFlagsMapping(t *testing.T) {
	flags, err := segmentFlags(elf.PF_R | elf.PF_W)
	if err != kerrors.Ok {
		t.Fatalf("segmentFlags: %v", err)
	}
	want := mapping.PRESENT | mapping.USER | mapping.WRITABLE
	if flags != want {
		t.Fatalf("segmentFlags(R|W) = %v, want %v", flags, want)
	}
}
