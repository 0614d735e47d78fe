package aspace

import (
	"testing"

	"addr"
	"frame"
	"kerrors"
	"mapping"
	"pageblock"
)

func newSpace(t *testing.T) (*AddressSpace, *frame.Allocator) {
	t.Helper()
	frames := frame.NewAllocator(addr.FrameFromIndex(0), 4096)
	as, err := NewFresh(frames, Process)
	if err != kerrors.Ok {
		t.Fatalf("NewFresh: %v", err)
	}
	return as, frames
}

func TestMapPageThenCheckPermission(t *testing.T) {
	as, _ := newSpace(t)
	page := addr.PageFromIndex(10)
	if err := as.MapPage(page, mapping.PRESENT|mapping.WRITABLE|mapping.USER); err != kerrors.Ok {
		t.Fatalf("MapPage: %v", err)
	}
	block, _ := addr.WithLen(page, 1)
	if err := as.CheckPermission(block, mapping.WRITABLE); err != kerrors.Ok {
		t.Fatalf("CheckPermission: %v", err)
	}
	if err := as.CheckPermission(block, mapping.EXECUTABLE); err != kerrors.PermissionDenied {
		t.Fatalf("expected PermissionDenied requiring EXECUTABLE, got %v", err)
	}
}

func TestMapPageRejectsHalfMismatch(t *testing.T) {
	as, _ := newSpace(t)
	kernPage := addr.PageOf(addr.MustVirt(0xFFFF_8000_0010_0000))
	if err := as.MapPage(kernPage, mapping.PRESENT|mapping.WRITABLE|mapping.USER); err != kerrors.PermissionDenied {
		t.Fatalf("expected PermissionDenied mapping kernel half with USER flag, got %v", err)
	}
}

func TestUnmapPageFreesFrame(t *testing.T) {
	as, frames := newSpace(t)
	page := addr.PageFromIndex(5)
	as.MapPage(page, mapping.PRESENT|mapping.WRITABLE|mapping.USER)
	before := frames.FreeCount()
	if err := as.UnmapPage(page); err != kerrors.Ok {
		t.Fatalf("UnmapPage: %v", err)
	}
	if frames.FreeCount() <= before {
		t.Fatalf("expected a frame returned to the pool")
	}
}

func TestMapBlockRollsBackOnFailure(t *testing.T) {
	as, frames := newSpace(t)
	// Exhaust all but 2 frames so a 4-page MapBlock runs out of frames on its
	// first page (a data frame plus three new table nodes).
	for frames.FreeCount() > 2 {
		as.Frames.Allocate()
	}
	block, _ := addr.WithLen(addr.PageFromIndex(100), 4)
	freeBefore := frames.FreeCount()
	if err := as.MapBlock(block, mapping.PRESENT|mapping.WRITABLE|mapping.USER); err == kerrors.Ok {
		t.Fatalf("expected MapBlock to fail when frames run out")
	}
	if frames.FreeCount() != freeBefore {
		t.Fatalf("expected partial mappings rolled back: before=%d after=%d", freeBefore, frames.FreeCount())
	}
}

func TestDuplicateClonesUserAllocatorState(t *testing.T) {
	as, _ := newSpace(t)
	as.Allocate(pageblock.Layout{Pages: 3, Align: 1}, mapping.USER)
	child, err := as.Duplicate()
	if err != kerrors.Ok {
		t.Fatalf("Duplicate: %v", err)
	}
	if child.UserAlloc.FreePages() != as.UserAlloc.FreePages() {
		t.Fatalf("expected child's user allocator to mirror parent's snapshot")
	}
	if child.Kind != Process {
		t.Fatalf("expected child Kind Process")
	}
}

func TestSwitchToAndCloseDiscipline(t *testing.T) {
	as, _ := newSpace(t)
	base, _ := NewFresh(as.Frames, Base)

	as.SwitchTo()
	if !as.IsLoaded() {
		t.Fatal("expected as to be the loaded space")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected Close on the loaded space to panic")
			}
		}()
		as.Close()
	}()

	base.SwitchTo()
	as.Close() // should not panic now
}

func TestMapSliceZeroedAndUnmap(t *testing.T) {
	as, frames := newSpace(t)
	type rec struct{ A, B uint64 }
	s, block, err := MapSliceZeroed[rec](as, 3, mapping.PRESENT|mapping.WRITABLE|mapping.USER)
	if err != kerrors.Ok {
		t.Fatalf("MapSliceZeroed: %v", err)
	}
	if len(s) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(s))
	}
	s[1].A = 42
	if s[1].A != 42 {
		t.Fatal("slice does not alias live memory")
	}
	freeBefore := frames.FreeCount()
	if err := UnmapSlice(as, s, block); err != kerrors.Ok {
		t.Fatalf("UnmapSlice: %v", err)
	}
	if frames.FreeCount() <= freeBefore {
		t.Fatalf("expected frames reclaimed by UnmapSlice")
	}
}

func TestDumpCoalescesRuns(t *testing.T) {
	as, _ := newSpace(t)
	for i := uint64(0); i < 3; i++ {
		as.MapPage(addr.PageFromIndex(i), mapping.PRESENT|mapping.WRITABLE|mapping.USER)
	}
	as.MapPage(addr.PageFromIndex(5), mapping.PRESENT|mapping.USER)
	out := as.Dump()
	if out == "" {
		t.Fatal("expected non-empty dump")
	}
}
