package pageblock

import (
	"testing"

	"addr"
	"kerrors"
)

func region(startIdx, endIdx uint64) addr.Block[addr.Page] {
	b, err := addr.NewBlock(addr.PageFromIndex(startIdx), addr.PageFromIndex(endIdx))
	if err != kerrors.Ok {
		panic(err)
	}
	return b
}

func TestAllocateFirstFit(t *testing.T) {
	a := NewAllocator(region(0, 10))
	b1, err := a.Allocate(Layout{Pages: 3, Align: 1})
	if err != kerrors.Ok {
		t.Fatalf("Allocate: %v", err)
	}
	if b1.Start.Index() != 0 || b1.End.Index() != 3 {
		t.Fatalf("unexpected block %v", b1)
	}
	if a.FreePages() != 7 {
		t.Fatalf("expected 7 free pages, got %d", a.FreePages())
	}
}

func TestAllocateHonorsAlignment(t *testing.T) {
	a := NewAllocator(region(0, 10))
	if _, err := a.Allocate(Layout{Pages: 1, Align: 1}); err != kerrors.Ok {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := a.Allocate(Layout{Pages: 2, Align: 4})
	if err != kerrors.Ok {
		t.Fatalf("Allocate aligned: %v", err)
	}
	if b.Start.Index()%4 != 0 {
		t.Fatalf("expected alignment to 4, got start index %d", b.Start.Index())
	}
}

func TestReserveExactSpan(t *testing.T) {
	a := NewAllocator(region(0, 10))
	block := region(2, 5)
	if err := a.Reserve(block); err != kerrors.Ok {
		t.Fatalf("Reserve: %v", err)
	}
	if err := a.Reserve(block); err != kerrors.NoPage {
		t.Fatalf("expected NoPage re-reserving, got %v", err)
	}
}

func TestDeallocateCoalesces(t *testing.T) {
	a := NewAllocator(region(0, 10))
	b1, _ := a.Allocate(Layout{Pages: 3, Align: 1})
	b2, _ := a.Allocate(Layout{Pages: 3, Align: 1})
	if err := a.Deallocate(b1); err != kerrors.Ok {
		t.Fatalf("Deallocate b1: %v", err)
	}
	if err := a.Deallocate(b2); err != kerrors.Ok {
		t.Fatalf("Deallocate b2: %v", err)
	}
	full, err := a.Allocate(Layout{Pages: 10, Align: 1})
	if err != kerrors.Ok {
		t.Fatalf("expected full region allocatable after coalescing, got %v", err)
	}
	if full.Start.Index() != 0 || full.End.Index() != 10 {
		t.Fatalf("unexpected coalesced block %v", full)
	}
}

func TestDeallocateRejectsDoubleFree(t *testing.T) {
	a := NewAllocator(region(0, 10))
	b, _ := a.Allocate(Layout{Pages: 2, Align: 1})
	if err := a.Deallocate(b); err != kerrors.Ok {
		t.Fatalf("Deallocate: %v", err)
	}
	if err := a.Deallocate(b); err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument on double free, got %v", err)
	}
}

func TestDeallocateRejectsCrossingRegion(t *testing.T) {
	a := NewAllocator(region(0, 10))
	outside := region(8, 12)
	if err := a.Deallocate(outside); err != kerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgument crossing region bound, got %v", err)
	}
}

func TestDuplicateIsIndependent(t *testing.T) {
	a := NewAllocator(region(0, 10))
	a.Allocate(Layout{Pages: 2, Align: 1})
	clone := a.Duplicate()
	a.Allocate(Layout{Pages: 2, Align: 1})
	if clone.FreePages() != 8 {
		t.Fatalf("clone should not observe parent's later allocation, got %d free", clone.FreePages())
	}
}

func TestDuplicateAllocatorStateOverwrites(t *testing.T) {
	src := NewAllocator(region(0, 10))
	src.Allocate(Layout{Pages: 4, Align: 1})
	dst := NewAllocator(region(0, 10))
	DuplicateAllocatorState(dst, src)
	if dst.FreePages() != 6 {
		t.Fatalf("expected dst to match src's snapshot, got %d free", dst.FreePages())
	}
}

func TestAllocateNoFitReturnsNoPage(t *testing.T) {
	a := NewAllocator(region(0, 4))
	a.Allocate(Layout{Pages: 4, Align: 1})
	if _, err := a.Allocate(Layout{Pages: 1, Align: 1}); err != kerrors.NoPage {
		t.Fatalf("expected NoPage, got %v", err)
	}
}
