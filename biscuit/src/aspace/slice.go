package aspace

import (
	"unsafe"

	"addr"
	"kerrors"
	"mapping"
	"pageblock"
)

// MapSlice allocates a layout for [T; count], maps it with flags (which
// must include WRITABLE — spec.md §4.4 says map_slice "panics if flags
// not writable"), default-initializes every element, and returns the live
// slice together with the page block backing it (callers need the block
// again later to unmap; Go has no borrow checker to recover it from the
// slice pointer the way the Rust original's lifetime-scoped type could).
//
// Go has no method-level type parameters, so this is a free function
// taking the address space rather than AddressSpace.MapSlice[T]; call
// sites read aspace.MapSlice[ProcessInfo](as, 1, flags, ...) the same way
// the teacher's generic helpers in vm/userbuf.go are called as free
// functions parameterized over the buffer's element type.
//
// The backing frames are allocated as one contiguous run (see
// frame.Allocator.AllocateContiguous) so the returned slice is a genuine
// Go slice over live memory rather than a set of per-page copies.
func MapSlice[T any](as *AddressSpace, count int, flags mapping.Flags, def func() T) ([]T, addr.Block[addr.Page], kerrors.Err_t) {
	if !flags.Contains(mapping.WRITABLE) {
		panic("aspace: MapSlice requires WRITABLE flags")
	}
	s, block, err := mapSliceRaw[T](as, count, flags)
	if err != kerrors.Ok {
		return nil, addr.Block[addr.Page]{}, err
	}
	for i := range s {
		s[i] = def()
	}
	return s, block, kerrors.Ok
}

// MapSliceZeroed is MapSlice with byte-zero initialization instead of a
// constructor. The caller must ensure T admits an all-zero value.
func MapSliceZeroed[T any](as *AddressSpace, count int, flags mapping.Flags) ([]T, addr.Block[addr.Page], kerrors.Err_t) {
	if !flags.Contains(mapping.WRITABLE) {
		panic("aspace: MapSliceZeroed requires WRITABLE flags")
	}
	return mapSliceRaw[T](as, count, flags)
}

func mapSliceRaw[T any](as *AddressSpace, count int, flags mapping.Flags) ([]T, addr.Block[addr.Page], kerrors.Err_t) {
	var zero T
	elemSize := unsafe.Sizeof(zero)
	totalBytes := uint64(count) * uint64(elemSize)
	pages := (totalBytes + addr.PageSize - 1) / addr.PageSize
	if pages == 0 {
		pages = 1
	}

	block, err := as.Allocate(pageblock.Layout{Pages: pages, Align: 1}, flags)
	if err != kerrors.Ok {
		return nil, addr.Block[addr.Page]{}, err
	}
	first, err := as.Frames.AllocateContiguous(int(pages))
	if err != kerrors.Ok {
		as.Deallocate(block)
		return nil, addr.Block[addr.Page]{}, err
	}
	for i := uint64(0); i < pages; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		f := addr.FrameFromIndex(first.Index() + i)
		if err := as.MapPageToFrame(page, f, flags); err != kerrors.Ok {
			for j := uint64(0); j < i; j++ {
				as.UnmapPage(addr.PageFromIndex(block.Start.Index() + j))
			}
			as.Frames.DropRange(first, int(pages))
			as.Deallocate(block)
			return nil, addr.Block[addr.Page]{}, err
		}
	}
	// MapPageToFrame took its own reference per page; the contiguous
	// allocation's original reference (refcount 1 per frame from
	// AllocateContiguous) is now redundant with the tree's ownership, so
	// drop it back down to exactly the tree's reference.
	as.Frames.DropRange(first, int(pages))

	raw := as.Frames.BytesRun(first, int(pages))
	ptr := (*T)(unsafe.Pointer(&raw[0]))
	return unsafe.Slice(ptr, count), block, kerrors.Ok
}

// UnmapSlice drops every element of s in place (for types holding
// resources of their own) and then unmaps block, the span MapSlice
// returned alongside s.
func UnmapSlice[T any](as *AddressSpace, s []T, block addr.Block[addr.Page]) kerrors.Err_t {
	var zero T
	for i := range s {
		s[i] = zero
	}
	return as.UnmapBlock(block)
}

// UnmapOne drops *p and unmaps the single page it lives on.
func UnmapOne[T any](as *AddressSpace, p *T, page addr.Page) kerrors.Err_t {
	var zero T
	*p = zero
	return as.UnmapPage(page)
}
