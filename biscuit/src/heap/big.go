package heap

import (
	"sync"

	"addr"
	"aspace"
	"kerrors"
	"mapping"
	"pageblock"
	"util"
)

const bigFlags = mapping.PRESENT | mapping.WRITABLE | mapping.USER

// bigHandle names a live fallback allocation: the page block backing it and
// the contiguous frame run it maps to (needed to reconstruct a byte slice
// without walking the tree page by page).
type bigHandle struct {
	block addr.Block[addr.Page]
	first addr.Frame
	pages int
}

// BigAllocator is the page-granular fallback for requests too large, or too
// oddly sized, for any fixed-size class: used directly by the dispatcher
// and also as the allocator half of an ELF loader's staging/destination
// address-space pair.
type BigAllocator struct {
	mu    sync.Mutex
	space *aspace.AddressSpace
}

// NewBigAllocator builds a fallback allocator over space.
func NewBigAllocator(space *aspace.AddressSpace) *BigAllocator {
	return &BigAllocator{space: space}
}

// Alloc reserves and maps ceil(size/PageSize) pages as one contiguous
// physical run, and returns a handle plus a byte view over it.
func (b *BigAllocator) Alloc(size uint64) (bigHandle, []byte, kerrors.Err_t) {
	pages := int(util.CeilDiv(size, uint64(addr.PageSize)))
	if pages == 0 {
		pages = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	block, err := b.space.Allocate(pageblock.Layout{Pages: uint64(pages), Align: 1}, mapping.USER)
	if err != kerrors.Ok {
		return bigHandle{}, nil, err
	}
	first, err := b.space.Frames.AllocateContiguous(pages)
	if err != kerrors.Ok {
		b.space.Deallocate(block)
		return bigHandle{}, nil, err
	}
	for i := 0; i < pages; i++ {
		page := addr.PageFromIndex(block.Start.Index() + uint64(i))
		f := addr.FrameFromIndex(first.Index() + uint64(i))
		if err := b.space.MapPageToFrame(page, f, bigFlags); err != kerrors.Ok {
			for j := 0; j < i; j++ {
				b.space.UnmapPage(addr.PageFromIndex(block.Start.Index() + uint64(j)))
			}
			b.space.Frames.DropRange(first, pages)
			b.space.Deallocate(block)
			return bigHandle{}, nil, err
		}
	}
	b.space.Frames.DropRange(first, pages)

	h := bigHandle{block: block, first: first, pages: pages}
	return h, b.space.Frames.BytesRun(first, pages)[:size], kerrors.Ok
}

// AllocZeroed is Alloc with the returned bytes cleared.
func (b *BigAllocator) AllocZeroed(size uint64) (bigHandle, []byte, kerrors.Err_t) {
	h, bytes, err := b.Alloc(size)
	if err != kerrors.Ok {
		return h, bytes, err
	}
	for i := range bytes {
		bytes[i] = 0
	}
	return h, bytes, kerrors.Ok
}

// Dealloc unmaps and frees h's pages.
func (b *BigAllocator) Dealloc(h bigHandle) kerrors.Err_t {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.space.UnmapBlock(h.block); err != kerrors.Ok {
		return err
	}
	return b.space.Deallocate(h.block)
}

// Bytes returns the full page-rounded byte view backing h.
func (b *BigAllocator) Bytes(h bigHandle) []byte {
	return b.space.Frames.BytesRun(h.first, h.pages)
}
