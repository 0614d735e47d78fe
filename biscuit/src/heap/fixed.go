package heap

import (
	"sync"

	"aspace"
	"kerrors"
)

// FixedSizeAllocator serves cells of one size class: a Quarry for backing
// storage plus a LIFO free-list over whatever prefix of the quarry is
// currently mapped.
type FixedSizeAllocator struct {
	mu        sync.Mutex
	quarry    *Quarry
	mapped    uint64 // cells whose backing storage is live
	freeList  []uint64
	nextFresh uint64 // cells in [nextFresh, mapped) never handed out yet
}

// NewFixedSizeAllocator builds an allocator for cells of cellSize bytes.
func NewFixedSizeAllocator(space *aspace.AddressSpace, cellSize uint64) *FixedSizeAllocator {
	return &FixedSizeAllocator{quarry: newQuarry(space, cellSize)}
}

// Alloc pops a free cell, extending the quarry's mapped prefix by at least
// one cell first if the free-list is empty.
func (f *FixedSizeAllocator) Alloc() (uint64, []byte, kerrors.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cell, ok := f.take()
	if !ok {
		if err := f.extend(); err != kerrors.Ok {
			return 0, nil, err
		}
		cell, ok = f.take()
		if !ok {
			return 0, nil, kerrors.NoPage
		}
	}
	b, err := f.quarry.bytes(cell)
	return cell, b, err
}

func (f *FixedSizeAllocator) take() (uint64, bool) {
	if n := len(f.freeList); n > 0 {
		cell := f.freeList[n-1]
		f.freeList = f.freeList[:n-1]
		return cell, true
	}
	if f.nextFresh < f.mapped {
		cell := f.nextFresh
		f.nextFresh++
		return cell, true
	}
	return 0, false
}

func (f *FixedSizeAllocator) extend() kerrors.Err_t {
	newCount := f.mapped + 1
	added, err := f.quarry.Map(f.mapped, newCount)
	if err != kerrors.Ok {
		return err
	}
	if added == 0 {
		return kerrors.NoPage
	}
	f.mapped += added
	return kerrors.Ok
}

// Dealloc pushes cell back onto the free-list, then checks whether the
// quarry's backing storage can be released entirely (see maybeShrink).
func (f *FixedSizeAllocator) Dealloc(cell uint64) kerrors.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cell >= f.mapped {
		return kerrors.InvalidArgument
	}
	f.freeList = append(f.freeList, cell)
	f.maybeShrink()
	return kerrors.Ok
}

// maybeShrink releases the quarry's backing storage entirely once every
// cell this allocator ever handed out is free again, so a class that
// drains to empty also drops its page-count contribution back to zero
// (spec.md §8.1's balance-zero property) rather than holding a slab open
// forever. Called with f.mu held, from both Dealloc and drainClip, since a
// cell can come back to the free-list either directly or via a clip drain.
func (f *FixedSizeAllocator) maybeShrink() {
	if uint64(len(f.freeList)) != f.nextFresh || f.nextFresh == 0 {
		return
	}
	if err := f.quarry.Unmap(0); err != kerrors.Ok {
		return // best-effort shrink; the cells are still freed
	}
	f.mapped = 0
	f.nextFresh = 0
	f.freeList = f.freeList[:0]
}

// Valid reports whether cell currently names a cell this allocator has
// backing storage for, without taking it off the free-list.
func (f *FixedSizeAllocator) Valid(cell uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cell < f.mapped
}

// MappedPages reports the quarry's current physical backing, for the
// dispatcher's page-count statistic.
func (f *FixedSizeAllocator) MappedPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quarry.MappedPages()
}

// Bytes resolves cell to its live backing memory.
func (f *FixedSizeAllocator) Bytes(cell uint64) ([]byte, kerrors.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cell >= f.mapped {
		return nil, kerrors.InvalidArgument
	}
	return f.quarry.bytes(cell)
}

// refillClip pops up to n cells from the allocator into dst, growing the
// quarry as needed. Used by Clip.Take to bring a per-caller cache back up
// to its target occupancy under the FSA's lock.
func (f *FixedSizeAllocator) refillClip(dst []uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	got := 0
	for got < len(dst) {
		cell, ok := f.take()
		if !ok {
			if f.extend() != kerrors.Ok {
				break
			}
			continue
		}
		dst[got] = cell
		got++
	}
	return got
}

// drainClip pushes src's cells back onto the free-list under the FSA's lock,
// then checks whether the quarry's backing storage can shrink, the same as
// a direct Dealloc would.
func (f *FixedSizeAllocator) drainClip(src []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeList = append(f.freeList, src...)
	f.maybeShrink()
}
