// Package pageblock implements the per-address-space page-block allocator:
// an ordered set of free virtual page intervals bounded to one half of the
// address space (spec.md §4.2).
//
// Grounded on the free-region bookkeeping biscuit's vm/as.go keeps for its
// Vm_t.VEnd/Vmregion sweeps, generalized here into an explicit sorted
// free-list so allocate/reserve/deallocate/duplicate can each be stated and
// tested independently of the mapping tree they back.
package pageblock

import (
	"sort"
	"sync"

	"addr"
	"kerrors"
)

// Layout describes a requested span: Pages pages, aligned to Align pages
// (Align must be a power of two; 1 means no special alignment).
type Layout struct {
	Pages uint64
	Align uint64
}

// Allocator tracks free page spans within Region, sorted and coalesced.
type Allocator struct {
	mu     sync.Mutex
	region addr.Block[addr.Page]
	free   []addr.Block[addr.Page]
}

// NewAllocator creates an allocator whose entire region starts free.
func NewAllocator(region addr.Block[addr.Page]) *Allocator {
	a := &Allocator{region: region}
	if !region.Empty() {
		a.free = []addr.Block[addr.Page]{region}
	}
	return a
}

// Region returns the bounded span this allocator governs.
func (a *Allocator) Region() addr.Block[addr.Page] { return a.region }

func alignPages(start addr.Page, align uint64) addr.Page {
	if align <= 1 {
		return start
	}
	idx := start.Index()
	aligned := (idx + align - 1) &^ (align - 1)
	return addr.PageFromIndex(aligned)
}

// Allocate finds the first free span that fits layout (first-fit, honoring
// alignment), splits off any remainder back into the free set, and returns
// the allocated block. Returns NoPage if nothing fits.
func (a *Allocator) Allocate(layout Layout) (addr.Block[addr.Page], kerrors.Err_t) {
	if layout.Pages == 0 {
		return addr.Block[addr.Page]{}, kerrors.InvalidArgument
	}
	align := layout.Align
	if align == 0 {
		align = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, span := range a.free {
		candStart := alignPages(span.Start, align)
		candEnd := addr.PageFromIndex(candStart.Index() + layout.Pages)
		if !span.ContainsBlock(mustBlock(candStart, candEnd)) {
			continue
		}
		block := mustBlock(candStart, candEnd)
		a.removeFreeSpan(i, span, block)
		return block, kerrors.Ok
	}
	return addr.Block[addr.Page]{}, kerrors.NoPage
}

// removeFreeSpan replaces free[i] (== span) with whatever of span remains
// once block is carved out of it (0, 1, or 2 remaining pieces).
func (a *Allocator) removeFreeSpan(i int, span, block addr.Block[addr.Page]) {
	var rest []addr.Block[addr.Page]
	if span.Start != block.Start {
		rest = append(rest, addr.Block[addr.Page]{Start: span.Start, End: block.Start})
	}
	if block.End != span.End {
		rest = append(rest, addr.Block[addr.Page]{Start: block.End, End: span.End})
	}
	a.free = append(a.free[:i], append(rest, a.free[i+1:]...)...)
}

// Reserve marks exactly block as allocated. It fails with NoPage if block is
// not entirely contained within a single free span.
func (a *Allocator) Reserve(block addr.Block[addr.Page]) kerrors.Err_t {
	if !a.region.ContainsBlock(block) {
		return kerrors.InvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, span := range a.free {
		if span.ContainsBlock(block) {
			a.removeFreeSpan(i, span, block)
			return kerrors.Ok
		}
	}
	return kerrors.NoPage
}

// Deallocate returns block to the free set, coalescing with any adjacent
// free neighbors. It fails with InvalidArgument if block is not fully
// allocated (i.e. it overlaps an already-free span) or crosses the region
// boundary.
func (a *Allocator) Deallocate(block addr.Block[addr.Page]) kerrors.Err_t {
	if block.Empty() {
		return kerrors.Ok
	}
	if !a.region.ContainsBlock(block) {
		return kerrors.InvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, span := range a.free {
		if span.Overlaps(block) {
			return kerrors.InvalidArgument
		}
	}
	a.free = append(a.free, block)
	sort.Slice(a.free, func(i, j int) bool {
		return a.free[i].Start.Index() < a.free[j].Start.Index()
	})
	coalesced := a.free[:0]
	for _, span := range a.free {
		if n := len(coalesced); n > 0 && coalesced[n-1].Adjacent(span) {
			coalesced[n-1].End = span.End
			continue
		}
		coalesced = append(coalesced, span)
	}
	a.free = coalesced
	return kerrors.Ok
}

// Duplicate clones the free-set for exofork: the child starts with an
// identical view of what is free/allocated, and the caller is responsible
// for the invariant that the child does not allocate past whatever the
// parent had allocated at snapshot time (spec.md §4.2).
func (a *Allocator) Duplicate() *Allocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	clone := &Allocator{region: a.region}
	clone.free = append([]addr.Block[addr.Page](nil), a.free...)
	return clone
}

// DuplicateAllocatorState overwrites dst's free set with a snapshot of src's,
// the named counterpart to spec.md §4.2's duplicate_allocator_state.
func DuplicateAllocatorState(dst, src *Allocator) {
	src.mu.Lock()
	snapshot := append([]addr.Block[addr.Page](nil), src.free...)
	src.mu.Unlock()

	dst.mu.Lock()
	dst.free = snapshot
	dst.mu.Unlock()
}

// FreePages reports the total number of free pages, for diagnostics.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, span := range a.free {
		n += span.Len()
	}
	return n
}

func mustBlock(start, end addr.Page) addr.Block[addr.Page] {
	b, err := addr.NewBlock(start, end)
	if err != kerrors.Ok {
		panic("pageblock: invalid candidate block")
	}
	return b
}
