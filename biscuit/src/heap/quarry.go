package heap

import (
	"addr"
	"aspace"
	"kerrors"
	"mapping"
	"pageblock"
	"util"
)

const (
	slabBytes   = 1 << 20 // 1 MiB
	slabPages   = slabBytes / addr.PageSize
	maxSlabs    = 16
	quarryFlags = mapping.PRESENT | mapping.WRITABLE | mapping.USER
)

// Quarry is the lazy backing store behind one fixed-size class: up to
// maxSlabs slabs of slabBytes each, subdivided into cells of cellSize.
// Cells are numbered in slab-major, then cell-within-slab order.
//
// Only the active tail slab is ever partially mapped: Map grows the
// currently open slab's mapped page suffix one page at a time as the
// allocator's high-water mark advances past a page boundary, and only
// reserves the next slab's virtual range once the current one fills.
// bytes(cell) resolves a cell's address through the mapping tree on every
// access, so the physical frames backing a slab's pages never need to be
// contiguous with each other.
type Quarry struct {
	space    *aspace.AddressSpace
	cellSize uint64

	slabBlocks      [maxSlabs]addr.Block[addr.Page]
	slabPagesMapped [maxSlabs]int
	reserved        int
	cellsPerSlab    uint64
	capacity        uint64
}

// Capacity is the largest cell index this quarry could ever back.
func (q *Quarry) Capacity() uint64 { return q.capacity }

func newQuarry(space *aspace.AddressSpace, cellSize uint64) *Quarry {
	cellsPerSlab := slabBytes / cellSize
	return &Quarry{
		space:        space,
		cellSize:     cellSize,
		cellsPerSlab: cellsPerSlab,
		capacity:     cellsPerSlab * maxSlabs,
	}
}

func (q *Quarry) slabOf(cellIndex uint64) int { return int(cellIndex / q.cellsPerSlab) }

// reserveThrough ensures every slab up to and including slabOf(lastCell) has
// a reserved (but not necessarily mapped) virtual block.
func (q *Quarry) reserveThrough(lastCell uint64) kerrors.Err_t {
	want := q.slabOf(lastCell) + 1
	if want > maxSlabs {
		return kerrors.NoPage
	}
	for q.reserved < want {
		block, err := q.space.Allocate(pageblock.Layout{Pages: slabPages, Align: 1}, mapping.USER)
		if err != kerrors.Ok {
			return err
		}
		q.slabBlocks[q.reserved] = block
		q.reserved++
	}
	return kerrors.Ok
}

// slabTargetPages reports how many pages of slab i must be mapped for the
// quarry to back count cells overall: zero if slab i lies entirely past
// count, a partial page suffix if count ends partway through slab i, and
// slabPages if slab i lies entirely before count.
func (q *Quarry) slabTargetPages(i int, count uint64) int {
	slabFirstCell := uint64(i) * q.cellsPerSlab
	if count <= slabFirstCell {
		return 0
	}
	local := count - slabFirstCell
	if local > q.cellsPerSlab {
		local = q.cellsPerSlab
	}
	pages := int(util.CeilDiv(local*q.cellSize, uint64(addr.PageSize)))
	if pages > slabPages {
		pages = slabPages
	}
	return pages
}

// mapSlabPages grows slab i's mapped page prefix up to target pages, one
// page at a time.
func (q *Quarry) mapSlabPages(i int, target int) kerrors.Err_t {
	have := q.slabPagesMapped[i]
	if target <= have {
		return kerrors.Ok
	}
	block := q.slabBlocks[i]
	for p := have; p < target; p++ {
		page := addr.PageFromIndex(block.Start.Index() + uint64(p))
		if err := q.space.MapPage(page, quarryFlags); err != kerrors.Ok {
			return err
		}
		q.slabPagesMapped[i] = p + 1
	}
	return kerrors.Ok
}

// unmapSlabPages shrinks slab i's mapped page prefix down to target pages,
// one page at a time, from the top.
func (q *Quarry) unmapSlabPages(i int, target int) kerrors.Err_t {
	have := q.slabPagesMapped[i]
	if target >= have {
		return kerrors.Ok
	}
	block := q.slabBlocks[i]
	for p := have - 1; p >= target; p-- {
		page := addr.PageFromIndex(block.Start.Index() + uint64(p))
		if err := q.space.UnmapPage(page); err != kerrors.Ok {
			return err
		}
		q.slabPagesMapped[i] = p
	}
	return kerrors.Ok
}

// mappedCellCapacity reports how many cells the quarry's currently mapped
// pages could back, slab by slab.
func (q *Quarry) mappedCellCapacity() uint64 {
	total := uint64(0)
	for i := 0; i < q.reserved; i++ {
		cap := (uint64(q.slabPagesMapped[i]) * addr.PageSize) / q.cellSize
		if cap > q.cellsPerSlab {
			cap = q.cellsPerSlab
		}
		total += cap
	}
	return total
}

// Map grows the quarry's mapped prefix to cover at least newCount cells,
// reserving virtual slabs as needed but mapping only the minimal page
// suffix of the last touched slab, and reports how many cells' worth of
// fresh backing storage was brought in.
func (q *Quarry) Map(oldCount, newCount uint64) (uint64, kerrors.Err_t) {
	if newCount == 0 {
		return 0, kerrors.Ok
	}
	if err := q.reserveThrough(newCount - 1); err != kerrors.Ok {
		return 0, err
	}
	before := q.mappedCellCapacity()
	lastSlab := q.slabOf(newCount - 1)
	for i := 0; i <= lastSlab; i++ {
		target := q.slabTargetPages(i, newCount)
		if err := q.mapSlabPages(i, target); err != kerrors.Ok {
			return q.mappedCellCapacity() - before, err
		}
	}
	return q.mappedCellCapacity() - before, kerrors.Ok
}

// Unmap reverses Map down to exactly count cells of mapped backing: slabs
// wholly beyond count are fully unmapped and their virtual reservation
// released, and the slab straddling count has its mapped page suffix
// trimmed to the minimal page count that still covers count.
func (q *Quarry) Unmap(count uint64) kerrors.Err_t {
	keepSlabs := 0
	if count > 0 {
		keepSlabs = q.slabOf(count-1) + 1
	}
	for i := q.reserved - 1; i >= keepSlabs; i-- {
		if err := q.unmapSlabPages(i, 0); err != kerrors.Ok {
			return err
		}
		if err := q.space.Deallocate(q.slabBlocks[i]); err != kerrors.Ok {
			return err
		}
		q.reserved--
	}
	if keepSlabs > 0 {
		last := keepSlabs - 1
		target := q.slabTargetPages(last, count)
		if err := q.unmapSlabPages(last, target); err != kerrors.Ok {
			return err
		}
	}
	return kerrors.Ok
}

// MappedPages reports how many pages of physical backing are currently
// live across every reserved slab, for the dispatcher's page-count
// statistic (spec.md §4.5.6).
func (q *Quarry) MappedPages() uint64 {
	n := uint64(0)
	for i := 0; i < q.reserved; i++ {
		n += uint64(q.slabPagesMapped[i])
	}
	return n
}

// allocation returns the virtual address of cell i.
func (q *Quarry) allocation(i uint64) addr.Virt {
	slab := q.slabOf(i)
	within := i % q.cellsPerSlab
	page := addr.PageFromIndex(q.slabBlocks[slab].Start.Index())
	v, err := page.Virt().Add(within * q.cellSize)
	if err != kerrors.Ok {
		panic("heap: cell address computation overflowed")
	}
	return v
}

// allocationIndex is the inverse of allocation, or false if addr does not
// name a live cell in this quarry.
func (q *Quarry) allocationIndex(v addr.Virt) (uint64, bool) {
	for i := 0; i < q.reserved; i++ {
		block := q.slabBlocks[i]
		lo := block.Start.Virt().Uint64()
		hi := block.End.Virt().Uint64()
		if v.Uint64() >= lo && v.Uint64() < hi {
			within := (v.Uint64() - lo) / q.cellSize
			return uint64(i)*q.cellsPerSlab + within, true
		}
	}
	return 0, false
}

// bytes returns a slice over cell i's live memory, resolved through the
// mapping tree so it reflects whatever frame currently backs it.
func (q *Quarry) bytes(i uint64) ([]byte, kerrors.Err_t) {
	v := q.allocation(i)
	page := addr.PageOf(v)
	e, err := q.space.Tree.Translate(page.Virt())
	if err != kerrors.Ok {
		return nil, err
	}
	if !e.Present() {
		return nil, kerrors.NoPage
	}
	raw := q.space.Frames.Bytes(e.Frame())
	off := v.PageOffset()
	return raw[off : off+q.cellSize], kerrors.Ok
}
