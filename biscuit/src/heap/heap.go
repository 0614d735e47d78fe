// Package heap implements the kernel's general-purpose allocator: a
// dispatcher over fixed-size classes backed by lazily-grown quarries, a
// per-caller free-list cache in front of each class, and a page-granular
// fallback for anything too big or too oddly aligned for a class.
package heap

import (
	"sync"

	"aspace"
	"kerrors"
	"util"
)

// MinSize is the machine-word alignment every cell size is rounded to.
const MinSize = 8

// ClassCount is the number of fixed-size classes the dispatcher serves.
// Slot i serves requests of (i+1)*MinSize bytes; anything larger than
// ClassCount*MinSize, or an exact multiple of a page, is routed to the
// fallback allocator instead.
const ClassCount = (4*pageSize - 1) / MinSize

const pageSize = 4096

// Layout describes a requested allocation's size and alignment, mirroring
// the (size, align) pair every allocator entry point takes.
type Layout struct {
	Size  uint64
	Align uint64
}

// classify computes the rounded cell size for layout and reports whether it
// belongs to a fixed-size class (and which one) or must fall back.
func classify(layout Layout) (class int, rounded uint64, fallback bool) {
	s := util.CeilDiv(layout.Size, MinSize) * MinSize
	alignCells := util.CeilDiv(layout.Align, MinSize) * MinSize
	if alignCells > s {
		s = alignCells
	}
	s2 := util.Roundup(s, layout.Align)
	if s2%pageSize == 0 || s2 > ClassCount*MinSize {
		return 0, s2, true
	}
	return int(s2/MinSize) - 1, s2, false
}

// Ptr names a live allocation: the class it came from (or -1 for a fallback
// page allocation) and its cell index within that class's quarry, or the
// page block for a fallback allocation.
type Ptr struct {
	class  int
	cell   uint64
	layout Layout
	big    bigHandle
}

// Dispatcher routes allocation requests to one of ClassCount fixed-size
// allocators or, when a request doesn't fit any class, to a page-granular
// BigAllocator. It operates within one address space: callers that need a
// kernel-resident heap and a per-process heap construct one Dispatcher per
// address space, the same way the ELF loader's BigAllocatorPair is really
// just two address spaces paired up.
//
// The front of each class's allocation path is a Clip: Alloc/Dealloc pop
// and push cells through it rather than touching the FixedSizeAllocator's
// own lock directly, so the common case only pays for the per-class clip
// mutex below and falls through to the FSA lock solely on a cache miss or
// a clip-full drain. A real per-thread cache would give each caller its
// own Clip with no lock at all; this core has no modeled thread identity
// to key per-thread caches off of, so one shared Clip per class stands in
// for that, guarded accordingly.
type Dispatcher struct {
	space    *aspace.AddressSpace
	fixed    [ClassCount]*FixedSizeAllocator
	clip     [ClassCount]*Clip
	clipMu   [ClassCount]sync.Mutex
	fallback *BigAllocator
	info     AtomicInfo
}

// NewDispatcher builds a dispatcher over space. Each fixed-size class is
// created lazily on first use to avoid reserving ClassCount*16 slabs worth
// of virtual address space up front.
func NewDispatcher(space *aspace.AddressSpace) *Dispatcher {
	return &Dispatcher{
		space:    space,
		fallback: NewBigAllocator(space),
	}
}

func (d *Dispatcher) classAllocator(class int) *FixedSizeAllocator {
	if d.fixed[class] == nil {
		d.fixed[class] = NewFixedSizeAllocator(d.space, uint64(class+1)*MinSize)
	}
	return d.fixed[class]
}

func (d *Dispatcher) classClip(class int) *Clip {
	if d.clip[class] == nil {
		d.clip[class] = NewClip(d.classAllocator(class))
	}
	return d.clip[class]
}

// Alloc reserves memory for layout and returns a handle plus the bytes
// backing it, uninitialized.
func (d *Dispatcher) Alloc(layout Layout) (Ptr, []byte, kerrors.Err_t) {
	class, rounded, fallback := classify(layout)
	if fallback {
		h, b, err := d.fallback.Alloc(rounded)
		if err != kerrors.Ok {
			return Ptr{}, nil, err
		}
		d.info.recordAlloc(layout.Size, rounded, uint64(h.pages))
		return Ptr{class: -1, layout: layout, big: h}, b, kerrors.Ok
	}
	fsa := d.classAllocator(class)
	clip := d.classClip(class)
	before := fsa.MappedPages()
	d.clipMu[class].Lock()
	cell, ok := clip.Take()
	d.clipMu[class].Unlock()
	if !ok {
		return Ptr{}, nil, kerrors.NoPage
	}
	b, err := fsa.Bytes(cell)
	if err != kerrors.Ok {
		return Ptr{}, nil, err
	}
	d.info.recordAlloc(layout.Size, rounded, fsa.MappedPages()-before)
	return Ptr{class: class, cell: cell, layout: layout}, b, kerrors.Ok
}

// AllocZeroed is Alloc with the returned bytes cleared.
func (d *Dispatcher) AllocZeroed(layout Layout) (Ptr, []byte, kerrors.Err_t) {
	p, b, err := d.Alloc(layout)
	if err != kerrors.Ok {
		return p, b, err
	}
	for i := range b {
		b[i] = 0
	}
	return p, b, kerrors.Ok
}

// Dealloc returns p's memory to the allocator it came from.
func (d *Dispatcher) Dealloc(p Ptr) kerrors.Err_t {
	_, rounded, fallback := classify(p.layout)
	if p.class < 0 || fallback {
		pages := uint64(p.big.pages)
		if err := d.fallback.Dealloc(p.big); err != kerrors.Ok {
			return err
		}
		d.info.recordDealloc(p.layout.Size, rounded, pages)
		return kerrors.Ok
	}
	fsa := d.fixed[p.class]
	if !fsa.Valid(p.cell) {
		return kerrors.InvalidArgument
	}
	clip := d.classClip(p.class)
	before := fsa.MappedPages()
	d.clipMu[p.class].Lock()
	clip.Put(p.cell)
	d.clipMu[p.class].Unlock()
	d.info.recordDealloc(p.layout.Size, rounded, before-fsa.MappedPages())
	return kerrors.Ok
}

// Realloc resizes the allocation p describes to newLayout. The fast path
// (same size class) returns the same cell untouched; otherwise it allocates
// fresh memory, copies min(old, new) bytes, and frees the original.
func (d *Dispatcher) Realloc(p Ptr, newLayout Layout) (Ptr, []byte, kerrors.Err_t) {
	oldClass, _, oldFallback := classify(p.layout)
	newClass, _, newFallback := classify(newLayout)
	if !oldFallback && !newFallback && oldClass == newClass {
		b, err := d.bytesOf(p)
		return Ptr{class: p.class, cell: p.cell, layout: newLayout}, b, err
	}

	oldBytes, err := d.bytesOf(p)
	if err != kerrors.Ok {
		return Ptr{}, nil, err
	}
	newPtr, newBytes, err := d.Alloc(newLayout)
	if err != kerrors.Ok {
		return Ptr{}, nil, err
	}
	n := len(oldBytes)
	if len(newBytes) < n {
		n = len(newBytes)
	}
	copy(newBytes, oldBytes[:n])
	d.Dealloc(p)
	return newPtr, newBytes, kerrors.Ok
}

func (d *Dispatcher) bytesOf(p Ptr) ([]byte, kerrors.Err_t) {
	if p.class < 0 {
		return d.fallback.Bytes(p.big), kerrors.Ok
	}
	return d.fixed[p.class].Bytes(p.cell)
}

// Stats returns a consistent snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Info { return d.info.Snapshot() }
