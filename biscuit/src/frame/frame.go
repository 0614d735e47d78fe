// Package frame owns the physical frame pool: a free list plus a parallel
// array of per-frame reference counts, and the FrameGuard token that ties a
// live reference to an automatic decrement.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t (free list of page indices,
// Physpg_t.Refcnt, Refup/Refdown/Refpg_new) but without that file's
// dependency on the teacher's forked runtime (runtime.Get_phys,
// runtime.CPUHint): the spec's own design notes ask for host-testable
// structures, so the backing store here is a plain Go byte arena addressed
// by frame index rather than real physical RAM discovered at boot. A real
// boot path would populate the arena from the memory map the bootloader
// hands off; that discovery is out of the core's scope (spec.md §1).
package frame

import (
	"sync"
	"unsafe"

	"addr"
	"kerrors"
)

// Allocator owns a contiguous run of physical frames starting at frame
// index base.
type Allocator struct {
	mu       sync.Mutex
	base     uint64 // frame index of the first frame this allocator owns
	arena    [][addr.PageSize]byte
	refcnt   []uint16
	freeNext []int32 // intrusive free list; -1 terminates
	freeHead int32
	freeLen  int
}

// errNoFrame is returned by Allocate when the pool is exhausted.
const errNoFrame = kerrors.NoFrame

// NewAllocator reserves count frames starting at baseFrame and returns an
// Allocator whose entire pool begins free (refcount 0).
func NewAllocator(baseFrame addr.Frame, count int) *Allocator {
	a := &Allocator{
		base:     baseFrame.Index(),
		arena:    make([][addr.PageSize]byte, count),
		refcnt:   make([]uint16, count),
		freeNext: make([]int32, count),
	}
	for i := 0; i < count; i++ {
		if i == count-1 {
			a.freeNext[i] = -1
		} else {
			a.freeNext[i] = int32(i + 1)
		}
	}
	if count > 0 {
		a.freeHead = 0
		a.freeLen = count
	} else {
		a.freeHead = -1
	}
	return a
}

// Contains reports whether f belongs to this allocator's pool.
func (a *Allocator) Contains(f addr.Frame) bool {
	idx := int64(f.Index()) - int64(a.base)
	return idx >= 0 && idx < int64(len(a.arena))
}

func (a *Allocator) index(f addr.Frame) int {
	return int(f.Index() - a.base)
}

// Allocate returns a fresh frame with refcount 1, or NoFrame if none remain.
func (a *Allocator) Allocate() (FrameGuard, kerrors.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead < 0 {
		return FrameGuard{}, errNoFrame
	}
	i := a.freeHead
	a.freeHead = a.freeNext[i]
	a.freeLen--
	a.refcnt[i] = 1
	f := addr.FrameFromIndex(a.base + uint64(i))
	return FrameGuard{owner: a, frame: f}, kerrors.Ok
}

// Reference bumps the refcount of an already-live frame and returns a new
// guard for it. Calling this on a frame with refcount 0 is undefined (per
// spec.md §4.1) and panics here to surface the bug immediately.
func (a *Allocator) Reference(f addr.Frame) (FrameGuard, kerrors.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.Contains(f) {
		return FrameGuard{}, kerrors.InvalidArgument
	}
	i := a.index(f)
	if a.refcnt[i] == 0 {
		panic("frame: Reference on a frame with refcount 0")
	}
	a.refcnt[i]++
	return FrameGuard{owner: a, frame: f}, kerrors.Ok
}

// RefCount reports the live reference count of f.
func (a *Allocator) RefCount(f addr.Frame) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcnt[a.index(f)]
}

// FreeCount reports how many frames remain unallocated, for diagnostics and
// the frame-conservation property in spec.md §8.1.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}

// Drop decrements the refcount of f by one, returning it to the free pool
// when the count reaches zero. This is the non-guard-mediated half of
// FrameGuard's Drop semantics: code that has transferred a guard's
// ownership into a page table entry (Guard.Into) calls Drop directly when
// that entry is later cleared, rather than reconstructing a guard.
func (a *Allocator) Drop(f addr.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.index(f)
	if a.refcnt[i] == 0 {
		panic("frame: refcount underflow (duplicate free)")
	}
	a.refcnt[i]--
	if a.refcnt[i] == 0 {
		a.freeNext[i] = a.freeHead
		a.freeHead = int32(i)
		a.freeLen++
	}
}

// Bytes returns the direct-mapped byte view of f's contents: the analogue of
// mem.go's Dmap, always available without an explicit mapping step.
func (a *Allocator) Bytes(f addr.Frame) []byte {
	return a.arena[a.index(f)][:]
}

// AllocateContiguous reserves a run of n frames at consecutive frame
// indices, each with its own independent refcount of 1, and returns the
// first. Real hardware needs no such guarantee (the MMU resolves each
// mapped page independently, so a virtually-contiguous span may be
// physically scattered); this simulated pool has no MMU standing between a
// Go slice and "physical" memory, so multi-page zero-copy views (the heap's
// BigAllocator, the pipe's double-mapped ring, AddressSpace.MapSlice)
// request a contiguous run here
// instead, trading a realistic fragmentation
// model for a pointer-safe host test environment.
func (a *Allocator) AllocateContiguous(n int) (addr.Frame, kerrors.Err_t) {
	if n <= 0 {
		return addr.Frame{}, kerrors.InvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	runStart, run := -1, 0
	for i := 0; i < len(a.refcnt); i++ {
		if a.refcnt[i] == 0 {
			if runStart == -1 {
				runStart = i
			}
			run++
			if run == n {
				break
			}
		} else {
			runStart, run = -1, 0
		}
	}
	if run < n {
		return addr.Frame{}, kerrors.NoFrame
	}

	inRun := make(map[int]bool, n)
	for i := runStart; i < runStart+n; i++ {
		inRun[i] = true
		a.refcnt[i] = 1
	}
	var newHead int32 = -1
	tail := &newHead
	for cur := a.freeHead; cur != -1; cur = a.freeNext[cur] {
		if inRun[int(cur)] {
			continue
		}
		*tail = cur
		tail = &a.freeNext[cur]
	}
	*tail = -1
	a.freeHead = newHead
	a.freeLen -= n

	return addr.FrameFromIndex(a.base + uint64(runStart)), kerrors.Ok
}

// DropRange decrements the refcount of each of n consecutive frames
// starting at first, freeing each independently as its count reaches zero.
func (a *Allocator) DropRange(first addr.Frame, n int) {
	for i := 0; i < n; i++ {
		a.Drop(addr.FrameFromIndex(first.Index() + uint64(i)))
	}
}

// BytesRun returns a single contiguous byte slice spanning n frames
// starting at first, valid only when those frames were obtained from one
// AllocateContiguous call (or are otherwise known to be index-adjacent,
// since index-adjacent frames are adjacent in the underlying arena).
func (a *Allocator) BytesRun(first addr.Frame, n int) []byte {
	i := a.index(first)
	ptr := (*byte)(unsafe.Pointer(&a.arena[i][0]))
	return unsafe.Slice(ptr, n*addr.PageSize)
}

// Zero clears the contents of f, mirroring Refpg_new's *pg = *Zeropg.
func (a *Allocator) Zero(f addr.Frame) {
	b := a.Bytes(f)
	for i := range b {
		b[i] = 0
	}
}

// FrameGuard is a move-only proof of one live reference on a frame. The Go
// compiler cannot enforce move-only types the way Rust's Drop trait does
// (spec.md §9 "drop order matters"), so ownership transfer is instead
// tracked with an explicit consumed flag: using a guard after Free or Into
// panics instead of silently double-freeing.
type FrameGuard struct {
	owner    *Allocator
	frame    addr.Frame
	consumed bool
}

// Frame returns the frame this guard references.
func (g *FrameGuard) Frame() addr.Frame {
	if g.consumed {
		panic("frame: use of consumed FrameGuard")
	}
	return g.frame
}

// Free releases the reference this guard represents, decrementing the
// frame's refcount and freeing it when it reaches zero. Calling Free twice
// on the same guard panics.
func (g *FrameGuard) Free() {
	if g.consumed {
		panic("frame: double free of FrameGuard")
	}
	g.consumed = true
	g.owner.Drop(g.frame)
}

// Into consumes the guard without decrementing the refcount, handing its
// single reference to whatever now owns it (a page table entry). The
// corresponding Allocator.Drop call happens later, when that owner clears
// its reference (Path.unmap; see mapping.Path.Unmap).
func (g *FrameGuard) Into() addr.Frame {
	if g.consumed {
		panic("frame: use of consumed FrameGuard")
	}
	g.consumed = true
	return g.frame
}
