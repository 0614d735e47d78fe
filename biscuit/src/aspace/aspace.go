// Package aspace composes the frame pool, the page-block allocator and the
// mapping tree into one address space: spec.md §3.5/§4.4.
//
// Grounded on biscuit/src/vm/as.go's Vm_t, which bundles a Pmap root, the
// kernel's Physmem_t reference and a region-tracking structure behind one
// lock; this package keeps that shape but splits the teacher's single
// monolithic Vm_t into the three collaborating packages (frame, pageblock,
// mapping) the spec calls out separately, composing them here the way
// Vm_t's methods (Mmap/Munmap/Mmapi) drive its embedded Pmap and Physmem_t
// together.
package aspace

import (
	"sync"

	"addr"
	"frame"
	"kerrors"
	"mapping"
	"pageblock"
)

// Kind tags what an address space is for (spec.md §3.5).
type Kind int

const (
	Base Kind = iota
	Process
	Invalid
)

// userHalfEnd is the first page index outside the user canonical half: the
// root-level span spec.md §6.5 says "fully addresses user pages".
const userHalfEnd = 0x0000_8000_0000_0000 / addr.PageSize

// AddressSpace composes a mapping tree with per-half bookkeeping. Only the
// user half has dynamic page-block bookkeeping in this core: the kernel
// half is boot-static and shared byte-for-byte across every process
// (spec.md §3.5), so there is no kernel-side pageblock.Allocator here —
// kernel mappings are installed once at boot and never allocated through
// this API.
type AddressSpace struct {
	mu        sync.Mutex
	Tree      *mapping.Tree
	Frames    *frame.Allocator
	UserAlloc *pageblock.Allocator
	Kind      Kind

	hasPid bool
	pid    uint64
}

func userRegion() addr.Block[addr.Page] {
	b, err := addr.NewBlock(addr.PageFromIndex(0), addr.PageFromIndex(userHalfEnd))
	if err != kerrors.Ok {
		panic("aspace: invalid user region")
	}
	return b
}

// New wraps an existing root frame (e.g. one the bootloader built) as an
// AddressSpace, stripping any recursive self-mapping slots it may carry and
// installing a fresh user page-block allocator over the user half.
func New(frames *frame.Allocator, root addr.Frame, kind Kind) *AddressSpace {
	tree := mapping.Wrap(frames, root)
	tree.RemoveRecursiveMappings()
	return &AddressSpace{
		Tree:      tree,
		Frames:    frames,
		UserAlloc: pageblock.NewAllocator(userRegion()),
		Kind:      kind,
	}
}

// NewFresh allocates a brand new root and returns an empty address space.
func NewFresh(frames *frame.Allocator, kind Kind) (*AddressSpace, kerrors.Err_t) {
	tree, err := mapping.New(frames)
	if err != kerrors.Ok {
		return nil, err
	}
	return &AddressSpace{
		Tree:      tree,
		Frames:    frames,
		UserAlloc: pageblock.NewAllocator(userRegion()),
		Kind:      kind,
	}, kerrors.Ok
}

// SetPid installs a real process id, mirroring Process.set_pid's twin
// update of the Process and its AddressSpace (spec.md §4.7.1).
func (as *AddressSpace) SetPid(pid uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pid = pid
	as.hasPid = true
}

// Pid returns the installed pid, if any.
func (as *AddressSpace) Pid() (uint64, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pid, as.hasPid
}

var (
	currentMu sync.Mutex
	current   *AddressSpace
)

// SwitchTo loads this address space's root as the active one. Asserts the
// root is non-null, matching spec.md §4.4's contract.
func (as *AddressSpace) SwitchTo() kerrors.Err_t {
	if as.Tree == nil {
		panic("aspace: SwitchTo on a nil tree")
	}
	currentMu.Lock()
	current = as
	currentMu.Unlock()
	return kerrors.Ok
}

// IsLoaded reports whether as is the currently switched-to address space.
func (as *AddressSpace) IsLoaded() bool {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current == as
}

// Close tears the address space down: every leaf frame's reference is
// dropped and every intermediate frame freed. Go has no destructor to
// enforce spec.md §9's "must not be dropped while loaded" at compile time,
// so Close makes the ordering an explicit, checkable precondition instead:
// it panics if called on the currently loaded space. Callers must
// SwitchTo the base address space first.
func (as *AddressSpace) Close() {
	if as.IsLoaded() {
		panic("aspace: Close on the currently loaded address space")
	}
	as.Tree.Destroy()
}

// Duplicate forks the mapping tree and the user page-block allocator state.
// The returned space has Kind Process and no pid installed yet.
func (as *AddressSpace) Duplicate() (*AddressSpace, kerrors.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	childTree, err := as.Tree.Duplicate()
	if err != kerrors.Ok {
		return nil, err
	}
	return &AddressSpace{
		Tree:      childTree,
		Frames:    as.Frames,
		UserAlloc: as.UserAlloc.Duplicate(),
		Kind:      Process,
	}, kerrors.Ok
}

// MakeRecursiveMapping, RemoveRecursiveMappings and UnmapUnusedIntermediate
// forward to the mapping tree (spec.md §4.4).
func (as *AddressSpace) MakeRecursiveMapping() (int, kerrors.Err_t) {
	return as.Tree.MakeRecursiveMapping()
}
func (as *AddressSpace) RemoveRecursiveMappings() { as.Tree.RemoveRecursiveMappings() }
func (as *AddressSpace) UnmapUnusedIntermediate() { as.Tree.UnmapUnusedIntermediate() }
