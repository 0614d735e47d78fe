package mapping

import (
	"unsafe"

	"addr"
	"frame"
	"kerrors"
)

// rootLevel is the level of the tree's root node; leaves live at level 0.
const rootLevel = 3

// Tree is the multi-level translation tree rooted at Root, backed by
// frames drawn from Frames. Every frame it touches is addressed through
// Frames.Bytes, the package's analogue of the kernel's Phys2Virt direct
// map: no frame needs an explicit mapping step before the tree can read or
// write it (spec.md §3.4).
type Tree struct {
	Frames *frame.Allocator
	Root   addr.Frame
}

// nodeAt reinterprets a frame's backing bytes as a 512-entry node. This
// stands in for the real kernel's Phys2Virt cast of a physical address to
// a *Pmap_t; here the "physical memory" is the frame allocator's Go arena,
// so the cast is an unsafe.Pointer reinterpretation of that arena slice.
func nodeAt(frames *frame.Allocator, f addr.Frame) *node {
	b := frames.Bytes(f)
	return (*node)(unsafe.Pointer(&b[0]))
}

func levelIndex(virt addr.Virt, level int) int {
	return int((virt.Uint64() >> (12 + 9*uint(level))) & 0x1FF)
}

// New allocates a fresh, zeroed root and returns an empty Tree.
func New(frames *frame.Allocator) (*Tree, kerrors.Err_t) {
	root, err := allocateNode(frames)
	if err != kerrors.Ok {
		return nil, err
	}
	return &Tree{Frames: frames, Root: root}, kerrors.Ok
}

// Wrap adopts an existing root frame (e.g. one the bootloader built) as a
// Tree without allocating anything.
func Wrap(frames *frame.Allocator, root addr.Frame) *Tree {
	return &Tree{Frames: frames, Root: root}
}

func allocateNode(frames *frame.Allocator) (addr.Frame, kerrors.Err_t) {
	g, err := frames.Allocate()
	if err != kerrors.Ok {
		return addr.Frame{}, err
	}
	f := g.Into()
	frames.Zero(f)
	return f, kerrors.Ok
}

func (t *Tree) freeNode(f addr.Frame) { t.Frames.Drop(f) }

// walk descends from the root toward virt's leaf entry. If create is false,
// it stops and returns NoPage at the first absent intermediate entry; if
// true, it allocates fresh intermediate nodes as needed; if one of those
// allocations fails, the nodes this call already linked in are freed again
// before the error is returned. Encountering a
// HUGE entry above level 0 returns Unimplemented: spec.md §1 reserves huge
// pages as distinct types but no component here materializes one.
func (t *Tree) walk(virt addr.Virt, create bool) (*PageTableEntry, kerrors.Err_t) {
	var created []*PageTableEntry
	cur := t.Root
	for level := rootLevel; level >= 1; level-- {
		n := nodeAt(t.Frames, cur)
		idx := levelIndex(virt, level)
		e := &n[idx]
		if !e.Present() {
			if !create {
				return nil, kerrors.NoPage
			}
			child, err := allocateNode(t.Frames)
			if err != kerrors.Ok {
				for j := len(created) - 1; j >= 0; j-- {
					t.freeNode(created[j].Frame())
					created[j].Clear()
				}
				return nil, err
			}
			e.SetAddress(child.Phys())
			e.SetFlags(PRESENT | WRITABLE | USER)
			created = append(created, e)
			cur = child
			continue
		}
		if e.Flags().Contains(HUGE) {
			return nil, kerrors.Unimplemented
		}
		cur = addr.FrameOf(e.Address())
	}
	n := nodeAt(t.Frames, cur)
	return &n[levelIndex(virt, 0)], kerrors.Ok
}

// Translate returns the leaf entry for virt without creating any
// intermediate node, per spec.md §4.3. NoPage if an intermediate node is
// absent or the leaf entry itself is not present.
func (t *Tree) Translate(virt addr.Virt) (*PageTableEntry, kerrors.Err_t) {
	e, err := t.walk(virt, false)
	if err != kerrors.Ok {
		return nil, err
	}
	if !e.Present() {
		return nil, kerrors.NoPage
	}
	return e, kerrors.Ok
}

// Map installs f at virt with the given flags (PRESENT is always added),
// allocating any missing intermediate nodes. If virt was already mapped,
// the prior frame's reference is dropped first (spec.md §4.3's Path::map
// "freeing any prior mapping").
func (t *Tree) Map(virt addr.Virt, f addr.Frame, flags Flags) kerrors.Err_t {
	e, err := t.walk(virt, true)
	if err != kerrors.Ok {
		return err
	}
	if e.Present() {
		t.Frames.Drop(e.Frame())
	}
	e.SetAddress(f.Phys())
	e.SetFlags(flags | PRESENT)
	return kerrors.Ok
}

// Unmap clears virt's leaf mapping, drops the frame's reference, and
// returns the frame that was mapped there. NoPage if nothing was mapped.
func (t *Tree) Unmap(virt addr.Virt) (addr.Frame, kerrors.Err_t) {
	e, err := t.Translate(virt)
	if err != kerrors.Ok {
		return addr.Frame{}, err
	}
	if !e.Present() {
		return addr.Frame{}, kerrors.NoPage
	}
	f := e.Frame()
	t.Frames.Drop(f)
	e.Clear()
	return f, kerrors.Ok
}

// Remap sets flags|PRESENT on virt's existing leaf entry without touching
// the mapped frame, the operation AddressSpace.RemapBlock uses.
func (t *Tree) Remap(virt addr.Virt, flags Flags) kerrors.Err_t {
	e, err := t.Translate(virt)
	if err != kerrors.Ok {
		return err
	}
	if !e.Present() {
		return kerrors.NoPage
	}
	e.SetFlags(flags | PRESENT)
	return kerrors.Ok
}
