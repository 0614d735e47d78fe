package mapping

import (
	"addr"
	"kerrors"
)

// Duplicate clones the tree into a fresh root, following the per-entry
// policy of spec.md §4.3:
//
//   - not present  -> cleared in the destination
//   - huge         -> copied as-is, sharing the huge frame with no refcount
//     bump (spec.md's Non-goals keep huge pages unmaterialized, so this
//     path is exercised only if a future caller sets HUGE directly)
//   - leaf, kernel (no USER flag) -> copied, and the frame's reference is
//     bumped: kernel mappings are shared across every process
//   - leaf, user   -> cleared in the destination; the child re-establishes
//     user mappings itself via syscalls
//   - intermediate -> a fresh child node is allocated and the subtree is
//     recursively cloned into it, then linked
func (t *Tree) Duplicate() (*Tree, kerrors.Err_t) {
	newRoot, err := allocateNode(t.Frames)
	if err != kerrors.Ok {
		return nil, err
	}
	child := &Tree{Frames: t.Frames, Root: newRoot}
	if err := t.duplicateInto(t.Root, newRoot, rootLevel); err != kerrors.Ok {
		child.Destroy()
		return nil, err
	}
	return child, kerrors.Ok
}

func (t *Tree) duplicateInto(src, dst addr.Frame, level int) kerrors.Err_t {
	srcNode := nodeAt(t.Frames, src)
	dstNode := nodeAt(t.Frames, dst)
	for i := 0; i < entriesPerNode; i++ {
		se := &srcNode[i]
		de := &dstNode[i]
		switch {
		case !se.Present():
			de.Clear()

		case se.Flags().Contains(HUGE):
			*de = *se

		case level == 0:
			if se.Flags().Contains(USER) {
				de.Clear()
				continue
			}
			f := se.Frame()
			if _, err := t.Frames.Reference(f); err != kerrors.Ok {
				return err
			}
			*de = *se

		default:
			childDst, err := allocateNode(t.Frames)
			if err != kerrors.Ok {
				return err
			}
			if err := t.duplicateInto(addr.FrameOf(se.Address()), childDst, level-1); err != kerrors.Ok {
				return err
			}
			de.SetAddress(childDst.Phys())
			de.SetFlags(se.Flags() | PRESENT)
		}
	}
	return kerrors.Ok
}

// UnmapUnusedIntermediate performs a post-order walk freeing any
// intermediate node whose subtree now has no present leaves (spec.md
// §4.3). The root itself is never freed by this operation.
func (t *Tree) UnmapUnusedIntermediate() {
	t.pruneEmpty(t.Root, rootLevel)
}

// pruneEmpty reports whether node still holds any present leaf (directly
// or via a descendant), freeing empty intermediate children as it
// unwinds.
func (t *Tree) pruneEmpty(n addr.Frame, level int) bool {
	arr := nodeAt(t.Frames, n)
	if level == 0 {
		for i := range arr {
			if arr[i].Present() {
				return true
			}
		}
		return false
	}
	any := false
	for i := range arr {
		e := &arr[i]
		if !e.Present() {
			continue
		}
		if e.Flags().Contains(HUGE) {
			any = true
			continue
		}
		child := addr.FrameOf(e.Address())
		if t.pruneEmpty(child, level-1) {
			any = true
			continue
		}
		t.freeNode(child)
		e.Clear()
	}
	return any
}

// MakeRecursiveMapping installs a root-level entry pointing back at the
// root frame itself, returning its index. The slot-selection policy (which
// free root index to choose) is left open by spec.md §9; this picks the
// lowest free index, the simplest deterministic policy and the one that
// keeps high kernel-half indices free for the kernel's own use.
func (t *Tree) MakeRecursiveMapping() (int, kerrors.Err_t) {
	root := nodeAt(t.Frames, t.Root)
	for i := 0; i < entriesPerNode; i++ {
		if !root[i].Present() {
			root[i].SetAddress(t.Root.Phys())
			root[i].SetFlags(PRESENT | WRITABLE)
			return i, kerrors.Ok
		}
	}
	return 0, kerrors.NoPage
}

// RemoveRecursiveMappings clears every root entry that points at the root
// frame itself.
func (t *Tree) RemoveRecursiveMappings() {
	root := nodeAt(t.Frames, t.Root)
	for i := range root {
		if root[i].Present() && addr.FrameOf(root[i].Address()) == t.Root {
			root[i].Clear()
		}
	}
}

// Destroy walks the whole tree, dropping every leaf frame's reference and
// freeing every intermediate frame including the root. The caller must
// ensure this tree is not the currently loaded one (spec.md §3.5).
func (t *Tree) Destroy() {
	t.destroySubtree(t.Root, rootLevel)
	t.freeNode(t.Root)
}

func (t *Tree) destroySubtree(n addr.Frame, level int) {
	arr := nodeAt(t.Frames, n)
	for i := range arr {
		e := &arr[i]
		if !e.Present() {
			continue
		}
		if level == 0 || e.Flags().Contains(HUGE) {
			t.Frames.Drop(e.Frame())
			continue
		}
		child := addr.FrameOf(e.Address())
		t.destroySubtree(child, level-1)
		t.freeNode(child)
	}
}

// Leaf pairs a mapped virtual address with the entry mapped there, used by
// Walk to drive diagnostics (AddressSpace.Dump) and invariant checks.
type Leaf struct {
	Virt  addr.Virt
	Entry PageTableEntry
}

// Walk invokes fn once for every present leaf in ascending virtual address
// order. It allocates no heap beyond the closure's own captures, matching
// spec.md §4.3's "walks allocate no heap" note for the tree's internal
// traversal helpers.
func (t *Tree) Walk(fn func(Leaf)) {
	t.walkLevel(t.Root, rootLevel, 0, fn)
}

func (t *Tree) walkLevel(n addr.Frame, level int, base uint64, fn func(Leaf)) {
	arr := nodeAt(t.Frames, n)
	stride := uint64(1) << (12 + 9*uint(level))
	for i := range arr {
		e := &arr[i]
		if !e.Present() {
			continue
		}
		va := base + uint64(i)*stride
		if level == rootLevel && i >= entriesPerNode/2 {
			// Sign-extend into the canonical kernel half: bits 48..63
			// mirror bit 47 for every address this side of the gap.
			va |= 0xFFFF_0000_0000_0000
		}
		if level == 0 || e.Flags().Contains(HUGE) {
			v, err := addr.NewVirt(va)
			if err != kerrors.Ok {
				continue
			}
			fn(Leaf{Virt: v, Entry: *e})
			continue
		}
		t.walkLevel(addr.FrameOf(e.Address()), level-1, va, fn)
	}
}
