package mapping

import (
	"testing"

	"addr"
	"frame"
	"kerrors"
)

func newTestTree(t *testing.T) (*Tree, *frame.Allocator) {
	t.Helper()
	frames := frame.NewAllocator(addr.FrameFromIndex(0), 4096)
	tree, err := New(frames)
	if err != kerrors.Ok {
		t.Fatalf("New: %v", err)
	}
	return tree, frames
}

func allocFrame(t *testing.T, frames *frame.Allocator) addr.Frame {
	t.Helper()
	g, err := frames.Allocate()
	if err != kerrors.Ok {
		t.Fatalf("Allocate: %v", err)
	}
	return g.Into()
}

func TestMapThenTranslateAgrees(t *testing.T) {
	tree, frames := newTestTree(t)
	virt := addr.MustVirt(0x40_0000)
	f := allocFrame(t, frames)

	if err := tree.Map(virt, f, PRESENT|WRITABLE|USER); err != kerrors.Ok {
		t.Fatalf("Map: %v", err)
	}
	e, err := tree.Translate(virt)
	if err != kerrors.Ok {
		t.Fatalf("Translate: %v", err)
	}
	if !e.Present() {
		t.Fatal("expected present leaf")
	}
	if e.Frame() != f {
		t.Fatalf("translate disagrees with mapped frame: got %v want %v", e.Frame(), f)
	}
	if !e.Flags().Contains(WRITABLE | USER) {
		t.Fatalf("expected WRITABLE|USER, got %v", e.Flags())
	}
}

func TestTranslateUnmappedReturnsNoPage(t *testing.T) {
	tree, _ := newTestTree(t)
	if _, err := tree.Translate(addr.MustVirt(0x40_0000)); err != kerrors.NoPage {
		t.Fatalf("expected NoPage, got %v", err)
	}
}

func TestUnmapDropsReference(t *testing.T) {
	tree, frames := newTestTree(t)
	virt := addr.MustVirt(0x10_0000)
	f := allocFrame(t, frames)
	tree.Map(virt, f, PRESENT|WRITABLE|USER)

	if frames.RefCount(f) != 1 {
		t.Fatalf("expected refcount 1 after map")
	}
	got, err := tree.Unmap(virt)
	if err != kerrors.Ok {
		t.Fatalf("Unmap: %v", err)
	}
	if got != f {
		t.Fatalf("Unmap returned wrong frame")
	}
	if frames.RefCount(f) != 0 {
		t.Fatalf("expected frame freed after unmap")
	}
	if _, err := tree.Translate(virt); err != kerrors.NoPage {
		t.Fatalf("expected NoPage after unmap, got %v", err)
	}
}

func TestRemapPreservesFrame(t *testing.T) {
	tree, frames := newTestTree(t)
	virt := addr.MustVirt(0x20_0000)
	f := allocFrame(t, frames)
	tree.Map(virt, f, PRESENT|WRITABLE|USER)
	if err := tree.Remap(virt, USER); err != kerrors.Ok {
		t.Fatalf("Remap: %v", err)
	}
	e, _ := tree.Translate(virt)
	if e.Flags().Contains(WRITABLE) {
		t.Fatalf("expected WRITABLE cleared after remap")
	}
	if e.Frame() != f {
		t.Fatalf("remap must not change the mapped frame")
	}
}

func TestMapReplacesPriorMappingAndDropsOldFrame(t *testing.T) {
	tree, frames := newTestTree(t)
	virt := addr.MustVirt(0x30_0000)
	f1 := allocFrame(t, frames)
	f2 := allocFrame(t, frames)
	tree.Map(virt, f1, PRESENT|WRITABLE|USER)
	tree.Map(virt, f2, PRESENT|WRITABLE|USER)
	if frames.RefCount(f1) != 0 {
		t.Fatalf("expected old frame's reference dropped")
	}
	e, _ := tree.Translate(virt)
	if e.Frame() != f2 {
		t.Fatalf("expected new frame mapped")
	}
}

func TestDuplicateSharesKernelClearsUser(t *testing.T) {
	tree, frames := newTestTree(t)
	userVirt := addr.MustVirt(0x10_0000)
	kernVirt := addr.MustVirt(0xFFFF_8000_0010_0000)
	uf := allocFrame(t, frames)
	kf := allocFrame(t, frames)
	tree.Map(userVirt, uf, PRESENT|WRITABLE|USER)
	tree.Map(kernVirt, kf, PRESENT|WRITABLE)

	child, err := tree.Duplicate()
	if err != kerrors.Ok {
		t.Fatalf("Duplicate: %v", err)
	}

	if _, err := child.Translate(userVirt); err != kerrors.NoPage {
		t.Fatalf("expected user mapping cleared in child, got %v", err)
	}
	e, err := child.Translate(kernVirt)
	if err != kerrors.Ok || !e.Present() {
		t.Fatalf("expected kernel mapping present in child: %v", err)
	}
	if e.Frame() != kf {
		t.Fatalf("expected shared kernel frame")
	}
	if frames.RefCount(kf) != 2 {
		t.Fatalf("expected kernel frame refcount bumped to 2, got %d", frames.RefCount(kf))
	}

	tree.Destroy()
	if frames.RefCount(kf) != 1 {
		t.Fatalf("expected kernel frame to survive parent drop with refcount 1, got %d", frames.RefCount(kf))
	}
}

func TestUnmapUnusedIntermediateReclaims(t *testing.T) {
	tree, frames := newTestTree(t)
	virt := addr.MustVirt(0x10_0000)
	f := allocFrame(t, frames)
	tree.Map(virt, f, PRESENT|WRITABLE|USER)
	before := frames.FreeCount()
	tree.Unmap(virt)
	tree.UnmapUnusedIntermediate()
	if frames.FreeCount() <= before {
		t.Fatalf("expected intermediate frames reclaimed: before=%d after=%d", before, frames.FreeCount())
	}
}

func TestMakeAndRemoveRecursiveMapping(t *testing.T) {
	tree, _ := newTestTree(t)
	idx, err := tree.MakeRecursiveMapping()
	if err != kerrors.Ok {
		t.Fatalf("MakeRecursiveMapping: %v", err)
	}
	root := nodeAt(tree.Frames, tree.Root)
	if addr.FrameOf(root[idx].Address()) != tree.Root {
		t.Fatalf("expected recursive slot to point at root")
	}
	tree.RemoveRecursiveMappings()
	if root[idx].Present() {
		t.Fatalf("expected recursive slot cleared")
	}
}

func TestDestroyFreesAllFrames(t *testing.T) {
	tree, frames := newTestTree(t)
	for i := uint64(0); i < 8; i++ {
		virt := addr.MustVirt(i * addr.PageSize)
		f := allocFrame(t, frames)
		tree.Map(virt, f, PRESENT|WRITABLE|USER)
	}
	before := frames.FreeCount()
	tree.Destroy()
	if frames.FreeCount() <= before {
		t.Fatalf("expected all frames freed on destroy")
	}
}

func TestWalkVisitsEveryLeafOnce(t *testing.T) {
	tree, frames := newTestTree(t)
	want := map[uint64]addr.Frame{}
	for i := uint64(1); i < 5; i++ {
		virt := addr.MustVirt(i * addr.PageSize)
		f := allocFrame(t, frames)
		tree.Map(virt, f, PRESENT|WRITABLE|USER)
		want[virt.Uint64()] = f
	}
	got := map[uint64]addr.Frame{}
	tree.Walk(func(l Leaf) { got[l.Virt.Uint64()] = l.Entry.Frame() })
	if len(got) != len(want) {
		t.Fatalf("expected %d leaves, got %d", len(want), len(got))
	}
	for va, f := range want {
		if got[va] != f {
			t.Fatalf("leaf at %#x: got %v want %v", va, got[va], f)
		}
	}
}
