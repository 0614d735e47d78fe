// Package addr provides validated virtual and physical address newtypes and
// the half-open interval type the rest of the core builds on.
//
// The teacher kernel represents addresses as bare Pa_t/uintptr values
// (mem/mem.go's Pa_t, vm/as.go's raw uintptr math) and leans on callers to
// keep canonical-form and alignment invariants by convention. This package
// gives those invariants a type: Virt and Phys reject malformed addresses at
// construction instead of at the point something bad happens to the MMU.
package addr

import (
	"fmt"

	"kerrors"
)

// PageSize is the base page size, 4 KiB, matching mem.PGSIZE in the teacher
// kernel.
const PageSize = 1 << 12

// Huge page sizes, addressed by a single entry at mapping-tree levels >= 1.
const (
	HugePageSizeL1 = 1 << 21 // 2 MiB
	HugePageSizeL2 = 1 << 30 // 1 GiB
)

// canonGapLo and canonGapHi bound the non-canonical hole every x86-64
// virtual address must avoid: [0x0000_8000_0000_0000, 0xFFFF_8000_0000_0000).
const (
	canonGapLo uint64 = 0x0000_8000_0000_0000
	canonGapHi uint64 = 0xFFFF_8000_0000_0000
)

// phys52Mask is the widest physical address x86-64 defines (52 bits).
const phys52Mask uint64 = (1 << 52) - 1

// Virt is a validated canonical virtual address.
type Virt struct{ v uint64 }

// NewVirt validates v is in canonical form and returns a Virt.
func NewVirt(v uint64) (Virt, kerrors.Err_t) {
	if v >= canonGapLo && v < canonGapHi {
		return Virt{}, kerrors.InvalidArgument
	}
	return Virt{v}, kerrors.Ok
}

// MustVirt is NewVirt but panics on an invalid address; for constants and
// boot-time setup where the address is known good.
func MustVirt(v uint64) Virt {
	r, err := NewVirt(v)
	if err != kerrors.Ok {
		panic(fmt.Sprintf("addr: non-canonical virtual address %#x", v))
	}
	return r
}

// Uint64 returns the underlying bit pattern.
func (v Virt) Uint64() uint64 { return v.v }

// IsUserHalf reports whether v lies below the canonical gap.
func (v Virt) IsUserHalf() bool { return v.v < canonGapLo }

// IsKernelHalf reports whether v lies above the canonical gap.
func (v Virt) IsKernelHalf() bool { return v.v >= canonGapHi }

// Add returns v+n, failing if the result would overflow or cross the
// canonical gap from one half into the other.
func (v Virt) Add(n uint64) (Virt, kerrors.Err_t) {
	sum := v.v + n
	if sum < v.v {
		return Virt{}, kerrors.Overflow
	}
	return NewVirt(sum)
}

// Sub returns v-n, failing on underflow.
func (v Virt) Sub(n uint64) (Virt, kerrors.Err_t) {
	if n > v.v {
		return Virt{}, kerrors.Overflow
	}
	return NewVirt(v.v - n)
}

// Diff returns v-o as a signed byte count; both must share a canonical half,
// matching the invariant Block[Virt] requires of its endpoints.
func (v Virt) Diff(o Virt) int64 {
	return int64(v.v) - int64(o.v)
}

// RoundDown aligns v down to the nearest multiple of align (a power of two).
func (v Virt) RoundDown(align uint64) Virt {
	return Virt{v.v &^ (align - 1)}
}

// RoundUp aligns v up to the nearest multiple of align (a power of two).
func (v Virt) RoundUp(align uint64) Virt {
	return Virt{(v.v + align - 1) &^ (align - 1)}
}

// PageOffset returns the offset of v within its containing 4 KiB page.
func (v Virt) PageOffset() uint64 { return v.v & (PageSize - 1) }

func (v Virt) String() string { return fmt.Sprintf("%#016x", v.v) }

// Phys is a validated 52-bit physical address.
type Phys struct{ p uint64 }

// NewPhys validates p fits in 52 bits.
func NewPhys(p uint64) (Phys, kerrors.Err_t) {
	if p&^phys52Mask != 0 {
		return Phys{}, kerrors.InvalidArgument
	}
	return Phys{p}, kerrors.Ok
}

// MustPhys is NewPhys but panics on an out-of-range address.
func MustPhys(p uint64) Phys {
	r, err := NewPhys(p)
	if err != kerrors.Ok {
		panic(fmt.Sprintf("addr: physical address %#x exceeds 52 bits", p))
	}
	return r
}

// Uint64 returns the underlying bit pattern.
func (p Phys) Uint64() uint64 { return p.p }

// Add returns p+n, failing on overflow of the 52-bit width.
func (p Phys) Add(n uint64) (Phys, kerrors.Err_t) {
	sum := p.p + n
	if sum < p.p {
		return Phys{}, kerrors.Overflow
	}
	return NewPhys(sum)
}

func (p Phys) String() string { return fmt.Sprintf("%#013x", p.p) }

// Page is a Virt aligned to PageSize: the unit of virtual allocation.
type Page struct{ v Virt }

// NewPage validates align and wraps v as a Page.
func NewPage(v Virt) (Page, kerrors.Err_t) {
	if v.v%PageSize != 0 {
		return Page{}, kerrors.InvalidAlignment
	}
	return Page{v}, kerrors.Ok
}

// PageOf rounds v down to its containing page.
func PageOf(v Virt) Page { return Page{v.RoundDown(PageSize)} }

func (p Page) Virt() Virt       { return p.v }
func (p Page) String() string   { return p.v.String() }
func (p Page) IsUserHalf() bool { return p.v.IsUserHalf() }

// Add advances p by n pages.
func (p Page) Add(n uint64) (Page, kerrors.Err_t) {
	v, err := p.v.Add(n * PageSize)
	if err != kerrors.Ok {
		return Page{}, err
	}
	return Page{v}, kerrors.Ok
}

// Index returns the raw page number (address/PageSize); used to index
// sequential slab/cell layouts.
func (p Page) Index() uint64 { return p.v.v / PageSize }

// PageFromIndex is the inverse of Index, constructing a Page directly from
// a page number without an intermediate Virt round-trip failure path.
func PageFromIndex(i uint64) Page { return Page{Virt{i * PageSize}} }

// Frame is a Phys aligned to PageSize: the unit of physical allocation.
type Frame struct{ p Phys }

// NewFrame validates alignment and wraps p as a Frame.
func NewFrame(p Phys) (Frame, kerrors.Err_t) {
	if p.p%PageSize != 0 {
		return Frame{}, kerrors.InvalidAlignment
	}
	return Frame{p}, kerrors.Ok
}

// FrameOf rounds p down to its containing frame.
func FrameOf(p Phys) Frame { return Frame{p.RoundDown(PageSize)} }

func (f Frame) Phys() Phys     { return f.p }
func (f Frame) String() string { return f.p.String() }

// Index returns the frame number (address/PageSize).
func (f Frame) Index() uint64 { return f.p.p / PageSize }

// FrameFromIndex is the inverse of Index.
func FrameFromIndex(i uint64) Frame { return Frame{Phys{i * PageSize}} }

// RoundDown, defined on Phys for frame alignment math mirroring Virt's.
func (p Phys) RoundDown(align uint64) Phys {
	return Phys{p.p &^ (align - 1)}
}

// RoundUp aligns p up to the nearest multiple of align.
func (p Phys) RoundUp(align uint64) Phys {
	return Phys{(p.p + align - 1) &^ (align - 1)}
}
