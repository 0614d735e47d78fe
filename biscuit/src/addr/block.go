package addr

import (
	"fmt"

	"kerrors"
)

// Ordinal is satisfied by every address-like type Block can range over:
// Virt, Phys, Page and Frame all expose enough to build and validate a
// half-open interval.
type Ordinal interface {
	Virt | Phys | Page | Frame
}

// raw64 and fromRaw64 abstract the handful of operations Block needs,
// dispatching on the concrete Ordinal with a type switch so Block[T]'s own
// methods stay free of per-type branches.
func raw64[T Ordinal](x T) uint64 {
	switch v := any(x).(type) {
	case Virt:
		return v.v
	case Phys:
		return v.p
	case Page:
		return v.v.v
	case Frame:
		return v.p.p
	default:
		panic("addr: unreachable ordinal")
	}
}

func fromRaw64[T Ordinal](x uint64) T {
	var zero T
	switch any(zero).(type) {
	case Virt:
		return any(Virt{x}).(T)
	case Phys:
		return any(Phys{x}).(T)
	case Page:
		return any(Page{Virt{x}}).(T)
	case Frame:
		return any(Frame{Phys{x}}).(T)
	default:
		panic("addr: unreachable ordinal")
	}
}

func isVirtLike[T Ordinal]() bool {
	var zero T
	switch any(zero).(type) {
	case Virt, Page:
		return true
	default:
		return false
	}
}

// unitStride is the raw64 distance between two consecutive values of T:
// one byte for Virt/Phys, one PageSize for Page/Frame. Len and WithLen
// divide/multiply by this so a Block[Page]'s length comes out in pages
// (and WithLen's n is a page count) even though raw64 itself stays
// byte-scaled throughout, which NewBlock's canonical-half check needs.
func unitStride[T Ordinal]() uint64 {
	var zero T
	switch any(zero).(type) {
	case Page, Frame:
		return PageSize
	default:
		return 1
	}
}

// Block is a half-open interval [Start, End) over one of the address-like
// types. Empty blocks (Start == End) are permitted. Virtual blocks must have
// Start and their last element in the same canonical half.
type Block[T Ordinal] struct {
	Start T
	End   T
}

// NewBlock validates start <= end and, for virtual blocks, that both
// endpoints share a canonical half, then returns the interval.
func NewBlock[T Ordinal](start, end T) (Block[T], kerrors.Err_t) {
	s, e := raw64(start), raw64(end)
	if e < s {
		return Block[T]{}, kerrors.InvalidArgument
	}
	if isVirtLike[T]() && e > s {
		last := e - 1
		loHalf := func(x uint64) bool { return x < canonGapLo }
		if loHalf(s) != loHalf(last) {
			return Block[T]{}, kerrors.InvalidArgument
		}
	}
	return Block[T]{Start: start, End: end}, kerrors.Ok
}

// Empty reports whether the block contains no addresses.
func (b Block[T]) Empty() bool { return raw64(b.End) == raw64(b.Start) }

// Len returns End-Start in the type's raw units (bytes for Virt/Phys, pages
// for Page, frames for Frame).
func (b Block[T]) Len() uint64 { return (raw64(b.End) - raw64(b.Start)) / unitStride[T]() }

// Contains reports whether x lies in [Start, End).
func (b Block[T]) Contains(x T) bool {
	r := raw64(x)
	return r >= raw64(b.Start) && r < raw64(b.End)
}

// ContainsBlock reports whether o is fully enclosed by b.
func (b Block[T]) ContainsBlock(o Block[T]) bool {
	if o.Empty() {
		return raw64(o.Start) >= raw64(b.Start) && raw64(o.Start) <= raw64(b.End)
	}
	return raw64(o.Start) >= raw64(b.Start) && raw64(o.End) <= raw64(b.End)
}

// Overlaps reports whether b and o share any address.
func (b Block[T]) Overlaps(o Block[T]) bool {
	if b.Empty() || o.Empty() {
		return false
	}
	return raw64(b.Start) < raw64(o.End) && raw64(o.Start) < raw64(b.End)
}

// Adjacent reports whether o immediately follows or precedes b with no gap,
// the condition pageblock's deallocate coalescing checks for.
func (b Block[T]) Adjacent(o Block[T]) bool {
	return raw64(b.End) == raw64(o.Start) || raw64(o.End) == raw64(b.Start)
}

// Enclosing returns the smallest raw64 interval containing every address in
// the block: just (start, end) since Block already stores a half-open
// interval, named to match the round-trip law in spec.md's S8.2.
func (b Block[T]) Enclosing() (T, T) { return b.Start, b.End }

// Split divides b into [Start, at) and [at, End); at must lie within b.
func (b Block[T]) Split(at T) (Block[T], Block[T], kerrors.Err_t) {
	a := raw64(at)
	if a < raw64(b.Start) || a > raw64(b.End) {
		return Block[T]{}, Block[T]{}, kerrors.InvalidArgument
	}
	return Block[T]{b.Start, at}, Block[T]{at, b.End}, kerrors.Ok
}

// WithLen builds the block [start, start+n), n counted in T's own unit
// (bytes for Virt/Phys, pages for Page, frames for Frame).
func WithLen[T Ordinal](start T, n uint64) (Block[T], kerrors.Err_t) {
	end := fromRaw64[T](raw64(start) + n*unitStride[T]())
	return NewBlock(start, end)
}

func (b Block[T]) String() string {
	return fmt.Sprintf("[%v, %v)", b.Start, b.End)
}
