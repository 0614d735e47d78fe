// Package pipe implements a single-producer/single-consumer byte ring with
// framed records: a fixed-size backing region, a compact per-record header
// (a state byte plus a big-endian length), and separate reader/writer
// handles over one shared ring so the type system enforces which half of
// the API each side may call.
package pipe

import (
	"sync"
	"sync/atomic"

	"addr"
	"aspace"
	"kerrors"
	"mapping"
	"pageblock"
	"util"
)

// recordState is the first byte of every record header.
type recordState uint8

const (
	Clear recordState = iota
	Written
	Read
	Closed
)

const stateSize = 1

const pipeFlags = mapping.PRESENT | mapping.WRITABLE | mapping.USER

// RingBuffer is the shared state behind a pipe's ReadBuffer/WriteBuffer
// pair: a realSize-byte backing region plus the head/tail cursors that
// partition it into committed records, in-flight payload, and free space.
//
// Real hardware gets a flat memcpy across the wrap boundary by mapping the
// same physical pages twice, at page i and i+frameCount, so a byte range
// that logically wraps is still one contiguous virtual range. This
// simulation installs that same double mapping into the address space (see
// New) so the mapping tree and frame refcounts behave exactly as they
// would on real hardware, but all actual byte access here goes through the
// single contiguous slice the frames already give us on the host, with
// explicit wrap handling in copyIn/copyOut — a Go slice can't alias one
// range of memory at two different offsets the way two page-table entries
// pointing at the same frame can.
type RingBuffer struct {
	data       []byte
	realSize   uint64
	headerSize uint64

	space *aspace.AddressSpace
	block addr.Block[addr.Page]

	mu     sync.Mutex
	head   uint64
	tail   uint64
	closed atomic.Bool

	Stats RingBufferStats
}

func log256Ceil(n uint64) uint64 {
	k := uint64(0)
	for v := uint64(1); v < n; v <<= 8 {
		k++
	}
	if k == 0 {
		k = 1
	}
	return k
}

// New allocates frameCount frames, reserves a contiguous virtual block of
// 2*frameCount pages in space, and double-maps each physical frame into
// page slots i and i+frameCount. It returns a ReadBuffer/WriteBuffer pair
// sharing the resulting ring.
func New(space *aspace.AddressSpace, frameCount int) (*ReadBuffer, *WriteBuffer, kerrors.Err_t) {
	realSize := uint64(frameCount) * addr.PageSize
	block, err := space.Allocate(pageblock.Layout{Pages: uint64(2 * frameCount), Align: 1}, mapping.USER)
	if err != kerrors.Ok {
		return nil, nil, err
	}
	first, err := space.Frames.AllocateContiguous(frameCount)
	if err != kerrors.Ok {
		space.Deallocate(block)
		return nil, nil, err
	}
	for i := 0; i < frameCount; i++ {
		f := addr.FrameFromIndex(first.Index() + uint64(i))
		lo := addr.PageFromIndex(block.Start.Index() + uint64(i))
		hi := addr.PageFromIndex(block.Start.Index() + uint64(frameCount+i))
		if err := space.MapPageToFrame(lo, f, pipeFlags); err != kerrors.Ok {
			unwindPipeMapping(space, block, first, i, frameCount)
			return nil, nil, err
		}
		if err := space.MapPageToFrame(hi, f, pipeFlags); err != kerrors.Ok {
			space.UnmapPage(lo)
			unwindPipeMapping(space, block, first, i, frameCount)
			return nil, nil, err
		}
	}
	space.Frames.DropRange(first, frameCount) // each frame now owned twice by the tree

	rb := &RingBuffer{
		data:       space.Frames.BytesRun(first, frameCount),
		realSize:   realSize,
		headerSize: stateSize + log256Ceil(realSize),
		space:      space,
		block:      block,
	}
	return &ReadBuffer{rb: rb}, &WriteBuffer{rb: rb}, kerrors.Ok
}

func unwindPipeMapping(space *aspace.AddressSpace, block addr.Block[addr.Page], first addr.Frame, done, frameCount int) {
	for j := 0; j < done; j++ {
		space.UnmapPage(addr.PageFromIndex(block.Start.Index() + uint64(j)))
		space.UnmapPage(addr.PageFromIndex(block.Start.Index() + uint64(frameCount+j)))
	}
	space.Frames.DropRange(first, frameCount)
	space.Deallocate(block)
}

// Close tears down the ring's virtual and physical backing. Callers must
// ensure neither end is in use.
func (rb *RingBuffer) Close() {
	rb.space.UnmapBlock(rb.block)
	rb.space.Deallocate(rb.block)
}

func (rb *RingBuffer) isClosed() bool { return rb.closed.Load() }

// putHeader packs state and size into a small contiguous staging buffer via
// util.BEPutUint, then scatters it byte-by-byte into the ring starting at
// pos, wrapping as needed: the ring's header can straddle the wrap boundary
// in a way util's own fixed-width helpers don't handle directly.
func (rb *RingBuffer) putHeader(pos uint64, state recordState, size uint64) {
	buf := make([]byte, rb.headerSize)
	buf[0] = byte(state)
	util.BEPutUint(buf[stateSize:], int(rb.headerSize-stateSize), size)
	for i, b := range buf {
		rb.data[(pos+uint64(i))%rb.realSize] = b
	}
}

func (rb *RingBuffer) setState(pos uint64, state recordState) {
	rb.data[pos%rb.realSize] = byte(state)
}

// getHeader is putHeader's inverse: gather the header's bytes out of the
// ring into a contiguous staging buffer, then unpack via util.BEGetUint.
func (rb *RingBuffer) getHeader(pos uint64) (recordState, uint64) {
	buf := make([]byte, rb.headerSize)
	for i := range buf {
		buf[i] = rb.data[(pos+uint64(i))%rb.realSize]
	}
	state := recordState(buf[0])
	size := util.BEGetUint(buf[stateSize:], int(rb.headerSize-stateSize))
	return state, size
}

func (rb *RingBuffer) copyIn(pos uint64, src []byte) {
	off := pos % rb.realSize
	n := uint64(copy(rb.data[off:], src))
	if n < uint64(len(src)) {
		copy(rb.data, src[n:])
	}
}

func (rb *RingBuffer) copyOut(pos uint64, n uint64) []byte {
	off := pos % rb.realSize
	if off+n <= rb.realSize {
		return rb.data[off : off+n]
	}
	out := make([]byte, n)
	first := rb.realSize - off
	copy(out, rb.data[off:])
	copy(out[first:], rb.data[:n-first])
	return out
}
