package heap

import "sync/atomic"

// Info is a consistent snapshot of the dispatcher's running counters.
type Info struct {
	Allocations int64
	Requested   uint64
	Allocated   uint64
	Pages       uint64
}

// IsValid reports whether a snapshot could have come from a real sequence
// of alloc/dealloc calls: negative counts never exceed positive ones (folded
// already into the signed totals here) and requested never outgrows what
// was actually allocated, which in turn never outgrows the pages backing it.
func (i Info) IsValid() bool {
	if i.Requested > i.Allocated {
		return false
	}
	if i.Allocated > i.Pages*pageSize {
		return false
	}
	return true
}

// AtomicInfo tracks allocations/requested/allocated/pages as one signed net
// counter each (allocs add, deallocs subtract; the positive and negative
// contributions are not kept separately), updated under a seqlock: an odd sequence
// number means a writer is mid-update, so readers spin until it goes even
// and retry if it changed mid-read.
type AtomicInfo struct {
	seq atomic.Uint64

	allocations int64
	requested   int64 // sum of requested - sum of freed-requested
	allocated   int64
	pages       int64
}

func (a *AtomicInfo) beginWrite() {
	a.seq.Add(1) // now odd
}

func (a *AtomicInfo) endWrite() {
	a.seq.Add(1) // now even
}

func (a *AtomicInfo) recordAlloc(requested, allocated, pages uint64) {
	a.beginWrite()
	a.allocations++
	a.requested += int64(requested)
	a.allocated += int64(allocated)
	a.pages += int64(pages)
	a.endWrite()
}

func (a *AtomicInfo) recordDealloc(requested, allocated, pages uint64) {
	a.beginWrite()
	a.allocations--
	a.requested -= int64(requested)
	a.allocated -= int64(allocated)
	a.pages -= int64(pages)
	a.endWrite()
}

// Snapshot reads a consistent set of counters, retrying if a writer raced
// the read.
func (a *AtomicInfo) Snapshot() Info {
	for {
		s1 := a.seq.Load()
		if s1%2 != 0 {
			continue
		}
		allocations, requested, allocated, pages := a.allocations, a.requested, a.allocated, a.pages
		s2 := a.seq.Load()
		if s1 == s2 {
			return Info{
				Allocations: allocations,
				Requested:   uint64(requested),
				Allocated:   uint64(allocated),
				Pages:       uint64(pages),
			}
		}
	}
}
