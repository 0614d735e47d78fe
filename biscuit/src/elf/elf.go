// Package elf loads an ELF executable's PT_LOAD segments into a freshly
// built address space.
//
// Go's standard library already ships a complete ELF reader (debug/elf);
// nothing in the retrieval pack provides one, so parsing the file headers
// uses it directly rather than hand-rolling a program-header reader. The
// part that is genuinely this core's own domain logic — merging adjacent
// segments' page-table flags at the boundary page they share — is ported
// from original_source's ku/src/process/elf.rs combine() algorithm, the
// scanline-style merge spec.md §4.7.6/§8.3 Scenario S1 describes.
package elf

import (
	"bytes"
	"debug/elf"

	"addr"
	"aspace"
	"kerrors"
	"klog"
	"mapping"
)

// unalignedRange is a byte-precise (not page-aligned) span of a process's
// virtual address space, carrying the flags it should eventually be mapped
// with. Corresponds to elf.rs's VirtRange.
type unalignedRange struct {
	virt  addr.Block[addr.Virt]
	flags mapping.Flags
}

// pageRange is unalignedRange rounded out to whole pages: ready to be
// remapped with final flags. Corresponds to elf.rs's PageRange.
type pageRange struct {
	pages addr.Block[addr.Page]
	flags mapping.Flags
}

// segment is one validated PT_LOAD program header: the file bytes backing
// it plus the virtual range and flags they load into. Corresponds to
// elf.rs's FileRange.
type segment struct {
	fileStart, fileEnd uint64
	virt               unalignedRange
}

// Load parses file as an ELF executable and loads every PT_LOAD segment
// into dst, which must be a fresh address space not currently switched to
// (its pages are written directly through the frame allocator, the same
// way aspace.MapSliceZeroed touches a space without requiring it to be
// loaded). It returns the entry point on success.
func Load(dst *aspace.AddressSpace, file []byte) (addr.Virt, kerrors.Err_t) {
	ef, rerr := elf.NewFile(bytes.NewReader(file))
	if rerr != nil {
		return addr.Virt{}, kerrors.Elf
	}

	segments, err := collectSegments(ef)
	if err != kerrors.Ok {
		return addr.Virt{}, err
	}

	l := &loader{dst: dst, file: file}
	for _, seg := range segments {
		klog.Debug("ELF program header virt=%v flags=%v", seg.virt.virt, seg.virt.flags)
		if err := l.loadSegment(seg); err != kerrors.Ok {
			return addr.Virt{}, err
		}
	}
	if err := l.finish(); err != kerrors.Ok {
		return addr.Virt{}, err
	}

	entry, err := addr.NewVirt(ef.Entry)
	if err != kerrors.Ok {
		return addr.Virt{}, kerrors.Elf
	}
	return entry, kerrors.Ok
}

// collectSegments extracts every PT_LOAD program header as a validated
// segment, in program-header order, and checks that they ascend by virtual
// address without overlapping (spec.md §4.7.6's ordering precondition,
// elf.rs's validate_order).
func collectSegments(ef *elf.File) ([]segment, kerrors.Err_t) {
	var segs []segment
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg, err := toSegment(prog)
		if err != kerrors.Ok {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return validateOrder(segs)
}

// validateOrder checks that segs, as given, ascend by virtual address and
// that none overlap (spec.md §4.7.6's ordering precondition, elf.rs's
// validate_order). Segments are never reordered: a segment that starts
// below the end of its predecessor is InvalidArgument.
func validateOrder(segs []segment) ([]segment, kerrors.Err_t) {
	for i := 1; i < len(segs); i++ {
		if segs[i-1].virt.virt.End.Uint64() > segs[i].virt.virt.Start.Uint64() {
			klog.Warn("ELF loadable segments intersect or are out of order by virtual address")
			return nil, kerrors.InvalidArgument
		}
	}
	return segs, kerrors.Ok
}

func toSegment(prog *elf.Prog) (segment, kerrors.Err_t) {
	if prog.Filesz > prog.Memsz {
		return segment{}, kerrors.Overflow
	}
	flags, err := segmentFlags(prog.Flags)
	if err != kerrors.Ok {
		return segment{}, err
	}
	start, err := addr.NewVirt(prog.Vaddr)
	if err != kerrors.Ok {
		return segment{}, err
	}
	end, err := start.Add(prog.Memsz)
	if err != kerrors.Ok {
		return segment{}, err
	}
	block, err := addr.NewBlock(start, end)
	if err != kerrors.Ok {
		return segment{}, err
	}
	fileStart := prog.Off
	fileEnd := fileStart + prog.Filesz
	if fileEnd < fileStart {
		return segment{}, kerrors.Overflow
	}
	return segment{
		fileStart: fileStart,
		fileEnd:   fileEnd,
		virt:      unalignedRange{virt: block, flags: flags},
	}, kerrors.Ok
}

// segmentFlags converts an ELF segment's R/W/X bits to page-table flags.
// Rejects W|X together: a segment that is both writable and executable
// would let a compromised process write and then run arbitrary code
// (spec.md §7's general stance on untrusted ELF input).
func segmentFlags(f elf.ProgFlag) (mapping.Flags, kerrors.Err_t) {
	if f&elf.PF_W != 0 && f&elf.PF_X != 0 {
		return 0, kerrors.PermissionDenied
	}
	flags := mapping.PRESENT | mapping.USER
	if f&elf.PF_W != 0 {
		flags |= mapping.WRITABLE
	}
	if f&elf.PF_X != 0 {
		flags |= mapping.EXECUTABLE
	}
	return flags, kerrors.Ok
}

// loader walks the sorted segment list once, combining each adjacent pair
// to discover final per-page flags before any page is remapped twice.
type loader struct {
	dst  *aspace.AddressSpace
	file []byte

	curr      *unalignedRange
	mappedEnd addr.Page
	hasMapped bool
}

func enclosingPages(v addr.Block[addr.Virt]) (addr.Block[addr.Page], kerrors.Err_t) {
	start := addr.PageOf(v.Start)
	if v.Empty() {
		return addr.NewBlock(start, start)
	}
	lastByte, err := v.End.Sub(1)
	if err != kerrors.Ok {
		return addr.Block[addr.Page]{}, err
	}
	endPage, err := addr.PageOf(lastByte).Add(1)
	if err != kerrors.Ok {
		return addr.Block[addr.Page]{}, err
	}
	return addr.NewBlock(start, endPage)
}

// loadSegment extends dst's mapping to cover next, copies its file content
// (zero-filling the memsz-filesz tail), and finalizes whatever page range
// combine() reports is now settled between the previous segment and this
// one.
func (l *loader) loadSegment(seg segment) kerrors.Err_t {
	if err := l.extendMapping(seg.virt); err != kerrors.Ok {
		return err
	}
	if err := l.copyToMemory(seg); err != kerrors.Ok {
		return err
	}

	if l.curr != nil {
		currMinusNext, boundary, updatedNext, err := combine(*l.curr, seg.virt)
		if err != kerrors.Ok {
			return err
		}
		if currMinusNext != nil {
			if err := l.finalize(*currMinusNext); err != kerrors.Ok {
				return err
			}
		}
		if boundary != nil {
			if err := l.finalize(*boundary); err != kerrors.Ok {
				return err
			}
		}
		l.curr = &updatedNext
	} else {
		l.curr = &seg.virt
	}
	return kerrors.Ok
}

// finish finalizes whatever range is still pending once every segment has
// been processed.
func (l *loader) finish() kerrors.Err_t {
	if l.curr == nil {
		return kerrors.Ok
	}
	pages, err := enclosingPages(l.curr.virt)
	if err != kerrors.Ok {
		return err
	}
	return l.finalize(pageRange{pages: pages, flags: l.curr.flags})
}

// extendMapping reserves and maps, with a provisional WRITABLE|USER so
// copyToMemory can write into it, whatever pages next's range touches that
// have not already been mapped by an earlier segment.
func (l *loader) extendMapping(next unalignedRange) kerrors.Err_t {
	nextPages, err := enclosingPages(next.virt)
	if err != kerrors.Ok {
		return err
	}
	start := nextPages.Start
	if l.hasMapped {
		if nextPages.End.Index() <= l.mappedEnd.Index() {
			return kerrors.Ok
		}
		if nextPages.Start.Index() < l.mappedEnd.Index() {
			start = l.mappedEnd
		}
	}
	newPages, err := addr.NewBlock(start, nextPages.End)
	if err != kerrors.Ok {
		return err
	}
	if !newPages.Empty() {
		if err := l.dst.Reserve(newPages, mapping.USER); err != kerrors.Ok {
			return err
		}
		if err := l.dst.MapBlock(newPages, mapping.PRESENT|mapping.WRITABLE|mapping.USER); err != kerrors.Ok {
			return err
		}
		zeros := make([]byte, newPages.Len()*addr.PageSize)
		if err := l.dst.WriteUserBytes(newPages.Start.Virt().Uint64(), zeros, 0); err != kerrors.Ok {
			return err
		}
	}
	l.mappedEnd = nextPages.End
	l.hasMapped = true
	return kerrors.Ok
}

// copyToMemory writes seg's file bytes into dst at its virtual start
// address and zero-fills the rest of its memsz (the .bss tail).
func (l *loader) copyToMemory(seg segment) kerrors.Err_t {
	if seg.fileEnd > uint64(len(l.file)) {
		return kerrors.Overflow
	}
	data := l.file[seg.fileStart:seg.fileEnd]
	writeFlags := mapping.Flags(0)
	if len(data) > 0 {
		if err := l.dst.WriteUserBytes(seg.virt.virt.Start.Uint64(), data, writeFlags); err != kerrors.Ok {
			return err
		}
	}
	memSize := seg.virt.virt.Len()
	fileSize := uint64(len(data))
	if fileSize < memSize {
		zeroStart, err := seg.virt.virt.Start.Add(fileSize)
		if err != kerrors.Ok {
			return err
		}
		zeros := make([]byte, memSize-fileSize)
		if err := l.dst.WriteUserBytes(zeroStart.Uint64(), zeros, writeFlags); err != kerrors.Ok {
			return err
		}
	}
	return kerrors.Ok
}

// finalize remaps r's pages with its settled final flags (plus USER,
// which combine never needs to reason about since every ELF mapping is a
// user mapping).
func (l *loader) finalize(r pageRange) kerrors.Err_t {
	if r.pages.Empty() {
		return kerrors.Ok
	}
	return l.dst.RemapBlock(r.pages, r.flags|mapping.USER)
}

// combine merges the unaligned ranges curr and next, which must be
// strictly ordered and non-overlapping as byte ranges (validated already
// by collectSegments), into:
//
//   - currMinusNext: curr's page-aligned prefix guaranteed disjoint from
//     next and every later segment, whose final flags are exactly curr's;
//   - boundary: the single page, if any, that both curr and next touch,
//     whose final flags are curr's and next's combined;
//   - updatedNext: whatever is left of curr and next that is not yet
//     settled, carried forward to combine against the segment after next.
//
// Ported from elf.rs's combine(), the scanline merge spec.md §8.3
// Scenario S1 exercises directly.
func combine(curr, next unalignedRange) (*pageRange, *pageRange, unalignedRange, kerrors.Err_t) {
	currPages, err := enclosingPages(curr.virt)
	if err != kerrors.Ok {
		return nil, nil, unalignedRange{}, err
	}
	nextPages, err := enclosingPages(next.virt)
	if err != kerrors.Ok {
		return nil, nil, unalignedRange{}, err
	}
	combinedFlags := curr.flags | next.flags

	if !currPages.Overlaps(nextPages) {
		return &pageRange{pages: currPages, flags: curr.flags}, nil, next, kerrors.Ok
	}

	overlapStart := maxIndex(currPages.Start.Index(), nextPages.Start.Index())
	overlapEnd := minIndex(currPages.End.Index(), nextPages.End.Index())

	var currMinusNext *pageRange
	if currPages.Start.Index() < overlapEnd-1 {
		b, err := addr.NewBlock(currPages.Start, addr.PageFromIndex(overlapEnd-1))
		if err != kerrors.Ok {
			return nil, nil, unalignedRange{}, err
		}
		currMinusNext = &pageRange{pages: b, flags: curr.flags}
	}

	var boundary *pageRange
	if overlapStart < overlapEnd {
		lastOverlapPage := addr.PageFromIndex(overlapEnd - 1)
		lastOverlapPageEnd, err := lastOverlapPage.Add(1)
		if err != kerrors.Ok {
			return nil, nil, unalignedRange{}, err
		}
		if next.virt.End.Uint64() > lastOverlapPageEnd.Virt().Uint64() {
			b, err := addr.NewBlock(lastOverlapPage, addr.PageFromIndex(overlapEnd))
			if err != kerrors.Ok {
				return nil, nil, unalignedRange{}, err
			}
			boundary = &pageRange{pages: b, flags: combinedFlags}
		}
	}

	var updatedNextStart addr.Virt
	switch {
	case boundary != nil:
		updatedNextStart = addr.PageFromIndex(overlapEnd).Virt()
	case currMinusNext != nil:
		updatedNextStart = addr.PageFromIndex(overlapEnd - 1).Virt()
	default:
		updatedNextStart = curr.virt.Start
	}

	updatedNextFlags := next.flags
	if boundary == nil && overlapStart < overlapEnd {
		updatedNextFlags = combinedFlags
	}

	updatedNextBlock, err := addr.NewBlock(updatedNextStart, next.virt.End)
	if err != kerrors.Ok {
		return nil, nil, unalignedRange{}, err
	}
	return currMinusNext, boundary, unalignedRange{virt: updatedNextBlock, flags: updatedNextFlags}, kerrors.Ok
}

func maxIndex(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minIndex(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
