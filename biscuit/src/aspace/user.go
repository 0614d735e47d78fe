package aspace

import (
	"addr"
	"kerrors"
	"mapping"
)

// userPageRange returns the half-open page block covering [ptr, ptr+n),
// and the byte offset of ptr within its first page.
func userPageRange(ptr, n uint64) (addr.Block[addr.Page], uint64, kerrors.Err_t) {
	v, err := addr.NewVirt(ptr)
	if err != kerrors.Ok {
		return addr.Block[addr.Page]{}, 0, err
	}
	last, err := addr.NewVirt(ptr + n - 1)
	if err != kerrors.Ok {
		return addr.Block[addr.Page]{}, 0, kerrors.Overflow
	}
	startPage := addr.PageOf(v)
	endPage := addr.PageOf(last)
	block, err := addr.NewBlock(startPage, addr.PageFromIndex(endPage.Index()+1))
	if err != kerrors.Ok {
		return addr.Block[addr.Page]{}, 0, err
	}
	return block, v.PageOffset(), kerrors.Ok
}

// ReadUserBytes validates that [ptr, ptr+n) lies entirely in the user half
// and is mapped PRESENT|USER|flags, then copies it into a fresh buffer.
// Used at the syscall boundary (LogValue and friends) where a user pointer
// and length arrive as raw uint64 ABI arguments rather than an already
// typed Block.
func (as *AddressSpace) ReadUserBytes(ptr, n uint64, flags mapping.Flags) ([]byte, kerrors.Err_t) {
	if n == 0 {
		return nil, kerrors.Ok
	}
	block, offset, err := userPageRange(ptr, n)
	if err != kerrors.Ok {
		return nil, err
	}
	if err := as.CheckPermission(block, flags); err != kerrors.Ok {
		return nil, err
	}
	out := make([]byte, 0, n)
	pages := block.Len()
	for i := uint64(0); i < pages; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		e, err := as.Tree.Translate(page.Virt())
		if err != kerrors.Ok {
			return nil, err
		}
		pageBytes := as.Frames.Bytes(addr.FrameOf(e.Address()))
		lo := uint64(0)
		if i == 0 {
			lo = offset
		}
		hi := uint64(addr.PageSize)
		if remaining := n - uint64(len(out)) + lo; remaining < hi {
			hi = remaining
		}
		out = append(out, pageBytes[lo:hi]...)
	}
	return out, kerrors.Ok
}

// WriteUserBytes is ReadUserBytes's write counterpart: it validates the
// same region against flags|WRITABLE and copies data into it.
func (as *AddressSpace) WriteUserBytes(ptr uint64, data []byte, flags mapping.Flags) kerrors.Err_t {
	if len(data) == 0 {
		return kerrors.Ok
	}
	n := uint64(len(data))
	block, offset, err := userPageRange(ptr, n)
	if err != kerrors.Ok {
		return err
	}
	if err := as.CheckPermissionMut(block, flags); err != kerrors.Ok {
		return err
	}
	pages := block.Len()
	copied := uint64(0)
	for i := uint64(0); i < pages; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		e, err := as.Tree.Translate(page.Virt())
		if err != kerrors.Ok {
			return err
		}
		pageBytes := as.Frames.Bytes(addr.FrameOf(e.Address()))
		lo := uint64(0)
		if i == 0 {
			lo = offset
		}
		hi := uint64(addr.PageSize)
		if remaining := n - copied + lo; remaining < hi {
			hi = remaining
		}
		copied += uint64(copy(pageBytes[lo:hi], data[copied:]))
	}
	return kerrors.Ok
}
