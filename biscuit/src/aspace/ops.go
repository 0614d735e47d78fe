package aspace

import (
	"addr"
	"kerrors"
	"mapping"
	"pageblock"
)

// regionMatchesFlags validates that the flags' USER bit agrees with which half the
// block lives in, the check spec.md §4.4 requires before every
// allocate/reserve/map/check_permission call.
func regionMatchesFlags(block addr.Block[addr.Page], flags mapping.Flags) kerrors.Err_t {
	if block.Empty() {
		return kerrors.Ok
	}
	wantUser := flags.Contains(mapping.USER)
	if wantUser != block.Start.IsUserHalf() {
		return kerrors.PermissionDenied
	}
	last := addr.PageFromIndex(block.End.Index() - 1)
	if wantUser != last.IsUserHalf() {
		return kerrors.PermissionDenied
	}
	return kerrors.Ok
}

// Allocate finds and reserves layout.Pages free user pages. Only user
// allocations are served (see AddressSpace's doc comment on the kernel
// half); a non-user request is PermissionDenied.
func (as *AddressSpace) Allocate(layout pageblock.Layout, flags mapping.Flags) (addr.Block[addr.Page], kerrors.Err_t) {
	if !flags.Contains(mapping.USER) {
		return addr.Block[addr.Page]{}, kerrors.PermissionDenied
	}
	return as.UserAlloc.Allocate(layout)
}

// Deallocate returns block to the user page-block allocator.
func (as *AddressSpace) Deallocate(block addr.Block[addr.Page]) kerrors.Err_t {
	if !block.Empty() && !block.Start.IsUserHalf() {
		return kerrors.PermissionDenied
	}
	return as.UserAlloc.Deallocate(block)
}

// Reserve range-validates flags against the pages' region, then reserves
// exactly that span.
func (as *AddressSpace) Reserve(pages addr.Block[addr.Page], flags mapping.Flags) kerrors.Err_t {
	if err := regionMatchesFlags(pages, flags); err != kerrors.Ok {
		return err
	}
	return as.UserAlloc.Reserve(pages)
}

// MapPageToFrame installs f at page with flags, bumping f's reference
// count (the new mapping is an additional owner). If page was already
// mapped, the prior frame's reference is dropped first.
func (as *AddressSpace) MapPageToFrame(page addr.Page, f addr.Frame, flags mapping.Flags) kerrors.Err_t {
	block, err := addr.WithLen(page, 1)
	if err != kerrors.Ok {
		return err
	}
	if err := regionMatchesFlags(block, flags); err != kerrors.Ok {
		return err
	}
	g, err := as.Frames.Reference(f)
	if err != kerrors.Ok {
		return err
	}
	owned := g.Into()
	if err := as.Tree.Map(page.Virt(), owned, flags); err != kerrors.Ok {
		as.Frames.Drop(owned)
		return err
	}
	return kerrors.Ok
}

// MapPage allocates a fresh frame and maps it at page with flags.
func (as *AddressSpace) MapPage(page addr.Page, flags mapping.Flags) kerrors.Err_t {
	block, err := addr.WithLen(page, 1)
	if err != kerrors.Ok {
		return err
	}
	if err := regionMatchesFlags(block, flags); err != kerrors.Ok {
		return err
	}
	g, err := as.Frames.Allocate()
	if err != kerrors.Ok {
		return err
	}
	f := g.Into()
	if err := as.Tree.Map(page.Virt(), f, flags); err != kerrors.Ok {
		as.Frames.Drop(f)
		return err
	}
	return kerrors.Ok
}

// UnmapPage removes page's mapping, dropping the mapped frame's reference.
func (as *AddressSpace) UnmapPage(page addr.Page) kerrors.Err_t {
	_, err := as.Tree.Unmap(page.Virt())
	return err
}

// MapBlock maps every page in block to a freshly allocated frame. On
// failure partway through, pages already mapped by this call are unwound.
func (as *AddressSpace) MapBlock(block addr.Block[addr.Page], flags mapping.Flags) kerrors.Err_t {
	n := block.Len()
	for i := uint64(0); i < n; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		if err := as.MapPage(page, flags); err != kerrors.Ok {
			for j := uint64(0); j < i; j++ {
				as.UnmapPage(addr.PageFromIndex(block.Start.Index() + j))
			}
			return err
		}
	}
	return kerrors.Ok
}

// UnmapBlock unmaps every page in block.
func (as *AddressSpace) UnmapBlock(block addr.Block[addr.Page]) kerrors.Err_t {
	n := block.Len()
	for i := uint64(0); i < n; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		if err := as.UnmapPage(page); err != kerrors.Ok {
			return err
		}
	}
	return kerrors.Ok
}

// RemapBlock sets flags|PRESENT on every already-mapped leaf in block,
// without changing which frame is mapped.
func (as *AddressSpace) RemapBlock(block addr.Block[addr.Page], flags mapping.Flags) kerrors.Err_t {
	n := block.Len()
	for i := uint64(0); i < n; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		if err := as.Tree.Remap(page.Virt(), flags); err != kerrors.Ok {
			return err
		}
	}
	return kerrors.Ok
}

// CheckPermission validates that block lies entirely in the user half and
// that every page in it is present with at least PRESENT|USER|flags.
func (as *AddressSpace) CheckPermission(block addr.Block[addr.Page], flags mapping.Flags) kerrors.Err_t {
	if block.Empty() {
		return kerrors.Ok
	}
	if !block.Start.IsUserHalf() {
		return kerrors.PermissionDenied
	}
	need := mapping.PRESENT | mapping.USER | flags
	n := block.Len()
	for i := uint64(0); i < n; i++ {
		page := addr.PageFromIndex(block.Start.Index() + i)
		e, err := as.Tree.Translate(page.Virt())
		if err != kerrors.Ok {
			return err
		}
		if !e.Present() {
			return kerrors.NoPage
		}
		if !e.Flags().Contains(need) {
			return kerrors.PermissionDenied
		}
	}
	return kerrors.Ok
}

// CheckPermissionMut is CheckPermission with WRITABLE implied in flags,
// matching spec.md §4.4's mutable variant.
func (as *AddressSpace) CheckPermissionMut(block addr.Block[addr.Page], flags mapping.Flags) kerrors.Err_t {
	return as.CheckPermission(block, flags|mapping.WRITABLE)
}
