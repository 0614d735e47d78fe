package aspace

import (
	"fmt"
	"strings"

	"addr"
	"mapping"
)

// dumpIgnoredFlags are excluded when deciding whether two adjacent leaves
// belong to the same printable run: ACCESSED/DIRTY flap independently of
// the permissions an operator actually cares about when reading a dump.
const dumpIgnoredFlags = mapping.ACCESSED | mapping.DIRTY

// Dump coalesces consecutive present leaves with identical flags (modulo
// ACCESSED/DIRTY) into printable runs, the debug aid spec.md §4.4 asks for.
func (as *AddressSpace) Dump() string {
	type run struct {
		start, end addr.Virt
		flags      mapping.Flags
	}
	var runs []run
	var cur *run

	as.Tree.Walk(func(l mapping.Leaf) {
		flags := l.Entry.Flags() &^ dumpIgnoredFlags
		if cur != nil && cur.flags == flags && cur.end == l.Virt {
			next, _ := cur.end.Add(addr.PageSize)
			cur.end = next
			return
		}
		if cur != nil {
			runs = append(runs, *cur)
		}
		end, _ := l.Virt.Add(addr.PageSize)
		cur = &run{start: l.Virt, end: end, flags: flags}
	})
	if cur != nil {
		runs = append(runs, *cur)
	}

	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "%v-%v %s\n", r.start, r.end, flagString(r.flags))
	}
	return b.String()
}

func flagString(f mapping.Flags) string {
	var parts []string
	add := func(bit mapping.Flags, name string) {
		if f.Contains(bit) {
			parts = append(parts, name)
		}
	}
	add(mapping.WRITABLE, "W")
	add(mapping.USER, "U")
	add(mapping.EXECUTABLE, "X")
	add(mapping.COPY_ON_WRITE, "COW")
	add(mapping.GLOBAL, "G")
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}
