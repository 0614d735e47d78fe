// Package pprofdump exports a heap dispatcher's statistics as a pprof
// profile so the same tooling that reads a host Go process's heap profile
// can chart kernel heap pressure per size class.
package pprofdump

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"heap"
)

// ClassSample is one size class's outstanding allocation count and byte
// total at the moment of a snapshot.
type ClassSample struct {
	Class       int
	CellSize    uint64
	Allocations int64
	Bytes       uint64
}

// Snapshot is the input to Dump: the dispatcher-wide Info plus a per-class
// breakdown the caller has already gathered (the Dispatcher doesn't track
// per-class stats itself — see DESIGN.md — so callers assemble this from
// whichever FixedSizeAllocators they're interested in).
type Snapshot struct {
	Info    heap.Info
	Classes []ClassSample
}

// Dump builds a pprof profile.Profile with one sample per size class,
// tagged by cell size, and writes its gzip-encoded wire form to w.
func Dump(w io.Writer, snap Snapshot) error {
	alloc := &profile.ValueType{Type: "allocations", Unit: "count"}
	space := &profile.ValueType{Type: "inuse_space", Unit: "bytes"}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{alloc, space},
		Function:   []*profile.Function{},
		Location:   []*profile.Location{},
	}

	for i, c := range snap.Classes {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:   id,
			Name: fmt.Sprintf("size_class_%d_bytes", c.CellSize),
		}
		loc := &profile.Location{
			ID:   id,
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.Allocations, int64(c.Bytes)},
			Label: map[string][]string{
				"class": {fmt.Sprintf("%d", c.Class)},
			},
		})
	}

	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
