package pprofdump

import (
	"bytes"
	"testing"

	"heap"
)

func TestDumpProducesValidProfile(t *testing.T) {
	var buf bytes.Buffer
	snap := Snapshot{
		Info: heap.Info{Allocations: 3, Requested: 96, Allocated: 128, Pages: 1},
		Classes: []ClassSample{
			{Class: 2, CellSize: 24, Allocations: 3, Bytes: 72},
		},
	}
	if err := Dump(&buf, snap); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty profile output")
	}
}
