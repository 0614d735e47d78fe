// Package trapdump renders a short disassembly window around a faulting
// instruction pointer for the fatal-trap panic dump (trap.Info with no
// installed handler, or a vector that is never reflected).
//
// The teacher kernel never needed this: biscuit's chentry.go parses ELF
// binaries at load time but has no equivalent of a live disassembler for a
// crash dump. golang.org/x/arch/x86/x86asm is already an indirect dependency
// of the pack's own forked-compiler toolchain (it backs cmd/objdump); this
// package is the first thing in the tree that imports it directly.
package trapdump

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Reader is the slice of AddressSpace this package needs: a way to fetch
// raw instruction bytes for a user virtual address without depending on
// the aspace package's full surface (aspace already imports mapping, which
// would make this an import cycle if aspace ever wanted to format a dump
// using this package).
type Reader interface {
	ReadBytesAt(addr uint64, n uint64) ([]byte, bool)
}

// Window holds the decoded instructions trapdump managed to read starting
// at RIP, in order. Truncated is set when the read failed, a decode error
// stopped decoding, or decoding ran to the end of the bytes read; it does
// not say how many bytes were missing.
type Window struct {
	RIP          uint64
	Instructions []Instruction
	Truncated    bool
}

// Instruction is one decoded instruction: its address, its length in bytes, and
// x86asm's AT&T-ish textual form (GNUSyntax, matching the objdump output
// the rest of the ecosystem already expects).
type Instruction struct {
	Addr uint64
	Text string
	Len  int
}

// defaultWindowBytes is generous enough to decode a handful of instructions
// even if the first few are long (e.g. a REX+ModRM+SIB+disp32 form), short
// of pulling in an entire page for what is only ever a diagnostic dump.
const defaultWindowBytes = 64

// defaultMaxInstructions bounds how many lines a dump prints regardless of
// how many bytes were available; a crash dump is read by a human, not
// paged through.
const defaultMaxInstructions = 16

// Dump decodes instructions starting at rip, reading bytes through r, and
// stops at defaultMaxInstructions, a decode error, or the end of the
// readable window, whichever comes first.
func Dump(r Reader, rip uint64) Window {
	raw, ok := r.ReadBytesAt(rip, defaultWindowBytes)
	w := Window{RIP: rip}
	if !ok || len(raw) == 0 {
		w.Truncated = true
		return w
	}

	off := 0
	for len(w.Instructions) < defaultMaxInstructions && off < len(raw) {
		inst, err := x86asm.Decode(raw[off:], 64)
		if err != nil {
			w.Truncated = true
			break
		}
		w.Instructions = append(w.Instructions, Instruction{
			Addr: rip + uint64(off),
			Text: x86asm.GNUSyntax(inst, rip+uint64(off), nil),
			Len:  inst.Len,
		})
		off += inst.Len
	}
	if off >= len(raw) {
		w.Truncated = true
	}
	return w
}

// String renders the window the way a fatal-trap log line wants it: one
// instruction per line, arrow marking the faulting address itself.
func (w Window) String() string {
	if len(w.Instructions) == 0 {
		return fmt.Sprintf("<no readable instructions at rip=%#x>", w.RIP)
	}
	var b strings.Builder
	for _, in := range w.Instructions {
		marker := "  "
		if in.Addr == w.RIP {
			marker = "->"
		}
		fmt.Fprintf(&b, "%s %#016x: %s\n", marker, in.Addr, in.Text)
	}
	if w.Truncated {
		b.WriteString("  ...\n")
	}
	return b.String()
}
