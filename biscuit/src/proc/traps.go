package proc

import (
	"unsafe"

	"addr"
	"caller"
	"kerrors"
	"klog"
	"mapping"
	"trap"
	"trapdump"
)

// Reflect handles a trap taken while p was running: it first drains
// whatever p has queued on its own log ring into klog (spec.md §4.7.5 —
// the process's trace records are flushed before the trap is delivered or
// the process is torn down, so they are never lost), then either delivers
// info onto p's installed handler or, failing that, terminates p. It
// reports whether p was terminated; a terminated p is left Dead for the
// scheduler to reap, not removed from table here.
func Reflect(p *Process, info trap.Info) bool {
	flushLog(p)

	if p.Trap.Installed && deliverToHandler(p, info) {
		return false
	}

	if info.Vector.IsNonFatalInUserMode() {
		klog.Warn("unhandled non-fatal trap vector=%d rip=%#x", info.Vector, info.Regs.RIP)
		return false
	}

	window := trapdump.Dump(userSpaceReader{p}, info.Regs.RIP)
	klog.Error("fatal trap pid=%d vector=%d rip=%#x\n%s%s", p.Pid, info.Vector, info.Regs.RIP, window, caller.Dump(1))
	p.Exit()
	return true
}

// userSpaceReader adapts AddressSpace.ReadUserBytes to trapdump.Reader
// without trapdump needing to import aspace/mapping itself.
type userSpaceReader struct{ p *Process }

func (r userSpaceReader) ReadBytesAt(ptr uint64, n uint64) ([]byte, bool) {
	data, err := r.p.AS.ReadUserBytes(ptr, n, mapping.USER)
	if err != kerrors.Ok {
		return nil, false
	}
	return data, true
}

func flushLog(p *Process) {
	if p.LogRead == nil {
		return
	}
	tx, ok := p.LogRead.ReadTx()
	if !ok {
		return
	}
	for {
		rec, ok := tx.Read()
		if !ok {
			break
		}
		klog.Info("%s", string(rec))
	}
	tx.Commit()
}

// deliverToHandler validates p's installed (rip, stack) pair, writes the
// trap.Info record onto that stack, and points p's saved registers at the
// handler. It reports false (and leaves p's registers untouched) if the
// handler's stack or rip can no longer be used, in which case Reflect falls
// through to its non-fatal/terminate decision instead.
func deliverToHandler(p *Process, info trap.Info) bool {
	h := p.Trap
	if err := p.AS.CheckPermissionMut(h.Stack, mapping.USER); err != kerrors.Ok {
		return false
	}
	rip, err := addr.NewVirt(h.RIP)
	if err != kerrors.Ok || !rip.IsUserHalf() {
		return false
	}

	size := unsafe.Sizeof(info)
	top := h.Stack.End.Virt().Uint64()
	writeAt := top - uint64(size)
	writeAt &^= 0xf // 16-byte align the handler's incoming stack frame

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&info)), int(size))
	if err := p.AS.WriteUserBytes(writeAt, raw, mapping.USER); err != kerrors.Ok {
		return false
	}

	p.Regs.RDI = writeAt
	p.Regs.RSP = writeAt
	p.Regs.RIP = rip.Uint64()
	return true
}
