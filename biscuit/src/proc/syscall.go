package proc

import (
	"unicode/utf8"

	"addr"
	"kerrors"
	"klog"
	"mapping"
	"pageblock"
)

// Number identifies a system call, decoded out of rax (spec.md §6.1).
type Number uint64

const (
	Exit Number = iota
	LogValue
	SchedYield
	Exofork
	Map
	Unmap
	CopyMapping
	SetState
	SetTrapHandler
)

func ceilDivPages(n uint64) uint64 { return (n + addr.PageSize - 1) / addr.PageSize }

// Dispatch decodes one syscall out of caller's saved registers (rax the
// number, rdi/rsi/rdx/r10/r8 its up-to-five arguments), runs it, and writes
// the result back the same way the trampoline expects to find it: rax the
// ResultCode, rdi whatever payload value the call produces (spec.md §6.2).
func Dispatch(table *Table, sched *Scheduler, caller *Process) {
	regs := &caller.Regs
	a0, a1, a2, a3, a4 := regs.RDI, regs.RSI, regs.RDX, regs.R10, regs.R8

	var result kerrors.Err_t
	var payload uint64

	switch Number(regs.RAX) {
	case Exit:
		result, payload = sysExit(table, caller, a0)
	case LogValue:
		result, payload = sysLogValue(caller, a0, a1, a2, a3)
	case SchedYield:
		result, payload = sysSchedYield(sched, caller)
	case Exofork:
		result, payload = sysExofork(table, caller)
	case Map:
		result, payload = sysMap(table, caller, a0, a1, a2, a3)
	case Unmap:
		result, payload = sysUnmap(table, caller, a0, a1, a2)
	case CopyMapping:
		result, payload = sysCopyMapping(table, caller, a0, a1, a2, a3, a4)
	case SetState:
		result, payload = sysSetState(table, sched, caller, a0, a1)
	case SetTrapHandler:
		result, payload = sysSetTrapHandler(table, caller, a0, a1, a2, a3)
	default:
		result, payload = kerrors.InvalidArgument, 0
	}

	regs.RAX = uint64(result)
	regs.RDI = payload
}

// sysExit tears caller down immediately; its address space is reaped later
// by the scheduler once it has switched away (Process.Exit's doc comment).
func sysExit(table *Table, caller *Process, code uint64) (kerrors.Err_t, uint64) {
	_ = code
	caller.Exit()
	return kerrors.Ok, 0
}

// sysLogValue validates [ptr, ptr+len) as a readable user range, decodes it
// as UTF-8, and emits it through klog at the level levelChar names. Any
// failure to read the range — whether it's simply unmapped (NoPage) or
// mapped without the needed permission — surfaces uniformly as
// PermissionDenied, matching spec.md §8.3 Scenario S5's contract that a
// range crossing into unmapped memory reports PermissionDenied, not NoPage.
func sysLogValue(caller *Process, levelChar, ptr, length, value uint64) (kerrors.Err_t, uint64) {
	level, ok := klog.LevelFromSymbol(byte(levelChar))
	if !ok {
		return kerrors.InvalidArgument, 0
	}
	data, err := caller.AS.ReadUserBytes(ptr, length, mapping.USER)
	if err != kerrors.Ok {
		return kerrors.PermissionDenied, 0
	}
	if !utf8.Valid(data) {
		return kerrors.InvalidArgument, 0
	}
	emitAtLevel(level, string(data), value)
	return kerrors.Ok, 0
}

func emitAtLevel(level klog.Level, msg string, value uint64) {
	switch level {
	case klog.LevelTrace:
		klog.Trace("%s (%d)", msg, value)
	case klog.LevelDebug:
		klog.Debug("%s (%d)", msg, value)
	case klog.LevelWarn:
		klog.Warn("%s (%d)", msg, value)
	case klog.LevelError:
		klog.Error("%s (%d)", msg, value)
	default:
		klog.Info("%s (%d)", msg, value)
	}
}

// sysSchedYield requeues caller at the run queue's tail. Whether this
// syscall returns at all is a scheduling artifact, not a semantic result;
// it always reports Ok.
func sysSchedYield(sched *Scheduler, caller *Process) (kerrors.Err_t, uint64) {
	if caller.hasID {
		sched.Enqueue(caller.Pid)
	}
	return kerrors.Ok, 0
}

// sysExofork forks caller into a new, not-yet-scheduled child (spec.md
// §4.7.1): the child's rax reads 0, its rdi 0, distinguishing it from the
// parent, whose rax carries the result code and whose rdi carries the
// child's pid, the way a Unix fork distinguishes the two return paths.
func sysExofork(table *Table, caller *Process) (kerrors.Err_t, uint64) {
	child, err := caller.Duplicate(0, 0)
	if err != kerrors.Ok {
		return err, 0
	}
	childID := table.Insert(child)
	return kerrors.Ok, uint64(childID)
}

// sysMap validates flags, reserves (or allocates, if addr is 0) a span of
// dstPid's user address space, and maps it in (spec.md §6.1 Map).
func sysMap(table *Table, caller *Process, rawDst, reqAddr, size, rawFlags uint64) (kerrors.Err_t, uint64) {
	flags, err := decodeMapFlags(rawFlags)
	if err != kerrors.Ok {
		return err, 0
	}
	dstID, isCurrent := decodeDstPid(rawDst)
	dst, lock, err := ResolveDst(table, caller, dstID, isCurrent)
	if err != kerrors.Ok {
		return err, 0
	}
	defer lock.Unlock()

	pages := ceilDivPages(size)
	if pages == 0 {
		return kerrors.InvalidArgument, 0
	}
	layout := pageblock.Layout{Pages: pages, Align: 1}

	var block addr.Block[addr.Page]
	if reqAddr != 0 {
		v, err := addr.NewVirt(reqAddr)
		if err != kerrors.Ok {
			return err, 0
		}
		start := addr.PageOf(v)
		end, err := start.Add(pages)
		if err != kerrors.Ok {
			return err, 0
		}
		block, err = addr.NewBlock(start, end)
		if err != kerrors.Ok {
			return err, 0
		}
		if err := dst.AS.Reserve(block, flags); err != kerrors.Ok {
			return err, 0
		}
	} else {
		block, err = dst.AS.Allocate(layout, flags)
		if err != kerrors.Ok {
			return err, 0
		}
	}
	if err := dst.AS.MapBlock(block, flags); err != kerrors.Ok {
		dst.AS.Deallocate(block)
		return err, 0
	}
	return kerrors.Ok, block.Start.Virt().Uint64()
}

// sysUnmap unmaps and frees a span of dstPid's user address space.
func sysUnmap(table *Table, caller *Process, rawDst, reqAddr, size uint64) (kerrors.Err_t, uint64) {
	dstID, isCurrent := decodeDstPid(rawDst)
	dst, lock, err := ResolveDst(table, caller, dstID, isCurrent)
	if err != kerrors.Ok {
		return err, 0
	}
	defer lock.Unlock()

	v, err := addr.NewVirt(reqAddr)
	if err != kerrors.Ok {
		return err, 0
	}
	start := addr.PageOf(v)
	pages := ceilDivPages(size)
	end, err := start.Add(pages)
	if err != kerrors.Ok {
		return err, 0
	}
	block, err := addr.NewBlock(start, end)
	if err != kerrors.Ok {
		return err, 0
	}
	if err := dst.AS.UnmapBlock(block); err != kerrors.Ok {
		return err, 0
	}
	if err := dst.AS.Deallocate(block); err != kerrors.Ok {
		return err, 0
	}
	return kerrors.Ok, 0
}

// sysCopyMapping shares size bytes of caller's mapping at srcAddr into
// dstPid at dstAddr. flags == 0 means "keep the source page's own flags"
// (spec.md §6.3); any other value must pass the same validation Map does.
func sysCopyMapping(table *Table, caller *Process, rawDst, srcAddr, dstAddr, size, rawFlags uint64) (kerrors.Err_t, uint64) {
	keepFlags := rawFlags == 0
	var flags mapping.Flags
	if !keepFlags {
		f, err := decodeMapFlags(rawFlags)
		if err != kerrors.Ok {
			return err, 0
		}
		flags = f
	}

	dstID, isCurrent := decodeDstPid(rawDst)
	dst, lock, err := ResolveSrcDst(table, caller, dstID, isCurrent)
	if err != kerrors.Ok {
		return err, 0
	}
	defer lock.Unlock()

	srcV, err := addr.NewVirt(srcAddr)
	if err != kerrors.Ok {
		return err, 0
	}
	dstV, err := addr.NewVirt(dstAddr)
	if err != kerrors.Ok {
		return err, 0
	}
	pages := ceilDivPages(size)
	if pages == 0 {
		return kerrors.InvalidArgument, 0
	}
	srcStart := addr.PageOf(srcV)
	dstStart := addr.PageOf(dstV)

	for i := uint64(0); i < pages; i++ {
		srcPage, err := srcStart.Add(i)
		if err != kerrors.Ok {
			return err, 0
		}
		e, err := caller.AS.Tree.Translate(srcPage.Virt())
		if err != kerrors.Ok {
			return err, 0
		}
		if !e.Present() {
			return kerrors.NoPage, 0
		}
		pageFlags := flags
		if keepFlags {
			pageFlags = e.Flags()
		}
		dstPage, err := dstStart.Add(i)
		if err != kerrors.Ok {
			return err, 0
		}
		if err := dst.AS.MapPageToFrame(dstPage, addr.FrameOf(e.Address()), pageFlags); err != kerrors.Ok {
			return err, 0
		}
	}
	return kerrors.Ok, 0
}

// decodeMapFlags rejects any bit outside mapping.SyscallAllowed and
// requires USER, per spec.md §6.3.
func decodeMapFlags(raw uint64) (mapping.Flags, kerrors.Err_t) {
	flags := mapping.Flags(raw)
	if flags&^mapping.SyscallAllowed != 0 {
		return 0, kerrors.InvalidArgument
	}
	if !flags.Contains(mapping.USER) {
		return 0, kerrors.PermissionDenied
	}
	return flags, kerrors.Ok
}

// sysSetState transitions dstPid's scheduling state. Running is a
// kernel-internal bookkeeping state a process may never request for
// itself or a child; requesting it is rejected rather than silently
// downgraded, matching this core's general "reject, don't guess" stance
// on malformed syscall arguments (spec.md §7).
func sysSetState(table *Table, sched *Scheduler, caller *Process, rawDst, rawState uint64) (kerrors.Err_t, uint64) {
	dstID, isCurrent := decodeDstPid(rawDst)
	dst, lock, err := ResolveDst(table, caller, dstID, isCurrent)
	if err != kerrors.Ok {
		return err, 0
	}
	defer lock.Unlock()

	state := State(rawState)
	switch state {
	case Runnable, Exofork, Dead:
	default:
		return kerrors.InvalidArgument, 0
	}
	dst.State = state
	if state == Runnable {
		sched.Enqueue(dst.Pid)
	}
	return kerrors.Ok, 0
}

// sysSetTrapHandler installs the (rip, stack) pair dstPid's traps will be
// reflected onto (spec.md §4.7.5).
func sysSetTrapHandler(table *Table, caller *Process, rawDst, rip, stackAddr, stackSize uint64) (kerrors.Err_t, uint64) {
	dstID, isCurrent := decodeDstPid(rawDst)
	dst, lock, err := ResolveDst(table, caller, dstID, isCurrent)
	if err != kerrors.Ok {
		return err, 0
	}
	defer lock.Unlock()

	v, err := addr.NewVirt(rip)
	if err != kerrors.Ok {
		return err, 0
	}
	if !v.IsUserHalf() {
		return kerrors.PermissionDenied, 0
	}

	stackV, err := addr.NewVirt(stackAddr)
	if err != kerrors.Ok {
		return err, 0
	}
	pages := ceilDivPages(stackSize)
	if pages == 0 {
		return kerrors.InvalidArgument, 0
	}
	start := addr.PageOf(stackV)
	end, err := start.Add(pages)
	if err != kerrors.Ok {
		return err, 0
	}
	block, err := addr.NewBlock(start, end)
	if err != kerrors.Ok {
		return err, 0
	}
	if !block.Start.IsUserHalf() {
		return kerrors.PermissionDenied, 0
	}

	dst.Trap = TrapHandler{Installed: true, RIP: rip, Stack: block}
	return kerrors.Ok, 0
}
