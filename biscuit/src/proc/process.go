// Package proc implements process lifecycle, the scheduler's FIFO run
// queue, the system-call dispatch table, and trap reflection onto an
// installed user handler.
package proc

import (
	"sync"

	"addr"
	"aspace"
	"kerrors"
	"mapping"
	"pageblock"
	"pipe"
	"trap"
)

// State is a process's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	Exofork
	Dead
)

// Id identifies a process. Zero is never a valid, installed pid.
type Id uint64

const stackPages = 8

// SystemInfo is the global, read-only struct mapped into every process at a
// process-chosen virtual page.
type SystemInfo struct {
	BootTicks uint64
	CPUCount  uint32
}

// ProcessInfo is the per-process writable struct carrying the pid, a
// recursive-mapping slot index, a pointer to SystemInfo, and the bounds of
// the user stack. It has no field for the log ring's write end.
type ProcessInfo struct {
	Pid            uint64
	RecursiveSlot  int
	SystemInfoAddr uint64
	StackLo, StackHi uint64
}

// TrapHandler is the installed (rip, stack) pair a process has registered
// to receive reflected traps, if any.
type TrapHandler struct {
	Installed bool
	RIP       uint64
	Stack     addr.Block[addr.Page]
}

// Process is one schedulable unit: an address space, a saved register file,
// the shared info pages, and whatever trap handler it has installed.
type Process struct {
	// mu serializes dual-process syscalls that touch this process's
	// fields (see proc/lockset.go); it is distinct from AS's own lock,
	// which only guards the mapping tree and page-block state.
	mu sync.Mutex

	Pid   Id
	hasID bool

	Parent    Id
	hasParent bool

	AS    *aspace.AddressSpace
	State State
	Regs  trap.UserRegisters

	StackBlock addr.Block[addr.Page]
	InfoPage   addr.Page
	SysInfo    SystemInfo

	// LogRead is the kernel's consuming end of this process's trace
	// ring: the user side holds the matching WriteBuffer (ProcessInfo
	// carries no reference to it) and pushes trace records into it
	// without trapping into the kernel; LogRead is drained into klog at
	// trap-reflection time (spec.md §4.7.5) and closed at Exit.
	LogRead *pipe.ReadBuffer
	Trap    TrapHandler
}

// ParentId returns the pid that created p via Duplicate, if any.
func (p *Process) ParentId() (Id, bool) { return p.Parent, p.hasParent }

const (
	userInfoFlags = mapping.PRESENT | mapping.WRITABLE | mapping.USER
	userROFlags   = mapping.PRESENT | mapping.USER
	userRWFlags   = mapping.PRESENT | mapping.WRITABLE | mapping.USER
)

// New builds a fresh process in as, with entry as its initial RIP. It maps
// a read-only SystemInfo page, allocates a user stack, and maps a writable
// ProcessInfo page carrying a pointer back to SystemInfo. logRead is the
// kernel's consuming end of the process's log ring, already paired with
// the WriteBuffer the caller has arranged for the user side to hold. The
// process starts Runnable.
func New(as *aspace.AddressSpace, entry uint64, logRead *pipe.ReadBuffer) (*Process, kerrors.Err_t) {
	sysInfoSlice, sysInfoBlock, err := aspace.MapSliceZeroed[SystemInfo](as, 1, userROFlags|mapping.WRITABLE)
	if err != kerrors.Ok {
		return nil, err
	}
	// MapSliceZeroed only maps writable pages; the user's view is read-only.
	if err := as.RemapBlock(sysInfoBlock, userROFlags); err != kerrors.Ok {
		return nil, err
	}
	stack, err := as.Allocate(pageblock.Layout{Pages: stackPages, Align: 1}, mapping.USER)
	if err != kerrors.Ok {
		return nil, err
	}
	if err := as.MapBlock(stack, userRWFlags); err != kerrors.Ok {
		as.Deallocate(stack)
		return nil, err
	}
	infoSlice, infoBlock, err := aspace.MapSliceZeroed[ProcessInfo](as, 1, userInfoFlags)
	if err != kerrors.Ok {
		as.UnmapBlock(stack)
		as.Deallocate(stack)
		return nil, err
	}

	top := stack.End.Virt().Uint64()
	sysInfoSlice[0] = SystemInfo{}
	infoSlice[0] = ProcessInfo{
		SystemInfoAddr: sysInfoBlock.Start.Virt().Uint64(),
		StackLo:        stack.Start.Virt().Uint64(),
		StackHi:        top,
	}

	p := &Process{
		AS:         as,
		State:      Runnable,
		StackBlock: stack,
		InfoPage:   infoBlock.Start,
		LogRead:    logRead,
	}
	p.Regs.RIP = entry
	p.Regs.RSP = top
	return p, kerrors.Ok
}

// SetPid installs pid into both the process and its address space.
func (p *Process) SetPid(id Id) {
	p.Pid = id
	p.hasID = true
	p.AS.SetPid(uint64(id))
}

// Duplicate forks p's address space and page-allocator state, shares the
// parent's stack block, and copies registers before overwriting rax/rdi and
// rsp to point at the child's own ProcessInfo. The child starts in Exofork
// state (not yet queued by the scheduler).
func (p *Process) Duplicate(rax, rdi uint64) (*Process, kerrors.Err_t) {
	childAS, err := p.AS.Duplicate()
	if err != kerrors.Ok {
		return nil, err
	}
	child := &Process{
		AS:         childAS,
		State:      Exofork,
		StackBlock: p.StackBlock,
		InfoPage:   p.InfoPage,
		Regs:       p.Regs,
	}
	if p.hasID {
		child.Parent = p.Pid
		child.hasParent = true
	}
	child.Regs.RAX = rax
	child.Regs.RDI = rdi
	child.Regs.RSP = child.InfoPage.Virt().Uint64()
	return child, kerrors.Ok
}

// EnterUserMode switches to p's address space and "runs" it until the
// process yields, traps, or exits. Real hardware never returns from the
// sysretq/iretq that hands control to user code until an interrupt fires;
// this simulation instead takes a step function representing one quantum
// of user execution and reports, like the real kernel's post-return check
// of the per-CPU preemption slot, whether the process was preempted
// (Runnable, should be requeued) or not (it yielded or exited).
func (p *Process) EnterUserMode(step func(*Process) (preempted bool)) bool {
	p.AS.SwitchTo()
	p.State = Running
	preempted := step(p)
	if preempted {
		p.State = Runnable
	}
	return preempted
}

// Preempt is called from the timer ISR path: it records that the running
// process's context should resume in the kernel scheduler rather than
// continuing in user mode.
func (p *Process) Preempt(ctx trap.UserRegisters) {
	p.Regs = ctx
	p.State = Runnable
}

// Exit closes the process's log ring and marks it Dead. It deliberately
// does not touch the address space: spec.md §3.5's drop-order invariant
// requires switching away from a loaded address space before it is torn
// down, and Exit runs while p.AS is still current (the syscall trapped in
// from it). Reaping the address space is the scheduler's job, once it has
// switched to the next runnable process (see Scheduler.Run).
func (p *Process) Exit() {
	if p.LogRead != nil {
		p.LogRead.Close()
	}
	p.State = Dead
}
