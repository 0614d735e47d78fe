package proc

import (
	"testing"

	"addr"
	"aspace"
	"frame"
	"kerrors"
	"mapping"
)

// newTestProcess builds a fresh, table-registered process over its own
// address space backed by a private frame pool, so tests can run
// concurrently without sharing physical memory.
func newTestProcess(t *testing.T, table *Table) *Process {
	t.Helper()
	frames := frame.NewAllocator(addr.FrameFromIndex(0), 4096)
	as, err := aspace.NewFresh(frames, aspace.Process)
	if err != kerrors.Ok {
		t.Fatalf("NewFresh: %v", err)
	}
	p, err := New(as, 0x1000, nil)
	if err != kerrors.Ok {
		t.Fatalf("New process: %v", err)
	}
	table.Insert(p)
	return p
}

func TestSchedulerFIFOOrder(t *testing.T) {
	table := NewTable()
	base, _ := aspace.NewFresh(frame.NewAllocator(addr.FrameFromIndex(0), 16), aspace.Base)
	sched := NewScheduler(base)

	a := newTestProcess(t, table)
	b := newTestProcess(t, table)
	c := newTestProcess(t, table)
	sched.Enqueue(a.Pid)
	sched.Enqueue(b.Pid)
	sched.Enqueue(c.Pid)

	var order []Id
	sched.Run(table, func(p *Process) bool {
		order = append(order, p.Pid)
		return false // not preempted: Run does not requeue it
	})

	if len(order) != 3 || order[0] != a.Pid || order[1] != b.Pid || order[2] != c.Pid {
		t.Fatalf("Run order = %v, want FIFO [%d %d %d]", order, a.Pid, b.Pid, c.Pid)
	}
}

func TestSchedulerRequeuesPreemptedProcess(t *testing.T) {
	table := NewTable()
	base, _ := aspace.NewFresh(frame.NewAllocator(addr.FrameFromIndex(0), 16), aspace.Base)
	sched := NewScheduler(base)

	p := newTestProcess(t, table)
	sched.Enqueue(p.Pid)

	calls := 0
	sched.Run(table, func(proc *Process) bool {
		calls++
		if calls < 3 {
			return true // preempted: scheduler should requeue it
		}
		proc.Exit()
		return false
	})

	if calls != 3 {
		t.Fatalf("EnterUserMode called %d times, want 3 (requeued twice then exited)", calls)
	}
	if _, ok := table.Get(p.Pid); ok {
		t.Fatalf("expected Dead process reaped from the table")
	}
}

func TestSchedulerRunReturnsOnEmptyQueue(t *testing.T) {
	table := NewTable()
	base, _ := aspace.NewFresh(frame.NewAllocator(addr.FrameFromIndex(0), 16), aspace.Base)
	sched := NewScheduler(base)

	called := false
	sched.Run(table, func(p *Process) bool {
		called = true
		return false
	})
	if called {
		t.Fatalf("step should never be called against an empty queue")
	}
}

func TestSysExoforkInsertsExoforkChild(t *testing.T) {
	table := NewTable()
	parent := newTestProcess(t, table)

	regs := &parent.Regs
	regs.RAX = uint64(Exofork)
	Dispatch(table, NewScheduler(nil), parent)

	if kerrors.Err_t(regs.RAX) != kerrors.Ok {
		t.Fatalf("Exofork result = %v, want Ok", kerrors.Err_t(regs.RAX))
	}
	childID := Id(regs.RDI)
	child, ok := table.Get(childID)
	if !ok {
		t.Fatalf("child pid %d not found in table", childID)
	}
	if child.State != Exofork {
		t.Fatalf("child.State = %v, want Exofork", child.State)
	}
	parentID, hasParent := child.ParentId()
	if !hasParent || parentID != parent.Pid {
		t.Fatalf("child parent = (%v, %v), want (%v, true)", parentID, hasParent, parent.Pid)
	}
}

func TestSysSetStateRejectsRunning(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	regs := &p.Regs
	regs.RAX = uint64(SetState)
	regs.RDI = 0 // dst: Current
	regs.RSI = uint64(Running)
	Dispatch(table, NewScheduler(nil), p)

	if kerrors.Err_t(regs.RAX) != kerrors.InvalidArgument {
		t.Fatalf("SetState(Running) result = %v, want InvalidArgument", kerrors.Err_t(regs.RAX))
	}
}

func TestSysSetStateRunnableEnqueues(t *testing.T) {
	table := NewTable()
	base, _ := aspace.NewFresh(frame.NewAllocator(addr.FrameFromIndex(0), 16), aspace.Base)
	sched := NewScheduler(base)
	p := newTestProcess(t, table)
	p.State = Exofork

	regs := &p.Regs
	regs.RAX = uint64(SetState)
	regs.RDI = 0
	regs.RSI = uint64(Runnable)
	Dispatch(table, sched, p)

	if kerrors.Err_t(regs.RAX) != kerrors.Ok {
		t.Fatalf("SetState(Runnable) result = %v, want Ok", kerrors.Err_t(regs.RAX))
	}
	if sched.Len() != 1 {
		t.Fatalf("expected process enqueued after SetState(Runnable), queue len = %d", sched.Len())
	}
}

func TestSysMapThenUnmapRoundTrips(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	regs := &p.Regs
	regs.RAX = uint64(Map)
	regs.RDI = 0 // dst: Current
	regs.RSI = 0 // addr: let the allocator pick
	regs.RDX = uint64(addr.PageSize * 2)
	regs.R10 = uint64(mapping.PRESENT | mapping.WRITABLE | mapping.USER)
	Dispatch(table, NewScheduler(nil), p)

	if kerrors.Err_t(regs.RAX) != kerrors.Ok {
		t.Fatalf("Map result = %v, want Ok", kerrors.Err_t(regs.RAX))
	}
	mappedAt := regs.RDI

	regs.RAX = uint64(Unmap)
	regs.RDI = 0
	regs.RSI = mappedAt
	regs.RDX = uint64(addr.PageSize * 2)
	Dispatch(table, NewScheduler(nil), p)
	if kerrors.Err_t(regs.RAX) != kerrors.Ok {
		t.Fatalf("Unmap result = %v, want Ok", kerrors.Err_t(regs.RAX))
	}
}

func TestSysMapRejectsFlagsWithoutUser(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	regs := &p.Regs
	regs.RAX = uint64(Map)
	regs.RDI = 0
	regs.RSI = 0
	regs.RDX = uint64(addr.PageSize)
	regs.R10 = uint64(mapping.PRESENT | mapping.WRITABLE) // missing USER
	Dispatch(table, NewScheduler(nil), p)

	if kerrors.Err_t(regs.RAX) != kerrors.PermissionDenied {
		t.Fatalf("Map without USER = %v, want PermissionDenied", kerrors.Err_t(regs.RAX))
	}
}

func TestSysSetTrapHandlerInstallsHandler(t *testing.T) {
	table := NewTable()
	p := newTestProcess(t, table)

	handlerStack := addr.PageFromIndex(500)
	if err := p.AS.MapPage(handlerStack, mapping.PRESENT|mapping.WRITABLE|mapping.USER); err != kerrors.Ok {
		t.Fatalf("MapPage handler stack: %v", err)
	}

	regs := &p.Regs
	regs.RAX = uint64(SetTrapHandler)
	regs.RDI = 0
	regs.RSI = 0x2000                        // handler rip, user half
	regs.RDX = handlerStack.Virt().Uint64()  // stack base
	regs.R10 = uint64(addr.PageSize)         // stack size
	Dispatch(table, NewScheduler(nil), p)
	if kerrors.Err_t(regs.RAX) != kerrors.Ok {
		t.Fatalf("SetTrapHandler result = %v, want Ok", kerrors.Err_t(regs.RAX))
	}
	if !p.Trap.Installed {
		t.Fatalf("expected trap handler installed")
	}
}

func TestResolveDstRejectsNonChild(t *testing.T) {
	table := NewTable()
	a := newTestProcess(t, table)
	b := newTestProcess(t, table) // unrelated, not a's child

	_, _, err := ResolveDst(table, a, b.Pid, false)
	if err != kerrors.PermissionDenied {
		t.Fatalf("ResolveDst(unrelated) = %v, want PermissionDenied", err)
	}
}

func TestResolveSrcDstLocksAscendingPidOrder(t *testing.T) {
	table := NewTable()
	a := newTestProcess(t, table)
	child, err := a.Duplicate(0, 0)
	if err != kerrors.Ok {
		t.Fatalf("Duplicate: %v", err)
	}
	table.Insert(child)

	dst, lock, err := ResolveSrcDst(table, a, child.Pid, false)
	if err != kerrors.Ok {
		t.Fatalf("ResolveSrcDst: %v", err)
	}
	if dst != child {
		t.Fatalf("expected dst to be the child process")
	}
	if lock.a != a || lock.b != child {
		t.Fatalf("lock order = (%d, %d), want ascending (%d, %d)", lock.a.Pid, lock.b.Pid, a.Pid, child.Pid)
	}
	lock.Unlock()
}
