package proc

import "sync"

// Table owns every live process, keyed by pid, and hands out fresh pids in
// increasing order. Pid 0 is never installed (Id's zero value is never
// valid, per process.go), so it doubles as the ABI's Current sentinel at
// the syscall boundary (see decodeDstPid in syscall.go).
type Table struct {
	mu      sync.Mutex
	procs   map[Id]*Process
	nextPid uint64
}

// NewTable builds an empty process table.
func NewTable() *Table {
	return &Table{procs: make(map[Id]*Process), nextPid: 1}
}

// Insert assigns p a fresh pid (installing it into both p and p.AS via
// Process.SetPid) and records it in the table.
func (t *Table) Insert(p *Process) Id {
	t.mu.Lock()
	id := Id(t.nextPid)
	t.nextPid++
	t.procs[id] = p
	t.mu.Unlock()
	p.SetPid(id)
	return id
}

// Get looks up a live process by pid.
func (t *Table) Get(id Id) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[id]
	return p, ok
}

// Remove deletes id's table slot, matching spec.md §3.6's terminal state
// ("removed from the table"). Callers call this only after the process's
// address space has been reaped (see Scheduler.Run).
func (t *Table) Remove(id Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, id)
}

// Len reports the number of live processes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
