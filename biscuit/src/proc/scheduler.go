package proc

import (
	"sync"

	"aspace"
)

// Scheduler is the process table's single FIFO run queue: no priority, no
// fairness beyond arrival order, and no preemption quantum beyond whatever
// the caller's step function simulates for the APIC tick (spec.md §4.7.2).
type Scheduler struct {
	mu    sync.Mutex
	queue []Id

	// base is switched to before a Dead process's address space is
	// reaped, satisfying aspace.Close's "must not be the currently
	// loaded space" precondition (spec.md §3.5).
	base *aspace.AddressSpace
}

// NewScheduler builds an empty scheduler. base is the address space every
// CPU sits in between user processes (the kernel's own).
func NewScheduler(base *aspace.AddressSpace) *Scheduler {
	return &Scheduler{base: base}
}

// Enqueue appends pid to the tail of the run queue.
func (s *Scheduler) Enqueue(pid Id) {
	s.mu.Lock()
	s.queue = append(s.queue, pid)
	s.mu.Unlock()
}

// Dequeue removes and returns the pid at the head of the queue, or
// ok=false if empty.
func (s *Scheduler) Dequeue() (Id, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	pid := s.queue[0]
	s.queue = s.queue[1:]
	return pid, true
}

// Len reports the number of runnable pids currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run drives the scheduler loop until the queue goes empty: dequeue the
// head pid, enter user mode via step, requeue at the tail if preempted,
// otherwise (the process yielded or exited) reap it if it is Dead.
//
// spec.md §9's open question on an empty FIFO's sched_yield semantics is
// resolved here as "the loop simply ends" rather than halting or
// busy-waiting the CPU: idling the physical core is a policy of whatever
// per-CPU main loop calls Run, not of the scheduler itself.
func (s *Scheduler) Run(table *Table, step func(*Process) bool) {
	for {
		pid, ok := s.Dequeue()
		if !ok {
			return
		}
		p, ok := table.Get(pid)
		if !ok {
			continue // exited and reaped between enqueue and dequeue
		}
		if p.EnterUserMode(step) {
			s.Enqueue(pid)
			continue
		}
		if p.State == Dead {
			s.reap(table, p)
		}
	}
}

// reap switches to the scheduler's base address space (vacating p's, which
// must not be torn down while loaded) and then frees p's address space and
// table slot.
func (s *Scheduler) reap(table *Table, p *Process) {
	if p.AS.IsLoaded() {
		s.base.SwitchTo()
	}
	p.AS.Close()
	table.Remove(p.Pid)
}
