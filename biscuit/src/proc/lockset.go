package proc

import "kerrors"

// LockSet is the acquired lock state behind one dual-process syscall
// (spec.md §4.7.4): Same when caller and target coincide, Dst when only
// the target need be held, or Different when both are locked together, in
// ascending-pid order, so a syscall running the other direction
// concurrently can never deadlock against this one.
type LockSet struct {
	kind lockKind
	a, b *Process
}

type lockKind int

const (
	lockSame lockKind = iota
	lockDst
	lockDifferent
)

func lockSameOf(p *Process) *LockSet {
	p.mu.Lock()
	return &LockSet{kind: lockSame, a: p}
}

func lockDstOf(p *Process) *LockSet {
	p.mu.Lock()
	return &LockSet{kind: lockDst, a: p}
}

func lockDifferentOf(src, dst *Process) *LockSet {
	first, second := src, dst
	if dst.Pid < src.Pid {
		first, second = dst, src
	}
	first.mu.Lock()
	second.mu.Lock()
	return &LockSet{kind: lockDifferent, a: first, b: second}
}

// Unlock releases whatever this set holds, in the reverse order acquired.
func (l *LockSet) Unlock() {
	switch l.kind {
	case lockDifferent:
		l.b.mu.Unlock()
		l.a.mu.Unlock()
	default:
		l.a.mu.Unlock()
	}
}

// decodeDstPid interprets a raw ABI dst_pid argument: 0 names Current (the
// caller itself); any other value names a specific pid.
func decodeDstPid(raw uint64) (id Id, isCurrent bool) {
	if raw == 0 {
		return 0, true
	}
	return Id(raw), false
}

// resolveTarget finds the process dstPid names and checks the permission
// relation spec.md §4.7.4 requires: the caller itself, or a direct child
// of the caller. Everything else is PermissionDenied.
func resolveTarget(table *Table, caller *Process, dstPid Id, isCurrent bool) (*Process, kerrors.Err_t) {
	if isCurrent {
		return caller, kerrors.Ok
	}
	dst, ok := table.Get(dstPid)
	if !ok {
		return nil, kerrors.NoProcess
	}
	parent, hasParent := dst.ParentId()
	if !hasParent || parent != caller.Pid {
		return nil, kerrors.PermissionDenied
	}
	return dst, kerrors.Ok
}

// ResolveDst resolves dstPid and locks only the target process, for
// syscalls that operate purely on it (Map, Unmap, SetState, SetTrapHandler).
func ResolveDst(table *Table, caller *Process, dstPid Id, isCurrent bool) (*Process, *LockSet, kerrors.Err_t) {
	dst, err := resolveTarget(table, caller, dstPid, isCurrent)
	if err != kerrors.Ok {
		return nil, nil, err
	}
	return dst, lockDstOf(dst), kerrors.Ok
}

// ResolveSrcDst resolves dstPid and locks both caller and target: Same if
// they coincide, Different (ascending pid order) otherwise. Used by
// syscalls that read or write state belonging to both sides (CopyMapping).
func ResolveSrcDst(table *Table, caller *Process, dstPid Id, isCurrent bool) (*Process, *LockSet, kerrors.Err_t) {
	dst, err := resolveTarget(table, caller, dstPid, isCurrent)
	if err != kerrors.Ok {
		return nil, nil, err
	}
	if dst == caller {
		return dst, lockSameOf(caller), kerrors.Ok
	}
	return dst, lockDifferentOf(caller, dst), kerrors.Ok
}
