package pipe

import "sync/atomic"

// RingBufferStats are per-pipe transaction counters, exposed read-only to
// the owning process for diagnostics.
type RingBufferStats struct {
	committed atomic.Uint64 // bytes committed across every successful write
	commits   atomic.Uint64 // number of committed write transactions
	dropped   atomic.Uint64 // bytes written into a transaction later dropped
	drops     atomic.Uint64 // number of dropped (uncommitted) write transactions
	errors    atomic.Uint64 // write overflow errors
	txs       atomic.Uint64 // total transactions opened (write or read)
}

// Snapshot reads every counter; not atomic as a whole, but each field is
// individually consistent.
type StatsSnapshot struct {
	Committed, Commits, Dropped, Drops, Errors, Txs uint64
}

func (s *RingBufferStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Committed: s.committed.Load(),
		Commits:   s.commits.Load(),
		Dropped:   s.dropped.Load(),
		Drops:     s.drops.Load(),
		Errors:    s.errors.Load(),
		Txs:       s.txs.Load(),
	}
}
