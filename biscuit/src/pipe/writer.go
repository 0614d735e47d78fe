package pipe

import "kerrors"

// WriteBuffer is the producer's half of a ring; it shares the underlying
// RingBuffer with a ReadBuffer but only exposes write-side operations.
type WriteBuffer struct {
	rb *RingBuffer
}

// Stats returns the ring's transaction counters.
func (w *WriteBuffer) Stats() StatsSnapshot { return w.rb.Stats.Snapshot() }

// WriteTx is an in-flight write transaction: a snapshot of head/tail taken
// at WriteTx time, advanced locally by Write calls until Commit publishes
// it or the transaction is simply dropped.
type WriteTx struct {
	w        *WriteBuffer
	head     uint64
	origTail uint64
	tail     uint64
	wrote    uint64
	done     bool
}

// WriteTx opens a write transaction, first reclaiming any space the reader
// has finished with. Returns ok=false if the ring is closed.
func (w *WriteBuffer) WriteTx() (*WriteTx, bool) {
	if w.rb.isClosed() {
		return nil, false
	}
	w.rb.advanceHead()
	w.rb.mu.Lock()
	head, tail := w.rb.head, w.rb.tail
	w.rb.mu.Unlock()
	w.rb.Stats.txs.Add(1)
	return &WriteTx{w: w, head: head, origTail: tail, tail: tail + w.rb.headerSize}, true
}

func (tx *WriteTx) capacity() uint64 {
	rb := tx.w.rb
	used := tx.tail - tx.head
	if used+stateSize >= rb.realSize {
		return 0
	}
	return rb.realSize - used - stateSize
}

// Overflow describes a write that would not fit in the transaction's
// remaining capacity. Write does not return it: an overflowing Write
// returns kerrors.Overflow and counts the error in Stats.
type Overflow struct {
	Capacity, Len, ExceedingObjectLen uint64
}

func (o Overflow) Error() string { return "pipe: write overflows ring capacity" }

// Write appends data to the transaction's pending payload. It refreshes the
// head snapshot (the reader may have released more records since WriteTx)
// before computing capacity.
func (tx *WriteTx) Write(data []byte) kerrors.Err_t {
	rb := tx.w.rb
	rb.advanceHead()
	rb.mu.Lock()
	tx.head = rb.head
	rb.mu.Unlock()

	if uint64(len(data)) > tx.capacity() {
		rb.Stats.errors.Add(1)
		return kerrors.Overflow
	}
	rb.copyIn(tx.tail, data)
	tx.tail += uint64(len(data))
	tx.wrote += uint64(len(data))
	return kerrors.Ok
}

// Commit publishes the transaction: the record header is written at the
// transaction's original tail with state Written and the payload size, and
// the ring's tail advances to the transaction's tail.
func (tx *WriteTx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	rb := tx.w.rb
	rb.putHeader(tx.origTail, Written, tx.wrote)
	rb.mu.Lock()
	rb.tail = tx.tail
	rb.mu.Unlock()
	rb.Stats.committed.Add(tx.wrote)
	rb.Stats.commits.Add(1)
}

// Drop abandons the transaction without publishing it: the header at
// origTail is left Clear, and if any bytes were written the ring's drop
// counters are bumped. The ring's tail is untouched.
func (tx *WriteTx) Drop() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.wrote > 0 {
		tx.w.rb.Stats.dropped.Add(tx.wrote)
		tx.w.rb.Stats.drops.Add(1)
	}
}

// advanceHead reclaims space for every consecutive Read record starting at
// the ring's current head. It stops at the first Written record, and
// treats a Clear or Closed header found strictly inside [head, tail) as
// corruption from the peer, closing the ring.
func (rb *RingBuffer) advanceHead() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.head != rb.tail {
		state, size := rb.getHeader(rb.head)
		switch state {
		case Read:
			rb.head += rb.headerSize + size
		case Written:
			return
		case Closed:
			rb.closed.Store(true)
			return
		default: // Clear in the middle of a live range: peer corrupted the ring
			rb.closed.Store(true)
			return
		}
	}
}

// Close writes a Closed header at the writer's current tail. After Close,
// both WriteTx and the reader's ReadTx return not-ok.
func (w *WriteBuffer) Close() {
	rb := w.rb
	rb.mu.Lock()
	tail := rb.tail
	rb.mu.Unlock()
	rb.putHeader(tail, Closed, 0)
	rb.closed.Store(true)
}
