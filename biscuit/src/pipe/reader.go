package pipe

// ReadBuffer is the consumer's half of a ring; it shares the underlying
// RingBuffer with a WriteBuffer but only exposes read-side operations.
type ReadBuffer struct {
	rb *RingBuffer
}

// Stats returns the ring's transaction counters.
func (r *ReadBuffer) Stats() StatsSnapshot { return r.rb.Stats.Snapshot() }

// ReadTx is an in-flight read transaction: records returned by Read are
// tracked so Commit can rewrite their state bytes to Read in one batch.
type ReadTx struct {
	r    *ReadBuffer
	head uint64
	seen []uint64
}

// ReadTx opens a read transaction. Returns ok=false if the ring is closed.
func (r *ReadBuffer) ReadTx() (*ReadTx, bool) {
	if r.rb.isClosed() {
		return nil, false
	}
	r.rb.mu.Lock()
	head := r.rb.head
	r.rb.mu.Unlock()
	r.rb.Stats.txs.Add(1)
	return &ReadTx{r: r, head: head}, true
}

// Read returns the next record in [head, tail), or ok=false if there is
// none yet (Clear), the ring has caught up to the published tail, or the
// writer has closed the ring.
func (tx *ReadTx) Read() ([]byte, bool) {
	rb := tx.r.rb
	rb.mu.Lock()
	tail := rb.tail
	rb.mu.Unlock()
	if tx.head == tail {
		return nil, false
	}
	state, size := rb.getHeader(tx.head)
	switch state {
	case Written:
		data := rb.copyOut(tx.head+rb.headerSize, size)
		tx.seen = append(tx.seen, tx.head)
		tx.head += rb.headerSize + size
		return data, true
	case Closed:
		rb.closed.Store(true)
		return nil, false
	default: // Clear: nothing past here is ready yet
		return nil, false
	}
}

// Commit rewrites the state byte of every record this transaction returned
// to Read and publishes head := tx.head.
func (tx *ReadTx) Commit() {
	rb := tx.r.rb
	for _, pos := range tx.seen {
		rb.setState(pos, Read)
	}
	rb.mu.Lock()
	rb.head = tx.head
	rb.mu.Unlock()
}

// Close writes a Closed header at the reader's current head. This is the
// asymmetric half of the close policy: any writer payload already staged
// past this point but not yet committed is discarded, since the writer
// never published it past its own tail anyway; anything the writer had
// committed is simply never read.
func (r *ReadBuffer) Close() {
	rb := r.rb
	rb.mu.Lock()
	head := rb.head
	rb.mu.Unlock()
	rb.putHeader(head, Closed, 0)
	rb.closed.Store(true)
}
