package heap

// clipCapacity is how many free cells a Clip holds before it must drain
// back to the owning FixedSizeAllocator.
const clipCapacity = 32
const clipRefillTarget = clipCapacity / 2

// Clip is a fixed-capacity LIFO of recently freed cells for one size class,
// meant to be owned by a single caller (a kernel thread, in the original;
// here whatever goroutine or worker holds the Clip value) so the common
// allocate/free path never touches the FixedSizeAllocator's lock.
type Clip struct {
	owner *FixedSizeAllocator
	cells [clipCapacity]uint64
	n     int
}

// NewClip builds an empty cache over owner.
func NewClip(owner *FixedSizeAllocator) *Clip {
	return &Clip{owner: owner}
}

// Take pops a cell from the cache, refilling from the FSA under lock if the
// cache is empty.
func (c *Clip) Take() (uint64, bool) {
	if c.n == 0 {
		got := c.owner.refillClip(c.cells[:clipRefillTarget])
		c.n = got
	}
	if c.n == 0 {
		return 0, false
	}
	c.n--
	return c.cells[c.n], true
}

// Put pushes cell onto the cache, draining half of it to the FSA under lock
// if the cache is full.
func (c *Clip) Put(cell uint64) {
	if c.n == clipCapacity {
		half := clipCapacity / 2
		c.owner.drainClip(c.cells[:half])
		copy(c.cells[:], c.cells[half:c.n])
		c.n -= half
	}
	c.cells[c.n] = cell
	c.n++
}
