package piece

import "sync"

// Queue is the per-peer FIFO of block tasks. The supervisor pushes while the
// owning peer session pops; neither side holds the lock across I/O.
type Queue struct {
	mut    sync.RWMutex
	blocks []Block
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends blocks in order.
func (q *Queue) Push(blocks ...Block) {
	if len(blocks) == 0 {
		return
	}

	q.mut.Lock()
	q.blocks = append(q.blocks, blocks...)
	q.mut.Unlock()
}

// PushFront puts blocks back at the head of the queue preserving their
// order. Sessions use it to hand back tasks they could not finish.
func (q *Queue) PushFront(blocks ...Block) {
	if len(blocks) == 0 {
		return
	}

	q.mut.Lock()
	merged := make([]Block, 0, len(blocks)+len(q.blocks))
	merged = append(merged, blocks...)
	q.blocks = append(merged, q.blocks...)
	q.mut.Unlock()
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (Block, bool) {
	q.mut.Lock()
	defer q.mut.Unlock()

	if len(q.blocks) == 0 {
		return Block{}, false
	}

	b := q.blocks[0]
	q.blocks[0] = Block{}
	q.blocks = q.blocks[1:]
	if len(q.blocks) == 0 {
		q.blocks = nil
	}

	return b, true
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mut.RLock()
	defer q.mut.RUnlock()

	return len(q.blocks)
}

// Snapshot returns a copy of the pending tasks in queue order.
func (q *Queue) Snapshot() []Block {
	q.mut.RLock()
	defer q.mut.RUnlock()

	return append([]Block(nil), q.blocks...)
}
