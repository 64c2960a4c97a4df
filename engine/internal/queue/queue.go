package queue

import (
	"container/heap"
	"sync"

	"batcom/engine/models"
)

// Queue is the prioritized command buffer the host drains. Ordering is total:
// higher assigned priority first, FIFO among equals. All operations are safe
// for concurrent use; the host drain may race engine enqueues.
type Queue struct {
	mu    sync.Mutex
	items cmdHeap
	seq   uint64
	limit int
}

// item wraps a command with its insertion sequence for stable FIFO tie-break.
type item struct {
	cmd models.Command
	seq uint64
}

type cmdHeap []item

func (h cmdHeap) Len() int { return len(h) }
func (h cmdHeap) Less(i, j int) bool {
	if h[i].cmd.AssignedPriority != h[j].cmd.AssignedPriority {
		return h[i].cmd.AssignedPriority > h[j].cmd.AssignedPriority
	}
	return h[i].seq < h[j].seq
}
func (h cmdHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *cmdHeap) Push(x any)        { *h = append(*h, x.(item)) }
func (h *cmdHeap) Pop() any          { old := *h; n := len(old); it := old[n-1]; *h = old[:n-1]; return it }

// New creates a queue bounded at limit entries. A non-positive limit means
// unbounded.
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// SetLimit adjusts the bound for subsequent enqueues.
func (q *Queue) SetLimit(limit int) {
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// Enqueue inserts cmd. When the bound is exceeded the lowest-priority tail is
// dropped and returned so the caller can record the loss; the new command
// itself may be the casualty if it ranks below everything held.
func (q *Queue) Enqueue(cmd models.Command) []models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, item{cmd: cmd, seq: q.seq})
	q.seq++
	if q.limit <= 0 || len(q.items) <= q.limit {
		return nil
	}
	return q.dropTail(len(q.items) - q.limit)
}

// dropTail removes n lowest-priority items. Caller holds the lock.
func (q *Queue) dropTail(n int) []models.Command {
	dropped := make([]models.Command, 0, n)
	for ; n > 0; n-- {
		worst := 0
		for i := 1; i < len(q.items); i++ {
			if q.items.Less(worst, i) {
				worst = i
			}
		}
		dropped = append(dropped, q.items[worst].cmd)
		heap.Remove(&q.items, worst)
	}
	return dropped
}

// Drain atomically removes and returns up to maxN highest-priority commands.
// A non-positive maxN drains everything.
func (q *Queue) Drain(maxN int) []models.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxN <= 0 || maxN > len(q.items) {
		maxN = len(q.items)
	}
	out := make([]models.Command, 0, maxN)
	for i := 0; i < maxN; i++ {
		out = append(out, heap.Pop(&q.items).(item).cmd)
	}
	return out
}

// Len reports current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue, returning how many commands were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}
