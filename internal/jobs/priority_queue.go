package jobs

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrNilHandle is returned when attempting to push a nil handle.
var ErrNilHandle = errors.New("cannot push nil handle")

// PriorityQueue is a thread-safe priority queue of job handles.
// Handles with higher Priority values are dequeued first.
// When priorities are equal, handles are processed in FIFO order.
type PriorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  handleHeap
	seq    uint64 // Sequence number for FIFO ordering within same priority
	closed bool
}

// NewPriorityQueue creates a new priority queue.
func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{items: make(handleHeap, 0)}
	pq.cond = sync.NewCond(&pq.mu)
	heap.Init(&pq.items)
	return pq
}

// Push adds a handle to the queue.
func (pq *PriorityQueue) Push(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}

	pq.mu.Lock()
	pq.seq++
	h.seq = pq.seq
	heap.Push(&pq.items, h)
	pq.mu.Unlock()

	// Waiters filter by minimum priority, so every one of them must look.
	pq.cond.Broadcast()
	return nil
}

// Pop removes and returns the highest priority handle whose priority is at
// least minPriority. Blocks until one is available or the queue is closed.
// Returns nil once closed.
func (pq *PriorityQueue) Pop(minPriority int) *Handle {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for {
		if pq.closed {
			return nil
		}
		if pq.items.Len() > 0 && pq.items[0].Priority >= minPriority {
			return heap.Pop(&pq.items).(*Handle)
		}
		pq.cond.Wait()
	}
}

// TryPop attempts to pop without blocking.
// Returns nil if queue is empty.
func (pq *PriorityQueue) TryPop() *Handle {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&pq.items).(*Handle)
}

// Remove takes h out of the queue. It reports whether h was queued.
func (pq *PriorityQueue) Remove(h *Handle) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if h.index < 0 || h.index >= pq.items.Len() || pq.items[h.index] != h {
		return false
	}
	heap.Remove(&pq.items, h.index)
	return true
}

// Drain removes and returns every queued handle.
func (pq *PriorityQueue) Drain() []*Handle {
	var out []*Handle
	for h := pq.TryPop(); h != nil; h = pq.TryPop() {
		out = append(out, h)
	}
	return out
}

// Close wakes every blocked Pop. Pushes after Close are kept but never
// popped by a blocking Pop.
func (pq *PriorityQueue) Close() {
	pq.mu.Lock()
	pq.closed = true
	pq.mu.Unlock()
	pq.cond.Broadcast()
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.items.Len()
}

// Stats returns queue statistics by priority level.
func (pq *PriorityQueue) Stats() PriorityQueueStats {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	stats := PriorityQueueStats{
		Total: pq.items.Len(),
		Seq:   pq.seq,
	}

	for _, h := range pq.items {
		switch {
		case h.Priority >= PriorityUrgent:
			stats.Urgent++
		case h.Priority >= PriorityCurrentPage:
			stats.CurrentPage++
		case h.Priority >= PriorityPreload:
			stats.Preload++
		default:
			stats.Thumbnail++
		}
	}

	return stats
}

// PriorityQueueStats reports queue depth by priority level.
type PriorityQueueStats struct {
	Total       int    `json:"total"`
	Urgent      int    `json:"urgent"`
	CurrentPage int    `json:"current_page"`
	Preload     int    `json:"preload"`
	Thumbnail   int    `json:"thumbnail"`
	Seq         uint64 `json:"seq"`
}

// handleHeap implements heap.Interface for handles.
// Higher priority items come first. Equal priorities use FIFO (lower seq first).
type handleHeap []*Handle

func (h handleHeap) Len() int { return len(h) }

func (h handleHeap) Less(i, j int) bool {
	// Higher priority comes first (max-heap behavior)
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	// Same priority: lower sequence number (earlier) comes first (FIFO)
	return h[i].seq < h[j].seq
}

func (h handleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *handleHeap) Push(x any) {
	item := x.(*Handle)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *handleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}
