package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// queue orders deliveries by (VisibleAfter, arrival). Visible deliveries come
// out in arrival order; scheduled retries stay invisible until their instant.
//
// Push enforces the cap so webhook intake is bounded. PushRequeue bypasses it:
// a delivery that already holds a queue slot must never lose it to fresh
// intake when it comes back for another attempt.
type queue struct {
	mu    sync.Mutex
	items deliveryHeap
	seq   uint64
	max   int

	// spaceCh is pinged when an item leaves, so bounded waiters can retry.
	spaceCh chan struct{}
}

func newQueue(max int) *queue {
	return &queue{max: max, spaceCh: make(chan struct{}, 1)}
}

func (q *queue) space() <-chan struct{} { return q.spaceCh }

func (q *queue) signalSpace() {
	select {
	case q.spaceCh <- struct{}{}:
	default:
	}
}

// Push admits d if the queue has room.
func (q *queue) Push(d *Delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && q.items.Len() >= q.max {
		return false
	}
	q.pushLocked(d)
	return true
}

// PushRequeue admits d regardless of the cap.
func (q *queue) PushRequeue(d *Delivery) {
	q.mu.Lock()
	q.pushLocked(d)
	q.mu.Unlock()
}

func (q *queue) pushLocked(d *Delivery) {
	q.seq++
	heap.Push(&q.items, &queueItem{d: d, seq: q.seq})
}

// Next pops the head if it is visible at now. Otherwise it returns nil and
// how long until the head becomes visible, or wait < 0 when empty.
func (q *queue) Next(now time.Time) (d *Delivery, wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, -1
	}
	head := q.items[0]
	if head.d.VisibleAfter.After(now) {
		return nil, head.d.VisibleAfter.Sub(now)
	}
	heap.Pop(&q.items)
	q.signalSpace()
	return head.d, 0
}

func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type queueItem struct {
	d   *Delivery
	seq uint64
}

type deliveryHeap []*queueItem

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	vi, vj := h[i].d.VisibleAfter, h[j].d.VisibleAfter
	if vi.Equal(vj) {
		return h[i].seq < h[j].seq
	}
	return vi.Before(vj)
}

func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
