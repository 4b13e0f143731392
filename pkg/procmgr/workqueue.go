package procmgr

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// WorkQueue holds children waiting for their next sync, ordered by the
// time they become ready.
type WorkQueue interface {
	// Enqueue schedules id after delay. An id already queued keeps the
	// earlier of the two ready times.
	Enqueue(id ChildID, delay time.Duration)

	// Dequeue pops the earliest item if it is ready.
	Dequeue() (ChildID, bool)

	Len() int

	// Next returns the ready time of the earliest item.
	Next() (time.Time, bool)

	// Wait returns a channel signalled whenever the queue changes.
	Wait() <-chan struct{}
}

type workQueue struct {
	mu       sync.Mutex
	items    itemHeap
	index    map[ChildID]*queueItem
	notifyCh chan struct{}
	now      func() time.Time
}

type queueItem struct {
	id      ChildID
	readyAt time.Time
	pos     int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*queueItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

// NewWorkQueue returns an empty queue.
func NewWorkQueue() WorkQueue {
	return &workQueue{
		index:    make(map[ChildID]*queueItem),
		notifyCh: make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *workQueue) Enqueue(id ChildID, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	readyAt := q.now().Add(delay)
	if it, ok := q.index[id]; ok {
		if readyAt.Before(it.readyAt) {
			it.readyAt = readyAt
			heap.Fix(&q.items, it.pos)
		}
	} else {
		it := &queueItem{id: id, readyAt: readyAt}
		heap.Push(&q.items, it)
		q.index[id] = it
	}
	q.notify()
}

func (q *workQueue) Dequeue() (ChildID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.now().Before(q.items[0].readyAt) {
		return "", false
	}
	it := heap.Pop(&q.items).(*queueItem)
	delete(q.index, it.id)
	return it.id, true
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].readyAt, true
}

func (q *workQueue) Wait() <-chan struct{} {
	return q.notifyCh
}

func (q *workQueue) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Jitter spreads d by up to ±fraction of its value. fraction is clamped to
// [0, 1].
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	multiplier := 1 + (rand.Float64()*2-1)*fraction
	return time.Duration(float64(d) * multiplier)
}

// ExponentialBackoff returns base*2^attempt capped at max, with ±25% jitter.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return Jitter(delay, 0.25)
}
