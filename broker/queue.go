// Package broker implements the regional relay tier: a bounded priority
// queue fed by stations, a durable record log, a per-destination circuit
// breaker and the retry scheduler that drains everything towards the central
// tally.
package broker

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/suffragium/suffragium/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. A full
// queue refuses work, it never drops it.
var ErrQueueFull = errors.New("broker queue is full")

// QueueItem is one queued delivery, ordered by (priority, arrivalTime, seq).
type QueueItem struct {
	BallotID    types.BallotID
	Priority    int
	ArrivalTime time.Time
	seq         uint64
}

// Queue is a bounded priority queue. Multiple producers, a single consumer
// (the scheduler). Signal fires when an item becomes available.
type Queue struct {
	mu       sync.Mutex
	items    queueHeap
	capacity int
	seq      uint64
	signal   chan struct{}
	members  map[string]struct{} // ballotIds currently queued
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
		members:  make(map[string]struct{}),
	}
}

// Enqueue adds a delivery. Returns ErrQueueFull at capacity. Enqueueing a
// ballotId already queued is a success no-op.
func (q *Queue) Enqueue(ballotID types.BallotID, priority int, arrivalTime time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := string(ballotID)
	if _, ok := q.members[key]; ok {
		return nil
	}
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, &QueueItem{
		BallotID:    ballotID,
		Priority:    priority,
		ArrivalTime: arrivalTime,
		seq:         q.seq,
	})
	q.members[key] = struct{}{}
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority item, or nil when the
// queue is empty.
func (q *Queue) Dequeue() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*QueueItem)
	delete(q.members, string(item.BallotID))
	return item
}

// Signal returns the channel that fires when an item is enqueued.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Full reports whether the queue is at capacity.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// Drain empties the queue and returns the removed items, in order. Admin
// operation.
func (q *Queue) Drain() []*QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var drained []*QueueItem
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(*QueueItem)
		delete(q.members, string(item.BallotID))
		drained = append(drained, item)
	}
	return drained
}

// queueHeap orders by priority (lower value first), then arrivalTime, then
// insertion sequence.
type queueHeap []*QueueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].ArrivalTime.Equal(h[j].ArrivalTime) {
		return h[i].ArrivalTime.Before(h[j].ArrivalTime)
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) {
	*h = append(*h, x.(*QueueItem))
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
