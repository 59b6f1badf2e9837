package webhooks

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/n1ur0/off-the-grid/internal/model"
)

type delayedItem struct {
	at  time.Time
	seq uint64
	d   model.Delivery
}

type delayHeap []delayedItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayedItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// DelayQueue holds deliveries until their NextRetryAt, ordered by due time.
type DelayQueue struct {
	clock clockwork.Clock
	mu    sync.Mutex
	items delayHeap
	seq   uint64
	wake  chan struct{}
}

func NewDelayQueue(clock clockwork.Clock) *DelayQueue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DelayQueue{clock: clock, wake: make(chan struct{})}
}

// Push schedules d at d.NextRetryAt, or immediately when unset.
func (q *DelayQueue) Push(d model.Delivery) {
	at := q.clock.Now()
	if d.NextRetryAt != nil {
		at = *d.NextRetryAt
	}
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, delayedItem{at: at, seq: q.seq, d: d})
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Pop blocks until the earliest item is due or ctx is done.
func (q *DelayQueue) Pop(ctx context.Context) (model.Delivery, error) {
	for {
		q.mu.Lock()
		var timer clockwork.Timer
		var due <-chan time.Time
		if len(q.items) > 0 {
			head := q.items[0]
			now := q.clock.Now()
			if !head.at.After(now) {
				heap.Pop(&q.items)
				q.mu.Unlock()
				return head.d, nil
			}
			timer = q.clock.NewTimer(head.at.Sub(now))
			due = timer.Chan()
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return model.Delivery{}, ctx.Err()
		case <-due:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns everything still queued, due or not.
func (q *DelayQueue) Drain() []model.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Delivery, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(delayedItem).d)
	}
	return out
}
