package cdpshim

import (
	"container/heap"
	"time"
)

// scheduled is a delayed callback.
type scheduled struct {
	due time.Time
	seq uint64
	fn  func()
}

// schedule is a deadline ordered queue of callbacks, drained by a single
// goroutine. Callbacks with the same due time run in the order they were
// added. A schedule is not safe for concurrent use.
type schedule struct {
	items queue
	seq   uint64
	timer *time.Timer
}

func newSchedule() *schedule {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &schedule{timer: timer}
}

// add schedules fn to run after d.
func (s *schedule) add(d time.Duration, fn func()) {
	s.seq++
	heap.Push(&s.items, &scheduled{
		due: time.Now().Add(d),
		seq: s.seq,
		fn:  fn,
	})
}

// cancelAll drops every pending callback and stops the timer.
func (s *schedule) cancelAll() {
	s.items = nil
	s.timer.Stop()
}

// wake arms the timer for the earliest pending callback, returning its
// channel, or nil when nothing is pending.
func (s *schedule) wake() <-chan time.Time {
	if len(s.items) == 0 {
		s.timer.Stop()
		return nil
	}
	s.timer.Reset(time.Until(s.items[0].due))
	return s.timer.C
}

// runDue runs every callback that is due. A callback may add callbacks or
// cancel them all.
func (s *schedule) runDue() {
	now := time.Now()
	for len(s.items) != 0 && !s.items[0].due.After(now) {
		item := heap.Pop(&s.items).(*scheduled)
		item.fn()
	}
}

// queue implements heap.Interface.
type queue []*scheduled

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *queue) Push(x interface{}) {
	*q = append(*q, x.(*scheduled))
}

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
