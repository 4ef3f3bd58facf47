// Package queue provides the time-ordered schedule queue shared by the
// submission service and the dispatch loop.
//
// All operations are serialized by a single mutex. Ordering is by due time,
// then submit time, then insertion order.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"batchd/internal/job"
)

var (
	ErrNotFound = errors.New("no matching job in queue")
	ErrNotDue   = errors.New("earliest job is not due yet")
)

type entry struct {
	job *job.Job
	seq uint64
	idx int
}

func less(a, b *entry) bool {
	ad, bd := a.job.DueTime(), b.job.DueTime()
	if !ad.Equal(bd) {
		return ad.Before(bd)
	}
	as, bs := a.job.SubmitTime(), b.job.SubmitTime()
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	return a.seq < b.seq
}

// entryHeap implements heap.Interface and keeps idx current for heap.Remove.
type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// Queue is safe for concurrent use.
type Queue struct {
	mu   sync.Mutex
	h    entryHeap
	byID map[string]*entry
	seq  uint64

	wake chan struct{}
}

func New() *Queue {
	return &Queue{
		byID: map[string]*entry{},
		wake: make(chan struct{}, 1),
	}
}

// Wake fires (coalesced) after every mutation. It is meant for a single consumer.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Insert adds j at its ordered position.
func (q *Queue) Insert(j *job.Job) {
	if j == nil {
		return
	}
	q.mu.Lock()
	q.seq++
	e := &entry{job: j, seq: q.seq}
	heap.Push(&q.h, e)
	q.byID[j.ID()] = e
	q.mu.Unlock()
	q.signal()
}

// PeekEarliest returns the head without removing it.
func (q *Queue) PeekEarliest() (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil, ErrNotFound
	}
	return q.h[0].job, nil
}

// RemoveEarliest removes and returns the head.
func (q *Queue) RemoveEarliest() (*job.Job, error) {
	q.mu.Lock()
	j, err := q.popLocked(nil)
	q.mu.Unlock()
	if err == nil {
		q.signal()
	}
	return j, err
}

// RemoveEarliestDue removes the head only if it is due at now. The check and
// the removal happen under one lock, so a concurrent cancel can never cause a
// not-yet-due job to be returned.
func (q *Queue) RemoveEarliestDue(now time.Time) (*job.Job, error) {
	q.mu.Lock()
	j, err := q.popLocked(func(j *job.Job) bool { return j.IsDue(now) })
	q.mu.Unlock()
	if err == nil {
		q.signal()
	}
	return j, err
}

// popLocked removes the head if accept allows it. Call with q.mu held.
func (q *Queue) popLocked(accept func(*job.Job) bool) (*job.Job, error) {
	if len(q.h) == 0 {
		return nil, ErrNotFound
	}
	if accept != nil && !accept(q.h[0].job) {
		return nil, ErrNotDue
	}
	e := heap.Pop(&q.h).(*entry)
	delete(q.byID, e.job.ID())
	return e.job, nil
}

// RemoveByIdentity removes the job with the given id wherever it sits.
func (q *Queue) RemoveByIdentity(id string) (*job.Job, error) {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return nil, ErrNotFound
	}
	heap.Remove(&q.h, e.idx)
	delete(q.byID, id)
	q.mu.Unlock()
	q.signal()
	return e.job, nil
}

// Snapshot returns the pending jobs in dispatch order. The slice is a fresh
// copy; jobs themselves are immutable.
func (q *Queue) Snapshot() []*job.Job {
	q.mu.Lock()
	es := make([]*entry, len(q.h))
	copy(es, q.h)
	q.mu.Unlock()

	sort.Slice(es, func(i, k int) bool { return less(es[i], es[k]) })
	out := make([]*job.Job, len(es))
	for i, e := range es {
		out[i] = e.job
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.h)
	q.mu.Unlock()
	return n
}
