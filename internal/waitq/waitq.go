// Package waitq provides the wakeup points tasks sleep on.
//
// A waiter snapshots Seq, checks its condition, and if it must sleep
// registers itself and sleeps until Seq moves past the snapshot. Any
// Notify between the snapshot and the sleep is therefore never lost.
package waitq

import "sync"

// Waker is anything that can be woken by a queue, usually a task.
type Waker interface {
	Wake()
}

type Queue struct {
	mu      sync.Mutex
	seq     uint64
	waiters []Waker
}

// Seq returns the current notification sequence number.
func (q *Queue) Seq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// Changed reports whether a Notify happened since seq was taken.
func (q *Queue) Changed(seq uint64) bool {
	return q.Seq() != seq
}

func (q *Queue) Add(w Waker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ww := range q.waiters {
		if ww == w {
			return
		}
	}
	q.waiters = append(q.waiters, w)
}

func (q *Queue) Remove(w Waker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ww := range q.waiters {
		if ww == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered waiters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Notify advances the sequence and wakes every waiter. Waiters stay
// registered until they remove themselves.
func (q *Queue) Notify() {
	q.mu.Lock()
	q.seq++
	waiters := append([]Waker(nil), q.waiters...)
	q.mu.Unlock()
	for _, w := range waiters {
		w.Wake()
	}
}

// NotifyAll notifies each non-nil queue.
func NotifyAll(qs ...*Queue) {
	for _, q := range qs {
		if q != nil {
			q.Notify()
		}
	}
}

// WakerFunc adapts a function to Waker.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }
