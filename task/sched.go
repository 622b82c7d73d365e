package task

import (
	"context"
	"sync"
)

// Scheduler runs tasks one at a time. Every task is a goroutine, but a
// goroutine only executes while it holds its task's baton, and the host
// loop in Run hands the baton to exactly one task at a time. A task
// gives control back by parking; the loop then picks the next runnable
// task or runs work posted from outside.
type Scheduler struct {
	mu      sync.Mutex
	runq    []*Task
	posted  []func()
	live    int
	running bool

	kick chan struct{}
	idle chan struct{}

	current *Task
}

func newScheduler() *Scheduler {
	return &Scheduler{
		kick: make(chan struct{}, 1),
		idle: make(chan struct{}),
	}
}

// Current returns the task holding the baton, if any.
func (s *Scheduler) Current() *Task {
	return s.current
}

// Live returns the number of tasks that have not finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Runnable returns the number of tasks waiting for the baton.
func (s *Scheduler) Runnable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runq)
}

func (s *Scheduler) ready(t *Task) {
	s.mu.Lock()
	if !t.queued {
		t.queued = true
		s.runq = append(s.runq, t)
	}
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runq) == 0 {
		return nil
	}
	t := s.runq[0]
	s.runq = s.runq[1:]
	t.queued = false
	return t
}

func (s *Scheduler) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the host loop between task switches.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()
	s.poke()
}

// Do runs fn on the host loop and waits for it. When the loop is not
// running fn is called directly. Do must not be called by a task.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		fn()
		return nil
	}
	done := make(chan struct{})
	s.posted = append(s.posted, func() {
		fn()
		close(done)
	})
	s.mu.Unlock()
	s.poke()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drain() bool {
	s.mu.Lock()
	posted := s.posted
	s.posted = nil
	s.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
	return len(posted) > 0
}

// Run is the host loop. It returns once no live task remains. When ctx
// is done, stop is posted once; it is expected to make every task
// finish.
func (s *Scheduler) Run(ctx context.Context, stop func()) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.drain()
	}()
	done := ctx.Done()
	for {
		s.drain()
		if t := s.next(); t != nil {
			s.switchTo(t)
			continue
		}
		if s.Live() == 0 {
			return
		}
		select {
		case <-s.kick:
		case <-done:
			done = nil
			s.Post(stop)
		}
	}
}

func (s *Scheduler) switchTo(t *Task) {
	s.current = t
	t.baton <- struct{}{}
	<-s.idle
	s.current = nil
}

// park gives the baton back and waits to be picked again.
func (s *Scheduler) park(t *Task) {
	s.idle <- struct{}{}
	<-t.baton
}

func (s *Scheduler) started() {
	s.mu.Lock()
	s.live++
	s.mu.Unlock()
}

func (s *Scheduler) exited() {
	s.mu.Lock()
	s.live--
	s.mu.Unlock()
}
