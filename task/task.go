package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/fdtable"
	"tractor.dev/cooper/internal/waitq"
	"tractor.dev/cooper/signal"
)

// State is the schedule state of a task.
type State int

const (
	Running State = iota
	Sleeping
	Stopped
	Unscheduled
)

func (s State) String() string {
	return [...]string{"running", "sleeping", "stopped", "unscheduled"}[s]
}

// Entry is where a task starts executing. Its return value is the
// thread's exit code.
type Entry func(t *Task) int

// Task is one schedulable thread.
type Task struct {
	k     *Kernel
	tid   int
	proc  *Process
	stage Stage
	state State

	blocked signal.Set
	pending signal.Set
	caught  []signal.Delivery

	fds *fdtable.Table
	fs  *FSContext
	mm  *MM

	baton    chan struct{}
	gen      int
	launched bool
	queued   bool
	fatal    bool
	async    int

	vfork     *Continuation
	vforkWait *Continuation

	regs Regs
	ctx  context.Context
	log  *slog.Logger
}

func (k *Kernel) newTask(tid int) *Task {
	t := &Task{
		k:     k,
		tid:   tid,
		baton: make(chan struct{}),
		state: Unscheduled,
		log:   k.log.With("tid", tid),
	}
	t.ctx = context.WithValue(context.Background(), TaskContextKey, t)
	k.tasks[tid] = t
	return t
}

func (t *Task) Tid() int            { return t.tid }
func (t *Task) Pid() int            { return t.proc.pid }
func (t *Task) Process() *Process   { return t.proc }
func (t *Task) Kernel() *Kernel     { return t.k }
func (t *Task) Stage() Stage        { return t.stage }
func (t *Task) State() State        { return t.state }
func (t *Task) Blocked() signal.Set { return t.blocked }

// Pending returns the signals pending for this thread, including those
// directed at its process.
func (t *Task) Pending() signal.Set { return t.pending | t.proc.pending }

func (t *Task) Files() *fdtable.Table { return t.fds }
func (t *Task) Memory() *MM           { return t.mm }

// Context carries the task for VFS operations.
func (t *Task) Context() context.Context { return t.ctx }

// Logger returns the task's logger.
func (t *Task) Logger() *slog.Logger { return t.log }

// Regs returns the register snapshot ptrace reports.
func (t *Task) Regs() Regs { return t.regs }

func (t *Task) SetRegs(r Regs) { t.regs = r }

func (t *Task) String() string {
	return fmt.Sprintf("task %d/%d", t.proc.pid, t.tid)
}

// StateCode is the derived run state shown in /proc: pending async I/O,
// then vfork suspension, then trace stop, then the schedule state.
func (t *Task) StateCode() byte {
	switch {
	case t.stage >= Zombie || t.proc.stage >= Zombie:
		return 'Z'
	case t.async > 0:
		return 'D'
	case t.vforkWait != nil:
		return 'V'
	case t.proc.traceStopped:
		return 't'
	}
	switch t.state {
	case Running:
		return 'R'
	case Sleeping:
		return 'S'
	case Stopped:
		return 'T'
	}
	return 'I'
}

// start runs entry on a new goroutine bound to t. A task gets a new
// goroutine for every image it executes; only the first one counts as
// a live task for the scheduler.
func (k *Kernel) start(t *Task, entry Entry) {
	t.gen++
	if !t.launched {
		t.launched = true
		k.sched.started()
	}
	go t.run(t.gen, entry)
	t.state = Running
	k.sched.ready(t)
}

func (t *Task) run(gen int, entry Entry) {
	s := t.k.sched
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("task panic", "panic", r, "stack", string(debug.Stack()))
			t.exitGroup(abi.Signaled(int(signal.SIGSEGV), t.proc.coreDump))
		}
		if t.gen == gen {
			t.terminate()
			s.exited()
		}
		s.idle <- struct{}{}
	}()
	<-t.baton
	if t.stage == Starting {
		t.stage = Live
		if t.proc.stage == Starting {
			t.proc.stage = Live
		}
	}
	t.afterSwitch()
	code := entry(t)
	t.Exit(code)
}

// park gives up the baton until the scheduler picks t again. A fatal
// condition set meanwhile is acted on before park returns.
func (t *Task) park() {
	t.k.sched.park(t)
	t.afterSwitch()
}

func (t *Task) afterSwitch() {
	if t.fatal {
		t.die()
	}
}

func (t *Task) current() bool {
	return t.k.sched.current == t
}

// Wake makes a sleeping task runnable. Stopped tasks only wake on
// continue or kill.
func (t *Task) Wake() {
	if t.state == Sleeping && t.stage < Terminating {
		t.state = Running
		t.k.sched.ready(t)
	}
}

var _ waitq.Waker = (*Task)(nil)

// resume makes a stopped task runnable.
func (t *Task) resume() {
	if t.stage < Terminating && t.state != Running {
		t.state = Running
		t.k.sched.ready(t)
	}
}

// kill sets the fatal flag and forces t to run so it can act on it.
func (t *Task) kill() {
	if t.stage >= Terminating {
		return
	}
	t.fatal = true
	if !t.current() && t.launched {
		t.state = Running
		t.k.sched.ready(t)
	}
}

func (t *Task) sleep() {
	t.state = Sleeping
	t.park()
	t.state = Running
}

// Yield lets every other runnable task run before returning.
func (t *Task) Yield() {
	if !t.current() {
		return
	}
	t.k.sched.ready(t)
	t.park()
}

// Breathe yields and then acts on pending signals. Loops that may run
// for long must call it to stay fair and killable.
func (t *Task) Breathe() error {
	t.Yield()
	return t.deliver(true)
}

// Stop stops the calling task's process as SIGSTOP would and returns
// once it is continued.
func (t *Task) Stop() {
	t.proc.groupStop(signal.SIGSTOP)
	t.stopped()
}

// Continue resumes the process of a stopped target.
func (t *Task) Continue(target *Task) {
	target.proc.cont()
}

func (t *Task) stopped() {
	for t.proc.stopped && !t.fatal {
		t.state = Stopped
		t.park()
	}
	t.state = Running
	t.afterSwitch()
}

// interrupted reports whether a blocking wait must stop to handle a
// signal or a group stop.
func (t *Task) interrupted() bool {
	p := t.proc
	return t.fatal || p.stopped ||
		signal.Deliverable(t.blocked, p.actions, t.pending, p.pending)
}

// BlockOn sleeps until q moves past seq. Signals are handled while
// waiting; if one is caught the wait ends with EINTR.
func (t *Task) BlockOn(q *waitq.Queue, seq uint64) error {
	if !t.current() {
		return abi.EAGAIN
	}
	q.Add(t)
	defer q.Remove(t)
	for q.Seq() == seq {
		if t.interrupted() {
			if err := t.deliver(true); err != nil {
				return err
			}
			continue
		}
		t.sleep()
	}
	return nil
}

// Nanosleep sleeps for d or until a signal is caught.
func (t *Task) Nanosleep(d time.Duration) error {
	var q waitq.Queue
	seq := q.Seq()
	timer := time.AfterFunc(d, func() {
		t.k.sched.Post(q.Notify)
	})
	defer timer.Stop()
	return t.BlockOn(&q, seq)
}

// Await runs fn on a host goroutine while the task waits uninterrupted.
// It is for host I/O that really blocks.
func (t *Task) Await(fn func() error) error {
	if !t.current() {
		return fn()
	}
	t.async++
	defer func() { t.async-- }()
	var (
		err  error
		done bool
	)
	go func() {
		e := fn()
		t.k.sched.Post(func() {
			err, done = e, true
			t.Wake()
		})
	}()
	for !done {
		t.sleep()
	}
	return err
}

// die runs the terminate path for a task whose fatal flag is set and
// leaves its goroutine.
func (t *Task) die() {
	t.terminate()
	runtime.Goexit()
}

// Exit ends the calling thread.
func (t *Task) Exit(code int) {
	if !t.proc.exiting {
		t.proc.status = abi.Exited(code)
	}
	t.terminate()
	runtime.Goexit()
}

// ExitGroup ends every thread of the calling process.
func (t *Task) ExitGroup(code int) {
	t.exitGroup(abi.Exited(code))
	runtime.Goexit()
}

func (t *Task) exitGroup(status abi.WaitStatus) {
	t.proc.kill(status)
	t.terminate()
}

// terminate is the one way out of Live. It releases what the thread
// holds and, for the last thread, turns the process into a zombie.
func (t *Task) terminate() {
	if t.stage >= Terminating {
		return
	}
	t.stage = Terminating
	p := t.proc
	t.log.Debug("exit", "pid", p.pid, "status", p.status)
	t.fireVfork()
	if err := t.fds.Release(); err != nil {
		t.log.Debug("close on exit", "err", err)
	}
	t.fs.release()
	t.mm.release()
	t.state = Unscheduled
	p.removeThread(t)
	if t != p.leader {
		t.stage = Released
		delete(t.k.tasks, t.tid)
	}
	if len(p.threads) == 0 {
		t.k.zombify(p)
	}
}

// Continuation is a vfork parent parked until its child execs or
// terminates. It fires exactly once.
type Continuation struct {
	parent *Task
	fired  bool
}

func (c *Continuation) Fired() bool { return c.fired }

// Fire resumes the parked parent.
func (c *Continuation) Fire() {
	if c.fired {
		return
	}
	c.fired = true
	c.parent.Wake()
}

func (t *Task) fireVfork() {
	if t.vfork != nil {
		t.vfork.Fire()
		t.vfork = nil
	}
}

// parkVfork holds the parent until c fires. Signals do not resume it;
// only a fatal condition ends the wait early.
func (t *Task) parkVfork(c *Continuation) {
	t.vforkWait = c
	defer func() { t.vforkWait = nil }()
	for !c.fired {
		t.sleep()
	}
}

// TakeCaught returns and clears signals caught for a guest handler.
func (t *Task) TakeCaught() []signal.Delivery {
	c := t.caught
	t.caught = nil
	return c
}
