package task

import (
	"context"
	"sort"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/internal/waitq"
	"tractor.dev/cooper/signal"
)

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string { return "task context value " + k.name }

var (
	TaskContextKey = &contextKey{"task"}
)

// FromContext returns the task a VFS operation is running for.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(TaskContextKey).(*Task)
	return t, ok
}

func PIDFromContext(ctx context.Context) (int, bool) {
	t, ok := FromContext(ctx)
	if !ok {
		return 0, false
	}
	return t.proc.pid, true
}

// Stage is the lifecycle position of a task or process.
type Stage int

const (
	Starting Stage = iota
	Live
	Terminating
	Zombie
	Released
)

func (s Stage) String() string {
	return [...]string{"starting", "live", "terminating", "zombie", "released"}[s]
}

// Process is a thread group: everything its threads share.
type Process struct {
	k        *Kernel
	pid      int
	parent   *Process
	pgid     int
	sid      int
	stage    Stage
	actions  *signal.Actions
	pending  signal.Set
	leader   *Task
	threads  []*Task
	children map[int]*Process
	childq   waitq.Queue

	exiting    bool
	status     abi.WaitStatus
	exitSignal signal.Signal
	orphaned   bool
	coreDump   bool

	stopped    bool
	stopSig    signal.Signal
	stopReport bool
	contReport bool

	tracer       *Process
	tracees      map[int]*Process
	traceStopped bool
	traceSig     signal.Signal
	traceReport  bool
	traceInject  signal.Signal

	ctty  handle.Terminal
	argv  []string
	env   []string
	exe   string
	start time.Time
}

func (p *Process) ID() int { return p.pid }

func (p *Process) Kernel() *Kernel { return p.k }

// PPID returns the parent's pid, or 0 for a process without one.
func (p *Process) PPID() int {
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}

func (p *Process) Pgid() int      { return p.pgid }
func (p *Process) Sid() int       { return p.sid }
func (p *Process) Stage() Stage   { return p.stage }
func (p *Process) Leader() *Task  { return p.leader }
func (p *Process) Args() []string { return p.argv }
func (p *Process) Env() []string  { return p.env }
func (p *Process) Exe() string    { return p.exe }

// Started returns when the process was created.
func (p *Process) Started() time.Time { return p.start }

// Status returns the wait status once the process has exited.
func (p *Process) Status() abi.WaitStatus { return p.status }

// Actions returns the signal disposition table.
func (p *Process) Actions() *signal.Actions { return p.actions }

// Pending returns the process-directed pending signals.
func (p *Process) Pending() signal.Set { return p.pending }

// Tracer returns the pid of the tracing process, or 0.
func (p *Process) Tracer() int {
	if p.tracer == nil {
		return 0
	}
	return p.tracer.pid
}

// CoreDumpPermitted reports whether a core signal marks the status as
// having dumped core.
func (p *Process) CoreDumpPermitted() bool { return p.coreDump }

func (p *Process) SetCoreDumpPermitted(v bool) { p.coreDump = v }

// Threads returns the live threads, leader first.
func (p *Process) Threads() []*Task {
	return append([]*Task(nil), p.threads...)
}

// Children returns the child processes ordered by pid.
func (p *Process) Children() []*Process {
	out := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// Comm is the short command name.
func (p *Process) Comm() string {
	name := p.exe
	if len(p.argv) > 0 {
		name = p.argv[0]
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			name = name[i+1:]
			break
		}
	}
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// StateCode is the run state of the process as a whole.
func (p *Process) StateCode() byte {
	if p.stage >= Zombie {
		return 'Z'
	}
	if len(p.threads) > 0 {
		return p.threads[0].StateCode()
	}
	return 'Z'
}

// Terminal returns the controlling terminal, if any.
func (p *Process) Terminal() handle.Terminal { return p.ctty }

func (p *Process) removeThread(t *Task) {
	for i, o := range p.threads {
		if o == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// notifyParent tells the parent about a stop or continue.
func (p *Process) notifyParent() {
	parent := p.parent
	if parent == nil || parent.stage >= Zombie {
		return
	}
	if parent.actions.Get(signal.SIGCHLD).Flags&signal.SA_NOCLDSTOP == 0 {
		p.k.signalProcess(parent, nil, signal.SIGCHLD)
	}
	parent.childq.Notify()
}

// autoReap reports whether children of p are released without a wait.
func (p *Process) autoReap() bool {
	act := p.actions.Get(signal.SIGCHLD)
	return act.IsIgnore() || act.Flags&signal.SA_NOCLDWAIT != 0
}

func (p *Process) groupStop(sig signal.Signal) {
	if p.stopped {
		return
	}
	p.stopped = true
	p.stopSig = sig
	p.stopReport = true
	p.contReport = false
	p.k.log.Debug("stop", "pid", p.pid, "signal", sig)
	for _, t := range p.threads {
		t.Wake()
	}
	p.notifyParent()
}

// cont ends a group stop and resumes stopped threads.
func (p *Process) cont() {
	if p.stopped {
		p.stopped = false
		p.stopReport = false
		p.contReport = true
		p.k.log.Debug("continue", "pid", p.pid)
		p.notifyParent()
	}
	for _, t := range p.threads {
		if t.state == Stopped && !p.traceStopped {
			t.resume()
		}
	}
}

// kill makes every thread terminate with status at its next switch.
func (p *Process) kill(status abi.WaitStatus) {
	if !p.exiting {
		p.exiting = true
		p.status = status
	}
	for _, t := range p.threads {
		t.kill()
	}
}
