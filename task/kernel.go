package task

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/fdtable"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/socket"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/vfs"
)

// Apps resolves addresses registered for on-demand start.
type Apps interface {
	Target(addr string) (string, bool)
}

type Config struct {
	Root     vfs.Node
	Logger   *slog.Logger
	MaxPIDs  int
	MaxFDs   int
	PipeSize int
	Network  *socket.Network
	Apps     Apps
}

// Kernel owns the process table and everything tasks share.
type Kernel struct {
	sched  *Scheduler
	log    *slog.Logger
	root   vfs.Node
	net    *socket.Network
	apps   Apps
	xattrs *vfs.Xattrs

	tasks    map[int]*Task
	procs    map[int]*Process
	pgrps    map[int]mapset.Set[int]
	sessions map[int]mapset.Set[int]
	lastPID  int
	maxPIDs  int
	maxFDs   int
	pipeSize int

	natives  map[string]Main
	loaders  []Loader
	released []func(pid int)

	init     *Process
	halted   bool
	exitCode int
	boot     time.Time
}

func New(cfg Config) *Kernel {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxPIDs <= 0 {
		cfg.MaxPIDs = 32768
	}
	if cfg.MaxFDs <= 0 {
		cfg.MaxFDs = fdtable.DefaultMax
	}
	if cfg.PipeSize <= 0 {
		cfg.PipeSize = 64 * 1024
	}
	if cfg.Network == nil {
		cfg.Network = socket.NewNetwork(cfg.PipeSize)
	}
	if cfg.Root == nil {
		a := vfs.NewArena()
		cfg.Root = a.NewRoot(vfs.NewDir(0755))
	}
	k := &Kernel{
		sched:    newScheduler(),
		log:      cfg.Logger,
		root:     cfg.Root,
		net:      cfg.Network,
		apps:     cfg.Apps,
		tasks:    make(map[int]*Task),
		procs:    make(map[int]*Process),
		pgrps:    make(map[int]mapset.Set[int]),
		sessions: make(map[int]mapset.Set[int]),
		maxPIDs:  cfg.MaxPIDs,
		maxFDs:   cfg.MaxFDs,
		pipeSize: cfg.PipeSize,
		natives:  make(map[string]Main),
		boot:     time.Now(),
		xattrs:   vfs.NewXattrs(vfs.ArenaOf(cfg.Root)),
	}
	k.loaders = []Loader{nativeLoader{k}}
	return k
}

func (k *Kernel) Root() vfs.Node           { return k.root }
func (k *Kernel) Network() *socket.Network { return k.net }
func (k *Kernel) Logger() *slog.Logger     { return k.log }
func (k *Kernel) Scheduler() *Scheduler    { return k.sched }
func (k *Kernel) Booted() time.Time        { return k.boot }
func (k *Kernel) SetApps(apps Apps)        { k.apps = apps }
func (k *Kernel) Arena() *vfs.Arena        { return vfs.ArenaOf(k.root) }
func (k *Kernel) Init() *Process           { return k.init }

func (k *Kernel) Task(tid int) (*Task, bool) {
	t, ok := k.tasks[tid]
	return t, ok
}

func (k *Kernel) Process(pid int) (*Process, bool) {
	p, ok := k.procs[pid]
	return p, ok
}

// Processes returns every process not yet released, ordered by pid.
func (k *Kernel) Processes() []*Process {
	out := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// OnRelease registers fn to run when a process record is reclaimed.
func (k *Kernel) OnRelease(fn func(pid int)) {
	k.released = append(k.released, fn)
}

// Do runs fn on the kernel loop. Host goroutines use it for anything
// touching kernel state.
func (k *Kernel) Do(ctx context.Context, fn func()) error {
	return k.sched.Do(ctx, fn)
}

// Run drives the tasks until init exits or ctx is done, and returns
// init's exit code.
func (k *Kernel) Run(ctx context.Context) int {
	k.sched.Run(ctx, func() {
		k.log.Debug("shutdown")
		k.halt(abi.Signaled(int(signal.SIGKILL), false))
	})
	return k.exitCode
}

// Halt stops the kernel with code as its exit code.
func (k *Kernel) Halt(code int) {
	k.log.Debug("halt", "code", code)
	k.halt(abi.Exited(code))
}

// halt kills every process. The first status recorded becomes the
// kernel's exit code.
func (k *Kernel) halt(status abi.WaitStatus) {
	if !k.halted {
		k.halted = true
		switch {
		case status.Exited():
			k.exitCode = status.ExitStatus()
		case status.Signaled():
			k.exitCode = 128 + status.Signal()
		}
	}
	for _, p := range k.Processes() {
		p.kill(abi.Signaled(int(signal.SIGKILL), false))
	}
}

var errNoPID = fmt.Errorf("%w: %w", abi.ErrExhausted, abi.EAGAIN)

func (k *Kernel) allocID() (int, error) {
	for range k.maxPIDs {
		k.lastPID++
		if k.lastPID > k.maxPIDs {
			k.lastPID = 2
		}
		id := k.lastPID
		if _, used := k.tasks[id]; used {
			continue
		}
		if _, used := k.pgrps[id]; used {
			continue
		}
		if _, used := k.sessions[id]; used {
			continue
		}
		return id, nil
	}
	return 0, errNoPID
}

func (k *Kernel) newProcess(leader *Task) *Process {
	p := &Process{
		k:        k,
		pid:      leader.tid,
		leader:   leader,
		threads:  []*Task{leader},
		children: make(map[int]*Process),
		tracees:  make(map[int]*Process),
		start:    time.Now(),
		coreDump: true,
	}
	leader.proc = p
	k.procs[p.pid] = p
	return p
}

// Attr describes a process started by the host rather than by fork.
type Attr struct {
	// Parent defaults to init. The first process spawned becomes init.
	Parent *Process
	Path   string
	Argv   []string
	Env    []string
	Dir    string
	// Files become descriptors 0, 1, 2 and so on. The new process takes
	// its own reference on each; nil entries are skipped.
	Files []*handle.File
	// Setsid puts the process in a new session.
	Setsid bool
}

// Spawn creates a process and executes Path in it.
func (k *Kernel) Spawn(attr Attr) (*Task, error) {
	parent := attr.Parent
	if parent == nil {
		parent = k.init
	}
	id, err := k.allocID()
	if err != nil {
		return nil, err
	}
	t := k.newTask(id)
	p := k.newProcess(t)
	p.actions = signal.NewActions()
	p.exitSignal = signal.SIGCHLD
	t.fds = fdtable.New(k.maxFDs)
	t.mm = newMM()
	t.fs = &FSContext{refs: 1, root: k.root, cwd: k.root}
	if parent == nil {
		k.init = p
		p.pgid, p.sid = p.pid, p.pid
	} else {
		p.parent = parent
		parent.children[p.pid] = p
		p.pgid, p.sid = parent.pgid, parent.sid
		p.ctty = parent.ctty
	}
	if attr.Setsid && p.sid != p.pid {
		p.sid, p.pgid, p.ctty = p.pid, p.pid, nil
	}
	k.joinGroup(p)
	for fd, f := range attr.Files {
		if f != nil {
			t.fds.Assign(fd, f.Ref(), false)
		}
	}
	if attr.Dir != "" {
		if err := t.Chdir(attr.Dir); err != nil {
			k.abort(t)
			return nil, err
		}
	}
	argv := attr.Argv
	if len(argv) == 0 {
		argv = []string{attr.Path}
	}
	if err := t.Exec(attr.Path, argv, attr.Env); err != nil {
		k.abort(t)
		return nil, err
	}
	k.log.Debug("spawn", "pid", p.pid, "path", attr.Path)
	return t, nil
}

// abort undoes a Spawn that never got to run.
func (k *Kernel) abort(t *Task) {
	p := t.proc
	t.fds.Release()
	t.stage = Released
	p.threads = nil
	if k.init == p {
		k.init = nil
	}
	k.release(p)
}

// zombify runs when the last thread of p has terminated.
func (k *Kernel) zombify(p *Process) {
	p.stage = Zombie
	p.leader.stage = Zombie
	if !p.exiting {
		p.exiting = true
	}
	p.actions.Release()
	for _, c := range p.tracees {
		k.untrace(c, 0)
	}
	if tr := p.tracer; tr != nil {
		delete(tr.tracees, p.pid)
		p.tracer = nil
		if tr != p.parent {
			tr.childq.Notify()
		}
	}
	for _, c := range p.children {
		delete(p.children, c.pid)
		c.orphaned = true
		if k.init == nil || k.init == p {
			c.parent = nil
			if c.stage == Zombie {
				k.release(c)
			}
			continue
		}
		c.parent = k.init
		k.init.children[c.pid] = c
		if c.stage == Zombie {
			k.release(c)
		}
	}
	k.log.Debug("zombie", "pid", p.pid, "status", p.status)
	parent := p.parent
	switch {
	case p == k.init:
		k.release(p)
		k.halt(p.status)
	case parent == nil || p.orphaned || parent.stage >= Zombie || parent.autoReap():
		k.release(p)
		if parent != nil {
			parent.childq.Notify()
		}
	default:
		if p.exitSignal != 0 {
			k.signalProcess(parent, nil, p.exitSignal)
		}
		parent.childq.Notify()
	}
}

// release reclaims a zombie so its pid can be reused.
func (k *Kernel) release(p *Process) {
	if p.stage == Released {
		return
	}
	p.stage = Released
	if p.parent != nil {
		delete(p.parent.children, p.pid)
	}
	if p.tracer != nil {
		delete(p.tracer.tracees, p.pid)
		p.tracer = nil
	}
	p.leader.stage = Released
	delete(k.tasks, p.leader.tid)
	delete(k.procs, p.pid)
	k.leaveGroup(p)
	k.log.Debug("reap", "pid", p.pid)
	for _, fn := range k.released {
		fn(p.pid)
	}
}
