package task

import (
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
)

// Clone creates a task sharing what flags select. Hosted tasks have no
// machine stack to duplicate, so the child starts at entry with arg
// instead of returning from Clone, and stack must be zero.
func (t *Task) Clone(flags int, stack uintptr, entry func(*Task, any) int, arg any) (int, error) {
	switch {
	case flags&^abi.CloneSupported != 0:
		return 0, abi.ENOSYS
	case flags&abi.CLONE_VM == 0:
		return 0, abi.EINVAL
	case stack != 0:
		return 0, abi.EINVAL
	case flags&abi.CLONE_THREAD != 0 && flags&abi.CLONE_SIGHAND == 0:
		return 0, abi.EINVAL
	case flags&abi.CLONE_PARENT != 0 && t.proc.parent == nil:
		return 0, abi.EINVAL
	case entry == nil:
		return 0, abi.EINVAL
	}
	c, err := t.clone(flags, func(c *Task) int { return entry(c, arg) })
	if err != nil {
		return 0, err
	}
	return c.tid, nil
}

// Fork creates a child process with a copy of the caller's address
// space, descriptors and dispositions. The child runs entry; the parent
// gets the child's pid.
func (t *Task) Fork(entry Entry) (int, error) {
	c, err := t.clone(int(signal.SIGCHLD), entry)
	if err != nil {
		return 0, err
	}
	return c.tid, nil
}

// Vfork creates a child sharing the caller's address space and parks
// the caller until the child execs or terminates.
func (t *Task) Vfork(entry Entry) (int, error) {
	c, err := t.clone(abi.CLONE_VM|abi.CLONE_VFORK|int(signal.SIGCHLD), entry)
	if err != nil {
		return 0, err
	}
	return c.tid, nil
}

func (t *Task) clone(flags int, entry Entry) (*Task, error) {
	k := t.k
	p := t.proc
	id, err := k.allocID()
	if err != nil {
		return nil, err
	}
	c := k.newTask(id)
	c.stage = Starting
	c.blocked = t.blocked
	c.regs = t.regs

	if flags&abi.CLONE_VM != 0 {
		c.mm = t.mm.share()
	} else {
		c.mm = t.mm.fork()
	}
	if flags&abi.CLONE_FS != 0 {
		c.fs = t.fs.share()
	} else {
		c.fs = t.fs.fork()
	}
	if flags&abi.CLONE_FILES != 0 {
		c.fds = t.fds.Share()
	} else {
		c.fds = t.fds.Fork()
	}

	if flags&abi.CLONE_THREAD != 0 {
		c.proc = p
		p.threads = append(p.threads, c)
	} else {
		np := k.newProcess(c)
		np.stage = Starting
		if flags&abi.CLONE_SIGHAND != 0 {
			np.actions = p.actions.Share()
		} else {
			np.actions = p.actions.Fork()
		}
		parent := p
		if flags&abi.CLONE_PARENT != 0 {
			parent = p.parent
		}
		np.parent = parent
		parent.children[np.pid] = np
		np.pgid, np.sid, np.ctty = p.pgid, p.sid, p.ctty
		np.exitSignal = signal.Signal(flags & abi.CSIGNAL)
		np.argv, np.env, np.exe = p.argv, p.env, p.exe
		np.coreDump = p.coreDump
		k.joinGroup(np)
		if flags&abi.CLONE_PTRACE != 0 && p.tracer != nil {
			np.tracer = p.tracer
			p.tracer.tracees[np.pid] = np
		}
	}
	t.log.Debug("clone", "child", id, "flags", flags)

	var cont *Continuation
	if flags&abi.CLONE_VFORK != 0 {
		cont = &Continuation{parent: t}
		c.vfork = cont
	}
	k.start(c, entry)
	if cont != nil && t.current() {
		t.parkVfork(cont)
	}
	return c, nil
}
