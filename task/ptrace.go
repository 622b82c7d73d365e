package task

import (
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
)

// traceStop parks the calling thread in a trace stop for sig and
// returns the signal the tracer chose to deliver, 0 for none. A pending
// SIGKILL always wins over the stop.
func (t *Task) traceStop(sig signal.Signal) signal.Signal {
	p := t.proc
	if t.fatal {
		t.die()
	}
	p.traceStopped = true
	p.traceSig = sig
	p.traceReport = true
	p.traceInject = 0
	t.log.Debug("trace stop", "signal", sig)
	tracer := p.tracer
	t.k.signalProcess(tracer, nil, signal.SIGCHLD)
	tracer.childq.Notify()
	for p.traceStopped && !t.fatal {
		t.state = Stopped
		t.park()
	}
	t.state = Running
	t.afterSwitch()
	return p.traceInject
}

// untrace detaches c from its tracer and resumes it with sig.
func (k *Kernel) untrace(c *Process, sig signal.Signal) {
	if c.tracer != nil {
		delete(c.tracer.tracees, c.pid)
		c.tracer = nil
	}
	c.traceReport = false
	k.resumeTracee(c, sig)
}

func (k *Kernel) resumeTracee(c *Process, sig signal.Signal) {
	if !c.traceStopped {
		return
	}
	c.traceStopped = false
	c.traceInject = sig
	for _, t := range c.threads {
		if t.state == Stopped && !c.stopped {
			t.resume()
		}
	}
}

// Ptrace performs a trace request. GETREGS writes the CBOR register
// image into data, which must be a []byte, and returns its length. CONT
// and DETACH take the signal to deliver as an int in data.
func (t *Task) Ptrace(req, pid int, addr uintptr, data any) (int, error) {
	k := t.k
	p := t.proc
	switch req {
	case abi.PTRACE_TRACEME:
		if p == k.init || p.tracer != nil || p.parent == nil {
			return 0, abi.EPERM
		}
		p.tracer = p.parent
		p.parent.tracees[p.pid] = p
		t.log.Debug("traceme", "tracer", p.parent.pid)
		return 0, nil
	case abi.PTRACE_ATTACH:
		c, ok := k.procs[pid]
		if !ok || c.stage >= Zombie {
			return 0, abi.ESRCH
		}
		if c == k.init || c == p || c.tracer != nil {
			return 0, abi.EPERM
		}
		c.tracer = p
		p.tracees[c.pid] = c
		t.log.Debug("attach", "tracee", c.pid)
		k.signalProcess(c, nil, signal.SIGSTOP)
		return 0, nil
	}

	c, ok := k.procs[pid]
	if !ok || c.tracer != p {
		return 0, abi.ESRCH
	}
	if req == abi.PTRACE_KILL {
		k.signalProcess(c, nil, signal.SIGKILL)
		return 0, nil
	}
	if !c.traceStopped {
		return 0, abi.ESRCH
	}
	switch req {
	case abi.PTRACE_GETREGS:
		buf, ok := data.([]byte)
		if !ok {
			return 0, abi.EFAULT
		}
		b, err := c.leader.regs.Marshal()
		if err != nil {
			return 0, abi.EIO
		}
		if len(buf) < len(b) {
			return 0, abi.EFAULT
		}
		return copy(buf, b), nil
	case abi.PTRACE_CONT, abi.PTRACE_DETACH:
		sig, err := injected(data)
		if err != nil {
			return 0, err
		}
		if req == abi.PTRACE_DETACH {
			t.log.Debug("detach", "tracee", c.pid)
			k.untrace(c, sig)
		} else {
			k.resumeTracee(c, sig)
		}
		return 0, nil
	}
	return 0, abi.EIO
}

func injected(data any) (signal.Signal, error) {
	var n int
	switch v := data.(type) {
	case nil:
	case int:
		n = v
	case uintptr:
		n = int(v)
	case int64:
		n = int(v)
	default:
		return 0, abi.EIO
	}
	if n != 0 && !signal.Signal(n).Valid() {
		return 0, abi.EIO
	}
	return signal.Signal(n), nil
}
