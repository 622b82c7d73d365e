package task

import (
	"tractor.dev/cooper/abi"
)

func (p *Process) matches(c *Process, pid int) bool {
	switch {
	case pid > 0:
		return c.pid == pid
	case pid == -1:
		return true
	case pid == 0:
		return c.pgid == p.pgid
	}
	return c.pgid == -pid
}

// waitable returns the children and tracees of p that pid selects.
func (p *Process) waitable(pid int) []*Process {
	var out []*Process
	for _, c := range p.Children() {
		if p.matches(c, pid) {
			out = append(out, c)
		}
	}
	for _, c := range p.tracees {
		if c.parent != p && p.matches(c, pid) {
			out = append(out, c)
		}
	}
	return out
}

// Wait4 waits for a state change in a child: exit, stop, continue, or
// a trace stop of a tracee. It returns the child's pid and status, or
// 0 under WNOHANG when nothing has changed.
func (t *Task) Wait4(pid int, options int) (int, abi.WaitStatus, error) {
	if options&^(abi.WNOHANG|abi.WUNTRACED|abi.WCONTINUED) != 0 {
		return 0, 0, abi.EINVAL
	}
	p := t.proc
	for {
		seq := p.childq.Seq()
		cands := p.waitable(pid)
		if len(cands) == 0 {
			return 0, 0, abi.ECHILD
		}
		for _, c := range cands {
			if id, ws, ok := t.k.report(p, c, options); ok {
				return id, ws, nil
			}
		}
		if options&abi.WNOHANG != 0 {
			return 0, 0, nil
		}
		if err := t.BlockOn(&p.childq, seq); err != nil {
			return 0, 0, err
		}
	}
}

// report consumes one reportable state change of c, as seen by p.
func (k *Kernel) report(p, c *Process, options int) (int, abi.WaitStatus, bool) {
	switch {
	case c.stage == Zombie:
		if c.parent != p {
			return 0, 0, false
		}
		ws := c.status
		k.release(c)
		return c.pid, ws, true
	case c.traceStopped && c.traceReport && c.tracer == p:
		c.traceReport = false
		return c.pid, abi.Stopped(int(c.traceSig)), true
	case c.stopped && c.stopReport && options&abi.WUNTRACED != 0 && c.parent == p:
		c.stopReport = false
		return c.pid, abi.Stopped(int(c.stopSig)), true
	case c.contReport && options&abi.WCONTINUED != 0 && c.parent == p:
		c.contReport = false
		return c.pid, abi.Continued(), true
	}
	return 0, 0, false
}
