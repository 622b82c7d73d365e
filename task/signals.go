package task

import (
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
)

// signalProcess sends sig to p, or to the single thread target when it
// is set. It applies the send-side rules: SIGKILL is acted on at once,
// SIGCONT continues and stop signals cancel each other, ignored signals
// never become pending, and init drops anything left at its default.
func (k *Kernel) signalProcess(p *Process, target *Task, sig signal.Signal) {
	if sig == 0 || p.stage >= Zombie {
		return
	}
	act := p.actions.Get(sig)
	if p == k.init && act.IsDefault() {
		return
	}
	k.log.Debug("signal", "pid", p.pid, "signal", sig)
	switch {
	case sig == signal.SIGKILL:
		p.kill(abi.Signaled(int(sig), false))
		return
	case sig == signal.SIGCONT:
		p.pending &^= signal.StopSignals
		for _, t := range p.threads {
			t.pending &^= signal.StopSignals
		}
		p.cont()
	case signal.StopSignals.Has(sig):
		p.pending.Remove(signal.SIGCONT)
		for _, t := range p.threads {
			t.pending.Remove(signal.SIGCONT)
		}
	}
	if p.actions.Ignored(sig) {
		return
	}
	if target != nil {
		target.pending.Add(sig)
		target.Wake()
		return
	}
	p.pending.Add(sig)
	for _, t := range p.threads {
		if !t.blocked.Has(sig) {
			t.Wake()
		}
	}
}

func checkSignal(sig int) error {
	if sig < 0 || sig > int(signal.NSIG) {
		return abi.EINVAL
	}
	return nil
}

// SignalGroup sends sig to every process in group pgid.
func (k *Kernel) SignalGroup(pgid int, sig signal.Signal) {
	for _, p := range k.groupMembers(pgid) {
		k.signalProcess(p, nil, sig)
	}
}

// Signal sends sig to process pid on behalf of the host.
func (k *Kernel) Signal(pid int, sig signal.Signal) error {
	p, ok := k.procs[pid]
	if !ok || p.stage >= Zombie {
		return abi.ESRCH
	}
	k.signalProcess(p, nil, sig)
	return nil
}

// Kill sends sig to a process (pid > 0), the caller's process group
// (0), every process but init and the caller (-1), or group -pid.
// Signal 0 only checks that a target exists. Zombies count as targets
// until they are reaped; the signal itself is dropped.
func (t *Task) Kill(pid int, sig int) error {
	if err := checkSignal(sig); err != nil {
		return err
	}
	k := t.k
	var targets []*Process
	switch {
	case pid > 0:
		if p, ok := k.procs[pid]; ok && p.stage < Released {
			targets = append(targets, p)
		}
	case pid == 0:
		targets = k.groupMembers(t.proc.pgid)
	case pid == -1:
		for _, p := range k.Processes() {
			if p != k.init && p != t.proc && p.stage < Released {
				targets = append(targets, p)
			}
		}
	default:
		targets = k.groupMembers(-pid)
	}
	if len(targets) == 0 {
		return abi.ESRCH
	}
	for _, p := range targets {
		k.signalProcess(p, nil, signal.Signal(sig))
	}
	t.checkpoint()
	return nil
}

// Tgkill sends sig to thread tid of process tgid.
func (t *Task) Tgkill(tgid, tid int, sig int) error {
	if err := checkSignal(sig); err != nil {
		return err
	}
	if tgid <= 0 || tid <= 0 {
		return abi.EINVAL
	}
	target, ok := t.k.tasks[tid]
	if !ok || target.proc.pid != tgid || target.stage >= Terminating {
		return abi.ESRCH
	}
	t.k.signalProcess(target.proc, target, signal.Signal(sig))
	t.checkpoint()
	return nil
}

// Raise sends sig to the calling thread.
func (t *Task) Raise(sig int) error {
	return t.Tgkill(t.proc.pid, t.tid, sig)
}

// Sigaction installs act for sig when act is not nil, and stores the
// previous action in old when old is not nil. Making a signal ignored
// discards its pending instances.
func (t *Task) Sigaction(sig int, act, old *signal.Action) error {
	s := signal.Signal(sig)
	if !s.Valid() {
		return abi.EINVAL
	}
	p := t.proc
	prev := p.actions.Get(s)
	if act != nil {
		var err error
		if prev, err = p.actions.Set(s, *act); err != nil {
			return err
		}
		if p.actions.Ignored(s) {
			t.pending.Remove(s)
			p.pending.Remove(s)
		}
	}
	if old != nil {
		*old = prev
	}
	return nil
}

// Sigprocmask changes the blocked mask of the calling thread. Signals
// it unblocks are delivered before it returns.
func (t *Task) Sigprocmask(how int, set, old *signal.Set) error {
	prev := t.blocked
	if set != nil {
		switch how {
		case abi.SIG_BLOCK:
			t.blocked |= *set
		case abi.SIG_UNBLOCK:
			t.blocked &^= *set
		case abi.SIG_SETMASK:
			t.blocked = *set
		default:
			return abi.EINVAL
		}
		t.blocked = t.blocked.Blockable()
	}
	if old != nil {
		*old = prev
	}
	t.checkpoint()
	return nil
}

// Sigpending returns the blocked signals waiting for delivery.
func (t *Task) Sigpending() signal.Set {
	return t.Pending() & t.blocked
}

// Sigsuspend replaces the blocked mask with mask and sleeps until a
// signal is caught. It always returns EINTR.
func (t *Task) Sigsuspend(mask signal.Set) error {
	old := t.blocked
	t.blocked = mask.Blockable()
	defer func() { t.blocked = old }()
	for {
		if err := t.deliver(true); err != nil {
			return abi.EINTR
		}
		if !t.current() {
			return abi.EINTR
		}
		t.sleep()
	}
}

// checkpoint delivers pending signals at the end of a system call.
func (t *Task) checkpoint() {
	if t.current() {
		t.deliver(true)
	}
}

// CheckSignals delivers pending signals. It returns EINTR when a
// handler ran, or was left pending because mayThrow is false.
func (t *Task) CheckSignals(mayThrow bool) error {
	if !t.current() {
		return nil
	}
	return t.deliver(mayThrow)
}

// deliver acts on pending signals in ascending order until none is
// deliverable. Terminating signals do not return.
func (t *Task) deliver(mayThrow bool) error {
	p := t.proc
	var intr error
	for {
		if t.fatal {
			t.die()
		}
		if p.stopped {
			t.stopped()
			continue
		}
		d := signal.Deliver(t.blocked, p.actions, mayThrow, &t.pending, &p.pending)
		if d.Kind == signal.None {
			return intr
		}
		if d.Kind == signal.Deferred {
			return abi.EINTR
		}
		if p.tracer != nil {
			sig := t.traceStop(d.Signal)
			if sig == 0 {
				continue
			}
			if sig != d.Signal {
				d = disposition(sig, p.actions)
			}
		}
		t.log.Debug("deliver", "signal", d.Signal, "kind", d.Kind)
		switch d.Kind {
		case signal.Terminated, signal.Cored:
			core := d.Kind == signal.Cored && p.coreDump
			t.exitGroup(abi.Signaled(int(d.Signal), core))
			t.die()
		case signal.Stopped:
			p.groupStop(d.Signal)
		case signal.Caught:
			t.handle(d)
			intr = abi.EINTR
		}
	}
}

// disposition decides what sig does without consulting pending sets,
// for signals injected by a tracer.
func disposition(sig signal.Signal, actions *signal.Actions) signal.Delivery {
	act := actions.Get(sig)
	d := signal.Delivery{Signal: sig, Action: act}
	switch {
	case act.IsIgnore():
		d.Kind = signal.Discarded
	case act.IsHandler():
		d.Kind = signal.Caught
	default:
		d.Kind = [...]signal.Kind{
			signal.Discard:   signal.Discarded,
			signal.Terminate: signal.Terminated,
			signal.Core:      signal.Cored,
			signal.Stop:      signal.Stopped,
			signal.Continue:  signal.Continued,
		}[signal.Default(sig)]
	}
	return d
}

// handle runs a hosted handler on the task's goroutine with the action's
// mask added, or queues the delivery for a guest handler.
func (t *Task) handle(d signal.Delivery) {
	if d.Action.Func == nil {
		t.caught = append(t.caught, d)
		return
	}
	old := t.blocked
	t.blocked |= d.Action.Mask
	if d.Action.Flags&signal.SA_NODEFER == 0 {
		t.blocked.Add(d.Signal)
	}
	t.blocked = t.blocked.Blockable()
	defer func() { t.blocked = old }()
	d.Action.Func(d.Signal)
}
