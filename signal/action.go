package signal

import "tractor.dev/cooper/abi"

// Category is what the default disposition of a signal does.
type Category int

const (
	Discard Category = iota
	Terminate
	Core
	Stop
	Continue
)

func (c Category) String() string {
	switch c {
	case Discard:
		return "discard"
	case Terminate:
		return "terminate"
	case Core:
		return "core"
	case Stop:
		return "stop"
	case Continue:
		return "continue"
	}
	return "unknown"
}

// Default returns the category of sig's default action. Realtime signals
// terminate.
func Default(sig Signal) Category {
	switch sig {
	case SIGCHLD, SIGURG, SIGWINCH:
		return Discard
	case SIGCONT:
		return Continue
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return Stop
	case SIGQUIT, SIGILL, SIGTRAP, SIGABRT, SIGBUS, SIGFPE, SIGSEGV,
		SIGXCPU, SIGXFSZ, SIGSYS:
		return Core
	}
	return Terminate
}

// Handler values with special meaning.
const (
	SIG_DFL uintptr = 0
	SIG_IGN uintptr = 1
)

// Action flags.
const (
	SA_NOCLDSTOP = 0x00000001
	SA_NOCLDWAIT = 0x00000002
	SA_SIGINFO   = 0x00000004
	SA_RESTORER  = 0x04000000
	SA_ONSTACK   = 0x08000000
	SA_RESTART   = 0x10000000
	SA_NODEFER   = 0x40000000
	SA_RESETHAND = 0x80000000
)

// Action is a disposition. Handler is a guest address, SIG_DFL or
// SIG_IGN. Func, when set, is a hosted handler run on the receiving
// task's own goroutine.
type Action struct {
	Handler uintptr
	Flags   uint64
	Mask    Set
	Func    func(Signal)
}

func (a Action) IsDefault() bool { return a.Handler == SIG_DFL && a.Func == nil }
func (a Action) IsIgnore() bool  { return a.Handler == SIG_IGN && a.Func == nil }
func (a Action) IsHandler() bool { return !a.IsDefault() && !a.IsIgnore() }

// Actions is the disposition table of a process. It is shared between
// clones made with CLONE_SIGHAND and copied otherwise.
type Actions struct {
	refs int
	acts [NSIG + 1]Action
}

func NewActions() *Actions {
	return &Actions{refs: 1}
}

// Get returns the action for sig.
func (a *Actions) Get(sig Signal) Action {
	if !sig.Valid() {
		return Action{}
	}
	return a.acts[sig]
}

// Set installs act for sig and returns the previous action. SIGKILL and
// SIGSTOP only accept the default disposition.
func (a *Actions) Set(sig Signal, act Action) (Action, error) {
	if !sig.Valid() {
		return Action{}, abi.EINVAL
	}
	old := a.acts[sig]
	if (sig == SIGKILL || sig == SIGSTOP) && !act.IsDefault() {
		return old, abi.EINVAL
	}
	act.Mask = act.Mask.Blockable()
	a.acts[sig] = act
	return old, nil
}

// Ignored reports whether a sent sig would be dropped without being
// made pending.
func (a *Actions) Ignored(sig Signal) bool {
	act := a.Get(sig)
	if act.IsIgnore() {
		return true
	}
	return act.IsDefault() && Default(sig) == Discard
}

// Share returns the same table with another reference taken.
func (a *Actions) Share() *Actions {
	a.refs++
	return a
}

// Shared reports whether more than one process refers to the table.
func (a *Actions) Shared() bool {
	return a.refs > 1
}

// Fork returns an independent copy.
func (a *Actions) Fork() *Actions {
	c := &Actions{refs: 1}
	c.acts = a.acts
	return c
}

// Release drops a reference.
func (a *Actions) Release() {
	if a.refs > 0 {
		a.refs--
	}
}

// ResetForExec resets caught signals to their default. Ignored signals
// stay ignored.
func (a *Actions) ResetForExec() {
	for sig := range a.acts {
		if a.acts[sig].IsHandler() {
			a.acts[sig] = Action{}
		}
	}
}
