// Package signal holds signal numbers, masks, dispositions and the
// delivery scan. It knows nothing about tasks; the task package owns
// the pending and blocked sets and acts on what Deliver decides.
package signal

import (
	"strconv"
	"strings"
)

// Signal is a signal number in Linux numbering.
type Signal int

const (
	SIGHUP    Signal = 1
	SIGINT    Signal = 2
	SIGQUIT   Signal = 3
	SIGILL    Signal = 4
	SIGTRAP   Signal = 5
	SIGABRT   Signal = 6
	SIGBUS    Signal = 7
	SIGFPE    Signal = 8
	SIGKILL   Signal = 9
	SIGUSR1   Signal = 10
	SIGSEGV   Signal = 11
	SIGUSR2   Signal = 12
	SIGPIPE   Signal = 13
	SIGALRM   Signal = 14
	SIGTERM   Signal = 15
	SIGSTKFLT Signal = 16
	SIGCHLD   Signal = 17
	SIGCONT   Signal = 18
	SIGSTOP   Signal = 19
	SIGTSTP   Signal = 20
	SIGTTIN   Signal = 21
	SIGTTOU   Signal = 22
	SIGURG    Signal = 23
	SIGXCPU   Signal = 24
	SIGXFSZ   Signal = 25
	SIGVTALRM Signal = 26
	SIGPROF   Signal = 27
	SIGWINCH  Signal = 28
	SIGIO     Signal = 29
	SIGPWR    Signal = 30
	SIGSYS    Signal = 31

	// SIGRTMIN is the first realtime signal.
	SIGRTMIN Signal = 32
	// NSIG is the highest valid signal number.
	NSIG Signal = 64
)

var names = [...]string{
	SIGHUP: "HUP", SIGINT: "INT", SIGQUIT: "QUIT", SIGILL: "ILL",
	SIGTRAP: "TRAP", SIGABRT: "ABRT", SIGBUS: "BUS", SIGFPE: "FPE",
	SIGKILL: "KILL", SIGUSR1: "USR1", SIGSEGV: "SEGV", SIGUSR2: "USR2",
	SIGPIPE: "PIPE", SIGALRM: "ALRM", SIGTERM: "TERM", SIGSTKFLT: "STKFLT",
	SIGCHLD: "CHLD", SIGCONT: "CONT", SIGSTOP: "STOP", SIGTSTP: "TSTP",
	SIGTTIN: "TTIN", SIGTTOU: "TTOU", SIGURG: "URG", SIGXCPU: "XCPU",
	SIGXFSZ: "XFSZ", SIGVTALRM: "VTALRM", SIGPROF: "PROF", SIGWINCH: "WINCH",
	SIGIO: "IO", SIGPWR: "PWR", SIGSYS: "SYS",
}

// Valid reports whether sig is a deliverable signal number.
func (sig Signal) Valid() bool {
	return sig >= 1 && sig <= NSIG
}

func (sig Signal) String() string {
	if sig > 0 && int(sig) < len(names) {
		return "SIG" + names[sig]
	}
	if sig >= SIGRTMIN && sig <= NSIG {
		return "SIGRTMIN+" + strconv.Itoa(int(sig-SIGRTMIN))
	}
	return "signal " + strconv.Itoa(int(sig))
}

// Parse accepts a number, a name with or without the SIG prefix, in any
// case.
func Parse(s string) (Signal, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		sig := Signal(n)
		return sig, sig == 0 || sig.Valid()
	}
	s = strings.TrimPrefix(strings.ToUpper(s), "SIG")
	for i, name := range names {
		if name != "" && name == s {
			return Signal(i), true
		}
	}
	return 0, false
}

// Set is a mask with bit sig-1 standing for sig.
type Set uint64

// Unblockable holds the signals no mask may hold back.
const Unblockable = Set(1<<(SIGKILL-1) | 1<<(SIGSTOP-1))

// StopSignals are the signals whose default action is to stop.
const StopSignals = Set(1<<(SIGSTOP-1) | 1<<(SIGTSTP-1) | 1<<(SIGTTIN-1) | 1<<(SIGTTOU-1))

func SetOf(sigs ...Signal) Set {
	var s Set
	for _, sig := range sigs {
		s.Add(sig)
	}
	return s
}

func (s Set) Has(sig Signal) bool {
	return sig.Valid() && s&(1<<(sig-1)) != 0
}

func (s *Set) Add(sig Signal) {
	if sig.Valid() {
		*s |= 1 << (sig - 1)
	}
}

func (s *Set) Remove(sig Signal) {
	if sig.Valid() {
		*s &^= 1 << (sig - 1)
	}
}

func (s Set) Empty() bool { return s == 0 }

// Signals lists the members in ascending order.
func (s Set) Signals() []Signal {
	var out []Signal
	for sig := Signal(1); sig <= NSIG; sig++ {
		if s.Has(sig) {
			out = append(out, sig)
		}
	}
	return out
}

// Blockable strips SIGKILL and SIGSTOP from a mask.
func (s Set) Blockable() Set {
	return s &^ Unblockable
}
