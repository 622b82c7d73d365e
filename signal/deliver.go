package signal

// Kind is the outcome of a delivery scan.
type Kind int

const (
	None Kind = iota
	Discarded
	Terminated
	Cored
	Stopped
	Continued
	Caught
	Deferred
)

func (k Kind) String() string {
	return [...]string{"none", "discard", "terminate", "core", "stop",
		"continue", "caught", "deferred"}[k]
}

// Delivery is the decision taken for one signal.
type Delivery struct {
	Kind   Kind
	Signal Signal
	Action Action
}

// Deliver scans the pending sets for the lowest numbered deliverable
// signal and decides its fate. Ignored signals are cleared and skipped;
// blocked ones are left pending. A signal with a handler is Caught and
// cleared, unless mayThrow is false, in which case it stays pending and
// Deferred is returned. Default dispositions are cleared and reported by
// category; acting on them is the caller's business.
func Deliver(blocked Set, actions *Actions, mayThrow bool, pending ...*Set) Delivery {
	blocked = blocked.Blockable()
	for sig := Signal(1); sig <= NSIG; sig++ {
		set := pendingIn(sig, pending)
		if set == nil || blocked.Has(sig) {
			continue
		}
		act := actions.Get(sig)
		switch {
		case act.IsIgnore():
			set.Remove(sig)
			continue
		case act.IsHandler():
			if !mayThrow {
				return Delivery{Kind: Deferred, Signal: sig, Action: act}
			}
			set.Remove(sig)
			if act.Flags&SA_RESETHAND != 0 && sig != SIGILL && sig != SIGTRAP {
				actions.acts[sig] = Action{}
			}
			return Delivery{Kind: Caught, Signal: sig, Action: act}
		}
		set.Remove(sig)
		d := Delivery{Signal: sig, Action: act}
		switch Default(sig) {
		case Discard:
			d.Kind = Discarded
		case Terminate:
			d.Kind = Terminated
		case Core:
			d.Kind = Cored
		case Stop:
			d.Kind = Stopped
		case Continue:
			d.Kind = Continued
		}
		return d
	}
	return Delivery{Kind: None}
}

// Deliverable reports whether Deliver would find something to act on.
func Deliverable(blocked Set, actions *Actions, pending ...Set) bool {
	blocked = blocked.Blockable()
	for _, set := range pending {
		for _, sig := range set.Signals() {
			if blocked.Has(sig) || actions.Get(sig).IsIgnore() {
				continue
			}
			return true
		}
	}
	return false
}

func pendingIn(sig Signal, pending []*Set) *Set {
	for _, set := range pending {
		if set != nil && set.Has(sig) {
			return set
		}
	}
	return nil
}
