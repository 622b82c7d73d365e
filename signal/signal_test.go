package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tractor.dev/cooper/abi"
)

func TestSet(t *testing.T) {
	s := SetOf(SIGINT, SIGTERM)
	require.True(t, s.Has(SIGINT))
	require.False(t, s.Has(SIGHUP))
	s.Add(NSIG)
	require.True(t, s.Has(NSIG))
	s.Remove(SIGINT)
	require.Equal(t, []Signal{SIGTERM, NSIG}, s.Signals())
	require.False(t, SetOf(SIGKILL, SIGSTOP).Blockable().Has(SIGKILL))
	s.Add(0)
	s.Add(NSIG + 1)
	require.Len(t, s.Signals(), 2)
}

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Signal
		ok   bool
	}{
		{"9", SIGKILL, true},
		{"TERM", SIGTERM, true},
		{"sigint", SIGINT, true},
		{"0", 0, true},
		{"BOGUS", 0, false},
		{"99", 99, false},
	} {
		t.Run(tt.in, func(t *testing.T) {
			sig, ok := Parse(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.want, sig)
			}
		})
	}
	require.Equal(t, "SIGRTMIN+2", (SIGRTMIN + 2).String())
}

func TestActions(t *testing.T) {
	a := NewActions()
	_, err := a.Set(SIGKILL, Action{Handler: SIG_IGN})
	require.ErrorIs(t, err, abi.EINVAL)
	_, err = a.Set(SIGSTOP, Action{Handler: 0x1000})
	require.ErrorIs(t, err, abi.EINVAL)
	_, err = a.Set(SIGKILL, Action{})
	require.NoError(t, err)

	old, err := a.Set(SIGTERM, Action{Handler: SIG_IGN})
	require.NoError(t, err)
	require.True(t, old.IsDefault())
	require.True(t, a.Ignored(SIGTERM))
	require.True(t, a.Ignored(SIGCHLD))
	require.False(t, a.Ignored(SIGINT))

	_, err = a.Set(SIGUSR1, Action{Handler: 0x4000, Mask: SetOf(SIGKILL, SIGHUP)})
	require.NoError(t, err)
	require.Equal(t, SetOf(SIGHUP), a.Get(SIGUSR1).Mask)

	shared := a.Share()
	require.True(t, a.Shared())
	c := shared.Fork()
	require.False(t, c.Shared())
	c.ResetForExec()
	require.True(t, c.Get(SIGUSR1).IsDefault())
	require.True(t, c.Get(SIGTERM).IsIgnore())
	require.True(t, a.Get(SIGUSR1).IsHandler())
	shared.Release()
	require.False(t, a.Shared())
}

func TestDeliver(t *testing.T) {
	t.Run("ascending order", func(t *testing.T) {
		a := NewActions()
		pending := SetOf(SIGTERM, SIGHUP)
		d := Deliver(0, a, true, &pending)
		require.Equal(t, Terminated, d.Kind)
		require.Equal(t, SIGHUP, d.Signal)
		d = Deliver(0, a, true, &pending)
		require.Equal(t, SIGTERM, d.Signal)
		require.Equal(t, None, Deliver(0, a, true, &pending).Kind)
	})

	t.Run("blocked stays pending", func(t *testing.T) {
		a := NewActions()
		a.Set(SIGUSR1, Action{Handler: 0x1000})
		pending := SetOf(SIGUSR1)
		blocked := SetOf(SIGUSR1)
		require.Equal(t, None, Deliver(blocked, a, true, &pending).Kind)
		require.True(t, pending.Has(SIGUSR1))
		require.False(t, Deliverable(blocked, a, pending))

		d := Deliver(0, a, true, &pending)
		require.Equal(t, Caught, d.Kind)
		require.False(t, pending.Has(SIGUSR1))
		require.Equal(t, None, Deliver(0, a, true, &pending).Kind)
	})

	t.Run("kill cannot be blocked", func(t *testing.T) {
		pending := SetOf(SIGKILL)
		d := Deliver(SetOf(SIGKILL), NewActions(), true, &pending)
		require.Equal(t, Terminated, d.Kind)
	})

	t.Run("deferred without throw", func(t *testing.T) {
		a := NewActions()
		a.Set(SIGINT, Action{Handler: 0x1000})
		pending := SetOf(SIGINT)
		require.Equal(t, Deferred, Deliver(0, a, false, &pending).Kind)
		require.True(t, pending.Has(SIGINT))
	})

	t.Run("reset hand", func(t *testing.T) {
		a := NewActions()
		a.Set(SIGUSR2, Action{Handler: 0x1000, Flags: SA_RESETHAND})
		a.Set(SIGTRAP, Action{Handler: 0x1000, Flags: SA_RESETHAND})
		pending := SetOf(SIGUSR2, SIGTRAP)
		require.Equal(t, Caught, Deliver(0, a, true, &pending).Kind)
		require.Equal(t, Caught, Deliver(0, a, true, &pending).Kind)
		require.True(t, a.Get(SIGUSR2).IsDefault())
		require.True(t, a.Get(SIGTRAP).IsHandler())
	})

	t.Run("ignored skipped", func(t *testing.T) {
		a := NewActions()
		a.Set(SIGHUP, Action{Handler: SIG_IGN})
		pending := SetOf(SIGHUP, SIGSTOP)
		d := Deliver(0, a, true, &pending)
		require.Equal(t, Stopped, d.Kind)
		require.True(t, pending.Empty())
	})

	t.Run("thread and shared sets", func(t *testing.T) {
		a := NewActions()
		thread := SetOf(SIGUSR2)
		shared := SetOf(SIGINT)
		d := Deliver(0, a, true, &thread, &shared)
		require.Equal(t, SIGINT, d.Signal)
		require.True(t, shared.Empty())
		require.True(t, thread.Has(SIGUSR2))
	})
}
