package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/vfs"
)

// newKernel returns a kernel whose /bin holds a stub for each program.
func newKernel(t *testing.T, progs map[string]Main) (*Kernel, *vfs.Dir) {
	t.Helper()
	k := New(Config{})
	root, ok := k.Root().(*vfs.Dir)
	require.True(t, ok)
	bin, ok := root.Attach("bin", vfs.NewDir(0755)).(*vfs.Dir)
	require.True(t, ok)
	for name, main := range progs {
		k.Register(name, main)
		bin.Attach(name, vfs.NewFile(0755, NativeStub(name)))
	}
	return k, bin
}

// boot spawns path as init and runs the kernel until it halts.
func boot(t *testing.T, k *Kernel, path string) int {
	t.Helper()
	_, err := k.Spawn(Attr{Path: path})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.Run(ctx)
}

func runInit(t *testing.T, main Main) int {
	t.Helper()
	k, _ := newKernel(t, map[string]Main{"init": main})
	return boot(t, k, "/bin/init")
}

func TestInitExitCode(t *testing.T) {
	code := runInit(t, func(tk *Task, argv []string) int {
		return 42
	})
	require.Equal(t, 42, code)
}

func TestForkExitWait(t *testing.T) {
	var (
		pid, got int
		ws       abi.WaitStatus
		werr     error
		again    error
	)
	code := runInit(t, func(tk *Task, argv []string) int {
		var err error
		pid, err = tk.Fork(func(c *Task) int { return 5 })
		if err != nil {
			return 1
		}
		got, ws, werr = tk.Wait4(-1, 0)
		_, _, again = tk.Wait4(-1, 0)
		return 0
	})
	require.Equal(t, 0, code)
	require.NoError(t, werr)
	require.Equal(t, pid, got)
	require.True(t, ws.Exited())
	require.Equal(t, 5, ws.ExitStatus())
	require.ErrorIs(t, again, abi.ECHILD)
}

func TestWaitNohang(t *testing.T) {
	var (
		early int
		ws    abi.WaitStatus
	)
	runInit(t, func(tk *Task, argv []string) int {
		fds, err := tk.Pipe2(0)
		if err != nil {
			return 1
		}
		pid, _ := tk.Fork(func(c *Task) int {
			c.Close(fds[1])
			buf := make([]byte, 1)
			n, _ := c.Read(fds[0], buf)
			return n
		})
		early, _, _ = tk.Wait4(pid, abi.WNOHANG)
		tk.Write(fds[1], []byte("x"))
		_, ws, _ = tk.Wait4(pid, 0)
		return 0
	})
	require.Equal(t, 0, early)
	require.Equal(t, 1, ws.ExitStatus())
}

func TestCloneValidation(t *testing.T) {
	tests := []struct {
		name  string
		flags int
		stack uintptr
		want  error
	}{
		{"no shared vm", abi.CLONE_FILES, 0, abi.EINVAL},
		{"thread without sighand", abi.CLONE_VM | abi.CLONE_THREAD, 0, abi.EINVAL},
		{"namespace flag", abi.CLONE_VM | abi.CLONE_NEWNS, 0, abi.ENOSYS},
		{"explicit stack", abi.CLONE_VM, 0x1000, abi.EINVAL},
		{"parent of init", abi.CLONE_VM | abi.CLONE_PARENT, 0, abi.EINVAL},
	}
	got := make(map[string]error)
	runInit(t, func(tk *Task, argv []string) int {
		for _, tt := range tests {
			_, got[tt.name] = tk.Clone(tt.flags, tt.stack, func(*Task, any) int { return 0 }, nil)
		}
		return 0
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, got[tt.name], tt.want)
		})
	}
}

func TestCloneThread(t *testing.T) {
	var (
		leader, tgid, tid int
		fds               [2]int
		statErr           error
		done              bool
	)
	flags := abi.CLONE_VM | abi.CLONE_FS | abi.CLONE_FILES | abi.CLONE_SIGHAND | abi.CLONE_THREAD
	runInit(t, func(tk *Task, argv []string) int {
		leader = tk.Gettid()
		_, err := tk.Clone(flags, 0, func(c *Task, arg any) int {
			tgid, tid = c.Getpid(), c.Gettid()
			fds, _ = c.Pipe2(0)
			done = true
			return 0
		}, nil)
		if err != nil {
			return 1
		}
		for !done {
			tk.Yield()
		}
		_, statErr = tk.Fstat(fds[0])
		return 0
	})
	require.Equal(t, leader, tgid)
	require.NotEqual(t, leader, tid)
	require.NoError(t, statErr)
}

func TestVforkOrdering(t *testing.T) {
	var (
		order []string
		state byte
	)
	runInit(t, func(tk *Task, argv []string) int {
		pid, err := tk.Vfork(func(c *Task) int {
			if p, ok := c.Kernel().Task(tk.Gettid()); ok {
				state = p.StateCode()
			}
			order = append(order, "child")
			return 0
		})
		if err != nil {
			return 1
		}
		order = append(order, "parent")
		tk.Wait4(pid, 0)
		return 0
	})
	require.Equal(t, []string{"child", "parent"}, order)
	require.Equal(t, byte('V'), state)
}

func TestIgnoredSignal(t *testing.T) {
	var ignored, dflt abi.WaitStatus
	runInit(t, func(tk *Task, argv []string) int {
		pid, _ := tk.Fork(func(c *Task) int {
			c.Sigaction(int(signal.SIGTERM), &signal.Action{Handler: signal.SIG_IGN}, nil)
			c.Raise(int(signal.SIGTERM))
			return 7
		})
		_, ignored, _ = tk.Wait4(pid, 0)
		pid, _ = tk.Fork(func(c *Task) int {
			c.Raise(int(signal.SIGTERM))
			return 7
		})
		_, dflt, _ = tk.Wait4(pid, 0)
		return 0
	})
	require.True(t, ignored.Exited())
	require.Equal(t, 7, ignored.ExitStatus())
	require.True(t, dflt.Signaled())
	require.Equal(t, int(signal.SIGTERM), dflt.Signal())
}

func TestBlockedSignalDeliveredOnce(t *testing.T) {
	var (
		before, after int
		pending       bool
	)
	runInit(t, func(tk *Task, argv []string) int {
		var count int
		tk.Sigaction(int(signal.SIGUSR1), &signal.Action{Func: func(signal.Signal) { count++ }}, nil)
		set := signal.SetOf(signal.SIGUSR1)
		tk.Sigprocmask(abi.SIG_BLOCK, &set, nil)
		tk.Raise(int(signal.SIGUSR1))
		tk.Raise(int(signal.SIGUSR1))
		before = count
		pending = tk.Sigpending().Has(signal.SIGUSR1)
		tk.Sigprocmask(abi.SIG_UNBLOCK, &set, nil)
		after = count
		return 0
	})
	require.Equal(t, 0, before)
	require.True(t, pending)
	require.Equal(t, 1, after)
}

func TestKillTargets(t *testing.T) {
	var missing, invalid, group error
	var ws abi.WaitStatus
	runInit(t, func(tk *Task, argv []string) int {
		missing = tk.Kill(4242, 0)
		invalid = tk.Kill(1, -1)
		pid, _ := tk.Fork(func(c *Task) int {
			c.Setpgid(0, 0)
			for {
				if err := c.Nanosleep(time.Second); err != nil {
					return 1
				}
			}
		})
		tk.Setpgid(pid, pid)
		group = tk.Kill(-pid, int(signal.SIGKILL))
		_, ws, _ = tk.Wait4(pid, 0)
		return 0
	})
	require.ErrorIs(t, missing, abi.ESRCH)
	require.ErrorIs(t, invalid, abi.EINVAL)
	require.NoError(t, group)
	require.True(t, ws.Signaled())
	require.Equal(t, int(signal.SIGKILL), ws.Signal())
}

func TestKillZombie(t *testing.T) {
	var exists, term, reaped error
	var ws abi.WaitStatus
	runInit(t, func(tk *Task, argv []string) int {
		pid, _ := tk.Fork(func(c *Task) int { return 7 })
		for i := 0; i < 10; i++ {
			tk.Nanosleep(time.Millisecond)
		}
		exists = tk.Kill(pid, 0)
		term = tk.Kill(pid, int(signal.SIGTERM))
		_, ws, _ = tk.Wait4(pid, 0)
		reaped = tk.Kill(pid, 0)
		return 0
	})
	require.NoError(t, exists)
	require.NoError(t, term)
	require.True(t, ws.Exited())
	require.Equal(t, 7, ws.ExitStatus())
	require.ErrorIs(t, reaped, abi.ESRCH)
}

func TestStopContinue(t *testing.T) {
	var stopped, continued, exited abi.WaitStatus
	runInit(t, func(tk *Task, argv []string) int {
		pid, _ := tk.Fork(func(c *Task) int {
			c.Raise(int(signal.SIGSTOP))
			return 9
		})
		_, stopped, _ = tk.Wait4(pid, abi.WUNTRACED)
		tk.Kill(pid, int(signal.SIGCONT))
		_, continued, _ = tk.Wait4(pid, abi.WCONTINUED)
		_, exited, _ = tk.Wait4(pid, 0)
		return 0
	})
	require.True(t, stopped.Stopped())
	require.Equal(t, int(signal.SIGSTOP), stopped.StopSignal())
	require.True(t, continued.Continued())
	require.Equal(t, 9, exited.ExitStatus())
}

func TestProcessGroups(t *testing.T) {
	var (
		initSetsid, leaderSetsid, crossSession error
		ownGroup, sid, sidPid                  int
		parentSet, parentGot, childPid         int
	)
	runInit(t, func(tk *Task, argv []string) int {
		_, initSetsid = tk.Setsid()
		a, _ := tk.Fork(func(c *Task) int {
			c.Setpgid(0, 0)
			ownGroup, _ = c.Getpgid(0)
			_, leaderSetsid = c.Setsid()
			return 0
		})
		tk.Wait4(a, 0)
		b, _ := tk.Fork(func(c *Task) int {
			sid, _ = c.Setsid()
			sidPid = c.Getpid()
			crossSession = c.Setpgid(0, 1)
			return 0
		})
		tk.Wait4(b, 0)
		childPid, _ = tk.Fork(func(c *Task) int { return 0 })
		if tk.Setpgid(childPid, childPid) == nil {
			parentSet = childPid
		}
		parentGot, _ = tk.Getpgid(childPid)
		tk.Wait4(childPid, 0)
		return 0
	})
	require.ErrorIs(t, initSetsid, abi.EPERM)
	require.NotZero(t, ownGroup)
	require.ErrorIs(t, leaderSetsid, abi.EPERM)
	require.Equal(t, sidPid, sid)
	require.ErrorIs(t, crossSession, abi.EPERM)
	require.Equal(t, childPid, parentSet)
	require.Equal(t, childPid, parentGot)
}

func TestReleaseHook(t *testing.T) {
	var (
		released []int
		pid      int
		gone     bool
	)
	k, _ := newKernel(t, map[string]Main{"init": func(tk *Task, argv []string) int {
		pid, _ = tk.Fork(func(c *Task) int { return 0 })
		tk.Wait4(pid, 0)
		_, found := tk.Kernel().Process(pid)
		gone = !found
		return 0
	}})
	k.OnRelease(func(p int) { released = append(released, p) })
	boot(t, k, "/bin/init")
	require.True(t, gone)
	require.Contains(t, released, pid)
}

func TestOrphansReparentToInit(t *testing.T) {
	var parent, grandchild int
	runInit(t, func(tk *Task, argv []string) int {
		var done bool
		mid, _ := tk.Fork(func(c *Task) int {
			grandchild, _ = c.Fork(func(g *Task) int {
				for !done {
					g.Yield()
				}
				parent = g.Getppid()
				return 0
			})
			return 0
		})
		tk.Wait4(mid, 0)
		done = true
		for grandchild == 0 || parent == 0 {
			tk.Yield()
		}
		return 0
	})
	require.NotZero(t, grandchild)
	require.Equal(t, 1, parent)
}

func TestNanosleepInterrupted(t *testing.T) {
	var err error
	var handled bool
	runInit(t, func(tk *Task, argv []string) int {
		tk.Sigaction(int(signal.SIGALRM), &signal.Action{Func: func(signal.Signal) { handled = true }}, nil)
		self := tk.Getpid()
		tk.Fork(func(c *Task) int {
			c.Kill(self, int(signal.SIGALRM))
			return 0
		})
		err = tk.Nanosleep(5 * time.Second)
		tk.Wait4(-1, 0)
		return 0
	})
	require.ErrorIs(t, err, abi.EINTR)
	require.True(t, handled)
}
