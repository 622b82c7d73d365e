package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/signal"
)

func TestBrokenPipe(t *testing.T) {
	var (
		killed abi.WaitStatus
		werr   error
	)
	runInit(t, func(tk *Task, argv []string) int {
		pid, _ := tk.Fork(func(c *Task) int {
			fds, _ := c.Pipe2(0)
			c.Close(fds[0])
			c.Write(fds[1], []byte("x"))
			return 0
		})
		_, killed, _ = tk.Wait4(pid, 0)
		pid, _ = tk.Fork(func(c *Task) int {
			c.Sigaction(int(signal.SIGPIPE), &signal.Action{Handler: signal.SIG_IGN}, nil)
			fds, _ := c.Pipe2(0)
			c.Close(fds[0])
			_, werr = c.Write(fds[1], []byte("x"))
			return 0
		})
		tk.Wait4(pid, 0)
		return 0
	})
	require.True(t, killed.Signaled())
	require.Equal(t, int(signal.SIGPIPE), killed.Signal())
	require.ErrorIs(t, werr, abi.EPIPE)
}

func TestPipeEOF(t *testing.T) {
	var n int
	var err error
	runInit(t, func(tk *Task, argv []string) int {
		fds, _ := tk.Pipe2(0)
		tk.Write(fds[1], []byte("ab"))
		tk.Close(fds[1])
		buf := make([]byte, 8)
		tk.Read(fds[0], buf)
		n, err = tk.Read(fds[0], buf)
		return 0
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDupAndFcntl(t *testing.T) {
	var (
		dup, dup3, fdflags int
		selfDup, selfFlags int
		same, again        error
	)
	runInit(t, func(tk *Task, argv []string) int {
		fds, _ := tk.Pipe2(0)
		dup, _ = tk.Dup(fds[0])
		tk.Fcntl(dup, abi.F_SETFD, abi.FD_CLOEXEC)
		fdflags, _ = tk.Fcntl(dup, abi.F_GETFD, 0)
		dup3, _ = tk.Dup3(fds[0], 10, abi.O_CLOEXEC)
		_, same = tk.Dup3(fds[0], fds[0], 0)
		selfDup, _ = tk.Dup2(dup, dup)
		selfFlags, _ = tk.Fcntl(dup, abi.F_GETFD, 0)
		tk.Fcntl(fds[0], abi.F_SETFL, abi.O_NONBLOCK)
		_, again = tk.Read(dup3, make([]byte, 1))
		return 0
	})
	require.Equal(t, 2, dup)
	require.Equal(t, abi.FD_CLOEXEC, fdflags)
	require.Equal(t, 10, dup3)
	require.ErrorIs(t, same, abi.EINVAL)
	require.Equal(t, dup, selfDup)
	require.Equal(t, abi.FD_CLOEXEC, selfFlags, "dup2 onto itself keeps FD_CLOEXEC")
	require.ErrorIs(t, again, abi.EAGAIN)
}

func TestPoll(t *testing.T) {
	var (
		idle, ready int
		revents     handle.Events
	)
	runInit(t, func(tk *Task, argv []string) int {
		fds, _ := tk.Pipe2(0)
		pfd := []PollFd{{Fd: fds[0], Events: handle.EventIn}}
		idle, _ = tk.Poll(pfd, 10*time.Millisecond)
		pid, _ := tk.Fork(func(c *Task) int {
			c.Write(fds[1], []byte("x"))
			return 0
		})
		ready, _ = tk.Poll(pfd, -1)
		revents = pfd[0].Revents
		tk.Wait4(pid, 0)
		return 0
	})
	require.Equal(t, 0, idle)
	require.Equal(t, 1, ready)
	require.NotZero(t, revents&handle.EventIn)
}

func TestPump(t *testing.T) {
	var (
		moved, back int
		pos         int64
		off         int64 = 6
		piped       string
		file        string
	)
	runInit(t, func(tk *Task, argv []string) int {
		fd, err := tk.Open("/data", abi.O_RDWR|abi.O_CREAT, 0644)
		if err != nil {
			return 1
		}
		tk.Write(fd, []byte("hello world"))
		tk.Lseek(fd, 0, abi.SEEK_SET)
		p, _ := tk.Pipe2(0)
		moved, _ = tk.Pump(fd, &off, p[1], nil, 5, 0)
		pos, _ = tk.Lseek(fd, 0, abi.SEEK_CUR)
		buf := make([]byte, 16)
		n, _ := tk.Read(p[0], buf)
		piped = string(buf[:n])

		tk.Write(p[1], []byte("abc"))
		back, _ = tk.Pump(p[0], nil, fd, nil, 3, 0)
		tk.Lseek(fd, 0, abi.SEEK_SET)
		n, _ = tk.Read(fd, buf)
		file = string(buf[:n])
		return 0
	})
	require.Equal(t, 5, moved)
	require.Equal(t, int64(11), off)
	require.Equal(t, int64(0), pos)
	require.Equal(t, "world", piped)
	require.Equal(t, 3, back)
	require.Equal(t, "abclo world", file)
}

func TestSocketpair(t *testing.T) {
	var got string
	runInit(t, func(tk *Task, argv []string) int {
		fds, err := tk.Socketpair(abi.AF_UNIX, abi.SOCK_STREAM, 0)
		if err != nil {
			return 1
		}
		tk.Write(fds[0], []byte("ping"))
		buf := make([]byte, 8)
		n, _ := tk.Read(fds[1], buf)
		got = string(buf[:n])
		return 0
	})
	require.Equal(t, "ping", got)
}

func TestListenConnectAccept(t *testing.T) {
	var (
		got, name, peer string
		refused         error
	)
	runInit(t, func(tk *Task, argv []string) int {
		l, _ := tk.Socket(abi.AF_UNIX, abi.SOCK_STREAM, 0)
		tk.Bind(l, "svc")
		tk.Listen(l, 4)
		name, _ = tk.Getsockname(l)
		c, _ := tk.Socket(abi.AF_UNIX, abi.SOCK_STREAM, 0)
		if err := tk.Connect(c, "svc"); err != nil {
			return 1
		}
		s, _, err := tk.Accept4(l, 0)
		if err != nil {
			return 1
		}
		peer, _ = tk.Getpeername(c)
		tk.Write(c, []byte("hi"))
		buf := make([]byte, 8)
		n, _ := tk.Read(s, buf)
		got = string(buf[:n])
		other, _ := tk.Socket(abi.AF_UNIX, abi.SOCK_STREAM, 0)
		refused = tk.Connect(other, "nobody")
		return 0
	})
	require.Equal(t, "svc", name)
	require.Equal(t, "svc", peer)
	require.Equal(t, "hi", got)
	require.ErrorIs(t, refused, abi.ECONNREFUSED)
}

type staticApps map[string]string

func (a staticApps) Target(addr string) (string, bool) {
	target, ok := a[addr]
	return target, ok
}

func TestConnectStartsApp(t *testing.T) {
	var got string
	var cerr error
	k, _ := newKernel(t, map[string]Main{
		"init": func(tk *Task, argv []string) int {
			s, _ := tk.Socket(abi.AF_UNIX, abi.SOCK_STREAM, 0)
			if cerr = tk.Connect(s, "echo"); cerr != nil {
				return 1
			}
			tk.Write(s, []byte("hey"))
			buf := make([]byte, 8)
			n, _ := tk.Read(s, buf)
			got = string(buf[:n])
			tk.Wait4(-1, 0)
			return 0
		},
		"echod": func(tk *Task, argv []string) int {
			buf := make([]byte, 8)
			n, _ := tk.Read(0, buf)
			tk.Write(1, buf[:n])
			return 0
		},
	})
	k.SetApps(staticApps{"echo": "/bin/echod"})
	boot(t, k, "/bin/init")
	require.NoError(t, cerr)
	require.Equal(t, "hey", got)
}

func TestTerminalIoctlNeedsTerminal(t *testing.T) {
	var err error
	runInit(t, func(tk *Task, argv []string) int {
		fds, _ := tk.Pipe2(0)
		var pgrp int
		err = tk.Ioctl(fds[0], abi.TIOCGPGRP, &pgrp)
		return 0
	})
	require.ErrorIs(t, err, abi.ENOTTY)
}
