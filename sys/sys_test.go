package sys

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
)

func run(t *testing.T, main task.Main) {
	t.Helper()
	k := task.New(task.Config{})
	root := k.Root().(*vfs.Dir)
	bin := root.Attach("bin", vfs.NewDir(0755)).(*vfs.Dir)
	k.Register("init", main)
	bin.Attach("init", vfs.NewFile(0755, task.NativeStub("init")))
	_, err := k.Spawn(task.Attr{Path: "/bin/init"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	k.Run(ctx)
}

func TestErrors(t *testing.T) {
	table := Default()
	table[900] = Syscall{"boom", func(t *task.Task, a Args) (int64, error) {
		panic("boom")
	}}
	d := New(table, nil, nil)
	var unknown, fault, crash, badf, short int64
	run(t, func(tk *task.Task, argv []string) int {
		unknown = d.Call(tk, 4242)
		fault = d.Call(tk, SYS_WRITE, 1, "not bytes")
		crash = d.Call(tk, 900)
		badf = d.Call(tk, SYS_CLOSE, 77)
		short = d.Call(tk, SYS_GETCWD, []byte{})
		return 0
	})
	require.Equal(t, -int64(abi.ENOSYS), unknown)
	require.Equal(t, -int64(abi.EFAULT), fault)
	require.Equal(t, -int64(abi.EIO), crash)
	require.Equal(t, -int64(abi.EBADF), badf)
	require.Equal(t, -int64(abi.ERANGE), short)
	require.Equal(t, "close", d.Name(SYS_CLOSE))
	require.Equal(t, "4242", d.Name(4242))
}

func TestFilesAndPipes(t *testing.T) {
	d := New(nil, nil, nil)
	var (
		fds     [2]int
		wrote   int64
		got     []byte
		cwd     []byte
		st      abi.Stat
		statRet int64
	)
	run(t, func(tk *task.Task, argv []string) int {
		d.Call(tk, SYS_PIPE2, &fds, 0)
		wrote = d.Call(tk, SYS_WRITE, fds[1], []byte("through"))
		buf := make([]byte, 16)
		n := d.Call(tk, SYS_READ, fds[0], buf)
		if n > 0 {
			got = buf[:n]
		}

		// AT_FDCWD arrives sign-extended from a register.
		fdcwd := int64(abi.AT_FDCWD)
		fd := d.Call(tk, SYS_OPENAT, uint64(fdcwd), "/note", abi.O_RDWR|abi.O_CREAT, 0644)
		d.Call(tk, SYS_WRITE, fd, []byte("1234"))
		statRet = d.Call(tk, SYS_FSTAT, fd, &st)

		buf = make([]byte, 64)
		n = d.Call(tk, SYS_GETCWD, buf)
		if n > 0 {
			cwd = buf[:n]
		}
		return 0
	})
	require.Equal(t, int64(7), wrote)
	require.Equal(t, "through", string(got))
	require.Equal(t, int64(0), statRet)
	require.Equal(t, int64(4), st.Size)
	require.Equal(t, "/", string(cwd))
}

func TestProcessCalls(t *testing.T) {
	d := New(nil, nil, nil)
	var (
		pid, waited, self int64
		ws                abi.WaitStatus
	)
	run(t, func(tk *task.Task, argv []string) int {
		self = d.Call(tk, SYS_GETPID)
		pid = d.Call(tk, SYS_FORK, task.Entry(func(c *task.Task) int {
			return 7
		}))
		waited = d.Call(tk, SYS_WAIT4, pid, &ws, 0)
		return 0
	})
	require.Equal(t, int64(1), self)
	require.Greater(t, pid, int64(1))
	require.Equal(t, pid, waited)
	require.True(t, ws.Exited())
	require.Equal(t, 7, ws.ExitStatus())
}

func TestXattrs(t *testing.T) {
	d := New(nil, nil, nil)
	var size, list int64
	var value, names []byte
	var missing int64
	run(t, func(tk *task.Task, argv []string) int {
		fd, _ := tk.Open("/f", abi.O_RDWR|abi.O_CREAT, 0644)
		tk.Close(fd)
		d.Call(tk, SYS_SETXATTR, "/f", "user.color", []byte("blue"), 0)
		size = d.Call(tk, SYS_GETXATTR, "/f", "user.color", nil)
		value = make([]byte, size)
		d.Call(tk, SYS_GETXATTR, "/f", "user.color", value)
		names = make([]byte, 64)
		list = d.Call(tk, SYS_LISTXATTR, "/f", names)
		d.Call(tk, SYS_REMOVEXATTR, "/f", "user.color")
		missing = d.Call(tk, SYS_GETXATTR, "/f", "user.color", nil)
		return 0
	})
	require.Equal(t, int64(4), size)
	require.Equal(t, "blue", string(value))
	require.Equal(t, "user.color\x00", string(names[:list]))
	require.Less(t, missing, int64(0))
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := New(nil, reg, nil)
	run(t, func(tk *task.Task, argv []string) int {
		d.Call(tk, SYS_GETPID)
		d.Call(tk, SYS_GETPID)
		d.Call(tk, SYS_CLOSE, 99)
		return 0
	})
	require.Equal(t, 2.0, testutil.ToFloat64(d.calls.WithLabelValues("getpid")))
	require.Equal(t, 1.0, testutil.ToFloat64(d.errors.WithLabelValues("close", "EBADF")))
	n, err := testutil.GatherAndCount(reg, "cooper_syscalls_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
