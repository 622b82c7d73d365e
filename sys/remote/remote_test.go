package remote

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"tractor.dev/toolkit-go/duplex/mux"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/sys"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
)

func pipe(t *testing.T) (mux.Session, mux.Session) {
	t.Helper()
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a, err := mux.DialIO(aw, ar)
	require.NoError(t, err)
	b, err := mux.DialIO(bw, br)
	require.NoError(t, err)
	return a, b
}

func TestRemoteProcess(t *testing.T) {
	k := task.New(task.Config{})
	root := k.Root().(*vfs.Dir)
	bin := root.Attach("bin", vfs.NewDir(0755)).(*vfs.Dir)
	s := New(k, sys.New(nil, nil, nil))
	bin.Attach(Program, vfs.NewFile(0755, task.NativeStub(Program)))

	// init reaps the first child and halts with its status.
	var ws abi.WaitStatus
	k.Register("init", func(tk *task.Task, argv []string) int {
		for {
			_, st, err := tk.Wait4(-1, 0)
			if err == nil {
				ws = st
				return 0
			}
			tk.Nanosleep(10 * time.Millisecond)
		}
	})
	bin.Attach("init", vfs.NewFile(0755, task.NativeStub("init")))
	_, err := k.Spawn(task.Attr{Path: "/bin/init"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	halted := make(chan int, 1)
	go func() { halted <- k.Run(ctx) }()

	srv, cli := pipe(t)
	go s.Serve(ctx, srv)
	c := NewClient(cli)

	pid, err := c.Spawn(ctx, "guest", "-x")
	require.NoError(t, err)
	require.Greater(t, pid, 1)

	rep, err := c.Syscall(ctx, pid, sys.SYS_GETPID)
	require.NoError(t, err)
	require.Equal(t, int64(pid), rep.Ret)

	rep, err = c.Syscall(ctx, pid, sys.SYS_OPENAT, abi.AT_FDCWD, "/greeting", abi.O_RDWR|abi.O_CREAT, 0644)
	require.NoError(t, err)
	fd := rep.Ret
	require.GreaterOrEqual(t, fd, int64(0))

	rep, err = c.Syscall(ctx, pid, sys.SYS_WRITE, fd, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(5), rep.Ret)

	rep, err = c.Syscall(ctx, pid, sys.SYS_PREAD64, fd, make([]byte, 5), 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), rep.Ret)
	require.Equal(t, "hello", string(rep.Bufs[1]))

	rep, err = c.Syscall(ctx, pid, 4242)
	require.NoError(t, err)
	require.Equal(t, -int64(abi.ENOSYS), rep.Ret)

	require.NoError(t, c.Exit(ctx, pid, 3))
	require.Equal(t, 0, <-halted)
	require.True(t, ws.Exited())
	require.Equal(t, 3, ws.ExitStatus())

	rep, err = c.Syscall(ctx, pid, sys.SYS_GETPID)
	require.NoError(t, err)
	require.Equal(t, -int64(abi.ESRCH), rep.Ret)
}
