package fdtable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/pipe"
)

func newPipe() (*handle.File, *handle.File) {
	r, w := pipe.New(64)
	return handle.NewFile(r, abi.O_RDONLY, "pipe:[1]"), handle.NewFile(w, abi.O_WRONLY, "pipe:[1]")
}

func TestAllocation(t *testing.T) {
	tb := New(4)
	r, w := newPipe()
	fd, err := tb.Alloc(r, false)
	require.NoError(t, err)
	require.Equal(t, 0, fd)
	fd, err = tb.Alloc(w, true)
	require.NoError(t, err)
	require.Equal(t, 1, fd)

	require.NoError(t, tb.Close(0))
	fd, err = tb.Dup(1, 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, fd, "lowest unused is reused")

	fd, err = tb.Dup(1, 3, false)
	require.NoError(t, err)
	require.Equal(t, 3, fd)
	_, err = tb.Dup(1, 2, false)
	require.NoError(t, err)
	_, err = tb.Dup(1, 0, false)
	require.ErrorIs(t, err, abi.EMFILE)
	require.ErrorIs(t, err, abi.ErrExhausted)

	_, err = tb.Get(9)
	require.ErrorIs(t, err, abi.EBADF)
	require.ErrorIs(t, tb.Close(9), abi.EBADF)
	require.Equal(t, 4, tb.Len())
}

func TestDuplicateSharesHandle(t *testing.T) {
	ctx := context.Background()
	tb := New(0)
	r, w := newPipe()
	tb.Assign(0, r, false)
	tb.Assign(1, w, false)

	fd, err := tb.Duplicate(1, 5, true)
	require.NoError(t, err)
	require.Equal(t, 5, fd)
	dup, _ := tb.Get(5)
	require.Same(t, w, dup)
	flags, _ := tb.Flags(5)
	require.Equal(t, abi.FD_CLOEXEC, flags)

	require.NoError(t, tb.Close(1))
	_, err = w.Write(ctx, []byte("x"))
	require.NoError(t, err, "closing the original leaves the duplicate usable")

	// replacing an occupant closes it
	_, err = tb.Duplicate(0, 5, false)
	require.NoError(t, err)
	require.Equal(t, 0, w.Refs())
	_, err = r.Read(ctx, make([]byte, 1))
	require.NoError(t, err)
	n, err := r.Read(ctx, make([]byte, 1))
	require.Zero(t, n)
	require.Zero(t, abi.ToErrno(err), "EOF once every writer is gone")
}

func TestDuplicateOntoItself(t *testing.T) {
	tb := New(0)
	r, _ := newPipe()
	tb.Assign(0, r, true)

	fd, err := tb.Duplicate(0, 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, fd)
	flags, _ := tb.Flags(0)
	require.Equal(t, abi.FD_CLOEXEC, flags, "descriptor flags are untouched")
	require.Equal(t, 1, r.Refs())

	_, err = tb.Duplicate(3, 3, false)
	require.ErrorIs(t, err, abi.EBADF)
}

func TestForkAndShare(t *testing.T) {
	tb := New(0)
	r, w := newPipe()
	tb.Alloc(r, false)
	tb.Alloc(w, true)

	shared := tb.Share()
	require.True(t, tb.Shared())
	shared.Close(0)
	_, err := tb.Get(0)
	require.ErrorIs(t, err, abi.EBADF, "shared tables see each other's closes")

	c := tb.Fork()
	require.Equal(t, 2, w.Refs())
	require.NoError(t, c.SetFlags(1, 0))
	flags, _ := tb.Flags(1)
	require.Equal(t, abi.FD_CLOEXEC, flags, "close-on-exec is per table copy")

	require.NoError(t, tb.CloseOnExec())
	_, err = tb.Get(1)
	require.ErrorIs(t, err, abi.EBADF)
	got, err := c.Get(1)
	require.NoError(t, err)
	require.Same(t, w, got)

	require.NoError(t, shared.Release())
	require.NoError(t, tb.Release())
	require.NoError(t, c.Release())
	require.Equal(t, 0, w.Refs())
	require.Equal(t, 0, c.Len())
}
