package fusekit

import (
	"context"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/vfs"
)

func tree(t *testing.T) (*vfs.Dir, *node) {
	t.Helper()
	a := vfs.NewArena()
	root := a.NewRoot(vfs.NewDir(0755)).(*vfs.Dir)
	root.Attach("hello", vfs.NewFile(0644, []byte("hello world")))
	root.Attach("sub", vfs.NewDir(0755))
	return root, Root(root, nil).(*node)
}

func TestGetattr(t *testing.T) {
	root, n := tree(t)
	var out fuse.AttrOut
	require.Equal(t, syscall.Errno(0), n.Getattr(context.Background(), nil, &out))
	require.Equal(t, uint32(syscall.S_IFDIR|0755), out.Mode)
	require.Equal(t, uint64(root.Ino()), out.Ino)
}

func TestReaddir(t *testing.T) {
	_, n := tree(t)
	ds, errno := n.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)
	modes := map[string]uint32{}
	for ds.HasNext() {
		e, errno := ds.Next()
		require.Equal(t, syscall.Errno(0), errno)
		modes[e.Name] = e.Mode &^ 07777
	}
	require.Equal(t, map[string]uint32{
		"hello": syscall.S_IFREG,
		"sub":   syscall.S_IFDIR,
	}, modes)
}

func TestReadWrite(t *testing.T) {
	root, _ := tree(t)
	ctx := context.Background()
	c, err := vfs.Lookup(ctx, root, "hello")
	require.NoError(t, err)
	n := &node{m: Root(root, nil).(*node).m, vn: c}

	fh, _, errno := n.Open(ctx, uint32(abi.O_RDWR))
	require.Equal(t, syscall.Errno(0), errno)
	h := fh.(*fileHandle)
	written, errno := h.Write(ctx, []byte("HELLO"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, uint32(5), written)

	buf := make([]byte, 32)
	res, errno := h.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, _ := res.Bytes(nil)
	require.Equal(t, "HELLO world", string(data))
	require.Equal(t, syscall.Errno(0), h.Release(ctx))

	var out fuse.AttrOut
	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = 5
	require.Equal(t, syscall.Errno(0), n.Setattr(ctx, nil, in, &out))
	require.Equal(t, uint64(5), out.Size)
}

func TestErrno(t *testing.T) {
	require.Equal(t, syscall.ENOENT, sysErrno(abi.ENOENT))
	require.Equal(t, syscall.Errno(0), sysErrno(nil))
	_, n := tree(t)
	_, _, errno := n.Open(context.Background(), uint32(abi.O_WRONLY))
	require.Equal(t, syscall.EISDIR, errno)
}
