// Package fusekit mounts the node graph on the host through FUSE.
package fusekit

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// Executor runs fn where the node graph may be touched, usually
// Kernel.Do.
type Executor func(ctx context.Context, fn func()) error

// Mount serves root at dir on the host until the server is unmounted.
// Requests run through do. If the first attempt fails, a stale mount
// left at dir is cleared and the mount retried once.
func Mount(root vfs.Node, do Executor, dir string, debug bool) (*fuse.Server, error) {
	opts := &gofs.Options{
		MountOptions: fuse.MountOptions{
			Debug:  debug,
			FsName: "cooper",
			Name:   "cooper",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}
	if err := os.MkdirAll(dir, 0755); err != nil && !clearStale(dir) {
		return nil, err
	}
	srv, err := gofs.Mount(dir, Root(root, do), opts)
	if err != nil && clearStale(dir) {
		srv, err = gofs.Mount(dir, Root(root, do), opts)
	}
	return srv, err
}

func clearStale(dir string) bool {
	if exec.Command("fusermount", "-u", dir).Run() == nil {
		return true
	}
	return exec.Command("umount", dir).Run() == nil
}

type mount struct {
	do Executor
}

func (m *mount) run(ctx context.Context, fn func() error) syscall.Errno {
	var err error
	if derr := m.do(ctx, func() { err = fn() }); derr != nil {
		return syscall.EINTR
	}
	return sysErrno(err)
}

// Root returns the FUSE root for n.
func Root(n vfs.Node, do Executor) gofs.InodeEmbedder {
	if do == nil {
		do = func(ctx context.Context, fn func()) error {
			fn()
			return nil
		}
	}
	return &node{m: &mount{do: do}, vn: n}
}

func modeBits(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	switch {
	case m.IsDir():
		bits |= syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		bits |= syscall.S_IFLNK
	case m&fs.ModeCharDevice != 0:
		bits |= syscall.S_IFCHR
	case m&fs.ModeNamedPipe != 0:
		bits |= syscall.S_IFIFO
	case m&fs.ModeSocket != 0:
		bits |= syscall.S_IFSOCK
	default:
		bits |= syscall.S_IFREG
	}
	return bits
}

func applyStat(out *fuse.Attr, st abi.Stat) {
	out.Ino = st.Ino
	out.Mode = modeBits(st.Mode)
	out.Nlink = st.Nlink
	out.Size = uint64(st.Size)
	out.Blocks = uint64((st.Size + 511) / 512)
	out.Rdev = uint32(st.Rdev)
	out.Atime = uint64(st.Atime.Unix())
	out.Atimensec = uint32(st.Atime.Nanosecond())
	out.Mtime = uint64(st.Mtime.Unix())
	out.Mtimensec = uint32(st.Mtime.Nanosecond())
	out.Ctime = uint64(st.Ctime.Unix())
	out.Ctimensec = uint32(st.Ctime.Nanosecond())
}

type node struct {
	gofs.Inode
	m  *mount
	vn vfs.Node
}

var _ = (gofs.NodeGetattrer)((*node)(nil))

func (n *node) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return n.m.run(ctx, func() error {
		st, err := vfs.Stat(ctx, n.vn)
		if err != nil {
			return err
		}
		if h, ok := fh.(*fileHandle); ok {
			if hs, err := h.h.Stat(ctx); err == nil {
				st.Size = hs.Size
			}
		}
		applyStat(&out.Attr, st)
		return nil
	})
}

var _ = (gofs.NodeSetattrer)((*node)(nil))

func (n *node) Setattr(ctx context.Context, fh gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return n.m.run(ctx, func() error {
		if size, ok := in.GetSize(); ok {
			if err := vfs.Truncate(ctx, n.vn, int64(size)); err != nil {
				return err
			}
		}
		if mode, ok := in.GetMode(); ok {
			if err := vfs.Chmod(ctx, n.vn, fs.FileMode(mode)&fs.ModePerm); err != nil {
				return err
			}
		}
		atime, aok := in.GetATime()
		mtime, mok := in.GetMTime()
		if aok || mok {
			if !aok {
				atime = time.Time{}
			}
			if !mok {
				mtime = time.Time{}
			}
			if err := vfs.SetTimes(ctx, n.vn, atime, mtime); err != nil {
				return err
			}
		}
		st, err := vfs.Stat(ctx, n.vn)
		if err != nil {
			return err
		}
		applyStat(&out.Attr, st)
		return nil
	})
}

// child wraps c in an inode keyed by its node id.
func (n *node) child(ctx context.Context, c vfs.Node, out *fuse.EntryOut) (*gofs.Inode, error) {
	st, err := vfs.Stat(ctx, c)
	if err != nil {
		return nil, err
	}
	applyStat(&out.Attr, st)
	return n.NewInode(ctx, &node{m: n.m, vn: c}, gofs.StableAttr{
		Mode: modeBits(c.Mode()) &^ 07777,
		Ino:  uint64(c.Ino()),
	}), nil
}

var _ = (gofs.NodeLookuper)((*node)(nil))

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	var in *gofs.Inode
	errno := n.m.run(ctx, func() error {
		c, err := vfs.Lookup(ctx, n.vn, name)
		if err != nil {
			return err
		}
		in, err = n.child(ctx, c, out)
		return err
	})
	return in, errno
}

var _ = (gofs.NodeReaddirer)((*node)(nil))

func (n *node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	var ents []fuse.DirEntry
	errno := n.m.run(ctx, func() error {
		seq, err := vfs.Iterate(ctx, n.vn)
		if err != nil {
			return err
		}
		a := vfs.ArenaOf(n.vn)
		for ino, name := range seq {
			ent := fuse.DirEntry{Name: name, Ino: uint64(ino)}
			if a != nil {
				if c, ok := a.Get(ino); ok {
					ent.Mode = modeBits(c.Mode())
				}
			}
			ents = append(ents, ent)
		}
		return nil
	})
	if errno != 0 {
		return nil, errno
	}
	return gofs.NewListDirStream(ents), 0
}

var _ = (gofs.NodeOpener)((*node)(nil))

func (n *node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	var fh *fileHandle
	errno := n.m.run(ctx, func() error {
		h, err := vfs.Open(ctx, n.vn, int(flags)&(abi.O_ACCMODE|abi.O_TRUNC|abi.O_APPEND))
		if err != nil {
			return err
		}
		fh = &fileHandle{m: n.m, h: h}
		return nil
	})
	if errno != 0 {
		return nil, 0, errno
	}
	return fh, fuse.FOPEN_DIRECT_IO, 0
}

var _ = (gofs.NodeCreater)((*node)(nil))

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	var (
		in *gofs.Inode
		fh *fileHandle
	)
	errno := n.m.run(ctx, func() error {
		c, err := vfs.Create(ctx, n.vn, name, fs.FileMode(mode)&fs.ModePerm)
		if err != nil {
			return err
		}
		h, err := vfs.Open(ctx, c, int(flags)&abi.O_ACCMODE)
		if err != nil {
			return err
		}
		fh = &fileHandle{m: n.m, h: h}
		in, err = n.child(ctx, c, out)
		return err
	})
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return in, fh, fuse.FOPEN_DIRECT_IO, 0
}

var _ = (gofs.NodeMkdirer)((*node)(nil))

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	var in *gofs.Inode
	errno := n.m.run(ctx, func() error {
		c, err := vfs.Mkdir(ctx, n.vn, name, fs.FileMode(mode)&fs.ModePerm)
		if err != nil {
			return err
		}
		in, err = n.child(ctx, c, out)
		return err
	})
	return in, errno
}

var _ = (gofs.NodeSymlinker)((*node)(nil))

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	var in *gofs.Inode
	errno := n.m.run(ctx, func() error {
		c, err := vfs.Symlink(ctx, n.vn, target, name)
		if err != nil {
			return err
		}
		in, err = n.child(ctx, c, out)
		return err
	})
	return in, errno
}

var _ = (gofs.NodeReadlinker)((*node)(nil))

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	var target string
	errno := n.m.run(ctx, func() (err error) {
		target, err = vfs.Readlink(ctx, n.vn)
		return err
	})
	return []byte(target), errno
}

var _ = (gofs.NodeUnlinker)((*node)(nil))

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.m.run(ctx, func() error { return vfs.Unlink(ctx, n.vn, name, false) })
}

var _ = (gofs.NodeRmdirer)((*node)(nil))

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.m.run(ctx, func() error { return vfs.Unlink(ctx, n.vn, name, true) })
}

var _ = (gofs.NodeRenamer)((*node)(nil))

func (n *node) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	return n.m.run(ctx, func() error { return vfs.Rename(ctx, n.vn, name, np.vn, newName) })
}

type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
}

type fileHandle struct {
	m *mount
	h handle.Handle
}

var _ = (gofs.FileReader)((*fileHandle)(nil))

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	var n int
	errno := f.m.run(ctx, func() (err error) {
		switch h := f.h.(type) {
		case readerAt:
			n, err = h.ReadAt(dest, off)
		case handle.Stream:
			n, err = h.Read(ctx, dest)
		default:
			err = abi.EBADF
		}
		return err
	})
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

var _ = (gofs.FileWriter)((*fileHandle)(nil))

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	var n int
	errno := f.m.run(ctx, func() (err error) {
		switch h := f.h.(type) {
		case writerAt:
			n, err = h.WriteAt(data, off)
		case handle.Stream:
			n, err = h.Write(ctx, data)
		default:
			err = abi.EBADF
		}
		return err
	})
	return uint32(n), errno
}

var _ = (gofs.FileReleaser)((*fileHandle)(nil))

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return f.m.run(ctx, f.h.Release)
}
