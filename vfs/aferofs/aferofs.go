// Package aferofs mounts an afero.Fs into the node graph. Nodes are
// addressed by their path below the mount, which is recomputed from the
// arena so renames carry over to open nodes.
package aferofs

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
	"tractor.dev/cooper/vfs/vfskit"
)

// New returns a builder for a directory showing the root of fsys.
func New(fsys afero.Fs) vfskit.Builder {
	return func(e *vfs.Entry) vfs.Node {
		m := &mount{fs: fsys, root: e.Ino()}
		return &Dir{node{Entry: e, m: m}}
	}
}

type mount struct {
	fs   afero.Fs
	root vfs.Ino
}

func (m *mount) lstat(name string) (fs.FileInfo, error) {
	if l, ok := m.fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(name)
		return fi, err
	}
	return m.fs.Stat(name)
}

func (m *mount) build(fi fs.FileInfo) vfskit.Builder {
	return func(e *vfs.Entry) vfs.Node {
		n := node{Entry: e, m: m}
		switch {
		case fi.IsDir():
			return &Dir{n}
		case fi.Mode()&fs.ModeSymlink != 0:
			return &Symlink{n}
		default:
			return &File{n}
		}
	}
}

// errno maps fs and os errors to an Errno, keeping nil nil.
func errno(err error) error {
	return abi.Err(abi.ToErrno(err))
}

type node struct {
	*vfs.Entry
	m *mount
}

// path returns the name of the node within the mounted fs.
func (n *node) path() string {
	var parts []string
	e := vfs.Node(n)
	for e.Ino() != n.m.root {
		parts = append(parts, e.Name())
		p, ok := vfs.ParentOf(e)
		if !ok || p.Ino() == e.Ino() {
			break
		}
		e = p
	}
	p := "/"
	for i := len(parts) - 1; i >= 0; i-- {
		p = path.Join(p, parts[i])
	}
	return p
}

func (n *node) info() (fs.FileInfo, error) {
	fi, err := n.m.lstat(n.path())
	if err != nil {
		return nil, errno(err)
	}
	return fi, nil
}

func (n *node) Mode() fs.FileMode {
	fi, err := n.info()
	if err != nil {
		return 0
	}
	return fi.Mode()
}

func (n *node) Exists(ctx context.Context) bool {
	_, err := n.info()
	return err == nil
}

func (n *node) Stat(ctx context.Context) (abi.Stat, error) {
	fi, err := n.info()
	if err != nil {
		return abi.Stat{}, err
	}
	st := abi.Stat{
		Mode:  fi.Mode(),
		Nlink: 1,
		Size:  fi.Size(),
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}
	if fi.IsDir() {
		st.Nlink = 2
		st.Size = 0
	}
	return st, nil
}

func (n *node) Chmod(ctx context.Context, mode fs.FileMode) error {
	return errno(n.m.fs.Chmod(n.path(), mode.Perm()))
}

func (n *node) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	fi, err := n.info()
	if err != nil {
		return err
	}
	if mtime.IsZero() {
		mtime = fi.ModTime()
	}
	if atime.IsZero() {
		atime = mtime
	}
	return errno(n.m.fs.Chtimes(n.path(), atime, mtime))
}

// Dir is a directory of the mounted fs.
type Dir struct{ node }

func (d *Dir) child(name string) string { return path.Join(d.path(), name) }

func (d *Dir) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	fi, err := d.m.lstat(d.child(name))
	if err != nil {
		d.Arena().Forget(d.Ino(), name)
		return nil, errno(err)
	}
	if n, ok := d.Arena().Lookup(d.Ino(), name); ok && n.Mode().Type() != fi.Mode().Type() {
		d.Arena().Forget(d.Ino(), name)
	}
	return d.Arena().Intern(d.Ino(), name, d.m.build(fi)), nil
}

func (d *Dir) Iterate(ctx context.Context) iter.Seq2[vfs.Ino, string] {
	return func(yield func(vfs.Ino, string) bool) {
		infos, err := afero.ReadDir(d.m.fs, d.path())
		if err != nil {
			return
		}
		for _, fi := range infos {
			n := d.Arena().Intern(d.Ino(), fi.Name(), d.m.build(fi))
			if !yield(n.Ino(), fi.Name()) {
				return
			}
		}
	}
}

func (d *Dir) Create(ctx context.Context, name string, mode fs.FileMode) (vfs.Node, error) {
	f, err := d.m.fs.OpenFile(d.child(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return nil, errno(err)
	}
	if err := f.Close(); err != nil {
		return nil, errno(err)
	}
	return d.Lookup(ctx, name)
}

func (d *Dir) Mkdir(ctx context.Context, name string, mode fs.FileMode) (vfs.Node, error) {
	if _, err := d.m.lstat(d.child(name)); err == nil {
		return nil, abi.EEXIST
	}
	if err := d.m.fs.Mkdir(d.child(name), mode.Perm()); err != nil {
		return nil, errno(err)
	}
	return d.Lookup(ctx, name)
}

func (d *Dir) Symlink(ctx context.Context, target, name string) (vfs.Node, error) {
	l, ok := d.m.fs.(afero.Linker)
	if !ok {
		return nil, abi.EPERM
	}
	if err := l.SymlinkIfPossible(target, d.child(name)); err != nil {
		return nil, errno(err)
	}
	return d.Lookup(ctx, name)
}

func (d *Dir) Unlink(ctx context.Context, name string, rmdir bool) error {
	p := d.child(name)
	fi, err := d.m.lstat(p)
	if err != nil {
		return errno(err)
	}
	switch {
	case rmdir && !fi.IsDir():
		return abi.ENOTDIR
	case !rmdir && fi.IsDir():
		return abi.EISDIR
	case rmdir:
		empty, err := afero.IsEmpty(d.m.fs, p)
		if err != nil {
			return errno(err)
		}
		if !empty {
			return abi.ENOTEMPTY
		}
	}
	if err := d.m.fs.Remove(p); err != nil {
		return errno(err)
	}
	d.Arena().Forget(d.Ino(), name)
	return nil
}

func (d *Dir) Rename(ctx context.Context, oldname string, newdir vfs.Node, newname string) error {
	nd, ok := newdir.(*Dir)
	if !ok || nd.m != d.m {
		return abi.EXDEV
	}
	n, err := d.Lookup(ctx, oldname)
	if err != nil {
		return err
	}
	if existing, err := nd.Lookup(ctx, newname); err == nil {
		if existing.Ino() == n.Ino() {
			return nil
		}
		switch {
		case vfs.IsDir(existing) && !vfs.IsDir(n):
			return abi.EISDIR
		case !vfs.IsDir(existing) && vfs.IsDir(n):
			return abi.ENOTDIR
		}
		if err := nd.Unlink(ctx, newname, vfs.IsDir(existing)); err != nil {
			return err
		}
	}
	if err := d.m.fs.Rename(d.child(oldname), nd.child(newname)); err != nil {
		return errno(err)
	}
	d.Arena().Move(n, nd.Ino(), newname)
	return nil
}

// File is a regular file of the mounted fs.
type File struct{ node }

func openFlags(flags int) int {
	var f int
	switch flags & abi.O_ACCMODE {
	case abi.O_RDONLY:
		f = os.O_RDONLY
	case abi.O_WRONLY:
		f = os.O_WRONLY
	default:
		f = os.O_RDWR
	}
	if flags&abi.O_TRUNC != 0 && flags&abi.O_ACCMODE != abi.O_RDONLY {
		f |= os.O_TRUNC
	}
	return f
}

func (f *File) Open(ctx context.Context, flags int) (handle.Handle, error) {
	fi, err := f.info()
	if err != nil {
		return nil, err
	}
	file, err := f.m.fs.OpenFile(f.path(), openFlags(flags), fi.Mode().Perm())
	if err != nil {
		return nil, errno(err)
	}
	h := vfs.NewFileHandle(f, &storage{file})
	h.OnRelease(func() error { return errno(file.Close()) })
	return h, nil
}

func (f *File) Truncate(ctx context.Context, size int64) error {
	file, err := f.m.fs.OpenFile(f.path(), os.O_WRONLY, 0)
	if err != nil {
		return errno(err)
	}
	defer file.Close()
	return errno(file.Truncate(size))
}

type storage struct {
	f afero.File
}

func (s *storage) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if err == io.EOF {
		return n, err
	}
	return n, errno(err)
}

func (s *storage) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, errno(err)
	}
	return n, nil
}

func (s *storage) Size() int64 {
	fi, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *storage) Resize(size int64) error {
	return errno(s.f.Truncate(size))
}

// Symlink is a link stored in the mounted fs.
type Symlink struct{ node }

func (s *Symlink) Readlink(ctx context.Context) (string, error) {
	r, ok := s.m.fs.(afero.LinkReader)
	if !ok {
		return "", abi.EINVAL
	}
	target, err := r.ReadlinkIfPossible(s.path())
	return target, errno(err)
}
