package task

import (
	"io"
	"io/fs"
	"strings"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// Timespec is a utimensat time. Nsec may be UTIME_NOW or UTIME_OMIT.
type Timespec struct {
	Sec  int64
	Nsec int64
}

func (ts Timespec) time() time.Time {
	switch ts.Nsec {
	case abi.UTIME_OMIT:
		return time.Time{}
	case abi.UTIME_NOW:
		return time.Now()
	}
	return time.Unix(ts.Sec, ts.Nsec)
}

// dirNode returns the directory a dirfd-relative path starts from.
func (t *Task) dirNode(dirfd int) (vfs.Node, error) {
	if dirfd == abi.AT_FDCWD {
		return t.fs.cwd, nil
	}
	n, err := t.fdNode(dirfd)
	if err != nil {
		return nil, err
	}
	if !vfs.IsDir(n) {
		return nil, abi.ENOTDIR
	}
	return n, nil
}

// fdNode returns the node an open descriptor was opened from.
func (t *Task) fdNode(fd int) (vfs.Node, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return nil, err
	}
	nh, ok := f.Handle.(nodeHandle)
	if !ok {
		return nil, abi.ENOTDIR
	}
	return nh.Node(), nil
}

func (t *Task) resolve(dirfd int, path string, follow bool) (vfs.Node, error) {
	start := t.fs.cwd
	if !strings.HasPrefix(path, "/") {
		var err error
		if start, err = t.dirNode(dirfd); err != nil {
			return nil, err
		}
	}
	return vfs.Resolve(t.ctx, t.fs.root, start, path, follow)
}

func (t *Task) resolveParent(dirfd int, path string) (vfs.Node, string, error) {
	start := t.fs.cwd
	if !strings.HasPrefix(path, "/") {
		var err error
		if start, err = t.dirNode(dirfd); err != nil {
			return nil, "", err
		}
	}
	return vfs.ResolveParent(t.ctx, t.fs.root, start, path)
}

// Resolve looks path up relative to the working directory.
func (t *Task) Resolve(path string, follow bool) (vfs.Node, error) {
	return t.resolve(abi.AT_FDCWD, path, follow)
}

// Openat opens path relative to dirfd and returns the lowest free
// descriptor.
func (t *Task) Openat(dirfd int, path string, flags int, mode fs.FileMode) (int, error) {
	ctx := t.ctx
	var n vfs.Node
	if flags&abi.O_CREAT != 0 {
		if strings.HasSuffix(path, "/") {
			return -1, abi.EISDIR
		}
		dir, name, err := t.resolveParent(dirfd, path)
		if err != nil {
			return -1, err
		}
		n, err = vfs.Lookup(ctx, dir, name)
		switch {
		case err == nil && flags&abi.O_EXCL != 0:
			return -1, abi.EEXIST
		case err == nil && vfs.IsLink(n) && flags&abi.O_NOFOLLOW == 0:
			if n, err = vfs.ResolveLink(ctx, t.fs.root, n); err != nil {
				return -1, err
			}
		case abi.ToErrno(err) == abi.ENOENT:
			if n, err = vfs.Create(ctx, dir, name, mode.Perm()); err != nil {
				return -1, err
			}
		case err != nil:
			return -1, err
		}
	} else {
		var err error
		n, err = t.resolve(dirfd, path, flags&abi.O_NOFOLLOW == 0)
		if err != nil {
			return -1, err
		}
	}
	if vfs.IsLink(n) {
		return -1, abi.ELOOP
	}
	if flags&abi.O_DIRECTORY != 0 && !vfs.IsDir(n) {
		return -1, abi.ENOTDIR
	}
	h, err := vfs.Open(ctx, n, flags)
	if err != nil {
		return -1, err
	}
	f := handle.NewFile(h, flags, vfs.PathOf(n))
	f.Ino = uint64(n.Ino())
	if flags&abi.O_TRUNC != 0 && f.Writable() {
		if r, ok := h.(handle.Regular); ok {
			if err := r.Truncate(0); err != nil {
				f.Unref()
				return -1, err
			}
		}
	}
	if term, ok := h.(handle.Terminal); ok && flags&abi.O_NOCTTY == 0 {
		if _, master := h.(multiplexer); !master {
			t.acquireTerminal(term)
		}
	}
	return t.install(f, flags&abi.O_CLOEXEC != 0)
}

type multiplexer interface {
	Multiplexer()
}

// install puts f in the lowest free slot, dropping it on failure.
func (t *Task) install(f *handle.File, cloexec bool) (int, error) {
	fd, err := t.fds.Alloc(f, cloexec)
	if err != nil {
		f.Unref()
		return -1, err
	}
	return fd, nil
}

// Open opens path relative to the working directory.
func (t *Task) Open(path string, flags int, mode fs.FileMode) (int, error) {
	return t.Openat(abi.AT_FDCWD, path, flags, mode)
}

func (t *Task) Close(fd int) error {
	return t.fds.Close(fd)
}

func (t *Task) Unlinkat(dirfd int, path string, flags int) error {
	if flags&^abi.AT_REMOVEDIR != 0 {
		return abi.EINVAL
	}
	dir, name, err := t.resolveParent(dirfd, path)
	if err != nil {
		return err
	}
	if name == "." || name == ".." {
		if flags&abi.AT_REMOVEDIR != 0 {
			return abi.EINVAL
		}
		return abi.EISDIR
	}
	return vfs.Unlink(t.ctx, dir, name, flags&abi.AT_REMOVEDIR != 0)
}

func (t *Task) Mkdirat(dirfd int, path string, mode fs.FileMode) error {
	dir, name, err := t.resolveParent(dirfd, path)
	if err != nil {
		return err
	}
	if name == "." || name == ".." {
		return abi.EEXIST
	}
	_, err = vfs.Mkdir(t.ctx, dir, name, mode.Perm())
	return err
}

func (t *Task) Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) error {
	od, oname, err := t.resolveParent(olddirfd, oldpath)
	if err != nil {
		return err
	}
	nd, nname, err := t.resolveParent(newdirfd, newpath)
	if err != nil {
		return err
	}
	if oname == "." || oname == ".." || nname == "." || nname == ".." {
		return abi.EBUSY
	}
	return vfs.Rename(t.ctx, od, oname, nd, nname)
}

func (t *Task) Linkat(olddirfd int, oldpath string, newdirfd int, newpath string, flags int) error {
	if flags&^abi.AT_SYMLINK_FOLLOW != 0 {
		return abi.EINVAL
	}
	target, err := t.resolve(olddirfd, oldpath, flags&abi.AT_SYMLINK_FOLLOW != 0)
	if err != nil {
		return err
	}
	dir, name, err := t.resolveParent(newdirfd, newpath)
	if err != nil {
		return err
	}
	return vfs.Link(t.ctx, target, dir, name)
}

func (t *Task) Symlinkat(target string, newdirfd int, linkpath string) error {
	if target == "" {
		return abi.ENOENT
	}
	dir, name, err := t.resolveParent(newdirfd, linkpath)
	if err != nil {
		return err
	}
	_, err = vfs.Symlink(t.ctx, dir, target, name)
	return err
}

func (t *Task) Readlinkat(dirfd int, path string) (string, error) {
	n, err := t.resolve(dirfd, path, false)
	if err != nil {
		return "", err
	}
	return vfs.Readlink(t.ctx, n)
}

// Utimensat sets access and modification times. A nil times means now
// for both; an empty path with AT_EMPTY_PATH means dirfd itself.
func (t *Task) Utimensat(dirfd int, path string, times *[2]Timespec, flags int) error {
	if flags&^(abi.AT_SYMLINK_NOFOLLOW|abi.AT_EMPTY_PATH) != 0 {
		return abi.EINVAL
	}
	var (
		n   vfs.Node
		err error
	)
	if path == "" {
		if flags&abi.AT_EMPTY_PATH == 0 && dirfd != abi.AT_FDCWD {
			return abi.ENOENT
		}
		if dirfd == abi.AT_FDCWD {
			n = t.fs.cwd
		} else if n, err = t.fdNode(dirfd); err != nil {
			return abi.EBADF
		}
	} else if n, err = t.resolve(dirfd, path, flags&abi.AT_SYMLINK_NOFOLLOW == 0); err != nil {
		return err
	}
	atime, mtime := time.Now(), time.Now()
	if times != nil {
		atime, mtime = times[0].time(), times[1].time()
	}
	return vfs.SetTimes(t.ctx, n, atime, mtime)
}

func (t *Task) Fstat(fd int) (abi.Stat, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return abi.Stat{}, err
	}
	st, err := f.Handle.Stat(t.ctx)
	if err != nil {
		return abi.Stat{}, err
	}
	if st.Ino == 0 {
		st.Ino = f.Ino
	}
	return st, nil
}

func (t *Task) Fstatat(dirfd int, path string, flags int) (abi.Stat, error) {
	if path == "" && flags&abi.AT_EMPTY_PATH != 0 {
		if dirfd == abi.AT_FDCWD {
			return vfs.Stat(t.ctx, t.fs.cwd)
		}
		return t.Fstat(dirfd)
	}
	n, err := t.resolve(dirfd, path, flags&abi.AT_SYMLINK_NOFOLLOW == 0)
	if err != nil {
		return abi.Stat{}, err
	}
	return vfs.Stat(t.ctx, n)
}

// Stat is Fstatat relative to the working directory, following links.
func (t *Task) Stat(path string) (abi.Stat, error) {
	return t.Fstatat(abi.AT_FDCWD, path, 0)
}

// Getdents reads up to n directory entries; none means the end.
func (t *Task) Getdents(fd int, n int) ([]abi.Dirent, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return nil, err
	}
	d, err := handle.AsDirectory(f.Handle)
	if err != nil {
		return nil, err
	}
	return d.ReadDir(t.ctx, n)
}

func (t *Task) Lseek(fd int, off int64, whence int) (int64, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if d, ok := f.Handle.(handle.Directory); ok {
		if off != 0 || whence != abi.SEEK_SET {
			return 0, abi.EINVAL
		}
		d.Rewind()
		return 0, nil
	}
	r, ok := f.Handle.(handle.Regular)
	if !ok {
		return 0, abi.ESPIPE
	}
	return r.Seek(off, whence)
}

func (t *Task) Ftruncate(fd int, size int64) error {
	if size < 0 {
		return abi.EINVAL
	}
	f, err := t.fds.Get(fd)
	if err != nil {
		return err
	}
	if !f.Writable() {
		return abi.EINVAL
	}
	r, err := handle.AsRegular(f.Handle)
	if err != nil {
		return err
	}
	return r.Truncate(size)
}

func (t *Task) Truncate(path string, size int64) error {
	if size < 0 {
		return abi.EINVAL
	}
	n, err := t.resolve(abi.AT_FDCWD, path, true)
	if err != nil {
		return err
	}
	return vfs.Truncate(t.ctx, n, size)
}

func (t *Task) Chdir(path string) error {
	n, err := t.resolve(abi.AT_FDCWD, path, true)
	if err != nil {
		return err
	}
	if !vfs.IsDir(n) {
		return abi.ENOTDIR
	}
	t.fs.cwd = n
	return nil
}

// Cwd returns the working directory node.
func (t *Task) Cwd() vfs.Node { return t.fs.cwd }

// FSRoot returns the root the task resolves absolute paths from.
func (t *Task) FSRoot() vfs.Node { return t.fs.root }

func (t *Task) Getcwd() (string, error) {
	if !vfs.Exists(t.ctx, t.fs.cwd) {
		return "", abi.ENOENT
	}
	return vfs.PathOf(t.fs.cwd), nil
}

// Copyfileat copies the regular file at src to dst, creating or
// replacing dst with the source's permissions.
func (t *Task) Copyfileat(srcdirfd int, src string, dstdirfd int, dst string, flags int) error {
	if flags != 0 {
		return abi.EINVAL
	}
	in, err := t.Openat(srcdirfd, src, abi.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer t.Close(in)
	st, err := t.Fstat(in)
	if err != nil {
		return err
	}
	if st.Mode.IsDir() {
		return abi.EISDIR
	}
	out, err := t.Openat(dstdirfd, dst, abi.O_WRONLY|abi.O_CREAT|abi.O_TRUNC, st.Mode.Perm())
	if err != nil {
		return err
	}
	defer t.Close(out)
	buf := make([]byte, 32*1024)
	for {
		n, err := t.Read(in, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := t.Write(out, buf[:n]); err != nil {
			return err
		}
		if err := t.Breathe(); err != nil {
			return err
		}
	}
}

// ReadFile reads all of path. Hosted programs use it for small files.
func (t *Task) ReadFile(path string) ([]byte, error) {
	fd, err := t.Open(path, abi.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer t.Close(fd)
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := t.Read(fd, buf)
		if err != nil && err != io.EOF {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// Getxattr returns the extended attribute name of path.
func (t *Task) Getxattr(path, name string, follow bool) ([]byte, error) {
	n, err := t.resolve(abi.AT_FDCWD, path, follow)
	if err != nil {
		return nil, err
	}
	return t.k.xattrs.Get(n.Ino(), name)
}

// Setxattr sets an extended attribute. flags takes XATTR_CREATE or
// XATTR_REPLACE.
func (t *Task) Setxattr(path, name string, value []byte, flags int, follow bool) error {
	if flags&^(vfs.XATTR_CREATE|vfs.XATTR_REPLACE) != 0 {
		return abi.EINVAL
	}
	n, err := t.resolve(abi.AT_FDCWD, path, follow)
	if err != nil {
		return err
	}
	return t.k.xattrs.Set(n.Ino(), name, value, flags)
}

func (t *Task) Listxattr(path string, follow bool) ([]string, error) {
	n, err := t.resolve(abi.AT_FDCWD, path, follow)
	if err != nil {
		return nil, err
	}
	return t.k.xattrs.List(n.Ino()), nil
}

func (t *Task) Removexattr(path, name string, follow bool) error {
	n, err := t.resolve(abi.AT_FDCWD, path, follow)
	if err != nil {
		return err
	}
	return t.k.xattrs.Remove(n.Ino(), name)
}
