package vfs

import (
	"context"
	"io/fs"
	"iter"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
)

// Lookup resolves one name in dir.
func Lookup(ctx context.Context, dir Node, name string) (Node, error) {
	if !IsDir(dir) {
		return nil, abi.ENOTDIR
	}
	l, ok := dir.(Lookuper)
	if !ok {
		return nil, abi.ENOENT
	}
	n, err := l.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !Exists(ctx, n) {
		return nil, abi.ENOENT
	}
	return n, nil
}

// Iterate lists the children of dir.
func Iterate(ctx context.Context, dir Node) (iter.Seq2[Ino, string], error) {
	if !IsDir(dir) {
		return nil, abi.ENOTDIR
	}
	if it, ok := dir.(Iterator); ok {
		return it.Iterate(ctx), nil
	}
	return func(func(Ino, string) bool) {}, nil
}

// Open opens n. Directories without an Opener get a listing handle.
func Open(ctx context.Context, n Node, flags int) (handle.Handle, error) {
	if o, ok := n.(Opener); ok {
		return o.Open(ctx, flags)
	}
	if IsDir(n) {
		if flags&abi.O_ACCMODE != abi.O_RDONLY {
			return nil, abi.EISDIR
		}
		return NewDirHandle(ctx, n), nil
	}
	if IsLink(n) {
		return nil, abi.ELOOP
	}
	return nil, abi.EPERM
}

// Stat returns the attributes of n, filling the identity fields a
// Statter left out.
func Stat(ctx context.Context, n Node) (abi.Stat, error) {
	var st abi.Stat
	if s, ok := n.(Statter); ok {
		var err error
		if st, err = s.Stat(ctx); err != nil {
			return st, err
		}
	}
	if st.Ino == 0 {
		st.Ino = uint64(n.Ino())
	}
	if st.Mode == 0 {
		st.Mode = n.Mode()
	}
	if st.Nlink == 0 {
		st.Nlink = 1
		if IsDir(n) {
			st.Nlink = 2
		}
	}
	return st, nil
}

func Create(ctx context.Context, dir Node, name string, mode fs.FileMode) (Node, error) {
	if !IsDir(dir) {
		return nil, abi.ENOTDIR
	}
	if c, ok := dir.(Creator); ok {
		return c.Create(ctx, name, mode)
	}
	return nil, abi.EPERM
}

func Mkdir(ctx context.Context, dir Node, name string, mode fs.FileMode) (Node, error) {
	if !IsDir(dir) {
		return nil, abi.ENOTDIR
	}
	if m, ok := dir.(Mkdirer); ok {
		return m.Mkdir(ctx, name, mode)
	}
	return nil, abi.EPERM
}

func Unlink(ctx context.Context, dir Node, name string, rmdir bool) error {
	if !IsDir(dir) {
		return abi.ENOTDIR
	}
	if u, ok := dir.(Unlinker); ok {
		return u.Unlink(ctx, name, rmdir)
	}
	return abi.EPERM
}

// Rename moves oldname in olddir to newname in newdir. Moving between
// arenas is EXDEV.
func Rename(ctx context.Context, olddir Node, oldname string, newdir Node, newname string) error {
	if !IsDir(olddir) || !IsDir(newdir) {
		return abi.ENOTDIR
	}
	if ArenaOf(olddir) != ArenaOf(newdir) {
		return abi.EXDEV
	}
	if r, ok := olddir.(Renamer); ok {
		return r.Rename(ctx, oldname, newdir, newname)
	}
	return abi.EPERM
}

func Link(ctx context.Context, target, dir Node, name string) error {
	if !IsDir(dir) {
		return abi.ENOTDIR
	}
	if IsDir(target) {
		return abi.EPERM
	}
	if l, ok := dir.(Linker); ok {
		return l.Link(ctx, target, name)
	}
	return abi.EPERM
}

func Symlink(ctx context.Context, dir Node, target, name string) (Node, error) {
	if !IsDir(dir) {
		return nil, abi.ENOTDIR
	}
	if s, ok := dir.(Symlinker); ok {
		return s.Symlink(ctx, target, name)
	}
	return nil, abi.EPERM
}

func Readlink(ctx context.Context, n Node) (string, error) {
	if r, ok := n.(Readlinker); ok && IsLink(n) {
		return r.Readlink(ctx)
	}
	return "", abi.EINVAL
}

func SetTimes(ctx context.Context, n Node, atime, mtime time.Time) error {
	if s, ok := n.(TimesSetter); ok {
		return s.SetTimes(ctx, atime, mtime)
	}
	return abi.EPERM
}

func Truncate(ctx context.Context, n Node, size int64) error {
	if IsDir(n) {
		return abi.EISDIR
	}
	if size < 0 {
		return abi.EINVAL
	}
	if t, ok := n.(Truncater); ok {
		return t.Truncate(ctx, size)
	}
	return abi.EPERM
}

func Chmod(ctx context.Context, n Node, mode fs.FileMode) error {
	if c, ok := n.(Chmoder); ok {
		return c.Chmod(ctx, mode)
	}
	return abi.EPERM
}

func Exists(ctx context.Context, n Node) bool {
	if e, ok := n.(Exister); ok {
		return e.Exists(ctx)
	}
	return true
}
