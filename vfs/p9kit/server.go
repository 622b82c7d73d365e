// Package p9kit exports the node graph as a 9P2000.L file server.
package p9kit

import (
	"context"
	"io"
	"io/fs"
	"net"
	"time"

	"github.com/hugelgupf/p9/fsimpl/templatefs"
	"github.com/hugelgupf/p9/linux"
	"github.com/hugelgupf/p9/p9"
	"github.com/u-root/uio/ulog"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// Executor runs fn where the node graph may be touched, usually
// Kernel.Do.
type Executor func(ctx context.Context, fn func()) error

func direct(ctx context.Context, fn func()) error {
	fn()
	return nil
}

type attacher struct {
	root vfs.Node
	do   Executor
}

var _ p9.Attacher = &attacher{}

// Attacher serves root. Every request runs through do; a nil do calls
// straight in.
func Attacher(root vfs.Node, do Executor) p9.Attacher {
	if do == nil {
		do = direct
	}
	return &attacher{root: root, do: do}
}

// Attach implements p9.Attacher.Attach.
func (a *attacher) Attach() (p9.File, error) {
	return &p9file{a: a, node: a.root}, nil
}

// Serve answers 9P on every connection accepted from ln until ln is
// closed.
func Serve(ln net.Listener, a p9.Attacher, l ulog.Logger) error {
	if l == nil {
		l = ulog.Null
	}
	return p9.NewServer(a, p9.WithServerLogger(l)).Serve(ln)
}

func errno(err error) error {
	if err == nil || err == io.EOF {
		return nil
	}
	return linux.Errno(abi.ToErrno(err))
}

func qidOf(n vfs.Node) p9.QID {
	return p9.QID{
		Type: p9.ModeFromOS(n.Mode()).QIDType(),
		Path: uint64(n.Ino()),
	}
}

type p9file struct {
	templatefs.NotImplementedFile

	a    *attacher
	node vfs.Node
	h    handle.Handle
}

var _ p9.File = &p9file{}

// run calls fn on the executor and maps its error for the wire.
func (f *p9file) run(fn func(ctx context.Context) error) error {
	ctx := context.Background()
	var err error
	if derr := f.a.do(ctx, func() { err = fn(ctx) }); derr != nil {
		return linux.EIO
	}
	return errno(err)
}

func (f *p9file) child(n vfs.Node, h handle.Handle) *p9file {
	return &p9file{a: f.a, node: n, h: h}
}

// Walk implements p9.File.Walk.
func (f *p9file) Walk(names []string) ([]p9.QID, p9.File, error) {
	if len(names) == 0 {
		return nil, f.child(f.node, nil), nil
	}
	var qids []p9.QID
	cur := f.node
	err := f.run(func(ctx context.Context) error {
		for _, name := range names {
			var next vfs.Node
			if name == ".." {
				p, ok := vfs.ParentOf(cur)
				if !ok {
					return abi.ENOENT
				}
				next = p
			} else {
				n, err := vfs.Lookup(ctx, cur, name)
				if err != nil {
					return err
				}
				next = n
			}
			qids = append(qids, qidOf(next))
			cur = next
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return qids, f.child(cur, nil), nil
}

var startTime = time.Now()

// GetAttr implements p9.File.GetAttr.
func (f *p9file) GetAttr(req p9.AttrMask) (p9.QID, p9.AttrMask, p9.Attr, error) {
	var st abi.Stat
	err := f.run(func(ctx context.Context) (err error) {
		if f.h != nil {
			st, err = f.h.Stat(ctx)
			if err == nil && st.Ino == 0 {
				st.Ino = uint64(f.node.Ino())
			}
			return err
		}
		st, err = vfs.Stat(ctx, f.node)
		return err
	})
	if err != nil {
		return p9.QID{}, p9.AttrMask{}, p9.Attr{}, err
	}
	ctime := st.Ctime
	if ctime.IsZero() {
		ctime = startTime
	}
	attr := p9.Attr{
		Mode:             p9.ModeFromOS(st.Mode),
		UID:              p9.UID(st.Uid),
		GID:              p9.GID(st.Gid),
		NLink:            p9.NLink(st.Nlink),
		RDev:             p9.Dev(st.Rdev),
		Size:             uint64(st.Size),
		BlockSize:        4096,
		Blocks:           uint64((st.Size + 511) / 512),
		ATimeSeconds:     uint64(st.Atime.Unix()),
		ATimeNanoSeconds: uint64(st.Atime.Nanosecond()),
		MTimeSeconds:     uint64(st.Mtime.Unix()),
		MTimeNanoSeconds: uint64(st.Mtime.Nanosecond()),
		CTimeSeconds:     uint64(ctime.Unix()),
		CTimeNanoSeconds: uint64(ctime.Nanosecond()),
	}
	qid := p9.QID{Type: attr.Mode.QIDType(), Path: st.Ino}
	return qid, req, attr, nil
}

// SetAttr implements p9.File.SetAttr. Ownership changes are accepted
// and dropped.
func (f *p9file) SetAttr(valid p9.SetAttrMask, attr p9.SetAttr) error {
	return f.run(func(ctx context.Context) error {
		if valid.Size {
			if t, ok := f.h.(interface{ Truncate(int64) error }); ok {
				if err := t.Truncate(int64(attr.Size)); err != nil {
					return err
				}
			} else if err := vfs.Truncate(ctx, f.node, int64(attr.Size)); err != nil {
				return err
			}
		}
		if valid.Permissions {
			if err := vfs.Chmod(ctx, f.node, fs.FileMode(attr.Permissions)&fs.ModePerm); err != nil {
				return err
			}
		}
		if valid.ATime || valid.MTime {
			var atime, mtime time.Time
			now := time.Now()
			if valid.ATime {
				atime = now
				if valid.ATimeNotSystemTime {
					atime = time.Unix(int64(attr.ATimeSeconds), int64(attr.ATimeNanoSeconds))
				}
			}
			if valid.MTime {
				mtime = now
				if valid.MTimeNotSystemTime {
					mtime = time.Unix(int64(attr.MTimeSeconds), int64(attr.MTimeNanoSeconds))
				}
			}
			if err := vfs.SetTimes(ctx, f.node, atime, mtime); err != nil {
				return err
			}
		}
		return nil
	})
}

// Open implements p9.File.Open.
func (f *p9file) Open(mode p9.OpenFlags) (p9.QID, uint32, error) {
	err := f.run(func(ctx context.Context) error {
		h, err := vfs.Open(ctx, f.node, int(mode)&(abi.O_ACCMODE|abi.O_TRUNC|abi.O_APPEND))
		if err != nil {
			return err
		}
		f.h = h
		return nil
	})
	if err != nil {
		return p9.QID{}, 0, err
	}
	return qidOf(f.node), 0, nil
}

// Close implements p9.File.Close.
func (f *p9file) Close() error {
	if f.h == nil {
		return nil
	}
	h := f.h
	f.h = nil
	return f.run(func(ctx context.Context) error { return h.Release() })
}

type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
}

// ReadAt implements p9.File.ReadAt. Streams ignore the offset.
func (f *p9file) ReadAt(p []byte, offset int64) (int, error) {
	var n int
	err := f.run(func(ctx context.Context) (err error) {
		switch h := f.h.(type) {
		case readerAt:
			n, err = h.ReadAt(p, offset)
		case handle.Stream:
			n, err = h.Read(ctx, p)
		default:
			err = abi.EBADF
		}
		return err
	})
	return n, err
}

// WriteAt implements p9.File.WriteAt.
func (f *p9file) WriteAt(p []byte, offset int64) (int, error) {
	var n int
	err := f.run(func(ctx context.Context) (err error) {
		switch h := f.h.(type) {
		case writerAt:
			n, err = h.WriteAt(p, offset)
		case handle.Stream:
			n, err = h.Write(ctx, p)
		default:
			err = abi.EBADF
		}
		return err
	})
	return n, err
}

// FSync implements p9.File.FSync.
func (f *p9file) FSync() error { return nil }

// StatFS implements p9.File.StatFS.
func (f *p9file) StatFS() (p9.FSStat, error) {
	return p9.FSStat{Type: 0x01021997, BlockSize: 4096, NameLength: 255}, nil
}

// Lock implements p9.File.Lock.
func (f *p9file) Lock(pid int, locktype p9.LockType, flags p9.LockFlags, start, length uint64, client string) (p9.LockStatus, error) {
	return p9.LockStatusOK, nil
}

// Create implements p9.File.Create.
func (f *p9file) Create(name string, mode p9.OpenFlags, permissions p9.FileMode, _ p9.UID, _ p9.GID) (p9.File, p9.QID, uint32, error) {
	var c *p9file
	err := f.run(func(ctx context.Context) error {
		n, err := vfs.Create(ctx, f.node, name, fs.FileMode(permissions)&fs.ModePerm)
		if err != nil {
			return err
		}
		h, err := vfs.Open(ctx, n, int(mode)&abi.O_ACCMODE)
		if err != nil {
			return err
		}
		c = f.child(n, h)
		return nil
	})
	if err != nil {
		return nil, p9.QID{}, 0, err
	}
	return c, qidOf(c.node), 0, nil
}

// Mkdir implements p9.File.Mkdir.
func (f *p9file) Mkdir(name string, permissions p9.FileMode, _ p9.UID, _ p9.GID) (p9.QID, error) {
	var qid p9.QID
	err := f.run(func(ctx context.Context) error {
		n, err := vfs.Mkdir(ctx, f.node, name, fs.FileMode(permissions)&fs.ModePerm)
		if err == nil {
			qid = qidOf(n)
		}
		return err
	})
	return qid, err
}

// Symlink implements p9.File.Symlink.
func (f *p9file) Symlink(oldname string, newname string, _ p9.UID, _ p9.GID) (p9.QID, error) {
	var qid p9.QID
	err := f.run(func(ctx context.Context) error {
		n, err := vfs.Symlink(ctx, f.node, oldname, newname)
		if err == nil {
			qid = qidOf(n)
		}
		return err
	})
	return qid, err
}

// Link implements p9.File.Link.
func (f *p9file) Link(target p9.File, newname string) error {
	t, ok := target.(*p9file)
	if !ok {
		return linux.EXDEV
	}
	return f.run(func(ctx context.Context) error {
		return vfs.Link(ctx, t.node, f.node, newname)
	})
}

// RenameAt implements p9.File.RenameAt.
func (f *p9file) RenameAt(oldName string, newDir p9.File, newName string) error {
	nd, ok := newDir.(*p9file)
	if !ok {
		return linux.EXDEV
	}
	return f.run(func(ctx context.Context) error {
		return vfs.Rename(ctx, f.node, oldName, nd.node, newName)
	})
}

// Renamed implements p9.File.Renamed. Nodes follow their arena entry,
// so there is nothing to update.
func (f *p9file) Renamed(parent p9.File, newName string) {}

// UnlinkAt implements p9.File.UnlinkAt.
func (f *p9file) UnlinkAt(name string, flags uint32) error {
	return f.run(func(ctx context.Context) error {
		return vfs.Unlink(ctx, f.node, name, flags&abi.AT_REMOVEDIR != 0)
	})
}

// Readlink implements p9.File.Readlink.
func (f *p9file) Readlink() (string, error) {
	var target string
	err := f.run(func(ctx context.Context) (err error) {
		target, err = vfs.Readlink(ctx, f.node)
		return err
	})
	return target, err
}

// Readdir implements p9.File.Readdir. Offsets are positions in the
// listing, which is taken afresh on every call.
func (f *p9file) Readdir(offset uint64, count uint32) (p9.Dirents, error) {
	var ents p9.Dirents
	err := f.run(func(ctx context.Context) error {
		seq, err := vfs.Iterate(ctx, f.node)
		if err != nil {
			return err
		}
		a := vfs.ArenaOf(f.node)
		var cursor uint64
		for ino, name := range seq {
			cursor++
			if cursor <= offset {
				continue
			}
			if uint32(len(ents)) >= count {
				break
			}
			qid := p9.QID{Path: uint64(ino)}
			if a != nil {
				if n, ok := a.Get(ino); ok {
					qid = qidOf(n)
				}
			}
			ents = append(ents, p9.Dirent{QID: qid, Type: qid.Type, Name: name, Offset: cursor})
		}
		return nil
	})
	return ents, err
}
