package vfs

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"sort"
	"sync"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
)

// Dir is an in-memory directory. It owns the names of its children;
// the children themselves live in the arena.
type Dir struct {
	*Entry
	mu       sync.Mutex
	mode     fs.FileMode
	children map[string]Ino
	mtime    time.Time
	atime    time.Time
	ctime    time.Time
}

// NewDir returns a directory builder for Arena.Intern and NewRoot.
func NewDir(mode fs.FileMode) func(*Entry) Node {
	return func(e *Entry) Node {
		now := time.Now()
		return &Dir{
			Entry:    e,
			mode:     fs.ModeDir | mode.Perm(),
			children: make(map[string]Ino),
			mtime:    now,
			atime:    now,
			ctime:    now,
		}
	}
}

func (d *Dir) Mode() fs.FileMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Attach binds a node built by build under name, replacing nothing:
// an existing child of that name is returned as is.
func (d *Dir) Attach(name string, build func(*Entry) Node) Node {
	d.mu.Lock()
	if ino, ok := d.children[name]; ok {
		d.mu.Unlock()
		if n, ok := d.arena.Get(ino); ok {
			return n
		}
		d.mu.Lock()
	}
	d.mu.Unlock()
	n := d.arena.Intern(d.ino, name, build)
	d.mu.Lock()
	d.children[name] = n.Ino()
	d.mtime = time.Now()
	d.mu.Unlock()
	return n
}

func (d *Dir) Lookup(ctx context.Context, name string) (Node, error) {
	d.mu.Lock()
	ino, ok := d.children[name]
	d.mu.Unlock()
	if !ok {
		return nil, abi.ENOENT
	}
	n, ok := d.arena.Get(ino)
	if !ok {
		return nil, abi.ENOENT
	}
	return n, nil
}

func (d *Dir) Iterate(ctx context.Context) iter.Seq2[Ino, string] {
	return func(yield func(Ino, string) bool) {
		d.mu.Lock()
		names := make([]string, 0, len(d.children))
		for name := range d.children {
			names = append(names, name)
		}
		d.mu.Unlock()
		sort.Strings(names)
		for _, name := range names {
			d.mu.Lock()
			ino, ok := d.children[name]
			d.mu.Unlock()
			if !ok {
				continue
			}
			if !yield(ino, name) {
				return
			}
		}
	}
}

func (d *Dir) Stat(ctx context.Context) (abi.Stat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return abi.Stat{
		Ino:   uint64(d.ino),
		Mode:  d.mode,
		Nlink: uint32(2 + d.subdirs()),
		Size:  int64(len(d.children)),
		Atime: d.atime,
		Mtime: d.mtime,
		Ctime: d.ctime,
	}, nil
}

func (d *Dir) subdirs() int {
	n := 0
	for _, ino := range d.children {
		if c, ok := d.arena.Get(ino); ok && IsDir(c) {
			n++
		}
	}
	return n
}

func (d *Dir) add(name string, build func(*Entry) Node) (Node, error) {
	if name == "" || name == "." || name == ".." {
		return nil, abi.EEXIST
	}
	if len(name) > MaxName {
		return nil, abi.ENAMETOOLONG
	}
	d.mu.Lock()
	_, exists := d.children[name]
	d.mu.Unlock()
	if exists {
		return nil, abi.EEXIST
	}
	return d.Attach(name, build), nil
}

func (d *Dir) Create(ctx context.Context, name string, mode fs.FileMode) (Node, error) {
	return d.add(name, NewFile(mode, nil))
}

func (d *Dir) Mkdir(ctx context.Context, name string, mode fs.FileMode) (Node, error) {
	return d.add(name, NewDir(mode))
}

func (d *Dir) Symlink(ctx context.Context, target, name string) (Node, error) {
	return d.add(name, NewSymlink(target))
}

func (d *Dir) Link(ctx context.Context, target Node, name string) error {
	f, ok := target.(*File)
	if !ok || ArenaOf(target) != d.arena {
		return abi.EXDEV
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.children[name]; exists {
		return abi.EEXIST
	}
	d.children[name] = target.Ino()
	d.arena.Bind(d.ino, name, target.Ino())
	f.mu.Lock()
	f.nlink++
	f.links = append(f.links, key{d.ino, name})
	f.ctime = time.Now()
	f.mu.Unlock()
	d.mtime = time.Now()
	return nil
}

func (d *Dir) Unlink(ctx context.Context, name string, rmdir bool) error {
	if name == "." || name == ".." {
		return abi.EINVAL
	}
	n, err := d.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if rmdir {
		if !IsDir(n) {
			return abi.ENOTDIR
		}
		if sub, ok := n.(*Dir); ok {
			sub.mu.Lock()
			empty := len(sub.children) == 0
			sub.mu.Unlock()
			if !empty {
				return abi.ENOTEMPTY
			}
		}
	} else if IsDir(n) {
		return abi.EISDIR
	}
	d.mu.Lock()
	delete(d.children, name)
	d.mtime = time.Now()
	d.mu.Unlock()
	if f, ok := n.(*File); ok && f.unlinked(d.ino, name) {
		return nil
	}
	d.arena.Unbind(d.ino, name)
	d.arena.Prune(n.Ino())
	return nil
}

func (d *Dir) Rename(ctx context.Context, oldname string, newdir Node, newname string) error {
	nd, ok := newdir.(*Dir)
	if !ok {
		return abi.EXDEV
	}
	n, err := d.Lookup(ctx, oldname)
	if err != nil {
		return err
	}
	if newname == "" || newname == "." || newname == ".." || oldname == "." || oldname == ".." {
		return abi.EINVAL
	}
	if IsDir(n) {
		for p := Node(nd); ; {
			if p.Ino() == n.Ino() {
				return abi.EINVAL
			}
			if p.Parent() == p.Ino() {
				break
			}
			if p, ok = ParentOf(p); !ok {
				break
			}
		}
	}
	if existing, err := nd.Lookup(ctx, newname); err == nil {
		if existing.Ino() == n.Ino() {
			return nil
		}
		switch {
		case IsDir(existing) && !IsDir(n):
			return abi.EISDIR
		case !IsDir(existing) && IsDir(n):
			return abi.ENOTDIR
		}
		if err := nd.Unlink(ctx, newname, IsDir(existing)); err != nil {
			return err
		}
	}
	d.mu.Lock()
	delete(d.children, oldname)
	d.mtime = time.Now()
	d.mu.Unlock()
	nd.mu.Lock()
	nd.children[newname] = n.Ino()
	nd.mtime = time.Now()
	nd.mu.Unlock()
	if n.Parent() == d.ino && n.Name() == oldname {
		d.arena.Move(n, nd.ino, newname)
	} else {
		d.arena.Unbind(d.ino, oldname)
		d.arena.Bind(nd.ino, newname, n.Ino())
		if f, ok := n.(*File); ok {
			f.mu.Lock()
			for i, k := range f.links {
				if k == (key{d.ino, oldname}) {
					f.links[i] = key{nd.ino, newname}
				}
			}
			f.mu.Unlock()
		}
	}
	return nil
}

func (d *Dir) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !atime.IsZero() {
		d.atime = atime
	}
	if !mtime.IsZero() {
		d.mtime = mtime
	}
	d.ctime = time.Now()
	return nil
}

func (d *Dir) Chmod(ctx context.Context, mode fs.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = fs.ModeDir | mode.Perm()
	d.ctime = time.Now()
	return nil
}

// File is an in-memory regular file.
type File struct {
	*Entry
	mu    sync.Mutex
	mode  fs.FileMode
	data  []byte
	nlink int
	links []key // names other than the primary one
	mtime time.Time
	atime time.Time
	ctime time.Time
}

// NewFile returns a file builder with initial contents.
func NewFile(mode fs.FileMode, data []byte) func(*Entry) Node {
	return func(e *Entry) Node {
		now := time.Now()
		return &File{
			Entry: e,
			mode:  mode.Perm(),
			data:  data,
			nlink: 1,
			mtime: now,
			atime: now,
			ctime: now,
		}
	}
}

// unlinked drops the name (dir, name) and reports whether other names
// keep the file alive. When the primary name goes, the node moves to
// one of the remaining ones.
func (f *File) unlinked(dir Ino, name string) bool {
	f.mu.Lock()
	f.nlink--
	f.ctime = time.Now()
	if f.nlink <= 0 {
		f.mu.Unlock()
		return false
	}
	var next *key
	if f.parent == dir && f.name == name {
		if len(f.links) > 0 {
			next = &f.links[0]
			f.links = f.links[1:]
		}
	} else {
		for i, k := range f.links {
			if k == (key{dir, name}) {
				f.links = append(f.links[:i], f.links[i+1:]...)
				break
			}
		}
	}
	f.mu.Unlock()
	if next != nil {
		f.arena.Move(f, next.parent, next.name)
	} else {
		f.arena.Unbind(dir, name)
	}
	return true
}

func (f *File) Mode() fs.FileMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *File) Stat(ctx context.Context) (abi.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return abi.Stat{
		Ino:   uint64(f.ino),
		Mode:  f.mode,
		Nlink: uint32(f.nlink),
		Size:  int64(len(f.data)),
		Atime: f.atime,
		Mtime: f.mtime,
		Ctime: f.ctime,
	}, nil
}

func (f *File) Open(ctx context.Context, flags int) (handle.Handle, error) {
	if flags&abi.O_TRUNC != 0 && flags&abi.O_ACCMODE != abi.O_RDONLY {
		f.Truncate(ctx, 0)
	}
	return NewFileHandle(f, f), nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.atime = time.Now()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 {
		return 0, abi.EINVAL
	}
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	f.mtime = time.Now()
	return len(p), nil
}

// Size implements Storage.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

// Resize implements Storage.
func (f *File) Resize(size int64) error {
	return f.Truncate(context.Background(), size)
}

func (f *File) Truncate(ctx context.Context, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	f.mtime = time.Now()
	return nil
}

// Data returns a copy of the contents.
func (f *File) Data() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

func (f *File) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !atime.IsZero() {
		f.atime = atime
	}
	if !mtime.IsZero() {
		f.mtime = mtime
	}
	f.ctime = time.Now()
	return nil
}

func (f *File) Chmod(ctx context.Context, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode.Perm()
	f.ctime = time.Now()
	return nil
}

// SymlinkNode is an in-memory symbolic link.
type SymlinkNode struct {
	*Entry
	target string
	mtime  time.Time
}

func NewSymlink(target string) func(*Entry) Node {
	return func(e *Entry) Node {
		return &SymlinkNode{Entry: e, target: target, mtime: time.Now()}
	}
}

func (s *SymlinkNode) Mode() fs.FileMode { return fs.ModeSymlink | 0777 }

func (s *SymlinkNode) Readlink(ctx context.Context) (string, error) {
	return s.target, nil
}

func (s *SymlinkNode) Stat(ctx context.Context) (abi.Stat, error) {
	return abi.Stat{
		Ino:   uint64(s.ino),
		Mode:  s.Mode(),
		Size:  int64(len(s.target)),
		Atime: s.mtime,
		Mtime: s.mtime,
		Ctime: s.mtime,
	}, nil
}

func (s *SymlinkNode) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	if !mtime.IsZero() {
		s.mtime = mtime
	}
	return nil
}
