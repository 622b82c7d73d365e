package vfskit

import (
	"context"
	"io/fs"
	"iter"
	"sort"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/vfs"
)

// Builder makes a node once the arena has assigned it an identity.
type Builder = func(*vfs.Entry) vfs.Node

// FuncDir is a read-only directory whose children are computed. List
// names the children present now and Child builds one by name. Built
// children are interned in the arena, so a name keeps its inode number
// until it is pruned. A nil Present means the directory always exists.
type FuncDir struct {
	*vfs.Entry
	mode    fs.FileMode
	mtime   time.Time
	List    func(ctx context.Context) []string
	Child   func(ctx context.Context, name string) (Builder, bool)
	Present func() bool
}

func NewFuncDir(list func(ctx context.Context) []string, child func(ctx context.Context, name string) (Builder, bool)) Builder {
	return func(e *vfs.Entry) vfs.Node {
		return &FuncDir{Entry: e, mode: 0555, mtime: time.Now(), List: list, Child: child}
	}
}

func (d *FuncDir) Mode() fs.FileMode { return fs.ModeDir | d.mode }

func (d *FuncDir) Exists(ctx context.Context) bool {
	return d.Present == nil || d.Present()
}

func (d *FuncDir) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	build, ok := d.Child(ctx, name)
	if !ok {
		return nil, abi.ENOENT
	}
	return d.Arena().Intern(d.Ino(), name, build), nil
}

func (d *FuncDir) Iterate(ctx context.Context) iter.Seq2[vfs.Ino, string] {
	return func(yield func(vfs.Ino, string) bool) {
		for _, name := range d.List(ctx) {
			n, err := d.Lookup(ctx, name)
			if err != nil {
				continue
			}
			if !yield(n.Ino(), name) {
				return
			}
		}
	}
}

func (d *FuncDir) Stat(ctx context.Context) (abi.Stat, error) {
	return abi.Stat{
		Mode:  d.Mode(),
		Atime: d.mtime,
		Mtime: d.mtime,
		Ctime: d.mtime,
	}, nil
}

// Map is a fixed set of children by name.
type Map map[string]Builder

// Names returns the keys in order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMapDir returns a directory holding the children of m.
func NewMapDir(m Map) Builder {
	return NewFuncDir(
		func(context.Context) []string { return m.Names() },
		func(_ context.Context, name string) (Builder, bool) {
			b, ok := m[name]
			return b, ok
		},
	)
}
