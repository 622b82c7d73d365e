// Package vfs is the node graph behind the path namespace.
//
// Nodes live in an Arena that hands out stable inode numbers and keeps
// parent links as plain ids. A Node itself only knows its identity and
// mode; everything else it can do is expressed as optional capability
// interfaces, and the package-level helpers apply the default result
// when a node does not implement one. Nodes are therefore read-only
// unless they say otherwise.
package vfs

import (
	"context"
	"io/fs"
	"iter"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
)

// Ino is a node id, unique within an Arena.
type Ino uint64

type Node interface {
	Ino() Ino
	// Parent is the id of the containing directory. The root is its own
	// parent.
	Parent() Ino
	Name() string
	Mode() fs.FileMode
}

type Lookuper interface {
	Lookup(ctx context.Context, name string) (Node, error)
}

// Iterator lists children lazily. The sequence is finite and may be
// ranged over again from the start.
type Iterator interface {
	Iterate(ctx context.Context) iter.Seq2[Ino, string]
}

type Opener interface {
	Open(ctx context.Context, flags int) (handle.Handle, error)
}

type Statter interface {
	Stat(ctx context.Context) (abi.Stat, error)
}

type Creator interface {
	Create(ctx context.Context, name string, mode fs.FileMode) (Node, error)
}

type Mkdirer interface {
	Mkdir(ctx context.Context, name string, mode fs.FileMode) (Node, error)
}

// Unlinker removes a child. dir selects rmdir semantics.
type Unlinker interface {
	Unlink(ctx context.Context, name string, dir bool) error
}

type Renamer interface {
	Rename(ctx context.Context, oldname string, newdir Node, newname string) error
}

type Linker interface {
	Link(ctx context.Context, target Node, name string) error
}

type Symlinker interface {
	Symlink(ctx context.Context, target, name string) (Node, error)
}

type Readlinker interface {
	Readlink(ctx context.Context) (string, error)
}

// LinkResolver is implemented by links that point straight at a node
// rather than at a path, like the descriptor links under /proc.
type LinkResolver interface {
	ResolveLink(ctx context.Context) (Node, error)
}

// TimesSetter sets access and modification times. A zero time leaves
// that time unchanged.
type TimesSetter interface {
	SetTimes(ctx context.Context, atime, mtime time.Time) error
}

type Truncater interface {
	Truncate(ctx context.Context, size int64) error
}

type Chmoder interface {
	Chmod(ctx context.Context, mode fs.FileMode) error
}

// Exister lets a synthetic node report that the thing it stands for is
// gone even though the node object is still referenced.
type Exister interface {
	Exists(ctx context.Context) bool
}

func IsDir(n Node) bool  { return n.Mode().IsDir() }
func IsLink(n Node) bool { return n.Mode()&fs.ModeSymlink != 0 }
func IsPipe(n Node) bool { return n.Mode()&fs.ModeNamedPipe != 0 }

// IsRegular reports whether n is a plain file.
func IsRegular(n Node) bool { return n.Mode().IsRegular() }

// Entry is the identity part of a node. Nodes embed it and are built by
// the Arena, which fills it in.
type Entry struct {
	arena  *Arena
	ino    Ino
	parent Ino
	name   string
	anon   bool
}

func (e *Entry) Ino() Ino      { return e.ino }
func (e *Entry) Parent() Ino   { return e.parent }
func (e *Entry) Name() string  { return e.name }
func (e *Entry) Arena() *Arena { return e.arena }

// Anonymous reports whether no path reaches the node, as for pipes and
// sockets. Its name is then the kind of object it is.
func (e *Entry) Anonymous() bool { return e.anon }

type arenaNode interface {
	Arena() *Arena
}

// ArenaOf returns the arena n belongs to, or nil.
func ArenaOf(n Node) *Arena {
	if an, ok := n.(arenaNode); ok {
		return an.Arena()
	}
	return nil
}

// ParentOf returns the node containing n. The root returns itself.
func ParentOf(n Node) (Node, bool) {
	if n.Parent() == n.Ino() {
		return n, true
	}
	a := ArenaOf(n)
	if a == nil {
		return nil, false
	}
	return a.Get(n.Parent())
}
