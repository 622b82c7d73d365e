package vfskit

import (
	"context"
	"io/fs"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/vfs"
)

// Link is a symlink with a computed target.
type Link struct {
	*vfs.Entry
	Target func(ctx context.Context) (string, error)
}

// NodeLink resolves straight to the node Node returns. Its target is
// only what readlink reports.
type NodeLink struct {
	Link
	Node func(ctx context.Context) (vfs.Node, error)
}

func NewLink(target func(ctx context.Context) (string, error)) Builder {
	return func(e *vfs.Entry) vfs.Node {
		return &Link{Entry: e, Target: target}
	}
}

// NewNodeLink returns a link that resolves to a node directly, like
// the descriptor links of a process.
func NewNodeLink(target func(ctx context.Context) (string, error), node func(ctx context.Context) (vfs.Node, error)) Builder {
	return func(e *vfs.Entry) vfs.Node {
		return &NodeLink{Link: Link{Entry: e, Target: target}, Node: node}
	}
}

func (l *Link) Mode() fs.FileMode { return fs.ModeSymlink | 0777 }

func (l *Link) Readlink(ctx context.Context) (string, error) {
	return l.Target(ctx)
}

func (l *Link) Stat(ctx context.Context) (abi.Stat, error) {
	target, err := l.Target(ctx)
	if err != nil {
		return abi.Stat{}, err
	}
	return abi.Stat{Mode: l.Mode(), Size: int64(len(target))}, nil
}

func (l *NodeLink) ResolveLink(ctx context.Context) (vfs.Node, error) {
	return l.Node(ctx)
}
