package task

import (
	"io/fs"

	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// anonNode stands in for pipes and sockets, which have an inode but no
// path.
type anonNode struct {
	*vfs.Entry
	mode fs.FileMode
}

func (n *anonNode) Mode() fs.FileMode { return n.mode }

// anon creates an anonymous node of kind and returns it with a release
// hook that prunes it once every file referring to it is gone.
func (k *Kernel) anon(kind string, mode fs.FileMode, files ...*handle.File) vfs.Node {
	a := k.Arena()
	if a == nil {
		a = vfs.NewArena()
	}
	n := a.Anon(kind, func(e *vfs.Entry) vfs.Node {
		return &anonNode{Entry: e, mode: mode}
	})
	left := len(files)
	for _, f := range files {
		f.Path = vfs.PathOf(n)
		f.Ino = uint64(n.Ino())
		f.OnRelease(func() {
			left--
			if left == 0 {
				a.Prune(n.Ino())
			}
		})
	}
	return n
}

// nodeHandle is implemented by handles opened from a node.
type nodeHandle interface {
	Node() vfs.Node
}
