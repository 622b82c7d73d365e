package vfs

import (
	"context"
	"io"
	"io/fs"
	"iter"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/internal/waitq"
)

// Storage is the random-access backing of a regular file.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Resize(size int64) error
}

// FileHandle is a regular-file handle over a node and its storage. The
// position belongs to the handle, so descriptors sharing the open file
// share it.
type FileHandle struct {
	node    Node
	st      Storage
	pos     int64
	q       waitq.Queue
	release func() error
}

var _ handle.Regular = (*FileHandle)(nil)

func NewFileHandle(n Node, st Storage) *FileHandle {
	return &FileHandle{node: n, st: st}
}

// OnRelease sets a function run when the handle is released.
func (h *FileHandle) OnRelease(fn func() error) {
	h.release = fn
}

// Node returns the node the handle was opened from.
func (h *FileHandle) Node() Node { return h.node }

func (h *FileHandle) Read(ctx context.Context, p []byte) (int, error) {
	n, err := h.st.ReadAt(p, h.pos)
	h.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (h *FileHandle) Write(ctx context.Context, p []byte) (int, error) {
	n, err := h.st.WriteAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *FileHandle) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, abi.EINVAL
	}
	return h.st.ReadAt(p, off)
}

func (h *FileHandle) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, abi.EINVAL
	}
	return h.st.WriteAt(p, off)
}

func (h *FileHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case abi.SEEK_SET:
	case abi.SEEK_CUR:
		base = h.pos
	case abi.SEEK_END:
		base = h.st.Size()
	default:
		return 0, abi.EINVAL
	}
	if base+offset < 0 {
		return 0, abi.EINVAL
	}
	h.pos = base + offset
	return h.pos, nil
}

func (h *FileHandle) Truncate(size int64) error {
	if size < 0 {
		return abi.EINVAL
	}
	return h.st.Resize(size)
}

func (h *FileHandle) Poll() handle.Events {
	return handle.EventIn | handle.EventOut
}

func (h *FileHandle) Queue() *waitq.Queue { return &h.q }

func (h *FileHandle) Stat(ctx context.Context) (abi.Stat, error) {
	st, err := Stat(ctx, h.node)
	if err != nil {
		return st, err
	}
	st.Size = h.st.Size()
	return st, nil
}

func (h *FileHandle) Release() error {
	if h.release != nil {
		return h.release()
	}
	return nil
}

// DirHandle lists a directory through its lazy iterator, preceded by
// the dot entries. Rewind starts over.
type DirHandle struct {
	node Node
	dots int
	next func() (Ino, string, bool)
	stop func()
}

var _ handle.Directory = (*DirHandle)(nil)

func NewDirHandle(ctx context.Context, n Node) *DirHandle {
	return &DirHandle{node: n}
}

// Node returns the directory the handle lists.
func (h *DirHandle) Node() Node { return h.node }

func (h *DirHandle) ReadDir(ctx context.Context, n int) ([]abi.Dirent, error) {
	var out []abi.Dirent
	for n <= 0 || len(out) < n {
		if h.dots < 2 {
			ent := abi.Dirent{Ino: uint64(h.node.Ino()), Name: ".", Type: fs.ModeDir}
			if h.dots == 1 {
				ent.Name = ".."
				if p, ok := ParentOf(h.node); ok {
					ent.Ino = uint64(p.Ino())
				}
			}
			h.dots++
			out = append(out, ent)
			continue
		}
		if h.next == nil {
			seq, err := Iterate(ctx, h.node)
			if err != nil {
				return out, err
			}
			h.next, h.stop = iter.Pull2(seq)
		}
		ino, name, ok := h.next()
		if !ok {
			break
		}
		ent := abi.Dirent{Ino: uint64(ino), Name: name}
		if a := ArenaOf(h.node); a != nil {
			if c, ok := a.Get(ino); ok {
				ent.Type = c.Mode().Type()
			}
		}
		out = append(out, ent)
	}
	return out, nil
}

func (h *DirHandle) Rewind() {
	if h.stop != nil {
		h.stop()
	}
	h.next, h.stop, h.dots = nil, nil, 0
}

func (h *DirHandle) Stat(ctx context.Context) (abi.Stat, error) {
	return Stat(ctx, h.node)
}

func (h *DirHandle) Release() error {
	if h.stop != nil {
		h.stop()
	}
	return nil
}
