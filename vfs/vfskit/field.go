// Package vfskit builds synthetic nodes: files backed by getter and
// setter functions, control files driven by cli commands, and
// directories whose children are computed on demand.
package vfskit

import (
	"context"
	"io"
	"io/fs"
	"sync"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// Field is a file whose contents are produced when it is opened and
// handed to a setter when a writer closes it.
type Field struct {
	*vfs.Entry
	mode   fs.FileMode
	value  string
	getter func() (string, error)
	raw    func() ([]byte, error)
	setter func([]byte) error
	mtime  time.Time
}

// NewField returns a builder for a field file. Arguments are matched
// by type: a string is a fixed value, a func() (string, error) computes
// it, a func() ([]byte, error) computes binary contents that are not
// newline terminated, a func([]byte) error accepts writes, and an
// fs.FileMode sets the permissions.
func NewField(args ...any) func(*vfs.Entry) vfs.Node {
	f := &Field{mode: 0444, mtime: time.Now()}
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			f.value = v
		case func() (string, error):
			f.getter = v
		case func() ([]byte, error):
			f.raw = v
		case func([]byte) error:
			f.setter = v
		case fs.FileMode:
			f.mode = v
		default:
			// no-op, skip
		}
	}
	if f.setter != nil && f.mode == 0444 {
		f.mode = 0644
	}
	return func(e *vfs.Entry) vfs.Node {
		n := *f
		n.Entry = e
		return &n
	}
}

func (f *Field) Mode() fs.FileMode { return f.mode.Perm() }

func (f *Field) contents() ([]byte, error) {
	if f.raw != nil {
		return f.raw()
	}
	v := f.value
	if f.getter != nil {
		var err error
		if v, err = f.getter(); err != nil {
			return nil, err
		}
	}
	if len(v) > 0 && v[len(v)-1] != '\n' {
		v += "\n"
	}
	return []byte(v), nil
}

func (f *Field) Stat(ctx context.Context) (abi.Stat, error) {
	data, err := f.contents()
	if err != nil {
		return abi.Stat{}, err
	}
	return abi.Stat{
		Mode:  f.Mode(),
		Size:  int64(len(data)),
		Atime: f.mtime,
		Mtime: f.mtime,
		Ctime: f.mtime,
	}, nil
}

func (f *Field) Open(ctx context.Context, flags int) (handle.Handle, error) {
	acc := flags & abi.O_ACCMODE
	if acc != abi.O_RDONLY && f.setter == nil {
		return nil, abi.EACCES
	}
	buf := &Buffer{}
	if acc != abi.O_WRONLY && flags&abi.O_TRUNC == 0 {
		data, err := f.contents()
		if err != nil {
			return nil, err
		}
		buf.data = data
	}
	h := vfs.NewFileHandle(f, buf)
	h.OnRelease(func() error {
		if f.setter == nil || !buf.Dirty() {
			return nil
		}
		return f.setter(buf.Bytes())
	})
	return h, nil
}

// Truncate accepts O_TRUNC and shell redirections; the setter sees the
// data written afterwards.
func (f *Field) Truncate(ctx context.Context, size int64) error {
	if f.setter == nil {
		return abi.EACCES
	}
	return nil
}

// Buffer is in-memory file storage that remembers whether it was
// written to.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	dirty bool
}

var _ vfs.Storage = (*Buffer)(nil)

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[off:], p)
	b.dirty = true
	return len(p), nil
}

func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

func (b *Buffer) Resize(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if size < int64(len(b.data)) {
		b.data = b.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, b.data)
		b.data = grown
	}
	b.dirty = true
	return nil
}

func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Bytes returns a copy of the contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}
