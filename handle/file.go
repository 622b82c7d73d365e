package handle

import (
	"context"

	"tractor.dev/cooper/abi"
)

// File is an open file description: the object descriptors point at.
// Duplicated descriptors and descriptors inherited by fork share one
// File, and so its status flags and position.
type File struct {
	Handle Handle
	// Path is what the file reports in /proc/<pid>/fd.
	Path string
	// Ino is reported by fstat when the handle does not know its own.
	Ino uint64

	flags     int
	refs      int
	peek      []byte
	onRelease []func()
}

const settableFlags = abi.O_APPEND | abi.O_NONBLOCK

func NewFile(h Handle, flags int, path string) *File {
	return &File{
		Handle: h,
		Path:   path,
		flags:  flags &^ (abi.O_CREAT | abi.O_EXCL | abi.O_TRUNC | abi.O_CLOEXEC | abi.O_NOFOLLOW),
		refs:   1,
	}
}

// Ref takes another reference.
func (f *File) Ref() *File {
	f.refs++
	return f
}

// Refs returns the number of live references.
func (f *File) Refs() int {
	return f.refs
}

// Unref drops a reference, releasing the handle on the last one.
func (f *File) Unref() error {
	if f.refs <= 0 {
		return abi.EBADF
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	err := f.Handle.Release()
	for _, fn := range f.onRelease {
		fn()
	}
	f.onRelease = nil
	return err
}

// OnRelease registers fn to run after the handle is released.
func (f *File) OnRelease(fn func()) {
	f.onRelease = append(f.onRelease, fn)
}

func (f *File) Flags() int {
	return f.flags
}

// SetFlags changes the status flags that may change after open.
func (f *File) SetFlags(flags int) {
	f.flags = f.flags&^settableFlags | flags&settableFlags
}

func (f *File) Nonblock() bool { return f.flags&abi.O_NONBLOCK != 0 }
func (f *File) Append() bool   { return f.flags&abi.O_APPEND != 0 }

func (f *File) Readable() bool {
	return f.flags&abi.O_ACCMODE != abi.O_WRONLY
}

func (f *File) Writable() bool {
	mode := f.flags & abi.O_ACCMODE
	return mode == abi.O_WRONLY || mode == abi.O_RDWR
}

// Read reads from the stream, serving any peeked bytes first.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	if !f.Readable() {
		return 0, abi.EBADF
	}
	if len(f.peek) > 0 {
		n := copy(p, f.peek)
		f.peek = f.peek[n:]
		return n, nil
	}
	s, err := AsStream(f.Handle)
	if err != nil {
		return 0, err
	}
	return s.Read(ctx, p)
}

func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	if !f.Writable() {
		return 0, abi.EBADF
	}
	s, err := AsStream(f.Handle)
	if err != nil {
		return 0, err
	}
	if r, ok := s.(Regular); ok && f.Append() {
		if _, err := r.Seek(0, abi.SEEK_END); err != nil {
			return 0, err
		}
	}
	return s.Write(ctx, p)
}

// Peek reads up to n bytes into the peek buffer without consuming them.
// The buffer is filled by a single read and is only refilled once it
// has been drained.
func (f *File) Peek(ctx context.Context, n int) ([]byte, error) {
	if !f.Readable() {
		return nil, abi.EBADF
	}
	if len(f.peek) > 0 {
		if n < len(f.peek) {
			return f.peek[:n], nil
		}
		return f.peek, nil
	}
	s, err := AsStream(f.Handle)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	m, err := s.Read(ctx, buf)
	if m > 0 {
		f.peek = buf[:m]
		return f.peek, nil
	}
	return nil, err
}

// Consume discards n peeked bytes.
func (f *File) Consume(n int) {
	if n > len(f.peek) {
		n = len(f.peek)
	}
	f.peek = f.peek[n:]
}

// Buffered returns the number of peeked bytes not yet consumed.
func (f *File) Buffered() int {
	return len(f.peek)
}

// Poll reports readiness, counting peeked bytes as readable.
func (f *File) Poll() Events {
	s, ok := f.Handle.(Stream)
	if !ok {
		return EventIn | EventOut
	}
	ev := s.Poll()
	if len(f.peek) > 0 {
		ev |= EventIn
	}
	return ev
}
