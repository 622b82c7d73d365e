package pipe

import (
	"context"
	"io/fs"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/internal/waitq"
)

// New creates an anonymous pipe of the given capacity.
func New(size int) (*Reader, *Writer) {
	q := &waitq.Queue{}
	p := &pipe{buf: NewBuffer(size, q), q: q, ctime: time.Now()}
	return &Reader{p}, &Writer{p}
}

type pipe struct {
	buf   *Buffer
	q     *waitq.Queue
	ctime time.Time
}

func (p *pipe) stat() abi.Stat {
	return abi.Stat{
		Mode:  fs.ModeNamedPipe | 0600,
		Nlink: 1,
		Size:  int64(p.buf.Size()),
		Atime: p.ctime,
		Mtime: p.ctime,
		Ctime: p.ctime,
	}
}

// Reader is the read end of a pipe.
type Reader struct {
	p *pipe
}

var _ handle.Stream = (*Reader)(nil)

func (r *Reader) Read(ctx context.Context, b []byte) (int, error) {
	return r.p.buf.Read(b)
}

func (r *Reader) Write(ctx context.Context, b []byte) (int, error) {
	return 0, abi.EBADF
}

func (r *Reader) Poll() handle.Events {
	var ev handle.Events
	readable, hup := r.p.buf.ReadEvents()
	if readable {
		ev |= handle.EventIn
	}
	if hup {
		ev |= handle.EventHup
	}
	return ev
}

func (r *Reader) Queue() *waitq.Queue { return r.p.q }

func (r *Reader) Stat(ctx context.Context) (abi.Stat, error) {
	return r.p.stat(), nil
}

func (r *Reader) Release() error {
	return r.p.buf.CloseRead()
}

// Writer is the write end of a pipe.
type Writer struct {
	p *pipe
}

var _ handle.Stream = (*Writer)(nil)

func (w *Writer) Read(ctx context.Context, b []byte) (int, error) {
	return 0, abi.EBADF
}

func (w *Writer) Write(ctx context.Context, b []byte) (int, error) {
	return w.p.buf.Write(b)
}

func (w *Writer) Poll() handle.Events {
	var ev handle.Events
	writable, broken := w.p.buf.WriteEvents()
	if writable {
		ev |= handle.EventOut
	}
	if broken {
		ev |= handle.EventErr
	}
	return ev
}

func (w *Writer) Queue() *waitq.Queue { return w.p.q }

func (w *Writer) Stat(ctx context.Context) (abi.Stat, error) {
	return w.p.stat(), nil
}

func (w *Writer) Release() error {
	return w.p.buf.CloseWrite()
}
