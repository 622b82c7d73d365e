package task

import (
	"errors"
	"io"
	"io/fs"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/pipe"
	"tractor.dev/cooper/internal/waitq"
	"tractor.dev/cooper/signal"
)

const pumpChunk = 32 * 1024

// blocking retries op while it would block, sleeping on the stream's
// queue between attempts unless f is non-blocking.
func (t *Task) blocking(f *handle.File, op func() (int, error)) (int, error) {
	s, ok := f.Handle.(handle.Stream)
	for {
		var seq uint64
		if ok {
			seq = s.Queue().Seq()
		}
		n, err := op()
		if !errors.Is(err, abi.EAGAIN) || !ok || f.Nonblock() {
			return n, err
		}
		if err := t.BlockOn(s.Queue(), seq); err != nil {
			return 0, err
		}
	}
}

func (t *Task) Read(fd int, p []byte) (int, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	n, err := t.blocking(f, func() (int, error) {
		return f.Read(t.ctx, p)
	})
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (t *Task) Write(fd int, p []byte) (int, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	return t.write(f, p)
}

// write writes all of p unless f is non-blocking. A broken pipe raises
// SIGPIPE on the calling thread.
func (t *Task) write(f *handle.File, p []byte) (int, error) {
	if len(p) == 0 {
		if !f.Writable() {
			return 0, abi.EBADF
		}
		return 0, nil
	}
	var total int
	for total < len(p) {
		n, err := t.blocking(f, func() (int, error) {
			return f.Write(t.ctx, p[total:])
		})
		total += n
		if err != nil {
			if errors.Is(err, abi.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
				t.k.signalProcess(t.proc, t, signal.SIGPIPE)
				t.checkpoint()
				err = abi.EPIPE
			}
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if f.Nonblock() || n == 0 {
			break
		}
	}
	return total, nil
}

func (t *Task) Pread(fd int, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, abi.EINVAL
	}
	f, err := t.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if !f.Readable() {
		return 0, abi.EBADF
	}
	r, ok := f.Handle.(handle.Regular)
	if !ok {
		return 0, abi.ESPIPE
	}
	n, err := r.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (t *Task) Pwrite(fd int, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, abi.EINVAL
	}
	f, err := t.fds.Get(fd)
	if err != nil {
		return 0, err
	}
	if !f.Writable() {
		return 0, abi.EBADF
	}
	r, ok := f.Handle.(handle.Regular)
	if !ok {
		return 0, abi.ESPIPE
	}
	return r.WriteAt(p, off)
}

func (t *Task) Dup(fd int) (int, error) {
	return t.fds.Dup(fd, 0, false)
}

func (t *Task) Dup2(oldfd, newfd int) (int, error) {
	if newfd < 0 || newfd >= t.fds.Max() {
		return -1, abi.EBADF
	}
	return t.fds.Duplicate(oldfd, newfd, false)
}

func (t *Task) Dup3(oldfd, newfd, flags int) (int, error) {
	if flags&^abi.O_CLOEXEC != 0 || oldfd == newfd {
		return -1, abi.EINVAL
	}
	if newfd < 0 || newfd >= t.fds.Max() {
		return -1, abi.EBADF
	}
	return t.fds.Duplicate(oldfd, newfd, flags&abi.O_CLOEXEC != 0)
}

func (t *Task) Fcntl(fd, cmd, arg int) (int, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	switch cmd {
	case abi.F_DUPFD, abi.F_DUPFD_CLOEXEC:
		if arg < 0 || arg >= t.fds.Max() {
			return -1, abi.EINVAL
		}
		return t.fds.Dup(fd, arg, cmd == abi.F_DUPFD_CLOEXEC)
	case abi.F_GETFD:
		return t.fds.Flags(fd)
	case abi.F_SETFD:
		return 0, t.fds.SetFlags(fd, arg)
	case abi.F_GETFL:
		return f.Flags(), nil
	case abi.F_SETFL:
		f.SetFlags(arg)
		return 0, nil
	}
	return -1, abi.EINVAL
}

// acquireTerminal makes term the controlling terminal of a session
// leader that has none, as opening a terminal does.
func (t *Task) acquireTerminal(term handle.Terminal) {
	p := t.proc
	if p.sid != p.pid || p.ctty != nil || term.Session() != 0 {
		return
	}
	p.ctty = term
	term.SetSession(p.sid)
	term.SetForeground(p.pgid)
}

// Ioctl answers the process group and controlling terminal requests
// here and passes the rest to the terminal.
func (t *Task) Ioctl(fd int, req uint, arg any) error {
	f, err := t.fds.Get(fd)
	if err != nil {
		return err
	}
	term, err := handle.AsTerminal(f.Handle)
	if err != nil {
		return err
	}
	p := t.proc
	switch req {
	case abi.TIOCSCTTY:
		if p.ctty == term {
			return nil
		}
		if p.sid != p.pid || p.ctty != nil {
			return abi.EPERM
		}
		if s := term.Session(); s != 0 && s != p.sid {
			return abi.EPERM
		}
		p.ctty = term
		term.SetSession(p.sid)
		term.SetForeground(p.pgid)
		return nil
	case abi.TIOCNOTTY:
		if p.ctty != term {
			return abi.ENOTTY
		}
		if p.sid == p.pid {
			if fg := term.Foreground(); fg != 0 {
				t.k.SignalGroup(fg, signal.SIGHUP)
				t.k.SignalGroup(fg, signal.SIGCONT)
			}
			for _, o := range t.k.procs {
				if o.sid == p.sid {
					o.ctty = nil
				}
			}
			term.SetSession(0)
			term.SetForeground(0)
		}
		p.ctty = nil
		return nil
	case abi.TIOCGPGRP:
		if p.ctty != term {
			return abi.ENOTTY
		}
		out, ok := arg.(*int)
		if !ok {
			return abi.EFAULT
		}
		*out = term.Foreground()
		return nil
	case abi.TIOCSPGRP:
		if p.ctty != term {
			return abi.ENOTTY
		}
		in, ok := arg.(*int)
		if !ok {
			return abi.EFAULT
		}
		if *in < 0 {
			return abi.EINVAL
		}
		if _, ok := t.k.pgrps[*in]; !ok || t.k.sessionOf(*in) != p.sid {
			return abi.EPERM
		}
		term.SetForeground(*in)
		return nil
	}
	return term.Ioctl(t.ctx, req, arg)
}

// Pipe2 creates a pipe and returns its read and write descriptors.
func (t *Task) Pipe2(flags int) ([2]int, error) {
	fds := [2]int{-1, -1}
	if flags&^(abi.O_CLOEXEC|abi.O_NONBLOCK) != 0 {
		return fds, abi.EINVAL
	}
	r, w := pipe.New(t.k.pipeSize)
	rf := handle.NewFile(r, abi.O_RDONLY|flags&abi.O_NONBLOCK, "")
	wf := handle.NewFile(w, abi.O_WRONLY|flags&abi.O_NONBLOCK, "")
	t.k.anon("pipe", fs.ModeNamedPipe|0600, rf, wf)
	cloexec := flags&abi.O_CLOEXEC != 0
	rfd, err := t.install(rf, cloexec)
	if err != nil {
		wf.Unref()
		return fds, err
	}
	wfd, err := t.install(wf, cloexec)
	if err != nil {
		t.fds.Close(rfd)
		return fds, err
	}
	fds[0], fds[1] = rfd, wfd
	return fds, nil
}

// PollFd is one entry of a Poll request.
type PollFd struct {
	Fd      int
	Events  handle.Events
	Revents handle.Events
}

type relay struct{ q *waitq.Queue }

func (r *relay) Wake() { r.q.Notify() }

func (t *Task) pollOnce(fds []PollFd) int {
	var ready int
	for i := range fds {
		pf := &fds[i]
		pf.Revents = 0
		if pf.Fd < 0 {
			continue
		}
		f, err := t.fds.Get(pf.Fd)
		if err != nil {
			pf.Revents = handle.EventNval
		} else {
			pf.Revents = f.Poll() & (pf.Events | handle.EventErr | handle.EventHup)
		}
		if pf.Revents != 0 {
			ready++
		}
	}
	return ready
}

// Poll waits until one of fds is ready or timeout passes. A negative
// timeout waits forever.
func (t *Task) Poll(fds []PollFd, timeout time.Duration) (int, error) {
	var q waitq.Queue
	r := &relay{q: &q}
	for _, pf := range fds {
		if f, err := t.fds.Get(pf.Fd); err == nil {
			if s, ok := f.Handle.(handle.Stream); ok {
				s.Queue().Add(r)
				defer s.Queue().Remove(r)
			}
		}
	}
	expired := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			t.k.sched.Post(func() {
				expired = true
				q.Notify()
			})
		})
		defer timer.Stop()
	}
	for {
		seq := q.Seq()
		if n := t.pollOnce(fds); n > 0 || timeout == 0 || expired {
			return n, nil
		}
		if err := t.BlockOn(&q, seq); err != nil {
			return 0, err
		}
	}
}

// Pump moves up to count bytes from fdIn to fdOut. A non-nil offset
// reads or writes that regular file at the offset, advances the offset
// and leaves the file position alone. Stream input is forwarded through
// the file's peek buffer so bytes the output refuses stay unread.
func (t *Task) Pump(fdIn int, offIn *int64, fdOut int, offOut *int64, count int, flags int) (int, error) {
	if count < 0 || flags != 0 {
		return 0, abi.EINVAL
	}
	in, err := t.fds.Get(fdIn)
	if err != nil {
		return 0, err
	}
	out, err := t.fds.Get(fdOut)
	if err != nil {
		return 0, err
	}
	if !in.Readable() || !out.Writable() {
		return 0, abi.EBADF
	}
	// A regular input without an offset pumps from its position and
	// moves it by what was written.
	var advance handle.Regular
	if r, ok := in.Handle.(handle.Regular); ok && offIn == nil {
		pos, err := r.Seek(0, abi.SEEK_CUR)
		if err != nil {
			return 0, err
		}
		offIn, advance = &pos, r
		defer func() { advance.Seek(pos, abi.SEEK_SET) }()
	}
	var moved int
	for moved < count {
		chunk := min(count-moved, pumpChunk)
		data, err := t.pumpRead(in, offIn, chunk)
		if err != nil {
			if moved > 0 {
				break
			}
			return 0, err
		}
		if len(data) == 0 {
			break
		}
		var n int
		if offOut != nil {
			w, ok := out.Handle.(handle.Regular)
			if !ok {
				return moved, abi.ESPIPE
			}
			n, err = w.WriteAt(data, *offOut)
			*offOut += int64(n)
		} else {
			n, err = t.write(out, data)
		}
		if offIn != nil {
			*offIn += int64(n)
		} else {
			in.Consume(n)
		}
		moved += n
		if err != nil {
			if moved > 0 {
				break
			}
			return 0, err
		}
		if n < len(data) {
			break
		}
	}
	return moved, nil
}

func (t *Task) pumpRead(in *handle.File, off *int64, n int) ([]byte, error) {
	if off != nil {
		if *off < 0 {
			return nil, abi.EINVAL
		}
		r, ok := in.Handle.(handle.Regular)
		if !ok {
			return nil, abi.ESPIPE
		}
		buf := make([]byte, n)
		m, err := r.ReadAt(buf, *off)
		if err != nil && err != io.EOF {
			return nil, err
		}
		return buf[:m], nil
	}
	var data []byte
	_, err := t.blocking(in, func() (int, error) {
		b, err := in.Peek(t.ctx, n)
		data = b
		return len(b), err
	})
	if err == io.EOF {
		err = nil
	}
	return data, err
}
