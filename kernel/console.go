package kernel

import (
	"context"
	"io"
	"strconv"
	"strings"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/tty"
	"tractor.dev/cooper/task"
)

// Console is a pty whose master end is driven by the host.
type Console struct {
	k      *K
	master *tty.Master
	file   *handle.File
}

func (k *K) newConsole(ctx context.Context) (*Console, *handle.File, error) {
	c := &Console{k: k}
	var (
		slave *handle.File
		err   error
	)
	if derr := k.Do(ctx, func() {
		c.master = k.PTYs.Open()
		c.file = handle.NewFile(c.master, abi.O_RDWR, "/dev/ptmx")
		var s *tty.Slave
		if s, err = c.master.OpenSlave(); err != nil {
			c.file.Unref()
			return
		}
		slave = handle.NewFile(s, abi.O_RDWR, "/dev/pts/"+strconv.Itoa(c.master.Number()))
	}); derr != nil {
		return nil, nil, derr
	}
	if err != nil {
		return nil, nil, err
	}
	return c, slave, nil
}

// BootConsole boots with a new pty as the standard descriptors of init.
func (k *K) BootConsole(ctx context.Context, argv []string) (*Console, error) {
	c, slave, err := k.newConsole(ctx)
	if err != nil {
		return nil, err
	}
	derr := k.Do(ctx, func() {
		if err = k.Boot(argv, slave, slave, slave); err != nil {
			c.file.Unref()
		}
		slave.Unref()
	})
	if derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Session runs argv as the leader of a new session on a new pty.
func (k *K) Session(ctx context.Context, argv []string) (*Console, int, error) {
	if len(argv) == 0 {
		argv = []string{"sh"}
	}
	path := argv[0]
	if !strings.Contains(path, "/") {
		path = "/bin/" + path
	}
	c, slave, err := k.newConsole(ctx)
	if err != nil {
		return nil, 0, err
	}
	var pid int
	derr := k.Do(ctx, func() {
		var t *task.Task
		t, err = k.Task.Spawn(task.Attr{
			Path:   path,
			Argv:   argv,
			Env:    k.cfg.Env,
			Files:  []*handle.File{slave, slave, slave},
			Setsid: true,
		})
		slave.Unref()
		if err != nil {
			c.file.Unref()
			return
		}
		pid = t.Pid()
	})
	if derr != nil {
		return nil, 0, derr
	}
	if err != nil {
		return nil, 0, err
	}
	return c, pid, nil
}

// Number is the pty index of the console.
func (c *Console) Number() int { return c.master.Number() }

// Resize sets the window size seen by programs on the console.
func (c *Console) Resize(ctx context.Context, rows, cols int) error {
	var err error
	if derr := c.k.Do(ctx, func() {
		err = c.master.Ioctl(ctx, abi.TIOCSWINSZ, &tty.Winsize{Row: uint16(rows), Col: uint16(cols)})
	}); derr != nil {
		return derr
	}
	return err
}

// Attach copies in to the console and the console to out until the
// line hangs up or ctx is done. The copy from in stops at its first
// error.
func (c *Console) Attach(ctx context.Context, in io.Reader, out io.Writer) error {
	if in != nil {
		go c.copyIn(ctx, in)
	}
	return c.copyOut(ctx, out)
}

func (c *Console) copyOut(ctx context.Context, w io.Writer) error {
	q := c.master.Queue()
	wk := newWaker()
	q.Add(wk)
	defer q.Remove(wk)
	buf := make([]byte, 4096)
	for {
		seq := q.Seq()
		var (
			n   int
			err error
		)
		if derr := c.k.Do(ctx, func() { n, err = c.master.Read(ctx, buf) }); derr != nil {
			return derr
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			continue
		}
		switch err {
		case abi.EAGAIN:
			if err := wk.wait(ctx, q.Changed, seq); err != nil {
				return err
			}
		case abi.EIO, nil:
			return nil
		default:
			return err
		}
	}
}

func (c *Console) copyIn(ctx context.Context, r io.Reader) {
	q := c.master.Queue()
	wk := newWaker()
	q.Add(wk)
	defer q.Remove(wk)
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		p := buf[:n]
		for len(p) > 0 {
			seq := q.Seq()
			var (
				m    int
				werr error
			)
			if derr := c.k.Do(ctx, func() { m, werr = c.master.Write(ctx, p) }); derr != nil {
				return
			}
			p = p[m:]
			if werr == abi.EAGAIN {
				if wk.wait(ctx, q.Changed, seq) != nil {
					return
				}
				continue
			}
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Close hangs up the console.
func (c *Console) Close() error {
	return c.k.Do(context.Background(), func() { c.file.Unref() })
}

type waker struct {
	ch chan struct{}
}

func newWaker() *waker { return &waker{ch: make(chan struct{}, 1)} }

func (w *waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *waker) wait(ctx context.Context, changed func(uint64) bool, seq uint64) error {
	if changed(seq) {
		return nil
	}
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
