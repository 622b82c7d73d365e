// Package tty implements pseudo-terminal pairs with a line discipline.
package tty

import (
	"context"
	"io/fs"
	"sort"
	"sync"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/pipe"
	"tractor.dev/cooper/internal/waitq"
	"tractor.dev/cooper/signal"
)

// SignalFunc delivers sig to every process in a process group.
type SignalFunc func(pgid int, sig signal.Signal)

// Table allocates pty pairs and numbers them.
type Table struct {
	mu      sync.Mutex
	ptys    map[int]*Pty
	bufsize int
	signal  SignalFunc
}

func NewTable(bufsize int, fn SignalFunc) *Table {
	return &Table{ptys: make(map[int]*Pty), bufsize: bufsize, signal: fn}
}

// Open allocates the lowest free pty number and returns its master.
func (tb *Table) Open() *Master {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := 0
	for tb.ptys[n] != nil {
		n++
	}
	q := &waitq.Queue{}
	p := &Pty{
		n:       n,
		table:   tb,
		termios: DefaultTermios(),
		winsize: Winsize{Row: 24, Col: 80},
		input:   pipe.NewBuffer(tb.bufsize, q),
		output:  pipe.NewBuffer(tb.bufsize, q),
		q:       q,
		ctime:   time.Now(),
	}
	tb.ptys[n] = p
	return &Master{p}
}

// Get returns pty n.
func (tb *Table) Get(n int) (*Pty, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	p, ok := tb.ptys[n]
	return p, ok
}

// List returns allocated pty numbers in order.
func (tb *Table) List() []int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	var ns []int
	for n := range tb.ptys {
		ns = append(ns, n)
	}
	sort.Ints(ns)
	return ns
}

func (tb *Table) remove(n int) {
	tb.mu.Lock()
	delete(tb.ptys, n)
	tb.mu.Unlock()
}

// Pty is the state shared by both ends of a pair.
type Pty struct {
	mu      sync.Mutex
	n       int
	table   *Table
	termios Termios
	winsize Winsize
	input   *pipe.Buffer
	output  *pipe.Buffer
	line    []byte
	eofs    int
	fg      int
	sid     int
	slaves  int
	opened  bool
	hungup  bool
	q       *waitq.Queue
	ctime   time.Time
}

// Number is the pty index, the n in /dev/pts/n.
func (p *Pty) Number() int { return p.n }

// OpenSlave returns a new handle on the slave end.
func (p *Pty) OpenSlave() (*Slave, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hungup {
		return nil, abi.EIO
	}
	p.slaves++
	p.opened = true
	return &Slave{p}, nil
}

func (p *Pty) Foreground() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fg
}

func (p *Pty) SetForeground(pgid int) {
	p.mu.Lock()
	p.fg = pgid
	p.mu.Unlock()
}

func (p *Pty) Session() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sid
}

func (p *Pty) SetSession(sid int) {
	p.mu.Lock()
	p.sid = sid
	p.mu.Unlock()
}

func (p *Pty) Queue() *waitq.Queue { return p.q }

func (p *Pty) signalFg(sig signal.Signal) {
	p.mu.Lock()
	fg := p.fg
	p.mu.Unlock()
	if fg > 0 && p.table.signal != nil {
		p.table.signal(fg, sig)
	}
}

// Hangup marks the line dead and signals the foreground group with
// SIGHUP followed by SIGCONT.
func (p *Pty) Hangup() {
	p.mu.Lock()
	if p.hungup {
		p.mu.Unlock()
		return
	}
	p.hungup = true
	p.mu.Unlock()
	p.signalFg(signal.SIGHUP)
	p.signalFg(signal.SIGCONT)
	p.input.CloseWrite()
	p.q.Notify()
}

// Ioctl handles the settings requests common to both ends. Process
// group and controlling terminal requests are answered by the caller
// through the Terminal methods.
func (p *Pty) Ioctl(ctx context.Context, req uint, arg any) error {
	switch req {
	case abi.TCGETS:
		out, ok := arg.(*Termios)
		if !ok {
			return abi.EFAULT
		}
		p.mu.Lock()
		*out = p.termios
		p.mu.Unlock()
	case abi.TCSETS, abi.TCSETSW, abi.TCSETSF:
		in, ok := arg.(*Termios)
		if !ok {
			return abi.EFAULT
		}
		p.mu.Lock()
		p.termios = *in
		p.mu.Unlock()
	case abi.TIOCGWINSZ:
		out, ok := arg.(*Winsize)
		if !ok {
			return abi.EFAULT
		}
		p.mu.Lock()
		*out = p.winsize
		p.mu.Unlock()
	case abi.TIOCSWINSZ:
		in, ok := arg.(*Winsize)
		if !ok {
			return abi.EFAULT
		}
		p.mu.Lock()
		changed := p.winsize != *in
		p.winsize = *in
		p.mu.Unlock()
		if changed {
			p.signalFg(signal.SIGWINCH)
		}
	case abi.FIONREAD:
		out, ok := arg.(*int)
		if !ok {
			return abi.EFAULT
		}
		*out = p.input.Size()
	default:
		return abi.ENOTTY
	}
	return nil
}

func (p *Pty) stat(rdev uint64) abi.Stat {
	return abi.Stat{
		Mode:  fs.ModeDevice | fs.ModeCharDevice | 0620,
		Nlink: 1,
		Rdev:  rdev,
		Atime: p.ctime,
		Mtime: p.ctime,
		Ctime: p.ctime,
	}
}

// receive runs input typed at the master through the line discipline.
func (p *Pty) receive(data []byte) (int, error) {
	p.mu.Lock()
	if p.hungup {
		p.mu.Unlock()
		return 0, abi.EIO
	}
	if p.input.Space() == 0 {
		p.mu.Unlock()
		return 0, abi.EAGAIN
	}
	signals := p.discipline(data)
	p.mu.Unlock()
	for _, sig := range signals {
		p.signalFg(sig)
	}
	p.q.Notify()
	return len(data), nil
}

// discipline applies input processing with p.mu held and returns the
// signals to raise once it is released.
func (p *Pty) discipline(data []byte) []signal.Signal {
	t := p.termios
	var signals []signal.Signal
	for _, c := range data {
		if t.Iflag&ICRNL != 0 && c == '\r' {
			c = '\n'
		}
		if t.Lflag&ISIG != 0 {
			var sig signal.Signal
			switch c {
			case t.Cc[VINTR]:
				sig = signal.SIGINT
			case t.Cc[VQUIT]:
				sig = signal.SIGQUIT
			case t.Cc[VSUSP]:
				sig = signal.SIGTSTP
			}
			if sig != 0 {
				p.line = p.line[:0]
				if t.Lflag&ECHO != 0 {
					p.echo([]byte{'^', c + '@', '\n'})
				}
				signals = append(signals, sig)
				continue
			}
		}
		if t.Lflag&ICANON == 0 {
			p.input.Write([]byte{c})
			if t.Lflag&ECHO != 0 {
				p.echo([]byte{c})
			}
			continue
		}
		switch c {
		case t.Cc[VERASE], '\b':
			if len(p.line) > 0 {
				p.line = p.line[:len(p.line)-1]
				if t.Lflag&ECHOE != 0 {
					p.echo([]byte("\b \b"))
				}
			}
		case t.Cc[VKILL]:
			if t.Lflag&ECHOK != 0 {
				for range p.line {
					p.echo([]byte("\b \b"))
				}
			}
			p.line = p.line[:0]
		case t.Cc[VEOF]:
			if len(p.line) == 0 {
				p.eofs++
			} else {
				p.input.Write(p.line)
				p.line = p.line[:0]
			}
		case '\n':
			p.line = append(p.line, c)
			p.input.Write(p.line)
			p.line = p.line[:0]
			if t.Lflag&ECHO != 0 {
				p.echo([]byte{c})
			}
		default:
			p.line = append(p.line, c)
			if t.Lflag&ECHO != 0 {
				p.echo([]byte{c})
			}
		}
	}
	return signals
}

func (p *Pty) echo(b []byte) {
	p.output.Write(p.opost(b))
}

func (p *Pty) opost(b []byte) []byte {
	if p.termios.Oflag&OPOST == 0 || p.termios.Oflag&ONLCR == 0 {
		return b
	}
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\n' {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

// Master is the controlling side, usually held by a host terminal.
type Master struct {
	*Pty
}

var _ handle.Terminal = (*Master)(nil)

// Multiplexer marks the master end, which never becomes a controlling
// terminal.
func (m *Master) Multiplexer() {}

func (m *Master) Read(ctx context.Context, b []byte) (int, error) {
	n, err := m.output.Read(b)
	if err == abi.EAGAIN {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.opened && m.slaves == 0 {
			return 0, abi.EIO
		}
	}
	return n, err
}

func (m *Master) Write(ctx context.Context, b []byte) (int, error) {
	return m.receive(b)
}

func (m *Master) Poll() handle.Events {
	var ev handle.Events
	if readable, _ := m.output.ReadEvents(); readable {
		ev |= handle.EventIn
	}
	if m.input.Space() > 0 {
		ev |= handle.EventOut
	}
	return ev
}

func (m *Master) Ioctl(ctx context.Context, req uint, arg any) error {
	if req == abi.TIOCGPTN {
		out, ok := arg.(*int)
		if !ok {
			return abi.EFAULT
		}
		*out = m.n
		return nil
	}
	return m.Pty.Ioctl(ctx, req, arg)
}

func (m *Master) Stat(ctx context.Context) (abi.Stat, error) {
	return m.stat(5<<8 | 2), nil
}

// Release hangs up the line and frees the pty number.
func (m *Master) Release() error {
	m.Hangup()
	m.table.remove(m.n)
	return nil
}

// Slave is the side programs use as their terminal.
type Slave struct {
	*Pty
}

var _ handle.Terminal = (*Slave)(nil)

func (s *Slave) Read(ctx context.Context, b []byte) (int, error) {
	n, err := s.input.Read(b)
	if err == abi.EAGAIN {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.eofs > 0 {
			s.eofs--
			return 0, nil
		}
	}
	return n, err
}

func (s *Slave) Write(ctx context.Context, b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hungup {
		return 0, abi.EIO
	}
	space := s.output.Space()
	n := 0
	var out []byte
	for _, c := range b {
		conv := s.opost([]byte{c})
		if len(out)+len(conv) > space {
			break
		}
		out = append(out, conv...)
		n++
	}
	if n == 0 && len(b) > 0 {
		return 0, abi.EAGAIN
	}
	s.output.Write(out)
	return n, nil
}

func (s *Slave) Poll() handle.Events {
	var ev handle.Events
	readable, hup := s.input.ReadEvents()
	s.mu.Lock()
	if readable || s.eofs > 0 {
		ev |= handle.EventIn
	}
	if s.hungup || hup {
		ev |= handle.EventHup
	}
	s.mu.Unlock()
	if s.output.Space() > 0 {
		ev |= handle.EventOut
	}
	return ev
}

func (s *Slave) Stat(ctx context.Context) (abi.Stat, error) {
	return s.stat(uint64(136<<8 | s.n)), nil
}

func (s *Slave) Release() error {
	s.mu.Lock()
	s.slaves--
	s.mu.Unlock()
	s.q.Notify()
	return nil
}
