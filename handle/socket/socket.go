// Package socket implements stream sockets over an in-memory network.
// Addresses are plain strings: a path for local sockets, host:port for
// inet ones. No real network stack is involved.
package socket

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/pipe"
	"tractor.dev/cooper/internal/waitq"
)

// Network is the address space sockets bind, listen and connect in.
type Network struct {
	mu        sync.Mutex
	bound     map[string]*Socket
	listeners map[string]*Socket
	bufsize   int
	ephemeral int
}

func NewNetwork(bufsize int) *Network {
	return &Network{
		bound:     make(map[string]*Socket),
		listeners: make(map[string]*Socket),
		bufsize:   bufsize,
		ephemeral: 32768,
	}
}

// Listening reports whether something accepts connections at addr.
func (n *Network) Listening(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.listeners[addr]
	return ok
}

type state int

const (
	unbound state = iota
	bound
	listening
	connected
	closed
)

type Socket struct {
	net     *Network
	family  int
	state   state
	local   string
	remote  string
	rx, tx  *pipe.Buffer
	peer    *Socket
	backlog []*Socket
	max     int
	q       *waitq.Queue
	reset   bool
	ctime   time.Time
}

var _ handle.Socket = (*Socket)(nil)

// Socket creates an unbound stream socket.
func (n *Network) Socket(family int) (*Socket, error) {
	switch family {
	case abi.AF_UNIX, abi.AF_INET, abi.AF_INET6:
	default:
		return nil, abi.EINVAL
	}
	return &Socket{net: n, family: family, q: &waitq.Queue{}, ctime: time.Now()}, nil
}

// Pair creates two connected sockets.
func (n *Network) Pair(family int) (*Socket, *Socket, error) {
	a, err := n.Socket(family)
	if err != nil {
		return nil, nil, err
	}
	b, _ := n.Socket(family)
	n.join(a, b)
	return a, b, nil
}

func (n *Network) join(a, b *Socket) {
	ab := pipe.NewBuffer(n.bufsize, a.q, b.q)
	ba := pipe.NewBuffer(n.bufsize, a.q, b.q)
	a.tx, b.rx = ab, ab
	b.tx, a.rx = ba, ba
	a.peer, b.peer = b, a
	a.state, b.state = connected, connected
}

func (s *Socket) Family() int { return s.family }

func (s *Socket) Bind(addr string) error {
	if s.state != unbound {
		return abi.EINVAL
	}
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.bound[addr]; ok {
		return abi.EADDRINUSE
	}
	n.bound[addr] = s
	s.local = addr
	s.state = bound
	return nil
}

func (s *Socket) autobind() {
	n := s.net
	n.mu.Lock()
	for {
		n.ephemeral++
		addr := fmt.Sprintf("localhost:%d", n.ephemeral)
		if _, ok := n.bound[addr]; !ok {
			n.bound[addr] = s
			s.local = addr
			break
		}
	}
	n.mu.Unlock()
	s.state = bound
}

func (s *Socket) Listen(backlog int) error {
	switch s.state {
	case listening:
		s.max = backlog
		return nil
	case unbound:
		s.autobind()
	case bound:
	default:
		return abi.EINVAL
	}
	if backlog <= 0 {
		backlog = 128
	}
	n := s.net
	n.mu.Lock()
	n.listeners[s.local] = s
	n.mu.Unlock()
	s.max = backlog
	s.state = listening
	return nil
}

func (s *Socket) Accept(ctx context.Context) (handle.Socket, error) {
	if s.state != listening {
		return nil, abi.EINVAL
	}
	if len(s.backlog) == 0 {
		return nil, abi.EAGAIN
	}
	c := s.backlog[0]
	s.backlog = s.backlog[1:]
	return c, nil
}

// Connect joins s to the listener at addr. The server end is queued on
// the listener's backlog right away, so connecting never blocks.
func (s *Socket) Connect(ctx context.Context, addr string) error {
	switch s.state {
	case connected:
		return abi.EISCONN
	case listening, closed:
		return abi.EINVAL
	}
	n := s.net
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok || len(l.backlog) >= l.max {
		return abi.ECONNREFUSED
	}
	if s.state == unbound {
		s.autobind()
	}
	c, _ := n.Socket(l.family)
	c.local = addr
	c.remote = s.local
	s.remote = addr
	n.join(s, c)
	l.backlog = append(l.backlog, c)
	l.q.Notify()
	return nil
}

// Answer connects s to a new server end at addr that no listener owns,
// for handing the connection straight to a freshly started server.
func (n *Network) Answer(s *Socket, addr string) (*Socket, error) {
	switch s.state {
	case connected:
		return nil, abi.EISCONN
	case listening, closed:
		return nil, abi.EINVAL
	}
	if s.state == unbound {
		s.autobind()
	}
	c, _ := n.Socket(s.family)
	c.local = addr
	c.remote = s.local
	s.remote = addr
	n.join(s, c)
	return c, nil
}

func (s *Socket) LocalAddr() string  { return s.local }
func (s *Socket) RemoteAddr() string { return s.remote }

func (s *Socket) Read(ctx context.Context, p []byte) (int, error) {
	if s.state != connected {
		return 0, abi.ENOTCONN
	}
	if s.reset {
		return 0, abi.ECONNRESET
	}
	return s.rx.Read(p)
}

func (s *Socket) Write(ctx context.Context, p []byte) (int, error) {
	if s.state != connected {
		return 0, abi.ENOTCONN
	}
	n, err := s.tx.Write(p)
	if err != nil && err != abi.EAGAIN {
		return n, abi.EPIPE
	}
	return n, err
}

func (s *Socket) Shutdown(how int) error {
	if s.state != connected {
		return abi.ENOTCONN
	}
	switch how {
	case abi.SHUT_RD:
		return s.rx.CloseRead()
	case abi.SHUT_WR:
		return s.tx.CloseWrite()
	case abi.SHUT_RDWR:
		s.rx.CloseRead()
		return s.tx.CloseWrite()
	}
	return abi.EINVAL
}

func (s *Socket) Poll() handle.Events {
	var ev handle.Events
	switch s.state {
	case listening:
		if len(s.backlog) > 0 {
			ev |= handle.EventIn
		}
	case connected:
		readable, hup := s.rx.ReadEvents()
		writable, broken := s.tx.WriteEvents()
		if readable || s.reset {
			ev |= handle.EventIn
		}
		if writable {
			ev |= handle.EventOut
		}
		if hup && broken {
			ev |= handle.EventHup
		}
		if broken {
			ev |= handle.EventErr
		}
	default:
		ev |= handle.EventOut
	}
	return ev
}

func (s *Socket) Queue() *waitq.Queue { return s.q }

func (s *Socket) Stat(ctx context.Context) (abi.Stat, error) {
	return abi.Stat{
		Mode:  fs.ModeSocket | 0777,
		Nlink: 1,
		Atime: s.ctime,
		Mtime: s.ctime,
		Ctime: s.ctime,
	}, nil
}

func (s *Socket) Release() error {
	n := s.net
	n.mu.Lock()
	if n.bound[s.local] == s {
		delete(n.bound, s.local)
	}
	if n.listeners[s.local] == s {
		delete(n.listeners, s.local)
	}
	n.mu.Unlock()
	switch s.state {
	case listening:
		for _, c := range s.backlog {
			c.Release()
		}
		s.backlog = nil
	case connected:
		if s.rx.Size() > 0 && s.peer != nil {
			s.peer.reset = true
		}
		s.tx.CloseWrite()
		s.rx.CloseRead()
	}
	s.state = closed
	s.q.Notify()
	return nil
}
