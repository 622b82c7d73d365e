// Package remote lets a process outside the kernel make syscalls over a
// duplex session. Each remote process is backed by a proxy task that
// performs its calls.
package remote

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"tractor.dev/toolkit-go/duplex/codec"
	"tractor.dev/toolkit-go/duplex/mux"
	"tractor.dev/toolkit-go/duplex/rpc"
	"tractor.dev/toolkit-go/duplex/talk"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/sys"
	"tractor.dev/cooper/task"
)

// Program is the name the proxy is registered under.
const Program = "remote"

type SpawnArgs struct {
	Argv []string
	Env  []string
	Dir  string
}

type CallArgs struct {
	Pid  int
	Nr   int
	Args []any
}

// CallReply carries the result and the final contents of every byte
// buffer argument, by index.
type CallReply struct {
	Ret  int64
	Bufs map[int][]byte
}

type ExitArgs struct {
	Pid  int
	Code int
}

type request struct {
	nr    int
	args  []any
	exit  bool
	code  int
	reply chan CallReply
}

type proxy struct {
	reqs chan request
	done chan struct{}
}

// Server runs remote processes in k.
type Server struct {
	k   *task.Kernel
	d   *sys.Dispatcher
	log *slog.Logger

	mu      sync.Mutex
	proxies map[int]*proxy
}

// New registers the proxy program with k. The caller puts it on a
// path, /bin/remote by default.
func New(k *task.Kernel, d *sys.Dispatcher) *Server {
	s := &Server{
		k:       k,
		d:       d,
		log:     k.Logger().With("component", "remote"),
		proxies: make(map[int]*proxy),
	}
	k.Register(Program, s.main)
	return s
}

// Serve answers calls on sess until it closes. Processes spawned on
// the session are hung up when it ends.
func (s *Server) Serve(ctx context.Context, sess mux.Session) {
	var (
		mu    sync.Mutex
		owned []int
	)
	peer := talk.NewPeer(sess, codec.CBORCodec{})
	peer.Handle("Spawn", rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		var args SpawnArgs
		if err := c.Receive(&args); err != nil {
			r.Return(err)
			return
		}
		pid, err := s.spawn(ctx, args)
		if err != nil {
			r.Return(err)
			return
		}
		mu.Lock()
		owned = append(owned, pid)
		mu.Unlock()
		r.Return(pid)
	}))
	peer.Handle("Syscall", rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		var args CallArgs
		if err := c.Receive(&args); err != nil {
			r.Return(err)
			return
		}
		r.Return(s.call(ctx, args))
	}))
	peer.Handle("Exit", rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		var args ExitArgs
		if err := c.Receive(&args); err != nil {
			r.Return(err)
			return
		}
		if p := s.proxy(args.Pid); p != nil {
			select {
			case p.reqs <- request{exit: true, code: args.Code}:
			case <-p.done:
			}
		}
		r.Return(nil)
	}))
	peer.Respond()
	mu.Lock()
	defer mu.Unlock()
	for _, pid := range owned {
		if p := s.proxy(pid); p != nil {
			select {
			case p.reqs <- request{exit: true, code: 128 + 1}:
			case <-p.done:
			}
		}
	}
}

// ServeConn runs a session over conn, such as a websocket, until it
// closes.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	sess, err := mux.DialIO(conn, conn)
	if err != nil {
		return err
	}
	s.Serve(ctx, sess)
	return nil
}

func (s *Server) proxy(pid int) *proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies[pid]
}

func (s *Server) spawn(ctx context.Context, args SpawnArgs) (int, error) {
	if len(args.Argv) == 0 {
		args.Argv = []string{Program}
	}
	var (
		pid int
		err error
	)
	if derr := s.k.Do(ctx, func() {
		var t *task.Task
		t, err = s.k.Spawn(task.Attr{
			Path: "/bin/" + Program,
			Argv: args.Argv,
			Env:  args.Env,
			Dir:  args.Dir,
		})
		if err != nil {
			return
		}
		pid = t.Pid()
		s.mu.Lock()
		s.proxies[pid] = &proxy{reqs: make(chan request), done: make(chan struct{})}
		s.mu.Unlock()
	}); derr != nil {
		return 0, derr
	}
	return pid, err
}

func (s *Server) call(ctx context.Context, args CallArgs) CallReply {
	p := s.proxy(args.Pid)
	if p == nil {
		return CallReply{Ret: -int64(abi.ESRCH)}
	}
	req := request{nr: args.Nr, args: args.Args, reply: make(chan CallReply, 1)}
	select {
	case p.reqs <- req:
	case <-p.done:
		return CallReply{Ret: -int64(abi.ESRCH)}
	case <-ctx.Done():
		return CallReply{Ret: -int64(abi.EINTR)}
	}
	select {
	case rep := <-req.reply:
		return rep
	case <-p.done:
		return CallReply{Ret: -int64(abi.ESRCH)}
	}
}

// main is the proxy task. It waits off the scheduler for the next
// request and performs it as itself.
func (s *Server) main(t *task.Task, argv []string) int {
	p := s.proxy(t.Pid())
	if p == nil {
		return 1
	}
	defer func() {
		s.mu.Lock()
		delete(s.proxies, t.Pid())
		s.mu.Unlock()
		close(p.done)
	}()
	for {
		var req request
		t.Await(func() error {
			select {
			case req = <-p.reqs:
			case <-p.done:
			}
			return nil
		})
		if req.exit {
			return req.code
		}
		ret := s.d.Call(t, req.nr, req.args...)
		rep := CallReply{Ret: ret}
		for i, a := range req.args {
			if b, ok := a.([]byte); ok {
				if rep.Bufs == nil {
					rep.Bufs = make(map[int][]byte)
				}
				rep.Bufs[i] = b
			}
		}
		s.log.Debug("call", "pid", t.Pid(), "nr", s.d.Name(req.nr), "ret", ret)
		req.reply <- rep
	}
}
