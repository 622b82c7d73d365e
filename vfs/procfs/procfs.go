// Package procfs is the /proc tree: one directory per live process,
// computed from the kernel's process table on every access.
package procfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
	"tractor.dev/cooper/vfs/vfskit"
)

// New returns a builder for the /proc directory. A process directory
// and everything below it are pruned from the arena when the process
// is released, so a pid reused later gets fresh inode numbers.
func New(k *task.Kernel) vfskit.Builder {
	fsys := &procFS{k: k}
	return func(e *vfs.Entry) vfs.Node {
		root := vfskit.NewFuncDir(fsys.list, fsys.child)(e)
		k.OnRelease(func(pid int) {
			e.Arena().Forget(e.Ino(), strconv.Itoa(pid))
		})
		return root
	}
}

type procFS struct {
	k *task.Kernel
}

func (fsys *procFS) list(ctx context.Context) []string {
	names := []string{"self", "thread-self", "uptime", "version"}
	for _, p := range fsys.k.Processes() {
		names = append(names, strconv.Itoa(p.ID()))
	}
	return names
}

func (fsys *procFS) child(ctx context.Context, name string) (vfskit.Builder, bool) {
	switch name {
	case "self":
		return vfskit.NewLink(func(ctx context.Context) (string, error) {
			t, ok := task.FromContext(ctx)
			if !ok {
				return "", abi.ENOENT
			}
			return strconv.Itoa(t.Pid()), nil
		}), true
	case "thread-self":
		return vfskit.NewLink(func(ctx context.Context) (string, error) {
			t, ok := task.FromContext(ctx)
			if !ok {
				return "", abi.ENOENT
			}
			return fmt.Sprintf("%d/task/%d", t.Pid(), t.Tid()), nil
		}), true
	case "uptime":
		return vfskit.NewField(func() (string, error) {
			return fmt.Sprintf("%.2f", time.Since(fsys.k.Booted()).Seconds()), nil
		}), true
	case "version":
		return vfskit.NewField("cooper"), true
	}
	pid, err := strconv.Atoi(name)
	if err != nil || strconv.Itoa(pid) != name {
		return nil, false
	}
	p, ok := fsys.k.Process(pid)
	if !ok {
		return nil, false
	}
	return fsys.procDir(p), true
}

// procDir is the directory of one process. It stops existing the moment
// the process is released even while something still holds it, such
// as a working directory.
func (fsys *procFS) procDir(p *task.Process) vfskit.Builder {
	dir := vfskit.NewMapDir(vfskit.Map{
		"status":  vfskit.NewField(func() (string, error) { return status(p, p.Leader()), nil }),
		"stat":    vfskit.NewField(func() (string, error) { return stat(p, p.Leader()), nil }),
		"cmdline": vfskit.NewField(func() ([]byte, error) { return nulJoin(p.Args()), nil }),
		"environ": vfskit.NewField(func() ([]byte, error) { return nulJoin(p.Env()), nil }),
		"comm":    vfskit.NewField(func() (string, error) { return p.Comm(), nil }),
		"maps":    vfskit.NewField(func() (string, error) { return maps(p.Leader()), nil }),
		"regs":    vfskit.NewField(func() ([]byte, error) { return p.Leader().Regs().Marshal() }),
		"exe": vfskit.NewLink(func(context.Context) (string, error) {
			return p.Exe(), nil
		}),
		"cwd": vfskit.NewNodeLink(
			func(context.Context) (string, error) { return vfs.PathOf(p.Leader().Cwd()), nil },
			func(context.Context) (vfs.Node, error) { return p.Leader().Cwd(), nil },
		),
		"root": vfskit.NewNodeLink(
			func(context.Context) (string, error) { return "/", nil },
			func(context.Context) (vfs.Node, error) { return p.Leader().FSRoot(), nil },
		),
		"fd":   fdDir(p),
		"task": fsys.taskDir(p),
		"ctl":  vfskit.NewControl(control(fsys.k, p)),
	})
	pid := p.ID()
	return func(e *vfs.Entry) vfs.Node {
		d := dir(e).(*vfskit.FuncDir)
		d.Present = func() bool {
			_, ok := fsys.k.Process(pid)
			return ok
		}
		return d
	}
}

func (fsys *procFS) taskDir(p *task.Process) vfskit.Builder {
	return vfskit.NewFuncDir(
		func(context.Context) []string {
			var names []string
			for _, t := range p.Threads() {
				names = append(names, strconv.Itoa(t.Tid()))
			}
			return names
		},
		func(_ context.Context, name string) (vfskit.Builder, bool) {
			tid, err := strconv.Atoi(name)
			if err != nil {
				return nil, false
			}
			t, ok := fsys.k.Task(tid)
			if !ok || t.Process() != p {
				return nil, false
			}
			return vfskit.NewMapDir(vfskit.Map{
				"status": vfskit.NewField(func() (string, error) { return status(p, t), nil }),
				"stat":   vfskit.NewField(func() (string, error) { return stat(p, t), nil }),
				"comm":   vfskit.NewField(func() (string, error) { return p.Comm(), nil }),
				"regs":   vfskit.NewField(func() ([]byte, error) { return t.Regs().Marshal() }),
			}), true
		},
	)
}

func fdDir(p *task.Process) vfskit.Builder {
	return vfskit.NewFuncDir(
		func(context.Context) []string {
			var names []string
			if t := p.Leader(); t != nil && t.Files() != nil {
				t.Files().Each(func(fd int, _ *handle.File, _ bool) {
					names = append(names, strconv.Itoa(fd))
				})
			}
			return names
		},
		func(_ context.Context, name string) (vfskit.Builder, bool) {
			fd, err := strconv.Atoi(name)
			if err != nil {
				return nil, false
			}
			file := func() (*handle.File, error) {
				t := p.Leader()
				if t == nil || t.Files() == nil {
					return nil, abi.ENOENT
				}
				f, err := t.Files().Get(fd)
				if err != nil {
					return nil, abi.ENOENT
				}
				return f, nil
			}
			if _, err := file(); err != nil {
				return nil, false
			}
			return vfskit.NewNodeLink(
				func(context.Context) (string, error) {
					f, err := file()
					if err != nil {
						return "", err
					}
					return f.Path, nil
				},
				func(ctx context.Context) (vfs.Node, error) {
					f, err := file()
					if err != nil {
						return nil, err
					}
					return fileNode(p, f)
				},
			), true
		},
	)
}

type nodeHandle interface {
	Node() vfs.Node
}

// fileNode finds the node an open file refers to: the node it was
// opened from, or the anonymous node of a pipe or socket.
func fileNode(p *task.Process, f *handle.File) (vfs.Node, error) {
	if nh, ok := f.Handle.(nodeHandle); ok {
		return nh.Node(), nil
	}
	if a := p.Kernel().Arena(); a != nil {
		if n, ok := a.Get(vfs.Ino(f.Ino)); ok {
			return n, nil
		}
	}
	return nil, abi.ENOENT
}

func nulJoin(parts []string) []byte {
	var b []byte
	for _, s := range parts {
		b = append(b, s...)
		b = append(b, 0)
	}
	return b
}

var stateNames = map[byte]string{
	'R': "running",
	'S': "sleeping",
	'D': "disk sleep",
	'T': "stopped",
	't': "tracing stop",
	'V': "vfork",
	'I': "idle",
	'Z': "zombie",
}

func stateOf(p *task.Process, t *task.Task) byte {
	if t == nil || p.Stage() >= task.Zombie {
		return 'Z'
	}
	return t.StateCode()
}

func status(p *task.Process, t *task.Task) string {
	var b strings.Builder
	state := stateOf(p, t)
	tid := p.ID()
	var blocked signal.Set
	if t != nil {
		tid = t.Tid()
		blocked = t.Blocked()
	}
	var ignored, caught signal.Set
	for sig := signal.Signal(1); sig <= signal.NSIG; sig++ {
		act := p.Actions().Get(sig)
		switch {
		case act.IsIgnore():
			ignored.Add(sig)
		case act.IsHandler():
			caught.Add(sig)
		}
	}
	fmt.Fprintf(&b, "Name:\t%s\n", p.Comm())
	fmt.Fprintf(&b, "State:\t%c (%s)\n", state, stateNames[state])
	fmt.Fprintf(&b, "Tgid:\t%d\n", p.ID())
	fmt.Fprintf(&b, "Pid:\t%d\n", tid)
	fmt.Fprintf(&b, "PPid:\t%d\n", p.PPID())
	fmt.Fprintf(&b, "TracerPid:\t%d\n", p.Tracer())
	fmt.Fprintf(&b, "Threads:\t%d\n", len(p.Threads()))
	if t != nil {
		fmt.Fprintf(&b, "SigPnd:\t%016x\n", uint64(t.Pending()&^p.Pending()))
	}
	fmt.Fprintf(&b, "ShdPnd:\t%016x\n", uint64(p.Pending()))
	fmt.Fprintf(&b, "SigBlk:\t%016x\n", uint64(blocked))
	fmt.Fprintf(&b, "SigIgn:\t%016x\n", uint64(ignored))
	fmt.Fprintf(&b, "SigCgt:\t%016x\n", uint64(caught))
	return b.String()
}

// stat is the one-line form: pid (comm) state ppid pgrp session tty
// followed by the thread count and start time in ticks since boot.
func stat(p *task.Process, t *task.Task) string {
	id := p.ID()
	if t != nil {
		id = t.Tid()
	}
	start := p.Started().Sub(p.Kernel().Booted()) / (10 * time.Millisecond)
	return fmt.Sprintf("%d (%s) %c %d %d %d %d %d %d",
		id, p.Comm(), stateOf(p, t), p.PPID(), p.Pgid(), p.Sid(),
		ttyNr(p), len(p.Threads()), start)
}

func ttyNr(p *task.Process) int {
	term := p.Terminal()
	if term == nil {
		return 0
	}
	st, err := term.Stat(context.Background())
	if err != nil {
		return 0
	}
	return int(st.Rdev)
}

func maps(t *task.Task) string {
	if t == nil || t.Memory() == nil {
		return ""
	}
	var b strings.Builder
	for _, r := range t.Memory().Regions() {
		perms := []byte("---p")
		if r.Prot&abi.PROT_READ != 0 {
			perms[0] = 'r'
		}
		if r.Prot&abi.PROT_WRITE != 0 {
			perms[1] = 'w'
		}
		if r.Prot&abi.PROT_EXEC != 0 {
			perms[2] = 'x'
		}
		if r.Flags&abi.MAP_SHARED != 0 {
			perms[3] = 's'
		}
		fmt.Fprintf(&b, "%08x-%08x %s %s\n", r.Addr, r.End(), perms, r.Path)
	}
	return b.String()
}

func control(k *task.Kernel, p *task.Process) vfskit.Commands {
	return func(fail func(error)) *cli.Command {
		send := func(sig signal.Signal) {
			if err := k.Signal(p.ID(), sig); err != nil {
				fail(err)
			}
		}
		return &cli.Command{
			Usage: "ctl",
			Short: "control the process",
			Run: func(ctx *cli.Context, args []string) {
				switch {
				case len(args) == 2 && args[0] == "kill":
					sig, ok := signal.Parse(args[1])
					if !ok {
						fail(abi.EINVAL)
						return
					}
					send(sig)
				case len(args) == 1 && args[0] == "kill":
					send(signal.SIGKILL)
				case len(args) == 1 && args[0] == "stop":
					send(signal.SIGSTOP)
				case len(args) == 1 && args[0] == "cont":
					send(signal.SIGCONT)
				case len(args) == 1 && args[0] == "hangup":
					if term := p.Terminal(); term != nil {
						term.Hangup()
					}
				default:
					fail(abi.EINVAL)
				}
			},
		}
	}
}
