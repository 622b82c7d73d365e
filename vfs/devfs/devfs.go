// Package devfs is the /dev tree: the memory devices and the terminal
// multiplexer.
package devfs

import (
	"context"
	"crypto/rand"
	"io/fs"
	"strconv"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/tty"
	"tractor.dev/cooper/internal/waitq"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
	"tractor.dev/cooper/vfs/vfskit"
)

func mkdev(major, minor int) uint64 { return uint64(major<<8 | minor) }

// New returns a builder for /dev. Terminals come from ptys.
func New(ptys *tty.Table) vfskit.Builder {
	return vfskit.NewMapDir(vfskit.Map{
		"null":    Device(mkdev(1, 3), discard, eof),
		"zero":    Device(mkdev(1, 5), discard, zeros),
		"full":    Device(mkdev(1, 7), full, zeros),
		"random":  Device(mkdev(1, 8), discard, random),
		"urandom": Device(mkdev(1, 9), discard, random),
		"tty":     controllingTerminal(),
		"ptmx":    multiplexer(ptys),
		"pts":     slaves(ptys),
		"fd":      link("/proc/self/fd"),
		"stdin":   link("/proc/self/fd/0"),
		"stdout":  link("/proc/self/fd/1"),
		"stderr":  link("/proc/self/fd/2"),
	})
}

func link(target string) vfskit.Builder {
	return vfskit.NewLink(func(context.Context) (string, error) { return target, nil })
}

func discard(p []byte) (int, error) { return len(p), nil }
func full(p []byte) (int, error)    { return 0, abi.ENOSPC }
func eof(p []byte) (int, error)     { return 0, nil }

func zeros(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func random(p []byte) (int, error) {
	return rand.Read(p)
}

// Node is a character device.
type Node struct {
	*vfs.Entry
	rdev  uint64
	ctime time.Time
	open  func(ctx context.Context, flags int) (handle.Handle, error)
}

func (n *Node) Mode() fs.FileMode {
	return fs.ModeDevice | fs.ModeCharDevice | 0666
}

func (n *Node) Stat(ctx context.Context) (abi.Stat, error) {
	return abi.Stat{
		Mode:  n.Mode(),
		Rdev:  n.rdev,
		Atime: n.ctime,
		Mtime: n.ctime,
		Ctime: n.ctime,
	}, nil
}

func (n *Node) Open(ctx context.Context, flags int) (handle.Handle, error) {
	return n.open(ctx, flags)
}

// Truncate is accepted so O_TRUNC and shell redirections work.
func (n *Node) Truncate(ctx context.Context, size int64) error { return nil }

func newNode(rdev uint64, open func(ctx context.Context, flags int) (handle.Handle, error)) vfskit.Builder {
	return func(e *vfs.Entry) vfs.Node {
		return &Node{Entry: e, rdev: rdev, ctime: time.Now(), open: open}
	}
}

// Device returns a builder for a device whose handles read with read
// and write with write. Neither may block.
func Device(rdev uint64, write, read func([]byte) (int, error)) vfskit.Builder {
	return newNode(rdev, func(ctx context.Context, flags int) (handle.Handle, error) {
		return &stream{rdev: rdev, read: read, write: write}, nil
	})
}

type stream struct {
	rdev  uint64
	read  func([]byte) (int, error)
	write func([]byte) (int, error)
	q     waitq.Queue
}

var _ handle.Stream = (*stream)(nil)

func (s *stream) Read(ctx context.Context, p []byte) (int, error)  { return s.read(p) }
func (s *stream) Write(ctx context.Context, p []byte) (int, error) { return s.write(p) }
func (s *stream) Poll() handle.Events                             { return handle.EventIn | handle.EventOut }
func (s *stream) Queue() *waitq.Queue                             { return &s.q }
func (s *stream) Release() error                                  { return nil }

func (s *stream) Stat(ctx context.Context) (abi.Stat, error) {
	return abi.Stat{Mode: fs.ModeDevice | fs.ModeCharDevice | 0666, Rdev: s.rdev}, nil
}

type slaveOpener interface {
	OpenSlave() (*tty.Slave, error)
}

// controllingTerminal opens the terminal of the calling process.
func controllingTerminal() vfskit.Builder {
	return newNode(mkdev(5, 0), func(ctx context.Context, flags int) (handle.Handle, error) {
		t, ok := task.FromContext(ctx)
		if !ok {
			return nil, abi.ENXIO
		}
		so, ok := t.Process().Terminal().(slaveOpener)
		if !ok {
			return nil, abi.ENXIO
		}
		return so.OpenSlave()
	})
}

// multiplexer allocates a new pty pair on every open and returns its
// master end.
func multiplexer(ptys *tty.Table) vfskit.Builder {
	return newNode(mkdev(5, 2), func(ctx context.Context, flags int) (handle.Handle, error) {
		return ptys.Open(), nil
	})
}

func slaves(ptys *tty.Table) vfskit.Builder {
	return vfskit.NewFuncDir(
		func(context.Context) []string {
			var names []string
			for _, n := range ptys.List() {
				names = append(names, strconv.Itoa(n))
			}
			return names
		},
		func(_ context.Context, name string) (vfskit.Builder, bool) {
			n, err := strconv.Atoi(name)
			if err != nil {
				return nil, false
			}
			if _, ok := ptys.Get(n); !ok {
				return nil, false
			}
			return newNode(mkdev(136, n), func(ctx context.Context, flags int) (handle.Handle, error) {
				p, ok := ptys.Get(n)
				if !ok {
					return nil, abi.EIO
				}
				return p.OpenSlave()
			}), true
		},
	)
}
