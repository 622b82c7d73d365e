// Package handle defines the open-handle hierarchy: what a file
// descriptor points at. Every handle answers capability predicates and
// can be downcast with a checked conversion that fails with the errno a
// caller would expect instead of misbehaving.
package handle

import (
	"context"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/internal/waitq"
)

// Handle is the base of every open object.
type Handle interface {
	Stat(ctx context.Context) (abi.Stat, error)
	// Release is called once, when the last open-file reference drops.
	Release() error
}

// Events is a poll event mask.
type Events int16

const (
	EventIn   Events = abi.POLLIN
	EventOut  Events = abi.POLLOUT
	EventErr  Events = abi.POLLERR
	EventHup  Events = abi.POLLHUP
	EventNval Events = abi.POLLNVAL
)

// Stream is a handle carrying bytes. Read and Write never block: they
// return EAGAIN and the caller sleeps on Queue, which is notified on
// every state change.
type Stream interface {
	Handle
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Poll() Events
	Queue() *waitq.Queue
}

// Regular is a positioned, seekable stream.
type Regular interface {
	Stream
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
}

// Directory lists entries.
type Directory interface {
	Handle
	// ReadDir returns up to n entries, or all remaining when n <= 0.
	// An empty result means the end was reached.
	ReadDir(ctx context.Context, n int) ([]abi.Dirent, error)
	Rewind()
}

// Socket is a connection-oriented stream endpoint.
type Socket interface {
	Stream
	Family() int
	Bind(addr string) error
	Listen(backlog int) error
	Accept(ctx context.Context) (Socket, error)
	Connect(ctx context.Context, addr string) error
	LocalAddr() string
	RemoteAddr() string
	Shutdown(how int) error
}

// Terminal is a stream with a foreground process group and session.
// Process group and controlling-terminal negotiation is done by the
// caller; the terminal only records the outcome.
type Terminal interface {
	Stream
	Foreground() int
	SetForeground(pgid int)
	Session() int
	SetSession(sid int)
	Ioctl(ctx context.Context, req uint, arg any) error
	Hangup()
}

// Cap is a set of capabilities.
type Cap uint8

const (
	CapStream Cap = 1 << iota
	CapRegular
	CapSocket
	CapTerminal
	CapDirectory
)

// Caps returns the capability set of h.
func Caps(h Handle) Cap {
	var c Cap
	if _, ok := h.(Stream); ok {
		c |= CapStream
	}
	if _, ok := h.(Regular); ok {
		c |= CapRegular
	}
	if _, ok := h.(Socket); ok {
		c |= CapSocket
	}
	if _, ok := h.(Terminal); ok {
		c |= CapTerminal
	}
	if _, ok := h.(Directory); ok {
		c |= CapDirectory
	}
	return c
}

func IsStream(h Handle) bool    { return Caps(h)&CapStream != 0 }
func IsRegular(h Handle) bool   { return Caps(h)&CapRegular != 0 }
func IsSocket(h Handle) bool    { return Caps(h)&CapSocket != 0 }
func IsTerminal(h Handle) bool  { return Caps(h)&CapTerminal != 0 }
func IsDirectory(h Handle) bool { return Caps(h)&CapDirectory != 0 }

func AsStream(h Handle) (Stream, error) {
	if s, ok := h.(Stream); ok {
		return s, nil
	}
	if IsDirectory(h) {
		return nil, abi.EISDIR
	}
	return nil, abi.EINVAL
}

func AsRegular(h Handle) (Regular, error) {
	if r, ok := h.(Regular); ok {
		return r, nil
	}
	if IsDirectory(h) {
		return nil, abi.EISDIR
	}
	return nil, abi.EINVAL
}

func AsSocket(h Handle) (Socket, error) {
	if s, ok := h.(Socket); ok {
		return s, nil
	}
	return nil, abi.ENOTSOCK
}

func AsTerminal(h Handle) (Terminal, error) {
	if t, ok := h.(Terminal); ok {
		return t, nil
	}
	return nil, abi.ENOTTY
}

func AsDirectory(h Handle) (Directory, error) {
	if d, ok := h.(Directory); ok {
		return d, nil
	}
	return nil, abi.ENOTDIR
}
