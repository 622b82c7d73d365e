// Package abi holds the numbering shared by every layer of the kernel:
// errno values, open and at-flags, clone flags, ptrace requests, the wait
// status encoding and the stat record.
package abi

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Errno is the error kind returned across the syscall boundary.
type Errno = unix.Errno

const (
	EPERM        = unix.EPERM
	ENOENT       = unix.ENOENT
	ESRCH        = unix.ESRCH
	EINTR        = unix.EINTR
	EIO          = unix.EIO
	ENXIO        = unix.ENXIO
	E2BIG        = unix.E2BIG
	ENOEXEC      = unix.ENOEXEC
	EBUSY        = unix.EBUSY
	EBADF        = unix.EBADF
	ECHILD       = unix.ECHILD
	EAGAIN       = unix.EAGAIN
	EFAULT       = unix.EFAULT
	EEXIST       = unix.EEXIST
	EXDEV        = unix.EXDEV
	ENOTDIR      = unix.ENOTDIR
	EISDIR       = unix.EISDIR
	EINVAL       = unix.EINVAL
	EMFILE       = unix.EMFILE
	ENOTTY       = unix.ENOTTY
	ENOSPC       = unix.ENOSPC
	ERANGE       = unix.ERANGE
	ESPIPE       = unix.ESPIPE
	EPIPE        = unix.EPIPE
	EACCES       = unix.EACCES
	ENAMETOOLONG = unix.ENAMETOOLONG
	ENOSYS       = unix.ENOSYS
	ENOTEMPTY    = unix.ENOTEMPTY
	ELOOP        = unix.ELOOP
	ENODATA      = unix.ENODATA
	ENOTSOCK     = unix.ENOTSOCK
	EOPNOTSUPP   = unix.EOPNOTSUPP
	EADDRINUSE   = unix.EADDRINUSE
	ECONNRESET   = unix.ECONNRESET
	EISCONN      = unix.EISCONN
	ENOTCONN     = unix.ENOTCONN
	ECONNREFUSED = unix.ECONNREFUSED
)

var (
	// ErrIncompatible reports an incompatible executable header or a
	// violated trace precondition.
	ErrIncompatible = errors.New("incompatible header or trace state")
	// ErrExhausted reports that no free descriptor or pid is left.
	ErrExhausted = errors.New("resource exhausted")
)

// ToErrno maps any error produced inside the kernel to the errno handed
// back to the caller. A nil error and io.EOF map to 0.
func ToErrno(err error) Errno {
	if err == nil || err == io.EOF {
		return 0
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, ErrIncompatible):
		return ENOEXEC
	case errors.Is(err, ErrExhausted):
		return EAGAIN
	case errors.Is(err, io.ErrClosedPipe):
		return EPIPE
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, fs.ErrPermission):
		return EPERM
	case errors.Is(err, fs.ErrInvalid):
		return EINVAL
	case errors.Is(err, fs.ErrClosed):
		return EBADF
	case errors.Is(err, os.ErrDeadlineExceeded):
		return EAGAIN
	}
	return EIO
}

// Err returns errno as an error, or nil for 0.
func Err(errno Errno) error {
	if errno == 0 {
		return nil
	}
	return errno
}

// PathErr wraps errno in a *fs.PathError.
func PathErr(op, path string, errno Errno) error {
	return &fs.PathError{Op: op, Path: path, Err: errno}
}
