package sys

import (
	"io/fs"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/task"
)

// Linux x86-64 numbers.
const (
	SYS_READ           = 0
	SYS_WRITE          = 1
	SYS_CLOSE          = 3
	SYS_FSTAT          = 5
	SYS_POLL           = 7
	SYS_LSEEK          = 8
	SYS_MMAP           = 9
	SYS_MUNMAP         = 11
	SYS_RT_SIGACTION   = 13
	SYS_RT_SIGPROCMASK = 14
	SYS_IOCTL          = 16
	SYS_PREAD64        = 17
	SYS_PWRITE64       = 18
	SYS_SCHED_YIELD    = 24
	SYS_DUP            = 32
	SYS_DUP2           = 33
	SYS_NANOSLEEP      = 35
	SYS_GETPID         = 39
	SYS_SOCKET         = 41
	SYS_CONNECT        = 42
	SYS_SHUTDOWN       = 48
	SYS_BIND           = 49
	SYS_LISTEN         = 50
	SYS_GETSOCKNAME    = 51
	SYS_GETPEERNAME    = 52
	SYS_SOCKETPAIR     = 53
	SYS_CLONE          = 56
	SYS_FORK           = 57
	SYS_VFORK          = 58
	SYS_EXECVE         = 59
	SYS_EXIT           = 60
	SYS_WAIT4          = 61
	SYS_KILL           = 62
	SYS_FCNTL          = 72
	SYS_FTRUNCATE      = 77
	SYS_GETCWD         = 79
	SYS_CHDIR          = 80
	SYS_PTRACE         = 101
	SYS_SETPGID        = 109
	SYS_GETPPID        = 110
	SYS_SETSID         = 112
	SYS_GETPGID        = 121
	SYS_GETSID         = 124
	SYS_RT_SIGPENDING  = 127
	SYS_RT_SIGSUSPEND  = 130
	SYS_GETTID         = 186
	SYS_SETXATTR       = 188
	SYS_LSETXATTR      = 189
	SYS_GETXATTR       = 191
	SYS_LGETXATTR      = 192
	SYS_LISTXATTR      = 194
	SYS_LLISTXATTR     = 195
	SYS_REMOVEXATTR    = 197
	SYS_LREMOVEXATTR   = 198
	SYS_GETDENTS64     = 217
	SYS_EXIT_GROUP     = 231
	SYS_TGKILL         = 234
	SYS_OPENAT         = 257
	SYS_MKDIRAT        = 258
	SYS_NEWFSTATAT     = 262
	SYS_UNLINKAT       = 263
	SYS_RENAMEAT       = 264
	SYS_LINKAT         = 265
	SYS_SYMLINKAT      = 266
	SYS_READLINKAT     = 267
	SYS_UTIMENSAT      = 280
	SYS_ACCEPT4        = 288
	SYS_DUP3           = 292
	SYS_PIPE2          = 293
	SYS_COPYFILEAT     = 1000
	SYS_PUMP           = 1001
)

func ok(err error) (int64, error) { return 0, err }

func count(n int, err error) (int64, error) { return int64(n), err }

// copyOut copies s into buf and returns its length. ERANGE when buf is
// too small.
func copyOut(buf []byte, s string, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	if len(s) > len(buf) {
		return 0, abi.ERANGE
	}
	return int64(copy(buf, s)), nil
}

// Default returns the table of every implemented call.
//
// Arguments arrive in Linux order with pointers standing in for guest
// memory: buffers are []byte, out parameters are Go pointers, paths
// and addresses are strings, and code addresses are task entry
// functions.
func Default() Table {
	return Table{
		SYS_READ: {"read", func(t *task.Task, a Args) (int64, error) {
			return count(t.Read(a.Int(0), a.Bytes(1)))
		}},
		SYS_WRITE: {"write", func(t *task.Task, a Args) (int64, error) {
			return count(t.Write(a.Int(0), a.Bytes(1)))
		}},
		SYS_PREAD64: {"pread64", func(t *task.Task, a Args) (int64, error) {
			return count(t.Pread(a.Int(0), a.Bytes(1), a.Int64(2)))
		}},
		SYS_PWRITE64: {"pwrite64", func(t *task.Task, a Args) (int64, error) {
			return count(t.Pwrite(a.Int(0), a.Bytes(1), a.Int64(2)))
		}},
		SYS_CLOSE: {"close", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Close(a.Int(0)))
		}},
		SYS_PIPE2: {"pipe2", func(t *task.Task, a Args) (int64, error) {
			out := Arg[*[2]int](a, 0)
			if out == nil {
				return 0, abi.EFAULT
			}
			fds, err := t.Pipe2(a.Int(1))
			if err == nil {
				*out = fds
			}
			return ok(err)
		}},
		SYS_DUP: {"dup", func(t *task.Task, a Args) (int64, error) {
			return count(t.Dup(a.Int(0)))
		}},
		SYS_DUP2: {"dup2", func(t *task.Task, a Args) (int64, error) {
			return count(t.Dup2(a.Int(0), a.Int(1)))
		}},
		SYS_DUP3: {"dup3", func(t *task.Task, a Args) (int64, error) {
			return count(t.Dup3(a.Int(0), a.Int(1), a.Int(2)))
		}},
		SYS_FCNTL: {"fcntl", func(t *task.Task, a Args) (int64, error) {
			arg := 0
			if len(a) > 2 {
				arg = a.Int(2)
			}
			return count(t.Fcntl(a.Int(0), a.Int(1), arg))
		}},
		SYS_IOCTL: {"ioctl", func(t *task.Task, a Args) (int64, error) {
			var arg any
			if len(a) > 2 {
				arg = a[2]
			}
			return ok(t.Ioctl(a.Int(0), uint(a.Int(1)), arg))
		}},
		SYS_OPENAT: {"openat", func(t *task.Task, a Args) (int64, error) {
			return count(t.Openat(a.Int(0), a.String(1), a.Int(2), fs.FileMode(a.Int(3))))
		}},
		SYS_UNLINKAT: {"unlinkat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Unlinkat(a.Int(0), a.String(1), a.Int(2)))
		}},
		SYS_MKDIRAT: {"mkdirat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Mkdirat(a.Int(0), a.String(1), fs.FileMode(a.Int(2))))
		}},
		SYS_RENAMEAT: {"renameat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Renameat(a.Int(0), a.String(1), a.Int(2), a.String(3)))
		}},
		SYS_LINKAT: {"linkat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Linkat(a.Int(0), a.String(1), a.Int(2), a.String(3), a.Int(4)))
		}},
		SYS_SYMLINKAT: {"symlinkat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Symlinkat(a.String(0), a.Int(1), a.String(2)))
		}},
		SYS_READLINKAT: {"readlinkat", func(t *task.Task, a Args) (int64, error) {
			buf := a.Bytes(2)
			target, err := t.Readlinkat(a.Int(0), a.String(1))
			if err != nil {
				return 0, err
			}
			return int64(copy(buf, target)), nil
		}},
		SYS_UTIMENSAT: {"utimensat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Utimensat(a.Int(0), a.String(1), Arg[*[2]task.Timespec](a, 2), a.Int(3)))
		}},
		SYS_FSTAT: {"fstat", func(t *task.Task, a Args) (int64, error) {
			out := Arg[*abi.Stat](a, 1)
			if out == nil {
				return 0, abi.EFAULT
			}
			st, err := t.Fstat(a.Int(0))
			if err == nil {
				*out = st
			}
			return ok(err)
		}},
		SYS_NEWFSTATAT: {"newfstatat", func(t *task.Task, a Args) (int64, error) {
			out := Arg[*abi.Stat](a, 2)
			if out == nil {
				return 0, abi.EFAULT
			}
			st, err := t.Fstatat(a.Int(0), a.String(1), a.Int(3))
			if err == nil {
				*out = st
			}
			return ok(err)
		}},
		SYS_GETDENTS64: {"getdents64", func(t *task.Task, a Args) (int64, error) {
			out := Arg[*[]abi.Dirent](a, 1)
			if out == nil {
				return 0, abi.EFAULT
			}
			ents, err := t.Getdents(a.Int(0), a.Int(2))
			*out = ents
			return count(len(ents), err)
		}},
		SYS_LSEEK: {"lseek", func(t *task.Task, a Args) (int64, error) {
			return t.Lseek(a.Int(0), a.Int64(1), a.Int(2))
		}},
		SYS_FTRUNCATE: {"ftruncate", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Ftruncate(a.Int(0), a.Int64(1)))
		}},
		SYS_MMAP: {"mmap", func(t *task.Task, a Args) (int64, error) {
			addr, err := t.Mmap(a.Uintptr(0), a.Int(1), a.Int(2), a.Int(3), a.Int(4), a.Int64(5))
			return int64(addr), err
		}},
		SYS_MUNMAP: {"munmap", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Munmap(a.Uintptr(0), a.Int(1)))
		}},
		SYS_CHDIR: {"chdir", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Chdir(a.String(0)))
		}},
		SYS_GETCWD: {"getcwd", func(t *task.Task, a Args) (int64, error) {
			cwd, err := t.Getcwd()
			return copyOut(a.Bytes(0), cwd, err)
		}},
		SYS_SOCKET: {"socket", func(t *task.Task, a Args) (int64, error) {
			return count(t.Socket(a.Int(0), a.Int(1), a.Int(2)))
		}},
		SYS_SOCKETPAIR: {"socketpair", func(t *task.Task, a Args) (int64, error) {
			out := Arg[*[2]int](a, 3)
			if out == nil {
				return 0, abi.EFAULT
			}
			fds, err := t.Socketpair(a.Int(0), a.Int(1), a.Int(2))
			if err == nil {
				*out = fds
			}
			return ok(err)
		}},
		SYS_BIND: {"bind", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Bind(a.Int(0), a.String(1)))
		}},
		SYS_LISTEN: {"listen", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Listen(a.Int(0), a.Int(1)))
		}},
		SYS_ACCEPT4: {"accept4", func(t *task.Task, a Args) (int64, error) {
			fd, peer, err := t.Accept4(a.Int(0), a.Int(1))
			if err == nil && len(a) > 2 {
				if out := Arg[*string](a, 2); out != nil {
					*out = peer
				}
			}
			return int64(fd), err
		}},
		SYS_CONNECT: {"connect", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Connect(a.Int(0), a.String(1)))
		}},
		SYS_GETSOCKNAME: {"getsockname", func(t *task.Task, a Args) (int64, error) {
			name, err := t.Getsockname(a.Int(0))
			return copyOut(a.Bytes(1), name, err)
		}},
		SYS_GETPEERNAME: {"getpeername", func(t *task.Task, a Args) (int64, error) {
			name, err := t.Getpeername(a.Int(0))
			return copyOut(a.Bytes(1), name, err)
		}},
		SYS_SHUTDOWN: {"shutdown", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Shutdown(a.Int(0), a.Int(1)))
		}},
		SYS_CLONE: {"clone", func(t *task.Task, a Args) (int64, error) {
			var arg any
			if len(a) > 3 {
				arg = a[3]
			}
			return count(t.Clone(a.Int(0), a.Uintptr(1), Arg[func(*task.Task, any) int](a, 2), arg))
		}},
		SYS_FORK: {"fork", func(t *task.Task, a Args) (int64, error) {
			return count(t.Fork(entry(a, 0)))
		}},
		SYS_VFORK: {"vfork", func(t *task.Task, a Args) (int64, error) {
			return count(t.Vfork(entry(a, 0)))
		}},
		SYS_EXECVE: {"execve", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Exec(a.String(0), a.Strings(1), a.Strings(2)))
		}},
		SYS_EXIT: {"exit", func(t *task.Task, a Args) (int64, error) {
			t.Exit(a.Int(0))
			return 0, nil
		}},
		SYS_EXIT_GROUP: {"exit_group", func(t *task.Task, a Args) (int64, error) {
			t.ExitGroup(a.Int(0))
			return 0, nil
		}},
		SYS_WAIT4: {"wait4", func(t *task.Task, a Args) (int64, error) {
			pid, ws, err := t.Wait4(a.Int(0), a.Int(2))
			if err == nil {
				if out := Arg[*abi.WaitStatus](a, 1); out != nil {
					*out = ws
				}
			}
			return int64(pid), err
		}},
		SYS_KILL: {"kill", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Kill(a.Int(0), a.Int(1)))
		}},
		SYS_TGKILL: {"tgkill", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Tgkill(a.Int(0), a.Int(1), a.Int(2)))
		}},
		SYS_RT_SIGACTION: {"rt_sigaction", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Sigaction(a.Int(0), Arg[*signal.Action](a, 1), Arg[*signal.Action](a, 2)))
		}},
		SYS_RT_SIGPROCMASK: {"rt_sigprocmask", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Sigprocmask(a.Int(0), Arg[*signal.Set](a, 1), Arg[*signal.Set](a, 2)))
		}},
		SYS_RT_SIGPENDING: {"rt_sigpending", func(t *task.Task, a Args) (int64, error) {
			out := Arg[*signal.Set](a, 0)
			if out == nil {
				return 0, abi.EFAULT
			}
			*out = t.Sigpending()
			return 0, nil
		}},
		SYS_RT_SIGSUSPEND: {"rt_sigsuspend", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Sigsuspend(Arg[signal.Set](a, 0)))
		}},
		SYS_PTRACE: {"ptrace", func(t *task.Task, a Args) (int64, error) {
			var data any
			if len(a) > 3 {
				data = a[3]
			}
			return count(t.Ptrace(a.Int(0), a.Int(1), a.Uintptr(2), data))
		}},
		SYS_GETPID: {"getpid", func(t *task.Task, a Args) (int64, error) {
			return int64(t.Getpid()), nil
		}},
		SYS_GETTID: {"gettid", func(t *task.Task, a Args) (int64, error) {
			return int64(t.Gettid()), nil
		}},
		SYS_GETPPID: {"getppid", func(t *task.Task, a Args) (int64, error) {
			return int64(t.Getppid()), nil
		}},
		SYS_GETPGID: {"getpgid", func(t *task.Task, a Args) (int64, error) {
			return count(t.Getpgid(a.Int(0)))
		}},
		SYS_SETPGID: {"setpgid", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Setpgid(a.Int(0), a.Int(1)))
		}},
		SYS_SETSID: {"setsid", func(t *task.Task, a Args) (int64, error) {
			return count(t.Setsid())
		}},
		SYS_GETSID: {"getsid", func(t *task.Task, a Args) (int64, error) {
			return count(t.Getsid(a.Int(0)))
		}},
		SYS_SCHED_YIELD: {"sched_yield", func(t *task.Task, a Args) (int64, error) {
			t.Yield()
			return 0, nil
		}},
		SYS_NANOSLEEP: {"nanosleep", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Nanosleep(time.Duration(a.Int64(0))))
		}},
		SYS_POLL: {"poll", func(t *task.Task, a Args) (int64, error) {
			timeout := time.Duration(a.Int(1)) * time.Millisecond
			if a.Int(1) < 0 {
				timeout = -1
			}
			return count(t.Poll(Arg[[]task.PollFd](a, 0), timeout))
		}},
		SYS_GETXATTR:     {"getxattr", getxattr(true)},
		SYS_LGETXATTR:    {"lgetxattr", getxattr(false)},
		SYS_SETXATTR:     {"setxattr", setxattr(true)},
		SYS_LSETXATTR:    {"lsetxattr", setxattr(false)},
		SYS_LISTXATTR:    {"listxattr", listxattr(true)},
		SYS_LLISTXATTR:   {"llistxattr", listxattr(false)},
		SYS_REMOVEXATTR:  {"removexattr", removexattr(true)},
		SYS_LREMOVEXATTR: {"lremovexattr", removexattr(false)},
		SYS_COPYFILEAT: {"copyfileat", func(t *task.Task, a Args) (int64, error) {
			return ok(t.Copyfileat(a.Int(0), a.String(1), a.Int(2), a.String(3), a.Int(4)))
		}},
		SYS_PUMP: {"pump", func(t *task.Task, a Args) (int64, error) {
			return count(t.Pump(a.Int(0), Arg[*int64](a, 1), a.Int(2), Arg[*int64](a, 3), a.Int(4), a.Int(5)))
		}},
	}
}

// entry accepts a task entry in either of its spellings.
func entry(a Args, i int) task.Entry {
	switch fn := a.get(i, "task.Entry").(type) {
	case task.Entry:
		return fn
	case func(*task.Task) int:
		return fn
	default:
		panic(argError{i: i, want: "task.Entry", got: fn})
	}
}

func getxattr(follow bool) Handler {
	return func(t *task.Task, a Args) (int64, error) {
		v, err := t.Getxattr(a.String(0), a.String(1), follow)
		if err != nil {
			return 0, err
		}
		buf := a.Bytes(2)
		if len(buf) == 0 {
			return int64(len(v)), nil
		}
		if len(v) > len(buf) {
			return 0, abi.ERANGE
		}
		return int64(copy(buf, v)), nil
	}
}

func setxattr(follow bool) Handler {
	return func(t *task.Task, a Args) (int64, error) {
		return ok(t.Setxattr(a.String(0), a.String(1), a.Bytes(2), a.Int(3), follow))
	}
}

// listxattr writes the names NUL-terminated, like the kernel does.
func listxattr(follow bool) Handler {
	return func(t *task.Task, a Args) (int64, error) {
		names, err := t.Listxattr(a.String(0), follow)
		if err != nil {
			return 0, err
		}
		var list []byte
		for _, name := range names {
			list = append(list, name...)
			list = append(list, 0)
		}
		buf := a.Bytes(1)
		if len(buf) == 0 {
			return int64(len(list)), nil
		}
		if len(list) > len(buf) {
			return 0, abi.ERANGE
		}
		return int64(copy(buf, list)), nil
	}
}

func removexattr(follow bool) Handler {
	return func(t *task.Task, a Args) (int64, error) {
		return ok(t.Removexattr(a.String(0), a.String(1), follow))
	}
}
