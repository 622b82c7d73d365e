package task

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/vfs"
)

func TestExecShebang(t *testing.T) {
	var got []string
	var ws abi.WaitStatus
	k, bin := newKernel(t, map[string]Main{
		"init": func(tk *Task, argv []string) int {
			pid, _ := tk.Fork(func(c *Task) int {
				c.Exec("/bin/script", []string{"script", "a"}, nil)
				return 99
			})
			_, ws, _ = tk.Wait4(pid, 0)
			return 0
		},
		"interp": func(tk *Task, argv []string) int {
			got = argv
			return 0
		},
	})
	bin.Attach("script", vfs.NewFile(0755, []byte("#!/bin/interp -x\necho hi\n")))
	boot(t, k, "/bin/init")
	require.Equal(t, 0, ws.ExitStatus())
	require.Equal(t, []string{"/bin/interp", "-x", "/bin/script", "a"}, got)
}

func TestExecPlainTextUsesShell(t *testing.T) {
	var got []string
	k, bin := newKernel(t, map[string]Main{
		"init": func(tk *Task, argv []string) int {
			pid, _ := tk.Fork(func(c *Task) int {
				c.Exec("/bin/plain", []string{"plain", "a"}, nil)
				return 99
			})
			tk.Wait4(pid, 0)
			return 0
		},
		"sh": func(tk *Task, argv []string) int {
			got = argv
			return 0
		},
	})
	bin.Attach("plain", vfs.NewFile(0755, []byte("echo hi\n")))
	boot(t, k, "/bin/init")
	require.Equal(t, []string{"/bin/sh", "/bin/plain", "a"}, got)
}

func TestExecErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", "/bin/nope", abi.ENOENT},
		{"directory", "/bin", abi.EACCES},
		{"not executable", "/bin/data", abi.EACCES},
		{"binary junk", "/bin/junk", abi.ENOEXEC},
		{"unknown program", "/bin/ghost", abi.ENOEXEC},
		{"interpreter loop", "/bin/loop", abi.ELOOP},
	}
	got := make(map[string]error)
	k, bin := newKernel(t, map[string]Main{"init": func(tk *Task, argv []string) int {
		for _, tt := range tests {
			got[tt.name] = tk.Exec(tt.path, nil, nil)
		}
		return 0
	}})
	bin.Attach("data", vfs.NewFile(0644, []byte("#!/bin/init\n")))
	bin.Attach("junk", vfs.NewFile(0755, []byte{0x00, 0x01, 0x02}))
	bin.Attach("ghost", vfs.NewFile(0755, NativeStub("ghost")))
	bin.Attach("loop", vfs.NewFile(0755, []byte("#!/bin/loop\n")))
	boot(t, k, "/bin/init")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, got[tt.name], tt.want)
		})
	}
}

func TestExecClosesCloexec(t *testing.T) {
	var closed, kept error
	k, _ := newKernel(t, map[string]Main{
		"init": func(tk *Task, argv []string) int {
			pid, _ := tk.Fork(func(c *Task) int {
				c.Pipe2(abi.O_CLOEXEC)
				c.Pipe2(0)
				c.Exec("/bin/check", nil, nil)
				return 99
			})
			tk.Wait4(pid, 0)
			return 0
		},
		"check": func(tk *Task, argv []string) int {
			_, closed = tk.Fcntl(0, abi.F_GETFD, 0)
			_, kept = tk.Fcntl(2, abi.F_GETFD, 0)
			return 0
		},
	})
	boot(t, k, "/bin/init")
	require.ErrorIs(t, closed, abi.EBADF)
	require.NoError(t, kept)
}

func TestExecResetsHandlers(t *testing.T) {
	var caught, ignored signal.Action
	var argv0 string
	k, _ := newKernel(t, map[string]Main{
		"init": func(tk *Task, argv []string) int {
			pid, _ := tk.Fork(func(c *Task) int {
				c.Sigaction(int(signal.SIGUSR1), &signal.Action{Func: func(signal.Signal) {}}, nil)
				c.Sigaction(int(signal.SIGINT), &signal.Action{Handler: signal.SIG_IGN}, nil)
				c.Exec("/bin/inspect", []string{"inspect"}, nil)
				return 99
			})
			tk.Wait4(pid, 0)
			return 0
		},
		"inspect": func(tk *Task, argv []string) int {
			tk.Sigaction(int(signal.SIGUSR1), nil, &caught)
			tk.Sigaction(int(signal.SIGINT), nil, &ignored)
			argv0 = argv[0]
			return 0
		},
	})
	boot(t, k, "/bin/init")
	require.True(t, caught.IsDefault())
	require.True(t, ignored.IsIgnore())
	require.Equal(t, "inspect", argv0)
}

func TestParseShebang(t *testing.T) {
	tests := []struct {
		header      string
		interp, arg string
		ok          bool
	}{
		{"#!/bin/sh\n", "/bin/sh", "", true},
		{"#! /bin/sh -e -x\nrest", "/bin/sh", "-e -x", true},
		{"#!\n", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			interp, arg, ok := parseShebang([]byte(tt.header))
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.interp, interp)
			require.Equal(t, tt.arg, arg)
		})
	}
}
