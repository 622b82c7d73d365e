// Package programs holds the binaries built into /bin.
package programs

import (
	"fmt"
	"io"
	"strings"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle/tty"
	"tractor.dev/cooper/task"
)

// All returns every program by the name it is installed under.
func All() map[string]task.Main {
	return map[string]task.Main{
		"init":  Init,
		"sh":    Shell,
		"echo":  Echo,
		"true":  func(*task.Task, []string) int { return 0 },
		"false": func(*task.Task, []string) int { return 1 },
		"kill":  Kill,
		"cat":   command(catCmd),
		"ls":    command(lsCmd),
		"sleep": command(sleepCmd),
		"ps":    command(psCmd),
		"mkdir": command(mkdirCmd),
		"rm":    command(rmCmd),
		"pwd":   command(pwdCmd),
	}
}

// proc is the running program as seen by a command: writing to it
// writes standard output.
type proc struct {
	t    *task.Task
	name string
	code int
}

func (p *proc) Write(b []byte) (int, error) {
	return len(b), writeAll(p.t, 1, b)
}

// errorf reports on standard error and fails the program.
func (p *proc) errorf(format string, args ...any) {
	fprintf(p.t, 2, "%s: %s\n", p.name, fmt.Sprintf(format, args...))
	p.code = 1
}

// command turns a command into a program run with its argv.
func command(build func(p *proc) *cli.Command) task.Main {
	return func(t *task.Task, argv []string) int {
		p := &proc{t: t, name: argv[0]}
		if err := cli.Execute(t.Context(), build(p), argv[1:]); err != nil {
			p.errorf("%v", err)
			return 2
		}
		return p.code
	}
}

func writeAll(t *task.Task, fd int, b []byte) error {
	for len(b) > 0 {
		n, err := t.Write(fd, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func fprintf(t *task.Task, fd int, format string, args ...any) {
	writeAll(t, fd, []byte(fmt.Sprintf(format, args...)))
}

// reader reads a descriptor, retrying interrupted reads.
type reader struct {
	t  *task.Task
	fd int
}

func (r reader) Read(p []byte) (int, error) {
	for {
		n, err := r.t.Read(r.fd, p)
		if err == abi.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func isatty(t *task.Task, fd int) bool {
	var ws tty.Winsize
	return t.Ioctl(fd, abi.TIOCGWINSZ, &ws) == nil
}

// exitCode folds a wait status into a shell-style code.
func exitCode(ws abi.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + ws.Signal()
	case ws.Stopped():
		return 128 + ws.StopSignal()
	}
	return 0
}

// lookPath finds name on the PATH in env.
func lookPath(t *task.Task, name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	path := "/bin"
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			dir = "."
		}
		p := strings.TrimSuffix(dir, "/") + "/" + name
		if st, err := t.Stat(p); err == nil && !st.Mode.IsDir() {
			return p, nil
		}
	}
	return "", abi.ENOENT
}
