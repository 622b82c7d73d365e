package programs

import (
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/task"
)

// DefaultEnv is the environment init passes on when it has none.
var DefaultEnv = []string{"PATH=/bin", "HOME=/home", "TERM=xterm"}

// Init runs its arguments, /bin/sh by default, as its only child and
// reaps everything else that ends up parented to it. It exits with the
// status of that child, which halts the kernel. With -d init starts
// nothing and only reaps until the kernel is halted.
func Init(t *task.Task, argv []string) int {
	args := argv[1:]
	if len(args) == 1 && args[0] == "-d" {
		return reap(t)
	}
	if len(args) == 0 {
		args = []string{"/bin/sh"}
	}
	env := t.Process().Env()
	if len(env) == 0 {
		env = DefaultEnv
	}
	path, err := lookPath(t, args[0], env)
	if err != nil {
		fprintf(t, 2, "init: %s: %v\n", args[0], err)
		return 127
	}
	child, err := t.Fork(func(c *task.Task) int {
		// a terminal on stdin becomes the child's to control
		if isatty(c, 0) {
			c.Setsid()
		}
		err := c.Exec(path, args, env)
		fprintf(c, 2, "init: %s: %v\n", path, err)
		return 126
	})
	if err != nil {
		fprintf(t, 2, "init: fork: %v\n", err)
		return 1
	}
	for {
		pid, ws, err := t.Wait4(-1, 0)
		switch {
		case err == abi.EINTR:
			continue
		case err != nil:
			return 1
		case pid == child:
			return exitCode(ws)
		}
	}
}

func reap(t *task.Task) int {
	for {
		if pid, _, err := t.Wait4(-1, abi.WNOHANG); err == nil && pid > 0 {
			continue
		}
		t.Nanosleep(100 * time.Millisecond)
	}
}
