package vfskit

import (
	"context"
	"io/fs"
	"strings"

	"github.com/anmitsu/go-shlex"
	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// Commands builds the command tree of a control file. Subcommands
// report failure through fail; the error is returned from close.
type Commands func(fail func(error)) *cli.Command

// Control is a write-only file. Each line written to it is split like
// a shell word list and executed as a command when the file is closed.
type Control struct {
	*vfs.Entry
	cmds Commands
}

func NewControl(cmds Commands) func(*vfs.Entry) vfs.Node {
	return func(e *vfs.Entry) vfs.Node {
		return &Control{Entry: e, cmds: cmds}
	}
}

func (c *Control) Mode() fs.FileMode { return 0200 }

func (c *Control) Open(ctx context.Context, flags int) (handle.Handle, error) {
	if flags&abi.O_ACCMODE == abi.O_RDONLY {
		return nil, abi.EACCES
	}
	buf := &Buffer{}
	h := vfs.NewFileHandle(c, buf)
	h.OnRelease(func() error {
		return c.Execute(context.WithoutCancel(ctx), string(buf.Bytes()))
	})
	return h, nil
}

func (c *Control) Truncate(ctx context.Context, size int64) error {
	return nil
}

// Execute runs every line of input. It stops at the first failing
// line.
func (c *Control) Execute(ctx context.Context, input string) error {
	for _, line := range strings.Split(input, "\n") {
		args, err := shlex.Split(line, true)
		if err != nil {
			return abi.EINVAL
		}
		if len(args) == 0 {
			continue
		}
		var failed error
		cmd := c.cmds(func(err error) {
			if failed == nil {
				failed = err
			}
		})
		if err := cli.Execute(ctx, cmd, args); err != nil {
			return abi.EINVAL
		}
		if failed != nil {
			return failed
		}
	}
	return nil
}
