//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"tractor.dev/cooper/kernel"
)

// watchSize follows the host terminal size until ctx is done.
func watchSize(ctx context.Context, c *kernel.Console, fd int) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	defer signal.Stop(ch)
	for {
		select {
		case <-ch:
			resize(ctx, c, fd)
		case <-ctx.Done():
			return
		}
	}
}
