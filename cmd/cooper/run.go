package main

import (
	"context"
	"log/slog"
	"os"

	"golang.org/x/term"
	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/kernel"
)

func runCmd() *cli.Command {
	var opts options
	cmd := &cli.Command{
		Usage: "run [prog] [args...]",
		Short: "boot and attach this terminal",
		Run: func(ctx *cli.Context, args []string) {
			cfg, kc := opts.load()
			if len(args) == 0 {
				args = cfg.Init
			}
			k, err := kernel.New(kc)
			fatal(err)

			bg, cancel := context.WithCancel(context.Background())
			defer cancel()
			console, err := k.BootConsole(bg, args)
			fatal(err)

			fd := int(os.Stdin.Fd())
			var oldstate *term.State
			if term.IsTerminal(fd) {
				oldstate, err = term.MakeRaw(fd)
				fatal(err)
				resize(bg, console, fd)
				go watchSize(bg, console, fd)
			}

			done := make(chan int, 1)
			go func() { done <- k.Run(bg) }()
			if err := console.Attach(bg, os.Stdin, os.Stdout); err != nil {
				slog.Debug("console", "err", err)
			}
			code := <-done
			if oldstate != nil {
				term.Restore(fd, oldstate)
			}
			if code != 0 {
				os.Exit(code)
			}
		},
	}
	opts.flags(cmd)
	return cmd
}

func resize(ctx context.Context, c *kernel.Console, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	if err := c.Resize(ctx, rows, cols); err != nil {
		slog.Debug("resize", "err", err)
	}
}
