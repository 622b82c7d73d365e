package main

import (
	"log"
	"log/slog"
	"net"

	"github.com/u-root/uio/ulog"
	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/kernel"
	"tractor.dev/cooper/vfs/p9kit"
)

func exportCmd() *cli.Command {
	var (
		opts options
		addr string
	)
	cmd := &cli.Command{
		Usage: "export",
		Short: "boot and export the namespace over 9p",
		Args:  cli.ExactArgs(0),
		Run: func(ctx *cli.Context, args []string) {
			cfg, kc := opts.load()
			k, err := kernel.New(kc)
			fatal(err)
			fatal(k.Boot([]string{"-d"}))

			l, err := net.Listen("tcp", addr)
			fatal(err)
			defer l.Close()

			var logger ulog.Logger = ulog.Null
			if cfg.Debug {
				logger = ulog.Log
			}
			go func() {
				if err := p9kit.Serve(l, p9kit.Attacher(k.Root(), k.Do), logger); err != nil {
					log.Println(err)
				}
			}()
			slog.Info("exporting", "addr", l.Addr().String())

			bg, cancel := interrupted()
			defer cancel()
			k.Run(bg)
		},
	}
	opts.flags(cmd)
	cmd.Flags().StringVar(&addr, "addr", "localhost:5640", "listen address")
	return cmd
}
