package main

import (
	"log"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/kernel"
	"tractor.dev/cooper/vfs/fusekit"
)

func mountCmd() *cli.Command {
	var opts options
	cmd := &cli.Command{
		Usage: "mount <dir>",
		Short: "boot and mount the namespace on the host",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			cfg, kc := opts.load()
			k, err := kernel.New(kc)
			fatal(err)
			fatal(k.Boot([]string{"-d"}))

			srv, err := fusekit.Mount(k.Root(), k.Do, args[0], cfg.Debug)
			if err != nil {
				log.Fatalf("mount %s: %v", args[0], err)
			}
			defer func() {
				if err := srv.Unmount(); err != nil {
					log.Printf("unmount %s: %v", args[0], err)
				}
			}()
			log.Printf("mounted at %s", args[0])

			bg, cancel := interrupted()
			defer cancel()
			k.Run(bg)
		},
	}
	opts.flags(cmd)
	return cmd
}
