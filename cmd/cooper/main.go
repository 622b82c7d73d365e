package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"tractor.dev/toolkit-go/engine"
	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/internal/config"
	"tractor.dev/cooper/internal/logfilter"
	"tractor.dev/cooper/kernel"
)

func main() {
	engine.Run(Main{})
}

type Main struct{}

func (m *Main) InitializeCLI(root *cli.Command) {
	root.Usage = "cooper"
	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(mountCmd())
}

func fatal(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// options are the flags every command takes.
type options struct {
	config string
	debug  bool
}

func (o *options) flags(cmd *cli.Command) {
	cmd.Flags().StringVar(&o.config, "config", "", "config file (yaml, toml or json)")
	cmd.Flags().BoolVar(&o.debug, "debug", false, "log debug output")
}

// load reads the configuration and installs the default logger.
func (o *options) load() (config.Config, kernel.Config) {
	cfg, err := config.Load(o.config)
	fatal(err)
	if o.debug {
		cfg.Debug = true
	}
	h, err := logfilter.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.Level(),
		TimeFormat: time.Kitchen,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	}), cfg.Filter())
	fatal(err)
	logger := slog.New(h)
	slog.SetDefault(logger)
	return cfg, cfg.Kernel(logger)
}

// interrupted is canceled on the first interrupt.
func interrupted() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
