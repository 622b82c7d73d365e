package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/net/websocket"
	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/kernel"
	"tractor.dev/cooper/vfs/p9kit"
)

func serveCmd() *cli.Command {
	var (
		opts    options
		addr    string
		export  string
		maxConn int
	)
	cmd := &cli.Command{
		Usage: "serve",
		Short: "boot and serve the kernel over http",
		Args:  cli.ExactArgs(0),
		Run: func(ctx *cli.Context, args []string) {
			cfg, kc := opts.load()
			if addr == "" {
				addr = cfg.Addr
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			kc.Registerer = reg
			k, err := kernel.New(kc)
			fatal(err)
			fatal(k.Boot([]string{"-d"}))

			bg, cancel := interrupted()
			defer cancel()

			mux := http.NewServeMux()
			mux.Handle("/.tty", websocket.Handler(func(conn *websocket.Conn) {
				conn.PayloadType = websocket.BinaryFrame
				serveConsole(bg, k, conn)
			}))
			mux.HandleFunc("/.sys", func(w http.ResponseWriter, r *http.Request) {
				serveSyscalls(bg, k, w, r)
			})
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			l, err := net.Listen("tcp", addr)
			fatal(err)
			srv := &http.Server{Handler: mux}
			go func() {
				if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
					log.Println(err)
				}
			}()
			slog.Info("serving", "addr", l.Addr().String())

			if export != "" {
				el, err := net.Listen("tcp", export)
				fatal(err)
				el = netutil.LimitListener(el, maxConn)
				defer el.Close()
				go func() {
					if err := p9kit.Serve(el, p9kit.Attacher(k.Root(), k.Do), nil); err != nil {
						slog.Debug("9p", "err", err)
					}
				}()
				slog.Info("exporting", "addr", el.Addr().String())
			}

			code := k.Run(bg)
			srv.Close()
			slog.Info("halted", "code", code)
		},
	}
	opts.flags(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "http address")
	cmd.Flags().StringVar(&export, "9p", "", "9p export address")
	cmd.Flags().IntVar(&maxConn, "max-conns", 16, "9p connection limit")
	return cmd
}

// serveSyscalls upgrades r and serves remote processes on it.
func serveSyscalls(ctx context.Context, k *kernel.K, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("remote", "err", err)
		return
	}
	defer conn.Close()
	if err := k.Remote.ServeConn(ctx, &wsConn{Conn: conn}); err != nil {
		slog.Error("remote", "err", err)
	}
}

// serveConsole runs a shell session on a new pty and attaches conn to
// it until the line hangs up.
func serveConsole(ctx context.Context, k *kernel.K, conn *websocket.Conn) {
	c, pid, err := k.Session(ctx, nil)
	if err != nil {
		slog.Error("console", "err", err)
		return
	}
	defer c.Close()
	slog.Debug("console", "pid", pid, "pty", c.Number())
	if err := c.Attach(ctx, conn, conn); err != nil {
		slog.Debug("console", "pid", pid, "err", err)
	}
}
