package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
	"tractor.dev/toolkit-go/duplex/mux"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/kernel"
	"tractor.dev/cooper/sys"
	"tractor.dev/cooper/sys/remote"
)

func boot(t *testing.T) (*kernel.K, context.Context) {
	t.Helper()
	k, err := kernel.New(kernel.Config{})
	require.NoError(t, err)
	require.NoError(t, k.Boot([]string{"-d"}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan int, 1)
	go func() { done <- k.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return k, ctx
}

func TestConsoleOverWebsocket(t *testing.T) {
	k, ctx := boot(t)
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		conn.PayloadType = websocket.BinaryFrame
		serveConsole(ctx, k, conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	defer conn.Close()
	conn.PayloadType = websocket.BinaryFrame

	_, err = conn.Write([]byte("echo over $TERM\nexit\n"))
	require.NoError(t, err)

	var out strings.Builder
	buf := make([]byte, 1024)
	for !strings.Contains(out.String(), "over xterm\r\n") {
		n, err := conn.Read(buf)
		if err != nil {
			break
		}
		out.Write(buf[:n])
	}
	require.Contains(t, out.String(), "over xterm\r\n")
}

func TestSyscallsOverWebsocket(t *testing.T) {
	k, ctx := boot(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveSyscalls(ctx, k, w, r)
	}))
	defer srv.Close()

	ws, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	conn := &wsConn{Conn: ws}
	sess, err := mux.DialIO(conn, conn)
	require.NoError(t, err)
	client := remote.NewClient(sess)
	defer client.Close()

	pid, err := client.Spawn(ctx, "guest")
	require.NoError(t, err)
	rep, err := client.Syscall(ctx, pid, sys.SYS_GETPID)
	require.NoError(t, err)
	require.Equal(t, int64(pid), rep.Ret)
	rep, err = client.Syscall(ctx, pid, sys.SYS_CLOSE, 42)
	require.NoError(t, err)
	require.Equal(t, -int64(abi.EBADF), rep.Ret)
	require.NoError(t, client.Exit(ctx, pid, 0))
}
