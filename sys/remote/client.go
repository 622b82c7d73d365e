package remote

import (
	"context"

	"tractor.dev/toolkit-go/duplex/codec"
	"tractor.dev/toolkit-go/duplex/mux"
	"tractor.dev/toolkit-go/duplex/talk"
)

// Client is the calling end of a session.
type Client struct {
	peer *talk.Peer
}

func NewClient(sess mux.Session) *Client {
	return &Client{peer: talk.NewPeer(sess, codec.CBORCodec{})}
}

// Spawn starts a remote process and returns its pid.
func (c *Client) Spawn(ctx context.Context, argv ...string) (int, error) {
	var pid int
	_, err := c.peer.Call(ctx, "Spawn", SpawnArgs{Argv: argv}, &pid)
	return pid, err
}

// Syscall makes call nr as pid. A negative result is -errno.
func (c *Client) Syscall(ctx context.Context, pid, nr int, args ...any) (CallReply, error) {
	var rep CallReply
	_, err := c.peer.Call(ctx, "Syscall", CallArgs{Pid: pid, Nr: nr, Args: args}, &rep)
	return rep, err
}

// Exit ends pid with code.
func (c *Client) Exit(ctx context.Context, pid, code int) error {
	_, err := c.peer.Call(ctx, "Exit", ExitArgs{Pid: pid, Code: code}, nil)
	return err
}

func (c *Client) Close() error {
	return c.peer.Close()
}
