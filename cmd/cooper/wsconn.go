package main

import (
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn is a byte stream over the binary messages of a websocket.
// Each Write is sent as one message.
type wsConn struct {
	*websocket.Conn
	wmu sync.Mutex
	r   io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r != nil {
			n, err := c.r.Read(p)
			if err == io.EOF {
				c.r = nil
				if n == 0 {
					continue
				}
				err = nil
			}
			return n, err
		}
		typ, r, err := c.NextReader()
		if err != nil {
			return 0, err
		}
		if typ == websocket.BinaryMessage {
			c.r = r
		}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
