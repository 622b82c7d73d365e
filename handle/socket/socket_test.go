package socket

import (
	"context"
	"errors"
	"io"
	"testing"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
)

func TestPair(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(64)
	a, b, err := n.Pair(abi.AF_UNIX)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write(ctx, []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 16)
	nr, err := b.Read(ctx, buf)
	if err != nil || string(buf[:nr]) != "hello" {
		t.Fatalf("Read = %q, %v", buf[:nr], err)
	}
	if _, err := b.Read(ctx, buf); !errors.Is(err, abi.EAGAIN) {
		t.Errorf("empty Read err = %v, want EAGAIN", err)
	}

	a.Shutdown(abi.SHUT_WR)
	if _, err := b.Read(ctx, buf); err != io.EOF {
		t.Errorf("Read after shutdown err = %v, want EOF", err)
	}
	b.Release()
	if _, err := a.Read(ctx, buf); err != io.EOF {
		t.Errorf("Read after peer release err = %v, want EOF", err)
	}
	if _, err := a.Write(ctx, []byte("x")); !errors.Is(err, abi.EPIPE) {
		t.Errorf("Write after peer release err = %v, want EPIPE", err)
	}
}

func TestListenConnect(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(64)

	l, _ := n.Socket(abi.AF_INET)
	if err := l.Bind("localhost:80"); err != nil {
		t.Fatal(err)
	}
	dup, _ := n.Socket(abi.AF_INET)
	if err := dup.Bind("localhost:80"); !errors.Is(err, abi.EADDRINUSE) {
		t.Errorf("Bind err = %v, want EADDRINUSE", err)
	}
	if _, err := l.Accept(ctx); !errors.Is(err, abi.EINVAL) {
		t.Errorf("Accept before listen err = %v, want EINVAL", err)
	}
	if err := l.Listen(1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Accept(ctx); !errors.Is(err, abi.EAGAIN) {
		t.Errorf("Accept err = %v, want EAGAIN", err)
	}

	c, _ := n.Socket(abi.AF_INET)
	if err := c.Connect(ctx, "localhost:81"); !errors.Is(err, abi.ECONNREFUSED) {
		t.Errorf("Connect err = %v, want ECONNREFUSED", err)
	}
	seq := l.Queue().Seq()
	if err := c.Connect(ctx, "localhost:80"); err != nil {
		t.Fatal(err)
	}
	if !l.Queue().Changed(seq) || l.Poll()&handle.EventIn == 0 {
		t.Error("listener not notified")
	}
	if err := c.Connect(ctx, "localhost:80"); !errors.Is(err, abi.EISCONN) {
		t.Errorf("second Connect err = %v, want EISCONN", err)
	}

	s, err := l.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.LocalAddr() != "localhost:80" || s.RemoteAddr() != c.LocalAddr() {
		t.Errorf("addresses = %q/%q, client %q", s.LocalAddr(), s.RemoteAddr(), c.LocalAddr())
	}
	if c.RemoteAddr() != "localhost:80" {
		t.Errorf("client remote = %q", c.RemoteAddr())
	}

	s.Write(ctx, []byte("hi"))
	buf := make([]byte, 4)
	nr, _ := c.Read(ctx, buf)
	if string(buf[:nr]) != "hi" {
		t.Errorf("Read = %q", buf[:nr])
	}

	l.Release()
	if n.Listening("localhost:80") {
		t.Error("listener still registered after release")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(64)
	a, b, _ := n.Pair(abi.AF_UNIX)
	a.Write(ctx, []byte("lost"))
	b.Release()
	if _, err := a.Read(ctx, make([]byte, 4)); !errors.Is(err, abi.ECONNRESET) {
		t.Errorf("Read err = %v, want ECONNRESET", err)
	}
	if _, err := n.Socket(99); !errors.Is(err, abi.EINVAL) {
		t.Errorf("Socket err = %v, want EINVAL", err)
	}
}

func TestAnswer(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(64)
	c, _ := n.Socket(abi.AF_INET)
	srv, err := n.Answer(c, "web:80")
	if err != nil {
		t.Fatal(err)
	}
	if c.RemoteAddr() != "web:80" || srv.LocalAddr() != "web:80" {
		t.Fatalf("addrs = %q %q", c.RemoteAddr(), srv.LocalAddr())
	}
	if n.Listening("web:80") {
		t.Fatal("answered address must not become a listener")
	}
	srv.Write(ctx, []byte("hi"))
	buf := make([]byte, 4)
	nr, _ := c.Read(ctx, buf)
	if string(buf[:nr]) != "hi" {
		t.Fatalf("Read = %q", buf[:nr])
	}
	if _, err := n.Answer(c, "web:80"); !errors.Is(err, abi.EISCONN) {
		t.Fatalf("second Answer err = %v, want EISCONN", err)
	}
}
