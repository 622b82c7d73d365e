package pipe

import (
	"context"
	"errors"
	"io"
	"testing"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
)

func TestBuffer(t *testing.T) {
	t.Run("empty read would block", func(t *testing.T) {
		b := NewBuffer(8)
		if _, err := b.Read(make([]byte, 4)); !errors.Is(err, abi.EAGAIN) {
			t.Fatalf("Read err = %v, want EAGAIN", err)
		}
	})

	t.Run("bounded write", func(t *testing.T) {
		b := NewBuffer(4)
		n, err := b.Write([]byte("hello"))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if n != 4 {
			t.Errorf("Write returned %d, want 4", n)
		}
		if _, err := b.Write([]byte("x")); !errors.Is(err, abi.EAGAIN) {
			t.Errorf("full Write err = %v, want EAGAIN", err)
		}
		buf := make([]byte, 10)
		n, _ = b.Read(buf)
		if string(buf[:n]) != "hell" {
			t.Errorf("Read %q, want %q", buf[:n], "hell")
		}
	})

	t.Run("eof after writer closes", func(t *testing.T) {
		b := NewBuffer(8)
		b.Write([]byte("hi"))
		b.CloseWrite()
		buf := make([]byte, 8)
		n, err := b.Read(buf)
		if err != nil || n != 2 {
			t.Fatalf("Read = %d, %v", n, err)
		}
		if _, err := b.Read(buf); err != io.EOF {
			t.Errorf("Read err = %v, want EOF", err)
		}
	})

	t.Run("epipe after reader closes", func(t *testing.T) {
		b := NewBuffer(8)
		b.CloseRead()
		if _, err := b.Write([]byte("x")); !errors.Is(err, abi.EPIPE) {
			t.Errorf("Write err = %v, want EPIPE", err)
		}
	})
}

func TestPipe(t *testing.T) {
	ctx := context.Background()
	r, w := New(16)

	if !handle.IsStream(r) || handle.IsRegular(r) {
		t.Fatal("pipe end has wrong capabilities")
	}
	if _, err := handle.AsTerminal(w); !errors.Is(err, abi.ENOTTY) {
		t.Errorf("AsTerminal err = %v, want ENOTTY", err)
	}

	seq := r.Queue().Seq()
	if _, err := w.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !r.Queue().Changed(seq) {
		t.Error("write did not notify queue")
	}
	if r.Poll()&handle.EventIn == 0 {
		t.Error("reader not readable after write")
	}
	if _, err := r.Write(ctx, []byte("x")); !errors.Is(err, abi.EBADF) {
		t.Errorf("write on read end err = %v, want EBADF", err)
	}

	buf := make([]byte, 8)
	n, err := r.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	r.Release()
	if w.Poll()&handle.EventErr == 0 {
		t.Error("writer missing error event after reader release")
	}
	if _, err := w.Write(ctx, []byte("x")); !errors.Is(err, abi.EPIPE) {
		t.Errorf("Write err = %v, want EPIPE", err)
	}
}

func TestFilePeek(t *testing.T) {
	ctx := context.Background()
	r, w := New(16)
	w.Write(ctx, []byte("abcdef"))

	f := handle.NewFile(r, abi.O_RDONLY, "pipe:[1]")
	p, err := f.Peek(ctx, 4)
	if err != nil || string(p) != "abcd" {
		t.Fatalf("Peek = %q, %v", p, err)
	}
	f.Consume(2)
	if f.Buffered() != 2 {
		t.Errorf("Buffered() = %d, want 2", f.Buffered())
	}
	buf := make([]byte, 8)
	n, _ := f.Read(ctx, buf)
	if string(buf[:n]) != "cd" {
		t.Errorf("Read after peek = %q, want %q", buf[:n], "cd")
	}
	n, _ = f.Read(ctx, buf)
	if string(buf[:n]) != "ef" {
		t.Errorf("Read = %q, want %q", buf[:n], "ef")
	}

	released := false
	f.OnRelease(func() { released = true })
	f.Ref()
	f.Unref()
	if released {
		t.Fatal("released with a reference left")
	}
	f.Unref()
	if !released {
		t.Fatal("not released on last unref")
	}
	if _, err := w.Write(ctx, []byte("x")); !errors.Is(err, abi.EPIPE) {
		t.Errorf("Write err = %v, want EPIPE", err)
	}
}
