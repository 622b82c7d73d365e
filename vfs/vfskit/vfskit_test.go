package vfskit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

func newRoot() *vfs.Dir {
	return vfs.NewArena().NewRoot(vfs.NewDir(0755)).(*vfs.Dir)
}

func readAll(t *testing.T, n vfs.Node) string {
	t.Helper()
	h, err := vfs.Open(context.Background(), n, abi.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()
	s := h.(handle.Stream)
	var b strings.Builder
	buf := make([]byte, 16)
	for {
		n, err := s.Read(context.Background(), buf)
		b.Write(buf[:n])
		if err != nil || n == 0 {
			return b.String()
		}
	}
}

func writeAll(t *testing.T, n vfs.Node, data string) error {
	t.Helper()
	h, err := vfs.Open(context.Background(), n, abi.O_WRONLY)
	if err != nil {
		return err
	}
	if _, err := h.(handle.Stream).Write(context.Background(), []byte(data)); err != nil {
		t.Fatal(err)
	}
	return h.Release()
}

func TestField(t *testing.T) {
	root := newRoot()
	value := "first"
	n := root.Attach("name", NewField(func() (string, error) { return value, nil }, func(b []byte) error {
		value = strings.TrimSpace(string(b))
		return nil
	}))
	ro := root.Attach("ro", NewField("fixed"))

	if got := readAll(t, n); got != "first\n" {
		t.Fatalf("read %q", got)
	}
	if err := writeAll(t, n, "second\n"); err != nil {
		t.Fatal(err)
	}
	if value != "second" {
		t.Fatalf("setter saw %q", value)
	}
	if got := readAll(t, ro); got != "fixed\n" {
		t.Fatalf("read %q", got)
	}
	if _, err := vfs.Open(context.Background(), ro, abi.O_WRONLY); !errors.Is(err, abi.EACCES) {
		t.Fatalf("open ro for write: %v", err)
	}
	if n.Mode().Perm() != 0644 || ro.Mode().Perm() != 0444 {
		t.Fatalf("modes %v %v", n.Mode(), ro.Mode())
	}
	st, err := vfs.Stat(context.Background(), ro)
	if err != nil || st.Size != 6 {
		t.Fatalf("stat %v %v", st.Size, err)
	}
}

func TestFieldReadOnlyOpenSkipsSetter(t *testing.T) {
	root := newRoot()
	var calls int
	n := root.Attach("f", NewField("v", func([]byte) error { calls++; return nil }))
	readAll(t, n)
	if calls != 0 {
		t.Fatalf("setter ran %d times", calls)
	}
}

func TestControl(t *testing.T) {
	root := newRoot()
	var got [][]string
	bad := errors.New("bad")
	ctl := root.Attach("ctl", NewControl(func(fail func(error)) *cli.Command {
		return &cli.Command{
			Usage: "ctl",
			Run: func(ctx *cli.Context, args []string) {
				if args[0] == "fail" {
					fail(bad)
					return
				}
				got = append(got, args)
			},
		}
	}))

	if err := writeAll(t, ctl, "kill 'two words'\n\nstop\n"); err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"kill", "two words"}, {"stop"}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %q want %q", got, want)
	}
	if err := writeAll(t, ctl, "fail\n"); !errors.Is(err, bad) {
		t.Fatalf("close: %v", err)
	}
	if _, err := vfs.Open(context.Background(), ctl, abi.O_RDONLY); !errors.Is(err, abi.EACCES) {
		t.Fatalf("read open: %v", err)
	}
}

func TestFuncDir(t *testing.T) {
	root := newRoot()
	live := map[string]bool{"a": true, "b": true}
	dir := root.Attach("d", NewFuncDir(
		func(context.Context) []string {
			var names []string
			for _, n := range []string{"a", "b"} {
				if live[n] {
					names = append(names, n)
				}
			}
			return names
		},
		func(_ context.Context, name string) (Builder, bool) {
			if !live[name] {
				return nil, false
			}
			return NewField(name), true
		},
	))
	ctx := context.Background()

	a1, err := vfs.Lookup(ctx, dir, "a")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := vfs.Lookup(ctx, dir, "a")
	if a1.Ino() != a2.Ino() {
		t.Fatalf("ino changed: %d %d", a1.Ino(), a2.Ino())
	}
	if p, _ := vfs.ParentOf(a1); p.Ino() != dir.Ino() {
		t.Fatal("wrong parent")
	}

	live["b"] = false
	if _, err := vfs.Lookup(ctx, dir, "b"); !errors.Is(err, abi.ENOENT) {
		t.Fatalf("lookup b: %v", err)
	}
	seq, _ := vfs.Iterate(ctx, dir)
	var names []string
	for _, name := range seq {
		names = append(names, name)
	}
	if fmt.Sprint(names) != "[a]" {
		t.Fatalf("names %v", names)
	}
	if _, err := vfs.Create(ctx, dir, "x", 0644); !errors.Is(err, abi.EPERM) {
		t.Fatalf("create: %v", err)
	}
}

func TestLinks(t *testing.T) {
	root := newRoot()
	target := root.Attach("target", NewField("t"))
	root.Attach("path", NewLink(func(context.Context) (string, error) { return "/target", nil }))
	root.Attach("node", NewNodeLink(
		func(context.Context) (string, error) { return "anon:[7]", nil },
		func(context.Context) (vfs.Node, error) { return target, nil },
	))
	ctx := context.Background()
	for _, name := range []string{"path", "node"} {
		t.Run(name, func(t *testing.T) {
			n, err := vfs.Resolve(ctx, root, root, "/"+name, true)
			if err != nil {
				t.Fatal(err)
			}
			if n.Ino() != target.Ino() {
				t.Fatalf("resolved to %d", n.Ino())
			}
		})
	}
	l, _ := vfs.Resolve(ctx, root, root, "/node", false)
	if s, _ := vfs.Readlink(ctx, l); s != "anon:[7]" {
		t.Fatalf("readlink %q", s)
	}
}
