package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

// Main is a program built into the host.
type Main func(t *Task, argv []string) int

// Loader turns an executable into an entry point. It returns
// abi.ErrIncompatible for files that are not in its format.
type Loader interface {
	Load(ctx context.Context, n vfs.Node, header []byte, argv []string) (Entry, error)
}

// NativeMagic starts a stub file that names a registered program.
const NativeMagic = "\x7fNAT "

const (
	headerSize    = 256
	maxInterp     = 4
	defaultInterp = "/bin/sh"
)

// NativeStub returns the contents of an executable that runs the
// registered program name.
func NativeStub(name string) []byte {
	return []byte(NativeMagic + name + "\n")
}

// Register makes main executable through stubs naming it.
func (k *Kernel) Register(name string, main Main) {
	k.natives[name] = main
}

// Programs returns the registered program names.
func (k *Kernel) Programs() []string {
	var names []string
	for name := range k.natives {
		names = append(names, name)
	}
	return names
}

// AddLoader adds a binary format, tried after the native one.
func (k *Kernel) AddLoader(l Loader) {
	k.loaders = append(k.loaders, l)
}

type nativeLoader struct{ k *Kernel }

func (l nativeLoader) Load(ctx context.Context, n vfs.Node, header []byte, argv []string) (Entry, error) {
	if !bytes.HasPrefix(header, []byte(NativeMagic)) {
		return nil, abi.ErrIncompatible
	}
	name, _, _ := strings.Cut(string(header[len(NativeMagic):]), "\n")
	main, ok := l.k.natives[strings.TrimSpace(name)]
	if !ok {
		return nil, abi.ENOEXEC
	}
	return func(t *Task) int {
		return main(t, t.proc.argv)
	}, nil
}

type image struct {
	path  string
	argv  []string
	entry Entry
}

// Exec replaces the program of the calling process. On success a
// running caller does not return: the new image starts on a fresh
// goroutine bound to the same task. A task that is not running, like
// one just spawned by the host, returns nil and starts when scheduled.
func (t *Task) Exec(path string, argv, envp []string) error {
	if t.launched && !t.current() {
		return abi.EBUSY
	}
	img, err := t.load(path, argv, 0)
	if err != nil {
		return err
	}
	t.commit(img, envp)
	if t.current() {
		runtime.Goexit()
	}
	return nil
}

func (t *Task) load(path string, argv []string, depth int) (*image, error) {
	if depth > maxInterp {
		return nil, abi.ELOOP
	}
	ctx := t.ctx
	n, err := t.resolve(abi.AT_FDCWD, path, true)
	if err != nil {
		return nil, err
	}
	if !vfs.IsRegular(n) {
		return nil, abi.EACCES
	}
	st, err := vfs.Stat(ctx, n)
	if err != nil {
		return nil, err
	}
	if st.Mode.Perm()&0111 == 0 {
		return nil, abi.EACCES
	}
	header, err := readHeader(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		argv = []string{path}
	}

	if bytes.HasPrefix(header, []byte("#!")) {
		interp, arg, ok := parseShebang(header)
		if !ok {
			return nil, abi.ENOEXEC
		}
		nargv := []string{interp}
		if arg != "" {
			nargv = append(nargv, arg)
		}
		nargv = append(nargv, path)
		nargv = append(nargv, argv[1:]...)
		return t.load(interp, nargv, depth+1)
	}
	for _, l := range t.k.loaders {
		entry, err := l.Load(ctx, n, header, argv)
		if errors.Is(err, abi.ErrIncompatible) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &image{path: path, argv: argv, entry: entry}, nil
	}
	if isText(header) {
		nargv := append([]string{defaultInterp, path}, argv[1:]...)
		return t.load(defaultInterp, nargv, depth+1)
	}
	return nil, abi.ENOEXEC
}

func readHeader(ctx context.Context, n vfs.Node) ([]byte, error) {
	h, err := vfs.Open(ctx, n, abi.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	buf := make([]byte, headerSize)
	var m int
	if r, ok := h.(handle.Regular); ok {
		m, err = r.ReadAt(buf, 0)
	} else {
		s, serr := handle.AsStream(h)
		if serr != nil {
			return nil, abi.EACCES
		}
		m, err = s.Read(ctx, buf)
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:m], nil
}

// parseShebang splits "#!interp [arg]" from the first line. Everything
// after the interpreter is a single argument.
func parseShebang(header []byte) (string, string, bool) {
	line := header[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	s := strings.TrimSpace(string(line))
	if s == "" {
		return "", "", false
	}
	interp, arg, _ := strings.Cut(s, " ")
	return interp, strings.TrimSpace(arg), true
}

// isText reports whether header looks like a script without a magic.
func isText(header []byte) bool {
	if len(header) == 0 {
		return true
	}
	for _, b := range header {
		switch {
		case b == 0:
			return false
		case b < 0x20 && b != '\n' && b != '\r' && b != '\t' && b != '\f' && b != 0x1b:
			return false
		case b == 0x7f:
			return false
		}
	}
	return true
}

// commit switches the process over to img. Nothing after this point
// can fail.
func (t *Task) commit(img *image, envp []string) {
	p := t.proc
	for _, o := range p.threads {
		if o != t {
			o.kill()
		}
	}
	if t.fds.Shared() {
		own := t.fds.Fork()
		t.fds.Release()
		t.fds = own
	}
	if err := t.fds.CloseOnExec(); err != nil {
		t.log.Debug("close on exec", "err", err)
	}
	if p.actions.Shared() {
		own := p.actions.Fork()
		p.actions.Release()
		p.actions = own
	}
	p.actions.ResetForExec()
	t.mm.release()
	t.mm = newMM()
	p.argv = img.argv
	p.env = envp
	p.exe = img.path
	t.log.Debug("exec", "pid", p.pid, "path", img.path, "argv", img.argv)
	t.fireVfork()
	t.k.start(t, img.entry)
}
