package kernel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/task"
)

// capture runs its argument with sh, output going to /tmp/out.
func capture(tk *task.Task, argv []string) int {
	fd, err := tk.Open("/tmp/out", abi.O_WRONLY|abi.O_CREAT|abi.O_TRUNC, 0644)
	if err != nil {
		return 100
	}
	tk.Dup2(fd, 1)
	tk.Dup2(fd, 2)
	tk.Close(fd)
	tk.Exec("/bin/sh", []string{"sh", "-c", argv[1]}, tk.Process().Env())
	return 101
}

func newKernel(t *testing.T, cfg Config) *K {
	t.Helper()
	k, err := New(cfg)
	require.NoError(t, err)
	k.Register("capture", capture)
	return k
}

func script(t *testing.T, k *K, line string) (int, string) {
	t.Helper()
	require.NoError(t, k.Boot([]string{"capture", line}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := k.Run(ctx)
	out, err := k.ReadFile(ctx, "/tmp/out")
	require.NoError(t, err)
	return code, string(out)
}

func TestNamespace(t *testing.T) {
	k := newKernel(t, Config{})
	require.Equal(t, []string{"apps", "dev", "home", "proc", "sys", "tmp"}, k.Modules())
	code, out := script(t, k, "ls /")
	require.Equal(t, 0, code)
	for _, name := range []string{"apps", "bin", "dev", "etc", "home", "proc", "sys", "tmp"} {
		require.Contains(t, out, name+"\n")
	}
}

func TestShell(t *testing.T) {
	for _, tc := range []struct {
		name, line, out string
		code            int
	}{
		{"pipeline", "echo hello world | cat > /tmp/x ; cat /tmp/x ; echo $?", "hello world\n0\n", 0},
		{"append", "echo a > /tmp/y ; echo b >> /tmp/y ; cat /tmp/y", "a\nb\n", 0},
		{"and-or", "false && echo no ; false || echo yes ; true && echo ok", "yes\nok\n", 0},
		{"exit", "echo bye ; exit 7 ; echo never", "bye\n", 7},
		{"vars", "X=1 ; export Y=2 ; echo $X$Y", "12\n", 0},
		{"cd", "mkdir -p /tmp/a/b ; cd /tmp/a/b ; pwd", "/tmp/a/b\n", 0},
		{"missing", "nosuch", "sh: nosuch: not found\n", 127},
		{"stderr", "cat /nope 2>&1", "cat: /nope: no such file or directory\n", 1},
		{"three stages", "echo abc | cat | cat", "abc\n", 0},
		{"glob", "mkdir -p /tmp/g ; echo > /tmp/g/b.txt ; echo > /tmp/g/a.txt ; echo /tmp/g/*.txt /tmp/g/*.zip", "/tmp/g/a.txt /tmp/g/b.txt /tmp/g/*.zip\n", 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newKernel(t, Config{})
			code, out := script(t, k, tc.line)
			require.Equal(t, tc.out, out)
			require.Equal(t, tc.code, code)
		})
	}
}

func TestScriptFile(t *testing.T) {
	k := newKernel(t, Config{})
	ctx := context.Background()
	require.NoError(t, k.WriteFile(ctx, "/tmp/s", []byte("# greet\necho from $0 $1\nexit 3\n"), 0755))
	code, out := script(t, k, "sh /tmp/s there")
	require.Equal(t, 3, code)
	require.Equal(t, "from /tmp/s there\n", out)
}

func TestProcessList(t *testing.T) {
	k := newKernel(t, Config{})
	code, out := script(t, k, "sleep 10 & ps ; kill $! ; wait")
	require.Equal(t, 0, code)
	require.Contains(t, out, "PID")
	require.Contains(t, out, "sleep 10\n")
	require.Contains(t, out, "init capture")
}

func TestHostname(t *testing.T) {
	k := newKernel(t, Config{Hostname: "box"})
	_, out := script(t, k, "cat /sys/kernel/hostname /etc/hostname")
	require.Equal(t, "box\nbox\n", out)
}

func TestHostDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in"), []byte("from host\n"), 0644))
	k := newKernel(t, Config{HostDir: dir})
	_, out := script(t, k, "cat /home/in ; echo saved > /home/out")
	require.Equal(t, "from host\n", out)
	b, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Equal(t, "saved\n", string(b))
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConsole(t *testing.T) {
	k, err := New(Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := k.BootConsole(ctx, []string{"sh"})
	require.NoError(t, err)
	require.NoError(t, c.Resize(ctx, 40, 120))

	done := make(chan int, 1)
	go func() { done <- k.Run(ctx) }()
	var out syncBuffer
	require.NoError(t, c.Attach(ctx, strings.NewReader("echo foo$HOME\nexit 3\n"), &out))
	require.Equal(t, 3, <-done)
	require.Contains(t, out.String(), "foo/home\r\n")
	require.Contains(t, out.String(), "/ $ ")
}
