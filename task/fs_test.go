package task

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/vfs"
)

func TestPathCalls(t *testing.T) {
	type result struct {
		excl, notEmpty, isDir, noEnt error
		link                         string
		cwd                          string
		names                        []string
		renamed                      []byte
		size                         int64
		copied                       []byte
	}
	var r result
	runInit(t, func(tk *Task, argv []string) int {
		if err := tk.Mkdirat(abi.AT_FDCWD, "/work", 0755); err != nil {
			return 1
		}
		if err := tk.Chdir("/work"); err != nil {
			return 1
		}
		r.cwd, _ = tk.Getcwd()
		fd, err := tk.Openat(abi.AT_FDCWD, "a.txt", abi.O_WRONLY|abi.O_CREAT|abi.O_EXCL, 0644)
		if err != nil {
			return 1
		}
		tk.Write(fd, []byte("contents"))
		tk.Close(fd)
		_, r.excl = tk.Openat(abi.AT_FDCWD, "a.txt", abi.O_WRONLY|abi.O_CREAT|abi.O_EXCL, 0644)

		tk.Symlinkat("a.txt", abi.AT_FDCWD, "l")
		r.link, _ = tk.Readlinkat(abi.AT_FDCWD, "l")

		tk.Copyfileat(abi.AT_FDCWD, "l", abi.AT_FDCWD, "/work/copy.txt", 0)
		r.copied, _ = tk.ReadFile("copy.txt")

		tk.Renameat(abi.AT_FDCWD, "a.txt", abi.AT_FDCWD, "b.txt")
		r.renamed, _ = tk.ReadFile("/work/b.txt")
		tk.Truncate("b.txt", 3)
		st, _ := tk.Stat("b.txt")
		r.size = st.Size

		dir, err := tk.Openat(abi.AT_FDCWD, ".", abi.O_RDONLY|abi.O_DIRECTORY, 0)
		if err != nil {
			return 1
		}
		ents, _ := tk.Getdents(dir, 0)
		for _, e := range ents {
			r.names = append(r.names, e.Name)
		}
		tk.Close(dir)

		r.notEmpty = tk.Unlinkat(abi.AT_FDCWD, "/work", abi.AT_REMOVEDIR)
		r.isDir = tk.Unlinkat(abi.AT_FDCWD, "/work", 0)
		tk.Unlinkat(abi.AT_FDCWD, "b.txt", 0)
		_, r.noEnt = tk.Stat("b.txt")
		return 0
	})
	require.Equal(t, "/work", r.cwd)
	require.ErrorIs(t, r.excl, abi.EEXIST)
	require.Equal(t, "a.txt", r.link)
	require.Equal(t, "contents", string(r.copied))
	require.Equal(t, "contents", string(r.renamed))
	require.Equal(t, int64(3), r.size)
	require.Contains(t, r.names, "b.txt")
	require.Contains(t, r.names, "copy.txt")
	require.Contains(t, r.names, "l")
	require.ErrorIs(t, r.notEmpty, abi.ENOTEMPTY)
	require.ErrorIs(t, r.isDir, abi.EISDIR)
	require.ErrorIs(t, r.noEnt, abi.ENOENT)
}

func TestOpenFlags(t *testing.T) {
	var notDir, loop, trunc error
	var size int64
	runInit(t, func(tk *Task, argv []string) int {
		fd, _ := tk.Open("/f", abi.O_RDWR|abi.O_CREAT, 0644)
		tk.Write(fd, []byte("12345"))
		tk.Close(fd)
		tk.Symlinkat("/f", abi.AT_FDCWD, "/lf")
		_, notDir = tk.Open("/f", abi.O_RDONLY|abi.O_DIRECTORY, 0)
		_, loop = tk.Open("/lf", abi.O_RDONLY|abi.O_NOFOLLOW, 0)
		fd, trunc = tk.Open("/lf", abi.O_WRONLY|abi.O_TRUNC, 0)
		st, _ := tk.Fstat(fd)
		size = st.Size
		return 0
	})
	require.ErrorIs(t, notDir, abi.ENOTDIR)
	require.ErrorIs(t, loop, abi.ELOOP)
	require.NoError(t, trunc)
	require.Equal(t, int64(0), size)
}

func TestGetcwdHashName(t *testing.T) {
	var cwd string
	runInit(t, func(tk *Task, argv []string) int {
		if err := tk.Mkdirat(abi.AT_FDCWD, "/#drafts", 0755); err != nil {
			return 1
		}
		if err := tk.Chdir("/#drafts"); err != nil {
			return 1
		}
		cwd, _ = tk.Getcwd()
		return 0
	})
	require.Equal(t, "/#drafts", cwd)
}

func TestMmap(t *testing.T) {
	var (
		anon, mapped []byte
		unmapErr     error
		regions      int
	)
	runInit(t, func(tk *Task, argv []string) int {
		addr, err := tk.Mmap(0, 100, abi.PROT_READ|abi.PROT_WRITE, abi.MAP_PRIVATE|abi.MAP_ANONYMOUS, -1, 0)
		if err != nil {
			return 1
		}
		anon = append(anon, tk.Memory().Bytes(addr, 4)...)
		fd, _ := tk.Open("/m", abi.O_RDWR|abi.O_CREAT, 0644)
		tk.Write(fd, []byte("mapped"))
		faddr, err := tk.Mmap(0, 4096, abi.PROT_READ, abi.MAP_PRIVATE, fd, 0)
		if err != nil {
			return 1
		}
		mapped = append(mapped, tk.Memory().Bytes(faddr, 8)...)
		unmapErr = tk.Munmap(addr, 4096)
		regions = len(tk.Memory().Regions())
		return 0
	})
	require.Equal(t, []byte{0, 0, 0, 0}, anon)
	require.Equal(t, []byte("mapped\x00\x00"), mapped)
	require.NoError(t, unmapErr)
	require.Equal(t, 1, regions)
}

func TestXattrs(t *testing.T) {
	var (
		value        []byte
		names        []string
		exists, gone error
	)
	runInit(t, func(tk *Task, argv []string) int {
		fd, _ := tk.Open("/x", abi.O_WRONLY|abi.O_CREAT, 0644)
		tk.Close(fd)
		tk.Setxattr("/x", "user.a", []byte("1"), 0, true)
		tk.Setxattr("/x", "user.b", []byte("2"), 0, true)
		exists = tk.Setxattr("/x", "user.a", []byte("3"), vfs.XATTR_CREATE, true)
		value, _ = tk.Getxattr("/x", "user.a", true)
		names, _ = tk.Listxattr("/x", true)
		tk.Removexattr("/x", "user.b", true)
		_, gone = tk.Getxattr("/x", "user.b", true)
		return 0
	})
	require.ErrorIs(t, exists, abi.EEXIST)
	require.Equal(t, "1", string(value))
	require.Equal(t, []string{"user.a", "user.b"}, names)
	require.ErrorIs(t, gone, abi.ENODATA)
}
