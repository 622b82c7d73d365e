package sysfs

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
)

func boot(t *testing.T, setup func(k *task.Kernel) *FS, init task.Main) int {
	t.Helper()
	k := task.New(task.Config{})
	root := k.Root().(*vfs.Dir)
	root.Attach("sys", setup(k).Builder())
	bin := root.Attach("bin", vfs.NewDir(0755)).(*vfs.Dir)
	k.Register("init", init)
	bin.Attach("init", vfs.NewFile(0755, task.NativeStub("init")))
	_, err := k.Spawn(task.Attr{Path: "/bin/init"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return k.Run(ctx)
}

func writeFile(tk *task.Task, path, data string) error {
	fd, err := tk.Open(path, abi.O_WRONLY|abi.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := tk.Write(fd, []byte(data)); err != nil {
		tk.Close(fd)
		return err
	}
	return tk.Close(fd)
}

func readFile(tk *task.Task, path string) string {
	b, _ := tk.ReadFile(path)
	return string(b)
}

func TestHostname(t *testing.T) {
	var before, after, bootID string
	var empty error
	var s *FS
	boot(t, func(k *task.Kernel) *FS {
		s = New(k, "cooper", nil)
		return s
	}, func(tk *task.Task, argv []string) int {
		before = readFile(tk, "/sys/kernel/hostname")
		writeFile(tk, "/sys/kernel/hostname", "box\n")
		after = readFile(tk, "/sys/kernel/hostname")
		empty = writeFile(tk, "/sys/kernel/hostname", "  \n")
		bootID = readFile(tk, "/sys/kernel/boot_id")
		return 0
	})
	require.Equal(t, "cooper\n", before)
	require.Equal(t, "box\n", after)
	require.Equal(t, "box", s.Hostname())
	require.ErrorIs(t, empty, abi.EINVAL)
	require.Equal(t, s.BootID()+"\n", bootID)
}

func TestKernelControl(t *testing.T) {
	var ws abi.WaitStatus
	var bad error
	code := boot(t, func(k *task.Kernel) *FS {
		return New(k, "cooper", nil)
	}, func(tk *task.Task, argv []string) int {
		pid, _ := tk.Fork(func(c *task.Task) int {
			for {
				if err := c.Nanosleep(time.Second); err != nil {
					return 1
				}
			}
		})
		writeFile(tk, "/sys/kernel/ctl", "signal "+strconv.Itoa(pid)+" KILL\n")
		_, ws, _ = tk.Wait4(pid, 0)
		bad = writeFile(tk, "/sys/kernel/ctl", "reboot\n")
		writeFile(tk, "/sys/kernel/ctl", "halt 3\n")
		for {
			if err := tk.Nanosleep(time.Second); err != nil {
				return 1
			}
		}
	})
	require.True(t, ws.Signaled())
	require.Equal(t, int(signal.SIGKILL), ws.Signal())
	require.ErrorIs(t, bad, abi.EINVAL)
	require.Equal(t, 3, code)
}

func TestDevices(t *testing.T) {
	var kind, size string
	var gone error
	var s *FS
	boot(t, func(k *task.Kernel) *FS {
		s = New(k, "cooper", nil)
		s.AddDevice(Device{
			Unit: "disk0",
			Kind: "block",
			Props: map[string]func() (string, error){
				"size": func() (string, error) { return "4096", nil },
			},
		})
		return s
	}, func(tk *task.Task, argv []string) int {
		kind = readFile(tk, "/sys/devices/disk0/kind")
		size = readFile(tk, "/sys/devices/disk0/size")
		s.RemoveDevice("disk0")
		_, gone = tk.Stat("/sys/devices/disk0")
		return 0
	})
	require.Equal(t, "block\n", kind)
	require.Equal(t, "4096\n", size)
	require.ErrorIs(t, gone, abi.ENOENT)
}

func TestWindows(t *testing.T) {
	desk := NewDesktop()
	id := desk.Open("term", 640, 480)
	dir := "/sys/windows/" + strconv.Itoa(id)
	var (
		title, geometry, owner string
		badOwner, gone         error
	)
	boot(t, func(k *task.Kernel) *FS {
		return New(k, "cooper", desk)
	}, func(tk *task.Task, argv []string) int {
		writeFile(tk, dir+"/title", "shell\n")
		title = readFile(tk, dir+"/title")
		writeFile(tk, dir+"/geometry", "10 20 800 600")
		geometry = readFile(tk, dir+"/geometry")
		badOwner = writeFile(tk, dir+"/owner", "999")
		writeFile(tk, dir+"/owner", strconv.Itoa(tk.Getpid()))
		owner = readFile(tk, dir+"/owner")
		writeFile(tk, dir+"/ctl", "close\n")
		_, gone = tk.Stat(dir)
		return 0
	})
	require.Equal(t, "shell\n", title)
	require.Equal(t, "10 20 800 600\n", geometry)
	require.ErrorIs(t, badOwner, abi.ESRCH)
	require.Equal(t, "1\n", owner)
	require.ErrorIs(t, gone, abi.ENOENT)
	require.Empty(t, desk.Windows())
}
