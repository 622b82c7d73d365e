// Package sysfs is the /sys tree: kernel settings, registered devices
// and the windows of the host window system.
package sysfs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
	"tractor.dev/cooper/vfs/vfskit"
)

// Device is a unit shown under /sys/devices. Props are read on every
// open.
type Device struct {
	Unit  string
	Kind  string
	Props map[string]func() (string, error)
}

// FS holds the state behind /sys.
type FS struct {
	k        *task.Kernel
	bootID   string
	windows  WindowProvider
	mu       sync.Mutex
	hostname string
	devices  map[string]Device
	devDir   *vfs.Entry
	winDir   *vfs.Entry
	owners   *vfs.SideTable[int]
}

func New(k *task.Kernel, hostname string, windows WindowProvider) *FS {
	if windows == nil {
		windows = NoWindows{}
	}
	return &FS{
		k:        k,
		bootID:   uuid.NewString(),
		windows:  windows,
		hostname: hostname,
		devices:  make(map[string]Device),
	}
}

func (s *FS) Hostname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostname
}

func (s *FS) SetHostname(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return abi.EINVAL
	}
	s.mu.Lock()
	s.hostname = name
	s.mu.Unlock()
	return nil
}

// BootID identifies this boot.
func (s *FS) BootID() string { return s.bootID }

// AddDevice registers d, replacing a device with the same unit.
func (s *FS) AddDevice(d Device) {
	s.RemoveDevice(d.Unit)
	s.mu.Lock()
	s.devices[d.Unit] = d
	s.mu.Unlock()
}

// RemoveDevice drops a unit and prunes its directory.
func (s *FS) RemoveDevice(unit string) {
	s.mu.Lock()
	_, ok := s.devices[unit]
	delete(s.devices, unit)
	dir := s.devDir
	s.mu.Unlock()
	if ok && dir != nil {
		dir.Arena().Forget(dir.Ino(), unit)
	}
}

// Builder returns the builder for the /sys directory.
func (s *FS) Builder() vfskit.Builder {
	return vfskit.NewMapDir(vfskit.Map{
		"kernel": s.kernelDir(),
		"devices": func(e *vfs.Entry) vfs.Node {
			s.mu.Lock()
			s.devDir = e
			s.mu.Unlock()
			return vfskit.NewFuncDir(s.deviceNames, s.device)(e)
		},
		"windows": func(e *vfs.Entry) vfs.Node {
			s.mu.Lock()
			s.winDir = e
			s.owners = vfs.NewSideTable[int](e.Arena())
			s.mu.Unlock()
			return vfskit.NewFuncDir(s.windowNames, s.window)(e)
		},
	})
}

func (s *FS) kernelDir() vfskit.Builder {
	return vfskit.NewMapDir(vfskit.Map{
		"hostname": vfskit.NewField(
			func() (string, error) { return s.Hostname(), nil },
			func(b []byte) error { return s.SetHostname(string(b)) },
		),
		"boot_id": vfskit.NewField(s.bootID),
		"ostype":  vfskit.NewField("cooper"),
		"programs": vfskit.NewField(func() (string, error) {
			return strings.Join(s.k.Programs(), "\n"), nil
		}),
		"processes": vfskit.NewField(func() (string, error) {
			return strconv.Itoa(len(s.k.Processes())), nil
		}),
		"ctl": vfskit.NewControl(s.control),
	})
}

func (s *FS) control(fail func(error)) *cli.Command {
	return &cli.Command{
		Usage: "ctl",
		Short: "control the kernel",
		Run: func(ctx *cli.Context, args []string) {
			switch {
			case len(args) == 2 && args[0] == "hostname":
				if err := s.SetHostname(args[1]); err != nil {
					fail(err)
				}
			case len(args) == 3 && args[0] == "signal":
				pid, err := strconv.Atoi(args[1])
				sig, ok := signal.Parse(args[2])
				if err != nil || !ok {
					fail(abi.EINVAL)
					return
				}
				if err := s.k.Signal(pid, sig); err != nil {
					fail(err)
				}
			case len(args) >= 1 && args[0] == "halt":
				code := 0
				if len(args) == 2 {
					var err error
					if code, err = strconv.Atoi(args[1]); err != nil {
						fail(abi.EINVAL)
						return
					}
				}
				s.k.Halt(code)
			default:
				fail(abi.EINVAL)
			}
		},
	}
}

func (s *FS) deviceNames(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.devices))
	for unit := range s.devices {
		names = append(names, unit)
	}
	sort.Strings(names)
	return names
}

func (s *FS) device(ctx context.Context, unit string) (vfskit.Builder, bool) {
	s.mu.Lock()
	d, ok := s.devices[unit]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	m := vfskit.Map{"kind": vfskit.NewField(d.Kind)}
	for name, get := range d.Props {
		m[name] = vfskit.NewField(get)
	}
	return vfskit.NewMapDir(m), true
}

func (s *FS) windowNames(ctx context.Context) []string {
	var names []string
	for _, id := range s.windows.Windows() {
		names = append(names, strconv.Itoa(id))
	}
	return names
}

func (s *FS) window(ctx context.Context, name string) (vfskit.Builder, bool) {
	id, err := strconv.Atoi(name)
	if err != nil {
		return nil, false
	}
	if _, ok := s.windows.Window(id); !ok {
		return nil, false
	}
	return func(e *vfs.Entry) vfs.Node {
		d := vfskit.NewMapDir(s.windowFiles(id, e.Ino()))(e).(*vfskit.FuncDir)
		d.Present = func() bool {
			_, ok := s.windows.Window(id)
			return ok
		}
		return d
	}, true
}

func (s *FS) windowFiles(id int, dir vfs.Ino) vfskit.Map {
	get := func(fn func(Window) string) func() (string, error) {
		return func() (string, error) {
			w, ok := s.windows.Window(id)
			if !ok {
				return "", abi.ENOENT
			}
			return fn(w), nil
		}
	}
	return vfskit.Map{
		"title": vfskit.NewField(get(func(w Window) string { return w.Title }), func(b []byte) error {
			return s.windows.SetTitle(id, strings.TrimSpace(string(b)))
		}),
		"geometry": vfskit.NewField(get(func(w Window) string {
			return fmt.Sprintf("%d %d %d %d", w.X, w.Y, w.Width, w.Height)
		}), func(b []byte) error {
			var x, y, wd, ht int
			if _, err := fmt.Sscan(string(b), &x, &y, &wd, &ht); err != nil {
				return abi.EINVAL
			}
			return s.windows.Move(id, x, y, wd, ht)
		}),
		"owner": vfskit.NewField(func() (string, error) {
			return strconv.Itoa(s.Owner(dir)), nil
		}, func(b []byte) error {
			return s.setOwner(dir, strings.TrimSpace(string(b)))
		}),
		"ctl": vfskit.NewControl(func(fail func(error)) *cli.Command {
			return &cli.Command{
				Usage: "ctl",
				Short: "control the window",
				Run: func(ctx *cli.Context, args []string) {
					if len(args) == 1 && args[0] == "close" {
						if err := s.CloseWindow(id); err != nil {
							fail(err)
						}
						return
					}
					fail(abi.EINVAL)
				},
			}
		}),
	}
}

// Owner returns the pid associated with the window directory dir, or 0
// once that process is gone.
func (s *FS) Owner(dir vfs.Ino) int {
	pid, ok := s.owners.Get(dir)
	if !ok {
		return 0
	}
	if _, live := s.k.Process(pid); !live {
		s.owners.Delete(dir)
		return 0
	}
	return pid
}

func (s *FS) setOwner(dir vfs.Ino, v string) error {
	pid, err := strconv.Atoi(v)
	if err != nil {
		return abi.EINVAL
	}
	if pid == 0 {
		s.owners.Delete(dir)
		return nil
	}
	if _, ok := s.k.Process(pid); !ok {
		return abi.ESRCH
	}
	s.owners.Set(dir, pid)
	return nil
}

// CloseWindow closes a window and prunes its directory, which also
// drops its association.
func (s *FS) CloseWindow(id int) error {
	if err := s.windows.Close(id); err != nil {
		return err
	}
	s.WindowClosed(id)
	return nil
}

// WindowClosed prunes the directory of a window the provider closed on
// its own.
func (s *FS) WindowClosed(id int) {
	s.mu.Lock()
	dir := s.winDir
	s.mu.Unlock()
	if dir != nil {
		dir.Arena().Forget(dir.Ino(), strconv.Itoa(id))
	}
}
