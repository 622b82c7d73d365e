// Package kernel assembles a bootable system: the task kernel, the
// namespace mounted under its root and the programs in /bin.
package kernel

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/tty"
	"tractor.dev/cooper/programs"
	"tractor.dev/cooper/sys"
	"tractor.dev/cooper/sys/remote"
	"tractor.dev/cooper/task"
	"tractor.dev/cooper/vfs"
	"tractor.dev/cooper/vfs/aferofs"
	"tractor.dev/cooper/vfs/apps"
	"tractor.dev/cooper/vfs/devfs"
	"tractor.dev/cooper/vfs/procfs"
	"tractor.dev/cooper/vfs/sysfs"
	"tractor.dev/cooper/vfs/vfskit"
)

type Config struct {
	Hostname string
	MaxPIDs  int
	MaxFDs   int
	PipeSize int
	// HostDir is served at /home when set.
	HostDir string
	// Env is the environment of init.
	Env    []string
	Logger *slog.Logger
	// Programs are installed in /bin next to the built-in ones.
	Programs   map[string]task.Main
	Windows    sysfs.WindowProvider
	Devices    []sysfs.Device
	Registerer prometheus.Registerer
}

type K struct {
	Task     *task.Kernel
	Sys      *sysfs.FS
	Apps     *apps.Registry
	PTYs     *tty.Table
	Syscalls *sys.Dispatcher
	Remote   *remote.Server
	Mod      map[string]vfskit.Builder

	cfg  Config
	log  *slog.Logger
	root *vfs.Dir
	bin  *vfs.Dir
}

func New(cfg Config) (*K, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "cooper"
	}
	if cfg.PipeSize <= 0 {
		cfg.PipeSize = 64 * 1024
	}
	if len(cfg.Env) == 0 {
		cfg.Env = programs.DefaultEnv
	}
	tk := task.New(task.Config{
		Logger:   cfg.Logger,
		MaxPIDs:  cfg.MaxPIDs,
		MaxFDs:   cfg.MaxFDs,
		PipeSize: cfg.PipeSize,
	})
	root, ok := tk.Root().(*vfs.Dir)
	if !ok {
		return nil, abi.EINVAL
	}
	k := &K{
		Task:     tk,
		Sys:      sysfs.New(tk, cfg.Hostname, cfg.Windows),
		Apps:     apps.New(),
		PTYs:     tty.NewTable(cfg.PipeSize, tk.SignalGroup),
		Syscalls: sys.New(nil, cfg.Registerer, cfg.Logger),
		Mod:      make(map[string]vfskit.Builder),
		cfg:      cfg,
		log:      cfg.Logger.With("component", "kernel"),
		root:     root,
	}
	tk.SetApps(k.Apps)
	for _, d := range cfg.Devices {
		k.Sys.AddDevice(d)
	}

	k.bin = root.Attach("bin", vfs.NewDir(0755)).(*vfs.Dir)
	for name, main := range programs.All() {
		k.Register(name, main)
	}
	for name, main := range cfg.Programs {
		k.Register(name, main)
	}
	k.Remote = remote.New(tk, k.Syscalls)
	k.bin.Attach(remote.Program, vfs.NewFile(0755, task.NativeStub(remote.Program)))

	home := afero.NewMemMapFs()
	if cfg.HostDir != "" {
		home = afero.NewBasePathFs(afero.NewOsFs(), cfg.HostDir)
	}
	etc := root.Attach("etc", vfs.NewDir(0755)).(*vfs.Dir)
	etc.Attach("hostname", vfs.NewFile(0644, []byte(cfg.Hostname+"\n")))
	etc.Attach("shells", vfs.NewFile(0644, []byte("/bin/sh\n")))

	k.AddModule("dev", devfs.New(k.PTYs))
	k.AddModule("proc", procfs.New(tk))
	k.AddModule("sys", k.Sys.Builder())
	k.AddModule("apps", k.Apps.Builder())
	k.AddModule("tmp", aferofs.New(afero.NewMemMapFs()))
	k.AddModule("home", aferofs.New(home))
	return k, nil
}

// AddModule mounts a tree at /name.
func (k *K) AddModule(name string, mod vfskit.Builder) {
	k.Mod[name] = mod
	k.root.Attach(name, mod)
}

// Modules returns the mounted module names in order.
func (k *K) Modules() []string {
	var names []string
	for name := range k.Mod {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register installs main as /bin/name.
func (k *K) Register(name string, main task.Main) {
	k.Task.Register(name, main)
	k.bin.Attach(name, vfs.NewFile(0755, task.NativeStub(name)))
}

// Boot spawns init with argv as the command it supervises. files
// become its standard descriptors.
func (k *K) Boot(argv []string, files ...*handle.File) error {
	_, err := k.Task.Spawn(task.Attr{
		Path:  "/bin/init",
		Argv:  append([]string{"init"}, argv...),
		Env:   k.cfg.Env,
		Files: files,
	})
	if err != nil {
		return err
	}
	k.log.Debug("boot", "init", strings.Join(argv, " "))
	return nil
}

// Run schedules tasks until init exits and returns its exit code.
func (k *K) Run(ctx context.Context) int {
	return k.Task.Run(ctx)
}

// Do runs fn on the scheduler.
func (k *K) Do(ctx context.Context, fn func()) error {
	return k.Task.Do(ctx, fn)
}

func (k *K) Root() vfs.Node { return k.root }

// ReadFile reads path from the host side.
func (k *K) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if derr := k.Do(ctx, func() {
		data, err = readFile(ctx, k.root, path)
	}); derr != nil {
		return nil, derr
	}
	return data, err
}

func readFile(ctx context.Context, root vfs.Node, path string) ([]byte, error) {
	n, err := vfs.Resolve(ctx, root, root, path, true)
	if err != nil {
		return nil, err
	}
	h, err := vfs.Open(ctx, n, abi.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	s, err := handle.AsStream(h)
	if err != nil {
		return nil, err
	}
	var data []byte
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(ctx, buf)
		data = append(data, buf[:n]...)
		if err == io.EOF || err == nil && n == 0 {
			return data, nil
		}
		if err != nil {
			return data, err
		}
	}
}

// WriteFile writes path from the host side, creating it with mode if
// needed.
func (k *K) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	var err error
	if derr := k.Do(ctx, func() {
		err = writeFile(ctx, k.root, path, data, mode)
	}); derr != nil {
		return derr
	}
	return err
}

func writeFile(ctx context.Context, root vfs.Node, path string, data []byte, mode fs.FileMode) error {
	dir, name, err := vfs.ResolveParent(ctx, root, root, path)
	if err != nil {
		return err
	}
	n, err := vfs.Lookup(ctx, dir, name)
	if abi.ToErrno(err) == abi.ENOENT {
		n, err = vfs.Create(ctx, dir, name, mode)
	}
	if err != nil {
		return err
	}
	h, err := vfs.Open(ctx, n, abi.O_WRONLY|abi.O_TRUNC)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := vfs.Truncate(ctx, n, 0); err != nil {
		return err
	}
	s, err := handle.AsStream(h)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		n, err := s.Write(ctx, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
