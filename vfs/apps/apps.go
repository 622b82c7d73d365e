// Package apps is the /apps directory. Creating a symlink there
// registers its name as an address that starts the link target when a
// connection finds no listener.
package apps

import (
	"context"
	"io/fs"
	"iter"
	"sort"
	"sync"
	"time"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/vfs"
	"tractor.dev/cooper/vfs/vfskit"
)

// Registry holds the registrations. It satisfies task.Apps.
type Registry struct {
	mu      sync.Mutex
	targets map[string]string
	dir     *Dir
}

func New() *Registry {
	return &Registry{targets: make(map[string]string)}
}

// Target returns the program registered under addr.
func (r *Registry) Target(addr string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[addr]
	return target, ok
}

// Register adds or replaces a registration.
func (r *Registry) Register(name, target string) error {
	if name == "" || target == "" {
		return abi.EINVAL
	}
	r.mu.Lock()
	r.targets[name] = target
	r.mu.Unlock()
	return nil
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.targets[name]
	delete(r.targets, name)
	d := r.dir
	r.mu.Unlock()
	if ok && d != nil {
		d.Arena().Forget(d.Ino(), name)
	}
	return ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builder returns the builder for the /apps directory.
func (r *Registry) Builder() vfskit.Builder {
	return func(e *vfs.Entry) vfs.Node {
		d := &Dir{Entry: e, r: r, mtime: time.Now()}
		r.mu.Lock()
		r.dir = d
		r.mu.Unlock()
		return d
	}
}

// Dir lists one symlink per registration.
type Dir struct {
	*vfs.Entry
	r     *Registry
	mtime time.Time
}

func (d *Dir) Mode() fs.FileMode { return fs.ModeDir | 0755 }

func (d *Dir) Stat(ctx context.Context) (abi.Stat, error) {
	return abi.Stat{Mode: d.Mode(), Atime: d.mtime, Mtime: d.mtime, Ctime: d.mtime}, nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (vfs.Node, error) {
	if _, ok := d.r.Target(name); !ok {
		return nil, abi.ENOENT
	}
	return d.Arena().Intern(d.Ino(), name, d.link(name)), nil
}

func (d *Dir) link(name string) vfskit.Builder {
	return vfskit.NewLink(func(context.Context) (string, error) {
		target, ok := d.r.Target(name)
		if !ok {
			return "", abi.ENOENT
		}
		return target, nil
	})
}

func (d *Dir) Iterate(ctx context.Context) iter.Seq2[vfs.Ino, string] {
	return func(yield func(vfs.Ino, string) bool) {
		for _, name := range d.r.Names() {
			n, err := d.Lookup(ctx, name)
			if err != nil {
				continue
			}
			if !yield(n.Ino(), name) {
				return
			}
		}
	}
}

func (d *Dir) Symlink(ctx context.Context, target, name string) (vfs.Node, error) {
	if _, ok := d.r.Target(name); ok {
		return nil, abi.EEXIST
	}
	if err := d.r.Register(name, target); err != nil {
		return nil, err
	}
	d.mtime = time.Now()
	return d.Lookup(ctx, name)
}

func (d *Dir) Unlink(ctx context.Context, name string, dir bool) error {
	if dir {
		return abi.ENOTDIR
	}
	if !d.r.Unregister(name) {
		return abi.ENOENT
	}
	d.mtime = time.Now()
	return nil
}
