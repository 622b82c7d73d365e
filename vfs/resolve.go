package vfs

import (
	"context"
	"fmt"
	"strings"

	"tractor.dev/cooper/abi"
)

const (
	// MaxSymlinks is how many links one resolution may traverse.
	MaxSymlinks = 40
	// MaxPath is the longest path accepted.
	MaxPath = 4096
	// MaxName is the longest single component accepted.
	MaxName = 255
)

type resolver struct {
	ctx   context.Context
	root  Node
	links int
}

// Resolve walks path from start, or from root when path is absolute.
// Symlinks are followed in every position but the last, and in the
// last only when follow is set. A trailing slash requires a directory
// and always follows.
func Resolve(ctx context.Context, root, start Node, path string, follow bool) (Node, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	if start == nil {
		start = root
	}
	r := &resolver{ctx: ctx, root: root}
	return r.walk(start, path, follow)
}

// ResolveParent resolves everything but the last component and returns
// the directory and that name. Trailing slashes are ignored. For "/"
// the name is ".".
func ResolveParent(ctx context.Context, root, start Node, path string) (Node, string, error) {
	if err := checkPath(path); err != nil {
		return nil, "", err
	}
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return root, ".", nil
	}
	dir, name := ".", trimmed
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		dir, name = trimmed[:i], trimmed[i+1:]
		if dir == "" {
			dir = "/"
		}
	}
	if len(name) > MaxName {
		return nil, "", abi.ENAMETOOLONG
	}
	if start == nil {
		start = root
	}
	r := &resolver{ctx: ctx, root: root}
	d, err := r.walk(start, dir, true)
	if err != nil {
		return nil, "", err
	}
	if !IsDir(d) {
		return nil, "", abi.ENOTDIR
	}
	return d, name, nil
}

func checkPath(path string) error {
	if path == "" {
		return abi.ENOENT
	}
	if len(path) > MaxPath {
		return abi.ENAMETOOLONG
	}
	return nil
}

func (r *resolver) walk(cur Node, path string, follow bool) (Node, error) {
	if strings.HasPrefix(path, "/") {
		cur = r.root
	}
	trailing := strings.HasSuffix(path, "/")
	parts := strings.FieldsFunc(path, func(c rune) bool { return c == '/' })
	for i, name := range parts {
		last := i == len(parts)-1
		switch name {
		case ".":
			if !IsDir(cur) {
				return nil, abi.ENOTDIR
			}
			continue
		case "..":
			if !IsDir(cur) {
				return nil, abi.ENOTDIR
			}
			cur = r.parent(cur)
			continue
		}
		if len(name) > MaxName {
			return nil, abi.ENAMETOOLONG
		}
		next, err := Lookup(r.ctx, cur, name)
		if err != nil {
			return nil, err
		}
		if IsLink(next) && (!last || follow || trailing) {
			next, err = r.follow(cur, next)
			if err != nil {
				return nil, err
			}
		}
		cur = next
	}
	if trailing && !IsDir(cur) {
		return nil, abi.ENOTDIR
	}
	return cur, nil
}

func (r *resolver) parent(n Node) Node {
	if n.Ino() == r.root.Ino() {
		return n
	}
	if p, ok := ParentOf(n); ok {
		return p
	}
	return r.root
}

// follow resolves link found in dir. Relative targets resolve from
// dir, not from the root.
func (r *resolver) follow(dir, link Node) (Node, error) {
	for IsLink(link) {
		r.links++
		if r.links > MaxSymlinks {
			return nil, abi.ELOOP
		}
		if lr, ok := link.(LinkResolver); ok {
			n, err := lr.ResolveLink(r.ctx)
			if err != nil {
				return nil, err
			}
			link = n
			continue
		}
		target, err := Readlink(r.ctx, link)
		if err != nil {
			return nil, err
		}
		if target == "" {
			return nil, abi.ENOENT
		}
		return r.walk(dir, target, true)
	}
	return link, nil
}

// ResolveLink resolves the target of the symlink n, relative to the
// directory holding it.
func ResolveLink(ctx context.Context, root, n Node) (Node, error) {
	if !IsLink(n) {
		return nil, abi.EINVAL
	}
	dir, ok := ParentOf(n)
	if !ok {
		dir = root
	}
	r := &resolver{ctx: ctx, root: root}
	return r.follow(dir, n)
}

// PathOf reports the path of n from its arena's root. Anonymous nodes,
// and anything below one, report as kind:[ino].
func PathOf(n Node) string {
	var parts []string
	cur := n
	for cur.Parent() != cur.Ino() {
		if a, ok := cur.(interface{ Anonymous() bool }); ok && a.Anonymous() {
			return fmt.Sprintf("%s:[%d]", cur.Name(), cur.Ino())
		}
		parts = append(parts, cur.Name())
		p, ok := ParentOf(cur)
		if !ok {
			break
		}
		cur = p
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}
