package vfs

import (
	"sort"
	"sync"

	"tractor.dev/cooper/abi"
)

// SideTable holds per-node mutable state outside the node objects,
// which are shared by every observer. Entries are dropped when the
// node is pruned from the arena it is tracked on.
type SideTable[T any] struct {
	mu sync.Mutex
	m  map[Ino]T
}

// NewSideTable returns a table that forgets ids pruned from a.
func NewSideTable[T any](a *Arena) *SideTable[T] {
	st := &SideTable[T]{m: make(map[Ino]T)}
	if a != nil {
		a.OnPrune(st.Delete)
	}
	return st
}

func (st *SideTable[T]) Get(ino Ino) (T, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.m[ino]
	return v, ok
}

func (st *SideTable[T]) Set(ino Ino, v T) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.m[ino] = v
}

func (st *SideTable[T]) Delete(ino Ino) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.m, ino)
}

func (st *SideTable[T]) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.m)
}

// Setxattr flags.
const (
	XATTR_CREATE  = 0x1
	XATTR_REPLACE = 0x2
)

// Xattrs stores extended attributes for any node by id.
type Xattrs struct {
	t *SideTable[map[string][]byte]
}

func NewXattrs(a *Arena) *Xattrs {
	return &Xattrs{t: NewSideTable[map[string][]byte](a)}
}

func (x *Xattrs) Get(ino Ino, name string) ([]byte, error) {
	attrs, _ := x.t.Get(ino)
	v, ok := attrs[name]
	if !ok {
		return nil, abi.ENODATA
	}
	return append([]byte(nil), v...), nil
}

func (x *Xattrs) Set(ino Ino, name string, value []byte, flags int) error {
	if name == "" {
		return abi.EINVAL
	}
	x.t.mu.Lock()
	defer x.t.mu.Unlock()
	attrs := x.t.m[ino]
	_, exists := attrs[name]
	switch {
	case flags&XATTR_CREATE != 0 && exists:
		return abi.EEXIST
	case flags&XATTR_REPLACE != 0 && !exists:
		return abi.ENODATA
	}
	if attrs == nil {
		attrs = make(map[string][]byte)
		x.t.m[ino] = attrs
	}
	attrs[name] = append([]byte(nil), value...)
	return nil
}

func (x *Xattrs) List(ino Ino) []string {
	attrs, _ := x.t.Get(ino)
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (x *Xattrs) Remove(ino Ino, name string) error {
	x.t.mu.Lock()
	defer x.t.mu.Unlock()
	if _, ok := x.t.m[ino][name]; !ok {
		return abi.ENODATA
	}
	delete(x.t.m[ino], name)
	return nil
}
