package vfs

import (
	"io"
	"log/slog"
	"sync"
)

// RootIno is the id of an arena's root.
const RootIno Ino = 1

type key struct {
	parent Ino
	name   string
}

// Arena owns every node of a namespace. Nodes are addressed by id;
// a (parent, name) pair keeps its id for as long as it is bound, so
// synthetic nodes materialized again on a later lookup come back with
// the same inode number.
type Arena struct {
	mu       sync.Mutex
	next     Ino
	nodes    map[Ino]Node
	names    map[key]Ino
	children map[Ino]map[Ino]struct{}
	pruned   []func(Ino)
	log      *slog.Logger
}

func NewArena() *Arena {
	return &Arena{
		next:     RootIno,
		nodes:    make(map[Ino]Node),
		names:    make(map[key]Ino),
		children: make(map[Ino]map[Ino]struct{}),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// SetLogger replaces the discard logger.
func (a *Arena) SetLogger(l *slog.Logger) {
	a.log = l
}

// NewRoot builds the root node. It has an empty name and is its own
// parent.
func (a *Arena) NewRoot(build func(*Entry) Node) Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := &Entry{arena: a, ino: RootIno, parent: RootIno}
	n := build(e)
	a.nodes[RootIno] = n
	if a.next <= RootIno {
		a.next = RootIno + 1
	}
	return n
}

func (a *Arena) Root() Node {
	n, _ := a.Get(RootIno)
	return n
}

func (a *Arena) Get(ino Ino) (Node, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[ino]
	return n, ok
}

// Lookup returns the node bound to name in parent.
func (a *Arena) Lookup(parent Ino, name string) (Node, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ino, ok := a.names[key{parent, name}]
	if !ok {
		return nil, false
	}
	n, ok := a.nodes[ino]
	return n, ok
}

// Intern returns the node bound to name in parent, building it if there
// is none.
func (a *Arena) Intern(parent Ino, name string, build func(*Entry) Node) Node {
	a.mu.Lock()
	if ino, ok := a.names[key{parent, name}]; ok {
		if n, ok := a.nodes[ino]; ok {
			a.mu.Unlock()
			return n
		}
	}
	e := a.alloc(parent, name)
	a.mu.Unlock()
	n := build(e)
	a.mu.Lock()
	a.nodes[e.ino] = n
	a.mu.Unlock()
	return n
}

func (a *Arena) alloc(parent Ino, name string) *Entry {
	e := &Entry{arena: a, ino: a.next, parent: parent, name: name}
	a.next++
	a.names[key{parent, name}] = e.ino
	if a.children[parent] == nil {
		a.children[parent] = make(map[Ino]struct{})
	}
	a.children[parent][e.ino] = struct{}{}
	return e
}

// Anon builds a node that no path reaches. Its name is kind, and it
// reports as kind:[ino].
func (a *Arena) Anon(kind string, build func(*Entry) Node) Node {
	a.mu.Lock()
	e := &Entry{arena: a, ino: a.next, parent: RootIno, name: kind, anon: true}
	a.next++
	a.mu.Unlock()
	n := build(e)
	a.mu.Lock()
	a.nodes[e.ino] = n
	a.mu.Unlock()
	return n
}

// Bind adds another name for an existing node, as a hard link does.
func (a *Arena) Bind(parent Ino, name string, ino Ino) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names[key{parent, name}] = ino
}

// Unbind removes a name without touching the node.
func (a *Arena) Unbind(parent Ino, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.names, key{parent, name})
}

// Move rebinds n under a new parent and name.
func (a *Arena) Move(n Node, parent Ino, name string) {
	e, ok := entryOf(n)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.names, key{e.parent, e.name})
	delete(a.children[e.parent], e.ino)
	e.parent, e.name = parent, name
	a.names[key{parent, name}] = e.ino
	if a.children[parent] == nil {
		a.children[parent] = make(map[Ino]struct{})
	}
	a.children[parent][e.ino] = struct{}{}
}

// Forget prunes whatever is bound to name in parent.
func (a *Arena) Forget(parent Ino, name string) {
	a.mu.Lock()
	ino, ok := a.names[key{parent, name}]
	a.mu.Unlock()
	if ok {
		a.Prune(ino)
	}
}

// Prune drops a node and everything below it.
func (a *Arena) Prune(ino Ino) {
	if ino == RootIno {
		return
	}
	a.mu.Lock()
	var dropped []Ino
	a.prune(ino, &dropped)
	hooks := a.pruned
	a.mu.Unlock()
	a.log.Debug("prune", "ino", ino, "nodes", len(dropped))
	for _, d := range dropped {
		for _, fn := range hooks {
			fn(d)
		}
	}
}

func (a *Arena) prune(ino Ino, dropped *[]Ino) {
	for child := range a.children[ino] {
		a.prune(child, dropped)
	}
	delete(a.children, ino)
	if n, ok := a.nodes[ino]; ok {
		delete(a.names, key{n.Parent(), n.Name()})
		delete(a.children[n.Parent()], ino)
		delete(a.nodes, ino)
		*dropped = append(*dropped, ino)
	}
}

// OnPrune registers fn to run for every pruned id, so side tables can
// drop their entries.
func (a *Arena) OnPrune(fn func(Ino)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruned = append(a.pruned, fn)
}

// Len returns the number of live nodes.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

type entryNode interface {
	entry() *Entry
}

func (e *Entry) entry() *Entry { return e }

func entryOf(n Node) (*Entry, bool) {
	if en, ok := n.(entryNode); ok {
		return en.entry(), true
	}
	return nil, false
}
