package sysfs

import (
	"sort"
	"sync"

	"tractor.dev/cooper/abi"
)

type Window struct {
	ID     int
	Title  string
	X, Y   int
	Width  int
	Height int
}

// WindowProvider is the host window system as seen from /sys/windows.
type WindowProvider interface {
	Windows() []int
	Window(id int) (Window, bool)
	SetTitle(id int, title string) error
	Move(id, x, y, width, height int) error
	Close(id int) error
}

// NoWindows is a provider with no windows.
type NoWindows struct{}

func (NoWindows) Windows() []int                     { return nil }
func (NoWindows) Window(int) (Window, bool)          { return Window{}, false }
func (NoWindows) SetTitle(int, string) error         { return abi.ENOENT }
func (NoWindows) Move(int, int, int, int, int) error { return abi.ENOENT }
func (NoWindows) Close(int) error                    { return abi.ENOENT }

// Desktop is an in-memory provider, used headless and in tests.
type Desktop struct {
	mu   sync.Mutex
	next int
	wins map[int]Window
}

func NewDesktop() *Desktop {
	return &Desktop{wins: make(map[int]Window)}
}

// Open creates a window and returns its id.
func (d *Desktop) Open(title string, width, height int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.wins[d.next] = Window{ID: d.next, Title: title, Width: width, Height: height}
	return d.next
}

func (d *Desktop) Windows() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int, 0, len(d.wins))
	for id := range d.wins {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (d *Desktop) Window(id int) (Window, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.wins[id]
	return w, ok
}

func (d *Desktop) SetTitle(id int, title string) error {
	return d.update(id, func(w *Window) { w.Title = title })
}

func (d *Desktop) Move(id, x, y, width, height int) error {
	if width < 0 || height < 0 {
		return abi.EINVAL
	}
	return d.update(id, func(w *Window) {
		w.X, w.Y, w.Width, w.Height = x, y, width, height
	})
}

func (d *Desktop) Close(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.wins[id]; !ok {
		return abi.ENOENT
	}
	delete(d.wins, id)
	return nil
}

func (d *Desktop) update(id int, fn func(*Window)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.wins[id]
	if !ok {
		return abi.ENOENT
	}
	fn(&w)
	d.wins[id] = w
	return nil
}
