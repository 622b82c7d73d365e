// Package fdtable maps descriptor numbers to open files.
package fdtable

import (
	"fmt"

	"go.uber.org/multierr"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
)

// DefaultMax is the descriptor limit used when none is given.
const DefaultMax = 1024

var errNoFD = fmt.Errorf("%w: %w", abi.ErrExhausted, abi.EMFILE)

type slot struct {
	file    *handle.File
	cloexec bool
}

// Table is a descriptor table. Tasks cloned with CLONE_FILES share one
// Table by reference; everyone else gets a Fork. Close-on-exec flags
// belong to the slot, so they never leak between forked copies.
type Table struct {
	refs  int
	slots []slot
	max   int
}

func New(max int) *Table {
	if max <= 0 {
		max = DefaultMax
	}
	return &Table{refs: 1, max: max}
}

// Max returns the descriptor limit.
func (t *Table) Max() int { return t.max }

// LowestUnused returns the lowest free descriptor not below start.
func (t *Table) LowestUnused(start int) (int, error) {
	if start < 0 {
		return 0, abi.EINVAL
	}
	for fd := start; fd < t.max; fd++ {
		if fd >= len(t.slots) || t.slots[fd].file == nil {
			return fd, nil
		}
	}
	return 0, errNoFD
}

// Alloc places f in the lowest free slot.
func (t *Table) Alloc(f *handle.File, cloexec bool) (int, error) {
	fd, err := t.LowestUnused(0)
	if err != nil {
		return 0, err
	}
	return fd, t.Assign(fd, f, cloexec)
}

// Assign places f at fd, closing whatever was there. The table takes
// over the caller's reference on f.
func (t *Table) Assign(fd int, f *handle.File, cloexec bool) error {
	if fd < 0 || fd >= t.max {
		return abi.EBADF
	}
	for fd >= len(t.slots) {
		t.slots = append(t.slots, slot{})
	}
	old := t.slots[fd].file
	t.slots[fd] = slot{file: f, cloexec: cloexec}
	if old != nil {
		return old.Unref()
	}
	return nil
}

// Get returns the file at fd.
func (t *Table) Get(fd int) (*handle.File, error) {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].file == nil {
		return nil, abi.EBADF
	}
	return t.slots[fd].file, nil
}

// Dup places the file at oldfd in the lowest free slot not below start.
func (t *Table) Dup(oldfd, start int, cloexec bool) (int, error) {
	f, err := t.Get(oldfd)
	if err != nil {
		return 0, err
	}
	fd, err := t.LowestUnused(start)
	if err != nil {
		return 0, err
	}
	return fd, t.Assign(fd, f.Ref(), cloexec)
}

// Duplicate makes newfd refer to the same open file as oldfd, closing
// any existing occupant of newfd first. When the two are equal it only
// checks that oldfd is open and leaves its flags alone.
func (t *Table) Duplicate(oldfd, newfd int, cloexec bool) (int, error) {
	f, err := t.Get(oldfd)
	if err != nil {
		return 0, err
	}
	if newfd < 0 || newfd >= t.max {
		return 0, abi.EBADF
	}
	if oldfd == newfd {
		return newfd, nil
	}
	return newfd, t.Assign(newfd, f.Ref(), cloexec)
}

// Close empties fd and drops its reference.
func (t *Table) Close(fd int) error {
	f, err := t.Get(fd)
	if err != nil {
		return err
	}
	t.slots[fd] = slot{}
	return f.Unref()
}

// Flags returns the descriptor flags of fd.
func (t *Table) Flags(fd int) (int, error) {
	if _, err := t.Get(fd); err != nil {
		return 0, err
	}
	if t.slots[fd].cloexec {
		return abi.FD_CLOEXEC, nil
	}
	return 0, nil
}

func (t *Table) SetFlags(fd int, flags int) error {
	if _, err := t.Get(fd); err != nil {
		return err
	}
	t.slots[fd].cloexec = flags&abi.FD_CLOEXEC != 0
	return nil
}

// Len returns the number of open descriptors.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.slots {
		if s.file != nil {
			n++
		}
	}
	return n
}

// Each calls fn for every open descriptor in ascending order.
func (t *Table) Each(fn func(fd int, f *handle.File, cloexec bool)) {
	for fd, s := range t.slots {
		if s.file != nil {
			fn(fd, s.file, s.cloexec)
		}
	}
}

// Fork returns an independent table with the same open files in the
// same slots.
func (t *Table) Fork() *Table {
	c := &Table{refs: 1, max: t.max, slots: make([]slot, len(t.slots))}
	for fd, s := range t.slots {
		if s.file != nil {
			c.slots[fd] = slot{file: s.file.Ref(), cloexec: s.cloexec}
		}
	}
	return c
}

// Share takes another reference on the same table.
func (t *Table) Share() *Table {
	t.refs++
	return t
}

// Shared reports whether more than one task refers to the table.
func (t *Table) Shared() bool {
	return t.refs > 1
}

// Release drops a reference and closes every descriptor on the last.
func (t *Table) Release() error {
	if t.refs <= 0 {
		return nil
	}
	t.refs--
	if t.refs > 0 {
		return nil
	}
	var err error
	for fd := range t.slots {
		if t.slots[fd].file != nil {
			err = multierr.Append(err, t.Close(fd))
		}
	}
	t.slots = nil
	return err
}

// CloseOnExec closes every descriptor marked close-on-exec.
func (t *Table) CloseOnExec() error {
	var err error
	for fd, s := range t.slots {
		if s.file != nil && s.cloexec {
			err = multierr.Append(err, t.Close(fd))
		}
	}
	return err
}
