package task

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/vfs"
)

const pageSize = 4096

// Region is one mapping in an address space.
type Region struct {
	Addr  uintptr
	Prot  int
	Flags int
	Path  string
	Data  []byte
}

func (r *Region) End() uintptr { return r.Addr + uintptr(len(r.Data)) }

// MM is an address space: the mappings a process made. It is shared by
// CLONE_VM and vfork children and copied by fork.
type MM struct {
	refs    int
	regions []*Region
	next    uintptr
}

func newMM() *MM {
	return &MM{refs: 1, next: 0x10000000}
}

func (mm *MM) share() *MM {
	mm.refs++
	return mm
}

func (mm *MM) fork() *MM {
	c := &MM{refs: 1, next: mm.next}
	for _, r := range mm.regions {
		cr := *r
		cr.Data = append([]byte(nil), r.Data...)
		c.regions = append(c.regions, &cr)
	}
	return c
}

func (mm *MM) release() {
	if mm == nil || mm.refs <= 0 {
		return
	}
	mm.refs--
	if mm.refs == 0 {
		mm.regions = nil
	}
}

// Regions returns the mappings in address order.
func (mm *MM) Regions() []Region {
	out := make([]Region, len(mm.regions))
	for i, r := range mm.regions {
		out[i] = *r
	}
	return out
}

// Bytes returns the mapped bytes at addr, or nil when addr is not
// mapped.
func (mm *MM) Bytes(addr uintptr, n int) []byte {
	for _, r := range mm.regions {
		if addr >= r.Addr && addr+uintptr(n) <= r.End() {
			off := addr - r.Addr
			return r.Data[off : off+uintptr(n)]
		}
	}
	return nil
}

func (mm *MM) insert(r *Region) {
	mm.regions = append(mm.regions, r)
	sort.Slice(mm.regions, func(i, j int) bool { return mm.regions[i].Addr < mm.regions[j].Addr })
}

func roundPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// Mmap maps length bytes. Anonymous mappings are zeroed; file mappings
// copy the file from off, zero-filled past its end.
func (t *Task) Mmap(addr uintptr, length, prot, flags, fd int, off int64) (uintptr, error) {
	if length <= 0 || off%pageSize != 0 {
		return 0, abi.EINVAL
	}
	size := roundPage(length)
	r := &Region{Prot: prot, Flags: flags}
	if flags&abi.MAP_ANONYMOUS != 0 {
		r.Data = make([]byte, size)
	} else {
		f, err := t.fds.Get(fd)
		if err != nil {
			return 0, err
		}
		reg, err := handle.AsRegular(f.Handle)
		if err != nil {
			return 0, abi.EACCES
		}
		data, err := handle.Mmap(reg, off, size)
		if err != nil {
			return 0, err
		}
		r.Data = data
		r.Path = f.Path
	}
	mm := t.mm
	r.Addr = mm.next
	mm.next += uintptr(size)
	mm.insert(r)
	return r.Addr, nil
}

// Munmap removes the mappings that lie within [addr, addr+length).
// Partial unmapping of a region is not supported.
func (t *Task) Munmap(addr uintptr, length int) error {
	if addr%pageSize != 0 || length <= 0 {
		return abi.EINVAL
	}
	end := addr + uintptr(roundPage(length))
	mm := t.mm
	var kept []*Region
	for _, r := range mm.regions {
		switch {
		case r.Addr >= addr && r.End() <= end:
			continue
		case r.Addr < end && r.End() > addr:
			return abi.EINVAL
		}
		kept = append(kept, r)
	}
	mm.regions = kept
	return nil
}

// FSContext is the working directory and root of a task, shared under
// CLONE_FS.
type FSContext struct {
	refs int
	root vfs.Node
	cwd  vfs.Node
}

func (fc *FSContext) share() *FSContext {
	fc.refs++
	return fc
}

func (fc *FSContext) fork() *FSContext {
	return &FSContext{refs: 1, root: fc.root, cwd: fc.cwd}
}

func (fc *FSContext) release() {
	if fc != nil && fc.refs > 0 {
		fc.refs--
	}
}

// Regs is the register image a tracer reads with PTRACE_GETREGS. Hosted
// programs have no machine registers; the image records the last
// system call the task made.
type Regs struct {
	PC   uint64    `cbor:"1,keyasint,omitempty"`
	SP   uint64    `cbor:"2,keyasint,omitempty"`
	Nr   int       `cbor:"3,keyasint"`
	Args [6]uint64 `cbor:"4,keyasint"`
	Ret  int64     `cbor:"5,keyasint"`
}

// Marshal encodes the image in CBOR.
func (r Regs) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// UnmarshalRegs decodes an image written by Marshal.
func UnmarshalRegs(b []byte) (Regs, error) {
	var r Regs
	err := cbor.Unmarshal(b, &r)
	return r, err
}
