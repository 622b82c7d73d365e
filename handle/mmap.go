package handle

import (
	"io"

	"tractor.dev/cooper/abi"
)

// Mmap reads length bytes at off into fresh memory. A short read leaves
// the rest zero-filled, as pages past end of file are.
func Mmap(r Regular, off int64, length int) ([]byte, error) {
	if length <= 0 || off < 0 {
		return nil, abi.EINVAL
	}
	mem := make([]byte, length)
	n, err := r.ReadAt(mem, off)
	if err != nil && err != io.EOF && n == 0 {
		return nil, err
	}
	return mem, nil
}
