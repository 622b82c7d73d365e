package fusekit

import (
	"syscall"

	"tractor.dev/cooper/abi"
)

func sysErrno(err error) syscall.Errno {
	return syscall.Errno(abi.ToErrno(err))
}
