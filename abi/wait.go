package abi

// Wait options.
const (
	WNOHANG    = 0x1
	WUNTRACED  = 0x2
	WCONTINUED = 0x8
)

// WaitStatus is the status word reported by wait4, laid out the way
// Linux does it.
type WaitStatus uint32

const (
	coreFlag    = 0x80
	stoppedCode = 0x7f
	contCode    = 0xffff
)

// Exited encodes a normal exit with the given code.
func Exited(code int) WaitStatus {
	return WaitStatus((code & 0xff) << 8)
}

// Signaled encodes termination by sig, optionally with a core dump.
func Signaled(sig int, core bool) WaitStatus {
	ws := WaitStatus(sig & 0x7f)
	if core {
		ws |= coreFlag
	}
	return ws
}

// Stopped encodes a stop by sig.
func Stopped(sig int) WaitStatus {
	return WaitStatus((sig&0xff)<<8 | stoppedCode)
}

// Continued encodes resumption after a stop.
func Continued() WaitStatus {
	return contCode
}

func (ws WaitStatus) Exited() bool    { return ws&0x7f == 0 }
func (ws WaitStatus) Signaled() bool  { return ws&0x7f != stoppedCode && ws&0x7f != 0 }
func (ws WaitStatus) Stopped() bool   { return ws&0xff == stoppedCode }
func (ws WaitStatus) Continued() bool { return ws == contCode }
func (ws WaitStatus) CoreDump() bool  { return ws.Signaled() && ws&coreFlag != 0 }

// ExitStatus returns the exit code, or -1 if the status is not an exit.
func (ws WaitStatus) ExitStatus() int {
	if !ws.Exited() {
		return -1
	}
	return int(ws>>8) & 0xff
}

// Signal returns the terminating signal, or -1.
func (ws WaitStatus) Signal() int {
	if !ws.Signaled() {
		return -1
	}
	return int(ws & 0x7f)
}

// StopSignal returns the stopping signal, or -1.
func (ws WaitStatus) StopSignal() int {
	if !ws.Stopped() {
		return -1
	}
	return int(ws>>8) & 0xff
}
