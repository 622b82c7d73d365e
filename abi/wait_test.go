package abi

import (
	"errors"
	"io"
	"io/fs"
	"testing"
)

func TestWaitStatus(t *testing.T) {
	ws := Exited(5)
	if !ws.Exited() || ws.ExitStatus() != 5 || ws.Signaled() || ws.Stopped() {
		t.Errorf("Exited(5) decodes wrong: %#x", uint32(ws))
	}

	ws = Signaled(9, false)
	if !ws.Signaled() || ws.Signal() != 9 || ws.ExitStatus() != -1 || ws.CoreDump() {
		t.Errorf("Signaled(9) decodes wrong: %#x", uint32(ws))
	}
	if !Signaled(11, true).CoreDump() {
		t.Error("core flag lost")
	}

	ws = Stopped(19)
	if !ws.Stopped() || ws.StopSignal() != 19 || ws.Signaled() || ws.Exited() {
		t.Errorf("Stopped(19) decodes wrong: %#x", uint32(ws))
	}

	ws = Continued()
	if !ws.Continued() || ws.Exited() || ws.Stopped() {
		t.Errorf("Continued decodes wrong: %#x", uint32(ws))
	}
}

func TestToErrno(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want Errno
	}{
		{"nil", nil, 0},
		{"eof", io.EOF, 0},
		{"errno", EISDIR, EISDIR},
		{"path error", &fs.PathError{Op: "open", Path: "x", Err: ENOTDIR}, ENOTDIR},
		{"not exist", fs.ErrNotExist, ENOENT},
		{"exist", fs.ErrExist, EEXIST},
		{"closed pipe", io.ErrClosedPipe, EPIPE},
		{"incompatible", ErrIncompatible, ENOEXEC},
		{"exhausted", ErrExhausted, EAGAIN},
		{"other", errors.New("boom"), EIO},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToErrno(tt.err); got != tt.want {
				t.Errorf("ToErrno() = %v, want %v", got, tt.want)
			}
		})
	}
	if Err(0) != nil {
		t.Error("Err(0) != nil")
	}
}
