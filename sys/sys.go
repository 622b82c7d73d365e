// Package sys maps syscall numbers onto task operations and turns their
// errors into negative errno results.
package sys

import (
	"errors"
	"io"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/task"
)

// Handler performs one call for t.
type Handler func(t *task.Task, a Args) (int64, error)

type Syscall struct {
	Name string
	Fn   Handler
}

// Table maps numbers to calls.
type Table map[int]Syscall

type Dispatcher struct {
	table  Table
	log    *slog.Logger
	calls  *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// New returns a dispatcher over table, or the default table when table
// is nil. Counters are registered on reg; a nil reg keeps them private.
func New(table Table, reg prometheus.Registerer, log *slog.Logger) *Dispatcher {
	if table == nil {
		table = Default()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := promauto.With(reg)
	return &Dispatcher{
		table: table,
		log:   log,
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cooper_syscalls_total",
			Help: "Syscalls dispatched, by name.",
		}, []string{"name"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cooper_syscall_errors_total",
			Help: "Syscalls that failed, by name and errno.",
		}, []string{"name", "errno"}),
	}
}

func (d *Dispatcher) Table() Table { return d.table }

// Name returns the name of nr, or its number for unknown calls.
func (d *Dispatcher) Name(nr int) string {
	if sc, ok := d.table[nr]; ok {
		return sc.Name
	}
	return strconv.Itoa(nr)
}

// Call runs syscall nr for t. It returns the result, or -errno on
// failure: -ENOSYS for unknown numbers, -EFAULT for arguments of the
// wrong type and -EIO when the handler panics. A task terminating with
// runtime.Goexit inside the call passes through untouched.
func (d *Dispatcher) Call(t *task.Task, nr int, args ...any) (ret int64) {
	sc, ok := d.table[nr]
	if !ok {
		d.calls.WithLabelValues("unknown").Inc()
		d.fail("unknown", abi.ENOSYS)
		d.log.Debug("syscall", "nr", nr, "err", abi.ENOSYS)
		return -int64(abi.ENOSYS)
	}
	d.calls.WithLabelValues(sc.Name).Inc()
	regs := t.Regs()
	regs.Nr = nr
	t.SetRegs(regs)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var ae argError
		if err, ok := r.(error); ok && errors.As(err, &ae) {
			d.log.Debug("syscall", "name", sc.Name, "tid", t.Tid(), "err", ae)
			d.fail(sc.Name, abi.EFAULT)
			ret = -int64(abi.EFAULT)
			return
		}
		d.log.Error("syscall panic", "name", sc.Name, "tid", t.Tid(), "panic", r)
		d.fail(sc.Name, abi.EIO)
		ret = -int64(abi.EIO)
	}()
	n, err := sc.Fn(t, Args(args))
	if err != nil {
		errno := abi.ToErrno(err)
		if errno != 0 {
			d.fail(sc.Name, errno)
			return -int64(errno)
		}
	}
	return n
}

func (d *Dispatcher) fail(name string, errno abi.Errno) {
	d.errors.WithLabelValues(name, errnoName(errno)).Inc()
}

func errnoName(errno abi.Errno) string {
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return strconv.Itoa(int(errno))
}
