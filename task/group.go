package task

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"tractor.dev/cooper/abi"
)

func (k *Kernel) joinGroup(p *Process) {
	g, ok := k.pgrps[p.pgid]
	if !ok {
		g = mapset.NewThreadUnsafeSet[int]()
		k.pgrps[p.pgid] = g
	}
	g.Add(p.pid)
	s, ok := k.sessions[p.sid]
	if !ok {
		s = mapset.NewThreadUnsafeSet[int]()
		k.sessions[p.sid] = s
	}
	s.Add(p.pgid)
}

func (k *Kernel) leaveGroup(p *Process) {
	g, ok := k.pgrps[p.pgid]
	if !ok {
		return
	}
	g.Remove(p.pid)
	if g.Cardinality() > 0 {
		return
	}
	delete(k.pgrps, p.pgid)
	if s, ok := k.sessions[p.sid]; ok {
		s.Remove(p.pgid)
		if s.Cardinality() == 0 {
			delete(k.sessions, p.sid)
		}
	}
}

// groupMembers returns the unreaped processes in group pgid by pid.
func (k *Kernel) groupMembers(pgid int) []*Process {
	g, ok := k.pgrps[pgid]
	if !ok {
		return nil
	}
	pids := g.ToSlice()
	sort.Ints(pids)
	var out []*Process
	for _, pid := range pids {
		if p, ok := k.procs[pid]; ok && p.stage < Released {
			out = append(out, p)
		}
	}
	return out
}

// Group returns the pids in process group pgid.
func (k *Kernel) Group(pgid int) []int {
	g, ok := k.pgrps[pgid]
	if !ok {
		return nil
	}
	pids := g.ToSlice()
	sort.Ints(pids)
	return pids
}

// sessionOf returns the session group pgid belongs to, or 0.
func (k *Kernel) sessionOf(pgid int) int {
	for sid, s := range k.sessions {
		if s.Contains(pgid) {
			return sid
		}
	}
	return 0
}

func (t *Task) lookupProcess(pid int) (*Process, error) {
	if pid == 0 {
		return t.proc, nil
	}
	p, ok := t.k.procs[pid]
	if !ok || p.stage == Released {
		return nil, abi.ESRCH
	}
	return p, nil
}

// Setpgid moves process pid (or the caller) into group pgid, creating
// the group when pgid equals the process id.
func (t *Task) Setpgid(pid, pgid int) error {
	if pgid < 0 {
		return abi.EINVAL
	}
	p, err := t.lookupProcess(pid)
	if err != nil {
		return err
	}
	if p != t.proc && p.parent != t.proc {
		return abi.ESRCH
	}
	if p.sid != t.proc.sid || p.sid == p.pid {
		return abi.EPERM
	}
	if pgid == 0 {
		pgid = p.pid
	}
	if pgid != p.pid {
		if _, ok := t.k.pgrps[pgid]; !ok || t.k.sessionOf(pgid) != p.sid {
			return abi.EPERM
		}
	}
	if pgid == p.pgid {
		return nil
	}
	t.k.leaveGroup(p)
	p.pgid = pgid
	t.k.joinGroup(p)
	return nil
}

func (t *Task) Getpgid(pid int) (int, error) {
	p, err := t.lookupProcess(pid)
	if err != nil {
		return 0, err
	}
	return p.pgid, nil
}

// Setsid makes the caller the leader of a new session and process
// group with no controlling terminal.
func (t *Task) Setsid() (int, error) {
	p := t.proc
	if _, ok := t.k.pgrps[p.pid]; ok {
		return 0, abi.EPERM
	}
	t.k.leaveGroup(p)
	p.sid, p.pgid, p.ctty = p.pid, p.pid, nil
	t.k.joinGroup(p)
	return p.sid, nil
}

func (t *Task) Getsid(pid int) (int, error) {
	p, err := t.lookupProcess(pid)
	if err != nil {
		return 0, err
	}
	return p.sid, nil
}

func (t *Task) Getpid() int { return t.proc.pid }
func (t *Task) Gettid() int { return t.tid }
func (t *Task) Getppid() int {
	return t.proc.PPID()
}
