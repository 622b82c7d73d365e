package task

import (
	"errors"
	"io/fs"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/handle"
	"tractor.dev/cooper/handle/socket"
)

const sockFlags = abi.SOCK_NONBLOCK | abi.SOCK_CLOEXEC

func (t *Task) socketFile(fd int) (*handle.File, handle.Socket, error) {
	f, err := t.fds.Get(fd)
	if err != nil {
		return nil, nil, err
	}
	s, err := handle.AsSocket(f.Handle)
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

func (t *Task) newSocketFile(s handle.Socket, flags int) *handle.File {
	f := handle.NewFile(s, abi.O_RDWR|flags&abi.O_NONBLOCK, "")
	t.k.anon("socket", fs.ModeSocket|0777, f)
	return f
}

func checkSocketType(family, typ int) (int, error) {
	switch family {
	case abi.AF_UNIX, abi.AF_INET, abi.AF_INET6:
	default:
		return 0, abi.EOPNOTSUPP
	}
	if typ&^sockFlags != abi.SOCK_STREAM {
		return 0, abi.EINVAL
	}
	return typ & sockFlags, nil
}

func (t *Task) Socket(family, typ, proto int) (int, error) {
	flags, err := checkSocketType(family, typ)
	if err != nil {
		return -1, err
	}
	if proto != 0 {
		return -1, abi.EOPNOTSUPP
	}
	s, err := t.k.net.Socket(family)
	if err != nil {
		return -1, err
	}
	return t.install(t.newSocketFile(s, flags), flags&abi.SOCK_CLOEXEC != 0)
}

// Socketpair returns two connected sockets.
func (t *Task) Socketpair(family, typ, proto int) ([2]int, error) {
	fds := [2]int{-1, -1}
	flags, err := checkSocketType(family, typ)
	if err != nil {
		return fds, err
	}
	if proto != 0 {
		return fds, abi.EOPNOTSUPP
	}
	a, b, err := t.k.net.Pair(family)
	if err != nil {
		return fds, err
	}
	af, bf := t.newSocketFile(a, flags), t.newSocketFile(b, flags)
	cloexec := flags&abi.SOCK_CLOEXEC != 0
	if fds[0], err = t.install(af, cloexec); err != nil {
		bf.Unref()
		return fds, err
	}
	if fds[1], err = t.install(bf, cloexec); err != nil {
		t.fds.Close(fds[0])
		fds[0] = -1
		return fds, err
	}
	return fds, nil
}

func (t *Task) Bind(fd int, addr string) error {
	_, s, err := t.socketFile(fd)
	if err != nil {
		return err
	}
	return s.Bind(addr)
}

func (t *Task) Listen(fd, backlog int) error {
	_, s, err := t.socketFile(fd)
	if err != nil {
		return err
	}
	if backlog <= 0 {
		backlog = 1
	}
	return s.Listen(backlog)
}

// Accept4 waits for a connection on a listening socket.
func (t *Task) Accept4(fd, flags int) (int, string, error) {
	if flags&^sockFlags != 0 {
		return -1, "", abi.EINVAL
	}
	f, s, err := t.socketFile(fd)
	if err != nil {
		return -1, "", err
	}
	var c handle.Socket
	_, err = t.blocking(f, func() (int, error) {
		var err error
		c, err = s.Accept(t.ctx)
		return 0, err
	})
	if err != nil {
		return -1, "", err
	}
	nfd, err := t.install(t.newSocketFile(c, flags), flags&abi.SOCK_CLOEXEC != 0)
	if err != nil {
		return -1, "", err
	}
	return nfd, c.RemoteAddr(), nil
}

// Connect connects to addr. When nothing listens there but an app is
// registered under the name, the app is started with the server end of
// the connection as its standard descriptors.
func (t *Task) Connect(fd int, addr string) error {
	_, s, err := t.socketFile(fd)
	if err != nil {
		return err
	}
	err = s.Connect(t.ctx, addr)
	if !errors.Is(err, abi.ECONNREFUSED) || t.k.apps == nil {
		return err
	}
	target, ok := t.k.apps.Target(addr)
	if !ok {
		return err
	}
	ss, ok := s.(*socket.Socket)
	if !ok {
		return err
	}
	return t.answer(ss, addr, target)
}

func (t *Task) answer(s *socket.Socket, addr, target string) error {
	k := t.k
	server, err := k.net.Answer(s, addr)
	if err != nil {
		return err
	}
	sf := t.newSocketFile(server, 0)
	defer sf.Unref()
	_, err = k.Spawn(Attr{
		Path:  target,
		Argv:  []string{target, addr},
		Files: []*handle.File{sf, sf, sf},
	})
	if err != nil {
		t.log.Debug("app start", "addr", addr, "target", target, "err", err)
		return abi.ECONNREFUSED
	}
	t.log.Debug("app start", "addr", addr, "target", target)
	return nil
}

func (t *Task) Getsockname(fd int) (string, error) {
	_, s, err := t.socketFile(fd)
	if err != nil {
		return "", err
	}
	return s.LocalAddr(), nil
}

func (t *Task) Getpeername(fd int) (string, error) {
	_, s, err := t.socketFile(fd)
	if err != nil {
		return "", err
	}
	if s.RemoteAddr() == "" {
		return "", abi.ENOTCONN
	}
	return s.RemoteAddr(), nil
}

func (t *Task) Shutdown(fd, how int) error {
	_, s, err := t.socketFile(fd)
	if err != nil {
		return err
	}
	return s.Shutdown(how)
}
