package network

import (
	"golang.org/x/sys/unix"
)

type hostSocket struct {
	fd       socketFD
	family   Family
	socktype Socktype
}

func newHostSocket(fd int, family Family, socktype Socktype) *hostSocket {
	s := &hostSocket{family: family, socktype: socktype}
	s.fd.init(fd)
	return s
}

func (s *hostSocket) Family() Family {
	return s.family
}

func (s *hostSocket) Type() Socktype {
	return s.socktype
}

func (s *hostSocket) Fd() int {
	return s.fd.load()
}

func (s *hostSocket) Close() error {
	s.fd.close()
	return nil
}

// use runs f with the file descriptor of the socket, holding a reference so it
// cannot be closed while the syscall is in progress.
func (s *hostSocket) use(f func(fd int) error) error {
	fd := s.fd.acquire()
	if fd < 0 {
		return EBADF
	}
	defer s.fd.release(fd)
	return ignoreEINTR(func() error { return f(fd) })
}

func (s *hostSocket) Bind(addr Sockaddr) error {
	return s.use(func(fd int) error { return unix.Bind(fd, addr) })
}

func (s *hostSocket) Listen(backlog int) error {
	return s.use(func(fd int) error { return unix.Listen(fd, backlog) })
}

func (s *hostSocket) Connect(addr Sockaddr) error {
	return s.use(func(fd int) error { return unix.Connect(fd, addr) })
}

func (s *hostSocket) Accept() (Socket, Sockaddr, error) {
	var conn int
	var addr Sockaddr
	err := s.use(func(fd int) (err error) {
		conn, addr, err = unix.Accept4(fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return newHostSocket(conn, s.family, s.socktype), addr, nil
}

func (s *hostSocket) Name() (addr Sockaddr, err error) {
	err = s.use(func(fd int) (err error) {
		addr, err = unix.Getsockname(fd)
		return err
	})
	return addr, err
}

func (s *hostSocket) Peer() (addr Sockaddr, err error) {
	err = s.use(func(fd int) (err error) {
		addr, err = unix.Getpeername(fd)
		return err
	})
	return addr, err
}

func (s *hostSocket) RecvFrom(iovs [][]byte, flags int) (int, int, Sockaddr, error) {
	fd := s.fd.acquire()
	if fd < 0 {
		return -1, 0, nil, EBADF
	}
	defer s.fd.release(fd)
	for {
		n, _, rflags, addr, err := unix.RecvmsgBuffers(fd, iovs, nil, flags)
		if err == EINTR {
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, rflags, addr, err
	}
}

func (s *hostSocket) SendTo(iovs [][]byte, addr Sockaddr, flags int) (int, error) {
	fd := s.fd.acquire()
	if fd < 0 {
		return -1, EBADF
	}
	defer s.fd.release(fd)
	for {
		n, err := unix.SendmsgBuffers(fd, iovs, nil, addr, flags|NOSIGNAL)
		if err == EINTR {
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *hostSocket) Shutdown(how int) error {
	return s.use(func(fd int) error { return unix.Shutdown(fd, how) })
}

func (s *hostSocket) SetOptInt(level, name, value int) error {
	return s.use(func(fd int) error { return unix.SetsockoptInt(fd, level, name, value) })
}

func (s *hostSocket) GetOptInt(level, name int) (value int, err error) {
	err = s.use(func(fd int) (err error) {
		value, err = unix.GetsockoptInt(fd, level, name)
		return err
	})
	return value, err
}

func (s *hostSocket) SetOptBytes(level, name int, value []byte) error {
	return s.use(func(fd int) error { return unix.SetsockoptString(fd, level, name, string(value)) })
}

func (s *hostSocket) Error() error {
	errno, err := s.GetOptInt(unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
