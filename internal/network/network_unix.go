package network

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	EADDRINUSE    = unix.EADDRINUSE
	EADDRNOTAVAIL = unix.EADDRNOTAVAIL
	EAFNOSUPPORT  = unix.EAFNOSUPPORT
	EAGAIN        = unix.EAGAIN
	EBADF         = unix.EBADF
	ECONNABORTED  = unix.ECONNABORTED
	ECONNREFUSED  = unix.ECONNREFUSED
	ECONNRESET    = unix.ECONNRESET
	EHOSTUNREACH  = unix.EHOSTUNREACH
	EINVAL        = unix.EINVAL
	EINTR         = unix.EINTR
	EINPROGRESS   = unix.EINPROGRESS
	EISCONN       = unix.EISCONN
	ENETUNREACH   = unix.ENETUNREACH
	ENOBUFS       = unix.ENOBUFS
	ENOPROTOOPT   = unix.ENOPROTOOPT
	ENOSYS        = unix.ENOSYS
	ENOTCONN      = unix.ENOTCONN
	EOPNOTSUPP    = unix.EOPNOTSUPP
	EPIPE         = unix.EPIPE
)

const (
	UNIX  Family = unix.AF_UNIX
	INET  Family = unix.AF_INET
	INET6 Family = unix.AF_INET6
)

const (
	STREAM Socktype = unix.SOCK_STREAM
	DGRAM  Socktype = unix.SOCK_DGRAM
)

const (
	TRUNC    = unix.MSG_TRUNC
	PEEK     = unix.MSG_PEEK
	NOSIGNAL = unix.MSG_NOSIGNAL
)

const (
	SHUTRD = unix.SHUT_RD
	SHUTWR = unix.SHUT_WR
)

type Sockaddr = unix.Sockaddr
type SockaddrInet4 = unix.SockaddrInet4
type SockaddrInet6 = unix.SockaddrInet6

// Syscalls interrupted by a signal before doing any work are retried, the
// callers of this package never see EINTR.
func ignoreEINTR(f func() error) error {
	for {
		if err := f(); err != EINTR {
			return err
		}
	}
}

func ignoreEINTR2[F func() (R, error), R any](f F) (R, error) {
	for {
		v, err := f()
		if err != EINTR {
			return v, err
		}
	}
}

func WaitReadyRead(socket Socket, timeout time.Duration) error {
	return wait(socket, unix.POLLIN, timeout)
}

func WaitReadyWrite(socket Socket, timeout time.Duration) error {
	return wait(socket, unix.POLLOUT, timeout)
}

func wait(socket Socket, events int16, timeout time.Duration) error {
	tms := int(timeout / time.Millisecond)
	pfd := []unix.PollFd{{
		Fd:     int32(socket.Fd()),
		Events: events,
	}}
	return ignoreEINTR(func() error {
		_, err := unix.Poll(pfd, tms)
		return err
	})
}

const (
	SOL_SOCKET  = unix.SOL_SOCKET
	SO_ERROR    = unix.SO_ERROR
	IPPROTO_TCP = unix.IPPROTO_TCP
	TCP_NODELAY = unix.TCP_NODELAY
	TCP_CORK    = unix.TCP_CORK
)
