package network

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type hostNamespace struct{}

// Host returns the namespace of the proxy process itself.
func Host() Namespace { return hostNamespace{} }

func (hostNamespace) String() string { return "host" }

func (hostNamespace) Socket(family Family, socktype Socktype, protocol Protocol) (Socket, error) {
	fd, err := ignoreEINTR2(func() (int, error) {
		return unix.Socket(int(family), int(socktype)|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, int(protocol))
	})
	if err != nil {
		return nil, err
	}
	return newHostSocket(fd, family, socktype), nil
}

// Disconnect dissolves the association of a datagram socket with its peer by
// connecting it to an AF_UNSPEC address, which unix.Sockaddr cannot express.
func (s *hostSocket) Disconnect() error {
	return s.use(func(fd int) error {
		var addr unix.RawSockaddrAny
		_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&addr)), unsafe.Sizeof(addr.Addr))
		if errno != 0 {
			return errno
		}
		return nil
	})
}
