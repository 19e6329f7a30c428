// Package network wraps the host sockets that the proxy drives on behalf of
// guests, the isolation contexts those sockets are created in, and the
// readiness poller which notifies the proxy when sockets can make progress.
package network

import (
	"errors"
	"net/netip"
)

var (
	ErrNamespaceClosed = errors.New("network namespace closed")
	ErrPollerClosed    = errors.New("poller closed")
)

// Socket is a non-blocking host socket. All methods are safe to call
// concurrently, and fail with EBADF once the socket was closed.
type Socket interface {
	Family() Family

	Type() Socktype

	Fd() int

	Close() error

	Bind(addr Sockaddr) error

	Listen(backlog int) error

	Connect(addr Sockaddr) error

	// Disconnect removes the peer association of a connected datagram socket.
	Disconnect() error

	Accept() (Socket, Sockaddr, error)

	Name() (Sockaddr, error)

	Peer() (Sockaddr, error)

	RecvFrom(iovs [][]byte, flags int) (n, rflags int, addr Sockaddr, err error)

	SendTo(iovs [][]byte, addr Sockaddr, flags int) (int, error)

	Shutdown(how int) error

	SetOptInt(level, name, value int) error

	GetOptInt(level, name int) (int, error)

	SetOptBytes(level, name int, value []byte) error

	// Error returns and clears the pending error of the socket (SO_ERROR).
	Error() error
}

type Socktype uint8

type Family uint8

func (f Family) String() string {
	switch f {
	case UNIX:
		return "UNIX"
	case INET:
		return "INET"
	case INET6:
		return "INET6"
	default:
		return "UNSPEC"
	}
}

type Protocol uint16

const (
	UNSPEC Protocol = 0
	TCP    Protocol = 6
	UDP    Protocol = 17
)

// Namespace is an isolation context in which sockets are created.
type Namespace interface {
	Socket(family Family, socktype Socktype, protocol Protocol) (Socket, error)

	String() string
}

func SockaddrFamily(sa Sockaddr) Family {
	switch sa.(type) {
	case *SockaddrInet4:
		return INET
	case *SockaddrInet6:
		return INET6
	default:
		return UNIX
	}
}

func SockaddrAddrPort(sa Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

// SockaddrFromAddrPort converts addrPort to a socket address of the given
// family. IPv4 addresses are written in their v4-mapped form when the family
// is INET6, and v4-mapped addresses are unmapped when the family is INET.
func SockaddrFromAddrPort(family Family, addrPort netip.AddrPort) (Sockaddr, error) {
	addr, port := addrPort.Addr(), int(addrPort.Port())
	switch family {
	case INET:
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, EAFNOSUPPORT
		}
		return &SockaddrInet4{Addr: addr.As4(), Port: port}, nil
	case INET6:
		return &SockaddrInet6{Addr: addr.As16(), Port: port}, nil
	default:
		return nil, EAFNOSUPPORT
	}
}
