package packet

import (
	"fmt"
	"net/netip"
)

// PseudoHeaderSize is the size of the address segment prepended to datagram
// payloads, and used by BIND, CONNECT and ACCEPT to carry addresses.
const PseudoHeaderSize = 16

const (
	portMask = 0xFFFF
	ipv6Bit  = 1 << 16
)

// Address is an IP address and port in the form exchanged with guests. The
// address always travels as 16 bytes in v4-mapped form; IPv6 records whether
// the guest wrote it as an IPv6 literal, so that the same form is reported
// back.
type Address struct {
	AddrPort netip.AddrPort
	IPv6     bool
}

func MakeAddress(addrPort netip.AddrPort) Address {
	return Address{AddrPort: addrPort, IPv6: addrPort.Addr().Is6()}
}

func (a Address) String() string {
	return a.AddrPort.String()
}

func (a Address) IsValid() bool {
	return a.AddrPort.IsValid()
}

// AppendAddress appends the 16 bytes pseudo-header of a to b and returns the
// value of the ext field carrying its port and literal form.
func AppendAddress(b []byte, a Address) ([]byte, uint64) {
	ip := a.AddrPort.Addr().As16()
	b = append(b, ip[:]...)
	ext := uint64(a.AddrPort.Port())
	if a.IPv6 {
		ext |= ipv6Bit
	}
	return b, ext
}

// ParseAddress decodes the pseudo-header at the front of b, with the ext
// field of the packet header, and returns the remaining bytes.
func ParseAddress(b []byte, ext uint64) (Address, []byte, error) {
	if len(b) < PseudoHeaderSize {
		return Address{}, b, fmt.Errorf("address segment of %d bytes: %w", len(b), ErrMalformed)
	}
	if ext&^(portMask|ipv6Bit) != 0 {
		return Address{}, b, fmt.Errorf("address ext field %#x: %w", ext, ErrMalformed)
	}
	addr := netip.AddrFrom16([16]byte(b[:PseudoHeaderSize]))
	a := Address{IPv6: ext&ipv6Bit != 0}
	if !a.IPv6 {
		if !addr.Is4In6() {
			return Address{}, b, fmt.Errorf("ipv4 address not in v4-mapped form: %w", ErrMalformed)
		}
		addr = addr.Unmap()
	}
	a.AddrPort = netip.AddrPortFrom(addr, uint16(ext&portMask))
	return a, b[PseudoHeaderSize:], nil
}
