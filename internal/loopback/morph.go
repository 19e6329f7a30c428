package loopback

import (
	"net/netip"

	"github.com/stealthrocket/sockproxy/internal/network"
)

// Kind classifies the addresses seen by Morph.
type Kind uint8

const (
	// External addresses are not rewritten.
	External Kind = iota
	// Canonical is the well-known address guests use to reach services bound
	// on the proxy-side loopback alias.
	Canonical
	// Generic is 127.0.0.1 or ::1.
	Generic
)

func (k Kind) String() string {
	switch k {
	case Canonical:
		return "canonical"
	case Generic:
		return "generic"
	default:
		return "external"
	}
}

// Context describes where the socket of a morphed address lives.
type Context struct {
	// Alias is the loopback alias of the channel, the zero value if the
	// channel has none.
	Alias netip.Addr
	// Private is true when the socket lives in a private isolation context
	// rather than the shared host namespace.
	Private bool
}

// Morph is the record of an address rewrite, it is kept on the socket so that
// addresses reported by the host can be translated back.
type Morph struct {
	Kind     Kind
	Original netip.AddrPort
	Host     netip.AddrPort
	// ToHost is set when the socket must be moved from its private context
	// to the host namespace before using the address.
	ToHost bool
}

// Morphed reports whether the address was rewritten.
func (m Morph) Morphed() bool {
	return m.Original.Addr() != m.Host.Addr()
}

// Morph rewrites the address a guest passed to BIND or CONNECT into the one to
// use on the host:
//
//   - the canonical address becomes the alias of the channel
//   - generic loopback is kept in a private context, and becomes the alias in
//     the shared context
//   - any other loopback address fails with EADDRNOTAVAIL
func (t *Table) Morph(addr netip.AddrPort, ctx Context) (Morph, error) {
	m := Morph{Original: addr, Host: addr}
	ip := addr.Addr().Unmap()

	switch {
	case ip == t.canonical:
		m.Kind = Canonical
		m.ToHost = ctx.Private
	case ip == genericIPv4 || ip == genericIPv6:
		m.Kind = Generic
		if ctx.Private {
			return m, nil
		}
	case ip.IsLoopback():
		return m, network.EADDRNOTAVAIL
	default:
		return m, nil
	}

	if !ctx.Alias.IsValid() {
		return m, ErrNoAlias
	}
	m.Host = netip.AddrPortFrom(ctx.Alias, addr.Port())
	return m, nil
}

// Unmorph translates an address reported by the host (the bound name of a
// socket, or the source of a datagram) back to the form the guest knows.
func (m Morph) Unmorph(addr netip.AddrPort) netip.AddrPort {
	if m.Morphed() && addr.Addr().Unmap() == m.Host.Addr().Unmap() {
		return netip.AddrPortFrom(m.Original.Addr(), addr.Port())
	}
	return addr
}

// Unmorph translates a peer address seen by a socket of the channel which owns
// alias. Traffic coming from the alias is reported as coming from the address
// the peer was bound with: generic loopback when origin is Generic, the
// canonical address otherwise.
func (t *Table) Unmorph(addr netip.AddrPort, alias netip.Addr, origin Kind) netip.AddrPort {
	ip := addr.Addr()
	if alias.IsValid() && ip.Unmap() == alias {
		from := t.canonical
		if origin == Generic {
			from = genericIPv4
		}
		if ip.Is4In6() {
			from = netip.AddrFrom16(from.As16())
		}
		return netip.AddrPortFrom(from, addr.Port())
	}
	return addr
}
