package proxy

import (
	"net/netip"

	"golang.org/x/exp/maps"

	"github.com/stealthrocket/sockproxy/internal/loopback"
	"github.com/stealthrocket/sockproxy/internal/network"
)

// Names of the partitions that every channel has.
const (
	Unbound  = "unbound"
	DeathRow = "death-row"
	Loopback = "loopback"
)

// Interface is a partition of the sockets of a channel. Every socket is member
// of exactly one interface at any time: the unbound partition after creation,
// the interface of its local address once bound, and death-row once released.
type Interface struct {
	name    string
	family  network.Family
	prefix  netip.Prefix
	channel *Channel
	members map[uint64]*Socket
}

func (iface *Interface) Name() string           { return iface.name }
func (iface *Interface) Family() network.Family { return iface.family }
func (iface *Interface) Prefix() netip.Prefix   { return iface.prefix }
func (iface *Interface) Len() int               { return len(iface.members) }

func (iface *Interface) fixed() bool {
	switch iface.name {
	case Unbound, DeathRow, Loopback:
		return true
	}
	return false
}

// interfaceName returns the name of the interface that a socket bound to addr
// is a member of.
func interfaceName(addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		return "inet:" + addr.Unmap().String()
	}
	return "inet6:" + addr.String()
}

func (ch *Channel) initInterfaces() {
	ch.interfaces = make(map[string]*Interface)
	ch.unbound = ch.addInterface(Unbound, 0, netip.Prefix{})
	ch.deathRow = ch.addInterface(DeathRow, 0, netip.Prefix{})
	ch.loopback = ch.addInterface(Loopback, network.INET, ch.proxy.loopback.Network())
}

// AddInterface creates the interface named name, or returns the existing one.
func (ch *Channel) AddInterface(name string, family network.Family, prefix netip.Prefix) *Interface {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.addInterface(name, family, prefix)
}

func (ch *Channel) addInterface(name string, family network.Family, prefix netip.Prefix) *Interface {
	if iface, ok := ch.interfaces[name]; ok {
		return iface
	}
	iface := &Interface{
		name:    name,
		family:  family,
		prefix:  prefix,
		channel: ch,
		members: make(map[uint64]*Socket),
	}
	ch.interfaces[name] = iface
	return iface
}

func (ch *Channel) FindInterface(name string) *Interface {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.interfaces[name]
}

// RemoveInterface removes an empty interface. Fixed interfaces and interfaces
// which still have members are never removed.
func (ch *Channel) RemoveInterface(name string) bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.removeInterface(name)
}

func (ch *Channel) removeInterface(name string) bool {
	iface, ok := ch.interfaces[name]
	if !ok || iface.fixed() || len(iface.members) != 0 {
		return false
	}
	delete(ch.interfaces, name)
	return true
}

// Interfaces returns the names of the interfaces of the channel.
func (ch *Channel) Interfaces() []string {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return maps.Keys(ch.interfaces)
}

// AddSocket moves s to iface. The socket leaves its previous interface and
// joins the new one under the same critical section, so a concurrent teardown
// never observes it in zero or two partitions.
func (ch *Channel) AddSocket(iface *Interface, s *Socket) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.addSocket(iface, s)
}

func (ch *Channel) addSocket(iface *Interface, s *Socket) {
	ch.removeSocket(s)
	iface.members[s.id] = s
	s.iface = iface
}

// RemoveSocket detaches s from its interface.
func (ch *Channel) RemoveSocket(s *Socket) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.removeSocket(s)
	if o, ok := ch.origins[s.aliasPort]; ok && o.socket == s.id {
		delete(ch.origins, s.aliasPort)
	}
	s.aliasPort = aliasPort{}
}

func (ch *Channel) removeSocket(s *Socket) {
	if prev := s.iface; prev != nil {
		delete(prev.members, s.id)
		s.iface = nil
		if len(prev.members) == 0 {
			ch.removeInterface(prev.name)
		}
	}
}

// bindInterface moves s to the interface matching its local address.
func (ch *Channel) bindInterface(s *Socket, local netip.AddrPort, alias bool) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if s.iface == ch.deathRow || s.iface == nil {
		return
	}
	if alias {
		ch.addSocket(ch.loopback, s)
		return
	}
	addr := local.Addr()
	family := network.INET6
	bits := 128
	if addr.Is4() || addr.Is4In6() {
		addr, family, bits = addr.Unmap(), network.INET, 32
	}
	iface := ch.addInterface(interfaceName(addr), family, netip.PrefixFrom(addr, bits))
	ch.addSocket(iface, s)
}

// aliasPort is a port of the loopback alias of the channel.
type aliasPort struct {
	socktype network.Socktype
	port     uint16
}

type origin struct {
	socket uint64
	kind   loopback.Kind
}

// setOrigin records the kind of address the guest gave when binding s to port
// on the alias.
func (ch *Channel) setOrigin(s *Socket, port uint16, kind loopback.Kind) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if s.iface == ch.deathRow || s.iface == nil {
		return
	}
	key := aliasPort{socktype: s.socktype, port: port}
	ch.origins[key] = origin{socket: s.id, kind: kind}
	s.aliasPort = key
}

// peerOrigin returns the kind of address the socket bound to port on the alias
// was bound with. Ports which are not bound by a socket of the channel are
// reported as canonical.
func (ch *Channel) peerOrigin(socktype network.Socktype, port uint16) loopback.Kind {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if o, ok := ch.origins[aliasPort{socktype: socktype, port: port}]; ok {
		return o.kind
	}
	return loopback.Canonical
}
