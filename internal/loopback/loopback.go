// Package loopback virtualizes the loopback addresses seen by guests.
//
// Guests sharing the host network each get a private alias address on the
// host loopback device. Addresses that a guest uses to reach its own services
// are rewritten ("morphed") to that alias before they reach a real socket, and
// the addresses reported back to the guest are rewritten in the other
// direction.
package loopback

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/stealthrocket/sockproxy/internal/ipam"
	"github.com/stealthrocket/sockproxy/internal/network"
)

var (
	ErrNoAlias     = errors.New("no loopback alias available")
	ErrInvalidAddr = errors.New("invalid loopback address")
)

var (
	DefaultNetwork   = netip.MustParsePrefix("127.0.1.0/24")
	DefaultCanonical = netip.MustParseAddr("127.0.0.2")

	genericIPv4 = netip.MustParseAddr("127.0.0.1")
	genericIPv6 = netip.IPv6Loopback()
)

// Provisioner installs alias addresses on the host loopback device.
type Provisioner interface {
	AddAlias(addr netip.Addr) error
	RemoveAlias(addr netip.Addr) error
}

// NopProvisioner is used when aliases are managed outside of the proxy (or do
// not need to exist, 127.0.0.0/8 is routed to the loopback device on Linux).
type NopProvisioner struct{}

func (NopProvisioner) AddAlias(netip.Addr) error    { return nil }
func (NopProvisioner) RemoveAlias(netip.Addr) error { return nil }

type Config struct {
	Network     netip.Prefix
	Canonical   netip.Addr
	Provisioner Provisioner
}

// Table is the fixed-size table of loopback aliases. Each allocated entry
// carries a bitmap of the UDP ports bound on the alias.
type Table struct {
	prefix      netip.Prefix
	canonical   netip.Addr
	provisioner Provisioner

	mutex sync.Mutex
	pool  *ipam.IPv4Pool
	ports map[ipam.IPv4]*ipam.Bitset
}

func NewTable(config Config) (*Table, error) {
	if !config.Network.IsValid() {
		config.Network = DefaultNetwork
	}
	if !config.Canonical.IsValid() {
		config.Canonical = DefaultCanonical
	}
	if config.Provisioner == nil {
		config.Provisioner = NopProvisioner{}
	}

	prefix := config.Network.Masked()
	if !prefix.Addr().Is4() || !prefix.Addr().IsLoopback() || prefix.Bits() < 8 || prefix.Bits() > 30 {
		return nil, fmt.Errorf("loopback network %s: %w", config.Network, ErrInvalidAddr)
	}
	canonical := config.Canonical.Unmap()
	if !canonical.Is4() || !canonical.IsLoopback() || canonical == genericIPv4 {
		return nil, fmt.Errorf("canonical address %s: %w", config.Canonical, ErrInvalidAddr)
	}

	t := &Table{
		prefix:      prefix,
		canonical:   canonical,
		provisioner: config.Provisioner,
		pool:        ipam.NewIPv4Pool(prefix.Addr().As4(), prefix.Bits()),
		ports:       make(map[ipam.IPv4]*ipam.Bitset),
	}
	t.pool.Reserve(prefix.Addr().As4())
	t.pool.Reserve(canonical.As4())
	t.pool.Reserve(genericIPv4.As4())
	return t, nil
}

func (t *Table) Network() netip.Prefix { return t.prefix }

func (t *Table) Canonical() netip.Addr { return t.canonical }

// Allocate takes a free alias, provisions it on the host, and returns it.
func (t *Table) Allocate() (netip.Addr, error) {
	t.mutex.Lock()
	ip, ok := t.pool.Get()
	if ok {
		t.ports[ip] = new(ipam.Bitset)
	}
	t.mutex.Unlock()

	if !ok {
		return netip.Addr{}, fmt.Errorf("%s: %w", t.prefix, ErrNoAlias)
	}

	if err := t.provisioner.AddAlias(ip.Addr()); err != nil {
		t.release(ip)
		return netip.Addr{}, fmt.Errorf("provisioning loopback alias %s: %w", ip, err)
	}
	return ip.Addr(), nil
}

// Free removes the alias from the host and returns it to the table. Freeing an
// alias which is not allocated is a no-op.
func (t *Table) Free(addr netip.Addr) error {
	ip, ok := t.allocated(addr)
	if !ok {
		return nil
	}
	err := t.provisioner.RemoveAlias(addr)
	t.release(ip)
	if err != nil {
		return fmt.Errorf("removing loopback alias %s: %w", addr, err)
	}
	return nil
}

func (t *Table) allocated(addr netip.Addr) (ipam.IPv4, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return ipam.IPv4{}, false
	}
	ip := ipam.IPv4(addr.As4())
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.ports[ip]
	return ip, ok
}

func (t *Table) release(ip ipam.IPv4) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if _, ok := t.ports[ip]; ok {
		delete(t.ports, ip)
		t.pool.Put(ip)
	}
}

// Len returns the number of allocated aliases.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.ports)
}

// IsAlias reports whether addr is an alias currently allocated by the table.
func (t *Table) IsAlias(addr netip.Addr) bool {
	_, ok := t.allocated(addr)
	return ok
}

// ReservePort records that a UDP socket is bound to port on the alias. The
// method fails with EADDRINUSE if the port was already reserved.
func (t *Table) ReservePort(alias netip.Addr, port uint16) error {
	alias = alias.Unmap()
	if !alias.Is4() {
		return network.EINVAL
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	ports, ok := t.ports[alias.As4()]
	if !ok {
		return network.EADDRNOTAVAIL
	}
	if ports.Has(int(port)) {
		return network.EADDRINUSE
	}
	ports.Set(int(port))
	return nil
}

// ReleasePort clears a port reservation made by ReservePort.
func (t *Table) ReleasePort(alias netip.Addr, port uint16) {
	alias = alias.Unmap()
	if !alias.Is4() {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if ports, ok := t.ports[alias.As4()]; ok {
		ports.Unset(int(port))
	}
}

// Entry is a snapshot of an allocated alias.
type Entry struct {
	Alias netip.Addr
	Ports int
}

func (t *Table) Entries() []Entry {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	entries := make([]Entry, 0, len(t.ports))
	for ip, ports := range t.ports {
		entries = append(entries, Entry{Alias: ip.Addr(), Ports: ports.Len()})
	}
	return entries
}
