package loopback_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stealthrocket/sockproxy/internal/assert"
	"github.com/stealthrocket/sockproxy/internal/loopback"
	"github.com/stealthrocket/sockproxy/internal/network"
)

type recordingProvisioner struct {
	aliases map[netip.Addr]bool
	fail    error
}

func (p *recordingProvisioner) AddAlias(addr netip.Addr) error {
	if p.fail != nil {
		return p.fail
	}
	p.aliases[addr] = true
	return nil
}

func (p *recordingProvisioner) RemoveAlias(addr netip.Addr) error {
	delete(p.aliases, addr)
	return nil
}

func newTable(t *testing.T, prefix string) (*loopback.Table, *recordingProvisioner) {
	p := &recordingProvisioner{aliases: make(map[netip.Addr]bool)}
	table, err := loopback.NewTable(loopback.Config{
		Network:     netip.MustParsePrefix(prefix),
		Provisioner: p,
	})
	assert.OK(t, err)
	return table, p
}

func TestTableAllocate(t *testing.T) {
	table, p := newTable(t, "127.0.1.0/30")

	// The network address is never handed out.
	a1, err := table.Allocate()
	assert.OK(t, err)
	assert.Equal(t, a1, netip.MustParseAddr("127.0.1.1"))
	assert.True(t, p.aliases[a1])

	a2, err := table.Allocate()
	assert.OK(t, err)
	assert.Equal(t, a2, netip.MustParseAddr("127.0.1.2"))

	a3, err := table.Allocate()
	assert.OK(t, err)
	assert.Equal(t, a3, netip.MustParseAddr("127.0.1.3"))

	_, err = table.Allocate()
	assert.Error(t, err, loopback.ErrNoAlias)
	assert.Equal(t, table.Len(), 3)

	assert.OK(t, table.Free(a2))
	assert.OK(t, table.Free(a2))
	assert.False(t, p.aliases[a2])
	assert.False(t, table.IsAlias(a2))
	assert.True(t, table.IsAlias(a1))

	a4, err := table.Allocate()
	assert.OK(t, err)
	assert.Equal(t, a4, a2)
}

func TestTableCanonicalReserved(t *testing.T) {
	table, _ := newTable(t, "127.0.0.0/30")

	a, err := table.Allocate()
	assert.OK(t, err)
	// 127.0.0.0, 127.0.0.1, and 127.0.0.2 are reserved
	assert.Equal(t, a, netip.MustParseAddr("127.0.0.3"))

	_, err = table.Allocate()
	assert.Error(t, err, loopback.ErrNoAlias)
}

func TestTableProvisioningFailure(t *testing.T) {
	table, p := newTable(t, "127.0.1.0/24")
	failure := errors.New("permission denied")
	p.fail = failure

	_, err := table.Allocate()
	assert.Error(t, err, failure)
	assert.Equal(t, table.Len(), 0)
}

func TestTableInvalidConfig(t *testing.T) {
	_, err := loopback.NewTable(loopback.Config{Network: netip.MustParsePrefix("10.0.0.0/24")})
	assert.Error(t, err, loopback.ErrInvalidAddr)

	_, err = loopback.NewTable(loopback.Config{Canonical: netip.MustParseAddr("127.0.0.1")})
	assert.Error(t, err, loopback.ErrInvalidAddr)
}

func TestTablePorts(t *testing.T) {
	table, _ := newTable(t, "127.0.1.0/24")
	alias, err := table.Allocate()
	assert.OK(t, err)

	assert.OK(t, table.ReservePort(alias, 5353))
	assert.Error(t, table.ReservePort(alias, 5353), network.EADDRINUSE)
	assert.OK(t, table.ReservePort(alias, 5354))

	table.ReleasePort(alias, 5353)
	assert.OK(t, table.ReservePort(alias, 5353))

	entries := table.Entries()
	assert.Equal(t, len(entries), 1)
	assert.Equal(t, entries[0], loopback.Entry{Alias: alias, Ports: 2})

	assert.Error(t, table.ReservePort(netip.MustParseAddr("127.0.1.200"), 1), network.EADDRNOTAVAIL)
}

func TestMorph(t *testing.T) {
	table, _ := newTable(t, "127.0.1.0/24")
	alias := netip.MustParseAddr("127.0.1.7")

	shared := loopback.Context{Alias: alias}
	private := loopback.Context{Alias: alias, Private: true}

	tests := []struct {
		scenario string
		addr     string
		ctx      loopback.Context
		kind     loopback.Kind
		host     string
		toHost   bool
		error    error
	}{
		{
			scenario: "the canonical address becomes the alias",
			addr:     "127.0.0.2:80",
			ctx:      shared,
			kind:     loopback.Canonical,
			host:     "127.0.1.7:80",
		},

		{
			scenario: "the canonical address written as ipv6 becomes the alias",
			addr:     "[::ffff:127.0.0.2]:80",
			ctx:      shared,
			kind:     loopback.Canonical,
			host:     "127.0.1.7:80",
		},

		{
			scenario: "the canonical address moves private sockets to the host",
			addr:     "127.0.0.2:80",
			ctx:      private,
			kind:     loopback.Canonical,
			host:     "127.0.1.7:80",
			toHost:   true,
		},

		{
			scenario: "generic loopback becomes the alias in the shared context",
			addr:     "127.0.0.1:8080",
			ctx:      shared,
			kind:     loopback.Generic,
			host:     "127.0.1.7:8080",
		},

		{
			scenario: "generic ipv6 loopback becomes the alias in the shared context",
			addr:     "[::1]:8080",
			ctx:      shared,
			kind:     loopback.Generic,
			host:     "127.0.1.7:8080",
		},

		{
			scenario: "generic loopback is kept in a private context",
			addr:     "127.0.0.1:8080",
			ctx:      private,
			kind:     loopback.Generic,
			host:     "127.0.0.1:8080",
		},

		{
			scenario: "other loopback addresses are not available",
			addr:     "127.0.0.9:53",
			ctx:      shared,
			error:    network.EADDRNOTAVAIL,
		},

		{
			scenario: "the aliases of other channels are not available",
			addr:     "127.0.1.8:53",
			ctx:      shared,
			error:    network.EADDRNOTAVAIL,
		},

		{
			scenario: "external addresses are not rewritten",
			addr:     "10.0.0.1:443",
			ctx:      shared,
			kind:     loopback.External,
			host:     "10.0.0.1:443",
		},

		{
			scenario: "morphing requires an alias",
			addr:     "127.0.0.2:80",
			ctx:      loopback.Context{},
			error:    loopback.ErrNoAlias,
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			addr := netip.MustParseAddrPort(test.addr)
			m, err := table.Morph(addr, test.ctx)
			if test.error != nil {
				assert.Error(t, err, test.error)
				return
			}
			assert.OK(t, err)
			assert.Equal(t, m.Kind, test.kind)
			assert.Equal(t, m.Host, netip.MustParseAddrPort(test.host))
			assert.Equal(t, m.ToHost, test.toHost)
			assert.Equal(t, m.Original, addr)
		})
	}
}

func TestUnmorph(t *testing.T) {
	table, _ := newTable(t, "127.0.1.0/24")
	alias := netip.MustParseAddr("127.0.1.7")
	ctx := loopback.Context{Alias: alias}

	for _, addr := range []string{
		"127.0.0.2:80",
		"[::ffff:127.0.0.2]:80",
		"127.0.0.1:80",
		"[::1]:80",
		"10.0.0.1:80",
	} {
		original := netip.MustParseAddrPort(addr)
		m, err := table.Morph(original, ctx)
		assert.OK(t, err)

		// The host reports the bound address of ipv6 sockets in v4-mapped
		// form, both forms translate back to the original address.
		host := m.Host
		assert.Equal(t, m.Unmorph(host), original)
		mapped := netip.AddrPortFrom(netip.AddrFrom16(host.Addr().As16()), host.Port())
		if m.Morphed() {
			assert.Equal(t, m.Unmorph(mapped), original)
		}
	}

	// Peers connecting from the alias are reported as the canonical address.
	peer := netip.MustParseAddrPort("127.0.1.7:40000")
	assert.Equal(t, table.Unmorph(peer, alias, loopback.Canonical), netip.MustParseAddrPort("127.0.0.2:40000"))
	peer6 := netip.MustParseAddrPort("[::ffff:127.0.1.7]:40000")
	assert.Equal(t, table.Unmorph(peer6, alias, loopback.Canonical), netip.MustParseAddrPort("[::ffff:127.0.0.2]:40000"))

	// Unless they were bound on generic loopback.
	assert.Equal(t, table.Unmorph(peer, alias, loopback.Generic), netip.MustParseAddrPort("127.0.0.1:40000"))
	assert.Equal(t, table.Unmorph(peer6, alias, loopback.Generic), netip.MustParseAddrPort("[::ffff:127.0.0.1]:40000"))

	other := netip.MustParseAddrPort("10.1.1.1:1")
	assert.Equal(t, table.Unmorph(other, alias, loopback.Generic), other)
}
