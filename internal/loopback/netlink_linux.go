package loopback

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkProvisioner adds and removes alias addresses on a link with netlink.
// The process needs CAP_NET_ADMIN.
type NetlinkProvisioner struct {
	Link string
}

func (p NetlinkProvisioner) link() (netlink.Link, error) {
	name := p.Link
	if name == "" {
		name = "lo"
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up link %q: %w", name, err)
	}
	return link, nil
}

func hostAddr(addr netip.Addr) *netlink.Addr {
	bits := addr.BitLen()
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(bits, bits),
		},
	}
}

func (p NetlinkProvisioner) AddAlias(addr netip.Addr) error {
	link, err := p.link()
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, hostAddr(addr)); err != nil && !errors.Is(err, unix.EEXIST) {
		return err
	}
	return nil
}

func (p NetlinkProvisioner) RemoveAlias(addr netip.Addr) error {
	link, err := p.link()
	if err != nil {
		return err
	}
	if err := netlink.AddrDel(link, hostAddr(addr)); err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
		return err
	}
	return nil
}
