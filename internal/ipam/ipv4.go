package ipam

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
)

type IPv4 [4]byte

func (ip IPv4) String() string {
	return ip.Addr().String()
}

func (ip IPv4) Addr() netip.Addr {
	return netip.AddrFrom4(ip)
}

func (ip IPv4) add(n int) IPv4 {
	u := binary.BigEndian.Uint32(ip[:])
	u += uint32(n)
	binary.BigEndian.PutUint32(ip[:], u)
	return ip
}

func (ip IPv4) sub(sub IPv4) int {
	u := binary.BigEndian.Uint32(ip[:])
	v := binary.BigEndian.Uint32(sub[:])
	return int(int32(u - v))
}

func (ip IPv4) mask(n int) IPv4 {
	m := ^uint32(0) << uint(32-n)
	binary.BigEndian.PutUint32(ip[:], m)
	return ip
}

func (ip IPv4) prefix(mask IPv4) IPv4 {
	u := binary.LittleEndian.Uint32(ip[:])
	v := binary.LittleEndian.Uint32(mask[:])
	binary.LittleEndian.PutUint32(ip[:], u&v)
	return ip
}

// IPv4Pool hands out addresses of an IPv4 network, starting at the base
// address the pool was constructed with.
type IPv4Pool struct {
	mask IPv4
	addr IPv4
	base IPv4
	bits Bitset
}

func NewIPv4Pool(ip IPv4, nbits int) *IPv4Pool {
	p := new(IPv4Pool)
	p.Reset(ip, nbits)
	return p
}

func (p *IPv4Pool) String() string {
	u := binary.BigEndian.Uint32(p.mask[:])
	n := bits.TrailingZeros32(u)
	return fmt.Sprintf("%s/%d", p.base, 32-n)
}

func (p *IPv4Pool) Reset(ip IPv4, nbits int) {
	p.mask = ip.mask(nbits)
	p.addr = ip.prefix(p.mask)
	p.base = ip
	p.bits.Clear()
}

// Contains reports whether ip belongs to the network managed by the pool.
func (p *IPv4Pool) Contains(ip IPv4) bool {
	return ip.prefix(p.mask) == p.addr && ip.sub(p.base) >= 0
}

// Index returns the position of ip in the pool, or -1 if the address is not
// part of the pool.
func (p *IPv4Pool) Index(ip IPv4) int {
	if !p.Contains(ip) {
		return -1
	}
	return ip.sub(p.base)
}

// Get obtains the next free address, the boolean is false when the pool was
// exhausted.
func (p *IPv4Pool) Get() (IPv4, bool) {
	i := p.bits.FindFirstZeroBit()
	a := p.base.add(i)

	if a.prefix(p.mask) != p.addr {
		return a, false
	}

	p.bits.Set(i)
	return a, true
}

// Reserve marks ip as used so it is never returned by Get. The method returns
// false if the address was already in use or does not belong to the pool.
func (p *IPv4Pool) Reserve(ip IPv4) bool {
	i := p.Index(ip)
	if i < 0 || p.bits.Has(i) {
		return false
	}
	p.bits.Set(i)
	return true
}

// Has reports whether ip is currently allocated.
func (p *IPv4Pool) Has(ip IPv4) bool {
	i := p.Index(ip)
	return i >= 0 && p.bits.Has(i)
}

// Put returns ip to the pool. Returning an address that was not allocated is
// a no-op, the method reports whether the address was released.
func (p *IPv4Pool) Put(ip IPv4) bool {
	i := p.Index(ip)
	if i < 0 || !p.bits.Has(i) {
		return false
	}
	p.bits.Unset(i)
	return true
}

// Len returns the number of addresses currently allocated.
func (p *IPv4Pool) Len() int {
	return p.bits.Len()
}
