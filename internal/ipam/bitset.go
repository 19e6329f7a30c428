package ipam

import "math/bits"

// Bitset is a growable set of small non-negative integers.
//
// The zero value is an empty set. Bitset values are not safe for concurrent
// use, callers must provide their own synchronization.
type Bitset struct {
	bits []uint64
}

// Clear removes all members of the set.
func (b *Bitset) Clear() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}

// Grow ensures that the set can hold members in the range [0:n) without
// allocating.
func (b *Bitset) Grow(n int) {
	if n = (n + 63) / 64; n > len(b.bits) {
		bits := make([]uint64, n)
		copy(bits, b.bits)
		b.bits = bits
	}
}

// Has reports whether i is a member of the set.
func (b *Bitset) Has(i int) bool {
	index := uint(i) / 64
	shift := uint(i) % 64
	if index >= uint(len(b.bits)) {
		return false
	}
	return (b.bits[index] & uint64(1<<shift)) != 0
}

// Set adds i to the set, growing it as needed.
func (b *Bitset) Set(i int) {
	b.Grow(i + 1)
	index := uint(i) / 64
	shift := uint(i) % 64
	b.bits[index] |= 1 << shift
}

// Unset removes i from the set.
func (b *Bitset) Unset(i int) {
	index := uint(i) / 64
	shift := uint(i) % 64
	if index < uint(len(b.bits)) {
		b.bits[index] &= ^uint64(1 << shift)
	}
}

// Len returns the number of members in the set.
func (b *Bitset) Len() int {
	n := 0
	for _, v := range b.bits {
		n += bits.OnesCount64(v)
	}
	return n
}

// FindFirstZeroBit returns the smallest integer that is not a member of the
// set.
func (b *Bitset) FindFirstZeroBit() int {
	for i, v := range b.bits {
		if v != ^uint64(0) {
			return 64*i + bits.TrailingZeros64(^v)
		}
	}
	return 64 * len(b.bits)
}
