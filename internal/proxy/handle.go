package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Handles given to guests are the arena ids of sockets scrambled with a random
// per-channel mask. Decoding never dereferences the value, it only looks it up
// in the arena, so a forged handle can at worst designate another socket of the
// same channel.

func newHandleMask() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Errorf("reading random handle mask: %w", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Encode returns the handle of s in ch.
func (ch *Channel) Encode(s *Socket) uint64 {
	return s.id ^ ch.mask
}

// Decode returns the socket designated by handle, or ErrStaleHandle if the
// handle does not designate a live socket of the current channel instance.
func (ch *Channel) Decode(handle uint64) (*Socket, error) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.decode(handle)
}

func (ch *Channel) decode(handle uint64) (*Socket, error) {
	s, ok := ch.sockets[handle^ch.mask]
	if !ok || s.generation != ch.generation {
		return nil, fmt.Errorf("handle %#x: %w", handle, ErrStaleHandle)
	}
	return s, nil
}

// acquire decodes handle and returns the socket with a reference held.
func (ch *Channel) acquire(handle uint64) (*Socket, error) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	s, err := ch.decode(handle)
	if err != nil {
		return nil, err
	}
	if !s.tryRef() {
		return nil, fmt.Errorf("handle %#x: %w", handle, ErrStaleHandle)
	}
	return s, nil
}
