package network

import (
	"sync/atomic"
)

// socketFD guards a file descriptor against being closed (and reused by the
// kernel) while a syscall still uses it. Closing marks the descriptor invalid,
// the last in-flight user closes it for real.
type socketFD struct {
	state atomic.Uint64 // upper 32 bits: refCount, lower 32 bits: fd
}

const fdMask = 0xFFFFFFFF

func (s *socketFD) init(fd int) {
	s.state.Store(uint64(fd & fdMask))
}

func (s *socketFD) load() int {
	return int(int32(s.state.Load()))
}

func (s *socketFD) refCount() int {
	return int(s.state.Load() >> 32)
}

func (s *socketFD) acquire() int {
	for {
		oldState := s.state.Load()
		if int32(oldState) < 0 {
			return -1
		}
		newState := (((oldState >> 32) + 1) << 32) | (oldState & fdMask)
		if s.state.CompareAndSwap(oldState, newState) {
			return int(int32(oldState))
		}
	}
}

func (s *socketFD) releaseFunc(fd int, closeFD func(int)) {
	for {
		oldState := s.state.Load()
		refCount := (oldState >> 32) - 1
		newState := (refCount << 32) | (oldState & fdMask)

		if s.state.CompareAndSwap(oldState, newState) {
			if int32(oldState) < 0 && refCount == 0 {
				closeFD(fd)
			}
			return
		}
	}
}

func (s *socketFD) closeFunc(closeFD func(int)) {
	for {
		oldState := s.state.Load()
		fd := int32(oldState)
		if fd < 0 {
			return
		}
		if s.state.CompareAndSwap(oldState, oldState|fdMask) {
			// With users in flight, the last release closes the descriptor.
			if oldState>>32 == 0 {
				closeFD(int(fd))
			}
			return
		}
	}
}
