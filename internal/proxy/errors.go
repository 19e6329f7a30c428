package proxy

import (
	"errors"
	"syscall"

	"github.com/stealthrocket/sockproxy/internal/loopback"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/packet"
)

var (
	// ErrStaleHandle is returned when a guest uses a handle which does not
	// designate a live socket of the channel.
	ErrStaleHandle = errors.New("stale socket handle")
	// ErrZombie is returned when writing to a channel which stopped serving.
	ErrZombie = errors.New("channel is a zombie")
	// ErrMalformed is returned when a guest sends a packet which cannot be
	// decoded or is inconsistent with the operation it carries.
	ErrMalformed = packet.ErrMalformed
	// ErrNoAlias is returned when the loopback alias table is exhausted.
	ErrNoAlias = loopback.ErrNoAlias
	// ErrNoPrivateContext is returned when switching a channel to private
	// mode while the proxy has no private isolation context.
	ErrNoPrivateContext = errors.New("no private isolation context configured")
	// ErrClosed is returned by Serve when the proxy is closed.
	ErrClosed = errors.New("proxy closed")
)

// errno converts err to the negative errno value sent to guests.
func errno(err error) int32 {
	if err == nil {
		return 0
	}
	var e syscall.Errno
	if errors.As(err, &e) {
		return -int32(e)
	}
	switch {
	case errors.Is(err, loopback.ErrNoAlias):
		return -int32(network.EADDRNOTAVAIL)
	case errors.Is(err, network.ErrNamespaceClosed):
		return -int32(network.ENETUNREACH)
	default:
		return -int32(network.EINVAL)
	}
}
