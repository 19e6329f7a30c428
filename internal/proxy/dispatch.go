package proxy

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/stealthrocket/sockproxy/internal/loopback"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/packet"
)

const socktypeMask = 0xF

// dispatch runs the handler of a packet received from the guest. Handlers
// never block; an error returned by dispatch is a protocol violation after
// which the channel is torn down.
func (ch *Channel) dispatch(p *packet.Packet) error {
	switch p.Op {
	case packet.CREATE:
		ch.create(p)
		return nil
	case packet.IO:
		return ch.io(p)
	case packet.FLOW:
		ch.flow(p)
		return nil
	}

	s, err := ch.acquire(p.Handle)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Op, err)
	}
	defer s.unref()

	switch p.Op {
	case packet.RELEASE:
		s.release()
	case packet.BIND:
		return s.bind(p)
	case packet.LISTEN:
		s.listen(p)
	case packet.ACCEPT:
		s.accept(p)
	case packet.CONNECT:
		return s.connect(p)
	case packet.SHUTDOWN:
		s.shutdown(p)
	case packet.SETSOCKOPT:
		s.setsockopt(p)
	case packet.GETSOCKOPT:
		s.getsockopt(p)
	case packet.IOCTL:
		s.ioctl(p)
	}
	return nil
}

func (ch *Channel) create(p *packet.Packet) {
	family := network.Family(p.Scalar)
	socktype := network.Socktype(uint32(p.Ext[1]) & socktypeMask)
	protocol := network.Protocol(p.Ext[1] >> 32)

	s := ch.newSocket(p.Ext[0], family, socktype, protocol)

	var err error
	switch {
	case family != network.INET && family != network.INET6:
		err = network.EAFNOSUPPORT
	case socktype != network.STREAM && socktype != network.DGRAM:
		err = network.EINVAL
	default:
		ns, private := ch.namespace()
		err = s.open(ns, private)
	}

	o := s.reply(packet.CREATE, errno(err))
	s.mutex.Lock()
	if err != nil {
		ch.warnf(p.Ext[0], p.Op.String(), "creating %s socket: %v", family, err)
		s.failed = true
	} else {
		o.Ext[0] = ch.Encode(s)
	}
	s.readyLocked(packet.CREATE, o)
	s.mutex.Unlock()
	s.schedule()
}

// release is the first phase of RELEASE: the socket leaves the arena for
// death-row and loses its peer, the work unit completes the release.
func (s *Socket) release() {
	s.ch.evict(s)

	s.mutex.Lock()
	s.releasePeer = s.peer
	s.peer, s.peerSet = 0, false
	s.released = true
	s.pending |= 1 << packet.RELEASE
	s.mutex.Unlock()
	s.schedule()
}

func (s *Socket) bind(p *packet.Packet) error {
	addr, _, err := packet.ParseAddress(p.Payload, p.Ext[1])
	if err != nil {
		return fmt.Errorf("%s: %w", p.Op, err)
	}

	s.mutex.Lock()
	defer s.schedule()
	defer s.mutex.Unlock()

	local, err := s.bindLocked(addr)
	o := s.reply(packet.BIND, errno(err))
	if err == nil && p.Flags.Value()&packet.ValueWantAddress != 0 {
		reported := s.address(s.morph.Unmorph(local))
		if reported.AddrPort.Addr().Is4In6() {
			reported.IPv6 = addr.IPv6
		}
		o.Payload, o.Ext[1] = packet.AppendAddress(nil, reported)
	}
	s.readyLocked(packet.BIND, o)
	return nil
}

func (s *Socket) bindLocked(addr packet.Address) (local netip.AddrPort, err error) {
	if s.sock == nil {
		return local, network.EBADF
	}
	m, err := s.morphAddr(addr.AddrPort, s.private)
	if err != nil {
		return local, err
	}
	if m.ToHost {
		if err := s.moveToHostLocked(); err != nil {
			return local, err
		}
	}
	sa, err := network.SockaddrFromAddrPort(s.family, m.Host)
	if err != nil {
		return local, err
	}
	if err := s.sock.Bind(sa); err != nil {
		return local, err
	}
	name, err := s.sock.Name()
	if err != nil {
		return local, err
	}
	local = network.SockaddrAddrPort(name)
	s.boundLocked(packet.BIND, local, m)
	return local, nil
}

// boundLocked records the local address of a socket. Datagram sockets on the
// alias of the channel reserve their port in the loopback table.
func (s *Socket) boundLocked(op packet.Op, local netip.AddrPort, m loopback.Morph) {
	s.morph = m

	onAlias := m.Morphed() && s.isAlias(local.Addr())
	if onAlias && s.socktype == network.DGRAM {
		alias := local.Addr().Unmap()
		if err := s.ch.proxy.loopback.ReservePort(alias, local.Port()); err != nil {
			s.ch.warnf(s.ch.Encode(s), op.String(), "reserving port %d on %s: %v", local.Port(), alias, err)
		} else {
			s.portAlias, s.port = alias, local.Port()
		}
	}
	s.ch.bindInterface(s, local, onAlias)
	if onAlias {
		s.ch.setOrigin(s, local.Port(), m.Kind)
	}
}

func (s *Socket) listen(p *packet.Packet) {
	s.mutex.Lock()
	var err error
	if s.sock == nil {
		err = network.EBADF
	} else if err = s.sock.Listen(int(p.Scalar)); err == nil {
		s.listening = true
	}
	s.readyLocked(packet.LISTEN, s.reply(packet.LISTEN, errno(err)))
	s.mutex.Unlock()
	s.schedule()
}

// accept queues the handle the guest reserved for the next connection, the
// work unit accepts it once the listening socket is readable.
func (s *Socket) accept(p *packet.Packet) {
	s.mutex.Lock()
	s.accepts = append(s.accepts, p.Ext[0])
	s.pending |= 1 << packet.ACCEPT
	s.mutex.Unlock()
	s.schedule()
}

func (s *Socket) connect(p *packet.Packet) error {
	s.mutex.Lock()
	defer s.schedule()
	defer s.mutex.Unlock()

	if s.sock == nil {
		s.readyLocked(packet.CONNECT, s.reply(packet.CONNECT, errno(network.EBADF)))
		return nil
	}

	if len(p.Payload) == 0 {
		err := s.sock.Disconnect()
		if err == nil {
			s.connected = false
			s.connMorph = loopback.Morph{}
		}
		s.readyLocked(packet.CONNECT, s.reply(packet.CONNECT, errno(err)))
		return nil
	}

	addr, _, err := packet.ParseAddress(p.Payload, p.Ext[1])
	if err != nil {
		return fmt.Errorf("%s: %w", p.Op, err)
	}

	err = s.connectLocked(addr)
	switch err {
	case nil:
		s.settleConnectLocked()
	case network.EINPROGRESS:
		s.connecting = true
		s.pending |= 1 << packet.CONNECT
		return nil
	}
	s.readyLocked(packet.CONNECT, s.reply(packet.CONNECT, errno(err)))
	return nil
}

func (s *Socket) connectLocked(addr packet.Address) error {
	m, err := s.morphAddr(addr.AddrPort, s.private)
	if err != nil {
		return err
	}
	if m.ToHost {
		if err := s.moveToHostLocked(); err != nil {
			return err
		}
	}
	if s.socktype == network.DGRAM && m.Morphed() && s.isAlias(m.Host.Addr()) {
		if err := s.bindAliasLocked(packet.CONNECT, m); err != nil {
			return err
		}
	}
	sa, err := network.SockaddrFromAddrPort(s.family, m.Host)
	if err != nil {
		return err
	}
	s.connMorph = m
	return s.sock.Connect(sa)
}

// bindAliasLocked binds an unbound datagram socket to the alias of the channel
// before it talks to it, otherwise the host would pick 127.0.0.1 as source.
func (s *Socket) bindAliasLocked(op packet.Op, m loopback.Morph) error {
	name, err := s.sock.Name()
	if err != nil {
		return err
	}
	if network.SockaddrAddrPort(name).Port() != 0 {
		return nil
	}
	local := netip.AddrPortFrom(m.Host.Addr(), 0)
	sa, err := network.SockaddrFromAddrPort(s.family, local)
	if err != nil {
		return err
	}
	if err := s.sock.Bind(sa); err != nil {
		return err
	}
	if name, err = s.sock.Name(); err != nil {
		return err
	}
	m.Original = netip.AddrPortFrom(m.Original.Addr(), 0)
	m.Host = local
	s.boundLocked(op, network.SockaddrAddrPort(name), m)
	return nil
}

// shutdown has no reply, errors are reported with the next FLOW. Shutting down
// the write side is deferred until the output queue is drained.
func (s *Socket) shutdown(p *packet.Packet) {
	var rd, wr bool
	switch p.Scalar {
	case 0:
		rd = true
	case 1:
		wr = true
	case 2:
		rd, wr = true, true
	default:
		s.setError(network.EINVAL)
		s.schedule()
		return
	}

	if rd {
		if sock := s.socket(); sock == nil {
			s.setError(network.EBADF)
		} else if err := sock.Shutdown(network.SHUTRD); err != nil {
			s.setError(err)
		}
	}
	if wr {
		s.shutWr.Store(true)
		s.outDepth.Add(1)
		s.pumpOutput()
	}
	s.schedule()
}

func (s *Socket) setsockopt(p *packet.Packet) {
	level, name := int(p.Ext[0]), int(p.Ext[1])

	s.mutex.Lock()
	defer s.schedule()
	defer s.mutex.Unlock()

	var err error
	switch {
	case level == network.IPPROTO_TCP && (name == network.TCP_NODELAY || name == network.TCP_CORK):
		if len(p.Payload) < 4 {
			err = network.EINVAL
			break
		}
		on := binary.LittleEndian.Uint32(p.Payload) != 0
		if name == network.TCP_NODELAY {
			s.nodelay.Store(on)
			if on {
				s.threshold = s.ch.tuning.ackFloor
			}
		} else {
			s.cork.Store(on)
		}
	case s.sock == nil:
		err = network.EBADF
	default:
		err = s.sock.SetOptBytes(level, name, p.Payload)
	}
	s.readyLocked(packet.SETSOCKOPT, s.reply(packet.SETSOCKOPT, errno(err)))
}

func (s *Socket) getsockopt(p *packet.Packet) {
	level, name := int(p.Ext[0]), int(p.Ext[1])

	s.mutex.Lock()
	defer s.schedule()
	defer s.mutex.Unlock()

	var value int
	var err error
	switch {
	case p.Scalar != 4:
		err = network.ENOPROTOOPT
	case level == network.IPPROTO_TCP && name == network.TCP_NODELAY:
		value = boolInt(s.nodelay.Load())
	case level == network.IPPROTO_TCP && name == network.TCP_CORK:
		value = boolInt(s.cork.Load())
	case level == network.SOL_SOCKET && name == network.SO_ERROR:
		value = int(-errno(s.lastErr))
		s.lastErr = nil
	case s.sock == nil:
		err = network.EBADF
	default:
		value, err = s.sock.GetOptInt(level, name)
	}

	o := s.reply(packet.GETSOCKOPT, errno(err))
	if err == nil {
		o.Payload = binary.LittleEndian.AppendUint32(nil, uint32(value))
	}
	s.readyLocked(packet.GETSOCKOPT, o)
}

func (s *Socket) ioctl(*packet.Packet) {
	s.mutex.Lock()
	s.readyLocked(packet.IOCTL, s.reply(packet.IOCTL, errno(network.EOPNOTSUPP)))
	s.mutex.Unlock()
	s.schedule()
}

// io writes data from the guest to a socket. Data sent to a handle which was
// released is discarded.
func (ch *Channel) io(p *packet.Packet) error {
	s, err := ch.acquire(p.Handle)
	if err != nil {
		ch.warnf(p.Handle, p.Op.String(), "discarding %d bytes: %v", len(p.Payload), err)
		return nil
	}
	defer s.unref()

	s.mutex.Lock()
	released := s.released
	private := s.private
	s.mutex.Unlock()
	if released {
		return nil
	}

	if s.socktype == network.STREAM {
		if len(p.Payload) != 0 {
			s.output(p.Payload, netip.AddrPort{})
		}
		s.schedule()
		return nil
	}

	addr, data, err := packet.ParseAddress(p.Payload, p.Ext[1])
	if err != nil {
		return fmt.Errorf("%s: %w", p.Op, err)
	}
	var dest netip.AddrPort
	if !addr.AddrPort.Addr().IsUnspecified() {
		m, err := s.morphAddr(addr.AddrPort, private)
		if err == nil && m.Morphed() && s.isAlias(m.Host.Addr()) {
			err = s.joinAlias(m)
		}
		if err != nil {
			s.setError(err)
			s.schedule()
			return nil
		}
		dest = m.Host
	}
	s.output(data, dest)
	s.schedule()
	return nil
}

// joinAlias prepares a datagram socket to send to the alias: the socket is
// bound to the alias if it was not bound yet, after being moved to the host
// namespace when it lives in a private context. Sockets already bound in the
// private context cannot reach the alias.
func (s *Socket) joinAlias(m loopback.Morph) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.sock == nil {
		return network.EBADF
	}
	if m.ToHost && s.private {
		name, err := s.sock.Name()
		if err != nil {
			return err
		}
		if network.SockaddrAddrPort(name).Port() != 0 {
			return network.EADDRNOTAVAIL
		}
		if err := s.moveToHostLocked(); err != nil {
			return err
		}
	}
	return s.bindAliasLocked(packet.IO, m)
}

// flow records how much data the guest consumed, and wakes up the socket.
func (ch *Channel) flow(p *packet.Packet) {
	s, err := ch.acquire(p.Handle)
	if err != nil {
		ch.warnf(p.Handle, p.Op.String(), "discarding flow update: %v", err)
		return
	}
	defer s.unref()

	if acked := p.Ext[0]; acked != packet.NoSize {
		for {
			cur := s.acked.Load()
			if acked <= cur || s.acked.CompareAndSwap(cur, acked) {
				break
			}
		}
	}
	s.schedule()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
