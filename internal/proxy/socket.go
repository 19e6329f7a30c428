package proxy

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/stealthrocket/sockproxy/internal/buffer"
	"github.com/stealthrocket/sockproxy/internal/loopback"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/packet"
)

// Socket is the proxy side of a guest socket.
//
// The channel arena holds one reference, released by the second phase of
// RELEASE or by the channel teardown; work units and handlers hold one while
// they run. The real socket is closed when the last reference is dropped.
type Socket struct {
	id         uint64
	ch         *Channel
	generation uint64
	refs       atomic.Int32
	scheduled  atomic.Bool

	// guarded by ch.mutex
	iface     *Interface
	aliasPort aliasPort

	mutex       sync.Mutex
	peer        uint64
	peerSet     bool
	releasePeer uint64
	family      network.Family
	socktype    network.Socktype
	protocol    network.Protocol
	sock        network.Socket
	ns          network.Namespace
	private     bool
	token       network.Token
	registered  bool
	released    bool
	failed      bool
	pending     uint16
	replies     [packet.FLOW + 1][]*outgoing
	lastErr     error
	morph       loopback.Morph
	connMorph   loopback.Morph
	portAlias   netip.Addr
	port        uint16
	connecting  bool
	connected   bool
	listening   bool
	eof         bool
	accepts     []uint64
	children    []*Socket
	lastAcked   uint64
	threshold   uint64

	nodelay atomic.Bool
	cork    atomic.Bool
	shutWr  atomic.Bool

	out        sync.Mutex
	outDepth   atomic.Int32
	queueMutex sync.Mutex
	queue      *queue.Queue
	queued     atomic.Int64
	sent       atomic.Uint64

	in       sync.Mutex
	inDepth  atomic.Int32
	received atomic.Uint64
	acked    atomic.Uint64
	peek     [1]byte

	// gate is held shared by the emitters of packets addressed to the peer,
	// and exclusively while sending the replies owed to a released peer,
	// after which the peer is never addressed again.
	gate      sync.RWMutex
	emitMutex sync.Mutex
	parkMutex sync.Mutex
	parked    []*outgoing

	// set once the reply of RELEASE was parked, guarded by parkMutex
	releaseQueued bool
}

// newSocket adds a socket to the arena of the channel, in the unbound
// partition. The guest designates the socket with peer in the packets the
// proxy sends to it.
func (ch *Channel) newSocket(peer uint64, family network.Family, socktype network.Socktype, protocol network.Protocol) *Socket {
	s := &Socket{
		ch:         ch,
		generation: ch.generation,
		peer:       peer,
		peerSet:    true,
		family:     family,
		socktype:   socktype,
		protocol:   protocol,
		queue:      queue.New(),
		threshold:  ch.tuning.ackCeiling,
	}
	s.refs.Store(1)

	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	s.id = ch.nextID
	ch.nextID++
	ch.sockets[s.id] = s
	ch.addSocket(ch.unbound, s)
	return s
}

// evict removes s from the arena and moves it to death-row. The method
// returns false if the socket was not in the arena anymore, in which case the
// arena reference was already dropped.
func (ch *Channel) evict(s *Socket) bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if _, ok := ch.sockets[s.id]; !ok {
		return false
	}
	delete(ch.sockets, s.id)
	ch.addSocket(ch.deathRow, s)
	return true
}

func (s *Socket) tryRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (s *Socket) unref() {
	switch refs := s.refs.Add(-1); {
	case refs == 0:
		s.destroy()
	case refs < 0:
		panic("BUG: socket reference count dropped below zero")
	}
}

func (s *Socket) destroy() {
	s.mutex.Lock()
	sock, token, registered := s.sock, s.token, s.registered
	s.sock, s.registered = nil, false
	s.peerSet = false
	for op, replies := range s.replies {
		for _, o := range replies {
			o.release(s.ch.pool)
		}
		s.replies[op] = nil
	}
	portAlias, port := s.portAlias, s.port
	s.portAlias = netip.Addr{}
	children := s.children
	s.children = nil
	s.mutex.Unlock()

	// Accepted sockets which were never activated hold an extra reference.
	for _, child := range children {
		child.unref()
	}

	s.queueMutex.Lock()
	for s.queue.Length() > 0 {
		v := s.queue.Remove().(*buffer.View)
		s.queued.Add(-int64(v.Len()))
		v.Release()
	}
	s.queueMutex.Unlock()

	s.parkMutex.Lock()
	for _, o := range s.parked {
		o.release(s.ch.pool)
	}
	s.parked = nil
	s.parkMutex.Unlock()

	if portAlias.IsValid() {
		s.ch.proxy.loopback.ReleasePort(portAlias, port)
	}
	if sock != nil {
		if registered {
			s.ch.proxy.poller.Unregister(sock, token)
		}
		sock.Close()
	}
	s.ch.RemoveSocket(s)
}

// detach clears the peer of a socket being torn down, after which nothing the
// socket produces is sent to the guest.
func (s *Socket) detach() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.peerSet = false
	s.released = true
}

// open creates the real socket in ns and registers it with the poller.
func (s *Socket) open(ns network.Namespace, private bool) error {
	sock, err := ns.Socket(s.family, s.socktype, s.protocol)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ns, s.private = ns, private
	return s.attachLocked(sock)
}

func (s *Socket) attachLocked(sock network.Socket) error {
	token, err := s.ch.proxy.poller.Register(sock, s.notify)
	if err != nil {
		sock.Close()
		return err
	}
	s.sock, s.token, s.registered = sock, token, true
	return nil
}

// moveToHostLocked recreates the real socket in the host namespace. Options
// set on the previous socket are not carried over.
func (s *Socket) moveToHostLocked() error {
	host := network.Host()
	sock, err := host.Socket(s.family, s.socktype, s.protocol)
	if err != nil {
		return err
	}
	if s.sock != nil {
		if s.registered {
			s.ch.proxy.poller.Unregister(s.sock, s.token)
		}
		s.sock.Close()
		s.sock, s.registered = nil, false
	}
	s.ns, s.private = host, false
	return s.attachLocked(sock)
}

func (s *Socket) notify(network.Event) {
	s.schedule()
}

func (s *Socket) socket() network.Socket {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sock
}

func (s *Socket) setError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastErr = err
}

// address returns the form in which addr is reported to the guest: v4-mapped
// for INET6 sockets, plain IPv4 otherwise.
func (s *Socket) address(addr netip.AddrPort) packet.Address {
	if s.family == network.INET6 {
		return packet.Address{
			AddrPort: netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port()),
			IPv6:     true,
		}
	}
	return packet.Address{
		AddrPort: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
	}
}

// morphAddr rewrites a loopback address given by the guest, allocating the
// alias of the channel if the rewrite needs one.
func (s *Socket) morphAddr(addr netip.AddrPort, private bool) (loopback.Morph, error) {
	table := s.ch.proxy.loopback
	ctx := loopback.Context{Alias: s.ch.currentAlias(), Private: private}
	m, err := table.Morph(addr, ctx)
	if errors.Is(err, loopback.ErrNoAlias) {
		if ctx.Alias, err = s.ch.ensureAlias(); err != nil {
			return m, err
		}
		m, err = table.Morph(addr, ctx)
	}
	return m, err
}

// unmorphPeerLocked translates the address of a remote endpoint back to the form the
// guest used to reach it.
func (s *Socket) unmorphPeerLocked(addr netip.AddrPort) netip.AddrPort {
	if s.connMorph.Morphed() {
		if a := s.connMorph.Unmorph(addr); a != addr {
			return a
		}
	}
	alias := s.ch.currentAlias()
	kind := loopback.Canonical
	if alias.IsValid() && addr.Addr().Unmap() == alias {
		kind = s.ch.peerOrigin(s.socktype, addr.Port())
	}
	return s.ch.proxy.loopback.Unmorph(addr, alias, kind)
}

func (s *Socket) isAlias(addr netip.Addr) bool {
	alias := s.ch.currentAlias()
	return alias.IsValid() && addr.Unmap() == alias
}

func (s *Socket) reply(op packet.Op, status int32) *outgoing {
	o := &outgoing{Packet: packet.Packet{Header: packet.Header{Op: op, Scalar: status}}}
	if status < 0 {
		o.Flags |= packet.Error
	}
	return o
}

// readyLocked queues the reply of op, it is sent by the next run of the work
// unit.
func (s *Socket) readyLocked(op packet.Op, o *outgoing) {
	s.replies[op] = append(s.replies[op], o)
	s.pending |= 1 << op
}

// SocketInfo is a read-only snapshot of the state of a socket.
type SocketInfo struct {
	Handle     uint64
	Peer       uint64
	Family     network.Family
	Type       network.Socktype
	Protocol   network.Protocol
	Interface  string
	Namespace  string
	Pending    []packet.Op
	Queued     int64
	Sent       uint64
	Received   uint64
	Acked      uint64
	Threshold  uint64
	Connected  bool
	Listening  bool
	NoDelay    bool
	Cork       bool
	Error      string
	References int32
}

func (s *Socket) Info() SocketInfo {
	s.ch.mutex.Lock()
	iface := ""
	if s.iface != nil {
		iface = s.iface.name
	}
	s.ch.mutex.Unlock()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	info := SocketInfo{
		Handle:     s.ch.Encode(s),
		Peer:       s.peer,
		Family:     s.family,
		Type:       s.socktype,
		Protocol:   s.protocol,
		Interface:  iface,
		Queued:     s.queued.Load(),
		Sent:       s.sent.Load(),
		Received:   s.received.Load(),
		Acked:      s.acked.Load(),
		Threshold:  s.threshold,
		Connected:  s.connected,
		Listening:  s.listening,
		NoDelay:    s.nodelay.Load(),
		Cork:       s.cork.Load(),
		References: s.refs.Load(),
	}
	if s.ns != nil {
		info.Namespace = s.ns.String()
	}
	for op := packet.CREATE; op <= packet.FLOW; op++ {
		if s.pending&(1<<op) != 0 {
			info.Pending = append(info.Pending, op)
		}
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	return info
}
