package proxy

import (
	"errors"
	"net/netip"

	"github.com/stealthrocket/sockproxy/internal/buffer"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/packet"
)

// replyOrder is the order in which the work unit resolves pending operations.
var replyOrder = [...]packet.Op{
	packet.CREATE,
	packet.BIND,
	packet.SETSOCKOPT,
	packet.GETSOCKOPT,
	packet.IOCTL,
	packet.LISTEN,
	packet.ACCEPT,
	packet.CONNECT,
}

// schedule submits the work unit of the socket, unless it is already waiting
// to run. The submitted work unit holds a reference on the socket.
func (s *Socket) schedule() {
	if !s.scheduled.CompareAndSwap(false, true) {
		return
	}
	if !s.tryRef() {
		s.scheduled.Store(false)
		return
	}
	if err := s.ch.proxy.workers.Submit(s.run); err != nil {
		s.scheduled.Store(false)
		s.unref()
	}
}

func (s *Socket) scheduleAfter() {
	if !s.tryRef() {
		return
	}
	s.ch.proxy.workers.SubmitAfter(s.ch.tuning.retryDelay, func() {
		s.schedule()
		s.unref()
	}, s.unref)
}

func (s *Socket) run() {
	s.scheduled.Store(false)
	defer s.unref()
	s.work()
}

func (s *Socket) work() {
	if s.finishRelease() || s.ch.zombie.Load() {
		return
	}
	if !s.flushParked() {
		s.scheduleAfter()
		return
	}

	s.outDepth.Add(1)
	s.pumpOutput()

	s.inDepth.Add(1)
	s.pumpInput()
	s.flow(false)

	s.emitReplies()
	s.finishFailed()

	if s.isParked() {
		s.scheduleAfter()
	}
}

// finishRelease runs the second phase of RELEASE: the replies still owed to
// the peer the socket had when it was released are sent, followed by the reply
// of RELEASE, and the arena reference is dropped. The reply stays parked and
// the phase is retried while the channel is stalled.
func (s *Socket) finishRelease() bool {
	if !s.releasing() {
		return false
	}
	s.emitMutex.Lock()
	s.mutex.Lock()
	if s.pending&(1<<packet.RELEASE) == 0 {
		s.mutex.Unlock()
		s.emitMutex.Unlock()
		return false
	}
	peer := s.releasePeer
	sock, token, registered := s.sock, s.token, s.registered
	s.registered = false
	s.mutex.Unlock()

	if registered {
		s.ch.proxy.poller.Unregister(sock, token)
	}

	s.gate.Lock()
	var replies []*outgoing
	s.mutex.Lock()
	for _, op := range replyOrder {
		replies = append(replies, s.replies[op]...)
		s.replies[op] = nil
	}
	s.mutex.Unlock()

	s.parkMutex.Lock()
	if !s.releaseQueued {
		for _, o := range replies {
			o.Handle = peer
		}
		o := s.reply(packet.RELEASE, 0)
		o.Handle = peer
		s.parked = append(append(s.parked, replies...), o)
		s.releaseQueued = true
	} else {
		for _, o := range replies {
			o.release(s.ch.pool)
		}
	}
	err := s.sendParkedLocked()
	s.parkMutex.Unlock()
	s.gate.Unlock()

	if errors.Is(err, errWriteTimeout) {
		s.emitMutex.Unlock()
		s.ch.warnf(peer, packet.RELEASE.String(), "channel stalled, parking reply")
		s.scheduleAfter()
		return true
	}
	s.mutex.Lock()
	s.pending &^= 1 << packet.RELEASE
	s.mutex.Unlock()
	s.emitMutex.Unlock()
	s.unref()
	return true
}

// finishFailed releases a socket which could not be created once the reply
// carrying the error was sent.
func (s *Socket) finishFailed() {
	s.mutex.Lock()
	if !s.failed || len(s.replies[packet.CREATE]) != 0 || s.isParked() {
		s.mutex.Unlock()
		return
	}
	s.failed = false
	s.peerSet = false
	s.released = true
	s.mutex.Unlock()

	if s.ch.evict(s) {
		s.unref()
	}
}

// emit sends o to the guest. If the channel is stalled, o is parked on the
// socket and the method returns false; packets emitted while others are
// parked are parked behind them.
func (s *Socket) emit(o *outgoing) bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	live, releasing := s.live()
	if !live && !releasing {
		o.release(s.ch.pool)
		return true
	}

	s.parkMutex.Lock()
	defer s.parkMutex.Unlock()
	if releasing {
		// Nothing is sent after the reply of RELEASE.
		if s.releaseQueued {
			o.release(s.ch.pool)
			return true
		}
		s.parked = append(s.parked, o)
		return false
	}
	if len(s.parked) != 0 {
		s.parked = append(s.parked, o)
		return false
	}
	switch err := s.ch.send(o); {
	case err == nil:
		return true
	case errors.Is(err, errWriteTimeout):
		s.ch.warnf(o.Handle, o.Op.String(), "channel stalled, parking packet")
		s.parked = append(s.parked, o)
		return false
	default:
		return false
	}
}

// flushParked retries the packets parked on the socket, it returns true if no
// packets remain parked. Packets parked for a peer being released are left to
// finishRelease.
func (s *Socket) flushParked() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	live, releasing := s.live()

	s.parkMutex.Lock()
	defer s.parkMutex.Unlock()
	switch {
	case releasing:
		return true
	case !live:
		for _, o := range s.parked {
			o.release(s.ch.pool)
		}
		s.parked = nil
		return true
	}
	return s.sendParkedLocked() == nil
}

// sendParkedLocked sends the parked packets in order. It stops at the first
// packet the channel did not take before the write timeout, and drops the
// remaining ones on other errors.
func (s *Socket) sendParkedLocked() error {
	for len(s.parked) != 0 {
		err := s.ch.send(s.parked[0])
		if errors.Is(err, errWriteTimeout) {
			return err
		}
		if err != nil {
			for _, o := range s.parked[1:] {
				o.release(s.ch.pool)
			}
			s.parked = nil
			return err
		}
		s.parked[0] = nil
		s.parked = s.parked[1:]
	}
	s.parked = nil
	return nil
}

// live reports whether packets produced by the socket are still addressed to a
// peer known by the guest. Between the two phases of RELEASE the peer is gone
// but still owed replies, which is reported by releasing.
func (s *Socket) live() (live, releasing bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.peerSet, !s.peerSet && s.pending&(1<<packet.RELEASE) != 0
}

func (s *Socket) releasing() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pending&(1<<packet.RELEASE) != 0
}

func (s *Socket) isParked() bool {
	s.parkMutex.Lock()
	defer s.parkMutex.Unlock()
	return len(s.parked) != 0
}

// emitReplies sends the replies of completed operations, and resolves those
// waiting for the real socket to become ready.
func (s *Socket) emitReplies() {
	s.emitMutex.Lock()
	defer s.emitMutex.Unlock()

	for _, op := range replyOrder {
		s.mutex.Lock()
		var children []*Socket
		switch op {
		case packet.ACCEPT:
			children = s.resolveAcceptLocked()
		case packet.CONNECT:
			s.resolveConnectLocked()
		}
		replies := s.replies[op]
		s.replies[op] = nil
		waiting := (op == packet.ACCEPT && len(s.accepts) != 0) || (op == packet.CONNECT && s.connecting)
		if !waiting {
			s.pending &^= 1 << op
		}
		peer, peerSet := s.peer, s.peerSet
		if !peerSet && s.pending&(1<<packet.RELEASE) != 0 {
			peer, peerSet = s.releasePeer, true
		}
		s.children = append(s.children, children...)
		s.mutex.Unlock()

		for _, o := range replies {
			if !peerSet {
				o.release(s.ch.pool)
				continue
			}
			o.Handle = peer
			s.emit(o)
		}
	}

	if !s.isParked() {
		s.activateChildren()
	}
}

// activateChildren registers accepted sockets with the poller once the replies
// carrying their handles were written to the channel, so that their data can
// never reach the guest before it knows about them.
func (s *Socket) activateChildren() {
	s.mutex.Lock()
	children := s.children
	s.children = nil
	s.mutex.Unlock()

	for _, child := range children {
		child.mutex.Lock()
		sock := child.sock
		var err error
		if sock != nil && !child.released {
			token, rerr := s.ch.proxy.poller.Register(sock, child.notify)
			if rerr != nil {
				child.lastErr = rerr
				err = rerr
			} else {
				child.token, child.registered = token, true
			}
		}
		child.mutex.Unlock()
		if err != nil {
			s.ch.warnf(s.ch.Encode(child), packet.ACCEPT.String(), "registering accepted socket: %v", err)
		}
		child.schedule()
		child.unref()
	}
}

func (s *Socket) resolveAcceptLocked() (children []*Socket) {
	for len(s.accepts) != 0 && s.sock != nil && !s.released {
		peer := s.accepts[0]
		conn, addr, err := s.sock.Accept()
		if err == network.EAGAIN {
			break
		}
		s.accepts = s.accepts[1:]

		if err != nil {
			s.readyLocked(packet.ACCEPT, s.reply(packet.ACCEPT, errno(err)))
			continue
		}

		child := s.acceptLocked(peer, conn)
		o := s.reply(packet.ACCEPT, 0)
		o.Ext[0] = s.ch.Encode(child)
		remote := s.unmorphPeerLocked(network.SockaddrAddrPort(addr))
		o.Payload, o.Ext[1] = packet.AppendAddress(nil, s.address(remote))
		s.readyLocked(packet.ACCEPT, o)
		children = append(children, child)
	}
	return children
}

// acceptLocked creates the socket of an accepted connection. The child
// inherits the isolation context, the virtual options and the address rewrite
// of its parent, and joins the partition of its parent. The returned socket
// carries an extra reference released when it is activated.
func (s *Socket) acceptLocked(peer uint64, conn network.Socket) *Socket {
	child := s.ch.newSocket(peer, s.family, s.socktype, s.protocol)
	child.tryRef()
	child.sock = conn
	child.ns, child.private = s.ns, s.private
	child.morph = s.morph
	child.connected = true
	child.nodelay.Store(s.nodelay.Load())
	child.cork.Store(s.cork.Load())
	if child.nodelay.Load() {
		child.threshold = s.ch.tuning.ackFloor
	}

	s.ch.mutex.Lock()
	if iface := s.iface; iface != nil && iface != s.ch.deathRow {
		s.ch.addSocket(iface, child)
	}
	s.ch.mutex.Unlock()
	return child
}

func (s *Socket) resolveConnectLocked() {
	if !s.connecting || s.sock == nil {
		return
	}
	err := s.sock.Error()
	if err == nil {
		if _, perr := s.sock.Peer(); perr == network.ENOTCONN {
			return
		}
	}
	s.connecting = false
	if err == nil {
		s.settleConnectLocked()
	}
	s.readyLocked(packet.CONNECT, s.reply(packet.CONNECT, errno(err)))
}

// settleConnectLocked marks the socket connected, and moves it to the
// partition of the local address chosen by the host.
func (s *Socket) settleConnectLocked() {
	s.connected = true
	if sa, err := s.sock.Name(); err == nil {
		local := network.SockaddrAddrPort(sa)
		s.ch.bindInterface(s, local, s.isAlias(local.Addr()))
	}
}

// pumpOutput drains the output queue. Only one drain pass runs at a time; a
// producer that loses the race increments outDepth, and the running pass
// starts over when it sees it.
func (s *Socket) pumpOutput() {
	for restarts := 0; ; restarts++ {
		if restarts > s.ch.tuning.maxDrainRestarts {
			s.schedule()
			return
		}
		if !s.out.TryLock() {
			return
		}
		s.outDepth.Store(0)
		s.drainLocked()
		s.out.Unlock()
		if s.outDepth.Load() == 0 {
			return
		}
	}
}

func (s *Socket) drainLocked() {
	sock := s.socket()
	if sock == nil {
		return
	}
	stream := s.socktype == network.STREAM

	for {
		s.queueMutex.Lock()
		var v *buffer.View
		if s.queue.Length() != 0 {
			v = s.queue.Peek().(*buffer.View)
		}
		s.queueMutex.Unlock()
		if v == nil {
			break
		}

		if stream && s.cork.Load() && !s.shutWr.Load() && s.queued.Load() < int64(s.ch.tuning.corkThreshold) {
			return
		}

		n, err := s.sendTo(sock, v.Bytes(), v.Addr)
		if err == network.EAGAIN {
			return
		}
		if err != nil {
			s.setError(err)
			if stream {
				s.discardOutput()
				break
			}
			s.popOutput(v)
			continue
		}

		s.sent.Add(uint64(n))
		if !stream || n == v.Len() {
			s.popOutput(v)
		} else {
			v.Trim(n)
			s.queued.Add(-int64(n))
		}
	}

	if s.shutWr.CompareAndSwap(true, false) {
		if err := sock.Shutdown(network.SHUTWR); err != nil {
			s.setError(err)
		}
	}
}

func (s *Socket) sendTo(sock network.Socket, b []byte, dest netip.AddrPort) (int, error) {
	var sa network.Sockaddr
	if dest.IsValid() {
		var err error
		if sa, err = network.SockaddrFromAddrPort(s.family, dest); err != nil {
			return 0, err
		}
	}
	return sock.SendTo([][]byte{b}, sa, 0)
}

func (s *Socket) enqueue(v *buffer.View) {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	s.queue.Add(v)
	s.queued.Add(int64(v.Len()))
}

func (s *Socket) queueLen() int {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	return s.queue.Length()
}

func (s *Socket) popOutput(v *buffer.View) {
	s.queueMutex.Lock()
	s.queue.Remove()
	s.queued.Add(-int64(v.Len()))
	s.queueMutex.Unlock()
	v.Release()
}

func (s *Socket) discardOutput() {
	s.queueMutex.Lock()
	defer s.queueMutex.Unlock()
	for s.queue.Length() != 0 {
		v := s.queue.Remove().(*buffer.View)
		s.queued.Add(-int64(v.Len()))
		v.Release()
	}
}

// output writes data received from the guest to the real socket. When nothing
// is queued and no drain pass is running the data is written directly, and
// only what the socket did not accept is queued.
func (s *Socket) output(data []byte, dest netip.AddrPort) {
	stream := s.socktype == network.STREAM

	if !s.cork.Load() && s.queueLen() == 0 && s.out.TryLock() {
		sock := s.socket()
		if sock == nil {
			s.out.Unlock()
			return
		}
		n, err := 0, error(nil)
		if s.queueLen() == 0 {
			n, err = s.sendTo(sock, data, dest)
		} else {
			err = network.EAGAIN
		}
		s.out.Unlock()

		switch {
		case err == network.EAGAIN:
		case err != nil:
			s.setError(err)
			return
		case !stream || n == len(data):
			s.sent.Add(uint64(n))
			return
		default:
			s.sent.Add(uint64(n))
			data = data[n:]
		}
	}

	v := s.ch.pool.Copy(data)
	v.Addr = dest
	s.enqueue(v)
	s.outDepth.Add(1)
	s.pumpOutput()
}

// pumpInput receives data from the real socket and forwards it to the guest
// while the receive budget allows it.
func (s *Socket) pumpInput() {
	for {
		if !s.in.TryLock() {
			return
		}
		s.inDepth.Store(0)
		yielded := s.receiveLocked()
		s.in.Unlock()
		if yielded {
			s.schedule()
			return
		}
		if s.inDepth.Load() == 0 {
			return
		}
	}
}

// receiveLocked forwards data until the socket has nothing to read or the
// receive budget is exhausted. It yields after forwarding the coalesce size,
// leaving the rest to the next run of the work unit.
func (s *Socket) receiveLocked() (yielded bool) {
	s.mutex.Lock()
	sock, peer := s.sock, s.peer
	skip := sock == nil || s.released || !s.peerSet || s.eof || s.listening
	if s.socktype == network.STREAM && !s.connected {
		skip = true
	}
	s.mutex.Unlock()
	if skip {
		return false
	}

	budget := s.ch.tuning.budget
	total := 0
	for !s.isParked() {
		inflight := s.received.Load() - s.acked.Load()
		if inflight >= uint64(budget.MaxInFlight) {
			return false
		}
		if total >= s.ch.tuning.coalesce {
			return true
		}
		window := int64(uint64(budget.MaxInFlight) - inflight)

		var n int
		var ok bool
		if s.socktype == network.STREAM {
			n, ok = s.receiveStream(sock, peer, window)
		} else {
			n, ok = s.receiveDatagram(sock, peer, window, inflight == 0)
		}
		total += n
		if !ok {
			return false
		}
	}
	return false
}

func (s *Socket) receiveStream(sock network.Socket, peer uint64, window int64) (int, bool) {
	size := int64(s.ch.tuning.budget.BufferSize)
	if window < size {
		size = window
	}
	buf := s.ch.pool.Get(size)
	n, _, _, err := sock.RecvFrom([][]byte{buf.Data}, 0)
	if err == network.EAGAIN {
		buffer.Release(&buf, s.ch.pool)
		return 0, false
	}
	if err != nil || n == 0 {
		buffer.Release(&buf, s.ch.pool)
		s.mutex.Lock()
		s.eof = true
		if err != nil {
			s.lastErr = err
		}
		s.mutex.Unlock()

		o := &outgoing{Packet: packet.Packet{Header: packet.Header{
			Op:     packet.IO,
			Flags:  packet.Flags(0).WithValue(packet.ValueEOF),
			Handle: peer,
			Ext:    [2]uint64{s.received.Load()},
		}}}
		s.emit(o)
		if err != nil {
			s.flow(true)
		}
		return 0, false
	}

	buf.Data = buf.Data[:n]
	received := s.received.Add(uint64(n))
	s.emit(&outgoing{
		Packet: packet.Packet{
			Header:  packet.Header{Op: packet.IO, Handle: peer, Ext: [2]uint64{received}},
			Payload: buf.Data,
		},
		buf: buf,
	})
	return n, true
}

func (s *Socket) receiveDatagram(sock network.Socket, peer uint64, window int64, idle bool) (int, bool) {
	size, _, _, err := sock.RecvFrom([][]byte{s.peek[:]}, network.PEEK|network.TRUNC)
	if err == network.EAGAIN {
		return 0, false
	}
	if err != nil {
		s.setError(err)
		s.flow(true)
		return 0, true
	}
	if int64(size) > window && !idle {
		return 0, false
	}

	length := int64(packet.PseudoHeaderSize + size)
	var buf *buffer.Buffer
	if length <= int64(s.ch.tuning.budget.BufferSize) {
		buf = s.ch.pool.Get(length)
	} else {
		buf = s.ch.pool.TryGet(length)
	}

	var n int
	var addr network.Sockaddr
	if buf != nil {
		n, _, addr, err = sock.RecvFrom([][]byte{buf.Data[packet.PseudoHeaderSize:]}, 0)
	} else {
		spare := s.ch.proxy.spareBuffer()
		if spare == nil {
			s.scheduleAfter()
			return 0, false
		}
		n, _, addr, err = sock.RecvFrom([][]byte{spare}, 0)
		if err == nil {
			buf = buffer.New(int64(packet.PseudoHeaderSize + n))
			copy(buf.Data[packet.PseudoHeaderSize:], spare[:n])
		}
		s.ch.proxy.releaseSpare()
	}
	if err != nil {
		buffer.Release(&buf, s.ch.pool)
		if err == network.EAGAIN {
			return 0, false
		}
		s.setError(err)
		s.flow(true)
		return 0, true
	}

	s.mutex.Lock()
	src := s.unmorphPeerLocked(network.SockaddrAddrPort(addr))
	s.mutex.Unlock()

	_, ext := packet.AppendAddress(buf.Data[:0], s.address(src))
	buf.Data = buf.Data[:packet.PseudoHeaderSize+n]
	received := s.received.Add(uint64(n))
	s.emit(&outgoing{
		Packet: packet.Packet{
			Header:  packet.Header{Op: packet.IO, Handle: peer, Ext: [2]uint64{received, ext}},
			Payload: buf.Data,
		},
		buf: buf,
	})
	return n, true
}

// flow emits a FLOW packet reporting the number of bytes written to the real
// socket when the guest was not told about enough of them yet, or when an
// error is pending. The threshold then adapts to how fast the socket drains.
func (s *Socket) flow(force bool) {
	s.mutex.Lock()
	if !s.peerSet {
		s.mutex.Unlock()
		return
	}
	sent := s.sent.Load()
	delta := sent - s.lastAcked
	if !force && s.lastErr == nil && (delta == 0 || delta < s.threshold) {
		s.mutex.Unlock()
		return
	}

	o := &outgoing{Packet: packet.Packet{Header: packet.Header{
		Op:     packet.FLOW,
		Handle: s.peer,
		Ext:    [2]uint64{sent},
		Scalar: errno(s.lastErr),
	}}}
	if s.lastErr != nil {
		o.Flags |= packet.Error
	}
	s.lastErr = nil
	s.lastAcked = sent

	tuning := &s.ch.tuning
	switch {
	case s.nodelay.Load():
		s.threshold = tuning.ackFloor
	case s.queued.Load() == 0:
		if s.threshold /= 2; s.threshold < tuning.ackFloor {
			s.threshold = tuning.ackFloor
		}
	default:
		if s.threshold += tuning.ackStep; s.threshold > tuning.ackCeiling {
			s.threshold = tuning.ackCeiling
		}
	}
	s.mutex.Unlock()

	s.emit(o)
}
