package proxy

import (
	"bufio"
	"container/ring"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stealthrocket/sockproxy/internal/buffer"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/packet"
)

const (
	outQueueSize   = 1024
	eventTraceSize = 256
	readBufferSize = 64 * 1024
)

var errWriteTimeout = errors.New("channel write timed out")

// Channel is the state of one guest connection: its sockets, the partitions
// they are members of, and the loopback alias of the guest.
type Channel struct {
	proxy      *Proxy
	id         uuid.UUID
	generation uint64
	mask       uint64
	transport  string
	conn       io.ReadWriteCloser
	tuning     tuning
	pool       *buffer.Pool
	limiter    *rate.Limiter
	dropped    atomic.Int64

	out       chan *outgoing
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	cause     error
	zombie    atomic.Bool

	mutex      sync.Mutex
	sockets    map[uint64]*Socket
	nextID     uint64
	interfaces map[string]*Interface
	unbound    *Interface
	deathRow   *Interface
	loopback   *Interface
	alias      netip.Addr
	origins    map[aliasPort]origin
	private    bool

	eventsMutex sync.Mutex
	events      *ring.Ring
}

// outgoing is a packet queued for writing to the guest. When the payload lives
// in a pool buffer, the buffer is released once the packet was written.
type outgoing struct {
	packet.Packet
	buf *buffer.Buffer
}

func (o *outgoing) release(pool *buffer.Pool) {
	buffer.Release(&o.buf, pool)
}

func (p *Proxy) newChannel(conn io.ReadWriteCloser) (*Channel, error) {
	ch := &Channel{
		proxy:      p,
		id:         uuid.New(),
		generation: p.generation.Add(1),
		mask:       newHandleMask(),
		transport:  fmt.Sprintf("%T", conn),
		conn:       conn,
		tuning:     p.tuning,
		pool:       buffer.NewPool(int64(p.tuning.budget.PoolBudget)),
		limiter:    newWarnLimiter(),
		out:        make(chan *outgoing, outQueueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		sockets:    make(map[uint64]*Socket),
		origins:    make(map[aliasPort]origin),
		nextID:     1,
		events:     ring.New(eventTraceSize),
	}
	ch.initInterfaces()
	if err := p.register(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) ID() uuid.UUID { return ch.id }

func (ch *Channel) Generation() uint64 { return ch.generation }

// SetPrivate switches the isolation context used by sockets created from now
// on, between the host namespace and the private context of the proxy.
func (ch *Channel) SetPrivate(private bool) error {
	if private && ch.proxy.private == nil {
		return ErrNoPrivateContext
	}
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.private = private
	return nil
}

func (ch *Channel) Private() bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.private
}

// namespace returns the isolation context new sockets are created in.
func (ch *Channel) namespace() (network.Namespace, bool) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if ch.private {
		return ch.proxy.private, true
	}
	return network.Host(), false
}

// ensureAlias returns the loopback alias of the channel, allocating one on
// first use.
func (ch *Channel) ensureAlias() (netip.Addr, error) {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	if ch.alias.IsValid() {
		return ch.alias, nil
	}
	if ch.zombie.Load() {
		return netip.Addr{}, ErrZombie
	}
	alias, err := ch.proxy.loopback.Allocate()
	if err != nil {
		return netip.Addr{}, err
	}
	ch.alias = alias
	ch.logger().WithField("alias", alias).Debug("allocated loopback alias")
	return alias, nil
}

func (ch *Channel) currentAlias() netip.Addr {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ch.alias
}

func (ch *Channel) Info() ChannelInfo {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	return ChannelInfo{
		ID:          ch.id,
		Generation:  ch.generation,
		Sockets:     len(ch.sockets),
		Preset:      ch.tuning.preset,
		MaxInFlight: ch.tuning.budget.MaxInFlight,
		Transport:   ch.transport,
		Alias:       ch.alias,
		Private:     ch.private,
		Zombie:      ch.zombie.Load(),
	}
}

// Sockets returns a snapshot of the sockets of the channel, ordered by handle.
func (ch *Channel) Sockets() []SocketInfo {
	ch.mutex.Lock()
	sockets := maps.Values(ch.sockets)
	ch.mutex.Unlock()

	infos := make([]SocketInfo, len(sockets))
	for i, s := range sockets {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Handle < infos[j].Handle
	})
	return infos
}

func (ch *Channel) serve(ctx context.Context) error {
	defer close(ch.stopped)
	defer ch.teardown()

	ch.logger().WithField("transport", ch.transport).Info("serving channel")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(ch.readLoop)
	group.Go(ch.writeLoop)
	group.Go(func() error {
		select {
		case <-ctx.Done():
			ch.close(ctx.Err())
		case <-ch.done:
		}
		return nil
	})
	_ = group.Wait()

	switch err := ch.cause; {
	case errors.Is(err, io.EOF):
		ch.logger().Info("channel closed by the guest")
		return nil
	default:
		ch.logger().WithError(err).Info("channel stopped")
		return err
	}
}

// close stops the channel, cause is the error returned by Serve.
func (ch *Channel) close(cause error) {
	ch.closeOnce.Do(func() {
		ch.cause = cause
		ch.zombie.Store(true)
		close(ch.done)
		ch.conn.Close()
	})
}

func (ch *Channel) readLoop() error {
	r := packet.NewReader(bufio.NewReaderSize(ch.conn, readBufferSize), ch.tuning.maxPacket)
	for {
		p, err := r.Read()
		if err != nil {
			switch {
			case ch.zombie.Load():
			case err == io.EOF:
				ch.close(io.EOF)
			case errors.Is(err, packet.ErrMalformed), errors.Is(err, packet.ErrTooLarge):
				ch.logger().WithError(err).Error("malformed packet, channel is now a zombie")
				ch.close(err)
			default:
				ch.close(fmt.Errorf("reading from channel: %w", err))
			}
			return nil
		}
		ch.trace(eventRecv, &p.Header)
		if err := ch.dispatch(p); err != nil {
			ch.logger().WithError(err).WithField("op", p.Op).Error("tearing down channel")
			ch.close(err)
			return nil
		}
	}
}

func (ch *Channel) writeLoop() error {
	bw := bufio.NewWriter(ch.conn)
	w := packet.NewWriter(bw)
	for {
		select {
		case o := <-ch.out:
			err := w.Write(&o.Packet)
			o.release(ch.pool)
			if err == nil && len(ch.out) == 0 {
				err = bw.Flush()
			}
			if err != nil {
				if !ch.zombie.Load() {
					ch.close(fmt.Errorf("writing to channel: %w", err))
				}
				return nil
			}
		case <-ch.done:
			return nil
		}
	}
}

// send queues a packet for the guest, waiting at most for the channel write
// timeout. On timeout the packet is not released and the caller keeps it.
func (ch *Channel) send(o *outgoing) error {
	if ch.zombie.Load() {
		o.release(ch.pool)
		return ErrZombie
	}
	select {
	case ch.out <- o:
		ch.trace(eventSend, &o.Header)
		return nil
	default:
	}

	timer := time.NewTimer(ch.tuning.writeTimeout)
	defer timer.Stop()
	select {
	case ch.out <- o:
		ch.trace(eventSend, &o.Header)
		return nil
	case <-ch.done:
		o.release(ch.pool)
		return ErrZombie
	case <-timer.C:
		return errWriteTimeout
	}
}

// teardown releases all the sockets of the channel and its loopback alias.
func (ch *Channel) teardown() {
	ch.close(ErrZombie)

	ch.mutex.Lock()
	sockets := maps.Values(ch.sockets)
	for _, s := range sockets {
		ch.addSocket(ch.deathRow, s)
	}
	maps.Clear(ch.sockets)
	alias := ch.alias
	ch.alias = netip.Addr{}
	ch.mutex.Unlock()

	for _, s := range sockets {
		s.detach()
		s.unref()
	}

	for {
		select {
		case o := <-ch.out:
			o.release(ch.pool)
			continue
		default:
		}
		break
	}

	if alias.IsValid() {
		if err := ch.proxy.loopback.Free(alias); err != nil {
			ch.logger().WithError(err).Warn("freeing loopback alias")
		}
	}
	ch.proxy.unregister(ch)
}

const (
	eventSend = "send"
	eventRecv = "recv"
)

type event struct {
	time   time.Time
	dir    string
	header packet.Header
}

func (ch *Channel) trace(dir string, h *packet.Header) {
	ch.eventsMutex.Lock()
	defer ch.eventsMutex.Unlock()
	ch.events.Value = &event{time: time.Now(), dir: dir, header: *h}
	ch.events = ch.events.Next()
}

func (ch *Channel) dumpEvents(w io.Writer) {
	ch.eventsMutex.Lock()
	defer ch.eventsMutex.Unlock()
	ch.events.Do(func(v any) {
		if e, ok := v.(*event); ok {
			fmt.Fprintf(w, "%s %-4s %s\n", e.time.Format(time.RFC3339Nano), e.dir, &e.header)
		}
	})
}
