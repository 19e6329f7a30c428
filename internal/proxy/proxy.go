// Package proxy implements the host side of a guest socket proxy.
//
// A guest sends socket operations over an ordered message channel; the proxy
// executes them against real non-blocking host sockets, relays data in both
// directions with windowed flow control, and virtualizes the loopback
// addresses that guests use.
//
// Each socket has a single work unit scheduled on a shared pool of goroutines.
// Handlers invoked for packets read from the channel never block: they either
// complete and schedule the work unit to emit their reply, or record a pending
// operation that the work unit resolves once the host socket is ready.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"

	"github.com/stealthrocket/sockproxy/internal/config"
	"github.com/stealthrocket/sockproxy/internal/loopback"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/workqueue"
)

// maxDatagramSize is the size of the largest UDP payload.
const maxDatagramSize = 65535

type Options struct {
	// Config carries the tuning of the proxy, DefaultConfig is used if nil.
	Config *config.Config
	// Loopback is the table of loopback aliases. When nil, a table is created
	// from the configuration, provisioning aliases with netlink if enabled.
	Loopback *loopback.Table
	// Private is the isolation context of channels switched to private mode.
	Private network.Namespace
}

// tuning is the flattened configuration used on the data path.
type tuning struct {
	budget           config.Budget
	preset           config.Preset
	writeTimeout     time.Duration
	retryDelay       time.Duration
	maxPacket        int
	ackFloor         uint64
	ackCeiling       uint64
	ackStep          uint64
	coalesce         int
	corkThreshold    int
	maxDrainRestarts int
}

func makeTuning(c *config.Config) tuning {
	return tuning{
		budget:           c.Preset.Budget(),
		preset:           c.Preset,
		writeTimeout:     c.Channel.WriteTimeout,
		retryDelay:       c.Channel.RetryDelay,
		maxPacket:        c.Channel.MaxPacket.Int(),
		ackFloor:         uint64(c.Flow.AckFloor),
		ackCeiling:       uint64(c.Flow.AckCeiling),
		ackStep:          uint64(c.Flow.AckStep),
		coalesce:         c.Flow.Coalesce.Int(),
		corkThreshold:    c.Flow.CorkThreshold.Int(),
		maxDrainRestarts: c.Flow.MaxDrainRestarts,
	}
}

// Proxy serves guest channels. It owns the resources shared by all channels:
// the work queue, the readiness poller, the loopback alias table, and a spare
// receive buffer used when channel buffer budgets are exhausted.
type Proxy struct {
	tuning   tuning
	loopback *loopback.Table
	private  network.Namespace
	workers  *workqueue.Pool
	poller   *network.Poller
	cancel   context.CancelFunc
	done     chan struct{}

	spareMutex sync.Mutex
	spare      []byte

	mutex      sync.Mutex
	channels   map[uuid.UUID]*Channel
	generation atomic.Uint64
	closed     bool
}

func New(options Options) (*Proxy, error) {
	c := options.Config
	if c == nil {
		c = config.DefaultConfig()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	table := options.Loopback
	if table == nil {
		var provisioner loopback.Provisioner = loopback.NopProvisioner{}
		if c.Loopback.Provision {
			provisioner = loopback.NetlinkProvisioner{Link: c.Loopback.Link}
		}
		t, err := loopback.NewTable(loopback.Config{
			Network:     c.Loopback.Network,
			Canonical:   c.Loopback.Canonical,
			Provisioner: provisioner,
		})
		if err != nil {
			return nil, err
		}
		table = t
	}

	poller, err := network.NewPoller()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		tuning:   makeTuning(c),
		loopback: table,
		private:  options.Private,
		workers:  workqueue.New(c.Workers),
		poller:   poller,
		cancel:   cancel,
		done:     make(chan struct{}),
		spare:    make([]byte, maxDatagramSize),
		channels: make(map[uuid.UUID]*Channel),
	}

	go func() {
		defer close(p.done)
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, network.ErrPollerClosed) {
			log.WithError(err).Error("readiness poller stopped")
		}
	}()
	return p, nil
}

// Close stops the proxy. Channels still being served are torn down.
func (p *Proxy) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	channels := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.mutex.Unlock()

	for _, ch := range channels {
		ch.close(ErrClosed)
	}
	for _, ch := range channels {
		<-ch.stopped
	}

	p.cancel()
	<-p.done
	err := p.workers.Close()
	if perr := p.poller.Close(); err == nil {
		err = perr
	}
	return err
}

// Serve runs a channel over conn until the guest closes it, the channel fails,
// or ctx is canceled. The connection is closed when Serve returns. A channel
// closed by the guest on a packet boundary is not an error.
func (p *Proxy) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ch, err := p.newChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}
	return ch.serve(ctx)
}

func (p *Proxy) register(ch *Channel) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.channels[ch.id] = ch
	return nil
}

func (p *Proxy) unregister(ch *Channel) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.channels, ch.id)
}

// Channel returns the channel with the given id, or nil if no such channel is
// being served.
func (p *Proxy) Channel(id uuid.UUID) *Channel {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.channels[id]
}

// ChannelInfo is a read-only snapshot of the state of a channel.
type ChannelInfo struct {
	ID          uuid.UUID
	Generation  uint64
	Sockets     int
	Preset      config.Preset
	MaxInFlight config.Size
	Transport   string
	Alias       netip.Addr
	Private     bool
	Zombie      bool
}

// Channels returns a snapshot of the channels being served, ordered by
// generation.
func (p *Proxy) Channels() []ChannelInfo {
	p.mutex.Lock()
	channels := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}
	p.mutex.Unlock()

	infos := make([]ChannelInfo, len(channels))
	for i, ch := range channels {
		infos[i] = ch.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Generation < infos[j].Generation
	})
	return infos
}

// DumpState writes the internal state of the proxy to w for debugging.
func (p *Proxy) DumpState(w io.Writer) {
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}

	fmt.Fprintf(w, "Workers (%d): %+v\n", p.workers.NumWorkers(), p.workers.Stats())
	fmt.Fprintln(w, "Loopback aliases:")
	cfg.Fdump(w, p.loopback.Entries())

	for _, info := range p.Channels() {
		ch := p.Channel(info.ID)
		if ch == nil {
			continue
		}
		fmt.Fprintf(w, "Channel %s:\n", info.ID)
		cfg.Fdump(w, info)
		fmt.Fprintln(w, "Sockets:")
		cfg.Fdump(w, ch.Sockets())
		fmt.Fprintln(w, "Event trace:")
		ch.dumpEvents(w)
	}
	io.WriteString(w, "End of state dump\n")
}

// spareBuffer returns the shared spare buffer if it is not in use, the caller
// must call releaseSpare when done with it.
func (p *Proxy) spareBuffer() []byte {
	if p.spareMutex.TryLock() {
		return p.spare
	}
	return nil
}

func (p *Proxy) releaseSpare() {
	p.spareMutex.Unlock()
}
