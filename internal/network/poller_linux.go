package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Event is a set of readiness conditions reported by the Poller.
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
	EventHangup
	EventError
)

func (ev Event) String() string {
	s := ""
	for _, e := range [...]struct {
		event Event
		name  string
	}{
		{EventRead, "r"},
		{EventWrite, "w"},
		{EventHangup, "h"},
		{EventError, "e"},
	} {
		if ev&e.event != 0 {
			s += e.name
		}
	}
	if s == "" {
		s = "-"
	}
	return s
}

// Poller delivers edge-triggered readiness notifications for sockets.
//
// Callbacks run on the goroutine calling Run and must not block. Registrations
// are identified by a token rather than the file descriptor so that a late
// event for a closed descriptor never reaches the socket that reused its
// number.
type Poller struct {
	epfd      int
	next      atomic.Uint32
	callbacks sync.Map // map[uint32]func(Event)
	closed    atomic.Bool
}

// Token identifies a socket registration on a Poller.
type Token uint32

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Register adds socket to the poller; callback is invoked each time the socket
// transitions to a readable, writable, or hung up state.
func (p *Poller) Register(socket Socket, callback func(Event)) (Token, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	fd := socket.Fd()
	if fd < 0 {
		return 0, EBADF
	}
	token := Token(p.next.Add(1))
	p.callbacks.Store(uint32(token), callback)

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(token),
	}
	if err := ignoreEINTR(func() error {
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}); err != nil {
		p.callbacks.Delete(uint32(token))
		return 0, fmt.Errorf("epoll ctl add: %w", err)
	}
	return token, nil
}

// Unregister removes the socket from the poller. It must be called before the
// socket is closed.
func (p *Poller) Unregister(socket Socket, token Token) {
	p.callbacks.Delete(uint32(token))
	if fd := socket.Fd(); fd >= 0 && !p.closed.Load() {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// Run dispatches readiness events until ctx is canceled or the poller is
// closed.
func (p *Poller) Run(ctx context.Context) error {
	const maxEvents = 128
	const interval = 100 * time.Millisecond
	var events [maxEvents]unix.EpollEvent

	for {
		if p.closed.Load() {
			return ErrPollerClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.EpollWait(p.epfd, events[:], int(interval/time.Millisecond))
		if err != nil {
			if err == EINTR {
				continue
			}
			if p.closed.Load() {
				return ErrPollerClosed
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for _, ev := range events[:n] {
			val, ok := p.callbacks.Load(uint32(ev.Fd))
			if !ok {
				continue
			}
			val.(func(Event))(makeEvent(ev.Events))
		}
	}
}

func makeEvent(events uint32) (ev Event) {
	if events&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventHangup
	}
	if events&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	return ev
}

func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}
