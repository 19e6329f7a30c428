package network

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/vishvananda/netns"
)

// NetNamespace is a private isolation context backed by a Linux network
// namespace. Sockets are created from an OS thread temporarily switched into
// the namespace; once created they stay attached to it.
type NetNamespace struct {
	name   string
	mutex  sync.Mutex
	handle netns.NsHandle
}

// OpenNamespace opens the network namespace at path (for example
// /var/run/netns/guest or /proc/1234/ns/net).
func OpenNamespace(path string) (*NetNamespace, error) {
	handle, err := netns.GetFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("opening network namespace %q: %w", path, err)
	}
	return &NetNamespace{name: path, handle: handle}, nil
}

func (ns *NetNamespace) String() string {
	return "netns:" + ns.name
}

func (ns *NetNamespace) Close() error {
	ns.mutex.Lock()
	defer ns.mutex.Unlock()
	if ns.handle.IsOpen() {
		err := ns.handle.Close()
		ns.handle = netns.None()
		return err
	}
	return nil
}

func (ns *NetNamespace) Socket(family Family, socktype Socktype, protocol Protocol) (socket Socket, err error) {
	ns.mutex.Lock()
	handle := ns.handle
	ns.mutex.Unlock()

	if !handle.IsOpen() {
		return nil, ErrNamespaceClosed
	}

	if nserr := inNamespace(handle, func() {
		socket, err = hostNamespace{}.Socket(family, socktype, protocol)
	}); nserr != nil {
		return nil, nserr
	}
	return socket, err
}

func inNamespace(handle netns.NsHandle, f func()) error {
	errc := make(chan error, 1)
	go func() {
		// The thread is only returned to the scheduler if it made it back
		// to its original namespace, otherwise it exits with the goroutine.
		runtime.LockOSThread()

		origin, err := netns.Get()
		if err != nil {
			errc <- fmt.Errorf("getting current network namespace: %w", err)
			return
		}
		defer origin.Close()

		if err := netns.Set(handle); err != nil {
			errc <- fmt.Errorf("entering network namespace %s: %w", handle, err)
			return
		}
		f()
		if netns.Set(origin) == nil {
			runtime.UnlockOSThread()
		}
		errc <- nil
	}()
	return <-errc
}
