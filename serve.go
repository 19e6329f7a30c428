package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	sockproxy "github.com/stealthrocket/sockproxy/internal/config"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/proxy"
)

const serveUsage = `
Usage:	sockproxy serve [options]

   Accepts guest channels on the listen address and proxies the socket
   operations sent over each of them. Sending SIGUSR1 to the process writes
   a dump of the proxy state to stderr.

Options:
   -c, --config path   Path to the sockproxy configuration file (overrides SOCKPROXYCONFIG)
   -h, --help          Show this usage information
   -L, --listen addr   Address accepting guest channels, unix:PATH or tcp:ADDR
       --netns path    Network namespace used as private isolation context
   -p, --preset name   Receive budget of channels, one of small, medium, large
`

func serve(ctx context.Context, args []string) error {
	var (
		listen stringValue
		netns  sockproxy.Path
		preset sockproxy.Preset
	)

	flagSet := newFlagSet("sockproxy serve", serveUsage)
	customVar(flagSet, &listen, "L", "listen")
	customVar(flagSet, &netns, "netns")
	customVar(flagSet, &preset, "p", "preset")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return usageError("sockproxy serve: unexpected arguments: %q", args)
	}

	c, err := sockproxy.LoadConfig()
	if err != nil {
		return err
	}
	if listen != "" {
		c.Listen = string(listen)
	}
	if netns != "" {
		c.Netns = netns
	}
	if preset != "" {
		c.Preset = preset
	}

	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	proxy.SetLogger(logger)
	network.CloseErrorHandler = func(fd int, err error) {
		logger.WithField("fd", fd).WithError(err).Warn("closing socket")
	}

	options := proxy.Options{Config: c}
	if c.Netns != "" {
		path, err := c.Netns.Resolve()
		if err != nil {
			return err
		}
		ns, err := network.OpenNamespace(path)
		if err != nil {
			return err
		}
		defer ns.Close()
		options.Private = ns
	}

	p, err := proxy.New(options)
	if err != nil {
		return err
	}
	defer p.Close()

	l, err := listenAddr(c.Listen)
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)
	defer func() {
		signal.Stop(dump)
		close(dump)
	}()
	go func() {
		for range dump {
			p.DumpState(stderr)
		}
	}()

	logger.WithFields(logrus.Fields{
		"listen": c.Listen,
		"preset": c.Preset,
		"netns":  c.Netns,
	}).Info("serving guest channels")

	return serveListener(ctx, p, l, logger)
}

// serveListener accepts connections on l and serves a channel over each of
// them, until ctx is canceled.
func serveListener(ctx context.Context, p *proxy.Proxy, l net.Listener, logger *logrus.Logger) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	group.Go(func() error {
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
					return nil
				}
				return err
			}
			group.Go(func() error {
				entry := logger.WithField("remote", conn.RemoteAddr().String())
				entry.Debug("channel opened")
				switch err := p.Serve(ctx, conn); {
				case err == nil, errors.Is(err, context.Canceled), errors.Is(err, proxy.ErrClosed):
					entry.Debug("channel closed")
				default:
					entry.WithError(err).Warn("channel closed")
				}
				return nil
			})
		}
	})

	return group.Wait()
}

// listenAddr parses addresses of the form unix:PATH or tcp:HOST:PORT and
// opens a listener on them.
func listenAddr(addr string) (net.Listener, error) {
	proto, address, ok := strings.Cut(addr, ":")
	if !ok || address == "" {
		return nil, fmt.Errorf("malformed listen address %q (expected unix:PATH or tcp:ADDR)", addr)
	}
	switch proto {
	case "unix", "tcp", "tcp4", "tcp6":
		return net.Listen(proto, address)
	default:
		return nil, fmt.Errorf("unsupported network %q in listen address %q", proto, addr)
	}
}

func newLogger(c *sockproxy.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(level)
	switch c.Log.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unsupported log format %q (not one of text, json)", c.Log.Format)
	}
	return logger, nil
}
