package main

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stealthrocket/sockproxy/internal/assert"
	"github.com/stealthrocket/sockproxy/internal/network"
	"github.com/stealthrocket/sockproxy/internal/packet"
	"github.com/stealthrocket/sockproxy/internal/proxy"
)

var serveTests = tests{
	"show the serve command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := runCommand(t, "serve", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tsockproxy serve ")
		assert.Equal(t, stderr, "")
	},

	"an unknown preset causes an error": func(t *testing.T) {
		_, _, exitCode := runCommand(t, "serve", "--preset", "huge")
		assert.Equal(t, exitCode, 2)
	},

	"passing arguments to the command causes an error": func(t *testing.T) {
		_, stderr, exitCode := runCommand(t, "serve", "whatever")
		assert.Equal(t, exitCode, 2)
		assert.HasPrefix(t, stderr, "sockproxy serve: unexpected arguments")
	},

	"a malformed listen address causes an error": func(t *testing.T) {
		_, stderr, exitCode := runCommand(t, "serve", "--listen", "nowhere")
		assert.Equal(t, exitCode, 1)
		assert.HasPrefix(t, stderr, "ERR: sockproxy serve: malformed listen address")
	},

	"an unsupported listen network causes an error": func(t *testing.T) {
		_, stderr, exitCode := runCommand(t, "serve", "-L", "udp:127.0.0.1:0")
		assert.Equal(t, exitCode, 1)
		assert.HasPrefix(t, stderr, "ERR: sockproxy serve: unsupported network")
	},

	"guest channels are served until the context is canceled": func(t *testing.T) {
		p, err := proxy.New(proxy.Options{})
		assert.OK(t, err)
		defer p.Close()

		l, err := listenAddr("tcp:127.0.0.1:0")
		assert.OK(t, err)

		logger := logrus.New()
		logger.SetOutput(io.Discard)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		served := make(chan error, 1)
		go func() { served <- serveListener(ctx, p, l, logger) }()

		conn, err := net.Dial("tcp", l.Addr().String())
		assert.OK(t, err)
		defer conn.Close()
		assert.OK(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		w := packet.NewWriter(conn)
		assert.OK(t, w.Write(&packet.Packet{Header: packet.Header{
			Op:     packet.CREATE,
			Ext:    [2]uint64{42, uint64(network.DGRAM) | uint64(network.UDP)<<32},
			Scalar: int32(network.INET),
		}}))

		reply, err := packet.NewReader(conn, 0).Read()
		assert.OK(t, err)
		assert.Equal(t, reply.Op, packet.CREATE)
		assert.Equal(t, reply.Handle, uint64(42))
		assert.Equal(t, reply.Scalar, int32(0))
		assert.NotEqual(t, reply.Ext[0], uint64(0))

		cancel()
		select {
		case err := <-served:
			assert.OK(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serving did not stop after the context was canceled")
		}
	},
}
