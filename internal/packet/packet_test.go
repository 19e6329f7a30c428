package packet_test

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/stealthrocket/sockproxy/internal/assert"
	"github.com/stealthrocket/sockproxy/internal/packet"
)

func TestReadWrite(t *testing.T) {
	packets := []*packet.Packet{
		{Header: packet.Header{Op: packet.CREATE, Handle: 0, Ext: [2]uint64{42, 1 | 6<<32}, Scalar: 2}},
		{Header: packet.Header{Op: packet.IO, Handle: 0xdeadbeef, Ext: [2]uint64{13}}, Payload: []byte("Hello, World!")},
		{Header: packet.Header{Op: packet.FLOW, Handle: 1, Ext: [2]uint64{packet.NoSize}}},
		{Header: packet.Header{Op: packet.GETSOCKOPT, Flags: packet.Error | packet.Mandatory, Scalar: -22}},
		{Header: packet.Header{Op: packet.IO, Flags: packet.Mandatory.WithValue(packet.ValueEOF), Handle: 7}},
	}

	var buf bytes.Buffer
	w := packet.NewWriter(&buf)
	for _, p := range packets {
		assert.OK(t, w.Write(p))
	}
	assert.Equal(t, buf.Len(), 5*packet.HeaderSize+13)

	r := packet.NewReader(&buf, 0)
	for _, want := range packets {
		got, err := r.Read()
		assert.OK(t, err)
		assert.Diff(t, got, want)
	}
	_, err := r.Read()
	assert.Error(t, err, io.EOF)
}

func TestReadMalformed(t *testing.T) {
	valid := (&packet.Packet{
		Header:  packet.Header{Op: packet.IO},
		Payload: []byte("abc"),
	}).Append(nil)

	tests := []struct {
		scenario string
		input    []byte
		error    error
	}{
		{
			scenario: "truncated header",
			input:    valid[:10],
			error:    packet.ErrMalformed,
		},

		{
			scenario: "truncated payload",
			input:    valid[:len(valid)-1],
			error:    packet.ErrMalformed,
		},

		{
			scenario: "unknown operation",
			input:    withByte(valid, 0, 13),
			error:    packet.ErrMalformed,
		},

		{
			scenario: "zero operation",
			input:    withByte(valid, 0, 0),
			error:    packet.ErrMalformed,
		},

		{
			scenario: "reserved fields are set",
			input:    withByte(valid, 37, 1),
			error:    packet.ErrMalformed,
		},

		{
			scenario: "reserved flags are set",
			input:    withByte(valid, 1, 0x10),
			error:    packet.ErrMalformed,
		},

		{
			scenario: "mandatory value unknown to the operation",
			input:    withByte(valid, 1, byte(packet.Mandatory)|0x4),
			error:    packet.ErrMalformed,
		},

		{
			scenario: "length above the limit",
			input:    withByte(valid, 6, 1),
			error:    packet.ErrTooLarge,
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			r := packet.NewReader(bytes.NewReader(test.input), 1024)
			_, err := r.Read()
			assert.Error(t, err, test.error)
		})
	}
}

func withByte(b []byte, i int, v byte) []byte {
	c := append([]byte{}, b...)
	c[i] = v
	return c
}

func TestOp(t *testing.T) {
	assert.Equal(t, packet.CREATE, packet.Op(1))
	assert.Equal(t, packet.FLOW, packet.Op(12))
	assert.Equal(t, packet.SHUTDOWN.String(), "SHUTDOWN")
	assert.Equal(t, packet.Op(99).String(), "Op(99)")
	assert.True(t, packet.BIND.Control())
	assert.False(t, packet.IO.Control())
	assert.False(t, packet.FLOW.Control())
}

func TestFlags(t *testing.T) {
	f := packet.Mandatory.WithValue(packet.ValueEOF)
	assert.Equal(t, f.Value(), packet.ValueEOF)
	assert.True(t, f.Has(packet.Mandatory))
	assert.False(t, f.Has(packet.Error))
	assert.Equal(t, f.WithValue(0xFF).Value(), 0xF)
}

func TestAddress(t *testing.T) {
	tests := []struct {
		scenario string
		address  packet.Address
	}{
		{
			scenario: "ipv4 address",
			address:  packet.MakeAddress(netip.MustParseAddrPort("127.0.0.2:8080")),
		},

		{
			scenario: "ipv4 address written as an ipv6 literal",
			address:  packet.MakeAddress(netip.MustParseAddrPort("[::ffff:127.0.0.2]:53")),
		},

		{
			scenario: "ipv6 address",
			address:  packet.MakeAddress(netip.MustParseAddrPort("[::1]:443")),
		},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			b, ext := packet.AppendAddress(nil, test.address)
			assert.Equal(t, len(b), packet.PseudoHeaderSize)
			b = append(b, "payload"...)

			a, rest, err := packet.ParseAddress(b, ext)
			assert.OK(t, err)
			assert.Equal(t, a, test.address)
			assert.Equal(t, string(rest), "payload")
		})
	}
}

func TestParseAddressMalformed(t *testing.T) {
	b, ext := packet.AppendAddress(nil, packet.MakeAddress(netip.MustParseAddrPort("[fe80::1]:1")))

	_, _, err := packet.ParseAddress(b[:8], ext)
	assert.Error(t, err, packet.ErrMalformed)

	// an ipv6 address without the ipv6 bit
	_, _, err = packet.ParseAddress(b, 1)
	assert.Error(t, err, packet.ErrMalformed)

	_, _, err = packet.ParseAddress(b, ext|1<<40)
	assert.Error(t, err, packet.ErrMalformed)
}
