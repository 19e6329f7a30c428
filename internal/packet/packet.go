// Package packet implements the wire format of the operations exchanged with
// guests on a proxy channel.
//
// Every packet starts with a fixed 40 bytes little-endian header:
//
//	offset  size  field
//	     0     1  op
//	     1     1  flags (low nibble: value, bit 6: mandatory, bit 7: error)
//	     2     2  reserved
//	     4     4  length of the segments following the header
//	     8     8  handle
//	    16    16  ext[0], ext[1]
//	    32     4  scalar
//	    36     4  reserved
//
// The header is followed by length bytes of segments, their interpretation
// depends on the operation.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 40

	// NoSize in the size field of a FLOW packet means the packet only
	// carries a wake up and acknowledges no data.
	NoSize = ^uint64(0)

	// DefaultMaxLength is the largest segment length accepted by default.
	DefaultMaxLength = 1 << 20
)

var (
	ErrMalformed = errors.New("malformed packet")
	ErrTooLarge  = errors.New("packet too large")
)

// Op is the operation carried by a packet. The values are stable ordinals
// shared with guests.
type Op uint8

const (
	CREATE Op = iota + 1
	RELEASE
	BIND
	LISTEN
	ACCEPT
	CONNECT
	SHUTDOWN
	SETSOCKOPT
	GETSOCKOPT
	IOCTL
	IO
	FLOW
)

var opNames = [...]string{
	CREATE:     "CREATE",
	RELEASE:    "RELEASE",
	BIND:       "BIND",
	LISTEN:     "LISTEN",
	ACCEPT:     "ACCEPT",
	CONNECT:    "CONNECT",
	SHUTDOWN:   "SHUTDOWN",
	SETSOCKOPT: "SETSOCKOPT",
	GETSOCKOPT: "GETSOCKOPT",
	IOCTL:      "IOCTL",
	IO:         "IO",
	FLOW:       "FLOW",
}

func (op Op) Valid() bool {
	return op >= CREATE && op <= FLOW
}

func (op Op) String() string {
	if op.Valid() {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// Control returns true for operations which are not part of the data path.
func (op Op) Control() bool {
	return op != IO && op != FLOW
}

type Flags uint8

const (
	ValueMask Flags = 0x0F
	// Mandatory requires the receiver to understand every bit of the value,
	// packets carrying a value unknown to the operation are malformed.
	Mandatory Flags = 1 << 6
	Error     Flags = 1 << 7

	reservedFlags Flags = 0x30
)

const (
	// ValueEOF marks an IO packet sent to the guest after the last byte of
	// the stream.
	ValueEOF = 1
	// ValueWantAddress asks BIND to report the bound address.
	ValueWantAddress = 1 << 1
)

// values are the bits of the value sub-field defined for each operation.
var values = [...]int{
	BIND: ValueWantAddress,
	IO:   ValueEOF,
	FLOW: 0,
}

func (f Flags) Value() int {
	return int(f & ValueMask)
}

func (f Flags) WithValue(v int) Flags {
	return (f &^ ValueMask) | (Flags(v) & ValueMask)
}

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Header is the fixed part of a packet.
type Header struct {
	Op     Op
	Flags  Flags
	Length uint32
	Handle uint64
	Ext    [2]uint64
	Scalar int32
}

func (h *Header) String() string {
	return fmt.Sprintf("%s handle=%#x flags=%#x ext=[%#x %#x] scalar=%d length=%d",
		h.Op, h.Handle, uint8(h.Flags), h.Ext[0], h.Ext[1], h.Scalar, h.Length)
}

func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Op)
	b[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(b[2:], 0)
	binary.LittleEndian.PutUint32(b[4:], h.Length)
	binary.LittleEndian.PutUint64(b[8:], h.Handle)
	binary.LittleEndian.PutUint64(b[16:], h.Ext[0])
	binary.LittleEndian.PutUint64(b[24:], h.Ext[1])
	binary.LittleEndian.PutUint32(b[32:], uint32(h.Scalar))
	binary.LittleEndian.PutUint32(b[36:], 0)
}

func (h *Header) Decode(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("header of %d bytes: %w", len(b), ErrMalformed)
	}
	h.Op = Op(b[0])
	h.Flags = Flags(b[1])
	h.Length = binary.LittleEndian.Uint32(b[4:])
	h.Handle = binary.LittleEndian.Uint64(b[8:])
	h.Ext[0] = binary.LittleEndian.Uint64(b[16:])
	h.Ext[1] = binary.LittleEndian.Uint64(b[24:])
	h.Scalar = int32(binary.LittleEndian.Uint32(b[32:]))

	if !h.Op.Valid() {
		return fmt.Errorf("unknown operation %d: %w", b[0], ErrMalformed)
	}
	if binary.LittleEndian.Uint16(b[2:]) != 0 || binary.LittleEndian.Uint32(b[36:]) != 0 {
		return fmt.Errorf("%s: reserved header fields are not zero: %w", h.Op, ErrMalformed)
	}
	if h.Flags&reservedFlags != 0 {
		return fmt.Errorf("%s: reserved flags %#x are set: %w", h.Op, uint8(h.Flags&reservedFlags), ErrMalformed)
	}
	if h.Flags.Has(Mandatory) && h.Flags.Value()&^values[h.Op] != 0 {
		return fmt.Errorf("%s: mandatory flag value %#x is not supported: %w", h.Op, h.Flags.Value(), ErrMalformed)
	}
	return nil
}

// Packet is a header and its segments.
type Packet struct {
	Header
	Payload []byte
}

// Size returns the number of bytes that the packet occupies on the wire.
func (p *Packet) Size() int {
	return HeaderSize + len(p.Payload)
}

// Append appends the wire representation of p to b.
func (p *Packet) Append(b []byte) []byte {
	p.Length = uint32(len(p.Payload))
	n := len(b)
	b = append(b, make([]byte, HeaderSize)...)
	p.Header.Encode(b[n:])
	return append(b, p.Payload...)
}

// Reader decodes packets from a stream.
type Reader struct {
	r      io.Reader
	max    int
	header [HeaderSize]byte
}

func NewReader(r io.Reader, maxLength int) *Reader {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Reader{r: r, max: maxLength}
}

// Read reads the next packet. The payload is a newly allocated slice owned by
// the caller. io.EOF is returned only when the stream ends on a packet
// boundary.
func (r *Reader) Read() (*Packet, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("truncated header: %w", ErrMalformed)
		}
		return nil, err
	}
	p := new(Packet)
	if err := p.Header.Decode(r.header[:]); err != nil {
		return nil, err
	}
	if int64(p.Length) > int64(r.max) {
		return nil, fmt.Errorf("%s: length %d exceeds %d: %w", p.Op, p.Length, r.max, ErrTooLarge)
	}
	if p.Length > 0 {
		p.Payload = make([]byte, p.Length)
		if _, err := io.ReadFull(r.r, p.Payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				err = fmt.Errorf("%s: truncated payload: %w", p.Op, ErrMalformed)
			}
			return nil, err
		}
	}
	return p, nil
}

// Writer encodes packets to a stream, each packet is written with a single
// call to the underlying writer.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Write(p *Packet) error {
	w.buf = p.Append(w.buf[:0])
	_, err := w.w.Write(w.buf)
	return err
}
