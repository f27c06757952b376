package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/hemlock-systems/tuntcp/seqnum"
)

const SizeHeaderTCP = 20

var (
	ErrShortTCPHeader = errors.New("wire: short tcp header")
	ErrBadTCPOffset   = errors.New("wire: bad tcp data offset")
)

// Flags is the TCP control-bit bitmask (SYN, ACK, FIN, ...). Only FIN, SYN,
// RST and ACK are meaningful to this stack. Parsing keeps all nine control
// bits and masks off only the data offset and reserved bits.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	FlagSynAck Flags = FlagSYN | FlagACK
	FlagFinAck Flags = FlagFIN | FlagACK
)

func (f Flags) Mask() Flags        { return f & flagMask }
func (f Flags) HasAll(m Flags) bool { return f&m == m }
func (f Flags) HasAny(m Flags) bool { return f&m != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	const names = "FINSYNRSTPSHACKURGECECWRNS "
	const width = 3
	buf := make([]byte, 0, 2+width*bits.OnesCount16(uint16(f)))
	buf = append(buf, '[')
	first := true
	rest := f
	for rest != 0 {
		i := bits.TrailingZeros16(uint16(rest))
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, names[i*width:i*width+width]...)
		rest &= ^(1 << i)
	}
	buf = append(buf, ']')
	return string(buf)
}

// Segment is the sequence-space projection of a TCP header: the fields that
// matter to the connection state machine, divorced from the wire buffer
// that carried them.
type Segment struct {
	SEQ     seqnum.Value
	ACK     seqnum.Value
	DATALEN seqnum.Size
	WND     seqnum.Size
	Flags   Flags
}

// Len is the number of sequence numbers the segment occupies, including the
// virtual octet contributed by SYN or FIN.
func (s Segment) Len() seqnum.Size {
	n := s.DATALEN
	if s.Flags.HasAny(FlagSYN) {
		n++
	}
	if s.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the final octet occupied by the segment.
func (s Segment) Last() seqnum.Value {
	l := s.Len()
	if l == 0 {
		return s.SEQ
	}
	return seqnum.Sub(seqnum.Add(s.SEQ, l), 1)
}

func (s Segment) String() string {
	return fmt.Sprintf("<SEQ=%d><ACK=%d><WND=%d>%s len=%d", uint32(s.SEQ), uint32(s.ACK), uint32(s.WND), s.Flags, uint32(s.DATALEN))
}

// TCPFrame is a zero-copy view over a raw TCP header as found in an IPv4 payload.
type TCPFrame struct {
	buf []byte
}

func NewTCPFrame(buf []byte) (TCPFrame, error) {
	if len(buf) < SizeHeaderTCP {
		return TCPFrame{}, ErrShortTCPHeader
	}
	return TCPFrame{buf: buf}, nil
}

func (f TCPFrame) RawData() []byte { return f.buf }

func (f TCPFrame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f TCPFrame) SetSourcePort(v uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], v) }
func (f TCPFrame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f TCPFrame) SetDestinationPort(v uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], v)
}

func (f TCPFrame) Seq() seqnum.Value { return seqnum.Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f TCPFrame) SetSeq(v seqnum.Value) {
	binary.BigEndian.PutUint32(f.buf[4:8], uint32(v))
}

func (f TCPFrame) Ack() seqnum.Value { return seqnum.Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f TCPFrame) SetAck(v seqnum.Value) {
	binary.BigEndian.PutUint32(f.buf[8:12], uint32(v))
}

func (f TCPFrame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

func (f TCPFrame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength uses the data-offset field to compute the TCP header length in bytes.
func (f TCPFrame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return int(offset) * 4
}

func (f TCPFrame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f TCPFrame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(f.buf[14:16], v) }
func (f TCPFrame) CRC() uint16            { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f TCPFrame) SetCRC(v uint16)        { binary.BigEndian.PutUint16(f.buf[16:18], v) }
func (f TCPFrame) UrgentPtr() uint16      { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f TCPFrame) SetUrgentPtr(v uint16)  { binary.BigEndian.PutUint16(f.buf[18:20], v) }

// Payload returns the segment data past the header (and any options).
func (f TCPFrame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Options returns the raw TCP options bytes, which this stack parses only
// for MSS (kind 2) and otherwise skips over.
func (f TCPFrame) Options() []byte { return f.buf[SizeHeaderTCP:f.HeaderLength()] }

// ClearHeader zeros the fixed 20-byte header, leaving options untouched.
func (f TCPFrame) ClearHeader() {
	for i := range f.buf[:SizeHeaderTCP] {
		f.buf[i] = 0
	}
}

// ValidateSize checks the data-offset field against the backing buffer.
func (f TCPFrame) ValidateSize() error {
	hl := f.HeaderLength()
	if hl < SizeHeaderTCP || hl > len(f.buf) {
		return ErrBadTCPOffset
	}
	return nil
}

// ToSegment projects the frame's header fields, together with the given
// payload length, into a [Segment].
func (f TCPFrame) ToSegment(payloadLen int) Segment {
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     seqnum.Size(f.WindowSize()),
		DATALEN: seqnum.Size(payloadLen),
		Flags:   flags,
	}
}

// SetSegment writes a Segment's fields into the frame header. offset is the
// data offset in 32-bit words (minimum 5, i.e. no options).
func (f TCPFrame) SetSegment(seg Segment, offset uint8) {
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

func (f TCPFrame) String() string {
	return fmt.Sprintf("TCP :%d -> :%d %s", f.SourcePort(), f.DestinationPort(), f.ToSegment(len(f.Payload())))
}

// OptionMSS parses the first Maximum Segment Size option (kind 2, length 4)
// out of a TCP options buffer, returning ok=false if none is present.
func OptionMSS(opts []byte) (mss uint16, ok bool) {
	off := 0
	for off < len(opts) {
		kind := opts[off]
		switch kind {
		case 0: // end of option list
			return 0, false
		case 1: // no-op
			off++
			continue
		}
		if off+1 >= len(opts) {
			return 0, false
		}
		size := int(opts[off+1])
		if size < 2 || off+size > len(opts) {
			return 0, false
		}
		if kind == 2 && size == 4 {
			return binary.BigEndian.Uint16(opts[off+2 : off+4]), true
		}
		off += size
	}
	return 0, false
}

// AppendMSSOption appends a 4-byte Maximum Segment Size option to buf.
func AppendMSSOption(buf []byte, mss uint16) []byte {
	buf = append(buf, 2, 4, byte(mss>>8), byte(mss))
	return buf
}
