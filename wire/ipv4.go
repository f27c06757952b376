package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const SizeHeaderIPv4 = 20

// ProtoTCP is the IPv4 protocol number carried in the Protocol field for TCP segments.
const ProtoTCP = 6

var (
	ErrShortIPv4Header = errors.New("wire: short ipv4 header")
	ErrBadIPv4Version  = errors.New("wire: bad ipv4 version")
	ErrBadIPv4Length   = errors.New("wire: bad ipv4 total length")
)

// IPv4Frame is a zero-copy view over a raw IPv4 datagram as delivered by a
// layer-3 TUN device. Field accessors read/write directly into the backing
// buffer; no data is copied or owned by the frame itself.
type IPv4Frame struct {
	buf []byte
}

// NewIPv4Frame wraps buf as an IPv4Frame after checking it is large enough
// to hold a header with no options. Callers needing to look at Options or
// Payload must additionally check TotalLength against len(buf).
func NewIPv4Frame(buf []byte) (IPv4Frame, error) {
	if len(buf) < SizeHeaderIPv4 {
		return IPv4Frame{}, ErrShortIPv4Header
	}
	return IPv4Frame{buf: buf}, nil
}

func (f IPv4Frame) RawData() []byte { return f.buf }

func (f IPv4Frame) Version() uint8 { return f.buf[0] >> 4 }
func (f IPv4Frame) IHL() uint8     { return f.buf[0] & 0xf }

// HeaderLength is the IPv4 header length in bytes, including options.
func (f IPv4Frame) HeaderLength() int { return int(f.IHL()) * 4 }

func (f IPv4Frame) SetVersionIHL(version, ihl uint8) { f.buf[0] = version<<4 | ihl&0xf }

func (f IPv4Frame) TotalLength() uint16        { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f IPv4Frame) SetTotalLength(tl uint16)   { binary.BigEndian.PutUint16(f.buf[2:4], tl) }
func (f IPv4Frame) ID() uint16                 { return binary.BigEndian.Uint16(f.buf[4:6]) }
func (f IPv4Frame) SetID(id uint16)            { binary.BigEndian.PutUint16(f.buf[4:6], id) }
func (f IPv4Frame) TTL() uint8                 { return f.buf[8] }
func (f IPv4Frame) SetTTL(ttl uint8)           { f.buf[8] = ttl }
func (f IPv4Frame) Protocol() uint8            { return f.buf[9] }
func (f IPv4Frame) SetProtocol(proto uint8)    { f.buf[9] = proto }
func (f IPv4Frame) CRC() uint16                { return binary.BigEndian.Uint16(f.buf[10:12]) }
func (f IPv4Frame) SetCRC(crc uint16)          { binary.BigEndian.PutUint16(f.buf[10:12], crc) }

func (f IPv4Frame) SourceAddr() [4]byte      { return [4]byte(f.buf[12:16]) }
func (f IPv4Frame) DestinationAddr() [4]byte { return [4]byte(f.buf[16:20]) }
func (f IPv4Frame) SetSourceAddr(a [4]byte)      { copy(f.buf[12:16], a[:]) }
func (f IPv4Frame) SetDestinationAddr(a [4]byte) { copy(f.buf[16:20], a[:]) }

// Payload returns the datagram payload (everything past the IPv4 header).
// Callers must first validate TotalLength against len(RawData()).
func (f IPv4Frame) Payload() []byte {
	return f.buf[f.HeaderLength():f.TotalLength()]
}

// ClearHeader zeros the fixed 20-byte header, leaving options untouched.
func (f IPv4Frame) ClearHeader() {
	for i := range f.buf[:SizeHeaderIPv4] {
		f.buf[i] = 0
	}
}

// ValidateSize checks TotalLength and IHL against the backing buffer before
// any field beyond the fixed header (Payload, Options) is accessed.
func (f IPv4Frame) ValidateSize() error {
	if f.Version() != 4 {
		return ErrBadIPv4Version
	}
	ihl := f.IHL()
	tl := f.TotalLength()
	if ihl < 5 || int(tl) < SizeHeaderIPv4 || int(tl) > len(f.buf) || int(ihl)*4 > int(tl) {
		return ErrBadIPv4Length
	}
	return nil
}

// CalculateHeaderCRC computes the IPv4 header checksum over the fixed and
// option fields, skipping the CRC field itself.
func (f IPv4Frame) CalculateHeaderCRC() uint16 {
	var crc CRC791
	hl := f.HeaderLength()
	crc.Write(f.buf[0:10])
	crc.Write(f.buf[12:hl])
	return crc.Sum16()
}

// WriteTCPPseudoHeader folds the IPv4 pseudo-header used by the TCP checksum
// (src, dst, zero, protocol, TCP segment length) into crc.
func (f IPv4Frame) WriteTCPPseudoHeader(crc *CRC791, tcpSegmentLen uint16) {
	src := f.SourceAddr()
	dst := f.DestinationAddr()
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint16(ProtoTCP)
	crc.AddUint16(tcpSegmentLen)
}

func (f IPv4Frame) String() string {
	src := netip.AddrFrom4(f.SourceAddr())
	dst := netip.AddrFrom4(f.DestinationAddr())
	return fmt.Sprintf("IPv4 %s->%s len=%d proto=%d ttl=%d id=%d", src, dst, f.TotalLength(), f.Protocol(), f.TTL(), f.ID())
}
