// Package quad identifies a TCP flow by its 4-tuple of addresses and ports,
// the key the demultiplexer uses to route incoming segments to a connection.
package quad

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Quad is the 4-tuple (local address/port, remote address/port) that
// uniquely identifies a TCP connection over a given IPv4 TUN interface.
type Quad struct {
	SrcAddr uint32 // local address, host byte order from network big-endian bytes
	SrcPort uint16 // local port
	DstAddr uint32 // remote address
	DstPort uint16 // remote port
}

// New builds a Quad from raw big-endian address bytes and ports.
func New(srcAddr [4]byte, srcPort uint16, dstAddr [4]byte, dstPort uint16) Quad {
	return Quad{
		SrcAddr: binary.BigEndian.Uint32(srcAddr[:]),
		SrcPort: srcPort,
		DstAddr: binary.BigEndian.Uint32(dstAddr[:]),
		DstPort: dstPort,
	}
}

// Reverse swaps source and destination, turning an incoming-segment tuple
// into the tuple the local connection is keyed under, or vice versa.
func (q Quad) Reverse() Quad {
	return Quad{SrcAddr: q.DstAddr, SrcPort: q.DstPort, DstAddr: q.SrcAddr, DstPort: q.SrcPort}
}

func (q Quad) SrcAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(u32to4(q.SrcAddr)), q.SrcPort)
}

func (q Quad) DstAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(u32to4(q.DstAddr)), q.DstPort)
}

func u32to4(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

func (q Quad) String() string {
	return fmt.Sprintf("%s->%s", q.SrcAddrPort(), q.DstAddrPort())
}
