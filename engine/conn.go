// Package engine implements the per-connection TCP state machine: the
// three-way handshake subset this stack supports, send/receive
// sequence-space bookkeeping, segment acceptability, the retransmission
// scheduler and the packet serialization/checksum path. A Conn is owned
// exclusively by whatever demultiplexer holds it; it does no locking of
// its own (see the stack package for the coarse lock guarding user access).
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/hemlock-systems/tuntcp/internal"
	"github.com/hemlock-systems/tuntcp/metrics"
	"github.com/hemlock-systems/tuntcp/quad"
	"github.com/hemlock-systems/tuntcp/seqnum"
	"github.com/hemlock-systems/tuntcp/wire"
)

// ErrNotConnected reports user misuse: a write or shutdown after the
// connection has already left its data-transfer states.
var ErrNotConnected = errors.New("engine: not connected")

// RejectError describes a segment-admission failure that is routine enough
// not to warrant a stack trace. OnPacket does not return it: an
// unacceptable segment is answered with an empty ACK, counted in
// Stats.Rejected, and OnPacket returns a nil error. A production stack
// would answer these with RST; this core only documents the gap.
type RejectError struct{ reason string }

func (e *RejectError) Error() string { return "engine: reject: " + e.reason }

func reject(reason string) error { return &RejectError{reason: reason} }

// TransmitFunc hands a fully-built IPv4 datagram to whatever owns the TUN
// device. It is the only I/O boundary this package crosses.
type TransmitFunc func(datagram []byte) error

// Config bundles the tunable defaults a Conn is constructed with.
type Config struct {
	RecvWindow    seqnum.Size // advertised receive window; default 65535.
	SendBufSize   int         // capacity of the unacked ring; default 64KiB.
	RecvBufSize   int         // capacity of the incoming ring; default 64KiB.
	MTU           int         // default 1500.
	TTL           uint8       // default 64.
	MSS           uint16      // advertised on the SYN-ACK only; default 1460.
	MSL           time.Duration

	// Metrics, if non-nil, receives per-byte counters as the connection
	// moves data. Left nil by DefaultConfig; demux.Demux.SetMetrics plumbs
	// a shared instance into every Conn it constructs.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the stack's default tunables.
func DefaultConfig() Config {
	return Config{
		RecvWindow:  65535,
		SendBufSize: 64 << 10,
		RecvBufSize: 64 << 10,
		MTU:         1500,
		TTL:         64,
		MSS:         1460,
		MSL:         60 * time.Second,
	}
}

type sendSpace struct {
	ISS, UNA, NXT seqnum.Value
	WND           seqnum.Size
	UP            seqnum.Value
	WL1, WL2      seqnum.Value
}

type recvSpace struct {
	IRS, NXT seqnum.Value
	WND      seqnum.Size
	UP       seqnum.Value
}

// Availability is a snapshot of which handle operations would not block,
// returned from packet/tick handling so the caller can wake user waiters.
type Availability uint8

const (
	AvailRead Availability = 1 << iota
	// AvailWrite is never set. Write-side availability is deliberately not
	// computed, matching a known gap in the source this core is built
	// from: every Stream.Write is treated as always potentially blocking.
	// Back-pressure shows up as Conn.Write accepting no bytes while the
	// send ring is full, which Stream.Write retries with backoff.
	AvailWrite
)

// Conn is a single TCP connection's engine: state machine, sequence
// spaces, buffers and retransmission timers. It implements on_packet,
// on_tick and the segment-emission path.
type Conn struct {
	ID   xid.ID
	Quad quad.Quad

	Logger *slog.Logger

	localAddr, remoteAddr [4]byte
	localPort, remotePort uint16

	cfg Config
	tx  TransmitFunc

	state State

	snd sendSpace
	rcv recvSpace

	unacked internal.Ring
	incoming internal.Ring

	closed   bool
	closedAt *seqnum.Value

	timers *Timers

	ipID uint16
	txbuf [1500]byte

	timeWaitDeadline time.Time

	retransmits int
	rejected    int
}

// Stats is a snapshot of per-connection counters for the metrics package.
type Stats struct {
	Retransmits int
	Rejected    int
	SRTT        time.Duration
}

// Stats returns the connection's current retransmit/rejection counts and
// SRTT estimate.
func (c *Conn) Stats() Stats {
	return Stats{Retransmits: c.retransmits, Rejected: c.rejected, SRTT: c.timers.SRTT()}
}

// Accept constructs a Conn in SynRcvd for an inbound SYN, per the state
// table's "(none) -> accept(): peer SYN received -> SynRcvd". It does not
// itself transmit the SYN-ACK; call SendSynAck to do that, so tests can
// inspect the constructed state before any I/O happens.
func Accept(q quad.Quad, iss seqnum.Value, peerSYN wire.Segment, cfg Config, tx TransmitFunc, logger *slog.Logger) *Conn {
	c := &Conn{
		ID:         xid.New(),
		Quad:       q,
		Logger:     logger,
		localAddr:  u32to4(q.SrcAddr),
		remoteAddr: u32to4(q.DstAddr),
		localPort:  q.SrcPort,
		remotePort: q.DstPort,
		cfg:        cfg,
		tx:         tx,
		state:      StateSynRcvd,
	}
	c.rcv.IRS = peerSYN.SEQ
	c.rcv.NXT = seqnum.Add(peerSYN.SEQ, 1)
	c.rcv.WND = cfg.RecvWindow
	c.snd.ISS = iss
	c.snd.UNA = iss
	c.snd.NXT = iss
	c.snd.WND = peerSYN.WND
	c.unacked.Buf = make([]byte, cfg.SendBufSize)
	c.incoming.Buf = make([]byte, cfg.RecvBufSize)
	c.timers = NewTimers()
	return c
}

func u32to4(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// SendSynAck transmits the SYN-ACK response to the SYN that produced this
// Conn via Accept. The SYN is a virtual byte: it consumes SND.ISS and
// advances SND.NXT exactly as a FIN would at the other end of the stream.
func (c *Conn) SendSynAck(now time.Time) error {
	return c.transmitSegment(now, c.snd.ISS, wire.FlagSYN|wire.FlagACK, nil)
}

// State returns the connection's current state.
func (c *Conn) State() State { return c.state }

// Availability reports what would not currently block.
func (c *Conn) Availability() Availability {
	var a Availability
	if c.incoming.Buffered() > 0 || c.state == StateTimeWait {
		a |= AvailRead
	}
	return a
}

// Write appends user data to the unacked send buffer; the next tick (or an
// immediate send, in a future revision) drains it onto the wire. It
// returns ErrNotConnected if the connection has already been shut down for
// writing. A full send buffer is reported as (0, nil), not an error: the
// caller is expected to retry once the buffer drains, exactly as a short
// io.Writer write would be handled.
func (c *Conn) Write(b []byte) (int, error) {
	if c.closed {
		return 0, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := c.unacked.Write(b)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Read drains bytes delivered in order from the peer. It returns (0, nil)
// once the connection has reached TimeWait with nothing left buffered,
// signaling EOF to the caller the way io.Reader's contract expects, except
// that engine.Conn intentionally has no blocking semantics of its own —
// that belongs to the stack package.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.incoming.Read(b)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// BufferedInput reports how many bytes are ready for Read.
func (c *Conn) BufferedInput() int { return c.incoming.Buffered() }

// Shutdown marks the send side closed; the next tick will attach a FIN to
// the outgoing stream once the send buffer drains, per spec's resolution
// of the close()/shutdown(Write) ordering: close() sets the bit, the tick
// emits FIN, the state transitions to FinWait1 at FIN emission time (not
// at the call to Shutdown itself).
func (c *Conn) Shutdown() error {
	if c.closed {
		return ErrNotConnected
	}
	c.closed = true
	return nil
}

// OnPacket implements the inbound segment handler: acceptability, the
// pure-SYN advance, ACK processing with SRTT update, in-order data
// delivery, and FIN handling. It returns the availability bitset so the
// caller can wake user waiters.
func (c *Conn) OnPacket(now time.Time, seg wire.Segment, payload []byte) (Availability, error) {
	// Step 1: acceptability (RFC 793 §3.3).
	slen := seg.DATALEN
	if seg.Flags.HasAny(wire.FlagSYN) {
		slen++
	}
	if seg.Flags.HasAny(wire.FlagFIN) {
		slen++
	}
	wend := seqnum.Add(c.rcv.NXT, c.rcv.WND)
	acceptable := false
	switch {
	case slen == 0 && c.rcv.WND == 0:
		acceptable = seg.SEQ == c.rcv.NXT
	case slen == 0:
		acceptable = seqnum.InBetween(seqnum.Sub(c.rcv.NXT, 1), seg.SEQ, wend)
	case c.rcv.WND == 0:
		acceptable = false
	default:
		last := seqnum.Sub(seqnum.Add(seg.SEQ, slen), 1)
		acceptable = seqnum.InBetween(seqnum.Sub(c.rcv.NXT, 1), seg.SEQ, wend) ||
			seqnum.InBetween(seqnum.Sub(c.rcv.NXT, 1), last, wend)
	}
	if !acceptable {
		c.rejected++
		c.debug("unacceptable segment", seg)
		if err := c.transmitSegment(now, c.snd.NXT, wire.FlagACK, nil); err != nil {
			return c.Availability(), err
		}
		return c.Availability(), nil
	}

	// Step 2: no-data SYN (duplicate/retransmitted initial SYN).
	if seg.Flags.HasAny(wire.FlagSYN) && seg.DATALEN == 0 {
		c.rcv.NXT = seqnum.Add(c.rcv.NXT, 1)
		return c.Availability(), nil
	}

	// Step 3: ACK processing.
	ackn := seg.ACK
	if seg.Flags.HasAny(wire.FlagACK) {
		switch {
		case c.state == StateSynRcvd:
			if seqnum.InBetween(seqnum.Sub(c.snd.UNA, 1), ackn, seqnum.Add(c.snd.NXT, 1)) {
				c.timers.DrainAcked(c.snd.UNA, ackn, now)
				c.snd.UNA = ackn
				c.state = StateEstab
			}
			// else: invalid ACK in SynRcvd, ignored. A production stack
			// would RST here; this core documents the gap instead.
		case c.state.ackAdvancesUNA():
			if seqnum.InBetween(c.snd.UNA, ackn, seqnum.Add(c.snd.NXT, 1)) {
				c.timers.DrainAcked(c.snd.UNA, ackn, now)
				drained := int(seqnum.Diff(c.snd.UNA, ackn))
				if buffered := c.unacked.Buffered(); drained > buffered {
					drained = buffered
				}
				if drained > 0 {
					c.unacked.ReadDiscard(drained)
				}
				c.snd.UNA = ackn
				if c.state == StateFinWait1 && c.closedAt != nil && c.snd.UNA == seqnum.Add(*c.closedAt, 1) {
					c.state = StateFinWait2
				}
			}
		}
	}

	// Step 4: data delivery. Only the pure-data octets are accounted for
	// here; the virtual FIN octet is consumed by step 5, so a bare ACK or
	// a data-free FIN does not draw a redundant acknowledgment from this
	// step.
	if c.state.acceptsData() {
		skip := seqnum.Diff(seg.SEQ, c.rcv.NXT)
		if skip > seg.DATALEN {
			// Retransmitted FIN whose data was already consumed.
			skip = 0
		}
		if int(skip) <= len(payload) {
			rest := payload[skip:]
			if len(rest) > 0 {
				if _, err := c.incoming.Write(rest); err != nil {
					c.debug("incoming buffer full, dropping segment", seg)
				}
			}
		}
		if seg.DATALEN > 0 {
			c.rcv.NXT = seqnum.Add(c.rcv.NXT, seg.DATALEN)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.BytesIn.Add(float64(seg.DATALEN))
			}
			if err := c.transmitSegment(now, c.snd.NXT, wire.FlagACK, nil); err != nil {
				return c.Availability(), err
			}
		}
	}

	// Step 5: FIN handling.
	if seg.Flags.HasAny(wire.FlagFIN) {
		switch c.state {
		case StateFinWait2:
			c.rcv.NXT = seqnum.Add(c.rcv.NXT, 1)
			if err := c.transmitSegment(now, c.snd.NXT, wire.FlagACK, nil); err != nil {
				return c.Availability(), err
			}
			c.state = StateTimeWait
			c.timeWaitDeadline = now.Add(2 * c.cfg.MSL)
		default:
			// Estab->CloseWait, FinWait1->Closing/TimeWait and a FIN in
			// any other state are not implemented in this core; reaching
			// one is fatal.
			panic("engine: peer FIN in state " + c.state.String() + " is not implemented")
		}
	}

	return c.Availability(), nil
}

// OnTick implements the retransmission/new-data scheduler, invoked
// periodically by the demultiplexer.
func (c *Conn) OnTick(now time.Time) error {
	if c.state == StateTimeWait {
		return nil
	}
	if _, sent, ok := c.timers.Oldest(c.snd.UNA); ok {
		elapsed := now.Sub(sent)
		if elapsed > time.Second && elapsed > time.Duration(1.5*float64(c.timers.SRTT())) {
			return c.retransmit(now)
		}
	}
	return c.sendNewData(now)
}

// retransmit resends up to min(|unacked|, SND.WND) bytes starting at
// SND.UNA, attaching FIN if the resend falls short of the window and the
// connection has been shut down for writing.
func (c *Conn) retransmit(now time.Time) error {
	bufData := c.unacked.Buffered()
	resend := int(c.snd.WND)
	if bufData < resend {
		resend = bufData
	}
	seq := c.snd.UNA
	var payload []byte
	if resend > 0 {
		payload = make([]byte, resend)
		if _, err := c.unacked.ReadAt(payload, 0); err != nil {
			return err
		}
	}
	flags := wire.FlagACK
	attachFin := false
	if resend < int(c.snd.WND) && c.closed {
		finSeq := seqnum.Add(seq, seqnum.Size(resend))
		if c.closedAt == nil {
			c.closedAt = &finSeq
		}
		if *c.closedAt == finSeq {
			attachFin = true
		}
	}
	if attachFin {
		flags |= wire.FlagFIN
	}
	c.retransmits++
	if err := c.transmitSegment(now, seq, flags, payload); err != nil {
		return err
	}
	if attachFin && (c.state == StateEstab || c.state == StateSynRcvd) {
		c.state = StateFinWait1
	}
	return nil
}

// sendNewData sends as much unsent data as the peer's window allows,
// attaching FIN if the connection is shut down and the window has room
// beyond the data sent.
func (c *Conn) sendNewData(now time.Time) error {
	nunacked := seqnum.Diff(c.snd.UNA, c.snd.NXT)
	bufData := seqnum.Size(c.unacked.Buffered())
	var unsent seqnum.Size
	if bufData > nunacked {
		unsent = bufData - nunacked
	}
	needFin := c.closed && c.closedAt == nil
	if unsent == 0 && !needFin {
		// Nothing new to say: no unsent data and no FIN pending.
		return nil
	}
	var allowed seqnum.Size
	if c.snd.WND > nunacked {
		allowed = c.snd.WND - nunacked
	}
	if allowed == 0 {
		return nil
	}
	toSend := unsent
	if allowed < toSend {
		toSend = allowed
	}
	seq := c.snd.NXT
	var payload []byte
	if toSend > 0 {
		payload = make([]byte, int(toSend))
		if _, err := c.unacked.ReadAt(payload, int64(nunacked)); err != nil {
			return err
		}
	}
	flags := wire.FlagACK
	attachFin := false
	if toSend < allowed && c.closed && c.closedAt == nil {
		finSeq := seqnum.Add(seq, toSend)
		c.closedAt = &finSeq
		attachFin = true
	}
	if attachFin {
		flags |= wire.FlagFIN
	}
	if err := c.transmitSegment(now, seq, flags, payload); err != nil {
		return err
	}
	if attachFin && (c.state == StateEstab || c.state == StateSynRcvd) {
		c.state = StateFinWait1
	}
	return nil
}

// transmitSegment implements the segment-emission algorithm: it lays out
// IPv4+TCP headers and payload into a single MTU-sized buffer, computes
// the checksum after the payload is in place, advances SND.NXT (never
// rewinding it), records a retransmission timer entry for segments that
// occupy sequence space, and hands the datagram to the TransmitFunc.
func (c *Conn) transmitSegment(now time.Time, seq seqnum.Value, flags wire.Flags, payload []byte) error {
	var opts []byte
	if flags.HasAny(wire.FlagSYN) {
		opts = wire.AppendMSSOption(opts, c.cfg.MSS)
	}
	tcpHdrLen := wire.SizeHeaderTCP + len(opts)
	total := wire.SizeHeaderIPv4 + tcpHdrLen + len(payload)
	if total > len(c.txbuf) {
		return errors.New("engine: segment exceeds mtu")
	}
	buf := c.txbuf[:total]

	ipf, err := wire.NewIPv4Frame(buf)
	if err != nil {
		return err
	}
	ipf.ClearHeader()
	ipf.SetVersionIHL(4, 5)
	ipf.SetTotalLength(uint16(total))
	c.ipID++
	ipf.SetID(c.ipID)
	ipf.SetTTL(c.cfg.TTL)
	ipf.SetProtocol(wire.ProtoTCP)
	ipf.SetSourceAddr(c.localAddr)
	ipf.SetDestinationAddr(c.remoteAddr)

	tcpBuf := buf[wire.SizeHeaderIPv4:]
	tf, err := wire.NewTCPFrame(tcpBuf)
	if err != nil {
		return err
	}
	tf.ClearHeader()
	tf.SetSourcePort(c.localPort)
	tf.SetDestinationPort(c.remotePort)
	wnd := c.rcv.WND
	if wnd > 0xffff {
		wnd = 0xffff
	}
	seg := wire.Segment{SEQ: seq, ACK: c.rcv.NXT, WND: wnd, Flags: flags.Mask(), DATALEN: seqnum.Size(len(payload))}
	tf.SetSegment(seg, uint8(tcpHdrLen/4))
	copy(tf.Options(), opts)
	copy(tf.Payload(), payload)

	// Checksum is computed only after payload bytes are laid out.
	var crc wire.CRC791
	ipf.WriteTCPPseudoHeader(&crc, uint16(tcpHdrLen+len(payload)))
	crc.Write(tcpBuf)
	tf.SetCRC(wire.NeverZero(crc.Sum16()))
	ipf.SetCRC(ipf.CalculateHeaderCRC())

	nextSeq := seq
	if flags.HasAny(wire.FlagSYN) {
		nextSeq = seqnum.Add(nextSeq, 1)
	}
	nextSeq = seqnum.Add(nextSeq, seqnum.Size(len(payload)))
	if flags.HasAny(wire.FlagFIN) {
		nextSeq = seqnum.Add(nextSeq, 1)
	}
	if seqnum.Less(c.snd.NXT, nextSeq) {
		c.snd.NXT = nextSeq
	}
	if nextSeq != seq {
		c.timers.Record(seq, now)
	}
	if c.cfg.Metrics != nil && len(payload) > 0 {
		c.cfg.Metrics.BytesOut.Add(float64(len(payload)))
	}

	c.trace("tx segment", seg)
	return c.tx(buf)
}

func (c *Conn) debug(msg string, seg wire.Segment) {
	if c.Logger == nil {
		return
	}
	c.Logger.Debug(msg, slog.String("state", c.state.String()), slog.String("seg", seg.String()))
}

func (c *Conn) trace(msg string, seg wire.Segment) {
	if c.Logger == nil || !c.Logger.Enabled(context.Background(), internal.LevelTrace) {
		return
	}
	internal.LogAttrs(c.Logger, internal.LevelTrace, msg,
		slog.String("state", c.state.String()),
		slog.String("seg", seg.String()),
		internal.SlogAddr4("src", c.localAddr),
		internal.SlogAddr4("dst", c.remoteAddr),
		slog.Uint64("snd.una", uint64(c.snd.UNA)),
		slog.Uint64("snd.nxt", uint64(c.snd.NXT)),
		slog.Uint64("rcv.nxt", uint64(c.rcv.NXT)),
	)
}

// TimeWaitExpired reports whether 2*MSL has elapsed since TimeWait was
// entered, the point at which the demultiplexer's sweep should destroy
// this Conn.
func (c *Conn) TimeWaitExpired(now time.Time) bool {
	return c.state == StateTimeWait && !now.Before(c.timeWaitDeadline)
}
