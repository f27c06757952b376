package engine

import (
	"testing"
	"time"

	"github.com/hemlock-systems/tuntcp/quad"
	"github.com/hemlock-systems/tuntcp/seqnum"
	"github.com/hemlock-systems/tuntcp/wire"
)

func parseSent(t *testing.T, buf []byte) (wire.Segment, []byte) {
	t.Helper()
	ipf, err := wire.NewIPv4Frame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := ipf.ValidateSize(); err != nil {
		t.Fatal(err)
	}
	tf, err := wire.NewTCPFrame(ipf.Payload())
	if err != nil {
		t.Fatal(err)
	}
	payload := tf.Payload()
	return tf.ToSegment(len(payload)), payload
}

// TestHandshakeThroughTeardown runs the literal E1-E7 scenarios end to end
// against a single Conn, using a recording TransmitFunc in place of a TUN device.
func TestHandshakeThroughTeardown(t *testing.T) {
	var sent [][]byte
	tx := func(b []byte) error {
		cp := make([]byte, len(b))
		copy(cp, b)
		sent = append(sent, cp)
		return nil
	}
	q := quad.New([4]byte{10, 0, 0, 2}, 4000, [4]byte{10, 0, 0, 1}, 54321)
	cfg := DefaultConfig()
	now := time.Unix(1000, 0)

	// E1: peer SYN seq=1000 wnd=1024 to bound port 4000.
	peerSyn := wire.Segment{SEQ: 1000, WND: 1024, Flags: wire.FlagSYN}
	c := Accept(q, 0, peerSyn, cfg, tx, nil)
	if c.State() != StateSynRcvd {
		t.Fatalf("expected SynRcvd, got %v", c.State())
	}
	if err := c.SendSynAck(now); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected 1 segment sent, got %d", len(sent))
	}
	seg, _ := parseSent(t, sent[0])
	if seg.SEQ != 0 || seg.ACK != 1001 || !seg.Flags.HasAll(wire.FlagSynAck) {
		t.Fatalf("E1: unexpected SYN-ACK %+v", seg)
	}
	sent = nil

	// E2: peer ACK seq=1001 ack=1.
	ack := wire.Segment{SEQ: 1001, ACK: 1, WND: 1024, Flags: wire.FlagACK}
	if _, err := c.OnPacket(now, ack, nil); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateEstab {
		t.Fatalf("E2: expected Estab, got %v", c.State())
	}

	// E3: peer sends "hello" seq=1001 ack=1.
	data := wire.Segment{SEQ: 1001, ACK: 1, WND: 1024, Flags: wire.FlagACK, DATALEN: 5}
	if _, err := c.OnPacket(now, data, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if c.rcv.NXT != 1006 {
		t.Fatalf("E3: expected RCV.NXT=1006, got %d", c.rcv.NXT)
	}
	var got []byte
	buf := make([]byte, 16)
	n, _ := c.Read(buf)
	got = buf[:n]
	if string(got) != "hello" {
		t.Fatalf("E3: expected delivered payload 'hello', got %q", got)
	}
	if len(sent) != 1 {
		t.Fatalf("E3: expected one ACK emitted, got %d", len(sent))
	}
	ackSeg, _ := parseSent(t, sent[0])
	if ackSeg.ACK != 1006 {
		t.Fatalf("E3: expected ack=1006, got %d", ackSeg.ACK)
	}
	sent = nil

	// E4: user writes "hi"; next tick fires.
	if _, err := c.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := c.OnTick(now); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("E4: expected 1 segment, got %d", len(sent))
	}
	dataSeg, payload := parseSent(t, sent[0])
	if dataSeg.SEQ != 1 || dataSeg.ACK != 1006 || string(payload) != "hi" {
		t.Fatalf("E4: unexpected data segment %+v payload=%q", dataSeg, payload)
	}
	sent = nil

	// E5: peer ACKs seq=3 before RTO.
	peerAck := wire.Segment{SEQ: 1006, ACK: 3, WND: 1024, Flags: wire.FlagACK}
	if _, err := c.OnPacket(now.Add(10*time.Millisecond), peerAck, nil); err != nil {
		t.Fatal(err)
	}
	if c.snd.UNA != 3 {
		t.Fatalf("E5: expected SND.UNA=3, got %d", c.snd.UNA)
	}
	if c.unacked.Buffered() != 0 {
		t.Fatalf("E5: expected unacked drained, got %d buffered", c.unacked.Buffered())
	}
	if c.timers.Len() != 0 {
		t.Fatalf("E5: expected timers drained, got %d entries", c.timers.Len())
	}

	// E6: user shutdown(Write); next tick.
	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := c.OnTick(now); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("E6: expected 1 segment (FIN), got %d", len(sent))
	}
	finSeg, _ := parseSent(t, sent[0])
	if finSeg.SEQ != 3 || !finSeg.Flags.HasAny(wire.FlagFIN) {
		t.Fatalf("E6: expected FIN at seq=3, got %+v", finSeg)
	}
	if c.closedAt == nil || *c.closedAt != 3 {
		t.Fatalf("E6: expected closedAt=3")
	}
	if c.State() != StateFinWait1 {
		t.Fatalf("E6: expected FinWait1, got %v", c.State())
	}
	sent = nil

	// E7: peer ACKs our FIN (ack=4) then sends FIN (seq=1006).
	finAck := wire.Segment{SEQ: 1006, ACK: 4, WND: 1024, Flags: wire.FlagACK}
	if _, err := c.OnPacket(now, finAck, nil); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateFinWait2 {
		t.Fatalf("E7: expected FinWait2 after ACK of our FIN, got %v", c.State())
	}
	peerFin := wire.Segment{SEQ: 1006, ACK: 4, WND: 1024, Flags: wire.FlagFinAck}
	if _, err := c.OnPacket(now, peerFin, nil); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateTimeWait {
		t.Fatalf("E7: expected TimeWait, got %v", c.State())
	}
	if len(sent) != 1 {
		t.Fatalf("E7: expected final ACK, got %d segments", len(sent))
	}
	finalAck, _ := parseSent(t, sent[0])
	if finalAck.ACK != 1007 {
		t.Fatalf("E7: expected final ack=1007, got %d", finalAck.ACK)
	}
}

func TestUnacceptableSegmentGetsEmptyACK(t *testing.T) {
	var sent [][]byte
	tx := func(b []byte) error {
		cp := append([]byte(nil), b...)
		sent = append(sent, cp)
		return nil
	}
	q := quad.New([4]byte{10, 0, 0, 2}, 4000, [4]byte{10, 0, 0, 1}, 1)
	cfg := DefaultConfig()
	peerSyn := wire.Segment{SEQ: 1000, WND: 1024, Flags: wire.FlagSYN}
	c := Accept(q, 0, peerSyn, cfg, tx, nil)
	now := time.Unix(0, 0)
	c.SendSynAck(now)
	ack := wire.Segment{SEQ: 1001, ACK: 1, WND: 1024, Flags: wire.FlagACK}
	c.OnPacket(now, ack, nil)
	sent = nil

	// Segment far outside the receive window.
	bad := wire.Segment{SEQ: seqnum.Add(c.rcv.NXT, 100000), ACK: 1, WND: 1024, Flags: wire.FlagACK, DATALEN: 5}
	if _, err := c.OnPacket(now, bad, []byte("xxxxx")); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateEstab {
		t.Fatalf("unacceptable segment must not change state")
	}
	if len(sent) != 1 {
		t.Fatalf("expected exactly one empty ACK reply, got %d", len(sent))
	}
	seg, payload := parseSent(t, sent[0])
	if len(payload) != 0 || seg.SEQ != c.snd.NXT || seg.ACK != c.rcv.NXT {
		t.Fatalf("expected empty ACK echoing SND.NXT/RCV.NXT, got %+v", seg)
	}
}

func TestRetransmitAfterRTO(t *testing.T) {
	var sent [][]byte
	tx := func(b []byte) error {
		cp := append([]byte(nil), b...)
		sent = append(sent, cp)
		return nil
	}
	q := quad.New([4]byte{10, 0, 0, 2}, 4000, [4]byte{10, 0, 0, 1}, 1)
	cfg := DefaultConfig()
	peerSyn := wire.Segment{SEQ: 1000, WND: 1024, Flags: wire.FlagSYN}
	c := Accept(q, 0, peerSyn, cfg, tx, nil)
	base := time.Unix(0, 0)
	c.SendSynAck(base)
	c.OnPacket(base, wire.Segment{SEQ: 1001, ACK: 1, WND: 1024, Flags: wire.FlagACK}, nil)
	c.Write([]byte("abc"))
	c.OnTick(base)
	sent = nil

	// No retransmit before 1s elapses.
	if err := c.OnTick(base.Add(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected no retransmission before RTO, got %d segments", len(sent))
	}

	// The RTO floor is max(1s, 1.5*SRTT); SRTT starts at 60s, and the
	// handshake ACK folded in a 0s sample for the SYN-ACK, leaving SRTT at
	// 48s, so nothing short of 72s will trigger a resend yet.
	if err := c.OnTick(base.Add(100 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(sent) == 0 {
		t.Fatalf("expected a retransmission after RTO elapses")
	}
	seg, payload := parseSent(t, sent[len(sent)-1])
	if seg.SEQ != 1 || string(payload) != "abc" {
		t.Fatalf("expected retransmitted segment seq=1 payload=abc, got %+v %q", seg, payload)
	}
}

func TestInvariantTimersWithinWindow(t *testing.T) {
	var sent [][]byte
	tx := func(b []byte) error {
		sent = append(sent, b)
		return nil
	}
	q := quad.New([4]byte{10, 0, 0, 2}, 4000, [4]byte{10, 0, 0, 1}, 1)
	cfg := DefaultConfig()
	peerSyn := wire.Segment{SEQ: 1000, WND: 1024, Flags: wire.FlagSYN}
	c := Accept(q, 0, peerSyn, cfg, tx, nil)
	now := time.Unix(0, 0)
	c.SendSynAck(now)
	c.OnPacket(now, wire.Segment{SEQ: 1001, ACK: 1, WND: 1024, Flags: wire.FlagACK}, nil)
	// The handshake ACK drains the SYN-ACK's entry, so no timer key lies
	// outside [SND.UNA, SND.NXT) (invariant 3).
	if c.timers.Len() != 0 {
		t.Fatalf("expected no timer entries after the handshake, got %d", c.timers.Len())
	}
}
