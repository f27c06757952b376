package demux

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hemlock-systems/tuntcp/engine"
	"github.com/hemlock-systems/tuntcp/quad"
	"github.com/hemlock-systems/tuntcp/seqnum"
	"github.com/hemlock-systems/tuntcp/wire"
)

func buildSynDatagram(t *testing.T, srcAddr, dstAddr [4]byte, srcPort, dstPort uint16, seq uint32) []byte {
	t.Helper()
	buf := make([]byte, wire.SizeHeaderIPv4+wire.SizeHeaderTCP)
	ipf, err := wire.NewIPv4Frame(buf)
	if err != nil {
		t.Fatal(err)
	}
	ipf.SetVersionIHL(4, 5)
	ipf.SetTotalLength(uint16(len(buf)))
	ipf.SetProtocol(wire.ProtoTCP)
	ipf.SetSourceAddr(srcAddr)
	ipf.SetDestinationAddr(dstAddr)
	tf, err := wire.NewTCPFrame(buf[wire.SizeHeaderIPv4:])
	if err != nil {
		t.Fatal(err)
	}
	tf.SetSourcePort(srcPort)
	tf.SetDestinationPort(dstPort)
	seg := wire.Segment{SEQ: seqnum.Value(seq), WND: 1024, Flags: wire.FlagSYN}
	tf.SetSegment(seg, wire.SizeHeaderTCP/4)
	return buf
}

func TestHandleDatagramSpawnsConnectionOnSYN(t *testing.T) {
	var sent [][]byte
	tx := func(b []byte) error {
		sent = append(sent, append([]byte(nil), b...))
		return nil
	}
	var seed [32]byte
	d := New(engine.DefaultConfig(), tx, seed, nil)
	d.Bind(4000, rate.Inf, 1)

	datagram := buildSynDatagram(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 54321, 4000, 1000)
	if err := d.HandleDatagram(time.Unix(0, 0), datagram); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 connection spawned, got %d", d.Len())
	}
	if len(sent) != 1 {
		t.Fatalf("expected a SYN-ACK transmitted, got %d segments", len(sent))
	}
	q := quad.New([4]byte{10, 0, 0, 2}, 4000, [4]byte{10, 0, 0, 1}, 54321)
	c, ok := d.Lookup(q)
	if !ok {
		t.Fatalf("expected connection to be registered under quad %v", q)
	}
	if c.State() != engine.StateSynRcvd {
		t.Fatalf("expected SynRcvd, got %v", c.State())
	}
}

func TestHandleDatagramDropsSynOnUnboundPort(t *testing.T) {
	var sent [][]byte
	tx := func(b []byte) error {
		sent = append(sent, b)
		return nil
	}
	var seed [32]byte
	d := New(engine.DefaultConfig(), tx, seed, nil)

	datagram := buildSynDatagram(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 54321, 9999, 1000)
	if err := d.HandleDatagram(time.Unix(0, 0), datagram); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 0 {
		t.Fatalf("expected no connection spawned for unbound port, got %d", d.Len())
	}
	if len(sent) != 0 {
		t.Fatalf("expected no reply for unbound port, got %d segments", len(sent))
	}
}

func TestHandleDatagramRateLimitsNewSyns(t *testing.T) {
	tx := func(b []byte) error { return nil }
	var seed [32]byte
	d := New(engine.DefaultConfig(), tx, seed, nil)
	d.Bind(4000, 0, 1) // one token total, never refills within the test.

	first := buildSynDatagram(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1, 4000, 1000)
	second := buildSynDatagram(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 2, 4000, 2000)
	now := time.Unix(0, 0)
	if err := d.HandleDatagram(now, first); err != nil {
		t.Fatal(err)
	}
	if err := d.HandleDatagram(now, second); err != nil {
		t.Fatal(err)
	}
	if d.Len() != 1 {
		t.Fatalf("expected only the first SYN admitted, got %d connections", d.Len())
	}
}

func TestTickKeepsConnectionBeforeTimeWait(t *testing.T) {
	tx := func(b []byte) error { return nil }
	var seed [32]byte
	d := New(engine.DefaultConfig(), tx, seed, nil)
	d.Bind(4000, rate.Inf, 1)
	datagram := buildSynDatagram(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1, 4000, 1000)
	now := time.Unix(0, 0)
	if err := d.HandleDatagram(now, datagram); err != nil {
		t.Fatal(err)
	}
	q := quad.New([4]byte{10, 0, 0, 2}, 4000, [4]byte{10, 0, 0, 1}, 1)
	c, _ := d.Lookup(q)

	// Feed the connection an ACK and tick an hour in the past: it has not
	// reached TimeWait, so the sweep must leave it in place.
	c.OnPacket(now, wire.Segment{SEQ: 1001, ACK: 1, WND: 1024, Flags: wire.FlagACK}, nil)
	d.Tick(now.Add(-1 * time.Hour))
	if d.Len() != 1 {
		t.Fatalf("expected connection to remain before reaching TimeWait")
	}
}
