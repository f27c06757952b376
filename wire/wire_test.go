package wire

import (
	"testing"

	"github.com/hemlock-systems/tuntcp/seqnum"
)

func TestTCPFrameRoundtrip(t *testing.T) {
	buf := make([]byte, SizeHeaderTCP+4)
	f, err := NewTCPFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	seg := Segment{SEQ: 100, ACK: 55, WND: 4096, Flags: FlagACK | FlagPSH, DATALEN: 4}
	f.SetSegment(seg, 5)
	f.SetSourcePort(1234)
	f.SetDestinationPort(80)
	copy(f.Payload(), []byte("ping"))

	if f.Seq() != 100 || f.Ack() != 55 || f.WindowSize() != 4096 {
		t.Fatal("fields did not round-trip")
	}
	got := f.ToSegment(len(f.Payload()))
	if got.SEQ != seg.SEQ || got.ACK != seg.ACK || got.Flags != seg.Flags {
		t.Fatalf("ToSegment mismatch: %+v vs %+v", got, seg)
	}
}

func TestSegmentLenAndLast(t *testing.T) {
	syn := Segment{SEQ: 300, Flags: FlagSYN}
	if syn.Len() != 1 {
		t.Fatalf("SYN should occupy 1 sequence number, got %d", syn.Len())
	}
	if syn.Last() != 300 {
		t.Fatalf("SYN-only segment Last() should equal SEQ, got %d", syn.Last())
	}
	data := Segment{SEQ: 300, DATALEN: 10, Flags: FlagACK}
	if data.Last() != seqnum.Value(309) {
		t.Fatalf("expected Last()=309, got %d", data.Last())
	}
}

func TestCRC791KnownValue(t *testing.T) {
	// RFC 1071 example: 0x0001 + 0xf203 + 0xf4f5 + 0xf6f7 sums to a checksum of 0x220d.
	var c CRC791
	c.AddUint16(0x0001)
	c.AddUint16(0xf203)
	c.AddUint16(0xf4f5)
	c.AddUint16(0xf6f7)
	got := c.Sum16()
	if got != 0x220d {
		t.Fatalf("checksum mismatch: got %#x want %#x", got, 0x220d)
	}
}

func TestOptionMSS(t *testing.T) {
	var opts []byte
	opts = AppendMSSOption(opts, 1460)
	mss, ok := OptionMSS(opts)
	if !ok || mss != 1460 {
		t.Fatalf("expected MSS 1460, got %d ok=%v", mss, ok)
	}
}

func TestIPv4ValidateSize(t *testing.T) {
	buf := make([]byte, SizeHeaderIPv4)
	f, err := NewIPv4Frame(buf)
	if err != nil {
		t.Fatal(err)
	}
	f.SetVersionIHL(4, 5)
	f.SetTotalLength(SizeHeaderIPv4)
	if err := f.ValidateSize(); err != nil {
		t.Fatalf("expected valid header, got %v", err)
	}
	f.SetTotalLength(5)
	if err := f.ValidateSize(); err == nil {
		t.Fatal("expected error for too-short total length")
	}
}
