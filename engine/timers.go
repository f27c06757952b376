package engine

import (
	"time"

	"github.com/google/btree"

	"github.com/hemlock-systems/tuntcp/seqnum"
)

// initialSRTT is deliberately large so a fresh connection does not issue a
// spurious early retransmit before any real sample has been observed.
const initialSRTT = 60 * time.Second

const srttAlpha = 0.8

type timerEntry struct {
	seq  seqnum.Value
	sent time.Time
}

func timerLess(a, b timerEntry) bool {
	return seqnum.Less(a.seq, b.seq)
}

// Timers tracks the send timestamp of every segment currently in flight
// (keyed by its first sequence number) and the smoothed round-trip
// time estimated from ACKs. It is the spec's "ordered mapping from sequence
// number to send timestamp", implemented with a B-tree rather than a plain
// map so the oldest outstanding entry can be found in O(log n) instead of a
// linear scan; google/btree's generic BTreeG is the pack's own substitute
// for the suggestion in the design notes to use a min-heap or similar.
type Timers struct {
	tree *btree.BTreeG[timerEntry]
	srtt time.Duration
}

// NewTimers returns a ready-to-use Timers with the spec's 60s initial SRTT.
func NewTimers() *Timers {
	return &Timers{
		tree: btree.NewG(32, timerLess),
		srtt: initialSRTT,
	}
}

// Record stores the send timestamp for the octet starting at seq, inserted
// or replacing any prior entry at that key.
func (t *Timers) Record(seq seqnum.Value, at time.Time) {
	t.tree.ReplaceOrInsert(timerEntry{seq: seq, sent: at})
}

// Forget removes the timer entry for seq, if any.
func (t *Timers) Forget(seq seqnum.Value) {
	t.tree.Delete(timerEntry{seq: seq})
}

// Oldest returns the entry with the smallest key ≥ una, the oldest segment
// still awaiting acknowledgment.
func (t *Timers) Oldest(una seqnum.Value) (seq seqnum.Value, sent time.Time, ok bool) {
	t.tree.AscendGreaterOrEqual(timerEntry{seq: una}, func(e timerEntry) bool {
		seq, sent, ok = e.seq, e.sent, true
		return false
	})
	return seq, sent, ok
}

// DrainAcked removes every timer entry with a key in [una, ackn) — every
// segment whose first octet is now cumulatively acknowledged — and folds
// each sample's round-trip time into the SRTT estimator (EWMA, α=0.8).
func (t *Timers) DrainAcked(una, ackn seqnum.Value, now time.Time) {
	var toDelete []timerEntry
	t.tree.AscendRange(timerEntry{seq: una}, timerEntry{seq: ackn}, func(e timerEntry) bool {
		rtt := now.Sub(e.sent)
		t.srtt = time.Duration(srttAlpha*float64(t.srtt) + (1-srttAlpha)*float64(rtt))
		toDelete = append(toDelete, e)
		return true
	})
	for _, e := range toDelete {
		t.tree.Delete(e)
	}
}

// SRTT returns the current smoothed round-trip time estimate.
func (t *Timers) SRTT() time.Duration { return t.srtt }

// Len reports the number of segments currently awaiting acknowledgment.
func (t *Timers) Len() int { return t.tree.Len() }
