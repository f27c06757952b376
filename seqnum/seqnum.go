// Package seqnum implements TCP sequence space arithmetic: wrapping 32-bit
// comparisons and the open-interval containment test used throughout RFC 793
// to decide segment acceptability, ACK validity and window membership.
package seqnum

import "fmt"

// Value is a position in the TCP sequence space (SEQ, ACK, ISS, IRS, ...).
// It wraps modulo 2**32 per RFC 793 and must never be compared with the
// native < or > operators: use [Less] or [InWindow] instead.
type Value uint32

// Size is a length in the TCP sequence space (payload length, window size,
// SYN/FIN's one-octet contribution).
type Size uint32

// Add returns v+n, wrapping modulo 2**32.
func Add(v Value, n Size) Value { return v + Value(n) }

// Sub returns v-n, wrapping modulo 2**32.
func Sub(v Value, n Size) Value { return v - Value(n) }

// Diff returns b-a interpreted as the forward distance from a to b around
// the sequence ring, i.e. the n for which Add(a, n) == b.
func Diff(a, b Value) Size { return Size(b - a) }

// Less implements the RFC 1982 serial number comparison used by TCP's
// "wrapping_lt": a is considered less than b if the forward distance from a
// to b is less than half the sequence space (2**31). This must use the
// strict threshold of 1<<31, not a naive XOR of the sign bits, or the
// comparison silently breaks for distances straddling the midpoint.
func Less(a, b Value) bool {
	return int32(b-a) > 0
}

// LessEq reports whether a==b or Less(a,b).
func LessEq(a, b Value) bool {
	return a == b || Less(a, b)
}

// InBetween reports whether b lies in the open interval (start, end) walking
// forward around the sequence ring from start, i.e. start < b < end in
// wrapped-comparison terms. Neither endpoint is itself "in between".
func InBetween(start, b, end Value) bool {
	return Less(start, b) && Less(b, end)
}

// InWindow reports whether seq falls within [wl, wl+wnd) using wrapped
// comparisons, the acceptability test RFC 793 §3.3 applies to a single
// octet against a receive or send window.
func InWindow(seq, wl Value, wnd Size) bool {
	if wnd == 0 {
		return seq == wl
	}
	return seq == wl || InBetween(Sub(wl, 1), seq, Add(wl, wnd))
}

func (v Value) String() string { return fmt.Sprintf("%d", uint32(v)) }
func (s Size) String() string  { return fmt.Sprintf("%d", uint32(s)) }
