package engine

// State enumerates the states a Conn progresses through. The demultiplexer
// represents Closed and Listen implicitly: a missing Conn is Closed, and
// Listen is a bound port with a pending-accept queue rather than a Conn at
// all. CloseWait, LastAck and Closing are not modeled: a peer FIN is only
// handled in FinWait2, and OnPacket panics on a peer FIN in any other
// state. Active open (a locally-initiated SYN) is not implemented.
type State uint8

const (
	StateSynRcvd State = iota
	StateEstab
	StateFinWait1
	StateFinWait2
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateEstab:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

// IsSynchronized reports whether the connection has completed its handshake.
func (s State) IsSynchronized() bool { return s != StateSynRcvd }

// acceptsData reports whether segments in this state may deliver payload
// to the receive buffer (spec's Estab/FinWait1/FinWait2 data-delivery set).
func (s State) acceptsData() bool {
	return s == StateEstab || s == StateFinWait1 || s == StateFinWait2
}

// ackAdvancesUNA reports whether an acceptable ACK in this state drains
// the send buffer (spec's Estab/FinWait1/FinWait2 ACK-processing set).
func (s State) ackAdvancesUNA() bool {
	return s == StateEstab || s == StateFinWait1 || s == StateFinWait2
}
