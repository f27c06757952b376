// Package demux implements the boundary between the raw TUN device and the
// per-connection engine: parsing inbound IPv4/TCP frames, routing them to
// the right engine.Conn by quad, spawning new connections for SYNs on bound
// ports, and driving every live connection's periodic tick. Connection
// lookup and mutation is guarded by a single mutex, matching the core's
// coarse-grained concurrency model; the stack package layers blocking
// handle semantics on top of this.
package demux

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hemlock-systems/tuntcp/engine"
	"github.com/hemlock-systems/tuntcp/isn"
	"github.com/hemlock-systems/tuntcp/metrics"
	"github.com/hemlock-systems/tuntcp/quad"
	"github.com/hemlock-systems/tuntcp/wire"
)

// AcceptFunc is notified whenever a new connection reaches Estab for the
// first time, so a Listener's accept queue can pick it up.
type AcceptFunc func(c *engine.Conn)

// Demux owns every live Conn, keyed by its 4-tuple, plus the set of ports
// bound for new inbound SYNs.
type Demux struct {
	mu sync.Mutex

	logger *slog.Logger
	cfg    engine.Config
	tx     engine.TransmitFunc
	isn    *isn.Generator

	conns map[quad.Quad]*engine.Conn
	// bound maps a locally bound port to the limiter throttling how many
	// half-open (SynRcvd) connections it will spawn per unit time, a guard
	// against SYN floods this core's reduced state machine has no other
	// defense for (no RST, no syncookie retry limit).
	bound map[uint16]*rate.Limiter

	onAccept AcceptFunc
	// wasEstab tracks which quads have already fired onAccept, so a
	// connection is only handed to the acceptor once.
	wasEstab map[quad.Quad]bool

	// lastRetransmits/lastRejected track each conn's counters as of the
	// previous tick, so Tick can report the delta rather than the total.
	lastRetransmits map[quad.Quad]int
	lastRejected    map[quad.Quad]int

	metrics *metrics.Metrics
}

// New returns a Demux ready to accept connections, transmitting finished
// datagrams via tx (ordinarily a tun.Device's Write).
func New(cfg engine.Config, tx engine.TransmitFunc, seed [32]byte, logger *slog.Logger) *Demux {
	return &Demux{
		logger:          logger,
		cfg:             cfg,
		tx:              tx,
		isn:             isn.NewGenerator(seed),
		conns:           make(map[quad.Quad]*engine.Conn),
		bound:           make(map[uint16]*rate.Limiter),
		wasEstab:        make(map[quad.Quad]bool),
		lastRetransmits: make(map[quad.Quad]int),
		lastRejected:    make(map[quad.Quad]int),
	}
}

// SetMetrics attaches a metrics.Metrics instance whose counters/gauges are
// updated as connections come and go. Passing nil (the default) disables
// metrics entirely.
func (d *Demux) SetMetrics(m *metrics.Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
	d.cfg.Metrics = m
}

// OnAccept registers the callback invoked when a connection first reaches
// Estab. There is no locking concern for callers: it fires while Demux's
// own lock is held, so implementations must not call back into Demux.
func (d *Demux) OnAccept(fn AcceptFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAccept = fn
}

// Bind opens port for inbound SYNs, rate-limited to r new half-open
// connections per second with a burst of b.
func (d *Demux) Bind(port uint16, r rate.Limit, b int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bound[port] = rate.NewLimiter(r, b)
}

// Unbind stops accepting new SYNs on port; existing connections are
// unaffected.
func (d *Demux) Unbind(port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bound, port)
}

// HandleDatagram parses an inbound IPv4 datagram and, on a recognized TCP
// segment, dispatches it to an existing Conn or spawns a new one. Malformed
// frames and segments for unrecognized quads are dropped silently, matching
// the error design's "no response, no log spam at info level" handling for
// routine noise.
func (d *Demux) HandleDatagram(now time.Time, datagram []byte) error {
	ipf, err := wire.NewIPv4Frame(datagram)
	if err != nil {
		return nil
	}
	if err := ipf.ValidateSize(); err != nil {
		return nil
	}
	if ipf.Protocol() != wire.ProtoTCP {
		return nil
	}
	tf, err := wire.NewTCPFrame(ipf.Payload())
	if err != nil {
		return nil
	}
	if err := tf.ValidateSize(); err != nil {
		return nil
	}
	payload := tf.Payload()
	seg := tf.ToSegment(len(payload))
	q := quad.New(ipf.DestinationAddr(), tf.DestinationPort(), ipf.SourceAddr(), tf.SourcePort())

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.conns[q]; ok {
		avail, err := c.OnPacket(now, seg, payload)
		_ = avail
		if err != nil {
			d.debug("demux: on_packet error", q, err)
		}
		d.maybeNotifyAccept(q, c)
		return nil
	}

	if !seg.Flags.HasAll(wire.FlagSYN) || seg.Flags.HasAny(wire.FlagACK) {
		// Unrecognized tuple, not a founding SYN: drop.
		return nil
	}
	limiter, boundPort := d.bound[tf.DestinationPort()]
	if !boundPort {
		return nil
	}
	if !limiter.Allow() {
		d.debug("demux: syn rate limited", q, nil)
		if d.metrics != nil {
			d.metrics.SynsRateLimited.Inc()
		}
		return nil
	}
	iss := d.isn.ISS(q)
	c := engine.Accept(q, iss, seg, d.cfg, d.tx, d.logger)
	if err := c.SendSynAck(now); err != nil {
		return err
	}
	d.conns[q] = c
	if d.metrics != nil {
		d.metrics.SynsAccepted.Inc()
		d.metrics.ActiveConnections.Set(float64(len(d.conns)))
	}
	return nil
}

func (d *Demux) maybeNotifyAccept(q quad.Quad, c *engine.Conn) {
	if c.State() != engine.StateEstab || d.wasEstab[q] {
		return
	}
	d.wasEstab[q] = true
	if d.onAccept != nil {
		d.onAccept(c)
	}
}

// Tick drives every live connection's retransmission/new-data scheduler and
// sweeps connections whose TimeWait has expired (2*MSL after entry),
// destroying them the way spec's reduced state machine never otherwise
// does, since it never reaches Closed on its own.
func (d *Demux) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for q, c := range d.conns {
		if c.TimeWaitExpired(now) {
			delete(d.conns, q)
			delete(d.wasEstab, q)
			delete(d.lastRetransmits, q)
			delete(d.lastRejected, q)
			if d.metrics != nil {
				d.metrics.ActiveConnections.Set(float64(len(d.conns)))
			}
			continue
		}
		if err := c.OnTick(now); err != nil {
			d.debug("demux: on_tick error", q, err)
		}
		if d.metrics != nil {
			stats := c.Stats()
			if delta := stats.Retransmits - d.lastRetransmits[q]; delta > 0 {
				d.metrics.Retransmits.Add(float64(delta))
			}
			d.lastRetransmits[q] = stats.Retransmits
			if delta := stats.Rejected - d.lastRejected[q]; delta > 0 {
				d.metrics.SegmentsRejected.Add(float64(delta))
			}
			d.lastRejected[q] = stats.Rejected
			d.metrics.ObserveSRTT(stats.SRTT)
		}
	}
}

// Lookup returns the Conn for q, if any, and whether it is present. It
// takes the Demux lock internally; callers needing to act atomically on
// the result should instead be restructured through OnAccept.
func (d *Demux) Lookup(q quad.Quad) (*engine.Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[q]
	return c, ok
}

// Len reports the number of live connections, for diagnostics/metrics.
func (d *Demux) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Demux) debug(msg string, q quad.Quad, err error) {
	if d.logger == nil {
		return
	}
	attrs := []any{slog.String("quad", q.String())}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	d.logger.Debug(msg, attrs...)
}
