// Package stack provides the blocking handle API a user program sees:
// Listener.Accept and Stream.Read/Write/Shutdown, built over the demux
// package's connection table. A single mutex guards the demultiplexer and
// every Conn it owns; Stack's own background goroutines (the TUN read loop
// and the tick loop) take the same lock, so a caller blocked inside Read or
// Write is never racing the packet-processing path, matching the coarse
// locking this core settles for in place of per-connection locks.
package stack

import (
	"errors"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hemlock-systems/tuntcp/demux"
	"github.com/hemlock-systems/tuntcp/engine"
	"github.com/hemlock-systems/tuntcp/internal"
	"github.com/hemlock-systems/tuntcp/metrics"
	"github.com/hemlock-systems/tuntcp/quad"
)

// Device is the minimal TUN contract Stack needs: raw IPv4 datagrams in,
// raw IPv4 datagrams out. tun.Device satisfies this; tests can fake it.
type Device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
}

// TickInterval is how often Stack drives every connection's retransmission
// and new-data scheduler.
const TickInterval = 20 * time.Millisecond

// Stack wires a Device to the demultiplexer and owns the background loops
// that pump packets in both directions.
type Stack struct {
	mu sync.Mutex

	dev    Device
	demux  *demux.Demux
	logger *slog.Logger

	listeners map[uint16]*Listener

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	mtu int
}

// New constructs a Stack over dev. seed keys the initial-sequence-number
// generator. The generator's 4-second tick counts from its creation, so a
// Stack built with the same seed repeats the ISNs of an earlier run; a
// fresh random seed per process avoids that.
func New(dev Device, cfg engine.Config, seed [32]byte, logger *slog.Logger) *Stack {
	s := &Stack{
		dev:       dev,
		listeners: make(map[uint16]*Listener),
		logger:    logger,
		closeCh:   make(chan struct{}),
		mtu:       cfg.MTU,
	}
	tx := func(b []byte) error {
		_, err := dev.Write(b)
		return err
	}
	s.demux = demux.New(cfg, tx, seed, logger)
	s.demux.OnAccept(s.onAccept)
	return s
}

// SetMetrics attaches a metrics.Metrics instance to the underlying demux,
// which updates its counters/gauges as connections come and go.
func (s *Stack) SetMetrics(m *metrics.Metrics) {
	s.demux.SetMetrics(m)
}

// Listen binds port for inbound connections, admitting at most rate new
// half-open attempts per second (burst allows burst at once) before
// further SYNs are silently dropped.
func (s *Stack) Listen(port uint16, rateLimit rate.Limit, burst int) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[port]; exists {
		return nil, errors.New("stack: port already bound")
	}
	l := &Listener{s: s, port: port}
	s.listeners[port] = l
	s.demux.Bind(port, rateLimit, burst)
	return l, nil
}

// onAccept is called by demux, under demux's own lock, whenever a
// connection first reaches Estab. It must not block or call back into
// demux; it only enqueues the Stream for whichever Listener owns the port.
func (s *Stack) onAccept(c *engine.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[c.Quad.SrcPort]
	if !ok {
		return
	}
	l.pending = append(l.pending, &Stream{s: s, c: c})
}

// Run starts the TUN read loop and the tick loop. It returns once Close is
// called or the device's Read returns a non-nil error.
func (s *Stack) Run() error {
	s.wg.Add(1)
	go s.tickLoop()

	buf := make([]byte, s.mtu)
	for {
		select {
		case <-s.closeCh:
			s.wg.Wait()
			return nil
		default:
		}
		n, err := s.dev.Read(buf)
		if err != nil {
			s.Close()
			s.wg.Wait()
			return err
		}
		if n == 0 {
			continue
		}
		s.demux.HandleDatagram(time.Now(), buf[:n])
	}
}

func (s *Stack) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case now := <-ticker.C:
			s.demux.Tick(now)
		}
	}
}

// Close stops the background loops. It does not close the underlying
// Device; the caller owns that.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return nil
}

// Listener accepts inbound connections for a single bound port.
type Listener struct {
	s    *Stack
	port uint16

	pending []*Stream
}

// Accept blocks until a connection completes its handshake, polling with
// the core's exponential Backoff in the absence of a wakeup channel (the
// pack's own TCPConn.Read/Write do the same, rather than adding a
// per-connection condition variable).
func (l *Listener) Accept() (*Stream, error) {
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for {
		l.s.mu.Lock()
		if len(l.pending) > 0 {
			st := l.pending[0]
			l.pending = l.pending[1:]
			l.s.mu.Unlock()
			return st, nil
		}
		closed := false
		select {
		case <-l.s.closeCh:
			closed = true
		default:
		}
		l.s.mu.Unlock()
		if closed {
			return nil, net.ErrClosed
		}
		backoff.Miss()
	}
}

// Close unbinds the port; connections already accepted are unaffected.
func (l *Listener) Close() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	delete(l.s.listeners, l.port)
	l.s.demux.Unbind(l.port)
	return nil
}

// Stream is a single accepted TCP connection's read/write handle.
type Stream struct {
	s *Stack
	c *engine.Conn
}

// Quad reports the connection's 4-tuple.
func (st *Stream) Quad() quad.Quad { return st.c.Quad }

// Read blocks until data is available, the peer has finished sending (EOF,
// reported as n==0, err==nil once TimeWait is reached with nothing
// buffered), or the stack is closed.
func (st *Stream) Read(b []byte) (int, error) {
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	for {
		st.s.mu.Lock()
		buffered := st.c.BufferedInput()
		state := st.c.State()
		st.s.mu.Unlock()
		if buffered > 0 || state == engine.StateTimeWait {
			break
		}
		select {
		case <-st.s.closeCh:
			return 0, net.ErrClosed
		default:
		}
		backoff.Miss()
	}
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.c.Read(b)
}

// Write blocks until all of b has been accepted into the send buffer.
func (st *Stream) Write(b []byte) (int, error) {
	backoff := internal.NewBackoff(internal.BackoffTCPConn)
	n := 0
	for n < len(b) {
		st.s.mu.Lock()
		ngot, err := st.c.Write(b[n:])
		st.s.mu.Unlock()
		n += ngot
		if err != nil {
			return n, err
		}
		if n == len(b) {
			break
		}
		select {
		case <-st.s.closeCh:
			return n, net.ErrClosed
		default:
		}
		if ngot > 0 {
			backoff.Hit()
			runtime.Gosched()
		} else {
			backoff.Miss()
		}
	}
	return n, nil
}

// Shutdown half-closes the stream for writing; the next tick attaches a
// FIN once any buffered data has drained.
func (st *Stream) Shutdown() error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.c.Shutdown()
}
