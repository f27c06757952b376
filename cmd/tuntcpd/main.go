// Command tuntcpd opens a TUN device, wires it to the demultiplexer and
// stack packages, binds one port, and echoes every byte it reads back to
// the sender — a minimal external collaborator exercising the full accept
// -> read -> write -> shutdown path end to end.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hemlock-systems/tuntcp/engine"
	"github.com/hemlock-systems/tuntcp/metrics"
	"github.com/hemlock-systems/tuntcp/stack"
	"github.com/hemlock-systems/tuntcp/tun"
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("tuntcpd:", err)
	}
}

func run() error {
	var (
		iface      = flag.String("iface", "tun0", "TUN interface name")
		cidr       = flag.String("cidr", "10.10.0.1/24", "address assigned to the TUN interface")
		port       = flag.Uint("port", 7000, "TCP port to listen on")
		metricAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
		acceptRate = flag.Float64("accept-rate", 50, "new half-open connections per second admitted per bound port")
		burst      = flag.Int("accept-burst", 10, "burst size for --accept-rate")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dev, err := tun.Open(*iface, *cidr)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer dev.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return fmt.Errorf("seeding isn generator: %w", err)
	}

	cfg := engine.DefaultConfig()
	st := stack.New(dev, cfg, seed, logger)
	st.SetMetrics(m)

	listener, err := st.Listen(uint16(*port), rate.Limit(*acceptRate), *burst)
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", *port, err)
	}

	go serveMetrics(*metricAddr, reg, logger)
	go st.Run()

	logger.Info("tuntcpd ready", slog.String("iface", *iface), slog.Uint64("port", uint64(*port)))
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go echo(conn, logger)
	}
}

// echo copies every byte read back to the sender. Stream.Read reports end
// of stream as (0, nil), the io.Reader EOF convention, rather than a
// distinct error value; it does so once the connection reaches TimeWait.
func echo(s *stack.Stream, logger *slog.Logger) {
	defer s.Shutdown()
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(buf)
		if err != nil {
			logger.Warn("echo read failed", slog.String("quad", s.Quad().String()), slog.String("err", err.Error()))
			return
		}
		if n == 0 {
			return
		}
		if _, err := s.Write(buf[:n]); err != nil {
			logger.Warn("echo write failed", slog.String("quad", s.Quad().String()), slog.String("err", err.Error()))
			return
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", slog.String("err", err.Error()))
	}
}
