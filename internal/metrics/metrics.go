// Package metrics exposes delivery engine counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values.
const (
	ResultDelivered = "delivered"
	ResultReset     = "reset"

	ConnectOK     = "ok"
	ConnectFailed = "failed"

	CloseQuit     = "quit"
	CloseError    = "error"
	CloseShutdown = "shutdown"
)

// Metrics records engine activity. A nil *Metrics is valid and records
// nothing, which keeps the engine usable without a registry.
type Metrics struct {
	discovered  prometheus.Counter
	loadFailed  prometheus.Counter
	deliveries  *prometheus.CounterVec
	connections *prometheus.CounterVec
	closed      *prometheus.CounterVec
	sessions    prometheus.Gauge
	pending     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		discovered: f.NewCounter(prometheus.CounterOpts{
			Name: "smtp_outbound_messages_discovered_total",
			Help: "Spool files picked up for delivery.",
		}),
		loadFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "smtp_outbound_messages_load_failed_total",
			Help: "Spool files that could not be parsed and were left in place.",
		}),
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtp_outbound_deliveries_total",
				Help: "Message transactions finished per destination host.",
			},
			[]string{
				"result", // "delivered", "reset"
			},
		),
		connections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtp_outbound_connections_total",
				Help: "Outgoing SMTP connection attempts.",
			},
			[]string{
				"result", // "ok", "failed"
			},
		),
		closed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smtp_outbound_sessions_closed_total",
				Help: "Delivery sessions that reached their final state.",
			},
			[]string{
				"reason", // "quit", "error", "shutdown"
			},
		),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "smtp_outbound_sessions",
			Help: "Live delivery sessions.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "smtp_outbound_pending_messages",
			Help: "Messages whose headers are still being read.",
		}),
	}
}

func (m *Metrics) MessageDiscovered() {
	if m != nil {
		m.discovered.Inc()
	}
}

func (m *Metrics) MessageLoadFailed() {
	if m != nil {
		m.loadFailed.Inc()
	}
}

func (m *Metrics) Delivery(result string) {
	if m != nil {
		m.deliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Connection(result string) {
	if m != nil {
		m.connections.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed(reason string) {
	if m != nil {
		m.sessions.Dec()
		m.closed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

// Server serves /metrics on its own goroutine, outside the reactor loop.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
	logger *slog.Logger
}

// Serve starts listening on addr. Listen errors are returned synchronously.
func Serve(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:     ln,
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the listener and waits for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
