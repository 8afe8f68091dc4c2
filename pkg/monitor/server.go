package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kh940fdc/kh940fdc/pkg/logger"
	"github.com/kh940fdc/kh940fdc/pkg/protocol"
)

// Server is a small HTTP server exposing the live emulator's transaction
// stream: a WebSocket feed, a health probe, and a hand-rolled Prometheus
// exposition endpoint.
type Server struct {
	host string
	port int
	log  *logger.Logger
	hub  *Hub

	metrics serverMetrics

	mu     sync.RWMutex
	addr   string
	server *http.Server
}

// serverMetrics tallies counters for the /metrics endpoint. All fields are
// updated atomically from ObserveTransaction, which may be called from the
// engine's own goroutine.
type serverMetrics struct {
	transactionsTotal uint64
	errorsTotal       uint64
	bytesInTotal      uint64
	bytesOutTotal     uint64

	mu            sync.Mutex
	commandCounts map[string]uint64
}

// NewServer constructs a monitor Server bound to host:port. Start does
// nothing until called.
func NewServer(host string, port int, log *logger.Logger) *Server {
	return &Server{
		host: host,
		port: port,
		log:  log,
		hub:  NewHub(log),
		metrics: serverMetrics{
			commandCounts: make(map[string]uint64),
		},
	}
}

// Hub returns the server's WebSocket hub. The hub is not itself a
// protocol.TransactionObserver; Server.ObserveTransaction feeds it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ObserveTransaction implements protocol.TransactionObserver: it updates
// the exposed counters and fans the event out over the WebSocket hub.
func (s *Server) ObserveTransaction(ev protocol.TransactionEvent) {
	atomic.AddUint64(&s.metrics.transactionsTotal, 1)
	atomic.AddUint64(&s.metrics.bytesInTotal, uint64(ev.BytesIn))
	atomic.AddUint64(&s.metrics.bytesOutTotal, uint64(ev.BytesOut))
	if ev.Err != nil {
		atomic.AddUint64(&s.metrics.errorsTotal, 1)
	}

	s.metrics.mu.Lock()
	s.metrics.commandCounts[ev.Command]++
	s.metrics.mu.Unlock()

	var psn *int
	if ev.PSN != nil {
		p := *ev.PSN
		psn = &p
	}
	s.hub.BroadcastTransaction(ev.Command, psn, ev.BytesIn, ev.BytesOut, ev.Duration, ev.Err)

	if ev.Command == "OP" {
		s.hub.BroadcastModeChange(ev.Mode.String())
	}
}

// Start runs the hub and HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.Handle("/ws", s.hub.Handler())

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor: listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.log.Info("starting monitor server", logger.String("address", s.addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down monitor server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor: shutting down: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Addr returns the address the server is listening on, once Start has
// bound its listener.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "kh940fdc",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	}); err != nil {
		s.log.Warn("failed to encode health response", logger.Error(err))
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var out strings.Builder

	out.WriteString("# HELP kh940fdc_transactions_total Total FDC transactions completed\n")
	out.WriteString("# TYPE kh940fdc_transactions_total counter\n")
	fmt.Fprintf(&out, "kh940fdc_transactions_total %d\n", atomic.LoadUint64(&s.metrics.transactionsTotal))

	out.WriteString("# HELP kh940fdc_transaction_errors_total Total FDC transactions that ended in a protocol error\n")
	out.WriteString("# TYPE kh940fdc_transaction_errors_total counter\n")
	fmt.Fprintf(&out, "kh940fdc_transaction_errors_total %d\n", atomic.LoadUint64(&s.metrics.errorsTotal))

	out.WriteString("# HELP kh940fdc_bytes_in_total Total bytes read from the serial line\n")
	out.WriteString("# TYPE kh940fdc_bytes_in_total counter\n")
	fmt.Fprintf(&out, "kh940fdc_bytes_in_total %d\n", atomic.LoadUint64(&s.metrics.bytesInTotal))

	out.WriteString("# HELP kh940fdc_bytes_out_total Total bytes written to the serial line\n")
	out.WriteString("# TYPE kh940fdc_bytes_out_total counter\n")
	fmt.Fprintf(&out, "kh940fdc_bytes_out_total %d\n", atomic.LoadUint64(&s.metrics.bytesOutTotal))

	out.WriteString("# HELP kh940fdc_ws_clients Number of connected monitor WebSocket clients\n")
	out.WriteString("# TYPE kh940fdc_ws_clients gauge\n")
	fmt.Fprintf(&out, "kh940fdc_ws_clients %d\n", s.hub.ClientCount())

	out.WriteString("# HELP kh940fdc_commands_total FDC transactions by command letter\n")
	out.WriteString("# TYPE kh940fdc_commands_total counter\n")
	s.metrics.mu.Lock()
	for cmd, count := range s.metrics.commandCounts {
		fmt.Fprintf(&out, "kh940fdc_commands_total{command=%q} %d\n", cmd, count)
	}
	s.metrics.mu.Unlock()

	if _, err := w.Write([]byte(out.String())); err != nil {
		s.log.Warn("failed to write metrics response", logger.Error(err))
	}
}
