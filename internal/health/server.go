// Package health provides the broker's operational HTTP endpoints.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/pinhole/internal/logging"
)

// Status is a point-in-time snapshot of broker state. The broker supplies
// one on demand via Options.Status; handlers never reach into broker
// internals themselves.
type Status struct {
	Running     bool   `json:"running"`
	Clients     int    `json:"clients"`
	Servers     int    `json:"servers"`
	PunchPolicy string `json:"punch_policy"`

	// ServiceEndpoint is the last observed server endpoint, empty when
	// no fresh keepalive is on record.
	ServiceEndpoint string `json:"service_endpoint,omitempty"`

	// KeepaliveAge is the time since the last keepalive datagram.
	// Only meaningful when KeepaliveSeen is true.
	KeepaliveAge  time.Duration `json:"-"`
	KeepaliveSeen bool          `json:"-"`
}

// Options contains health server configuration.
type Options struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Logger for lifecycle messages. Optional.
	Logger *slog.Logger

	// Status supplies the snapshot served by /healthz and /status.
	Status func() Status
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	opts     Options
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// New creates a new health check server.
func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         opts.Address,
		Handler:      mux,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", logging.KeyError, err)
		}
	}()

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address. Useful when Options.Address
// asked for port 0.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Address
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// handleHealthz handles the basic health check endpoint.
// Returns 200 while the broker reports itself running, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.opts.Status == nil || !s.opts.Status().Running {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNAVAILABLE\n"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleStatus handles the detailed status endpoint.
// Returns 200 with JSON state if running, 503 if not.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.opts.Status == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	st := s.opts.Status()
	response := map[string]interface{}{
		"status":       "healthy",
		"running":      st.Running,
		"clients":      st.Clients,
		"servers":      st.Servers,
		"punch_policy": st.PunchPolicy,
	}
	if st.ServiceEndpoint != "" {
		response["service_endpoint"] = st.ServiceEndpoint
	}
	if st.KeepaliveSeen {
		response["last_keepalive"] = humanize.Time(time.Now().Add(-st.KeepaliveAge))
		response["keepalive_age_seconds"] = st.KeepaliveAge.Seconds()
	} else {
		response["last_keepalive"] = "never"
	}

	code := http.StatusOK
	if !st.Running {
		response["status"] = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
