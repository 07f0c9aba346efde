// Package api serves the tetherd HTTP API: status, downstream and policy
// control, the event log and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/tetherd/pkg/dhcp"
	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/tethering"
)

// Backend is the tethering coordinator as seen by the API.
type Backend interface {
	Status(ctx context.Context) (*tethering.Status, error)
	AddDownstream(ctx context.Context, iface ipv6tether.Iface, mode ipv6tether.Mode) error
	RemoveDownstream(ctx context.Context, name string) error
	UpdatePolicy(ctx context.Context, u tethering.PolicyUpdate) error
}

// LeaseSource lists DHCPv6 leases.
type LeaseSource interface {
	Leases() []*dhcp.Lease
}

// Config configures the API server.
type Config struct {
	Addr     string
	Auth     *AuthConfig // nil = no authentication
	Backend  Backend
	EventBuf *logging.EventBuffer
	DHCP     LeaseSource // optional
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	backend    Backend
	eventBuf   *logging.EventBuffer
	dhcp       LeaseSource
	log        *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend:   cfg.Backend,
		eventBuf:  cfg.EventBuf,
		dhcp:      cfg.DHCP,
		log:       logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/networks", s.networksHandler)
	mux.HandleFunc("GET /api/v1/downstreams", s.downstreamsHandler)
	mux.HandleFunc("POST /api/v1/downstreams", s.addDownstreamHandler)
	mux.HandleFunc("DELETE /api/v1/downstreams/{name}", s.removeDownstreamHandler)
	mux.HandleFunc("POST /api/v1/policy", s.policyHandler)
	mux.HandleFunc("GET /api/v1/dhcp/leases", s.dhcpLeasesHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, s.log, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including authentication.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
