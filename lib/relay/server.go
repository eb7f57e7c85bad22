package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server aggregates the relay's shared state: configuration, the tunnel
// registry, and the metrics collectors (spec §3, §6).
type Server struct {
	config   Config
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
}

// NewServer constructs a Server with a fresh registry and metrics set.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		logger:   logger,
	}
}

// Handler builds the relay's top-level mux (spec §6): the registration
// endpoint, health and metrics surfaces, and a host-based catch-all that
// routes every other request to the proxy handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.ServeTunnel)
	mux.HandleFunc("/health", s.serveHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.ServeProxy)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status        string `json:"status"`
		ActiveTunnels int    `json:"active_tunnels"`
	}{
		Status:        "ok",
		ActiveTunnels: s.registry.ActiveCount(),
	})
}
