// Package transport serves the mesh's single inbound HTTP surface and
// provides the outbound RPC client cells use to reach peers.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rheo/internal/atlas"
	"rheo/internal/signal"
)

// RouteFunc is how the transport hands an inbound Signal to the routing
// engine without importing it directly (routing imports transport for its
// outbound RPC client, so the dependency only runs one way).
type RouteFunc func(ctx context.Context, sig signal.Signal) signal.TraceResult

// HealthFunc produces the body of GET /health.
type HealthFunc func() map[string]any

// Config configures the HTTP server's cross-cutting behavior.
type Config struct {
	ClusterSecret    string // non-empty enables HMAC verification of inbound bodies
	EnableCompression bool
	RateLimitPerSec  int
	RateLimitBurst   int
	MaxRequestBytes  int64
}

// Server serves POST /, GET/POST /atlas, GET /health, GET /metrics.
type Server struct {
	cfg     Config
	route   RouteFunc
	atlas   *atlas.Atlas
	health  HealthFunc
	sec     *securityMiddleware
	metrics *serverMetrics
}

type serverMetrics struct {
	registry        *prometheus.Registry
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// newServerMetrics registers into a Server-owned Registry rather than
// prometheus's global DefaultRegisterer: a process hosting more than one
// cell (or a test building several servers) would otherwise panic on the
// second registration of the same metric name.
func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	m := &serverMetrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rheo_requests_total",
			Help: "Total number of inbound HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "rheo_request_duration_seconds",
			Help: "Inbound HTTP request duration in seconds.",
		}, []string{"method", "endpoint"}),
	}
	registry.MustRegister(m.requestTotal, m.requestDuration)
	return m
}

// New builds a Server. route handles POST / bodies; atl backs the /atlas
// endpoints; health backs GET /health.
func New(cfg Config, route RouteFunc, atl *atlas.Atlas, health HealthFunc) *Server {
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = 200
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 400
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = 10 * 1024 * 1024
	}
	metrics := newServerMetrics()
	return &Server{
		cfg:     cfg,
		route:   route,
		atlas:   atl,
		health:  health,
		sec:     newSecurityMiddleware(cfg.RateLimitPerSec, cfg.RateLimitBurst, cfg.MaxRequestBytes, metrics.registry),
		metrics: metrics,
	}
}

// Close releases background resources (the rate limiter's cleanup loop).
func (s *Server) Close() { s.sec.Close() }

// Router builds the gorilla/mux router for this server, matching the
// teacher's internal/node/server.go Router() construction.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.sec.middleware)
	r.Use(corsMiddleware)
	r.Use(gzipMiddleware(s.cfg.EnableCompression))

	r.HandleFunc("/", s.instrument("signal", s.handleSignal)).Methods(http.MethodPost)
	r.HandleFunc("/atlas", s.instrument("atlas", s.handleAtlas)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/health", s.instrument("health", s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(wrapped, r)
		s.metrics.requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		s.metrics.requestTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if s.cfg.ClusterSecret != "" {
		if !VerifyBody(s.cfg.ClusterSecret, body, r.Header.Get(SignatureHeader)) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var sig signal.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		http.Error(w, "invalid signal", http.StatusBadRequest)
		return
	}

	result := s.route(r.Context(), sig)
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleAtlas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"atlas": s.atlas.Snapshot()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":     "healthy",
		"atlasSize":  s.atlas.Size(),
		"timeMillis": time.Now().UnixMilli(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
