// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// Metrics contains the custom Prometheus metrics for limbogate.
type Metrics struct {
	// AuthOutcomes counts terminal authentication results by result
	// (success, failure, rate_limited, ip_limited, timeout) and method
	// (password, register, totp, resume, deadline).
	AuthOutcomes *prometheus.CounterVec

	// CacheHits and CacheMisses count profile cache lookups.
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// ClaimWait observes seconds spent acquiring session authority.
	ClaimWait prometheus.Histogram

	// ActiveSessions gauges login sessions currently in limbo.
	ActiveSessions prometheus.Gauge

	// Revocations counts local sessions revoked by reason
	// (superseded, heartbeat_expired, admin).
	Revocations *prometheus.CounterVec
}

// NewMetrics creates and registers the limbogate metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limbogate_auth_outcomes_total",
				Help: "Total terminal authentication outcomes by result and method",
			},
			[]string{"result", "method"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limbogate_profile_cache_hits_total",
			Help: "Total profile cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limbogate_profile_cache_misses_total",
			Help: "Total profile cache misses",
		}),
		ClaimWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "limbogate_claim_wait_seconds",
			Help:    "Time spent acquiring cross-instance session authority",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "limbogate_active_sessions",
			Help: "Login sessions currently held in limbo",
		}),
		Revocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limbogate_session_revocations_total",
				Help: "Total local sessions revoked by reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		m.AuthOutcomes,
		m.CacheHits,
		m.CacheMisses,
		m.ClaimWait,
		m.ActiveSessions,
		m.Revocations,
	)
	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9090", ":9090" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Own registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// CompareAndSwap prevents a race where a concurrent Start() could
	// succeed between checking the running state and clearing it.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept connections,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
