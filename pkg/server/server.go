package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatewarden-hq/gatewarden/pkg/admission"
	"gatewarden-hq/gatewarden/pkg/config"
	"gatewarden-hq/gatewarden/pkg/telemetry/health"
	"gatewarden-hq/gatewarden/pkg/telemetry/logging"
)

// Server is the HTTP surface over the admission engine: the check
// endpoint, the administrative API and the metrics/health probes.
type Server struct {
	cfg        config.ServerConfig
	controller *admission.Controller
	logger     *logging.Logger
	http       *http.Server
}

// New assembles the server and its routes. A nil checker leaves the
// readiness probe reporting ready unconditionally.
func New(cfg config.ServerConfig, metricsEnabled bool, controller *admission.Controller, checker *health.Checker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if checker == nil {
		checker = health.New(0)
	}

	s := &Server{
		cfg:        cfg,
		controller: controller,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/check", s.handleCheck)
	r.Post("/v1/outcome", s.handleOutcome)

	r.Route("/admin", func(r chi.Router) {
		r.Put("/tiers/{identity}", s.handleSetTier)
		r.Delete("/tiers/{identity}", s.handleRemoveTier)
		r.Get("/whitelist", s.handleListWhitelist)
		r.Post("/whitelist", s.handleAddWhitelist)
		r.Delete("/whitelist/{id}", s.handleRemoveWhitelist)
		r.Get("/stats", s.handleStats)
		r.Get("/breaker", s.handleBreakerState)
	})

	r.Get("/healthz", checker.LivenessHandler())
	r.Get("/readyz", checker.ReadinessHandler())
	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the assembled route tree, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "address", s.cfg.ListenAddress)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	s.logger.Info("server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 30 * time.Second
}
