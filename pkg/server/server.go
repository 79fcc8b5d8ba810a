package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/config"
	"runlok-hq/runlok/pkg/policy/manager"
	"runlok-hq/runlok/pkg/security/auth"
	"runlok-hq/runlok/pkg/telemetry/health"
	"runlok-hq/runlok/pkg/telemetry/tracing"
)

// PolicyService is the policy store surface exposed over HTTP.
type PolicyService interface {
	Info() manager.Info
	Reload(ctx context.Context) *manager.ReloadResult
}

// ChainVerifier verifies the audit chain and records the check.
// *governance.Recorder implements it.
type ChainVerifier interface {
	VerifyAndRecord(ctx context.Context, rng chain.Range) (*chain.VerifyResult, error)
}

// Deps are the components served by the ops endpoint. Nil components
// leave their routes unregistered.
type Deps struct {
	Policies    PolicyService
	Verifier    ChainVerifier
	Health      *health.Checker
	Metrics     http.Handler
	MetricsPath string
	Version     health.VersionInfo

	// Auth, when set, guards every /v1 route. Governance events are then
	// attributed to the authenticated operator.
	Auth *auth.Middleware
}

// Server is the ops HTTP server.
type Server struct {
	config     config.ServerConfig
	deps       Deps
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger

	mu        sync.RWMutex
	isRunning bool
}

// New creates a server. Routes are built once here.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Health == nil {
		deps.Health = health.New(0)
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = config.DefaultMetricsPath
	}
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: slog.Default().With("component", "server"),
	}
	s.handler = s.routes()
	return s
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.isRunning = true
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting ops server", "address", s.config.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown stops accepting requests and waits for in-flight ones up to
// the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning || s.httpServer == nil {
		return nil
	}

	s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.isRunning = false
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(tracing.HTTPMiddleware)
	r.Use(LoggingMiddleware)

	r.Method(http.MethodGet, "/healthz", s.deps.Health.LivenessHandler())
	r.Method(http.MethodGet, "/readyz", s.deps.Health.ReadinessHandler())
	r.Method(http.MethodGet, "/version", health.VersionHandler(s.deps.Version))
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.deps.MetricsPath, s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth.Handle)
		}
		if s.deps.Policies != nil {
			h := &policyHandler{policies: s.deps.Policies, logger: s.logger}
			r.Get("/policy/info", h.handleInfo)
			r.Post("/policy/reload", h.handleReload)
		}
		if s.deps.Verifier != nil {
			h := &auditHandler{verifier: s.deps.Verifier, logger: s.logger}
			r.Get("/audit/verify", h.handleVerify)
		}
	})
	return r
}
