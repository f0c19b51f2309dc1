package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vast-ai/goworker/internal/auth"
	"github.com/vast-ai/goworker/internal/config"
	"github.com/vast-ai/goworker/internal/handlers"
	"github.com/vast-ai/goworker/internal/ledger"
	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/repository"
	"github.com/vast-ai/goworker/internal/services"
)

type Server struct {
	cfg        *config.Config
	forwarding *services.ForwardingService
	ledger     *ledger.Ledger
	repo       repository.Repository
	verifier   *auth.Verifier
	workflow   string
}

func NewServer(cfg *config.Config, forwarding *services.ForwardingService, ldg *ledger.Ledger, repo repository.Repository, verifier *auth.Verifier, workflow string) *Server {
	return &Server{
		cfg:        cfg,
		forwarding: forwarding,
		ledger:     ldg,
		repo:       repo,
		verifier:   verifier,
		workflow:   workflow,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Register the endpoint set matching the configured backend kind
	switch models.BackendKind(s.cfg.BackendKind) {
	case models.TextGeneration:
		textHandler := handlers.NewTextHandler(s.forwarding, s.verifier)
		textHandler.RegisterRoutes(mux)
		slog.Info("Registered text generation endpoints",
			"endpoints", []string{"/v1/text/generate", "/v1/text/generate_stream"})

	case models.ImageGeneration:
		imageHandler := handlers.NewImageHandler(s.forwarding, s.verifier, s.workflow)
		imageHandler.RegisterRoutes(mux)
		slog.Info("Registered image generation endpoints",
			"endpoints", []string{"/v1/image/generate", "/v1/image/workflow"})

	default:
		slog.Warn("Unknown backend kind, only operational endpoints registered", "kind", s.cfg.BackendKind)
	}

	statusHandler := handlers.NewStatusHandler(s.ledger, s.repo)
	statusHandler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	slog.Info("HTTP server starting",
		"addr", s.cfg.HTTPAddr,
		"backend_kind", s.cfg.BackendKind,
		"tls", s.cfg.UseSSL)

	if s.cfg.UseSSL {
		return http.ListenAndServeTLS(s.cfg.HTTPAddr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile, mux)
	}
	return http.ListenAndServe(s.cfg.HTTPAddr, mux)
}
