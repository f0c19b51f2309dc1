package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vast-ai/goworker/internal/auth"
	"github.com/vast-ai/goworker/internal/config"
	"github.com/vast-ai/goworker/internal/ledger"
	"github.com/vast-ai/goworker/internal/metrics"
	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/observer"
	"github.com/vast-ai/goworker/internal/repository"
	"github.com/vast-ai/goworker/internal/services"
	"github.com/vast-ai/goworker/internal/store"
	"github.com/vast-ai/goworker/internal/template"
	"github.com/vast-ai/goworker/internal/workload"
	"github.com/vast-ai/goworker/pkg/server"
)

func main() {
	var envFile = flag.String("env", "", "Optional .env file to load")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize database
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	_ = os.MkdirAll(cfg.DataDir, 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Log startup event
	db.Event("info", "startup", "Worker proxy starting", map[string]interface{}{
		"backend_kind":     cfg.BackendKind,
		"model_server_url": cfg.ModelServerURL,
		"http_addr":        cfg.HTTPAddr,
		"report_addr":      cfg.ReportAddr,
	})

	// Initialize repository
	repo := repository.NewSQLiteRepository(db)

	// Load workload calibration and build the estimator registry
	cal, err := workload.LoadCalibration(cfg.CalibrationPath)
	if err != nil {
		slog.Error("Failed to load calibration", "error", err)
		os.Exit(1)
	}
	registry, err := workload.NewRegistry(cal)
	if err != nil {
		slog.Error("Failed to build workload registry", "error", err)
		os.Exit(1)
	}

	ldg := ledger.New(registry, cfg.PartialCredit)
	m := metrics.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional request authentication
	var verifier *auth.Verifier
	if cfg.AuthPubkeyURL != "" {
		verifier, err = auth.Fetch(ctx, cfg.AuthPubkeyURL)
		if err != nil {
			db.Event("error", "auth.failed", "Public key fetch failed", map[string]interface{}{
				"url":   cfg.AuthPubkeyURL,
				"error": err.Error(),
			})
			slog.Error("Failed to fetch auth public key", "error", err)
			os.Exit(1)
		}
	}

	// Image backends substitute requests into a stored workflow template
	workflowDoc := ""
	if cfg.WorkflowPath != "" {
		data, err := os.ReadFile(cfg.WorkflowPath)
		if err != nil {
			slog.Error("Failed to read workflow template", "path", cfg.WorkflowPath, "error", err)
			os.Exit(1)
		}
		workflowDoc = string(data)
		slog.Info("Workflow template loaded",
			"path", cfg.WorkflowPath,
			"placeholders", template.Placeholders(workflowDoc))
	}

	// Initialize services
	forwarding := services.NewForwardingService(cfg, ldg, repo, m)

	var telemetry *services.TelemetryService
	var sink services.ReportSink
	if cfg.NatsURL != "" {
		telemetry, err = services.NewTelemetryService(cfg)
		if err != nil {
			slog.Error("Failed to create telemetry service", "error", err)
			os.Exit(1)
		}
		defer telemetry.Close()
		sink = telemetry
	}

	reporter := services.NewReporterService(cfg, ldg, m, sink)

	benchTarget, err := benchmarkTarget(cfg, workflowDoc)
	if err != nil {
		slog.Error("Failed to build benchmark target", "error", err)
		os.Exit(1)
	}
	benchmark := services.NewBenchmarkService(cfg, registry, reporter, benchTarget)

	// Observe the model server's log, when it has one
	if cfg.ModelLogFile != "" {
		profile, err := registry.Lookup(models.BackendKind(cfg.BackendKind))
		if err != nil {
			slog.Error("Unknown backend kind", "kind", cfg.BackendKind, "error", err)
			os.Exit(1)
		}

		tailer := observer.NewTailer(
			cfg.ModelLogFile,
			profile.ParseProgressLine,
			forwarding.ApplyEvent,
			actionRules(cfg),
			func(action observer.LogAction, line string) {
				switch action {
				case observer.ActionModelLoaded:
					db.Event("info", "model.loaded", "Model server finished loading", nil)
					go benchmark.OnModelLoaded(ctx)
				case observer.ActionModelError:
					db.Event("error", "model.failed", "Model server errored", map[string]interface{}{
						"line": line,
					})
					reporter.ModelErrored(line)
				case observer.ActionInfo:
					slog.Info("Model log", "line", line)
				}
			},
		)
		go func() {
			if err := tailer.Run(ctx); err != nil {
				db.Event("error", "observer.failed", "Log observer stopped", map[string]interface{}{
					"error": err.Error(),
				})
				slog.Error("Log observer stopped", "error", err)
			}
		}()
	} else {
		// No log to watch for a loaded marker; benchmark right away
		go benchmark.OnModelLoaded(ctx)
	}

	var healthService *services.HealthService
	if telemetry != nil {
		healthService = services.NewHealthService(telemetry.GetConnection(), cfg, ldg, reporter)
	}

	// Start HTTP server
	httpServer := server.NewServer(cfg, forwarding, ldg, repo, verifier, workflowDoc)

	// Log server ready
	db.Event("info", "server.ready", "Server ready to accept requests", map[string]interface{}{
		"http_addr":    cfg.HTTPAddr,
		"backend_kind": cfg.BackendKind,
	})

	// Start all services
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	go func() {
		if err := reporter.Start(ctx); err != nil {
			slog.Error("Reporter service failed", "error", err)
		}
	}()

	if healthService != nil {
		go func() {
			if err := healthService.Start(ctx); err != nil {
				slog.Error("Health service failed", "error", err)
			}
		}()
	}

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down worker proxy")
}

func actionRules(cfg *config.Config) []observer.ActionRule {
	var rules []observer.ActionRule
	if cfg.ModelLoadedMarker != "" {
		rules = append(rules, observer.ActionRule{Action: observer.ActionModelLoaded, Marker: cfg.ModelLoadedMarker})
	}
	for _, marker := range cfg.ModelErrorMarkers {
		rules = append(rules, observer.ActionRule{Action: observer.ActionModelError, Marker: marker})
	}
	for _, marker := range cfg.ModelInfoMarkers {
		rules = append(rules, observer.ActionRule{Action: observer.ActionInfo, Marker: marker})
	}
	return rules
}

// benchmarkTarget builds a synthetic-request factory for the configured
// backend kind with a known workload per request.
func benchmarkTarget(cfg *config.Config, workflowDoc string) (services.BenchmarkTarget, error) {
	switch models.BackendKind(cfg.BackendKind) {
	case models.TextGeneration:
		return services.BenchmarkTarget{
			Endpoint: "/generate",
			MakePayload: func() ([]byte, *models.Descriptor, error) {
				desc := &models.Descriptor{
					ReqID:        ulid.Make().String(),
					Kind:         models.TextGeneration,
					Arrived:      time.Now(),
					MaxNewTokens: 256,
				}
				payload, err := json.Marshal(map[string]interface{}{
					"inputs":     benchmarkPrompt(250),
					"parameters": map[string]interface{}{"max_new_tokens": 256},
				})
				return payload, desc, err
			},
		}, nil

	case models.ImageGeneration:
		return services.BenchmarkTarget{
			Endpoint: "/runsync",
			MakePayload: func() ([]byte, *models.Descriptor, error) {
				desc := &models.Descriptor{
					ReqID:   ulid.Make().String(),
					Kind:    models.ImageGeneration,
					Arrived: time.Now(),
					Width:   1024,
					Height:  1024,
					Steps:   28,
				}
				doc, err := template.Substitute(workflowDoc, map[string]interface{}{
					"REQID":  desc.ReqID,
					"PROMPT": "a lighthouse on a cliff at dusk, oil painting",
					"WIDTH":  desc.Width,
					"HEIGHT": desc.Height,
					"STEPS":  desc.Steps,
					"SEED":   rand.Int63(),
				})
				return []byte(doc), desc, err
			},
		}, nil
	}
	return services.BenchmarkTarget{}, nil
}

var benchmarkWords = []string{
	"harbor", "signal", "lattice", "meadow", "cobalt", "drift", "ember",
	"quarry", "sable", "thicket", "vortex", "willow", "zenith", "basalt",
	"cinder", "fjord", "glacier", "heron", "isthmus", "juniper",
}

func benchmarkPrompt(words int) string {
	out := make([]string, words)
	for i := range out {
		out[i] = benchmarkWords[rand.Intn(len(benchmarkWords))]
	}
	return strings.Join(out, " ")
}
