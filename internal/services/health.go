package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vast-ai/goworker/internal/config"
	"github.com/vast-ai/goworker/internal/ledger"
)

type HealthService struct {
	nats     *nats.Conn
	config   *config.Config
	ledger   *ledger.Ledger
	reporter *ReporterService
}

type HealthStatus struct {
	InstanceID   string    `json:"instance_id"`
	BackendKind  string    `json:"backend_kind"`
	Status       string    `json:"status"` // loading, online, errored
	ModelLoaded  bool      `json:"model_loaded"`
	CurLoad      float64   `json:"cur_load"`
	Working      int       `json:"working"`
	LastActivity time.Time `json:"last_activity"`
	Endpoint     string    `json:"endpoint"`
	Error        string    `json:"error,omitempty"`
}

func NewHealthService(natsConn *nats.Conn, cfg *config.Config, ldg *ledger.Ledger, reporter *ReporterService) *HealthService {
	return &HealthService{
		nats:     natsConn,
		config:   cfg,
		ledger:   ldg,
		reporter: reporter,
	}
}

func (h *HealthService) Start(ctx context.Context) error {
	// Respond to health check requests for this instance
	healthTopic := fmt.Sprintf("workers.%s.health", h.config.InstanceID)

	_, err := h.nats.Subscribe(healthTopic, func(msg *nats.Msg) {
		statusData, err := json.Marshal(h.getHealthStatus())
		if err != nil {
			slog.Error("Failed to marshal health status", "error", err)
			return
		}

		if err := msg.Respond(statusData); err != nil {
			slog.Error("Failed to respond to health check", "error", err)
		}
	})

	if err != nil {
		return fmt.Errorf("failed to subscribe to health topic: %w", err)
	}

	slog.Info("Health service started", "topic", healthTopic)

	// Publish periodic heartbeats
	go h.publishHeartbeats(ctx)

	return nil
}

func (h *HealthService) publishHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	heartbeatTopic := fmt.Sprintf("workers.heartbeat.%s", h.config.InstanceID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statusData, err := json.Marshal(h.getHealthStatus())
			if err != nil {
				continue
			}

			if err := h.nats.Publish(heartbeatTopic, statusData); err != nil {
				slog.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}

func (h *HealthService) getHealthStatus() HealthStatus {
	loaded, errMsg := h.reporter.Status()
	status := "loading"
	switch {
	case errMsg != "":
		status = "errored"
	case loaded:
		status = "online"
	}

	return HealthStatus{
		InstanceID:   h.config.InstanceID,
		BackendKind:  h.config.BackendKind,
		Status:       status,
		ModelLoaded:  loaded,
		CurLoad:      h.ledger.Peek(),
		Working:      h.ledger.Working(),
		LastActivity: time.Now(),
		Endpoint:     fmt.Sprintf("http://localhost%s", h.config.HTTPAddr),
		Error:        errMsg,
	}
}
