package services

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/vast-ai/goworker/internal/config"
	"github.com/vast-ai/goworker/internal/models"
)

// TelemetryService mirrors every autoscaler report onto local NATS so
// operator tooling (cmd/monitor) can watch instance load without talking
// to the autoscaler. Publishing is fire-and-forget; telemetry must never
// slow down or fail the reporting path.
type TelemetryService struct {
	nats   *nats.Conn
	config *config.Config
}

func NewTelemetryService(cfg *config.Config) (*TelemetryService, error) {
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	slog.Info("Telemetry connected", "nats_url", cfg.NatsURL, "topic", cfg.TelemetryTopic)
	return &TelemetryService{nats: nc, config: cfg}, nil
}

// GetConnection exposes the NATS connection for sibling services.
func (t *TelemetryService) GetConnection() *nats.Conn {
	return t.nats
}

func (t *TelemetryService) PublishReport(report *models.AutoscalerReport) {
	data, err := json.Marshal(report)
	if err != nil {
		slog.Error("Failed to marshal telemetry report", "error", err)
		return
	}

	topic := fmt.Sprintf("%s.%s", t.config.TelemetryTopic, t.config.InstanceID)
	if err := t.nats.Publish(topic, data); err != nil {
		slog.Warn("Failed to publish telemetry report", "error", err)
	}
}

func (t *TelemetryService) Close() {
	t.nats.Close()
}
