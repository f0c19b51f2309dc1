package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vast-ai/goworker/internal/config"
	"github.com/vast-ai/goworker/internal/ledger"
	"github.com/vast-ai/goworker/internal/metrics"
	"github.com/vast-ai/goworker/internal/models"
)

// ReportSink receives each report after it was built, in addition to the
// autoscaler POST. Used to mirror reports onto NATS telemetry.
type ReportSink interface {
	PublishReport(report *models.AutoscalerReport)
}

// ReporterService drives the periodic load reports to the remote
// autoscaler. A failed cycle is retried with capped exponential backoff a
// bounded number of times, then logged and skipped; the loop itself never
// stops on a send failure, and unchanged aggregates are still re-sent
// because the autoscaler treats reports as liveness.
type ReporterService struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	client  *http.Client
	sink    ReportSink

	mu         sync.Mutex
	loaded     bool
	loadTime   float64
	loadNotice bool
	maxPerf    float64
	curPerf    float64
	errorMsg   string

	lastCycle time.Time
}

func NewReporterService(cfg *config.Config, ldg *ledger.Ledger, m *metrics.Metrics, sink ReportSink) *ReporterService {
	return &ReporterService{
		cfg:       cfg,
		ledger:    ldg,
		metrics:   m,
		client:    &http.Client{Timeout: 5 * time.Second},
		sink:      sink,
		lastCycle: time.Now(),
	}
}

// ModelLoaded records the model's load time and benchmarked throughput;
// the load time is included exactly once in the next report.
func (s *ReporterService) ModelLoaded(loadTime time.Duration, maxPerf float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.loadTime = loadTime.Seconds()
	s.loadNotice = true
	s.maxPerf = maxPerf
}

// ModelErrored marks the backend as unrecoverably errored; subsequent
// reports carry the message so the autoscaler can replace the instance.
func (s *ReporterService) ModelErrored(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.errorMsg = msg
}

// Status reports whether the model finished loading and any fatal backend
// error message.
func (s *ReporterService) Status() (loaded bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded, s.errorMsg
}

func (s *ReporterService) Start(ctx context.Context) error {
	if s.cfg.ReportAddr == "" {
		slog.Warn("No REPORT_ADDR configured, autoscaler reporting disabled")
		return nil
	}
	slog.Info("Starting reporter service",
		"addr", s.cfg.ReportAddr,
		"interval", s.cfg.ReportInterval,
		"idle_interval", s.cfg.ReportIdleEvery)

	go s.reportLoop(ctx)
	return nil
}

// reportLoop ticks fast while requests are in flight and drops to the idle
// cadence when the proxy is quiet, the same dual-cadence shape the rest of
// the fleet tooling expects.
func (s *ReporterService) reportLoop(ctx context.Context) {
	busyTicker := time.NewTicker(s.cfg.ReportInterval)
	idleTicker := time.NewTicker(s.cfg.ReportIdleEvery)
	defer busyTicker.Stop()
	defer idleTicker.Stop()

	currentTicker := idleTicker

	for {
		select {
		case <-ctx.Done():
			return
		case <-currentTicker.C:
			working := s.ledger.Working()
			if working > 0 && currentTicker == idleTicker {
				currentTicker = busyTicker
				slog.Debug("Switched to busy reporting cadence", "working", working)
			} else if working == 0 && currentTicker == busyTicker {
				currentTicker = idleTicker
				slog.Debug("Switched to idle reporting cadence")
			}

			s.reportOnce(ctx)
		}
	}
}

// reportOnce builds and sends one report. Transport failures inside the
// cycle are retried with backoff; when the attempts are exhausted the
// cycle is skipped, never queued for resend.
func (s *ReporterService) reportOnce(ctx context.Context) {
	report := s.buildReport()
	if s.sink != nil {
		s.sink.PublishReport(report)
	}
	s.metrics.SetAggregateLoad(report.CurLoad)
	s.metrics.SetInFlight(report.NumRequestsWorking)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.ReportBackoff
	expo.MaxInterval = s.cfg.ReportBackoffMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.send(ctx, report)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.ReportAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("Autoscaler report retry", "error", err, "wait", wait)
		}),
	)
	if err != nil {
		s.metrics.ReportFailed()
		slog.Warn("Autoscaler report cycle skipped", "error", err)
		return
	}
	s.metrics.ReportSent()
}

func (s *ReporterService) buildReport() *models.AutoscalerReport {
	now := time.Now()
	elapsed := now.Sub(s.lastCycle).Seconds()
	s.lastCycle = now

	curLoad := s.ledger.SnapshotAggregate()
	served := s.ledger.TakeServed()

	s.mu.Lock()
	if served > 0 && elapsed > 0 {
		s.curPerf = served / elapsed
	}
	report := &models.AutoscalerReport{
		ID:                  s.cfg.InstanceID,
		URL:                 s.cfg.InstanceURL,
		Timestamp:           now,
		CurLoad:             curLoad,
		MaxPerf:             s.maxPerf,
		CurPerf:             s.curPerf,
		ErrorMsg:            s.errorMsg,
		NumRequestsWorking:  s.ledger.Working(),
		NumRequestsReceived: s.ledger.TakeReceived(),
		Breakdown:           s.ledger.Breakdown(),
	}
	if s.loadNotice {
		report.LoadTime = s.loadTime
		s.loadNotice = false
	}
	s.mu.Unlock()

	return report
}

func (s *ReporterService) send(ctx context.Context, report *models.AutoscalerReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return backoff.Permanent(err)
	}

	url := strings.TrimRight(s.cfg.ReportAddr, "/") + "/worker_status/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrReportingTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: autoscaler returned %d", models.ErrReportingTransport, resp.StatusCode)
	}
	return nil
}
