package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vast-ai/goworker/internal/config"
	"github.com/vast-ai/goworker/internal/ledger"
	"github.com/vast-ai/goworker/internal/metrics"
	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/observer"
	"github.com/vast-ai/goworker/internal/repository"
)

// Job is one validated client request ready to be forwarded: the immutable
// descriptor for load accounting plus the payload bytes the backend gets.
type Job struct {
	Desc     *models.Descriptor
	TraceID  string
	Endpoint string
	Payload  []byte
	Stream   bool
}

// ForwardingService multiplexes concurrent client requests onto the local
// model server while the ledger tracks each request's lifecycle. It owns
// the register -> forward -> observe -> finalize sequence; the ledger is
// never locked across a backend call.
type ForwardingService struct {
	ledger  *ledger.Ledger
	repo    repository.Repository
	metrics *metrics.Metrics

	client  *http.Client
	baseURL string

	// sem serializes requests for backends that cannot run them in
	// parallel; nil means the backend accepts concurrent work.
	sem chan struct{}
}

func NewForwardingService(cfg *config.Config, ldg *ledger.Ledger, repo repository.Repository, m *metrics.Metrics) *ForwardingService {
	var sem chan struct{}
	if !cfg.BackendParallel {
		sem = make(chan struct{}, 1)
	}
	return &ForwardingService{
		ledger:  ldg,
		repo:    repo,
		metrics: m,
		client:  &http.Client{Timeout: cfg.BackendTimeout},
		baseURL: strings.TrimRight(cfg.ModelServerURL, "/"),
		sem:     sem,
	}
}

// ApplyEvent lets observers feed progress events through the service into
// the ledger.
func (s *ForwardingService) ApplyEvent(ev models.ProgressEvent) {
	s.ledger.ApplyEvent(ev)
}

// Proxy registers the job, forwards it to the backend and relays the
// response, finalizing the ledger entry on every exit path. Registration
// happens before the backend call so queueing time at the backend counts
// toward reported load.
func (s *ForwardingService) Proxy(w http.ResponseWriter, r *http.Request, job Job) {
	start := time.Now()
	desc := job.Desc

	estimate, err := s.ledger.Register(desc)
	if err != nil {
		slog.Error("Register failed", "req_id", desc.ReqID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not register request")
		return
	}

	tokens := 0
	countingSink := func(ev models.ProgressEvent) {
		if ev.Kind == models.EventToken {
			tokens += ev.Count
		}
		s.ledger.ApplyEvent(ev)
	}

	defer func() {
		// Whatever path we exited on, the entry must be terminal now;
		// anything still live means the handler lost track of it.
		state, finalLoad, ok := s.ledger.Lookup(desc.ReqID)
		if ok && !state.Terminal() {
			s.ledger.Fail(desc.ReqID, "handler exited without finalizing", false)
			state, finalLoad, _ = s.ledger.Lookup(desc.ReqID)
		}
		s.audit(r.Context(), job, start, estimate, finalLoad, tokens, state)
		s.metrics.RequestFinished(string(desc.Kind), string(state), time.Since(start).Seconds())
		s.metrics.SetInFlight(s.ledger.Working())
		s.metrics.SetAggregateLoad(s.ledger.Peek())
	}()

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-r.Context().Done():
			s.ledger.Fail(desc.ReqID, "client disconnected while queued", true)
			return
		}
	}

	s.ledger.SetState(desc.ReqID, models.StateForwarded)

	resp, err := s.callBackend(r.Context(), job)
	if err != nil {
		s.failForward(w, r, desc, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Pass the backend's own error through; the proxy is not a schema
		// validator for backend responses.
		s.ledger.Fail(desc.ReqID, fmt.Sprintf("backend returned %d", resp.StatusCode), false)
		copyResponse(w, resp)
		return
	}

	if job.Stream {
		s.relayStream(w, r, desc, resp, countingSink)
		return
	}
	s.relayBody(w, r, desc, resp)
}

func (s *ForwardingService) callBackend(ctx context.Context, job Job) (*http.Response, error) {
	url := s.baseURL + job.Endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	return resp, nil
}

// failForward finalizes a request whose backend call never produced a
// response. Client disconnects cancel only this request's forwarding.
func (s *ForwardingService) failForward(w http.ResponseWriter, r *http.Request, desc *models.Descriptor, err error) {
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		slog.Debug("Request canceled by client", "req_id", desc.ReqID)
		s.ledger.Fail(desc.ReqID, "client disconnected", true)
		return
	}

	slog.Warn("Backend call failed", "req_id", desc.ReqID, "error", err)
	s.ledger.Fail(desc.ReqID, err.Error(), false)
	if errors.Is(err, models.ErrBackendUnavailable) {
		writeJSONError(w, http.StatusBadGateway, "model server unavailable")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "forwarding failed")
}

// relayStream copies the backend's event stream to the client unchanged
// while a stream observer turns each data line into a token event.
func (s *ForwardingService) relayStream(w http.ResponseWriter, r *http.Request, desc *models.Descriptor, resp *http.Response, sink observer.EventSink) {
	s.ledger.SetState(desc.ReqID, models.StateStreaming)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	obs := observer.NewStreamObserver(desc.ReqID, sink)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			obs.Observe(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away mid-stream; keep the partial
				// measured load observed so far.
				s.ledger.Fail(desc.ReqID, "client disconnected mid-stream", true)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				obs.Finish(nil)
			} else if r.Context().Err() != nil {
				s.ledger.Fail(desc.ReqID, "client disconnected mid-stream", true)
			} else {
				obs.Finish(fmt.Errorf("%w: %v", models.ErrBackendProtocol, err))
			}
			return
		}
	}
}

// relayBody forwards a single-shot response and finalizes the entry; with
// no per-token signals the final load snaps to the a-priori estimate (or
// whatever the log observer measured meanwhile).
func (s *ForwardingService) relayBody(w http.ResponseWriter, r *http.Request, desc *models.Descriptor, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if r.Context().Err() != nil {
			s.ledger.Fail(desc.ReqID, "client disconnected", true)
			return
		}
		s.ledger.Fail(desc.ReqID, err.Error(), false)
		writeJSONError(w, http.StatusBadGateway, "reading backend response failed")
		return
	}

	if !json.Valid(body) {
		s.ledger.Fail(desc.ReqID, models.ErrBackendProtocol.Error(), false)
		writeJSONError(w, http.StatusBadGateway, "unexpected backend response")
		return
	}

	s.ledger.Complete(desc.ReqID, 0)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *ForwardingService) audit(ctx context.Context, job Job, start time.Time, estimate, finalLoad float64, tokens int, state models.RequestState) {
	status := string(state)
	s.repo.Request().LogRequest(ctx, &models.RequestLog{
		Timestamp:  start,
		TraceID:    job.TraceID,
		ReqID:      job.Desc.ReqID,
		Kind:       job.Desc.Kind,
		Endpoint:   job.Endpoint,
		ParamsJSON: descParams(job.Desc),
		Estimate:   estimate,
		Measured:   finalLoad,
		FinalLoad:  finalLoad,
		TokensOut:  tokens,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
	})
}

func descParams(d *models.Descriptor) string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
