package models

import "time"

// BackendKind selects which model server profile a request belongs to.
type BackendKind string

const (
	TextGeneration  BackendKind = "text-generation"
	ImageGeneration BackendKind = "image-generation"
)

// Descriptor is the immutable per-request record built at acceptance time.
// It carries only the fields needed for workload estimation; everything else
// in the client payload is passed through to the backend untouched.
type Descriptor struct {
	ReqID   string      `json:"req_id"`
	Kind    BackendKind `json:"kind"`
	Arrived time.Time   `json:"arrived"`

	// Text generation
	MaxNewTokens int `json:"max_new_tokens,omitempty"`

	// Image generation
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	Steps  int `json:"steps,omitempty"`
}

// EventKind classifies a progress event observed for an in-flight request.
type EventKind string

const (
	EventToken      EventKind = "token"
	EventPixelBatch EventKind = "pixel-batch"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
)

// ProgressEvent is a transient observation about one in-flight request,
// produced by an observer and consumed exactly once by the ledger.
type ProgressEvent struct {
	ReqID string    `json:"req_id"`
	Kind  EventKind `json:"kind"`

	// Count is the number of work units (tokens) this event represents.
	Count int `json:"count,omitempty"`

	// Fraction is the completed share of total work, for backends that
	// report partial progress instead of discrete units.
	Fraction float64 `json:"fraction,omitempty"`

	// Status carries the terminal reason for error events.
	Status string `json:"status,omitempty"`
}

// RequestState is the lifecycle state of a ledger entry.
type RequestState string

const (
	StateAccepted  RequestState = "accepted"
	StateForwarded RequestState = "forwarded"
	StateStreaming RequestState = "streaming"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
	StateCanceled  RequestState = "canceled"
)

// Terminal reports whether s is an end state.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// RequestLog is the audit-trail row written for every proxied request.
type RequestLog struct {
	Timestamp  time.Time   `json:"ts"`
	TraceID    string      `json:"trace_id"`
	ReqID      string      `json:"req_id"`
	Kind       BackendKind `json:"kind"`
	Endpoint   string      `json:"endpoint"`
	ParamsJSON string      `json:"params_json"`
	Estimate   float64     `json:"estimate"`
	Measured   float64     `json:"measured"`
	FinalLoad  float64     `json:"final_load"`
	TokensOut  int         `json:"tokens_out"`
	DurationMs int64       `json:"dur_ms"`
	Status     string      `json:"status"`
	Error      string      `json:"error"`
}
