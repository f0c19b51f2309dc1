package models

import "time"

// AutoscalerReport is the payload POSTed to the autoscaler every reporting
// cycle. The autoscaler relies on these arriving on schedule even when the
// numbers have not changed.
type AutoscalerReport struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`

	// LoadTime is sent once, on the first report after the model finished
	// loading, then zero afterwards.
	LoadTime float64 `json:"loadtime"`

	CurLoad  float64 `json:"cur_load"`
	MaxPerf  float64 `json:"max_perf"`
	CurPerf  float64 `json:"cur_perf"`
	ErrorMsg string  `json:"error_msg"`

	NumRequestsWorking  int `json:"num_requests_working"`
	NumRequestsReceived int `json:"num_requests_received"`

	// Breakdown is the aggregate load split by backend kind.
	Breakdown map[BackendKind]float64 `json:"breakdown,omitempty"`
}
