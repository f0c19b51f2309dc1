package observer

import (
	"strings"

	"github.com/vast-ai/goworker/internal/models"
)

// StreamObserver derives token events from the proxy's own streamed
// response: each SSE data line the backend emits is one unit of generated
// work. It buffers partial lines across chunks and applies completion
// idempotently; a stream that ends without a terminal marker synthesizes a
// failure event so the ledger entry is never left dangling.
type StreamObserver struct {
	reqID    string
	sink     EventSink
	partial  strings.Builder
	finished bool
}

func NewStreamObserver(reqID string, sink EventSink) *StreamObserver {
	return &StreamObserver{reqID: reqID, sink: sink}
}

// Observe scans one chunk of response bytes as they are copied through to
// the client.
func (o *StreamObserver) Observe(chunk []byte) {
	if o.finished {
		return
	}
	for _, b := range chunk {
		if b != '\n' {
			o.partial.WriteByte(b)
			continue
		}
		o.line(strings.TrimRight(o.partial.String(), "\r"))
		o.partial.Reset()
	}
}

// Finish closes out the stream. err is the transport error that ended the
// copy, nil on clean end of stream. Calling Finish more than once, or after
// a terminal marker was already observed, is a no-op.
func (o *StreamObserver) Finish(err error) {
	if o.finished {
		return
	}
	o.finished = true
	status := "unknown-completion"
	if err != nil {
		status = err.Error()
	}
	// The stream ended with no terminal marker; synthesize a failure so
	// the ledger entry is not left dangling.
	o.sink(models.ProgressEvent{
		ReqID:  o.reqID,
		Kind:   models.EventError,
		Status: status,
	})
}

func (o *StreamObserver) line(line string) {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		o.finished = true
		o.sink(models.ProgressEvent{ReqID: o.reqID, Kind: models.EventComplete})
		return
	}

	o.sink(models.ProgressEvent{ReqID: o.reqID, Kind: models.EventToken, Count: 1})

	// The final chunk of a generate stream carries the assembled text.
	if strings.Contains(data, `"generated_text":`) && !strings.Contains(data, `"generated_text":null`) {
		o.finished = true
		o.sink(models.ProgressEvent{ReqID: o.reqID, Kind: models.EventComplete})
	}
}
