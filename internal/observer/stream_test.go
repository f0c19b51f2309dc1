package observer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/goworker/internal/models"
)

type eventRecorder struct {
	events []models.ProgressEvent
}

func (r *eventRecorder) sink(ev models.ProgressEvent) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) tokens() int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == models.EventToken {
			n += ev.Count
		}
	}
	return n
}

func (r *eventRecorder) last() models.ProgressEvent {
	return r.events[len(r.events)-1]
}

func TestStreamObserver_CountsTokenLines(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	o.Observe([]byte("data: {\"token\": {\"text\": \"Hello\"}, \"generated_text\": null}\n"))
	o.Observe([]byte("data: {\"token\": {\"text\": \" world\"}, \"generated_text\": null}\n"))

	assert.Equal(t, 2, rec.tokens())
}

func TestStreamObserver_BuffersPartialLines(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	// One SSE line split across three chunks counts once.
	o.Observe([]byte("data: {\"token\": {\"te"))
	o.Observe([]byte("xt\": \"Hi\"}, \"generated_"))
	assert.Equal(t, 0, rec.tokens())
	o.Observe([]byte("text\": null}\n"))
	assert.Equal(t, 1, rec.tokens())
}

func TestStreamObserver_GeneratedTextCompletes(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	o.Observe([]byte("data: {\"token\": {\"text\": \"a\"}, \"generated_text\": null}\n"))
	o.Observe([]byte("data: {\"token\": {\"text\": \"b\"}, \"generated_text\": \"ab\"}\n"))
	o.Finish(nil)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, 2, rec.tokens())
	assert.Equal(t, models.EventComplete, rec.last().Kind)
}

func TestStreamObserver_DoneMarkerCompletes(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	o.Observe([]byte("data: {\"token\": {\"text\": \"a\"}, \"generated_text\": null}\n"))
	o.Observe([]byte("data: [DONE]\n"))
	o.Finish(nil)

	assert.Equal(t, models.EventComplete, rec.last().Kind)

	// Anything after completion is dropped.
	o.Observe([]byte("data: {\"token\": {\"text\": \"late\"}, \"generated_text\": null}\n"))
	assert.Equal(t, 1, rec.tokens())
}

func TestStreamObserver_NonDataLinesIgnored(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	o.Observe([]byte(":keepalive\n"))
	o.Observe([]byte("event: message\n"))
	assert.Empty(t, rec.events)
}

func TestStreamObserver_FinishWithoutTerminalSynthesizesFailure(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	o.Observe([]byte("data: {\"token\": {\"text\": \"a\"}, \"generated_text\": null}\n"))
	o.Finish(nil)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, models.EventError, rec.last().Kind)
	assert.Equal(t, "unknown-completion", rec.last().Status)
}

func TestStreamObserver_FinishCarriesTransportError(t *testing.T) {
	rec := &eventRecorder{}
	o := NewStreamObserver("r1", rec.sink)

	o.Finish(errors.New("connection reset"))

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventError, rec.events[0].Kind)
	assert.Equal(t, "connection reset", rec.events[0].Status)

	// Finish is idempotent.
	o.Finish(nil)
	assert.Len(t, rec.events, 1)
}
