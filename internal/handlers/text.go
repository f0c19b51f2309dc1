package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vast-ai/goworker/internal/auth"
	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/services"
)

// TextHandler fronts a text-generation backend. It extracts only the
// fields needed for load estimation; everything else in the payload is
// forwarded to the model server unmodified.
type TextHandler struct {
	forwarding *services.ForwardingService
	verifier   *auth.Verifier
}

func NewTextHandler(forwarding *services.ForwardingService, verifier *auth.Verifier) *TextHandler {
	return &TextHandler{forwarding: forwarding, verifier: verifier}
}

func (h *TextHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/text/generate", func(w http.ResponseWriter, r *http.Request) {
		h.handleGenerate(w, r, "/generate", false)
	})
	mux.HandleFunc("/v1/text/generate_stream", func(w http.ResponseWriter, r *http.Request) {
		h.handleGenerate(w, r, "/generate_stream", true)
	})
}

func (h *TextHandler) handleGenerate(w http.ResponseWriter, r *http.Request, endpoint string, stream bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	payload, authData, err := decodeRequest(r)
	if err != nil {
		if !writeValidation(w, err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}
	if !authorize(w, h.verifier, authData) {
		return
	}

	desc, err := textDescriptor(payload)
	if err != nil {
		writeValidation(w, err)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode payload")
		return
	}

	h.forwarding.Proxy(w, r, services.Job{
		Desc:     desc,
		TraceID:  r.Header.Get("X-Trace-ID"),
		Endpoint: endpoint,
		Payload:  body,
		Stream:   stream,
	})
}

// textDescriptor validates the estimation fields of a text payload:
// {inputs, parameters:{max_new_tokens}}.
func textDescriptor(payload map[string]interface{}) (*models.Descriptor, error) {
	fields := map[string]string{}

	if _, ok := stringField(payload, "inputs"); !ok {
		fields["inputs"] = "missing parameter"
	}

	maxNewTokens := 0
	params, ok := payload["parameters"].(map[string]interface{})
	if !ok {
		fields["parameters"] = "missing parameter"
	} else if maxNewTokens, ok = intField(params, "max_new_tokens"); !ok {
		fields["parameters.max_new_tokens"] = "missing parameter"
	} else if maxNewTokens <= 0 {
		fields["parameters.max_new_tokens"] = "must be positive"
	}

	if len(fields) > 0 {
		return nil, &models.ValidationError{Fields: fields}
	}

	return &models.Descriptor{
		ReqID:        ulid.Make().String(),
		Kind:         models.TextGeneration,
		Arrived:      time.Now(),
		MaxNewTokens: maxNewTokens,
	}, nil
}
