package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vast-ai/goworker/internal/auth"
	"github.com/vast-ai/goworker/internal/models"
	"github.com/vast-ai/goworker/internal/services"
	"github.com/vast-ai/goworker/internal/template"
)

// ImageHandler fronts an image-generation backend. The default endpoint
// fills a stored workflow template from the client's prompt fields; the
// custom endpoint accepts a free-form workflow document whose {{NAME}}
// placeholders are substituted from top-level request fields.
type ImageHandler struct {
	forwarding *services.ForwardingService
	verifier   *auth.Verifier
	workflow   string
}

func NewImageHandler(forwarding *services.ForwardingService, verifier *auth.Verifier, workflow string) *ImageHandler {
	return &ImageHandler{forwarding: forwarding, verifier: verifier, workflow: workflow}
}

func (h *ImageHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/image/generate", h.handleGenerate)
	mux.HandleFunc("/v1/image/workflow", h.handleWorkflow)
}

func (h *ImageHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
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

	fields := map[string]string{}
	prompt, ok := stringField(payload, "prompt")
	if !ok {
		fields["prompt"] = "missing parameter"
	}
	width, ok := intField(payload, "width")
	if !ok {
		fields["width"] = "missing parameter"
	}
	height, ok := intField(payload, "height")
	if !ok {
		fields["height"] = "missing parameter"
	}
	steps, ok := intField(payload, "steps")
	if !ok {
		fields["steps"] = "missing parameter"
	}
	seed, ok := intField(payload, "seed")
	if !ok {
		fields["seed"] = "missing parameter"
	}
	if len(fields) > 0 {
		writeValidation(w, &models.ValidationError{Fields: fields})
		return
	}

	desc := &models.Descriptor{
		ReqID:   ulid.Make().String(),
		Kind:    models.ImageGeneration,
		Arrived: time.Now(),
		Width:   width,
		Height:  height,
		Steps:   steps,
	}

	doc, err := template.Substitute(h.workflow, map[string]interface{}{
		"REQID":  desc.ReqID,
		"PROMPT": prompt,
		"WIDTH":  width,
		"HEIGHT": height,
		"STEPS":  steps,
		"SEED":   seed,
	})
	if err != nil {
		if !writeValidation(w, err) {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.forwarding.Proxy(w, r, services.Job{
		Desc:     desc,
		TraceID:  r.Header.Get("X-Trace-ID"),
		Endpoint: "/runsync",
		Payload:  []byte(doc),
	})
}

func (h *ImageHandler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
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

	workflow, ok := payload["workflow"]
	if !ok {
		writeValidation(w, models.NewValidationError("workflow", "missing parameter"))
		return
	}
	customFields, _ := payload["custom_fields"].(map[string]interface{})

	// Estimation fields default to the standard image when the workflow
	// does not parameterize them.
	desc := &models.Descriptor{
		ReqID:   ulid.Make().String(),
		Kind:    models.ImageGeneration,
		Arrived: time.Now(),
		Width:   1024,
		Height:  1024,
		Steps:   28,
	}
	if v, ok := intField(customFields, "width"); ok {
		desc.Width = v
	}
	if v, ok := intField(customFields, "height"); ok {
		desc.Height = v
	}
	if v, ok := intField(customFields, "steps"); ok {
		desc.Steps = v
	}

	workflowDoc, err := json.Marshal(workflow)
	if err != nil {
		writeValidation(w, models.NewValidationError("workflow", "must be a JSON document"))
		return
	}

	values := map[string]interface{}{"REQID": desc.ReqID}
	for k, v := range customFields {
		values[k] = v
	}
	doc, err := template.Substitute(string(workflowDoc), values)
	if err != nil {
		if !writeValidation(w, err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"input": map[string]interface{}{"workflow_json": json.RawMessage(doc)},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode payload")
		return
	}

	h.forwarding.Proxy(w, r, services.Job{
		Desc:     desc,
		TraceID:  r.Header.Get("X-Trace-ID"),
		Endpoint: "/runsync",
		Payload:  body,
	})
}
