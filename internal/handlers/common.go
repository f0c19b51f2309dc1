package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vast-ai/goworker/internal/auth"
	"github.com/vast-ai/goworker/internal/models"
)

// envelope is the authenticated request wrapper: a signed auth_data block
// plus the backend payload. Deployments without auth send the payload
// object directly.
type envelope struct {
	AuthData *auth.Data             `json:"auth_data"`
	Payload  map[string]interface{} `json:"payload"`
}

// decodeRequest accepts either the signed envelope or a bare payload
// object and returns the payload fields plus the auth block when present.
func decodeRequest(r *http.Request) (map[string]interface{}, *auth.Data, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, nil, errors.New("invalid JSON")
	}

	if payloadRaw, ok := raw["payload"]; ok {
		var env envelope
		env.Payload = map[string]interface{}{}
		if err := json.Unmarshal(payloadRaw, &env.Payload); err != nil {
			return nil, nil, models.NewValidationError("payload", "must be an object")
		}
		if authRaw, ok := raw["auth_data"]; ok {
			env.AuthData = &auth.Data{}
			if err := json.Unmarshal(authRaw, env.AuthData); err != nil {
				return nil, nil, models.NewValidationError("auth_data", "malformed")
			}
		}
		return env.Payload, env.AuthData, nil
	}

	payload := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, nil, errors.New("invalid JSON")
		}
		payload[k] = val
	}
	return payload, nil, nil
}

// authorize verifies the signed envelope when a verifier is configured.
// It writes the response on failure and reports whether to proceed.
func authorize(w http.ResponseWriter, verifier *auth.Verifier, authData *auth.Data) bool {
	if verifier == nil {
		return true
	}
	if authData == nil {
		writeError(w, http.StatusUnauthorized, "auth_data required")
		return false
	}
	if err := verifier.Verify(*authData); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	return true
}

// intField fetches a required integer field, tolerating the float64 that
// encoding/json produces for numbers.
func intField(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeValidation renders the field-keyed error map the same way for every
// handler, with 422 as the status the way clients expect.
func writeValidation(w http.ResponseWriter, err error) bool {
	ve, ok := models.AsValidationError(err)
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(ve.Fields)
	return true
}
