package client

// TextRequest is the payload for text generation endpoints.
type TextRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters TextParameters `json:"parameters"`
}

type TextParameters struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
}

// ImageRequest is the payload for the default image workflow endpoint.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Steps  int    `json:"steps"`
	Seed   int64  `json:"seed"`
}

// WorkflowRequest is the payload for the custom workflow endpoint: a
// free-form workflow document plus the top-level fields substituted into
// its {{NAME}} placeholders.
type WorkflowRequest struct {
	CustomFields map[string]interface{} `json:"custom_fields"`
	Workflow     interface{}            `json:"workflow"`
}

// Status mirrors the proxy's /status response.
type Status struct {
	CurLoad float64       `json:"cur_load"`
	Working int           `json:"working"`
	Entries []StatusEntry `json:"entries"`
}

type StatusEntry struct {
	ReqID        string  `json:"req_id"`
	Kind         string  `json:"kind"`
	State        string  `json:"state"`
	Estimate     float64 `json:"estimate"`
	Measured     float64 `json:"measured"`
	Contribution float64 `json:"contribution"`
}
