package api

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	ModelPath string `json:"model_path"`
	// MaxTokens is optional. Zero or absent uses the server default.
	MaxTokens *int `json:"max_tokens,omitempty"`
}

type GenerateResponse struct {
	Text       string `json:"text"`
	DurationMS int64  `json:"duration_ms"`
	Tokens     int    `json:"tokens"`
	StopReason string `json:"stop_reason"`
	RequestID  string `json:"request_id"`
}

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Device  string `json:"device"`
}
