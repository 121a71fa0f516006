package types

// InitializeRequest loads a model and sets the default sampling configuration.
// Omitted sampling fields fall back to the server defaults
// (max_tokens=1000, top_k=64, temperature=0.8, random_seed=101).
type InitializeRequest struct {
	// Path to the model file. Either model_path or model is required.
	// example: /home/user/models/gemma-3n-e2b-q4.gguf
	ModelPath string `json:"model_path,omitempty" example:"/home/user/models/gemma-3n-e2b-q4.gguf"`
	// Model id from GET /v1/models, resolved against the models directory.
	// example: gemma-3n-e2b-q4.gguf
	Model string `json:"model,omitempty" example:"gemma-3n-e2b-q4.gguf"`
	// Maximum number of tokens (prompt + response) per generation.
	// example: 1000
	MaxTokens *int `json:"max_tokens,omitempty" example:"1000"`
	// Top-K sampling: limit candidates to the top K tokens.
	// example: 64
	TopK *int `json:"top_k,omitempty" example:"64"`
	// Sampling temperature (higher = more random).
	// example: 0.8
	Temperature *float32 `json:"temperature,omitempty" example:"0.8"`
	// Random seed; identical seed, prompt and image reproduce the same output.
	// example: 101
	RandomSeed *int `json:"random_seed,omitempty" example:"101"`
}

// InitializeResponse is returned after a successful initialize.
type InitializeResponse struct {
	OK bool `json:"ok" example:"true"`
	// Identifier of the loaded model handle.
	HandleID string `json:"handle_id" example:"0b7e0f5c-8d0c-4c52-9a57-5b3f7a2f0c11"`
	// Backend that serves the model.
	// example: llama-server
	Backend string `json:"backend" example:"llama-server"`
	// Whether the model accepts images.
	Vision   bool             `json:"vision" example:"false"`
	Sampling SamplingDefaults `json:"sampling"`
}

// GenerateRequest is the body of /v1/generate and /v1/generate/async.
type GenerateRequest struct {
	// Required prompt text.
	// example: Describe this picture in one sentence.
	Prompt string `json:"prompt" example:"Describe this picture in one sentence."`
	// Optional encoded image (PNG, JPEG, GIF, WebP, BMP), base64 in JSON.
	ImageData []byte `json:"image_data,omitempty" swaggertype:"string" format:"base64"`
}

// GenerateResponse carries the complete text of a blocking generation.
type GenerateResponse struct {
	// example: A cat sleeping on a windowsill.
	Text string `json:"text" example:"A cat sleeping on a windowsill."`
}

// AcceptedResponse acknowledges an async generation or a dispose call.
type AcceptedResponse struct {
	Accepted bool `json:"accepted,omitempty" example:"true"`
	OK       bool `json:"ok,omitempty" example:"true"`
}

// StreamEvent is one NDJSON line on /v1/stream. Exactly one of the fields is set.
type StreamEvent struct {
	// Incremental text fragment, in generation order.
	Partial *string `json:"partial,omitempty"`
	// Terminal marker after the last fragment.
	Done bool `json:"done,omitempty"`
	// Terminal error; fragments received before it remain valid.
	Error *StreamError `json:"error,omitempty"`
}

// StreamError describes a terminal streaming failure.
type StreamError struct {
	// example: INFERENCE_ERROR
	Code string `json:"code" example:"INFERENCE_ERROR"`
	// example: inference
	Kind string `json:"kind" example:"inference"`
	// example: Failed to generate response: decode failed
	Message string `json:"message" example:"Failed to generate response: decode failed"`
}

// ModelsResponse wraps the list of models returned by GET /v1/models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: Prompt is required
	Error string `json:"error" example:"Prompt is required"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Boundary error code.
	// example: INVALID_ARGUMENT
	ErrorCode string `json:"error_code,omitempty" example:"INVALID_ARGUMENT"`
	// Machine-readable error kind.
	// example: invalid_argument
	Kind string `json:"kind,omitempty" example:"invalid_argument"`
	// Optional sub-reason (initialization errors).
	// example: not_found
	Reason string `json:"reason,omitempty" example:"not_found"`
}

// LoadedModel summarizes the currently initialized model for /status.
type LoadedModel struct {
	HandleID string           `json:"handle_id"`
	Path     string           `json:"path"`
	Format   string           `json:"format"`
	Backend  string           `json:"backend"`
	Vision   bool             `json:"vision"`
	CtxSize  int              `json:"ctx_size,omitempty"`
	Sampling SamplingDefaults `json:"sampling"`
	// Load completion time (unix seconds).
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
	// Number of open sessions on the handle.
	Sessions int `json:"sessions" example:"0"`
	// Requests waiting for the generation slot.
	QueueLen int `json:"queue_len" example:"0"`
	// Generations currently executing (0 or 1).
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests before backpressure triggers.
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// TCP port and PID of the managed runtime (llama-server backend).
	Port int `json:"port,omitempty" example:"30001"`
	PID  int `json:"pid,omitempty" example:"12345"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall engine state: uninitialized, loading, ready, error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Loaded model, if any.
	Model *LoadedModel `json:"model,omitempty"`
	// Whether a stream consumer is attached.
	SinkAttached bool `json:"sink_attached"`
	// Last error observed by the engine (if any).
	LastError string `json:"last_error,omitempty"`
	// Total number of model loads.
	LoadsTotal uint64 `json:"loads_total" example:"3"`
	// Total number of completed generations (any mode, any outcome).
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Uptime of the engine in seconds.
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
