package types

// Model represents a discoverable model file on disk.
type Model struct {
	// Stable identifier for the model (the filename).
	// example: gemma-3n-e2b-q4.gguf
	ID string `json:"id" example:"gemma-3n-e2b-q4.gguf"`
	// Human-friendly name.
	// example: gemma-3n-e2b-q4
	Name string `json:"name" example:"gemma-3n-e2b-q4"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/gemma-3n-e2b-q4.gguf
	Path string `json:"path" example:"/home/user/models/gemma-3n-e2b-q4.gguf"`
	// Container format sniffed from the file header (gguf, tflite, task).
	// example: gguf
	Format string `json:"format" example:"gguf"`
	// File size in bytes.
	// example: 1342177280
	SizeBytes int64 `json:"size_bytes" example:"1342177280"`
}

// SamplingDefaults mirrors the sampling configuration a model was initialized with.
type SamplingDefaults struct {
	MaxTokens   int     `json:"max_tokens" example:"1000"`
	TopK        int     `json:"top_k" example:"64"`
	Temperature float32 `json:"temperature" example:"0.8"`
	RandomSeed  int     `json:"random_seed" example:"101"`
}
