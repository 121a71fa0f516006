package engine

import (
	"context"

	"lmbridge/internal/registry"
)

// Backend abstracts the model runtime used by the Engine.
// Concrete implementations (llama.cpp in-process, llama-server subprocess)
// satisfy this interface.
type Backend interface {
	// Name identifies the backend in status and logs.
	Name() string
	// Formats lists the model container formats the backend can load.
	Formats() []registry.Format
	// Load maps the model at path into memory. It may take seconds and must
	// honor ctx cancellation where the runtime allows it.
	Load(ctx context.Context, path string, params LoadParams) (BackendModel, error)
}

// LoadParams captures load-time options passed to the backend.
type LoadParams struct {
	Sampling SamplingConfig
}

// Capabilities describes what a loaded model supports.
type Capabilities struct {
	Vision      bool
	ContextSize int
}

// BackendModel is a loaded model. NewSession may be called concurrently, but
// the engine runs at most one Generate per model at a time.
type BackendModel interface {
	Capabilities() Capabilities
	NewSession(cfg SamplingConfig) (BackendSession, error)
	// Close releases the model. No session is used after Close.
	Close() error
}

// BackendSession accumulates context and runs one generation.
type BackendSession interface {
	AddText(text string) error
	AddImage(img Embedding) error
	// Generate streams fragments to onToken in production order. A non-nil
	// error from onToken stops generation and is returned. Implementations
	// must return when ctx is canceled.
	Generate(ctx context.Context, onToken func(string) error) (FinalResult, error)
	Close() error
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// procInfoProvider is implemented by backends that run a managed process per model.
type procInfoProvider interface {
	ProcInfo(modelPath string) (pid, port int, ok bool)
}

func supportsFormat(b Backend, f registry.Format) bool {
	for _, s := range b.Formats() {
		if s == f {
			return true
		}
	}
	return false
}

// LlamaBuilt reports whether the in-process llama backend is compiled in.
func LlamaBuilt() bool { return llamaBuilt }
