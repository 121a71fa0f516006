package engine

// State represents the lifecycle state of the engine.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
)

// Snapshot is a read-only projection of the engine state.
type Snapshot struct {
	State    State
	HandleID string
	Path     string
	Err      string
}

// GenerationRequest is one prompt with an optional encoded image.
type GenerationRequest struct {
	Prompt string
	Image  []byte
}

// ContextItem is one entry of a session's accumulated input. Exactly one of
// Text or Image is meaningful, selected by IsImage.
type ContextItem struct {
	IsImage bool
	Text    string
	Image   Embedding
}
