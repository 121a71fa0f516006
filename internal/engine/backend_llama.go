//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"lmbridge/internal/registry"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
const llamaBuilt = true

// LlamaBackend runs GGUF models in-process through go-llama.cpp. It is text only.
type LlamaBackend struct {
	ctxSize int
	threads int
}

// NewLlamaBackend returns the in-process backend.
func NewLlamaBackend(ctxSize, threads int) (Backend, error) {
	return &LlamaBackend{ctxSize: ctxSize, threads: threads}, nil
}

func (b *LlamaBackend) Name() string               { return "llama" }
func (b *LlamaBackend) Formats() []registry.Format { return []registry.Format{registry.FormatGGUF} }

func (b *LlamaBackend) Load(ctx context.Context, path string, _ LoadParams) (BackendModel, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var mo []llama.ModelOption
	if b.ctxSize > 0 {
		mo = append(mo, llama.SetContext(b.ctxSize))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{model: m, threads: b.threads, ctxSize: b.ctxSize}, nil
}

// llamaModel owns the loaded weights. The token callback is per model, which
// is fine because generations on one handle never overlap.
type llamaModel struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	ctxSize int
}

func (m *llamaModel) Capabilities() Capabilities {
	return Capabilities{Vision: false, ContextSize: m.ctxSize}
}

func (m *llamaModel) NewSession(cfg SamplingConfig) (BackendSession, error) {
	return &llamaSession{m: m, cfg: cfg}, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

type llamaSession struct {
	m      *llamaModel
	cfg    SamplingConfig
	prompt strings.Builder
}

func (s *llamaSession) AddText(text string) error {
	s.prompt.WriteString(text)
	return nil
}

func (s *llamaSession) AddImage(Embedding) error {
	return newError(KindCapability, "add_image", "in-process llama backend is text only", nil)
}

func (s *llamaSession) Generate(ctx context.Context, onToken func(string) error) (FinalResult, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.model == nil {
		return FinalResult{}, errors.New("llama model not loaded")
	}
	var cbErr error
	s.m.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	text, err := s.m.model.Predict(s.prompt.String(), predictOptions(s.cfg, s.m.threads)...)
	if ctx.Err() != nil {
		return FinalResult{}, ctx.Err()
	}
	if cbErr != nil {
		return FinalResult{}, cbErr
	}
	if err != nil {
		return FinalResult{}, err
	}
	return FinalResult{Content: text, FinishReason: "stop"}, nil
}

func (s *llamaSession) Close() error { return nil }

func predictOptions(cfg SamplingConfig, threads int) []llama.PredictOption {
	return []llama.PredictOption{
		llama.SetTokens(max(1, cfg.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopK(cfg.TopK),
		llama.SetTemperature(cfg.Temperature),
		llama.SetSeed(cfg.RandomSeed),
	}
}
