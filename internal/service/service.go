// Package service adapts the engine and the model registry to the HTTP API.
package service

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lmbridge/internal/engine"
	"lmbridge/internal/registry"
	"lmbridge/pkg/types"
)

// Service resolves wire requests against the engine. Model ids are looked up
// in modelsDir; explicit paths bypass the registry.
type Service struct {
	eng       *engine.Engine
	modelsDir string
	log       zerolog.Logger

	mu     sync.RWMutex
	models []types.Model
}

// New creates a Service and performs an initial scan of modelsDir.
func New(eng *engine.Engine, modelsDir string, log zerolog.Logger) *Service {
	s := &Service{eng: eng, modelsDir: modelsDir, log: log}
	s.refresh()
	return s
}

// refresh rescans the models directory. A failed scan keeps the previous list.
func (s *Service) refresh() []types.Model {
	if s.modelsDir == "" {
		return nil
	}
	models, err := registry.LoadDir(s.modelsDir)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", s.modelsDir).Msg("scan models dir")
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.Model(nil), s.models...)
	}
	s.mu.Lock()
	s.models = models
	s.mu.Unlock()
	return append([]types.Model(nil), models...)
}

// ListModels returns the models currently present in the models directory.
func (s *Service) ListModels() []types.Model {
	models := s.refresh()
	if models == nil {
		return []types.Model{}
	}
	return models
}

func (s *Service) Status() types.StatusResponse { return s.eng.Status() }

func (s *Service) Ready() bool { return s.eng.Ready() }

// ResolveModel maps a registry id or a path to a model path. Values that look
// like paths are returned unchanged.
func (s *Service) ResolveModel(model string) (string, error) {
	if looksLikePath(model) {
		return model, nil
	}
	if m, ok := registry.Lookup(s.refresh(), model); ok {
		return m.Path, nil
	}
	return "", engine.ErrModelNotFound(model)
}

func looksLikePath(v string) bool {
	return strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, "~")
}

// Initialize loads the requested model, replacing any live one.
func (s *Service) Initialize(ctx context.Context, req types.InitializeRequest) (types.InitializeResponse, error) {
	path := req.ModelPath
	if path == "" && req.Model != "" {
		p, err := s.ResolveModel(req.Model)
		if err != nil {
			return types.InitializeResponse{}, err
		}
		path = p
	}
	h, err := s.eng.Initialize(ctx, engine.InitOptions{
		ModelPath: path,
		Overrides: engine.Overrides{
			MaxTokens:   req.MaxTokens,
			TopK:        req.TopK,
			Temperature: req.Temperature,
			RandomSeed:  req.RandomSeed,
		},
	})
	if err != nil {
		return types.InitializeResponse{}, err
	}
	return types.InitializeResponse{
		OK:       true,
		HandleID: h.ID(),
		Backend:  h.Backend(),
		Vision:   h.Capabilities().Vision,
		Sampling: engine.SamplingDefaults(h.Sampling()),
	}, nil
}

// Generate runs a blocking generation.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	text, err := s.eng.Generate(ctx, toEngine(req))
	if err != nil {
		return types.GenerateResponse{}, err
	}
	return types.GenerateResponse{Text: text}, nil
}

// Stream starts a generation and calls emit for every event in order. An
// error returned before the first emit means the request was rejected.
// When emit fails the stream is cancelled and the emit error is returned.
func (s *Service) Stream(ctx context.Context, req types.GenerateRequest, emit func(types.StreamEvent) error) error {
	st, err := s.eng.Stream(ctx, toEngine(req))
	if err != nil {
		return err
	}
	defer st.Cancel()
	for ev := range st.Events() {
		if err := emit(WireEvent(ev)); err != nil {
			return err
		}
	}
	if err := st.Err(); err != nil && engine.IsCancelled(err) {
		return err
	}
	return nil
}

// GenerateAsync accepts a generation whose results go to the attached sink.
func (s *Service) GenerateAsync(req types.GenerateRequest) error {
	return s.eng.GenerateAsync(toEngine(req))
}

// AttachSink registers sink as the streaming consumer.
func (s *Service) AttachSink(sink engine.Sink) (detach func()) {
	return s.eng.RegisterSink(sink)
}

// Dispose releases the loaded model.
func (s *Service) Dispose() error { return s.eng.Dispose() }

// WireEvent converts an engine stream event to its NDJSON form.
func WireEvent(ev engine.StreamEvent) types.StreamEvent {
	switch {
	case ev.Err != nil:
		return types.StreamEvent{Error: ev.Err.Wire()}
	case ev.Done:
		return types.StreamEvent{Done: true}
	default:
		text := ev.Text
		return types.StreamEvent{Partial: &text}
	}
}

func toEngine(req types.GenerateRequest) engine.GenerationRequest {
	return engine.GenerationRequest{Prompt: req.Prompt, Image: req.ImageData}
}
