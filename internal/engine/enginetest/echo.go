// Package enginetest provides an in-memory engine backend for tests of the
// layers above the engine.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lmbridge/internal/engine"
	"lmbridge/internal/registry"
)

// EchoBackend loads any GGUF file and answers every prompt by echoing its
// words, one fragment per word. Images become "<image WxH>" fragments.
type EchoBackend struct {
	Vision bool
	// Delay is slept before each fragment.
	Delay time.Duration
	// FailWith, when set, fails generation after the first fragment.
	FailWith error

	Loads  atomic.Int32
	Closes atomic.Int32
}

func (b *EchoBackend) Name() string { return "echo" }

func (b *EchoBackend) Formats() []registry.Format {
	return []registry.Format{registry.FormatGGUF}
}

func (b *EchoBackend) Load(ctx context.Context, path string, _ engine.LoadParams) (engine.BackendModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.Loads.Add(1)
	return &echoModel{b: b}, nil
}

type echoModel struct {
	b      *EchoBackend
	closed atomic.Bool
}

func (m *echoModel) Capabilities() engine.Capabilities {
	return engine.Capabilities{Vision: m.b.Vision, ContextSize: 4096}
}

func (m *echoModel) NewSession(cfg engine.SamplingConfig) (engine.BackendSession, error) {
	if m.closed.Load() {
		return nil, errors.New("model closed")
	}
	return &echoSession{b: m.b, cfg: cfg}, nil
}

func (m *echoModel) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.b.Closes.Add(1)
	}
	return nil
}

type echoSession struct {
	b     *EchoBackend
	cfg   engine.SamplingConfig
	parts []string
}

func (s *echoSession) AddText(text string) error {
	s.parts = append(s.parts, strings.Fields(text)...)
	return nil
}

func (s *echoSession) AddImage(img engine.Embedding) error {
	if !s.b.Vision {
		return errors.New("echo: vision disabled")
	}
	s.parts = append(s.parts, fmt.Sprintf("<image %dx%d>", img.Width, img.Height))
	return nil
}

func (s *echoSession) Generate(ctx context.Context, onToken func(string) error) (engine.FinalResult, error) {
	var out strings.Builder
	for i, p := range s.parts {
		if i >= s.cfg.MaxTokens {
			return engine.FinalResult{Content: out.String(), FinishReason: "length"}, nil
		}
		if s.b.FailWith != nil && i == 1 {
			return engine.FinalResult{}, s.b.FailWith
		}
		if s.b.Delay > 0 {
			select {
			case <-time.After(s.b.Delay):
			case <-ctx.Done():
				return engine.FinalResult{}, ctx.Err()
			}
		}
		tok := p
		if i > 0 {
			tok = " " + p
		}
		if err := onToken(tok); err != nil {
			return engine.FinalResult{}, err
		}
		out.WriteString(tok)
	}
	return engine.FinalResult{Content: out.String(), FinishReason: "stop"}, nil
}

func (s *echoSession) Close() error { return nil }

// WriteModel creates a minimal GGUF file named name in dir.
func WriteModel(t testing.TB, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("GGUF\x03\x00\x00\x00\x00\x00\x00\x00"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}
