package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lmbridge/internal/registry"
)

// writeModelFile writes a file starting with hdr, padded to sizeMB megabytes
// (at least 16 bytes), and returns its path.
func writeModelFile(t *testing.T, dir, name string, hdr []byte, sizeMB int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	data := append([]byte(nil), hdr...)
	n := sizeMB * 1024 * 1024
	if n < 16 {
		n = 16
	}
	if len(data) < n {
		data = append(data, make([]byte, n-len(data))...)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func writeGGUF(t *testing.T, dir string) string {
	t.Helper()
	return writeModelFile(t, dir, "model.gguf", []byte("GGUF\x03\x00\x00\x00"), 0)
}

// pngBytes renders a w x h solid image.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

// fakeBackend is an in-memory backend. Its sessions emit one token per
// context word, prefixed by the seed, so output is a pure function of the
// prompt, image and sampling configuration.
type fakeBackend struct {
	vision  bool
	formats []registry.Format
	loadErr error
	genErr  error
	// errAfter emits that many tokens before failing with genErr.
	errAfter int
	// gate, when set, must yield once per token.
	gate chan struct{}
	// started receives once per Generate call.
	started chan struct{}
	// loading receives when Load begins; loadGate, when set, holds Load
	// until it is closed, regardless of ctx.
	loading  chan struct{}
	loadGate chan struct{}

	loads  atomic.Int32
	closed atomic.Int32

	mu     sync.Mutex
	models []*fakeModel
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Formats() []registry.Format {
	if b.formats != nil {
		return b.formats
	}
	return []registry.Format{registry.FormatGGUF}
}

func (b *fakeBackend) Load(ctx context.Context, path string, _ LoadParams) (BackendModel, error) {
	b.loads.Add(1)
	if b.loading != nil {
		select {
		case b.loading <- struct{}{}:
		default:
		}
	}
	if b.loadGate != nil {
		<-b.loadGate
	}
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	m := &fakeModel{b: b, path: path}
	b.mu.Lock()
	b.models = append(b.models, m)
	b.mu.Unlock()
	return m, nil
}

type fakeModel struct {
	b      *fakeBackend
	path   string
	closed atomic.Bool
	// active counts running generations; it must be zero at Close.
	active atomic.Int32
	// closedWhileActive records a Close during a generation.
	closedWhileActive atomic.Bool
}

func (m *fakeModel) Capabilities() Capabilities {
	return Capabilities{Vision: m.b.vision, ContextSize: 2048}
}

func (m *fakeModel) NewSession(cfg SamplingConfig) (BackendSession, error) {
	if m.closed.Load() {
		return nil, errors.New("model closed")
	}
	return &fakeSession{m: m, cfg: cfg}, nil
}

func (m *fakeModel) Close() error {
	if m.active.Load() > 0 {
		m.closedWhileActive.Store(true)
	}
	if m.closed.CompareAndSwap(false, true) {
		m.b.closed.Add(1)
	}
	return nil
}

type fakeSession struct {
	m      *fakeModel
	cfg    SamplingConfig
	items  []string
	closed bool
}

func (s *fakeSession) AddText(text string) error {
	s.items = append(s.items, strings.Fields(text)...)
	return nil
}

func (s *fakeSession) AddImage(img Embedding) error {
	if !s.m.b.vision {
		return errors.New("no vision")
	}
	s.items = append(s.items, fmt.Sprintf("<img %dx%d>", img.Width, img.Height))
	return nil
}

func (s *fakeSession) Generate(ctx context.Context, onToken func(string) error) (FinalResult, error) {
	s.m.active.Add(1)
	defer s.m.active.Add(-1)
	if s.m.b.started != nil {
		select {
		case s.m.b.started <- struct{}{}:
		default:
		}
	}
	toks := s.tokens()
	var out strings.Builder
	for i, tok := range toks {
		if s.m.b.genErr != nil && i == s.m.b.errAfter {
			return FinalResult{}, s.m.b.genErr
		}
		if s.m.b.gate != nil {
			select {
			case <-s.m.b.gate:
			case <-ctx.Done():
				return FinalResult{}, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return FinalResult{}, err
		}
		if err := onToken(tok); err != nil {
			return FinalResult{}, err
		}
		out.WriteString(tok)
	}
	if s.m.b.genErr != nil && s.m.b.errAfter >= len(toks) {
		return FinalResult{}, s.m.b.genErr
	}
	return FinalResult{Content: out.String(), FinishReason: "stop"}, nil
}

func (s *fakeSession) tokens() []string {
	toks := []string{fmt.Sprintf("[%d/%d]", s.cfg.RandomSeed, s.cfg.TopK)}
	for i, w := range s.items {
		if i >= s.cfg.MaxTokens {
			break
		}
		toks = append(toks, " "+w)
	}
	return toks
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// recordingSink captures sink callbacks in order.
type recordingSink struct {
	mu       sync.Mutex
	partials []string
	done     int
	fails    []*Error
	terminal chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{terminal: make(chan struct{}, 4)}
}

func (s *recordingSink) Partial(text string) {
	s.mu.Lock()
	s.partials = append(s.partials, text)
	s.mu.Unlock()
}

func (s *recordingSink) Done() {
	s.mu.Lock()
	s.done++
	s.mu.Unlock()
	s.terminal <- struct{}{}
}

func (s *recordingSink) Fail(err *Error) {
	s.mu.Lock()
	s.fails = append(s.fails, err)
	s.mu.Unlock()
	s.terminal <- struct{}{}
}

func (s *recordingSink) snapshot() (partials []string, done int, fails []*Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.partials...), s.done, append([]*Error(nil), s.fails...)
}

func (s *recordingSink) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-s.terminal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for terminal sink event")
	}
}

// newTestEngine builds an engine over b with a model file already initialized.
func newTestEngine(t *testing.T, b *fakeBackend, cfg Config) (*Engine, *ModelHandle) {
	t.Helper()
	cfg.Backend = b
	e := New(cfg)
	t.Cleanup(func() { _ = e.Close() })
	h, err := e.Initialize(context.Background(), InitOptions{ModelPath: writeGGUF(t, t.TempDir())})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e, h
}

func drain(t *testing.T, st *Stream) (frags []string, terminals []StreamEvent) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-st.Events():
			if !ok {
				return frags, terminals
			}
			if ev.Done || ev.Err != nil {
				terminals = append(terminals, ev)
			} else {
				frags = append(frags, ev.Text)
			}
		case <-timeout:
			t.Fatalf("timeout draining stream")
		}
	}
}
