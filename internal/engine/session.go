package engine

import (
	"context"
	"sync"
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionConsumed
	sessionClosed
)

// Session accumulates ordered context items and runs exactly one generation.
// It is not meant to be shared: a second Generate or Stream fails with
// KindState.
type Session struct {
	id     string
	h      *ModelHandle
	cfg    SamplingConfig
	vision bool
	bs     BackendSession

	mu    sync.Mutex
	state sessionState
	items []ContextItem

	closeOnce sync.Once
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Sampling() SamplingConfig { return s.cfg }
func (s *Session) Vision() bool             { return s.vision }

// Items returns a copy of the accumulated context in insertion order.
func (s *Session) Items() []ContextItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ContextItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Session) checkOpen(op string) error {
	if s.h.Disposed() {
		return ErrNotInitialized(op)
	}
	switch s.state {
	case sessionConsumed:
		return newError(KindState, op, "session already generated", nil)
	case sessionClosed:
		return newError(KindState, op, "session closed", nil)
	}
	return nil
}

// AddText appends a text chunk to the context.
func (s *Session) AddText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("add_text"); err != nil {
		return err
	}
	if err := s.bs.AddText(text); err != nil {
		return AsError(err, "add_text")
	}
	s.items = append(s.items, ContextItem{Text: text})
	return nil
}

// AddImage encodes raw image bytes and appends the embedding. The session
// must have been created with WithVision.
func (s *Session) AddImage(raw []byte) error {
	if !s.vision {
		return newError(KindCapability, "add_image", "session was created without vision", nil)
	}
	emb, err := s.h.eng.encoder.Encode(raw)
	if err != nil {
		return err
	}
	return s.AddEmbedding(emb)
}

// AddEmbedding appends an already encoded image.
func (s *Session) AddEmbedding(emb Embedding) error {
	if !s.vision {
		return newError(KindCapability, "add_image", "session was created without vision", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("add_image"); err != nil {
		return err
	}
	if err := s.bs.AddImage(emb); err != nil {
		return AsError(err, "add_image")
	}
	s.items = append(s.items, ContextItem{IsImage: true, Image: emb})
	return nil
}

// Generate runs the generation to completion and returns the full text.
func (s *Session) Generate(ctx context.Context) (string, error) {
	st, err := s.stream(ctx, "blocking")
	if err != nil {
		return "", err
	}
	return st.Collect()
}

// Stream starts the generation and returns its fragment stream.
func (s *Session) Stream(ctx context.Context) (*Stream, error) {
	return s.stream(ctx, "stream")
}

func (s *Session) stream(ctx context.Context, mode string) (*Stream, error) {
	s.mu.Lock()
	if err := s.checkOpen("generate"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = sessionConsumed
	s.mu.Unlock()
	return s.h.startStream(ctx, s, mode)
}

// Close releases the backend session. Closing a session whose generation is
// running is deferred to the end of that generation.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == sessionConsumed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.release()
}

func (s *Session) release() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = sessionClosed
		s.mu.Unlock()
		err = s.bs.Close()
		s.h.forget(s.id)
	})
	return err
}
