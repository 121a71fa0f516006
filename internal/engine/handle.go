package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lmbridge/internal/registry"
)

// ModelHandle is a loaded model plus its default sampling configuration.
// Sessions are created from it; Dispose releases the model and invalidates
// every derived session and stream.
type ModelHandle struct {
	id          string
	path        string
	format      registry.Format
	backendName string
	sampling    SamplingConfig
	caps        Capabilities
	loadedAt    time.Time

	model       BackendModel
	eng         *Engine
	adm         *admission
	log         zerolog.Logger
	disposeWait time.Duration

	// ctx is cancelled when disposal starts.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	disposed  bool
	sessions  map[string]*Session
	producers sync.WaitGroup

	disposeOnce sync.Once
	disposeErr  error
}

func newModelHandle(e *Engine, path string, format registry.Format, sampling SamplingConfig, model BackendModel) *ModelHandle {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &ModelHandle{
		id:          id,
		path:        path,
		format:      format,
		backendName: e.backend.Name(),
		sampling:    sampling,
		caps:        model.Capabilities(),
		loadedAt:    time.Now(),
		model:       model,
		eng:         e,
		adm:         newAdmission(e.cfg.MaxQueueDepth, e.cfg.MaxWait),
		log:         e.log.With().Str("handle", id).Logger(),
		disposeWait: e.cfg.DisposeWait,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Session),
	}
}

func (h *ModelHandle) ID() string                 { return h.id }
func (h *ModelHandle) Path() string               { return h.path }
func (h *ModelHandle) Format() registry.Format    { return h.format }
func (h *ModelHandle) Backend() string            { return h.backendName }
func (h *ModelHandle) Sampling() SamplingConfig   { return h.sampling }
func (h *ModelHandle) Capabilities() Capabilities { return h.caps }
func (h *ModelHandle) LoadedAt() time.Time        { return h.loadedAt }

// Done is closed once disposal has started.
func (h *ModelHandle) Done() <-chan struct{} { return h.ctx.Done() }

// Disposed reports whether Dispose has been called.
func (h *ModelHandle) Disposed() bool { return h.ctx.Err() != nil }

// SessionCount returns the number of open sessions.
func (h *ModelHandle) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SessionOption customizes NewSession.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	vision bool
}

// WithVision enables image inputs on the session. The model must support vision.
func WithVision() SessionOption {
	return func(o *sessionOptions) { o.vision = true }
}

// NewSession creates a single-use session bound to this handle. The sampling
// configuration is copied.
func (h *ModelHandle) NewSession(cfg SamplingConfig, opts ...SessionOption) (*Session, error) {
	var o sessionOptions
	for _, fn := range opts {
		fn(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.vision && !h.caps.Vision {
		return nil, newError(KindCapability, "create_session", "model does not support image input", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil, ErrNotInitialized("create_session")
	}
	bs, err := h.model.NewSession(cfg)
	if err != nil {
		return nil, AsError(err, "create_session")
	}
	s := &Session{
		id:     uuid.NewString(),
		h:      h,
		cfg:    cfg,
		vision: o.vision,
		bs:     bs,
	}
	h.sessions[s.id] = s
	return s, nil
}

// WithSession runs fn with a fresh session and closes it on every exit path,
// panics included.
func (h *ModelHandle) WithSession(cfg SamplingConfig, fn func(*Session) error, opts ...SessionOption) error {
	s, err := h.NewSession(cfg, opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (h *ModelHandle) forget(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// startStream launches the producer for a session that has been marked
// consumed. The producer owns the session from here on and closes it.
func (h *ModelHandle) startStream(parent context.Context, s *Session, mode string) (*Stream, error) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		s.release()
		return nil, ErrNotInitialized("generate")
	}
	h.producers.Add(1)
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.ctx, cancel)
	st := newStream(uuid.NewString(), h.eng.cfg.StreamBuffer, cancel)
	go func() {
		defer h.producers.Done()
		defer stop()
		defer cancel()
		defer close(st.events)
		defer s.release()
		h.produce(ctx, s, st, mode)
	}()
	return st, nil
}

var outcomeEvents = map[string]string{
	"ok":        "generate_done",
	"error":     "generate_error",
	"rejected":  "generate_rejected",
	"cancelled": "stream_cancelled",
}

func (h *ModelHandle) produce(ctx context.Context, s *Session, st *Stream, mode string) {
	e := h.eng
	start := time.Now()
	outcome := "ok"
	defer func() {
		e.generations.Add(1)
		e.metrics.generationsTotal.WithLabelValues(mode, outcome).Inc()
		e.metrics.generationDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		e.publish(outcomeEvents[outcome], h.id, map[string]any{"mode": mode, "stream": st.id, "ms": time.Since(start).Milliseconds()})
	}()

	// cancelled ends the stream without a terminal event.
	cancelled := func(cause error) {
		outcome = "cancelled"
		if h.Disposed() {
			st.setErr(disposedError())
			return
		}
		st.setErr(cancelledError(cause))
	}
	terminal := func(ev StreamEvent) {
		select {
		case st.events <- ev:
		case <-ctx.Done():
			cancelled(ctx.Err())
		}
	}

	release, err := h.adm.acquire(ctx, h.ctx.Done())
	if err != nil {
		if IsCancelled(err) {
			cancelled(ctx.Err())
			return
		}
		outcome = "rejected"
		e.metrics.rejectionsTotal.WithLabelValues("too_busy").Inc()
		ee := AsError(err, "generate")
		st.setErr(ee)
		terminal(StreamEvent{Err: ee})
		return
	}
	defer release()

	h.log.Debug().Str("stream", st.id).Str("mode", mode).Msg("generation started")
	_, err = s.bs.Generate(ctx, func(tok string) error {
		if tok == "" {
			return nil
		}
		select {
		case st.events <- StreamEvent{Text: tok}:
			e.metrics.fragmentsTotal.Inc()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	switch {
	case ctx.Err() != nil || h.Disposed():
		cancelled(ctx.Err())
	case err != nil:
		outcome = "error"
		ee := AsError(err, "generate")
		h.log.Warn().Err(ee).Str("stream", st.id).Msg("generation failed")
		st.setErr(ee)
		terminal(StreamEvent{Err: ee})
	default:
		terminal(StreamEvent{Done: true})
	}
}

// Dispose releases the model. It is idempotent. Producers observe the
// disposal, stop emitting and are awaited for up to the configured wait; the
// backend model is closed only after every producer has returned.
func (h *ModelHandle) Dispose() error {
	h.disposeOnce.Do(func() {
		h.mu.Lock()
		h.disposed = true
		idle := make([]*Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			idle = append(idle, s)
		}
		h.mu.Unlock()

		h.cancel()
		// No sink delivery for this handle may be in progress past this point.
		h.eng.sinks.barrier()

		for _, s := range idle {
			s.Close()
		}

		done := make(chan struct{})
		go func() {
			h.producers.Wait()
			close(done)
		}()
		timer := time.NewTimer(h.disposeWait)
		defer timer.Stop()
		select {
		case <-done:
			h.disposeErr = h.model.Close()
		case <-timer.C:
			h.log.Warn().Dur("wait", h.disposeWait).Msg("producers still running after dispose; deferring model close")
			go func() {
				<-done
				if err := h.model.Close(); err != nil {
					h.log.Warn().Err(err).Msg("deferred model close failed")
				}
			}()
		}
		h.eng.publish("dispose", h.id, map[string]any{"path": h.path})
		h.log.Info().Str("path", h.path).Msg("model disposed")
	})
	return h.disposeErr
}
