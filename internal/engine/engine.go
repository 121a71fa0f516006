package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Engine owns at most one live model handle and the single streaming sink.
// It is the only entry point the transport layer talks to.
type Engine struct {
	cfg       Config
	sampling  SamplingConfig
	backend   Backend
	encoder   *Encoder
	log       zerolog.Logger
	publisher EventPublisher
	metrics   *metrics
	sinks     sinkSlot
	startTime time.Time

	// initMu serializes Initialize calls; mu guards the fields below.
	initMu  sync.Mutex
	mu      sync.RWMutex
	handle  *ModelHandle
	state   State
	lastErr string
	closed  bool

	// closing is closed by Close and aborts a pending load.
	closing   chan struct{}
	closeOnce sync.Once

	loads       atomic.Uint64
	generations atomic.Uint64
}

// New constructs an Engine. Unset Config fields take package defaults.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "engine").Logger()
	}
	return &Engine{
		cfg:       cfg,
		sampling:  cfg.Sampling.Apply(DefaultSampling()),
		backend:   cfg.Backend,
		encoder:   NewEncoder(cfg.ImageMaxEdge, cfg.ImageCacheTTL),
		log:       log,
		publisher: cfg.Publisher,
		metrics:   newMetrics(cfg.Registerer),
		state:     StateUninitialized,
		startTime: time.Now(),
		closing:   make(chan struct{}),
	}
}

// SetLogger replaces the engine logger. Call before serving traffic.
func (e *Engine) SetLogger(l zerolog.Logger) {
	e.log = l.With().Str("component", "engine").Logger()
}

// SetEventPublisher replaces the event publisher. nil restores the no-op publisher.
func (e *Engine) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	e.publisher = p
}

// Backend returns the configured backend, or nil.
func (e *Engine) Backend() Backend { return e.backend }

// Encoder returns the engine's image encoder.
func (e *Engine) Encoder() *Encoder { return e.encoder }

// Handle returns the live model handle.
func (e *Engine) Handle() (*ModelHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.handle == nil || e.handle.Disposed() {
		return nil, ErrNotInitialized("generate")
	}
	return e.handle, nil
}

// Generate runs a blocking generation on a fresh session and returns the
// complete text. It is the collected form of Stream.
func (e *Engine) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	st, err := e.open(ctx, req, "blocking")
	if err != nil {
		return "", err
	}
	return st.Collect()
}

// Stream starts a generation on a fresh session and returns its stream.
func (e *Engine) Stream(ctx context.Context, req GenerationRequest) (*Stream, error) {
	return e.open(ctx, req, "stream")
}

// GenerateAsync accepts a generation whose results are delivered to the sink
// registered at the moment of acceptance. Argument, initialization and image
// errors are returned synchronously; later failures arrive as Sink.Fail.
// With no sink registered the request still runs and its events are dropped.
func (e *Engine) GenerateAsync(req GenerationRequest) error {
	if err := validatePrompt(req.Prompt); err != nil {
		return err
	}
	h, err := e.Handle()
	if err != nil {
		return err
	}
	epoch := e.sinks.bind()
	st, err := e.openOn(context.Background(), h, req, "async")
	if err != nil {
		return err
	}
	if epoch == 0 {
		e.log.Debug().Str("stream", st.ID()).Msg("async generation accepted with no sink attached")
	}
	go e.pump(h, st, epoch)
	return nil
}

// pump forwards stream events to the sink bound at epoch.
func (e *Engine) pump(h *ModelHandle, st *Stream, epoch uint64) {
	alive := func() bool { return !h.Disposed() }
	dropped := 0
	for ev := range st.Events() {
		var ok bool
		switch {
		case ev.Err != nil:
			ok = e.sinks.deliver(epoch, alive, func(s Sink) { s.Fail(ev.Err) })
		case ev.Done:
			ok = e.sinks.deliver(epoch, alive, func(s Sink) { s.Done() })
		default:
			ok = e.sinks.deliver(epoch, alive, func(s Sink) { s.Partial(ev.Text) })
		}
		if !ok {
			dropped++
		}
	}
	if dropped > 0 {
		e.log.Debug().Str("stream", st.ID()).Int("dropped", dropped).Msg("async events dropped")
	}
}

func (e *Engine) open(ctx context.Context, req GenerationRequest, mode string) (*Stream, error) {
	if err := validatePrompt(req.Prompt); err != nil {
		return nil, err
	}
	h, err := e.Handle()
	if err != nil {
		return nil, err
	}
	return e.openOn(ctx, h, req, mode)
}

// openOn builds a single-use session for req and starts its stream.
func (e *Engine) openOn(ctx context.Context, h *ModelHandle, req GenerationRequest, mode string) (*Stream, error) {
	var opts []SessionOption
	if len(req.Image) > 0 {
		opts = append(opts, WithVision())
	}
	s, err := h.NewSession(h.Sampling(), opts...)
	if err != nil {
		return nil, err
	}
	if err := s.AddText(req.Prompt); err != nil {
		s.Close()
		return nil, err
	}
	if len(req.Image) > 0 {
		if err := s.AddImage(req.Image); err != nil {
			s.Close()
			return nil, err
		}
	}
	e.publish("generate_start", h.ID(), map[string]any{"mode": mode, "image": len(req.Image) > 0})
	return s.stream(ctx, mode)
}

func validatePrompt(p string) error {
	if strings.TrimSpace(p) == "" {
		return newError(KindInvalidArgument, "generate", "Prompt is required", nil)
	}
	return nil
}

// RegisterSink installs s as the streaming consumer, replacing any previous
// sink. The returned func unregisters s only if it is still the current sink.
func (e *Engine) RegisterSink(s Sink) (unregister func()) {
	epoch, replaced := e.sinks.register(s)
	e.log.Debug().Bool("replaced", replaced).Msg("sink registered")
	e.publish("sink_register", "", map[string]any{"replaced": replaced})
	return func() {
		if e.sinks.unregister(epoch) {
			e.publish("sink_unregister", "", nil)
		}
	}
}

// UnregisterSink removes the current sink. Later events are dropped.
func (e *Engine) UnregisterSink() {
	if e.sinks.unregister(0) {
		e.publish("sink_unregister", "", nil)
	}
}

// SinkAttached reports whether a sink is registered.
func (e *Engine) SinkAttached() bool { return e.sinks.attached() }

// Dispose releases the live handle, if any. It is idempotent and safe to
// call when nothing was initialized. No sink event is delivered after it returns.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.state = StateUninitialized
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	e.metrics.modelLoaded.Set(0)
	return h.Dispose()
}

// Close disposes the live handle and stops background work. Later
// Initialize calls fail with KindNotInitialized, and a load still pending
// when Close runs is released instead of installed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.closing)
	})
	err := e.Dispose()
	e.encoder.Close()
	if sa, ok := e.backend.(interface{ StopAll() }); ok {
		sa.StopAll()
	}
	return err
}
