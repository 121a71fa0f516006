package httpapi

import (
	"sync"

	"lmbridge/internal/engine"
	"lmbridge/pkg/types"
)

// connSink is the engine sink backed by one /v1/stream connection. The
// engine calls it under its sink lock, so pushes never block: a full buffer
// marks the consumer as lagging and the connection is closed.
type connSink struct {
	events chan types.StreamEvent
	// gone closes when the sink must stop: replaced by a newer connection or
	// overflowed.
	gone     chan struct{}
	goneOnce sync.Once
	mu       sync.Mutex
	reason   string
}

func newConnSink(buffer int) *connSink {
	return &connSink{events: make(chan types.StreamEvent, buffer), gone: make(chan struct{})}
}

func (s *connSink) Partial(text string) {
	s.push(types.StreamEvent{Partial: &text})
}

func (s *connSink) Done() { s.push(types.StreamEvent{Done: true}) }

func (s *connSink) Fail(err *engine.Error) {
	s.push(types.StreamEvent{Error: err.Wire()})
}

func (s *connSink) push(ev types.StreamEvent) {
	select {
	case <-s.gone:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.stop("overflow")
	}
}

// stop ends the connection; the first reason wins.
func (s *connSink) stop(reason string) {
	s.goneOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.gone)
	})
}

func (s *connSink) stopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// sinkHub tracks the current /v1/stream connection so that a new one can
// close its predecessor. Engine registration happens under the hub lock, so
// the engine's current sink is always the hub's current connection.
type sinkHub struct {
	mu  sync.Mutex
	cur *connSink
}

// attach registers s with the engine through register, makes it the current
// connection and stops the previous one. The returned func undoes both.
func (h *sinkHub) attach(s *connSink, register func(engine.Sink) func()) (detach func()) {
	h.mu.Lock()
	unregister := register(s)
	prev := h.cur
	h.cur = s
	h.mu.Unlock()
	if prev != nil {
		prev.stop("replaced")
	}
	return func() {
		h.mu.Lock()
		if h.cur == s {
			h.cur = nil
		}
		h.mu.Unlock()
		unregister()
	}
}
