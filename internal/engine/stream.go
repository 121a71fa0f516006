package engine

import (
	"context"
	"strings"
	"sync"
)

// StreamEvent is one item on a Stream: a fragment, or exactly one terminal
// (Done or Err) as the last item.
type StreamEvent struct {
	Text string
	Done bool
	Err  *Error
}

// Stream is a cancellable generation: a producer goroutine pushes fragments
// onto a bounded channel and closes it after the terminal event. Consumers
// must drain Events or call Cancel; an abandoned stream blocks its producer
// and holds the model's generation slot.
type Stream struct {
	id     string
	events chan StreamEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(id string, buffer int, cancel context.CancelFunc) *Stream {
	return &Stream{id: id, events: make(chan StreamEvent, buffer), cancel: cancel}
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Events returns the receive side. It is closed after the terminal event, or
// without one when the stream is cancelled or its model disposed.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Cancel aborts the producer. Safe to call multiple times and after completion.
func (s *Stream) Cancel() { s.cancel() }

// Err reports the final error once Events is closed: the terminal error,
// a KindCancelled error when no terminal was sent, or nil after Done.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Collect drains the stream and returns the concatenated fragments. On a
// terminal error the fragments received so far are returned with the error.
func (s *Stream) Collect() (string, error) {
	var b strings.Builder
	var termErr error
	for ev := range s.events {
		switch {
		case ev.Err != nil:
			termErr = ev.Err
		case ev.Done:
		default:
			b.WriteString(ev.Text)
		}
	}
	if termErr == nil {
		termErr = s.Err()
	}
	return b.String(), termErr
}
