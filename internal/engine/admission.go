package engine

import (
	"context"
	"time"
)

// admission serializes generations on one model handle: a bounded queue of
// waiters in front of a single in-flight slot.
type admission struct {
	genCh   chan struct{} // size 1: single in-flight generation
	queueCh chan struct{} // buffered: queue slots
	maxWait time.Duration
}

func newAdmission(depth int, maxWait time.Duration) *admission {
	return &admission{
		genCh:   make(chan struct{}, 1),
		queueCh: make(chan struct{}, depth),
		maxWait: maxWait,
	}
}

// acquire reserves a queue slot and then the single in-flight slot.
// Returns a release func to be deferred. It aborts when ctx is done or when
// disposed is closed.
func (a *admission) acquire(ctx context.Context, disposed <-chan struct{}) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, cancelledError(err)
	}
	select {
	case <-disposed:
		return func() {}, disposedError()
	default:
	}

	select {
	case a.queueCh <- struct{}{}:
	default:
		return func() {}, tooBusyError("queue full")
	}

	timer := time.NewTimer(a.maxWait)
	defer timer.Stop()

	acquired := false
	defer func() {
		if !acquired {
			<-a.queueCh
		}
	}()
	select {
	case a.genCh <- struct{}{}:
		acquired = true
		return func() { <-a.genCh; <-a.queueCh }, nil
	case <-ctx.Done():
		return func() {}, cancelledError(ctx.Err())
	case <-disposed:
		return func() {}, disposedError()
	case <-timer.C:
		return func() {}, tooBusyError("timed out waiting for generation slot")
	}
}

func (a *admission) queueLen() int { return len(a.queueCh) }
func (a *admission) inflight() int { return len(a.genCh) }
func (a *admission) depth() int    { return cap(a.queueCh) }

func tooBusyError(msg string) error {
	return newError(KindTooBusy, "admission", msg, nil)
}

func cancelledError(cause error) error {
	return newError(KindCancelled, "generate", "generation cancelled", cause)
}

func disposedError() error {
	return newError(KindCancelled, "generate", "model disposed", nil)
}
