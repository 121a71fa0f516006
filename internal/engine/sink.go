package engine

import "sync"

// Sink is the single downstream consumer of streaming results registered on
// an Engine. Methods are called one at a time under the engine's sink lock,
// so implementations must not block for long and must not call back into
// RegisterSink/UnregisterSink.
type Sink interface {
	// Partial delivers one incremental text fragment.
	Partial(text string)
	// Done is the terminal success marker.
	Done()
	// Fail is the terminal error; fragments delivered before it remain valid.
	Fail(err *Error)
}

// sinkSlot holds at most one sink. Every register/unregister bumps the epoch;
// a delivery addressed to an older epoch is dropped.
type sinkSlot struct {
	mu    sync.Mutex
	sink  Sink
	epoch uint64
}

// register installs s, silently replacing any previous sink.
func (sl *sinkSlot) register(s Sink) (epoch uint64, replaced bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	replaced = sl.sink != nil
	sl.epoch++
	sl.sink = s
	return sl.epoch, replaced
}

// unregister empties the slot. Only the sink registered at epoch is removed
// when epoch is non-zero, so a late unregister cannot evict its replacement.
func (sl *sinkSlot) unregister(epoch uint64) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.sink == nil || (epoch != 0 && epoch != sl.epoch) {
		return false
	}
	sl.epoch++
	sl.sink = nil
	return true
}

// bind returns the epoch of the current sink, or 0 when the slot is empty.
func (sl *sinkSlot) bind() uint64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.sink == nil {
		return 0
	}
	return sl.epoch
}

func (sl *sinkSlot) attached() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.sink != nil
}

// deliver calls fn with the sink registered at epoch while alive reports
// true. It reports whether the event was delivered. A panicking sink is
// removed from the slot.
func (sl *sinkSlot) deliver(epoch uint64, alive func() bool, fn func(Sink)) (ok bool) {
	if epoch == 0 {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.sink == nil || sl.epoch != epoch || !alive() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			sl.epoch++
			sl.sink = nil
			ok = false
		}
	}()
	fn(sl.sink)
	return true
}

// barrier waits for any delivery in progress to finish.
func (sl *sinkSlot) barrier() {
	sl.mu.Lock()
	sl.mu.Unlock()
}
