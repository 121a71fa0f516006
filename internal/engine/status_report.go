package engine

import (
	"time"

	"lmbridge/pkg/types"
)

// Ready reports whether a live model handle exists.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateReady && e.handle != nil && !e.handle.Disposed()
}

// Snapshot returns a read-only view of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{State: e.state, Err: e.lastErr}
	if e.handle != nil {
		s.HandleID = e.handle.id
		s.Path = e.handle.path
	}
	return s
}

// Status builds a detailed status response for /status.
func (e *Engine) Status() types.StatusResponse {
	e.mu.RLock()
	h := e.handle
	resp := types.StatusResponse{
		State:            string(e.state),
		LastError:        e.lastErr,
		LoadsTotal:       e.loads.Load(),
		GenerationsTotal: e.generations.Load(),
		UptimeSeconds:    int64(time.Since(e.startTime).Seconds()),
		ServerTimeUnix:   time.Now().Unix(),
	}
	e.mu.RUnlock()

	resp.SinkAttached = e.sinks.attached()
	if h == nil {
		return resp
	}
	lm := &types.LoadedModel{
		HandleID:      h.id,
		Path:          h.path,
		Format:        string(h.format),
		Backend:       h.backendName,
		Vision:        h.caps.Vision,
		CtxSize:       h.caps.ContextSize,
		Sampling:      SamplingDefaults(h.sampling),
		LoadedAt:      h.loadedAt.Unix(),
		Sessions:      h.SessionCount(),
		QueueLen:      h.adm.queueLen() - h.adm.inflight(),
		Inflight:      h.adm.inflight(),
		MaxQueueDepth: h.adm.depth(),
	}
	if lm.QueueLen < 0 {
		lm.QueueLen = 0
	}
	if pp, ok := e.backend.(procInfoProvider); ok {
		if pid, port, ok := pp.ProcInfo(h.path); ok {
			lm.PID = pid
			lm.Port = port
		}
	}
	resp.Model = lm
	return resp
}

// SamplingDefaults converts a sampling configuration to its wire form.
func SamplingDefaults(c SamplingConfig) types.SamplingDefaults {
	return types.SamplingDefaults{
		MaxTokens:   c.MaxTokens,
		TopK:        c.TopK,
		Temperature: c.Temperature,
		RandomSeed:  c.RandomSeed,
	}
}
