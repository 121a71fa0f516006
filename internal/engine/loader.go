package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"lmbridge/internal/common/fsutil"
	"lmbridge/internal/registry"
)

// InitOptions selects the model file and optional sampling overrides.
type InitOptions struct {
	ModelPath string
	Overrides
}

// Initialize loads the model at opts.ModelPath and installs it as the live
// handle. A previously live handle is disposed first. Errors carry
// KindInitialization with a Reason, KindInvalidArgument for bad sampling
// values, or KindDependencyUnavailable when the backend runtime is missing.
func (e *Engine) Initialize(ctx context.Context, opts InitOptions) (*ModelHandle, error) {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.isClosed() {
		return nil, errEngineClosed()
	}
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, newError(KindInvalidArgument, "initialize", "Model path is required", nil)
	}
	sampling := opts.Overrides.Apply(e.sampling)
	if err := sampling.Validate(); err != nil {
		return nil, err
	}
	if e.backend == nil {
		return nil, e.failInit(&Error{Kind: KindDependencyUnavailable, Op: "initialize", Msg: "no inference backend configured"})
	}

	path, format, err := e.preflight(opts.ModelPath)
	if err != nil {
		return nil, e.failInit(err)
	}

	if err := e.Dispose(); err != nil {
		e.log.Warn().Err(err).Msg("dispose of previous model failed")
	}

	e.mu.Lock()
	e.state = StateLoading
	e.lastErr = ""
	e.mu.Unlock()
	e.publish("init_start", "", map[string]any{"path": path, "format": string(format)})
	start := time.Now()

	type loadResult struct {
		model BackendModel
		err   error
	}
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan loadResult, 1)
	go func() {
		m, err := e.backend.Load(loadCtx, path, LoadParams{Sampling: sampling})
		ch <- loadResult{m, err}
	}()
	// releaseLate closes a model whose load finishes after Initialize gave up.
	releaseLate := func() {
		cancel()
		go func() {
			if r := <-ch; r.model != nil {
				_ = r.model.Close()
			}
		}()
	}

	var res loadResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		releaseLate()
		return nil, e.failInit(initError(ReasonNone, "initialization cancelled", ctx.Err()))
	case <-e.closing:
		releaseLate()
		e.log.Info().Str("path", path).Msg("engine closed during load")
		return nil, e.abandonLoad()
	}
	if res.err != nil {
		return nil, e.failInit(classifyLoadError(res.err))
	}

	h := newModelHandle(e, path, format, sampling, res.model)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = h.Dispose()
		return nil, e.abandonLoad()
	}
	e.handle = h
	e.state = StateReady
	e.lastErr = ""
	e.mu.Unlock()

	e.loads.Add(1)
	e.metrics.loadsTotal.WithLabelValues("ok").Inc()
	e.metrics.modelLoaded.Set(1)
	e.publish("init_ready", h.ID(), map[string]any{"path": path, "backend": h.Backend(), "vision": h.caps.Vision, "ms": time.Since(start).Milliseconds()})
	e.log.Info().Str("path", path).Str("backend", h.Backend()).Bool("vision", h.caps.Vision).Dur("took", time.Since(start)).Msg("model initialized")
	return h, nil
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// abandonLoad resets the loading state after Close won the race with a load.
func (e *Engine) abandonLoad() error {
	e.mu.Lock()
	if e.handle == nil {
		e.state = StateUninitialized
	}
	e.mu.Unlock()
	return errEngineClosed()
}

func errEngineClosed() error {
	return newError(KindNotInitialized, "initialize", "engine is closed", nil)
}

// InitializeAsync runs Initialize in the background. The channel receives
// exactly one value (nil on success) and is then closed.
func (e *Engine) InitializeAsync(opts InitOptions) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		_, err := e.Initialize(context.Background(), opts)
		out <- err
	}()
	return out
}

// preflight resolves the path, checks existence, format and memory budget.
func (e *Engine) preflight(modelPath string) (string, registry.Format, error) {
	path, err := fsutil.ResolvePath(modelPath)
	if err != nil {
		return "", registry.FormatUnknown, initError(ReasonNotFound, "Model file not found", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", registry.FormatUnknown, initError(ReasonNotFound, "Model file not found: "+path, err)
	}
	if fi.IsDir() {
		return "", registry.FormatUnknown, initError(ReasonNotFound, "Model path is a directory: "+path, nil)
	}
	format, err := registry.Sniff(path)
	if err != nil {
		return "", registry.FormatUnknown, initError(ReasonNotFound, "Model file not readable: "+path, err)
	}
	if format == registry.FormatUnknown || !supportsFormat(e.backend, format) {
		return "", format, initError(ReasonUnsupportedFormat,
			fmt.Sprintf("unsupported model format %q for backend %s", format, e.backend.Name()), nil)
	}
	if e.cfg.MemoryBudgetMB > 0 {
		need := estimateMB(fi.Size())
		if need+e.cfg.MemoryMarginMB > e.cfg.MemoryBudgetMB {
			return "", format, initError(ReasonResourceExhausted,
				fmt.Sprintf("model needs ~%d MB, budget %d MB (margin %d MB)", need, e.cfg.MemoryBudgetMB, e.cfg.MemoryMarginMB), nil)
		}
	}
	return path, format, nil
}

// estimateMB approximates resident memory from the file size.
func estimateMB(size int64) int {
	mb := int(size / (1 << 20))
	if mb < 1 {
		return 1
	}
	return mb
}

var oomMarkers = []string{"out of memory", "failed to allocate", "cannot allocate memory", "enomem", "insufficient memory"}

func classifyLoadError(err error) error {
	var ee *Error
	if errors.As(err, &ee) {
		if ee.Op == "" {
			cp := *ee
			cp.Op = "initialize"
			return &cp
		}
		return ee
	}
	msg := strings.ToLower(err.Error())
	for _, m := range oomMarkers {
		if strings.Contains(msg, m) {
			return initError(ReasonResourceExhausted, "Failed to initialize LLM", err)
		}
	}
	return initError(ReasonNone, "Failed to initialize LLM", err)
}

func (e *Engine) failInit(err error) error {
	e.mu.Lock()
	if e.handle == nil {
		e.state = StateError
	}
	e.lastErr = err.Error()
	e.mu.Unlock()
	e.metrics.loadsTotal.WithLabelValues("error").Inc()
	e.publish("init_error", "", map[string]any{"error": err.Error(), "kind": string(KindOf(err)), "reason": string(ReasonOf(err))})
	e.log.Warn().Err(err).Msg("initialize failed")
	return err
}
