package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lmbridge/internal/engine"
	"lmbridge/pkg/types"
)

const ndjsonContentType = "application/x-ndjson"

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Initialize(ctx context.Context, req types.InitializeRequest) (types.InitializeResponse, error)
	Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error)
	// Stream calls emit for each event in order. An error before the first
	// emit means nothing was started.
	Stream(ctx context.Context, req types.GenerateRequest, emit func(types.StreamEvent) error) error
	GenerateAsync(req types.GenerateRequest) error
	AttachSink(s engine.Sink) (detach func())
	Dispose() error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints; NDJSON is not in chi's default type list.
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	hub := &sinkHub{}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", modelsHandler(svc))
		r.Post("/initialize", initializeHandler(svc))
		r.Post("/generate", generateHandler(svc))
		r.Post("/generate/stream", generateStreamHandler(svc))
		r.Post("/generate/async", generateAsyncHandler(svc))
		r.Get("/stream", sinkStreamHandler(svc, hub))
		r.Post("/dispose", disposeHandler(svc))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not initialized"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// modelsHandler lists model files found in the models directory.
//
// @Summary  List models
// @Tags     models
// @Produce  json
// @Success  200  {object}  types.ModelsResponse
// @Router   /v1/models [get]
func modelsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
	}
}

// initializeHandler loads a model, replacing the live one.
//
// @Summary  Initialize a model
// @Tags     lifecycle
// @Accept   json
// @Produce  json
// @Param    request  body      types.InitializeRequest  true  "model and sampling overrides"
// @Success  200      {object}  types.InitializeResponse
// @Failure  400      {object}  types.ErrorResponse
// @Failure  404      {object}  types.ErrorResponse
// @Failure  415      {object}  types.ErrorResponse
// @Failure  507      {object}  types.ErrorResponse
// @Router   /v1/initialize [post]
func initializeHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := startRequestLog(r, "initialize")
		var req types.InitializeRequest
		if status, err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, status, err.Error())
			rl.end(status, err)
			return
		}
		ctx, cancel := handlerContext(r)
		defer cancel()
		resp, err := svc.Initialize(ctx, req)
		if err != nil {
			rl.end(writeError(w, err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		rl.end(http.StatusOK, nil)
	}
}

// generateHandler runs a blocking generation.
//
// @Summary  Generate text
// @Tags     generate
// @Accept   json
// @Produce  json
// @Param    request  body      types.GenerateRequest  true  "prompt and optional base64 image"
// @Success  200      {object}  types.GenerateResponse
// @Failure  400      {object}  types.ErrorResponse
// @Failure  409      {object}  types.ErrorResponse
// @Failure  422      {object}  types.ErrorResponse
// @Failure  429      {object}  types.ErrorResponse
// @Router   /v1/generate [post]
func generateHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := startRequestLog(r, "generate")
		var req types.GenerateRequest
		if status, err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, status, err.Error())
			rl.end(status, err)
			return
		}
		ctx, cancel := handlerContext(r)
		defer cancel()
		resp, err := svc.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				rl.end(499, err)
				return
			}
			rl.end(writeError(w, err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		rl.end(http.StatusOK, nil)
	}
}

// generateStreamHandler streams one generation as NDJSON on the response.
//
// @Summary  Stream a generation
// @Tags     generate
// @Accept   json
// @Produce  application/x-ndjson
// @Param    request  body      types.GenerateRequest  true  "prompt and optional base64 image"
// @Success  200      {object}  types.StreamEvent
// @Router   /v1/generate/stream [post]
func generateStreamHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := startRequestLog(r, "generate stream")
		var req types.GenerateRequest
		if status, err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, status, err.Error())
			rl.end(status, err)
			return
		}
		ctx, cancel := handlerContext(r)
		defer cancel()

		out, flush := ndjsonWriter(w, rl)
		enc := json.NewEncoder(out)
		started := false
		err := svc.Stream(ctx, req, func(ev types.StreamEvent) error {
			if !started {
				startNDJSON(w)
				started = true
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			flush()
			return nil
		})
		if err != nil && !started {
			if ctx.Err() != nil {
				rl.end(499, err)
				return
			}
			rl.end(writeError(w, err), err)
			return
		}
		rl.end(http.StatusOK, err)
	}
}

// generateAsyncHandler accepts a generation whose results go to /v1/stream.
//
// @Summary  Start a generation delivered on /v1/stream
// @Tags     generate
// @Accept   json
// @Produce  json
// @Param    request  body      types.GenerateRequest  true  "prompt and optional base64 image"
// @Success  202      {object}  types.AcceptedResponse
// @Failure  400      {object}  types.ErrorResponse
// @Failure  409      {object}  types.ErrorResponse
// @Router   /v1/generate/async [post]
func generateAsyncHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := startRequestLog(r, "generate async")
		var req types.GenerateRequest
		if status, err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, status, err.Error())
			rl.end(status, err)
			return
		}
		if err := svc.GenerateAsync(req); err != nil {
			rl.end(writeError(w, err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.AcceptedResponse{Accepted: true})
		rl.end(http.StatusAccepted, nil)
	}
}

// sinkStreamHandler turns the connection into the registered sink until the
// client leaves, a newer connection replaces it, or it falls behind.
//
// @Summary  Attach the streaming side channel
// @Tags     generate
// @Produce  application/x-ndjson
// @Success  200  {object}  types.StreamEvent
// @Router   /v1/stream [get]
func sinkStreamHandler(svc Service, hub *sinkHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := startRequestLog(r, "stream")
		ctx, cancel := handlerContext(r)
		defer cancel()

		sink := newConnSink(sinkBuffer)
		detach := hub.attach(sink, svc.AttachSink)
		streamConsumers.Inc()
		defer func() {
			detach()
			streamConsumers.Dec()
		}()

		out, flush := ndjsonWriter(w, rl)
		enc := json.NewEncoder(out)
		startNDJSON(w)
		flush()
		for {
			select {
			case ev := <-sink.events:
				if err := enc.Encode(ev); err != nil {
					rl.end(http.StatusOK, err)
					return
				}
				flush()
			case <-sink.gone:
				reason := sink.stopReason()
				if reason == "overflow" {
					IncrementBackpressure("stream_overflow")
					drainQueued(enc, sink)
					_ = enc.Encode(types.StreamEvent{Error: &types.StreamError{
						Code:    engine.CodeInferenceError,
						Kind:    string(engine.KindTooBusy),
						Message: "stream consumer too slow; detached",
					}})
					flush()
				}
				rl.end(http.StatusOK, fmt.Errorf("stream closed: %s", reason))
				return
			case <-ctx.Done():
				rl.end(http.StatusOK, nil)
				return
			}
		}
	}
}

func drainQueued(enc *json.Encoder, sink *connSink) {
	for {
		select {
		case ev := <-sink.events:
			if enc.Encode(ev) != nil {
				return
			}
		default:
			return
		}
	}
}

// disposeHandler releases the loaded model. Repeated calls succeed.
//
// @Summary  Dispose the model
// @Tags     lifecycle
// @Produce  json
// @Success  200  {object}  types.AcceptedResponse
// @Router   /v1/dispose [post]
func disposeHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rl := startRequestLog(r, "dispose")
		if err := svc.Dispose(); err != nil {
			rl.end(writeError(w, err), err)
			return
		}
		writeJSON(w, http.StatusOK, types.AcceptedResponse{OK: true})
		rl.end(http.StatusOK, nil)
	}
}

// decodeJSON enforces the JSON content type and body limit, then decodes
// into dst. On failure it returns the status to reply with.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) (int, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return http.StatusUnsupportedMediaType, errors.New("Content-Type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", mbe.Limit)
		}
		return http.StatusBadRequest, errors.New("invalid JSON body")
	}
	return 0, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startNDJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

// ndjsonWriter returns the writer for NDJSON lines, teeing into the debug
// log when requested, and a flush func that is a no-op without http.Flusher.
func ndjsonWriter(w http.ResponseWriter, rl *requestLog) (io.Writer, func()) {
	out := io.Writer(w)
	if lw := rl.tee(); lw != nil {
		out = io.MultiWriter(w, lw)
	}
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	return out, flush
}
