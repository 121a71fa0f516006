package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"lmbridge/internal/engine"
	"lmbridge/pkg/types"
)

type mockService struct {
	mu       sync.Mutex
	models   []types.Model
	ready    bool
	status   types.StatusResponse
	initResp types.InitializeResponse
	text     string
	events   []types.StreamEvent
	// err is returned by every operation that can fail.
	err error

	lastInit types.InitializeRequest
	lastGen  types.GenerateRequest
	asyncN   int
	disposeN int
	sinks    []engine.Sink
	detached int
}

func (m *mockService) ListModels() []types.Model    { return m.models }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

func (m *mockService) Initialize(_ context.Context, req types.InitializeRequest) (types.InitializeResponse, error) {
	m.mu.Lock()
	m.lastInit = req
	m.mu.Unlock()
	if m.err != nil {
		return types.InitializeResponse{}, m.err
	}
	return m.initResp, nil
}

func (m *mockService) Generate(_ context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	m.mu.Lock()
	m.lastGen = req
	m.mu.Unlock()
	if m.err != nil {
		return types.GenerateResponse{}, m.err
	}
	return types.GenerateResponse{Text: m.text}, nil
}

func (m *mockService) Stream(_ context.Context, req types.GenerateRequest, emit func(types.StreamEvent) error) error {
	if m.err != nil {
		return m.err
	}
	for _, ev := range m.events {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockService) GenerateAsync(req types.GenerateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastGen = req
	if m.err != nil {
		return m.err
	}
	m.asyncN++
	return nil
}

func (m *mockService) AttachSink(s engine.Sink) func() {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.detached++
		m.mu.Unlock()
	}
}

func (m *mockService) Dispose() error {
	m.mu.Lock()
	m.disposeN++
	m.mu.Unlock()
	return m.err
}

func (m *mockService) waitSink(t *testing.T, i int) engine.Sink {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.sinks) > i {
			s := m.sinks[i]
			m.mu.Unlock()
			return s
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink %d never attached", i)
	return nil
}

func (m *mockService) detachedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detached
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
}

func TestReadyz(t *testing.T) {
	for _, ready := range []bool{true, false} {
		r := NewMux(&mockService{ready: ready})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		want := http.StatusOK
		if !ready {
			want = http.StatusServiceUnavailable
		}
		if w.Code != want {
			t.Fatalf("ready=%v status=%d", ready, w.Code)
		}
	}
}

func TestStatusAndModels(t *testing.T) {
	svc := &mockService{
		status: types.StatusResponse{State: "ready", LoadsTotal: 2},
		models: []types.Model{{ID: "a.gguf", Format: "gguf"}},
	}
	r := NewMux(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	var st types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.State != "ready" || st.LoadsTotal != 2 {
		t.Fatalf("status body=%s err=%v", w.Body.String(), err)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	var mr types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &mr); err != nil || len(mr.Models) != 1 || mr.Models[0].ID != "a.gguf" {
		t.Fatalf("models body=%s err=%v", w.Body.String(), err)
	}
}

func TestInitialize(t *testing.T) {
	svc := &mockService{initResp: types.InitializeResponse{OK: true, HandleID: "h1", Backend: "echo"}}
	r := NewMux(svc)
	w := postJSON(r, "/v1/initialize", `{"model":"m.gguf","top_k":5,"temperature":0.2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.InitializeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp.OK || resp.HandleID != "h1" {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
	if svc.lastInit.Model != "m.gguf" || svc.lastInit.TopK == nil || *svc.lastInit.TopK != 5 || svc.lastInit.MaxTokens != nil {
		t.Fatalf("request not decoded: %+v", svc.lastInit)
	}
}

func TestDecodeFailures(t *testing.T) {
	r := NewMux(&mockService{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("content type: status=%d", w.Code)
	}

	if w := postJSON(r, "/v1/initialize", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status=%d", w.Code)
	}

	SetMaxBodyBytes(64)
	defer SetMaxBodyBytes(0)
	big := `{"prompt":"` + strings.Repeat("a", 200) + `"}`
	w = postJSON(r, "/v1/generate", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("big body: status=%d", w.Code)
	}
	if body := decodeError(t, w); body.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestGenerate(t *testing.T) {
	svc := &mockService{text: "hello world"}
	r := NewMux(svc)
	w := postJSON(r, "/v1/generate", `{"prompt":"hi","image_data":"AQID"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Text != "hello world" {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
	if svc.lastGen.Prompt != "hi" || !bytes.Equal(svc.lastGen.ImageData, []byte{1, 2, 3}) {
		t.Fatalf("request not decoded: %+v", svc.lastGen)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		code     string
		kind     string
		reason   string
		tooBusy  bool
		wantBody string
	}{
		{"not initialized", engine.ErrNotInitialized("generate"), 409, engine.CodeNotInitialized, "not_initialized", "", false, ""},
		{"invalid argument", &engine.Error{Kind: engine.KindInvalidArgument, Msg: "Prompt is required"}, 400, engine.CodeInvalidArgument, "invalid_argument", "", false, "Prompt is required"},
		{"model not found", engine.ErrModelNotFound("x.gguf"), 404, engine.CodeInitializationError, "initialization", "not_found", false, "x.gguf"},
		{"unsupported format", &engine.Error{Kind: engine.KindInitialization, Reason: engine.ReasonUnsupportedFormat}, 415, engine.CodeInitializationError, "initialization", "unsupported_format", false, ""},
		{"resource exhausted", &engine.Error{Kind: engine.KindInitialization, Reason: engine.ReasonResourceExhausted}, 507, engine.CodeInitializationError, "initialization", "resource_exhausted", false, ""},
		{"too busy", &engine.Error{Kind: engine.KindTooBusy, Msg: "queue full"}, 429, engine.CodeInferenceError, "too_busy", "", true, ""},
		{"capability", &engine.Error{Kind: engine.KindCapability}, 422, engine.CodeInferenceError, "capability", "", false, ""},
		{"encoding", &engine.Error{Kind: engine.KindEncoding}, 422, engine.CodeInferenceError, "encoding", "", false, ""},
		{"dependency", engine.ErrDependencyUnavailable("llama-server not found"), 503, engine.CodeInferenceError, "dependency_unavailable", "", false, ""},
		{"http error", mockHTTPError{msg: "teapot", code: 418}, 418, "", "", "", false, "teapot"},
		{"generic", io.EOF, 500, "", "", "", false, "EOF"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue"))
			r := NewMux(&mockService{err: tc.err})
			w := postJSON(r, "/v1/generate", `{"prompt":"hi"}`)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d", w.Code, tc.status)
			}
			body := decodeError(t, w)
			if body.Code != tc.status || body.ErrorCode != tc.code || body.Kind != tc.kind || body.Reason != tc.reason {
				t.Fatalf("unexpected body: %+v", body)
			}
			if tc.wantBody != "" && !strings.Contains(body.Error, tc.wantBody) {
				t.Fatalf("error %q does not mention %q", body.Error, tc.wantBody)
			}
			after := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue"))
			if tc.tooBusy && after != before+1 {
				t.Fatalf("backpressure not counted: %v -> %v", before, after)
			}
		})
	}
}

func TestGenerateStream(t *testing.T) {
	a, b := "hel", "lo"
	svc := &mockService{events: []types.StreamEvent{{Partial: &a}, {Partial: &b}, {Done: true}}}
	r := NewMux(svc)
	w := postJSON(r, "/v1/generate/stream", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != ndjsonContentType {
		t.Fatalf("content type %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 3 || lines[0] != `{"partial":"hel"}` || lines[2] != `{"done":true}` {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestGenerateStream_RejectedBeforeStart(t *testing.T) {
	r := NewMux(&mockService{err: engine.ErrNotInitialized("generate")})
	w := postJSON(r, "/v1/generate/stream", `{"prompt":"hi"}`)
	if w.Code != http.StatusConflict || w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("status=%d ct=%q", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestGenerateAsync(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	w := postJSON(r, "/v1/generate/async", `{"prompt":"hi"}`)
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), `"accepted":true`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if svc.asyncN != 1 {
		t.Fatalf("async not called")
	}

	svc.err = engine.ErrNotInitialized("generate")
	if w := postJSON(r, "/v1/generate/async", `{"prompt":"hi"}`); w.Code != http.StatusConflict {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestDispose_Idempotent(t *testing.T) {
	svc := &mockService{}
	r := NewMux(svc)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/dispose", nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
			t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
		}
	}
	if svc.disposeN != 2 {
		t.Fatalf("dispose calls = %d", svc.disposeN)
	}
}

func readEvent(t *testing.T, sc *bufio.Scanner) types.StreamEvent {
	t.Helper()
	if !sc.Scan() {
		t.Fatalf("stream ended: %v", sc.Err())
	}
	var ev types.StreamEvent
	if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
		t.Fatalf("line %q: %v", sc.Text(), err)
	}
	return ev
}

func TestSinkStream_DeliversInOrder(t *testing.T) {
	svc := &mockService{}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != ndjsonContentType {
		t.Fatalf("content type %q", ct)
	}
	sink := svc.waitSink(t, 0)
	sink.Partial("a")
	sink.Partial("b")
	sink.Fail(&engine.Error{Kind: engine.KindInference, Msg: "boom"})

	sc := bufio.NewScanner(resp.Body)
	if ev := readEvent(t, sc); ev.Partial == nil || *ev.Partial != "a" {
		t.Fatalf("first: %+v", ev)
	}
	if ev := readEvent(t, sc); ev.Partial == nil || *ev.Partial != "b" {
		t.Fatalf("second: %+v", ev)
	}
	ev := readEvent(t, sc)
	if ev.Error == nil || ev.Error.Code != engine.CodeInferenceError || ev.Error.Kind != "inference" {
		t.Fatalf("terminal: %+v", ev)
	}
}

func TestSinkStream_NewConnectionClosesOld(t *testing.T) {
	svc := &mockService{}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	first, err := http.Get(srv.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer first.Body.Close()
	svc.waitSink(t, 0)

	second, err := http.Get(srv.URL + "/v1/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer second.Body.Close()
	sink := svc.waitSink(t, 1)

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(first.Body)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("old connection was not closed")
	}

	sink.Done()
	if ev := readEvent(t, bufio.NewScanner(second.Body)); !ev.Done {
		t.Fatalf("new connection did not receive done: %+v", ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.detachedCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.detachedCount() < 1 {
		t.Fatalf("old sink was not detached")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewMux(&mockService{})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "lmbridge_http_requests_total") {
		t.Fatalf("metrics missing request counter")
	}
}

func TestCORS(t *testing.T) {
	SetCORSOptions(true, []string{"http://localhost:5173"}, []string{"GET", "POST"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)
	r := NewMux(&mockService{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/generate", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}
