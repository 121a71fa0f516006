package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"lmbridge/internal/engine"
	"lmbridge/internal/engine/enginetest"
	"lmbridge/internal/httpapi"
	"lmbridge/internal/service"
	"lmbridge/pkg/types"
)

// newServer wires engine, service and HTTP API over an echo backend and a
// models dir holding the given model files.
func newServer(t *testing.T, b *enginetest.EchoBackend, cfg engine.Config, models ...string) (*httptest.Server, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	for _, m := range models {
		enginetest.WriteModel(t, dir, m)
	}
	cfg.Backend = b
	cfg.Registerer = prometheus.NewRegistry()
	eng := engine.New(cfg)
	httpapi.SetLogger(zerolog.New(io.Discard))
	srv := httptest.NewServer(httpapi.NewMux(service.New(eng, dir, zerolog.Nop())))
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Close()
	})
	return srv, eng
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func initialize(t *testing.T, base, model string) types.InitializeResponse {
	t.Helper()
	resp, body := httpPostJSON(t, base+"/v1/initialize", types.InitializeRequest{Model: model})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize %d %s", resp.StatusCode, body)
	}
	var out types.InitializeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("initialize json: %v", err)
	}
	return out
}

// sideChannel is an open GET /v1/stream connection.
type sideChannel struct {
	resp   *http.Response
	events chan types.StreamEvent
	closed chan struct{}
}

func openSideChannel(t *testing.T, base string) *sideChannel {
	t.Helper()
	resp, err := http.Get(base + "/v1/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	sc := &sideChannel{resp: resp, events: make(chan types.StreamEvent, 64), closed: make(chan struct{})}
	go func() {
		defer close(sc.closed)
		s := bufio.NewScanner(resp.Body)
		for s.Scan() {
			var ev types.StreamEvent
			if json.Unmarshal(s.Bytes(), &ev) == nil {
				sc.events <- ev
			}
		}
	}()
	t.Cleanup(func() { _ = resp.Body.Close() })
	return sc
}

// collect reads events until a terminal one and returns the partials joined.
func (sc *sideChannel) collect(t *testing.T) (string, types.StreamEvent) {
	t.Helper()
	var text bytes.Buffer
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sc.events:
			if ev.Partial != nil {
				text.WriteString(*ev.Partial)
				continue
			}
			return text.String(), ev
		case <-sc.closed:
			t.Fatalf("side channel closed before terminal event")
		case <-timeout:
			t.Fatalf("timeout waiting for terminal event")
		}
	}
}

// waitSink blocks until the engine reports an attached sink.
func waitSink(t *testing.T, eng *engine.Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !eng.SinkAttached() {
		if time.Now().After(deadline) {
			t.Fatalf("sink never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
