package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lmbridge/internal/registry"
)

const (
	defaultServerHost         = "127.0.0.1"
	defaultServerReadyTimeout = 60 * time.Second
	stderrTailBytes           = 4096
)

// ServerConfig configures the llama-server subprocess backend.
type ServerConfig struct {
	// Bin is the llama-server executable; empty means discover it.
	Bin       string
	Host      string
	PortStart int
	PortEnd   int
	CtxSize   int
	NGL       int
	Threads   int
	ExtraArgs []string
	// MMProj is the multimodal projector passed as --mmproj. When empty an
	// mmproj*.gguf next to the model is used if present.
	MMProj       string
	ReadyTimeout time.Duration
}

// ServerBackend spawns and manages one llama.cpp server per model path and
// streams completions from its native /completion endpoint.
type ServerBackend struct {
	cfg        ServerConfig
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.Mutex
	procs     map[string]*serverProc // key: model path
	publisher EventPublisher
}

type serverProc struct {
	cmd     *exec.Cmd
	baseURL string
	port    int
	pid     int
	vision  bool
	ready   bool
	exited  chan struct{}
}

// NewServerBackend constructs a subprocess-backed backend.
func NewServerBackend(cfg ServerConfig, log zerolog.Logger) *ServerBackend {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = defaultServerHost
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultServerReadyTimeout
	}
	// Timeout=0: every call carries a context deadline instead.
	cli := &http.Client{Timeout: 0}
	return &ServerBackend{
		cfg:        cfg,
		httpClient: cli,
		log:        log.With().Str("backend", "llama-server").Logger(),
		procs:      make(map[string]*serverProc),
		publisher:  noopPublisher{},
	}
}

// SetPublisher installs an EventPublisher for spawn lifecycle events.
func (b *ServerBackend) SetPublisher(p EventPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == nil {
		b.publisher = noopPublisher{}
		return
	}
	b.publisher = p
}

func (b *ServerBackend) publish(name, modelPath string, fields map[string]any) {
	b.mu.Lock()
	p := b.publisher
	b.mu.Unlock()
	p.Publish(Event{Name: name, Time: time.Now(), Fields: mergeFields(fields, "model", modelPath)})
}

func mergeFields(f map[string]any, k string, v any) map[string]any {
	if f == nil {
		f = map[string]any{}
	}
	f[k] = v
	return f
}

func (b *ServerBackend) Name() string { return "llama-server" }

func (b *ServerBackend) Formats() []registry.Format { return []registry.Format{registry.FormatGGUF} }

// Load spawns (or reuses) the server for path and waits until it is healthy.
func (b *ServerBackend) Load(ctx context.Context, path string, _ LoadParams) (BackendModel, error) {
	p, err := b.ensureProcess(ctx, path)
	if err != nil {
		return nil, err
	}
	return &serverModel{
		b:       b,
		path:    path,
		baseURL: p.baseURL,
		caps:    Capabilities{Vision: p.vision, ContextSize: b.cfg.CtxSize},
	}, nil
}

// ProcInfo reports the PID and port of the server for modelPath.
func (b *ServerBackend) ProcInfo(modelPath string) (pid, port int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.procs[modelPath]; p != nil {
		return p.pid, p.port, true
	}
	return 0, 0, false
}

// StopAll terminates all managed subprocesses. Best effort.
func (b *ServerBackend) StopAll() {
	b.mu.Lock()
	paths := make([]string, 0, len(b.procs))
	for k := range b.procs {
		paths = append(paths, k)
	}
	b.mu.Unlock()
	for _, path := range paths {
		_ = b.Stop(path)
	}
}

// Stop terminates the server for modelPath: SIGTERM first, then kill after 2s.
func (b *ServerBackend) Stop(modelPath string) error {
	b.mu.Lock()
	p := b.procs[modelPath]
	delete(b.procs, modelPath)
	b.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	b.log.Info().Str("model", modelPath).Int("pid", p.pid).Msg("llama-server stopped")
	b.publish("spawn_stop", modelPath, map[string]any{"pid": p.pid})
	return nil
}

func (b *ServerBackend) ensureProcess(ctx context.Context, modelPath string) (*serverProc, error) {
	b.mu.Lock()
	existing := b.procs[modelPath]
	ready := existing != nil && existing.ready
	b.mu.Unlock()
	if existing != nil {
		if ready && b.healthy(ctx, existing.baseURL, time.Second) {
			return existing, nil
		}
		_ = b.Stop(modelPath)
	}

	bin := strings.TrimSpace(b.cfg.Bin)
	if bin == "" {
		bin = discoverServerBin()
	}
	if bin == "" {
		return nil, ErrDependencyUnavailable("llama-server not found: set --llama-bin or install llama.cpp")
	}
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() {
		return nil, ErrDependencyUnavailable(fmt.Sprintf("llama-server not found or not a file: %s", bin))
	}

	host := b.cfg.Host
	var port int
	var err error
	if b.cfg.PortStart > 0 && b.cfg.PortEnd >= b.cfg.PortStart {
		port, err = pickPortInRange(host, b.cfg.PortStart, b.cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	mmproj := strings.TrimSpace(b.cfg.MMProj)
	if mmproj == "" {
		mmproj = findMMProj(modelPath)
	}
	args := b.args(modelPath, host, port, mmproj)

	cmd := exec.Command(bin, args...)
	cmd.Dir = filepath.Dir(modelPath)
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	b.log.Info().Str("model", modelPath).Int("pid", pid).Str("host", host).Int("port", port).Bool("mmproj", mmproj != "").Msg("llama-server started")
	b.publish("spawn_start", modelPath, map[string]any{"pid": pid, "host": host, "port": port})

	p := &serverProc{cmd: cmd, baseURL: baseURL, port: port, pid: pid, vision: mmproj != "", exited: make(chan struct{})}
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(p.exited)
	}()
	b.mu.Lock()
	b.procs[modelPath] = p
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		if b.procs[modelPath] == p {
			delete(b.procs, modelPath)
		}
		b.mu.Unlock()
	}

	deadline := time.NewTimer(b.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.exited:
			forget()
			b.publish("spawn_exit", modelPath, map[string]any{"pid": pid, "before_ready": true})
			if waitErr != nil {
				return nil, fmt.Errorf("llama-server exited early: %v; stderr tail: %s", waitErr, stderr.String())
			}
			return nil, fmt.Errorf("llama-server exited before ready: %s; stderr tail: %s", baseURL, stderr.String())
		case <-ctx.Done():
			_ = b.Stop(modelPath)
			return nil, ctx.Err()
		case <-deadline.C:
			_ = b.Stop(modelPath)
			b.publish("spawn_timeout", modelPath, map[string]any{"pid": pid})
			return nil, fmt.Errorf("llama-server not ready in time: %s", baseURL)
		case <-tick.C:
			if b.healthy(ctx, baseURL, time.Second) {
				b.mu.Lock()
				p.ready = true
				b.mu.Unlock()
				b.log.Info().Str("model", modelPath).Int("pid", pid).Str("url", baseURL).Msg("llama-server ready")
				b.publish("spawn_ready", modelPath, map[string]any{"pid": pid, "url": baseURL})
				return p, nil
			}
		}
	}
}

func (b *ServerBackend) args(modelPath, host string, port int, mmproj string) []string {
	args := []string{
		"-m", modelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if mmproj != "" {
		args = append(args, "--mmproj", mmproj)
	}
	if b.cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(b.cfg.CtxSize))
	}
	if b.cfg.NGL > 0 {
		args = append(args, "-ngl", strconv.Itoa(b.cfg.NGL))
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.cfg.Threads))
	}
	return append(args, b.cfg.ExtraArgs...)
}

// healthy reports whether GET /health answers 2xx. llama-server answers 503
// while the model is still loading.
func (b *ServerBackend) healthy(parent context.Context, baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type serverModel struct {
	b       *ServerBackend
	path    string
	baseURL string
	caps    Capabilities
}

func (m *serverModel) Capabilities() Capabilities { return m.caps }

func (m *serverModel) NewSession(cfg SamplingConfig) (BackendSession, error) {
	return &serverSession{m: m, cfg: cfg}, nil
}

func (m *serverModel) Close() error { return m.b.Stop(m.path) }

// serverSession builds a native /completion request. Images are referenced
// from the prompt by [img-N] markers matching image_data ids.
type serverSession struct {
	m      *serverModel
	cfg    SamplingConfig
	prompt strings.Builder
	images []completionImage
}

type completionImage struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
}

type completionRequest struct {
	Prompt      string            `json:"prompt"`
	NPredict    int               `json:"n_predict"`
	TopK        int               `json:"top_k"`
	Temperature float32           `json:"temperature"`
	Seed        int               `json:"seed"`
	Stream      bool              `json:"stream"`
	CachePrompt bool              `json:"cache_prompt"`
	ImageData   []completionImage `json:"image_data,omitempty"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	// Present on the final chunk only.
	StoppedLimit    bool `json:"stopped_limit"`
	TokensPredicted int  `json:"tokens_predicted"`
	TokensEvaluated int  `json:"tokens_evaluated"`
}

func (s *serverSession) AddText(text string) error {
	s.prompt.WriteString(text)
	return nil
}

func (s *serverSession) AddImage(img Embedding) error {
	if !s.m.caps.Vision {
		return newError(KindCapability, "add_image", "llama-server started without --mmproj", nil)
	}
	id := len(s.images) + 1
	s.images = append(s.images, completionImage{Data: base64.StdEncoding.EncodeToString(img.Data), ID: id})
	fmt.Fprintf(&s.prompt, "[img-%d]", id)
	return nil
}

func (s *serverSession) Generate(ctx context.Context, onToken func(string) error) (FinalResult, error) {
	payload := completionRequest{
		Prompt:      s.prompt.String(),
		NPredict:    s.cfg.MaxTokens,
		TopK:        s.cfg.TopK,
		Temperature: s.cfg.Temperature,
		Seed:        s.cfg.RandomSeed,
		Stream:      true,
		ImageData:   s.images,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return FinalResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.m.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return FinalResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.m.b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return FinalResult{}, ctx.Err()
		}
		return FinalResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FinalResult{}, fmt.Errorf("llama-server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return readCompletionStream(ctx, resp.Body, onToken, s.m.b.log)
}

// readCompletionStream parses "data: {...}" SSE lines until a chunk with
// stop=true or EOF.
func readCompletionStream(ctx context.Context, r io.Reader, onToken func(string) error, log zerolog.Logger) (FinalResult, error) {
	br := bufio.NewReader(r)
	var final FinalResult
	var content strings.Builder
	for {
		line, err := br.ReadString('\n')
		if l := strings.TrimSpace(line); l != "" && strings.HasPrefix(l, "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			var chunk completionChunk
			if uerr := json.Unmarshal([]byte(data), &chunk); uerr != nil {
				log.Debug().Str("line", l).Msg("unparsable stream line")
			} else {
				if chunk.Content != "" {
					content.WriteString(chunk.Content)
					if cbErr := onToken(chunk.Content); cbErr != nil {
						return final, cbErr
					}
				}
				if chunk.Stop {
					final.Content = content.String()
					final.Usage = Usage{
						PromptTokens:     chunk.TokensEvaluated,
						CompletionTokens: chunk.TokensPredicted,
						TotalTokens:      chunk.TokensEvaluated + chunk.TokensPredicted,
					}
					final.FinishReason = "stop"
					if chunk.StoppedLimit {
						final.FinishReason = "length"
					}
					return final, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				final.Content = content.String()
				return final, nil
			}
			if ctx.Err() != nil {
				return final, ctx.Err()
			}
			return final, err
		}
	}
}

func (s *serverSession) Close() error { return nil }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// findMMProj returns the first mmproj*.gguf next to the model, or "".
func findMMProj(modelPath string) string {
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(modelPath), "mmproj*.gguf"))
	for _, m := range matches {
		if m != modelPath {
			return m
		}
	}
	return ""
}

// discoverServerBin looks for llama-server in common install locations and PATH.
func discoverServerBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}
