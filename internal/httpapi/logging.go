package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zlog is the structured logger of the HTTP layer. Defaults to the zerolog
// global logger.
var zlog = log.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// loggingLineWriter logs complete NDJSON lines at debug level.
type loggingLineWriter struct {
	buf       []byte
	requestID string
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			ev := zlog.Debug().Str("line", string(lw.buf[:idx]))
			if lw.requestID != "" {
				ev = ev.Str("request_id", lw.requestID)
			}
			ev.Msg("stream>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("LMBRIDGE_LOG_LEVEL"))

// SetDefaultLogLevel overrides the level used when a request carries none.
func SetDefaultLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog logs the start and end of one request at the level the request asks for.
type requestLog struct {
	r     *http.Request
	lvl   LogLevel
	start time.Time
	op    string
}

func startRequestLog(r *http.Request, op string) *requestLog {
	rl := &requestLog{r: r, lvl: requestLogLevel(r), start: time.Now(), op: op}
	if rl.lvl >= LevelInfo {
		rl.event(zlog.Info()).Msg(op + " start")
	}
	return rl
}

func (rl *requestLog) event(ev *zerolog.Event) *zerolog.Event {
	ev = ev.Str("path", rl.r.URL.Path)
	if rid := middleware.GetReqID(rl.r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	return ev
}

// end logs the outcome. Server errors are logged from LevelError up, the
// rest from LevelInfo.
func (rl *requestLog) end(status int, err error) {
	switch {
	case rl.lvl >= LevelInfo:
	case rl.lvl >= LevelError && status >= http.StatusInternalServerError:
	default:
		return
	}
	ev := zlog.Info()
	if status >= http.StatusInternalServerError {
		ev = zlog.Error()
	}
	ev = rl.event(ev).Int("status", status).Dur("dur", time.Since(rl.start))
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(rl.op + " end")
}

// tee returns a writer that copies NDJSON output into the debug log when the request asks for it.
func (rl *requestLog) tee() *loggingLineWriter {
	if rl.lvl < LevelDebug {
		return nil
	}
	return &loggingLineWriter{requestID: middleware.GetReqID(rl.r.Context())}
}
