package httpapi

const defaultMaxBodyBytes int64 = 16 << 20

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
// Images travel inline as base64, hence the generous default.
var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

const defaultSinkBuffer = 256

// sinkBuffer bounds the events queued for a /v1/stream consumer. A consumer
// that falls further behind is detached.
var sinkBuffer = defaultSinkBuffer

// SetSinkBuffer sets the per-connection event buffer of /v1/stream.
func SetSinkBuffer(n int) {
	if n <= 0 {
		sinkBuffer = defaultSinkBuffer
		return
	}
	sinkBuffer = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
