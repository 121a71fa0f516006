package registry

import (
	"bytes"

	"lmbridge/internal/common/fsutil"
)

// Format identifies a model container by its header bytes.
type Format string

const (
	FormatGGUF    Format = "gguf"
	FormatTFLite  Format = "tflite"
	FormatTask    Format = "task"
	FormatUnknown Format = "unknown"
)

var (
	ggufMagic   = []byte("GGUF")
	tfliteIdent = []byte("TFL3")
	zipMagic    = []byte("PK\x03\x04")
)

// Sniff reads the file header and reports its container format.
// Unreadable files return the underlying error.
func Sniff(path string) (Format, error) {
	hdr, err := fsutil.ReadHeader(path, 8)
	if err != nil {
		return FormatUnknown, err
	}
	return SniffBytes(hdr), nil
}

// SniffBytes classifies a header; it needs at least 8 bytes for TFLite.
func SniffBytes(hdr []byte) Format {
	switch {
	case bytes.HasPrefix(hdr, ggufMagic):
		return FormatGGUF
	case bytes.HasPrefix(hdr, zipMagic):
		// MediaPipe .task bundles are zip archives
		return FormatTask
	case len(hdr) >= 8 && bytes.Equal(hdr[4:8], tfliteIdent):
		return FormatTFLite
	default:
		return FormatUnknown
	}
}
