package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultStreamBuffer  = 64
	defaultImageMaxEdge  = 896
	defaultImageCacheTTL = 10 * time.Minute
	defaultDisposeWait   = 5 * time.Second
)

// Config encapsulates all tunables for Engine construction.
type Config struct {
	// Backend loads models. Required for Initialize to succeed.
	Backend Backend
	// Sampling defaults used when InitOptions omit a value. Nil fields fall
	// back to DefaultSampling, so temperature 0 and seed 0 can be configured.
	Sampling Overrides
	// Memory budget checked against the model file size at initialize (0 = unlimited).
	MemoryBudgetMB int
	MemoryMarginMB int
	// Admission: queued requests per handle and the longest wait for a slot.
	MaxQueueDepth int
	MaxWait       time.Duration
	// StreamBuffer bounds the fragment channel of each stream.
	StreamBuffer int
	// DisposeWait bounds how long Dispose waits for producers before closing the model.
	DisposeWait time.Duration
	// Image normalization and embedding cache.
	ImageMaxEdge  int
	ImageCacheTTL time.Duration

	Publisher  EventPublisher
	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultStreamBuffer
	}
	if c.DisposeWait <= 0 {
		c.DisposeWait = defaultDisposeWait
	}
	if c.ImageMaxEdge <= 0 {
		c.ImageMaxEdge = defaultImageMaxEdge
	}
	if c.ImageCacheTTL <= 0 {
		c.ImageCacheTTL = defaultImageCacheTTL
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	return c
}
