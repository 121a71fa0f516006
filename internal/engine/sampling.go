package engine

import "fmt"

// Defaults applied when initialize omits a sampling parameter.
const (
	DefaultMaxTokens   = 1000
	DefaultTopK        = 64
	DefaultTemperature = float32(0.8)
	DefaultRandomSeed  = 101
)

// SamplingConfig controls next-token selection. It is a value type: a session
// copies it at creation and never observes later changes.
type SamplingConfig struct {
	MaxTokens   int
	TopK        int
	Temperature float32
	RandomSeed  int
}

// DefaultSampling returns the package defaults.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		MaxTokens:   DefaultMaxTokens,
		TopK:        DefaultTopK,
		Temperature: DefaultTemperature,
		RandomSeed:  DefaultRandomSeed,
	}
}

// Validate checks ranges: maxTokens and topK positive, temperature non-negative.
func (c SamplingConfig) Validate() error {
	if c.MaxTokens <= 0 {
		return newError(KindInvalidArgument, "sampling", fmt.Sprintf("maxTokens must be positive, got %d", c.MaxTokens), nil)
	}
	if c.TopK <= 0 {
		return newError(KindInvalidArgument, "sampling", fmt.Sprintf("topK must be positive, got %d", c.TopK), nil)
	}
	if c.Temperature < 0 {
		return newError(KindInvalidArgument, "sampling", fmt.Sprintf("temperature must be >= 0, got %g", c.Temperature), nil)
	}
	return nil
}

// Overrides carries optional per-call sampling values; nil means "use base".
type Overrides struct {
	MaxTokens   *int
	TopK        *int
	Temperature *float32
	RandomSeed  *int
}

// Apply returns base with every non-nil override applied.
func (o Overrides) Apply(base SamplingConfig) SamplingConfig {
	out := base
	if o.MaxTokens != nil {
		out.MaxTokens = *o.MaxTokens
	}
	if o.TopK != nil {
		out.TopK = *o.TopK
	}
	if o.Temperature != nil {
		out.Temperature = *o.Temperature
	}
	if o.RandomSeed != nil {
		out.RandomSeed = *o.RandomSeed
	}
	return out
}
