//go:build !llama

package engine

const llamaBuilt = false

// NewLlamaBackend fails without the 'llama' build tag, keeping default
// builds CGO-free.
func NewLlamaBackend(ctxSize, threads int) (Backend, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
