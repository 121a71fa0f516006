//go:build llama

package engine

// The in-process backend links libllama from ./bin next to the binary.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
