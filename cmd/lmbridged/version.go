package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"lmbridge/internal/engine"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "lmbridged %s (%s, in-process llama: %v)\n", version, runtime.Version(), engine.LlamaBuilt())
			return err
		},
	}
}
