package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lmbridge/internal/config"
	"lmbridge/internal/engine"
)

// options carries the merged configuration shared by all subcommands.
type options struct {
	configPath string
	extraArgs  string
	// temperature and seed reach flags only when set on the command line.
	temperature float32
	seed        int
	flags       config.Config
	cfg         config.Config
	log         zerolog.Logger
}

func defaultConfig() config.Config {
	addr := ":8080"
	if v := os.Getenv("LMBRIDGE_ADDR"); v != "" {
		addr = v
	}
	return config.Config{
		Addr:      addr,
		ModelsDir: "~/models/llm",
		Backend:   "llama-server",
		LlamaHost: "127.0.0.1",
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "lmbridged",
		Short:         "Local LLM bridge: load one model, generate and stream over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("temperature") {
				o.flags.Temperature = &o.temperature
			}
			if cmd.Flags().Changed("seed") {
				o.flags.RandomSeed = &o.seed
			}
			return o.resolve(cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", os.Getenv("LMBRIDGE_CONFIG"), "Config file (.yaml, .json, .toml); defaults to LMBRIDGE_CONFIG")
	pf.StringVar(&o.flags.ModelsDir, "models-dir", "", "Directory to scan for model files (default ~/models/llm)")
	pf.StringVar(&o.flags.Backend, "backend", "", "Inference backend: llama-server|llama (default llama-server)")
	pf.StringVar(&o.flags.LlamaBin, "llama-bin", "", "Path to the llama-server binary (default: discover)")
	pf.StringVar(&o.flags.LlamaHost, "llama-host", "", "Host llama-server binds to (default 127.0.0.1)")
	pf.IntVar(&o.flags.LlamaPortStart, "llama-port-start", 0, "First port for llama-server (0 = any free port)")
	pf.IntVar(&o.flags.LlamaPortEnd, "llama-port-end", 0, "Last port for llama-server")
	pf.IntVar(&o.flags.LlamaCtxSize, "ctx-size", 0, "Context size passed to the backend")
	pf.IntVar(&o.flags.LlamaThreads, "threads", 0, "CPU threads for inference")
	pf.IntVar(&o.flags.LlamaNGL, "ngl", 0, "GPU layers to offload")
	pf.StringVar(&o.flags.LlamaMMProj, "mmproj", "", "Multimodal projector for vision models")
	pf.StringVar(&o.extraArgs, "llama-args", "", "Extra comma-separated llama-server arguments")
	pf.IntVar(&o.flags.MaxTokens, "max-tokens", 0, "Default max tokens (default 1000)")
	pf.IntVar(&o.flags.TopK, "top-k", 0, "Default top-k (default 64)")
	pf.Float32Var(&o.temperature, "temperature", engine.DefaultTemperature, "Default temperature")
	pf.IntVar(&o.seed, "seed", engine.DefaultRandomSeed, "Default random seed")
	pf.IntVar(&o.flags.MemoryBudgetMB, "memory-budget-mb", 0, "Memory budget checked before loading (0 = unlimited)")
	pf.IntVar(&o.flags.MemoryMarginMB, "memory-margin-mb", 0, "Memory kept free within the budget")
	pf.StringVar(&o.flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error (default info)")
	pf.StringVar(&o.flags.LogFormat, "log-format", "", "Log format: console|json (default console)")
	pf.StringVar(&o.flags.RedisURL, "redis-url", "", "Publish lifecycle events to this Redis URL")

	root.AddCommand(newServeCmd(o), newGenerateCmd(o), newModelsCmd(o), newVersionCmd())
	return root
}

// resolve merges defaults, the config file and explicit flags, in that order.
func (o *options) resolve(stderr io.Writer) error {
	o.flags.LlamaExtraArgs = splitCSV(o.extraArgs)
	cfg := defaultConfig()
	if o.configPath != "" {
		fileCfg, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	o.cfg = config.Merge(cfg, o.flags)
	log, err := newLogger(o.cfg.LogLevel, o.cfg.LogFormat, stderr)
	if err != nil {
		return err
	}
	o.log = log
	return nil
}

// newLogger builds a console or JSON zerolog logger.
func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch strings.ToLower(format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// splitCSV splits a comma-separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
