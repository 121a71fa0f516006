package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by defaults in the CLI.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// Model is a path or a models_dir id initialized at startup.
	Model string `json:"model" yaml:"model" toml:"model"`

	// Backend selects the runtime: "llama-server" (subprocess) or "llama" (in-process).
	Backend        string   `json:"backend" yaml:"backend" toml:"backend"`
	LlamaBin       string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost      string   `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPortStart int      `json:"llama_port_start" yaml:"llama_port_start" toml:"llama_port_start"`
	LlamaPortEnd   int      `json:"llama_port_end" yaml:"llama_port_end" toml:"llama_port_end"`
	LlamaCtxSize   int      `json:"llama_ctx_size" yaml:"llama_ctx_size" toml:"llama_ctx_size"`
	LlamaThreads   int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaNGL       int      `json:"llama_ngl" yaml:"llama_ngl" toml:"llama_ngl"`
	LlamaMMProj    string   `json:"llama_mmproj" yaml:"llama_mmproj" toml:"llama_mmproj"`
	LlamaExtraArgs []string `json:"llama_extra_args" yaml:"llama_extra_args" toml:"llama_extra_args"`

	// Sampling defaults applied when initialize omits them. Temperature and
	// seed are pointers because 0 is a valid setting for both.
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	TopK        int      `json:"top_k" yaml:"top_k" toml:"top_k"`
	Temperature *float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	RandomSeed  *int     `json:"random_seed" yaml:"random_seed" toml:"random_seed"`

	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS      int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	StreamBuffer   int `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`

	ImageMaxEdge         int `json:"image_max_edge" yaml:"image_max_edge" toml:"image_max_edge"`
	ImageCacheTTLSeconds int `json:"image_cache_ttl_seconds" yaml:"image_cache_ttl_seconds" toml:"image_cache_ttl_seconds"`

	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`

	// RedisURL enables publishing lifecycle events to Redis pub/sub.
	RedisURL      string `json:"redis_url" yaml:"redis_url" toml:"redis_url"`
	EventsChannel string `json:"events_channel" yaml:"events_channel" toml:"events_channel"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge returns base with every non-zero field of over applied. Lists replace
// rather than append.
func Merge(base, over Config) Config {
	out := base
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setList := func(dst *[]string, v []string) {
		if len(v) > 0 {
			*dst = append([]string(nil), v...)
		}
	}
	setStr(&out.Addr, over.Addr)
	setStr(&out.ModelsDir, over.ModelsDir)
	setStr(&out.Model, over.Model)
	setStr(&out.Backend, over.Backend)
	setStr(&out.LlamaBin, over.LlamaBin)
	setStr(&out.LlamaHost, over.LlamaHost)
	setInt(&out.LlamaPortStart, over.LlamaPortStart)
	setInt(&out.LlamaPortEnd, over.LlamaPortEnd)
	setInt(&out.LlamaCtxSize, over.LlamaCtxSize)
	setInt(&out.LlamaThreads, over.LlamaThreads)
	setInt(&out.LlamaNGL, over.LlamaNGL)
	setStr(&out.LlamaMMProj, over.LlamaMMProj)
	setList(&out.LlamaExtraArgs, over.LlamaExtraArgs)

	setInt(&out.MaxTokens, over.MaxTokens)
	setInt(&out.TopK, over.TopK)
	if over.Temperature != nil {
		v := *over.Temperature
		out.Temperature = &v
	}
	if over.RandomSeed != nil {
		v := *over.RandomSeed
		out.RandomSeed = &v
	}

	setInt(&out.MemoryBudgetMB, over.MemoryBudgetMB)
	setInt(&out.MemoryMarginMB, over.MemoryMarginMB)
	setInt(&out.MaxQueueDepth, over.MaxQueueDepth)
	setInt(&out.MaxWaitMS, over.MaxWaitMS)
	setInt(&out.StreamBuffer, over.StreamBuffer)
	setInt(&out.ImageMaxEdge, over.ImageMaxEdge)
	setInt(&out.ImageCacheTTLSeconds, over.ImageCacheTTLSeconds)

	if over.MaxBodyBytes != 0 {
		out.MaxBodyBytes = over.MaxBodyBytes
	}
	setStr(&out.LogLevel, over.LogLevel)
	setStr(&out.LogFormat, over.LogFormat)

	if over.CORSEnabled {
		out.CORSEnabled = true
	}
	setList(&out.CORSOrigins, over.CORSOrigins)
	setList(&out.CORSMethods, over.CORSMethods)
	setList(&out.CORSHeaders, over.CORSHeaders)

	setStr(&out.RedisURL, over.RedisURL)
	setStr(&out.EventsChannel, over.EventsChannel)
	return out
}
