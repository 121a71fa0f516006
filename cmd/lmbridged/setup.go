package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"lmbridge/internal/config"
	"lmbridge/internal/engine"
)

// app bundles the engine with the resources that must be released with it.
type app struct {
	eng    *engine.Engine
	closer []func() error
}

func (r *app) Close() error {
	err := r.eng.Close()
	for _, c := range r.closer {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// newBackend selects the inference backend named by cfg.Backend.
func newBackend(cfg config.Config, log zerolog.Logger) (engine.Backend, error) {
	switch cfg.Backend {
	case "", "llama-server":
		return engine.NewServerBackend(engine.ServerConfig{
			Bin:       cfg.LlamaBin,
			Host:      cfg.LlamaHost,
			PortStart: cfg.LlamaPortStart,
			PortEnd:   cfg.LlamaPortEnd,
			CtxSize:   cfg.LlamaCtxSize,
			NGL:       cfg.LlamaNGL,
			Threads:   cfg.LlamaThreads,
			ExtraArgs: cfg.LlamaExtraArgs,
			MMProj:    cfg.LlamaMMProj,
		}, log), nil
	case "llama":
		return engine.NewLlamaBackend(cfg.LlamaCtxSize, cfg.LlamaThreads)
	default:
		return nil, fmt.Errorf("unknown backend %q (want llama-server or llama)", cfg.Backend)
	}
}

// engineConfig maps file/flag configuration onto the engine.
func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		Sampling: engine.Overrides{
			MaxTokens:   positive(cfg.MaxTokens),
			TopK:        positive(cfg.TopK),
			Temperature: cfg.Temperature,
			RandomSeed:  cfg.RandomSeed,
		},
		MemoryBudgetMB: cfg.MemoryBudgetMB,
		MemoryMarginMB: cfg.MemoryMarginMB,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		MaxWait:        time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		StreamBuffer:   cfg.StreamBuffer,
		ImageMaxEdge:   cfg.ImageMaxEdge,
		ImageCacheTTL:  time.Duration(cfg.ImageCacheTTLSeconds) * time.Second,
	}
}

// positive returns &v for v > 0 and nil otherwise.
func positive(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

// newApp builds the engine, its backend and the event publishers.
func newApp(cfg config.Config, log zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	ecfg := engineConfig(cfg)
	ecfg.Backend = backend
	ecfg.Logger = &log
	ecfg.Registerer = reg

	rt := &app{}
	if cfg.RedisURL != "" {
		pub, err := engine.NewRedisPublisher(cfg.RedisURL, cfg.EventsChannel, log)
		if err != nil {
			return nil, err
		}
		ecfg.Publisher = pub
		rt.closer = append(rt.closer, pub.Close)
		if sb, ok := backend.(*engine.ServerBackend); ok {
			sb.SetPublisher(pub)
		}
	}
	rt.eng = engine.New(ecfg)
	return rt, nil
}
