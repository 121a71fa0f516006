package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lmbridge/internal/engine"
	"lmbridge/internal/httpapi"
	"lmbridge/internal/service"
)

func newServeCmd(o *options) *cobra.Command {
	var (
		addr         string
		model        string
		maxBodyBytes int64
		cors         bool
		corsOrigins  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Example: "  lmbridged serve --addr :8080 --models-dir ~/models/llm\n" +
			"  lmbridged serve --model gemma-3n-e2b-q4.gguf --mmproj ~/models/llm/mmproj.gguf",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := o.cfg
			if addr != "" {
				cfg.Addr = addr
			}
			if model != "" {
				cfg.Model = model
			}
			if maxBodyBytes > 0 {
				cfg.MaxBodyBytes = maxBodyBytes
			}
			if cors {
				cfg.CORSEnabled = true
			}
			if v := splitCSV(corsOrigins); len(v) > 0 {
				cfg.CORSOrigins = v
			}
			o.cfg = cfg
			return runServe(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "HTTP listen address (default LMBRIDGE_ADDR or :8080)")
	f.StringVar(&model, "model", "", "Model id or path to initialize at startup")
	f.Int64Var(&maxBodyBytes, "max-body-bytes", 0, "Maximum JSON request body size (default 16 MiB)")
	f.BoolVar(&cors, "cors", false, "Enable CORS")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed origins")
	return cmd
}

func runServe(parent context.Context, o *options) error {
	cfg, log := o.cfg, o.log
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newApp(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("engine close")
		}
	}()
	svc := service.New(rt.eng, cfg.ModelsDir, log)

	httpapi.SetLogger(log)
	if os.Getenv("LMBRIDGE_LOG_LEVEL") == "" {
		httpapi.SetDefaultLogLevel(cfg.LogLevel)
	}
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)
	httpapi.SetBaseContext(ctx)

	if cfg.Model != "" {
		initStartupModel(svc, rt.eng, cfg.Model, log)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("backend", cfg.Backend).Msg("lmbridged listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// initStartupModel loads the configured model in the background so the
// server answers /healthz while the model loads.
func initStartupModel(svc *service.Service, eng *engine.Engine, model string, log zerolog.Logger) {
	path, err := svc.ResolveModel(model)
	if err != nil {
		log.Error().Err(err).Str("model", model).Msg("startup model")
		return
	}
	done := eng.InitializeAsync(engine.InitOptions{ModelPath: path})
	go func() {
		if err := <-done; err != nil {
			log.Error().Err(err).Str("model", path).Msg("startup model failed to load")
		}
	}()
}
