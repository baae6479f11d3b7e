package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcstore/arcstore/internal/config"
	"github.com/arcstore/arcstore/internal/engine"
	"github.com/arcstore/arcstore/internal/metrics"
	"github.com/arcstore/arcstore/internal/svc"
	"github.com/arcstore/arcstore/internal/tracing"
)

var serviceRun bool

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Long: `Run the engine: periodic reachability checks, background repairs,
resumption of interrupted synchronizations and onboarding of storages added
to the config since the last start. Metrics are served on metrics.listen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serviceRun {
				return svc.Run(&svc.Program{ConfigPath: cfgFile, Run: serve}, &svc.Config{ConfigPath: cfgFile})
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return serve(ctx, cfgFile)
		},
	}
	cmd.Flags().BoolVar(&serviceRun, "service-run", false, "run under the service manager (internal use)")
	_ = cmd.Flags().MarkHidden("service-run")
	return cmd
}

// serve runs the engine with the config at path until ctx is done.
func serve(ctx context.Context, path string) error {
	cfgFile = path
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	e, err := engine.New(ctx, cfg, log.Logger, engine.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn().Err(err).Msg("engine close")
		}
	}()
	if err := e.Start(ctx); err != nil {
		return err
	}
	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("storages", len(cfg.Storages)).
		Msg("arcstore started")

	srv, err := startDebugServer(cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// startDebugServer serves /metrics, plus /debug/trace when tracing is on.
func startDebugServer(cfg *config.Config) (*http.Server, error) {
	if cfg.Metrics.Listen == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	var rec *tracing.Recorder
	if cfg.Metrics.Trace {
		rec = tracing.NewRecorder(int(cfg.Metrics.TraceBuffer.Bytes()))
		if err := rec.Start(); err != nil {
			return nil, err
		}
		mux.Handle("/debug/trace", rec.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if rec != nil {
		srv.RegisterOnShutdown(rec.Stop)
	}
	go func() {
		log.Info().Str("addr", cfg.Metrics.Listen).Bool("trace", rec != nil).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
	return srv, nil
}
