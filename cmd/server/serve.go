package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/henry-bao/simple-whisper/internal/config"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/server"
	"github.com/henry-bao/simple-whisper/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			logger, closeLog, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, root.configPath, logger)
		},
	}
}

func streamConfig(cfg *config.Config) (stream.Config, error) {
	policy, err := pipeline.ParseOutputPolicy(cfg.Pipeline.OutputPolicy)
	if err != nil {
		return stream.Config{}, err
	}

	return stream.Config{
		BufferThresholdSeconds: cfg.Audio.BufferThresholdSeconds,
		OverlapSeconds:         cfg.Audio.OverlapSeconds,
		Cadence:                cfg.Audio.GetCadenceDuration(),
		StopTimeout:            cfg.Audio.GetStopTimeoutDuration(),
		IdleTimeout:            cfg.Audio.GetIdleTimeoutDuration(),
		CleanupInterval:        30 * time.Second,
		MaxChunkSamples:        cfg.Audio.MaxChunkSamples,
		OutputPolicy:           policy,
		PipelineTimeout:        cfg.Pipeline.GetTimeoutDuration(),
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", server.Version),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Float64("buffer_threshold_seconds", cfg.Audio.BufferThresholdSeconds),
		slog.Float64("overlap_seconds", cfg.Audio.OverlapSeconds),
		slog.String("recognition_backend", cfg.Recognition.Backend),
		slog.Bool("vectorize_enabled", cfg.Vectorize.Enabled),
		slog.Bool("plotter_enabled", cfg.Plotter.Enabled),
		slog.String("output_policy", cfg.Pipeline.OutputPolicy),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	comps, err := buildComponents(cfg, registry, logger)
	if err != nil {
		return err
	}

	sc, err := streamConfig(cfg)
	if err != nil {
		return err
	}

	hub := server.NewHub(cfg.HTTP.AllowedOrigins, comps.metrics, logger)

	manager, err := stream.NewManager(logger, sc, stream.Deps{
		Runner:   comps.runner,
		Notifier: hub,
		Gate:     comps.gate,
		Metrics:  comps.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	hub.Bind(manager)

	httpServer, err := server.NewHTTPServer(server.Deps{
		Config:     cfg,
		Manager:    manager,
		Hub:        hub,
		Runner:     comps.runner,
		Metrics:    comps.metrics,
		Gatherer:   registry,
		Components: comps.statsSources(),
	}, logger)
	if err != nil {
		manager.Stop()
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.Start)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	err = g.Wait()

	manager.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	comps.close(closeCtx, logger)

	logger.Info("Service stopped")
	return err
}
