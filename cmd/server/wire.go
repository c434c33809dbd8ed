package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/henry-bao/simple-whisper/internal/config"
	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/plotter"
	"github.com/henry-bao/simple-whisper/internal/recognition"
	"github.com/henry-bao/simple-whisper/internal/render"
	"github.com/henry-bao/simple-whisper/internal/server"
	"github.com/henry-bao/simple-whisper/internal/vad"
	"github.com/henry-bao/simple-whisper/internal/vectorize"
)

// components are the pipeline stages built from configuration
type components struct {
	metrics  *metrics.Metrics
	renderer *render.Renderer
	runner   *pipeline.Runner
	gate     *vad.Gate

	client *recognition.Client // nil unless the http backend is used
	device *plotter.MQTTDevice // nil unless the plotter is enabled
}

func renderLayout(cfg config.RenderConfig) render.Layout {
	return render.Layout{
		Width:       cfg.Width,
		LineHeight:  cfg.LineHeight,
		FontSize:    cfg.FontSize,
		MarginX:     cfg.MarginX,
		MarginTop:   cfg.MarginTop,
		WrapColumns: cfg.WrapColumns,
		MinHeight:   cfg.MinHeight,
		Background:  cfg.Background,
		Foreground:  cfg.Foreground,
		FontFamily:  cfg.FontFamily,
	}
}

func buildRecognizer(cfg config.RecognitionConfig, m *metrics.Metrics, logger *slog.Logger) (recognition.Recognizer, *recognition.Client, error) {
	switch cfg.Backend {
	case "command":
		cmd, err := recognition.NewCommand(recognition.CommandConfig{
			Binary:  cfg.Command,
			Args:    cfg.Args,
			Timeout: cfg.GetTimeoutDuration(),
		}, m, logger)
		if err != nil {
			return nil, nil, err
		}
		return cmd, nil, nil

	default:
		client, err := recognition.NewClient(recognition.Config{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			Model:          cfg.Model,
			Language:       cfg.Language,
			ResponseFormat: cfg.ResponseFormat,
			Timeout:        cfg.GetTimeoutDuration(),
			MaxRetries:     cfg.MaxRetries,
			MaxConcurrent:  cfg.MaxConcurrent,
		}, m, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
}

func buildComponents(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*components, error) {
	c := &components{metrics: metrics.NewMetrics(reg)}

	renderer, err := render.NewRenderer(renderLayout(cfg.Render))
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}
	c.renderer = renderer

	recognizer, client, err := buildRecognizer(cfg.Recognition, c.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	c.client = client

	deps := pipeline.Deps{
		Recognizer: recognizer,
		Renderer:   renderer,
		Metrics:    c.metrics,
		Logger:     logger,
	}

	if cfg.Vectorize.Enabled {
		deps.Flattener = vectorize.NewInkscape(vectorize.Config{
			Binary:  cfg.Vectorize.Binary,
			Timeout: cfg.Vectorize.GetTimeoutDuration(),
			WorkDir: cfg.Vectorize.WorkDir,
		}, logger)
	}

	if cfg.Plotter.Enabled {
		device, err := plotter.NewMQTTDevice(plotter.Config{
			BrokerURL:   cfg.Plotter.BrokerURL,
			ClientID:    cfg.Plotter.ClientID,
			Username:    cfg.Plotter.Username,
			Password:    cfg.Plotter.Password,
			TopicPrefix: cfg.Plotter.TopicPrefix,
			DeviceID:    cfg.Plotter.DeviceID,
			AckTimeout:  cfg.Plotter.GetAckTimeoutDuration(),
			PlotTimeout: cfg.Plotter.GetPlotTimeoutDuration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create plotter: %w", err)
		}
		c.device = device
		deps.Device = device
	}

	c.runner, err = pipeline.NewRunner(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline runner: %w", err)
	}

	c.gate, err = vad.NewGate(cfg.Silence.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence gate: %w", err)
	}

	return c, nil
}

// statsSources lists the component statistics exposed on /stats
func (c *components) statsSources() map[string]server.StatsFunc {
	sources := make(map[string]server.StatsFunc)
	if c.client != nil {
		sources["recognition"] = func() any { return c.client.GetStats() }
	}
	if c.device != nil {
		sources["plotter"] = func() any { return c.device.GetStats() }
	}
	return sources
}

// close waits for background stages and releases clients
func (c *components) close(ctx context.Context, logger *slog.Logger) {
	if err := c.runner.Wait(ctx); err != nil {
		logger.Warn("Background stages still running at shutdown", slog.String("error", err.Error()))
	}

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			logger.Warn("Error closing recognition client", slog.String("error", err.Error()))
		}
	}
}
