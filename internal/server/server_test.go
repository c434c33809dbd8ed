package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/henry-bao/simple-whisper/internal/config"
	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/recognition"
	"github.com/henry-bao/simple-whisper/internal/render"
	"github.com/henry-bao/simple-whisper/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	server   *HTTPServer
	hub      *Hub
	manager  *stream.Manager
	config   *config.Config
	registry *prometheus.Registry
}

// newTestEnv wires a server around a recognizer that always returns text
func newTestEnv(t *testing.T, text string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Recognition.APIKey = "super-secret"
	cfg.HTTP.AllowedOrigins = []string{"http://allowed.example"}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	renderer, err := render.NewRenderer(render.DefaultLayout())
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Recognizer: recognition.RecognizerFunc(func(context.Context, []float32, int) (string, error) {
			return text, nil
		}),
		Renderer: renderer,
		Metrics:  m,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	hub := NewHub(cfg.HTTP.AllowedOrigins, m, testLogger())

	streamCfg := stream.DefaultConfig()
	streamCfg.Cadence = 5 * time.Millisecond
	streamCfg.BufferThresholdSeconds = 0.1
	streamCfg.OverlapSeconds = 0

	manager, err := stream.NewManager(testLogger(), streamCfg, stream.Deps{
		Runner:   runner,
		Notifier: hub,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(manager.Stop)

	hub.Bind(manager)

	srv, err := NewHTTPServer(Deps{
		Config:   cfg,
		Manager:  manager,
		Hub:      hub,
		Runner:   runner,
		Metrics:  m,
		Gatherer: registry,
		Components: map[string]StatsFunc{
			"fake": func() any { return map[string]int{"calls": 1} },
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	return &testEnv{server: srv, hub: hub, manager: manager, config: cfg, registry: registry}
}
