package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/protocol"
	"github.com/henry-bao/simple-whisper/internal/recognition"
	"github.com/henry-bao/simple-whisper/internal/render"
	"github.com/henry-bao/simple-whisper/internal/vectorize"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingRecognizer returns text for every call and counts the calls
type countingRecognizer struct {
	text  string
	err   error
	calls atomic.Int32
	block chan struct{} // when set, Recognize waits for it to close
}

func (r *countingRecognizer) Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.text, r.err
}

type fakeFlattener struct {
	err   error
	mu    sync.Mutex
	calls int
}

func (f *fakeFlattener) Flatten(ctx context.Context, svg []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return svg, nil
}

func (f *fakeFlattener) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func createTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Cadence = 5 * time.Millisecond
	cfg.StopTimeout = time.Second
	cfg.PipelineTimeout = 5 * time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg Config, recognizer recognition.Recognizer, flattener vectorize.Flattener) (*Manager, *Recorder) {
	t.Helper()

	renderer, err := render.NewRenderer(render.DefaultLayout())
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}

	m := metrics.NewMetrics(prometheus.NewRegistry())

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Recognizer: recognizer,
		Renderer:   renderer,
		Flattener:  flattener,
		Metrics:    m,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	rec := NewRecorder()
	manager, err := NewManager(testLogger(), cfg, Deps{
		Runner:   runner,
		Notifier: rec,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(manager.Stop)

	return manager, rec
}

func constant(n int, v float32) audio.Chunk {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.Chunk{Samples: samples, DType: audio.DTypeFloat32}
}

// waitForEvents polls until id has received n messages of event
func waitForEvents(t *testing.T, rec *Recorder, id, event string, n int) []protocol.Message {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		msgs := rec.Events(id, event)
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-rec.Signal():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("Timed out waiting for %d %s events, got %d", n, event, len(msgs))
		}
	}
}

func resultOf(t *testing.T, msg protocol.Message) protocol.ResultPayload {
	t.Helper()
	payload, ok := msg.Data.(protocol.ResultPayload)
	if !ok {
		t.Fatalf("Expected ResultPayload, got %T", msg.Data)
	}
	return payload
}

func TestNewManager(t *testing.T) {
	manager, _ := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hi"}, nil)

	if manager.registry.Len() != 0 {
		t.Errorf("Expected 0 sessions, got %d", manager.registry.Len())
	}

	if manager.Config().OutputPolicy != pipeline.PolicyFinal {
		t.Errorf("Expected final output policy, got %s", manager.Config().OutputPolicy)
	}
}

func TestNewManagerRequiresDeps(t *testing.T) {
	if _, err := NewManager(testLogger(), createTestConfig(), Deps{}); err == nil {
		t.Error("Expected error without runner")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero threshold", func(c *Config) { c.BufferThresholdSeconds = 0 }, true},
		{"negative overlap", func(c *Config) { c.OverlapSeconds = -1 }, true},
		{"overlap not shorter than threshold", func(c *Config) { c.OverlapSeconds = 5 }, true},
		{"zero cadence", func(c *Config) { c.Cadence = 0 }, true},
		{"zero stop timeout", func(c *Config) { c.StopTimeout = 0 }, true},
		{"bad policy", func(c *Config) { c.OutputPolicy = "sometimes" }, true},
		{"per cycle policy", func(c *Config) { c.OutputPolicy = pipeline.PolicyPerCycle }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStartSession(t *testing.T) {
	manager, _ := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hi"}, nil)

	s, err := manager.StartSession("conn-1", ModeBatch, 0)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	if s.SampleRate != audio.SampleRate {
		t.Errorf("Expected sample rate %d, got %d", audio.SampleRate, s.SampleRate)
	}

	if s.State() != StateRunning {
		t.Errorf("Expected state running, got %s", s.State())
	}

	got, ok := manager.Session("conn-1")
	if !ok || got != s {
		t.Error("Expected registered session to be returned")
	}

	if _, err := manager.StartSession("", ModeBatch, 0); err == nil {
		t.Error("Expected error for empty id")
	}

	if _, err := manager.StartSession("conn-2", Mode("bogus"), 0); err == nil {
		t.Error("Expected error for invalid mode")
	}
}

func TestStartSessionReplacesExisting(t *testing.T) {
	manager, _ := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hi"}, nil)

	first, _ := manager.StartSession("conn-1", ModeStreaming, 0)
	second, err := manager.StartSession("conn-1", ModeBatch, 0)
	if err != nil {
		t.Fatalf("Failed to replace session: %v", err)
	}

	if first.State() != StateStopped {
		t.Errorf("Expected replaced session to be stopped, got %s", first.State())
	}

	if manager.registry.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", manager.registry.Len())
	}

	got, _ := manager.Session("conn-1")
	if got != second {
		t.Error("Expected the new session to be registered")
	}
}

func TestIngestChunk(t *testing.T) {
	cfg := createTestConfig()
	cfg.MaxChunkSamples = 100
	manager, _ := newTestManager(t, cfg, &countingRecognizer{text: "hi"}, nil)

	if err := manager.IngestChunk("missing", constant(10, 0.1)); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}

	s, _ := manager.StartSession("conn-1", ModeBatch, 0)

	chunks := []audio.Chunk{
		constant(10, 0.1),
		constant(101, 0.1), // oversized
		{Samples: []float32{0.1}, DType: audio.DType("int16")},
		{DType: audio.DTypeFloat32},
		constant(5, 0.2),
	}
	for _, c := range chunks {
		if err := manager.IngestChunk("conn-1", c); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if s.Buffer().TotalSamples() != 15 {
		t.Errorf("Expected 15 buffered samples, got %d", s.Buffer().TotalSamples())
	}
}

func TestStopSessionRunsPipeline(t *testing.T) {
	recognizer := &countingRecognizer{text: " hello world "}
	manager, rec := newTestManager(t, createTestConfig(), recognizer, nil)

	manager.StartSession("conn-1", ModeBatch, 0)
	manager.IngestChunk("conn-1", constant(1600, 0.1))

	if status := manager.StopSession("conn-1"); status != StopAccepted {
		t.Fatalf("Expected StopAccepted, got %s", status)
	}

	msgs := waitForEvents(t, rec, "conn-1", protocol.EventTranscriptionResult, 1)
	payload := resultOf(t, msgs[0])

	if !payload.Success {
		t.Fatalf("Expected success, got error %q", payload.Error)
	}
	if payload.Text == nil || *payload.Text != "hello world" {
		t.Errorf("Expected text 'hello world', got %v", payload.Text)
	}
	if payload.SVG == "" {
		t.Error("Expected svg in result")
	}

	manager.workers.Wait()
	if _, ok := manager.Session("conn-1"); ok {
		t.Error("Expected session to be removed after stop")
	}
}

func TestStopSessionEmptyBuffer(t *testing.T) {
	recognizer := &countingRecognizer{text: "hello"}
	manager, rec := newTestManager(t, createTestConfig(), recognizer, nil)

	manager.StartSession("conn-1", ModeBatch, 0)
	manager.IngestChunk("conn-1", constant(100, 0)) // silent only

	manager.StopSession("conn-1")

	msgs := waitForEvents(t, rec, "conn-1", protocol.EventTranscriptionResult, 1)
	payload := resultOf(t, msgs[0])

	if payload.Success {
		t.Error("Expected failure for empty buffer")
	}
	if payload.Error != protocol.MsgNoAudio {
		t.Errorf("Expected %q, got %q", protocol.MsgNoAudio, payload.Error)
	}
	if recognizer.calls.Load() != 0 {
		t.Errorf("Expected recognizer not to be called, got %d calls", recognizer.calls.Load())
	}
}

func TestStopSessionNoSession(t *testing.T) {
	manager, rec := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hi"}, nil)

	if status := manager.StopSession("ghost"); status != StopNoSession {
		t.Errorf("Expected StopNoSession, got %s", status)
	}

	msgs := rec.Events("ghost", protocol.EventTranscriptionResult)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if payload := resultOf(t, msgs[0]); payload.Error != protocol.MsgNoSession {
		t.Errorf("Expected %q, got %q", protocol.MsgNoSession, payload.Error)
	}
}

func TestStopSessionAlreadyProcessing(t *testing.T) {
	recognizer := &countingRecognizer{text: "hello", block: make(chan struct{})}
	manager, rec := newTestManager(t, createTestConfig(), recognizer, nil)
	defer close(recognizer.block)

	manager.StartSession("conn-1", ModeBatch, 0)
	manager.IngestChunk("conn-1", constant(1600, 0.1))

	if status := manager.StopSession("conn-1"); status != StopAccepted {
		t.Fatalf("Expected StopAccepted, got %s", status)
	}

	if status := manager.StopSession("conn-1"); status != StopAlreadyProcessing {
		t.Errorf("Expected StopAlreadyProcessing, got %s", status)
	}

	msgs := rec.Events("conn-1", protocol.EventTranscriptionResult)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 rejection message, got %d", len(msgs))
	}
	if payload := resultOf(t, msgs[0]); payload.Error != protocol.MsgAlreadyProcessing {
		t.Errorf("Expected %q, got %q", protocol.MsgAlreadyProcessing, payload.Error)
	}
}

func TestStopSessionRecognitionFailure(t *testing.T) {
	recognizer := &countingRecognizer{err: errors.New("engine unavailable")}
	manager, rec := newTestManager(t, createTestConfig(), recognizer, nil)

	manager.StartSession("conn-1", ModeBatch, 0)
	manager.IngestChunk("conn-1", constant(1600, 0.1))
	manager.StopSession("conn-1")

	msgs := waitForEvents(t, rec, "conn-1", protocol.EventTranscriptionResult, 1)
	payload := resultOf(t, msgs[0])

	if payload.Success {
		t.Error("Expected failure")
	}
	if payload.Error == "" {
		t.Error("Expected error cause in payload")
	}
}

func TestStopSessionSideEffectFailureStillSucceeds(t *testing.T) {
	flattener := &fakeFlattener{err: &vectorize.ToolError{Tool: "inkscape", Err: errors.New("exit status 1")}}
	manager, rec := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hello"}, flattener)

	manager.StartSession("conn-1", ModeBatch, 0)
	manager.IngestChunk("conn-1", constant(1600, 0.1))
	manager.StopSession("conn-1")

	msgs := waitForEvents(t, rec, "conn-1", protocol.EventTranscriptionResult, 1)
	if payload := resultOf(t, msgs[0]); !payload.Success {
		t.Errorf("Expected success despite vectorize failure, got %q", payload.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := manager.runner.Wait(ctx); err != nil {
		t.Fatalf("Side effects did not finish: %v", err)
	}

	if flattener.Calls() != 1 {
		t.Errorf("Expected 1 flatten call, got %d", flattener.Calls())
	}
}

func TestStopSessionNoSpeech(t *testing.T) {
	manager, rec := newTestManager(t, createTestConfig(), &countingRecognizer{text: "   "}, nil)

	manager.StartSession("conn-1", ModeBatch, 0)
	manager.IngestChunk("conn-1", constant(1600, 0.1))
	manager.StopSession("conn-1")

	msgs := waitForEvents(t, rec, "conn-1", protocol.EventTranscriptionResult, 1)
	payload := resultOf(t, msgs[0])

	if !payload.Success {
		t.Fatalf("Expected success, got %q", payload.Error)
	}
	if payload.Message != protocol.MsgNoSpeech {
		t.Errorf("Expected %q, got %q", protocol.MsgNoSpeech, payload.Message)
	}
}

func TestDisconnect(t *testing.T) {
	manager, _ := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hi"}, nil)

	s, _ := manager.StartSession("conn-1", ModeStreaming, 0)

	manager.Disconnect("conn-1")
	manager.Disconnect("conn-1")

	if s.State() != StateStopped {
		t.Errorf("Expected stopped session, got %s", s.State())
	}
	if _, ok := manager.Session("conn-1"); ok {
		t.Error("Expected session to be removed")
	}
	if err := manager.IngestChunk("conn-1", constant(10, 0.1)); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession after disconnect, got %v", err)
	}
}

func TestCleanupIdleSessions(t *testing.T) {
	cfg := createTestConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	manager, _ := newTestManager(t, cfg, &countingRecognizer{text: "hi"}, nil)

	manager.StartSession("conn-1", ModeBatch, 0)

	deadline := time.Now().Add(2 * time.Second)
	for manager.registry.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected idle session to be cleaned up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionsAndStats(t *testing.T) {
	manager, _ := newTestManager(t, createTestConfig(), &countingRecognizer{text: "hi"}, nil)

	manager.StartSession("a", ModeBatch, 0)
	manager.StartSession("b", ModeStreaming, 0)
	manager.IngestChunk("a", constant(320, 0.1))

	infos := manager.Sessions()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}

	stats := manager.Stats()
	if stats.ActiveSessions != 2 || stats.BatchSessions != 1 || stats.StreamingSessions != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	for _, info := range infos {
		if info.ID == "a" && info.Buffer.TotalSamples != 320 {
			t.Errorf("Expected 320 buffered samples, got %d", info.Buffer.TotalSamples)
		}
	}
}
