package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/protocol"
	"github.com/henry-bao/simple-whisper/internal/vad"
)

// Config contains session timing and threshold settings
type Config struct {
	BufferThresholdSeconds float64       // streaming cycle trigger
	OverlapSeconds         float64       // audio retained between cycles
	Cadence                time.Duration // streaming loop tick
	StopTimeout            time.Duration // bound on waiting for a loop to exit
	IdleTimeout            time.Duration // 0 disables idle cleanup
	CleanupInterval        time.Duration
	MaxChunkSamples        int // 0 means unlimited
	OutputPolicy           pipeline.OutputPolicy
	PipelineTimeout        time.Duration // 0 means no deadline
}

// DefaultConfig returns the default session settings
func DefaultConfig() Config {
	return Config{
		BufferThresholdSeconds: 5,
		OverlapSeconds:         0.5,
		Cadence:                100 * time.Millisecond,
		StopTimeout:            2 * time.Second,
		IdleTimeout:            5 * time.Minute,
		CleanupInterval:        30 * time.Second,
		OutputPolicy:           pipeline.PolicyFinal,
		PipelineTimeout:        2 * time.Minute,
	}
}

// Validate checks the settings
func (c *Config) Validate() error {
	if c.BufferThresholdSeconds <= 0 {
		return fmt.Errorf("buffer threshold must be positive")
	}
	if c.OverlapSeconds < 0 {
		return fmt.Errorf("overlap cannot be negative")
	}
	if c.OverlapSeconds >= c.BufferThresholdSeconds {
		return fmt.Errorf("overlap (%.2fs) must be shorter than the buffer threshold (%.2fs)",
			c.OverlapSeconds, c.BufferThresholdSeconds)
	}
	if c.Cadence <= 0 {
		return fmt.Errorf("cadence must be positive")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be positive")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative")
	}
	if c.MaxChunkSamples < 0 {
		return fmt.Errorf("max chunk samples cannot be negative")
	}
	if _, err := pipeline.ParseOutputPolicy(string(c.OutputPolicy)); err != nil {
		return err
	}
	return nil
}

// Deps are the collaborators of a Manager. Gate and Metrics may be nil.
type Deps struct {
	Runner   *pipeline.Runner
	Notifier Notifier
	Gate     *vad.Gate
	Metrics  *metrics.Metrics
}

// Manager creates sessions, routes audio to them and runs their pipelines
type Manager struct {
	registry *Registry
	config   Config
	runner   *pipeline.Runner
	notifier Notifier
	gate     *vad.Gate
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Pipeline workers started by StopSession
	workers sync.WaitGroup

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// Stats is a snapshot of manager activity
type Stats struct {
	ActiveSessions    int    `json:"active_sessions"`
	BatchSessions     int    `json:"batch_sessions"`
	StreamingSessions int    `json:"streaming_sessions"`
	Processing        int    `json:"processing"`
	OutputPolicy      string `json:"output_policy"`
	Gate              any    `json:"silence_gate,omitempty"`
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config Config, deps Deps) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stream config: %w", err)
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("pipeline runner is required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.OutputPolicy == "" {
		config.OutputPolicy = pipeline.PolicyFinal
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		registry: NewRegistry(),
		config:   config,
		runner:   deps.Runner,
		notifier: deps.Notifier,
		gate:     deps.Gate,
		metrics:  deps.Metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go m.startCleanupRoutine()

	return m, nil
}

// StartSession creates a session for id and registers it, replacing and
// tearing down any previous session of the same connection
func (m *Manager) StartSession(id string, mode Mode, sampleRate int) (*Session, error) {
	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("manager is stopped")
	}

	s, err := newSession(m.ctx, id, mode, sampleRate, m.config.StopTimeout, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if old := m.registry.Register(s); old != nil {
		m.logger.Info("Replaced existing session",
			slog.String("session_id", id),
			slog.String("old_mode", string(old.Mode)),
			slog.String("new_mode", string(mode)),
		)
		m.metrics.RecordSessionDestroyed(string(old.Mode), "replaced", time.Since(old.StartTime).Seconds())
	}

	if mode == ModeStreaming {
		s.start(func(ctx context.Context) { m.cadenceLoop(ctx, s) })
	} else {
		s.start(nil)
	}

	m.metrics.RecordSessionCreated(string(mode))
	m.metrics.SetActiveSessions(m.registry.Len())

	m.logger.Info("Session started",
		slog.String("session_id", id),
		slog.String("mode", string(mode)),
		slog.Int("client_sample_rate", s.SampleRate),
	)

	return s, nil
}

// IngestChunk appends chunk to the buffer of session id. Invalid chunks are
// dropped and logged; only a missing session is reported as an error.
func (m *Manager) IngestChunk(id string, chunk audio.Chunk) error {
	s, ok := m.registry.Lookup(id)
	if !ok {
		return ErrNoSession
	}

	if m.config.MaxChunkSamples > 0 && len(chunk.Samples) > m.config.MaxChunkSamples {
		m.logger.Warn("Dropping oversized chunk",
			slog.String("session_id", id),
			slog.Int("samples", len(chunk.Samples)),
			slog.Int("max_samples", m.config.MaxChunkSamples),
		)
		m.metrics.RecordChunkDropped("oversized")
		return nil
	}

	if s.Append(chunk) {
		m.metrics.RecordChunk(len(chunk.Samples))
	} else {
		m.metrics.RecordChunkDropped("invalid")
	}
	return nil
}

// Disconnect destroys the session of a closed connection. A pipeline run
// already in flight finishes on its own.
func (m *Manager) Disconnect(id string) {
	s, ok := m.registry.Remove(id)
	if !ok {
		return
	}
	m.finish(s, "disconnect")
}

// Session returns the session registered for id
func (m *Manager) Session(id string) (*Session, bool) {
	return m.registry.Lookup(id)
}

// Sessions returns information about all active sessions
func (m *Manager) Sessions() []SessionInfo {
	sessions := m.registry.Snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Stats returns a snapshot of manager activity
func (m *Manager) Stats() Stats {
	stats := Stats{OutputPolicy: string(m.config.OutputPolicy)}

	for _, s := range m.registry.Snapshot() {
		stats.ActiveSessions++
		if s.Mode == ModeStreaming {
			stats.StreamingSessions++
		} else {
			stats.BatchSessions++
		}
		if s.Processing() {
			stats.Processing++
		}
	}

	if m.gate.Enabled() {
		stats.Gate = m.gate.GetStats()
	}

	return stats
}

// Config returns the manager settings
func (m *Manager) Config() Config {
	return m.config
}

// Stop tears down every session, waits for pipeline workers and stops the
// cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	for _, s := range m.registry.Snapshot() {
		m.destroy(s, "shutdown")
	}

	m.workers.Wait()

	m.cancel()
	<-m.cleanup

	m.logger.Info("Stream manager stopped",
		slog.Int("remaining_sessions", m.registry.Len()),
	)
}

// destroy unlinks s if it is still registered, then tears it down
func (m *Manager) destroy(s *Session, reason string) {
	m.registry.RemoveIf(s.ID, s)
	m.finish(s, reason)
}

func (m *Manager) finish(s *Session, reason string) {
	if !s.teardown() {
		return
	}

	duration := time.Since(s.StartTime)
	m.metrics.RecordSessionDestroyed(string(s.Mode), reason, duration.Seconds())
	m.metrics.SetActiveSessions(m.registry.Len())

	m.logger.Info("Session removed",
		slog.String("session_id", s.ID),
		slog.String("mode", string(s.Mode)),
		slog.String("reason", reason),
		slog.Duration("duration", duration),
	)
}

// pipelineContext bounds one pipeline run
func (m *Manager) pipelineContext(parent context.Context) (context.Context, context.CancelFunc) {
	if m.config.PipelineTimeout > 0 {
		return context.WithTimeout(parent, m.config.PipelineTimeout)
	}
	return context.WithCancel(parent)
}

func (m *Manager) notify(id, event string, payload any) {
	m.notifier.Notify(id, protocol.Message{Event: event, Data: payload})
}

// startCleanupRoutine runs in a separate goroutine to remove idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions removes sessions that have not received audio for
// longer than the idle timeout. Sessions with a run in flight are kept.
func (m *Manager) cleanupIdleSessions() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	now := time.Now()
	expired := make([]*Session, 0)

	for _, s := range m.registry.Snapshot() {
		if s.Processing() {
			continue
		}
		if now.Sub(s.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, s)
		}
	}

	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, s := range expired {
			m.destroy(s, "idle")
		}
	}
}
