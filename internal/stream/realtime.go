package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/protocol"
)

// Streaming cycle outcomes
const (
	cycleEmitted   = "emitted"
	cycleNoSpeech  = "no_speech"
	cycleSilent    = "silent"
	cycleEmpty     = "empty"
	cycleFailed    = "failed"
	cycleCancelled = "cancelled"
)

// EndResult is the final output of a streaming session
type EndResult struct {
	Text string
	SVG  []byte

	// SideEffects reports the final-flush vectorize and output stages
	SideEffects <-chan pipeline.SideEffectReport
}

// cadenceLoop drives the streaming cycles of s until ctx is cancelled
func (m *Manager) cadenceLoop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(m.config.Cadence)
	defer ticker.Stop()

	threshold := int(m.config.BufferThresholdSeconds * float64(s.buffer.SampleRate()))

	s.logger.Debug("Cadence loop started",
		slog.String("session_id", s.ID),
		slog.Int("threshold_samples", threshold),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Cadence loop stopped",
				slog.String("session_id", s.ID),
			)
			return

		case <-ticker.C:
			if s.buffer.TotalSamples() < threshold {
				continue
			}
			m.runCycle(ctx, s)
		}
	}
}

// runCycle recognizes and renders the buffered audio of s once
func (m *Manager) runCycle(ctx context.Context, s *Session) {
	// A stop or a previous cycle owns the session
	if err := s.acquire(false); err != nil {
		return
	}
	defer s.release()

	outcome := m.cycle(ctx, s)

	s.recordCycle(outcome == cycleFailed)
	m.metrics.RecordStreamingCycle(outcome)
}

func (m *Manager) cycle(ctx context.Context, s *Session) string {
	samples, err := s.buffer.DrainWithOverlap(m.config.OverlapSeconds)
	if err != nil {
		if errors.Is(err, audio.ErrEmptyBuffer) {
			return cycleEmpty
		}
		m.logger.Error("Failed to drain buffer",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return cycleFailed
	}

	if decision := m.gate.Evaluate(samples); !decision.HasVoice {
		m.logger.Debug("Skipping silent block",
			slog.String("session_id", s.ID),
			slog.Float64("energy", decision.Energy),
		)
		return cycleSilent
	}

	runCtx, cancel := m.pipelineContext(ctx)
	defer cancel()

	opts := m.config.OutputPolicy.CycleOptions()
	result, err := m.runner.Run(runCtx, samples, s.buffer.SampleRate(), opts)
	if err != nil {
		if ctx.Err() != nil {
			return cycleCancelled
		}
		m.logger.Error("Streaming cycle failed",
			slog.String("session_id", s.ID),
			slog.Int("samples", len(samples)),
			slog.String("error", err.Error()),
		)
		return cycleFailed
	}

	if result.NoSpeech {
		return cycleNoSpeech
	}

	fullText := s.appendTranscript(result.Text)

	svg, err := m.runner.RenderText(fullText)
	if err != nil {
		m.logger.Error("Failed to render transcript",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return cycleFailed
	}

	m.notify(s.ID, protocol.EventRealTimeTranscription,
		protocol.Incremental(result.Text, fullText, string(svg)))

	return cycleEmitted
}

// EndStream stops the cadence loop of streaming session id, renders the
// accumulated transcript and pushes real-time-complete. Vectorize and output
// run on the final transcript when the output policy asks for it.
func (m *Manager) EndStream(id string) (*EndResult, error) {
	s, ok := m.registry.Lookup(id)
	if !ok {
		m.notify(id, protocol.EventRealTimeComplete, protocol.Failure(protocol.MsgNoRealTime))
		return nil, ErrNoSession
	}

	if s.Mode != ModeStreaming {
		m.notify(id, protocol.EventRealTimeComplete, protocol.Failure(protocol.MsgNotRealTime))
		return nil, ErrNotStreaming
	}

	if !s.markStopping() {
		m.notify(id, protocol.EventRealTimeComplete, protocol.Failure(protocol.MsgNoRealTime))
		return nil, ErrSessionClosed
	}
	defer m.destroy(s, "stream_ended")

	s.stopLoop()

	fullText := s.Transcript()

	svg, err := m.runner.RenderText(fullText)
	if err != nil {
		m.logger.Error("Failed to render final transcript",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		m.metrics.RecordPipelineRun(string(ModeStreaming), "failed")
		m.notify(id, protocol.EventRealTimeComplete, protocol.Failure(err.Error()))
		return nil, err
	}

	result := &EndResult{Text: fullText, SVG: svg}
	if fullText != "" {
		result.SideEffects = m.runner.Dispatch(m.ctx, svg, m.config.OutputPolicy.FinalOptions())
		m.metrics.RecordPipelineRun(string(ModeStreaming), "success")
	} else {
		m.metrics.RecordPipelineRun(string(ModeStreaming), "no_speech")
	}

	payload := protocol.Success(fullText, string(svg))
	payload.FullText = &fullText
	m.notify(id, protocol.EventRealTimeComplete, payload)

	m.logger.Info("Streaming session ended",
		slog.String("session_id", id),
		slog.Int("text_length", len(fullText)),
		slog.Duration("duration", time.Since(s.StartTime)),
	)

	return result, nil
}
