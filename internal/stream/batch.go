package stream

import (
	"errors"
	"log/slog"
	"time"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/protocol"
)

// StopStatus acknowledges a stop request
type StopStatus int

const (
	// StopAccepted means a pipeline worker was started
	StopAccepted StopStatus = iota
	// StopNoSession means no session is registered for the id
	StopNoSession
	// StopAlreadyProcessing means a run is already in flight for the session
	StopAlreadyProcessing
)

func (s StopStatus) String() string {
	switch s {
	case StopAccepted:
		return "accepted"
	case StopNoSession:
		return "no_session"
	case StopAlreadyProcessing:
		return "already_processing"
	default:
		return "unknown"
	}
}

// StopSession ends recording for id and runs the full pipeline over
// everything buffered. It returns as soon as the run is scheduled; the
// outcome is pushed as a transcription-result. Stopping a streaming session
// halts its cadence loop and processes the remaining audio the same way.
func (m *Manager) StopSession(id string) StopStatus {
	s, ok := m.registry.Lookup(id)
	if !ok {
		m.notify(id, protocol.EventTranscriptionResult, protocol.Failure(protocol.MsgNoSession))
		return StopNoSession
	}

	if err := s.acquire(true); err != nil {
		m.logger.Warn("Rejected stop request",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		m.notify(id, protocol.EventTranscriptionResult, protocol.Failure(protocol.MsgAlreadyProcessing))
		return StopAlreadyProcessing
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.runBatch(s)
	}()

	return StopAccepted
}

// runBatch is the pipeline worker of one stopped session
func (m *Manager) runBatch(s *Session) {
	defer m.destroy(s, "stopped")
	defer s.release()

	if s.Mode == ModeStreaming {
		s.stopLoop()
	}

	start := time.Now()
	mode := string(ModeBatch)

	samples, err := s.buffer.DrainAll()
	if err != nil {
		if errors.Is(err, audio.ErrEmptyBuffer) {
			m.logger.Info("No audio to process",
				slog.String("session_id", s.ID),
			)
			m.metrics.RecordPipelineRun(mode, "empty")
			m.notify(s.ID, protocol.EventTranscriptionResult, protocol.Failure(protocol.MsgNoAudio))
			return
		}
		m.metrics.RecordPipelineRun(mode, "failed")
		m.notify(s.ID, protocol.EventTranscriptionResult, protocol.Failure(err.Error()))
		return
	}

	ctx, cancel := m.pipelineContext(m.ctx)
	defer cancel()

	result, err := m.runner.Run(ctx, samples, s.buffer.SampleRate(), pipeline.AllStages)
	if err != nil {
		m.logger.Error("Batch pipeline failed",
			slog.String("session_id", s.ID),
			slog.Int("samples", len(samples)),
			slog.String("error", err.Error()),
		)
		m.metrics.RecordPipelineRun(mode, "failed")
		m.notify(s.ID, protocol.EventTranscriptionResult, protocol.Failure(err.Error()))
		return
	}

	payload := protocol.Success(result.Text, string(result.SVG))
	outcome := "success"
	if result.NoSpeech {
		payload.Message = protocol.MsgNoSpeech
		outcome = "no_speech"
	}

	m.metrics.RecordPipelineRun(mode, outcome)
	m.notify(s.ID, protocol.EventTranscriptionResult, payload)

	m.logger.Info("Batch pipeline completed",
		slog.String("session_id", s.ID),
		slog.Int("samples", len(samples)),
		slog.Int("text_length", len(result.Text)),
		slog.Duration("elapsed", time.Since(start)),
	)
}
