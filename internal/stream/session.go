package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/henry-bao/simple-whisper/internal/audio"
)

// Mode is the processing mode of a session
type Mode string

const (
	ModeBatch     Mode = "batch"
	ModeStreaming Mode = "streaming"
)

// State is the lifecycle state of a session
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrNoSession is returned when no session is registered for an id
	ErrNoSession = errors.New("no active session")
	// ErrAlreadyProcessing is returned when a pipeline run is already in flight
	ErrAlreadyProcessing = errors.New("session is already processing")
	// ErrNotStreaming is returned when a streaming operation targets a batch session
	ErrNotStreaming = errors.New("session is not in streaming mode")
	// ErrSessionClosed is returned when a session is stopping or stopped
	ErrSessionClosed = errors.New("session is closed")
)

// Session is one client's recording: its buffer, mode and pipeline state
type Session struct {
	ID         string
	Mode       Mode
	SampleRate int // client capture rate
	StartTime  time.Time

	buffer *audio.Buffer

	// Converts client audio to audio.SampleRate; nil when rates match
	resampler  *audio.Resampler
	resampleMu sync.Mutex

	// Guards everything below
	mu            sync.Mutex
	state         State
	processing    bool
	transcript    string
	lastActivity  time.Time
	cycles        uint64
	cycleFailures uint64

	// Cadence loop control
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	stopTimeout  time.Duration
	teardownOnce sync.Once
	logger       *slog.Logger
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID               string            `json:"id"`
	Mode             Mode              `json:"mode"`
	State            string            `json:"state"`
	SampleRate       int               `json:"sample_rate"`
	StartTime        time.Time         `json:"start_time"`
	LastActivity     time.Time         `json:"last_activity"`
	Duration         time.Duration     `json:"duration"`
	Processing       bool              `json:"processing"`
	TranscriptLength int               `json:"transcript_length"`
	Cycles           uint64            `json:"cycles"`
	CycleFailures    uint64            `json:"cycle_failures"`
	Buffer           audio.BufferStats `json:"buffer"`
}

func newSession(parent context.Context, id string, mode Mode, sampleRate int, stopTimeout time.Duration, logger *slog.Logger) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	if mode != ModeBatch && mode != ModeStreaming {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}

	if sampleRate == 0 {
		sampleRate = audio.SampleRate
	}

	var resampler *audio.Resampler
	if sampleRate != audio.SampleRate {
		r, err := audio.NewResampler(sampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler: %w", err)
		}
		resampler = r
	}

	loopCtx, loopCancel := context.WithCancel(parent)
	now := time.Now()

	return &Session{
		ID:           id,
		Mode:         mode,
		SampleRate:   sampleRate,
		StartTime:    now,
		buffer:       audio.NewBuffer(id, logger),
		resampler:    resampler,
		state:        StateIdle,
		lastActivity: now,
		loopCtx:      loopCtx,
		loopCancel:   loopCancel,
		stopTimeout:  stopTimeout,
		logger:       logger,
	}, nil
}

// Append converts chunk to the buffer rate if needed and buffers it.
// It reports whether the chunk was kept.
func (s *Session) Append(chunk audio.Chunk) bool {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.resampler != nil && chunk.DType == audio.DTypeFloat32 && len(chunk.Samples) > 0 {
		clean, _ := audio.Sanitize(chunk.Samples)

		s.resampleMu.Lock()
		out, err := s.resampler.Process(clean)
		s.resampleMu.Unlock()

		if err != nil {
			s.logger.Warn("Dropping chunk that failed to resample",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()))
			return false
		}

		// Filter latency can hold back the first block entirely
		if len(out) == 0 {
			return true
		}
		chunk = audio.Chunk{Samples: out, DType: audio.DTypeFloat32}
	}

	return s.buffer.Append(chunk)
}

// Buffer returns the session audio buffer
func (s *Session) Buffer() *audio.Buffer {
	return s.buffer
}

// acquire marks the session busy for one pipeline run. With stopping set the
// session also moves to StateStopping so no further runs can start.
func (s *Session) acquire(stopping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopping || s.state == StateStopped {
		return ErrSessionClosed
	}

	if s.processing {
		return ErrAlreadyProcessing
	}

	s.processing = true
	if stopping {
		s.state = StateStopping
	}
	return nil
}

// release clears the processing flag
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
}

// markStopping moves a live session to StateStopping. It returns false if
// the session was already stopping or stopped.
func (s *Session) markStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopping || s.state == StateStopped {
		return false
	}
	s.state = StateStopping
	return true
}

// Processing reports whether a pipeline run is in flight
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// appendTranscript adds text to the running transcript and returns it
func (s *Session) appendTranscript(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transcript == "" {
		s.transcript = text
	} else {
		s.transcript += " " + text
	}
	return s.transcript
}

// Transcript returns the accumulated streaming transcript
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *Session) recordCycle(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	if failed {
		s.cycleFailures++
	}
}

// LastActivity returns the time of the last ingested chunk
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// start moves the session to StateRunning and launches loop, if any, bound
// to the session lifetime
func (s *Session) start(loop func(ctx context.Context)) {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	if loop == nil {
		return
	}

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		loop(s.loopCtx)
	}()
}

// stopLoop cancels the cadence loop and waits for it to exit, at most
// stopTimeout. It reports whether the loop exited in time.
func (s *Session) stopLoop() bool {
	s.loopCancel()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(s.stopTimeout):
		s.logger.Warn("Cadence loop did not exit in time",
			slog.String("session_id", s.ID),
			slog.Duration("timeout", s.stopTimeout))
		return false
	}
}

// teardown stops the loop and releases the buffer. Only the first call does
// anything; it returns true for that call.
func (s *Session) teardown() bool {
	done := false
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateStopped {
			s.state = StateStopping
		}
		s.mu.Unlock()

		s.stopLoop()
		s.buffer.Release()

		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()

		done = true
	})
	return done
}

// Info returns a snapshot of the session for monitoring
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:               s.ID,
		Mode:             s.Mode,
		State:            s.state.String(),
		SampleRate:       s.SampleRate,
		StartTime:        s.StartTime,
		LastActivity:     s.lastActivity,
		Duration:         time.Since(s.StartTime),
		Processing:       s.processing,
		TranscriptLength: len(strings.Fields(s.transcript)),
		Cycles:           s.cycles,
		CycleFailures:    s.cycleFailures,
		Buffer:           s.buffer.GetStats(),
	}
}
