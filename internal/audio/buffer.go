package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SampleRate is the fixed rate of all buffered audio (16 kHz mono)
const SampleRate = 16000

// DType is the declared element type of an incoming chunk
type DType string

const (
	DTypeFloat32 DType = "float32"
)

// ErrEmptyBuffer is returned when a drain finds no usable audio
var ErrEmptyBuffer = errors.New("no audio data received")

// Chunk is one arrival unit of audio samples from a client
type Chunk struct {
	Samples []float32
	DType   DType
}

// Buffer accumulates sample chunks for a single session.
// All methods are safe for concurrent use.
type Buffer struct {
	sessionID  string
	sampleRate int
	logger     *slog.Logger

	// Retained chunks in arrival order, never empty, never non-finite
	chunks [][]float32
	total  int

	// Statistics
	lastUpdate       time.Time
	chunksAccepted   uint64
	chunksDropped    uint64
	samplesSanitized uint64
	drains           uint64

	released bool
	mu       sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SessionID        string    `json:"session_id"`
	Chunks           int       `json:"chunks"`
	TotalSamples     int       `json:"total_samples"`
	DurationSeconds  float64   `json:"duration_seconds"`
	ChunksAccepted   uint64    `json:"chunks_accepted"`
	ChunksDropped    uint64    `json:"chunks_dropped"`
	SamplesSanitized uint64    `json:"samples_sanitized"`
	Drains           uint64    `json:"drains"`
	LastUpdate       time.Time `json:"last_update"`
}

// NewBuffer creates an empty audio buffer for the given session
func NewBuffer(sessionID string, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		sessionID:  sessionID,
		sampleRate: SampleRate,
		logger:     logger,
		chunks:     make([][]float32, 0, 64),
		lastUpdate: time.Now(),
	}
}

// Append stores a chunk at the end of the buffer. Chunks with a wrong declared
// type, empty chunks, and chunks arriving after Release are dropped and
// reported as false; NaN and Inf samples are replaced with zero.
func (b *Buffer) Append(chunk Chunk) bool {
	if chunk.DType != DTypeFloat32 {
		b.drop("unsupported element type", slog.String("dtype", string(chunk.DType)))
		return false
	}

	if len(chunk.Samples) == 0 {
		b.drop("empty chunk")
		return false
	}

	// Copy outside the lock so ingestion never waits on sanitizing
	samples, replaced := Sanitize(chunk.Samples)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		b.chunksDropped++
		return false
	}

	b.chunks = append(b.chunks, samples)
	b.total += len(samples)
	b.chunksAccepted++
	b.samplesSanitized += uint64(replaced)
	b.lastUpdate = time.Now()

	return true
}

// drop records and logs a rejected chunk
func (b *Buffer) drop(reason string, attrs ...any) {
	b.mu.Lock()
	b.chunksDropped++
	b.mu.Unlock()

	args := append([]any{slog.String("session_id", b.sessionID), slog.String("reason", reason)}, attrs...)
	b.logger.Warn("Dropping audio chunk", args...)
}

// TotalSamples returns the number of samples currently retained
func (b *Buffer) TotalSamples() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Duration returns the retained audio length
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.TotalSamples()) * time.Second / time.Duration(b.sampleRate)
}

// SampleRate returns the buffer sample rate
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// DrainAll concatenates every chunk in arrival order and clears the buffer.
// It fails with ErrEmptyBuffer when nothing usable was buffered.
func (b *Buffer) DrainAll() ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	samples, err := b.concatLocked()
	b.chunks = b.chunks[:0]
	b.total = 0
	b.drains++

	return samples, err
}

// DrainWithOverlap concatenates every chunk in arrival order, then keeps the
// shortest suffix of chunks holding at least retainSeconds of audio for the
// next cycle. If the buffer holds no more than that, everything is kept.
func (b *Buffer) DrainWithOverlap(retainSeconds float64) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	samples, err := b.concatLocked()
	b.drains++

	overlap := int(retainSeconds * float64(b.sampleRate))
	if b.total <= overlap {
		return samples, err
	}

	keepFrom := len(b.chunks)
	kept := 0
	for kept < overlap && keepFrom > 0 {
		keepFrom--
		kept += len(b.chunks[keepFrom])
	}

	// Shift retained chunks to the front so the backing array does not grow
	n := copy(b.chunks, b.chunks[keepFrom:])
	for i := n; i < len(b.chunks); i++ {
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:n]
	b.total = kept

	return samples, err
}

// concatLocked joins all chunks; caller must hold b.mu
func (b *Buffer) concatLocked() ([]float32, error) {
	if len(b.chunks) == 0 {
		return nil, ErrEmptyBuffer
	}

	degenerate := true
	for _, c := range b.chunks {
		if !IsSilent(c) {
			degenerate = false
			break
		}
	}
	if degenerate {
		return nil, ErrEmptyBuffer
	}

	out := make([]float32, 0, b.total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out, nil
}

// Release discards all audio; later appends are dropped
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.released = true
	b.chunks = nil
	b.total = 0
}

// GetLastUpdate returns the time of the last accepted chunk
func (b *Buffer) GetLastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		SessionID:        b.sessionID,
		Chunks:           len(b.chunks),
		TotalSamples:     b.total,
		DurationSeconds:  float64(b.total) / float64(b.sampleRate),
		ChunksAccepted:   b.chunksAccepted,
		ChunksDropped:    b.chunksDropped,
		SamplesSanitized: b.samplesSanitized,
		Drains:           b.drains,
		LastUpdate:       b.lastUpdate,
	}
}
