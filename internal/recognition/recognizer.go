package recognition

import (
	"context"
	"errors"
)

// Recognizer turns a waveform into text
type Recognizer interface {
	Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// ErrNoAudio is returned when Recognize is called with no samples
var ErrNoAudio = errors.New("no audio to recognize")

// Observer receives request level events. Implemented by metrics.Metrics.
type Observer interface {
	RecordRecognitionRequest(backend, outcome string)
	RecordRecognitionRetry(backend string)
}

// RecognizerFunc adapts a function to Recognizer
type RecognizerFunc func(ctx context.Context, samples []float32, sampleRate int) (string, error)

// Recognize calls f
func (f RecognizerFunc) Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	return f(ctx, samples, sampleRate)
}
