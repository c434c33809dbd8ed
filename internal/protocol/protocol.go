package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Incoming events
const (
	EventStartRecording = "start-recording"
	EventStartRealTime  = "start-real-time"
	EventAudioData      = "audio-data"
	EventStopRecording  = "stop-recording"
	EventStopRealTime   = "stop-real-time"
)

// Outgoing events
const (
	EventRecordingStarted      = "recording-started"
	EventRealTimeStarted       = "real-time-started"
	EventTranscriptionResult   = "transcription-result"
	EventRealTimeTranscription = "real-time-transcription"
	EventRealTimeComplete      = "real-time-complete"
	EventError                 = "error"
)

// Client facing messages
const (
	MsgNoAudio           = "No audio data received"
	MsgNoSession         = "No active recording session"
	MsgNotRealTime       = "Session is not in real-time mode"
	MsgNoRealTime        = "No active real-time session"
	MsgAlreadyProcessing = "Already processing audio for this session"
	MsgNoSpeech          = "No speech detected"
)

// DTypeFloat32 is the only element type accepted for audio samples
const DTypeFloat32 = "float32"

// Frame size limits
const (
	MaxTextFrameSize = 4 << 20 // 4 MiB JSON envelope
	Float32Size      = 4
)

// ErrEmptyFrame is returned for zero length frames
var ErrEmptyFrame = errors.New("empty frame")

// Envelope is one JSON text frame
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartPayload is the optional data of start-recording and start-real-time
type StartPayload struct {
	SampleRate int `json:"sample_rate,omitempty"`
}

// AudioFrame is a decoded audio-data payload
type AudioFrame struct {
	DType   string
	Samples []float32
}

// audioObject is the explicit form of an audio-data payload
type audioObject struct {
	DType   string     `json:"dtype"`
	Samples []*float64 `json:"samples"`
}

// Message is one outgoing event
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ResultPayload is the data of every result event. Success results carry
// text and svg; failures carry error.
type ResultPayload struct {
	Success  bool    `json:"success"`
	Text     *string `json:"text,omitempty"`
	FullText *string `json:"full_text,omitempty"`
	SVG      string  `json:"svg,omitempty"`
	Error    string  `json:"error,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// AckPayload is the data of recording-started and real-time-started
type AckPayload struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connection_id,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
}

// ErrorPayload is the data of the error event
type ErrorPayload struct {
	Error string `json:"error"`
}

// ParseEnvelope parses and validates one JSON text frame
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	if len(data) > MaxTextFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes exceeds %d", len(data), MaxTextFrameSize)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	if err := ValidateEvent(env.Event); err != nil {
		return nil, err
	}

	return &env, nil
}

// ValidateEvent checks that event is a known incoming event
func ValidateEvent(event string) error {
	if event == "" {
		return fmt.Errorf("missing event name")
	}

	if !IsValidEvent(event) {
		return fmt.Errorf("unknown event: %q", event)
	}

	return nil
}

// IsValidEvent reports whether event is a known incoming event
func IsValidEvent(event string) bool {
	switch event {
	case EventStartRecording, EventStartRealTime, EventAudioData, EventStopRecording, EventStopRealTime:
		return true
	}
	return false
}

// ParseStart decodes optional start data. Missing or null data yields zero values.
func ParseStart(raw json.RawMessage) (StartPayload, error) {
	var p StartPayload
	if isNull(raw) {
		return p, nil
	}

	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode start data: %w", err)
	}

	if p.SampleRate < 0 {
		return p, fmt.Errorf("sample rate must not be negative, got %d", p.SampleRate)
	}

	return p, nil
}

// ParseAudioData decodes an audio-data payload. Two forms are accepted: a
// bare JSON array of numbers, which is float32 by definition, and an object
// {"dtype": ..., "samples": [...]}. JSON null samples decode as NaN so the
// buffer can sanitize them; the declared dtype is passed through unchecked.
func ParseAudioData(raw json.RawMessage) (*AudioFrame, error) {
	if isNull(raw) {
		return nil, ErrEmptyFrame
	}

	switch firstNonSpace(raw) {
	case '[':
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("failed to decode audio samples: %w", err)
		}
		return &AudioFrame{DType: DTypeFloat32, Samples: toFloat32(values)}, nil

	case '{':
		var obj audioObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode audio object: %w", err)
		}
		if obj.DType == "" {
			obj.DType = DTypeFloat32
		}
		return &AudioFrame{DType: obj.DType, Samples: toFloat32(obj.Samples)}, nil
	}

	return nil, fmt.Errorf("audio data must be an array or object")
}

// DecodeBinaryAudio decodes a binary frame of little-endian float32 samples
func DecodeBinaryAudio(data []byte) (*AudioFrame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	if len(data)%Float32Size != 0 {
		return nil, fmt.Errorf("binary audio length %d is not a multiple of %d", len(data), Float32Size)
	}

	samples := make([]float32, len(data)/Float32Size)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*Float32Size:]))
	}

	return &AudioFrame{DType: DTypeFloat32, Samples: samples}, nil
}

// EncodeBinaryAudio is the inverse of DecodeBinaryAudio
func EncodeBinaryAudio(samples []float32) []byte {
	out := make([]byte, len(samples)*Float32Size)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*Float32Size:], math.Float32bits(s))
	}
	return out
}

// Encode serializes an outgoing message as a JSON text frame
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.Event, err)
	}
	return data, nil
}

// Success builds a successful result payload
func Success(text, svg string) ResultPayload {
	return ResultPayload{Success: true, Text: &text, SVG: svg}
}

// Incremental builds a streaming result payload with the running transcript
func Incremental(text, fullText, svg string) ResultPayload {
	return ResultPayload{Success: true, Text: &text, FullText: &fullText, SVG: svg}
}

// Failure builds a failed result payload
func Failure(reason string) ResultPayload {
	return ResultPayload{Success: false, Error: reason}
}

func toFloat32(values []*float64) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		if v == nil {
			out[i] = float32(math.NaN())
			continue
		}
		out[i] = float32(*v)
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	c := firstNonSpace(raw)
	return c == 0 || c == 'n'
}

func firstNonSpace(raw []byte) byte {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}
