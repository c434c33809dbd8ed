package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func sine(n, sampleRate int, freq float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

func TestEncodeWAV(t *testing.T) {
	samples := sine(1600, SampleRate, 440)

	wavData, err := EncodeWAV(samples, SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := 44 + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	decoded, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.SampleRate != SampleRate {
		t.Errorf("Expected sample rate %d, got %d", SampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}

	for i := range samples {
		if diff := math.Abs(float64(samples[i] - decoded[i])); diff > 1.0/16384 {
			t.Fatalf("Sample %d differs by %v", i, diff)
		}
	}

	if math.Abs(info.Duration-0.1) > 1e-9 {
		t.Errorf("Expected duration 0.1, got %v", info.Duration)
	}
}

func TestEncodeWAVClipsAndRejects(t *testing.T) {
	if _, err := EncodeWAV(nil, SampleRate); err == nil {
		t.Error("Expected error for empty samples")
	}

	if _, err := EncodeWAV([]float32{0.1}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}

	wavData, err := EncodeWAV([]float32{2, -2}, SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	hi := int16(binary.LittleEndian.Uint16(wavData[44:46]))
	lo := int16(binary.LittleEndian.Uint16(wavData[46:48]))
	if hi != math.MaxInt16 || lo != -math.MaxInt16 {
		t.Errorf("Expected clipped samples, got %d and %d", hi, lo)
	}
}

// buildWAV writes a WAV with an extra LIST chunk before the data chunk
func buildWAV(format, channels, bits uint16, rate uint32, payload []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(0))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(16))
	binary.Write(&buf, le, format)
	binary.Write(&buf, le, channels)
	binary.Write(&buf, le, rate)
	binary.Write(&buf, le, rate*uint32(channels)*uint32(bits)/8)
	binary.Write(&buf, le, channels*bits/8)
	binary.Write(&buf, le, bits)
	buf.WriteString("LIST")
	binary.Write(&buf, le, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})
	buf.WriteString("data")
	binary.Write(&buf, le, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

func TestDecodeWAVFloatStereo(t *testing.T) {
	var payload bytes.Buffer
	for _, v := range []float32{0.2, 0.4, -0.5, 0.5} {
		binary.Write(&payload, binary.LittleEndian, math.Float32bits(v))
	}

	data := buildWAV(wavFormatFloat, 2, 32, 44100, payload.Bytes())

	samples, info, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if !info.Float || info.Channels != 2 || info.SampleRate != 44100 {
		t.Errorf("Unexpected info: %+v", info)
	}

	if len(samples) != 2 {
		t.Fatalf("Expected 2 mono frames, got %d", len(samples))
	}

	if math.Abs(float64(samples[0])-0.3) > 1e-6 || samples[1] != 0 {
		t.Errorf("Unexpected downmix: %v", samples)
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"not riff", append([]byte("RIFX\x00\x00\x00\x00WAVE"), make([]byte, 32)...)},
		{"unsupported format", buildWAV(wavFormatPCM, 1, 8, 8000, []byte{1, 2, 3})},
		{"no data", buildWAV(wavFormatPCM, 1, 16, 8000, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
