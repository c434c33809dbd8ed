package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// wavHeader is the canonical 44-byte header written by EncodeWAV
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// WAVInfo describes the format of a decoded WAV file
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	Float         bool    `json:"float"`
	NumSamples    int     `json:"num_samples"`
	Duration      float64 `json:"duration_seconds"`
}

// EncodeWAV encodes mono float32 samples in [-1, 1] as a 16-bit PCM WAV file.
// Out of range samples are clipped.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		pcm[i] = floatToPCM16(s)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

func floatToPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}

// DecodeWAV decodes a RIFF/WAVE file holding 16-bit PCM or 32-bit float
// samples. Multi-channel audio is averaged down to mono. Unknown chunks
// between "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]float32, *WAVInfo, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		info      WAVInfo
		format    uint16
		haveFmt   bool
		payload   []byte
		havePayld bool
	)

	// Walk chunks until both fmt and data are found
	off := 12
	for off+8 <= len(data) && !havePayld {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// Truncated data chunks are common from streaming writers
			if id != "data" {
				return nil, nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			payload = data[body:end]
			havePayld = true
		}

		// Chunks are word aligned
		off = end + size%2
	}

	if !haveFmt {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if !havePayld {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if info.Channels <= 0 {
		return nil, nil, fmt.Errorf("invalid channel count: %d", info.Channels)
	}
	if info.SampleRate <= 0 {
		return nil, nil, fmt.Errorf("invalid sample rate: %d", info.SampleRate)
	}

	var frames []float32
	switch {
	case format == wavFormatPCM && info.BitsPerSample == 16:
		frames = decodePCM16(payload, info.Channels)
	case format == wavFormatFloat && info.BitsPerSample == 32:
		info.Float = true
		frames = decodeFloat32(payload, info.Channels)
	default:
		return nil, nil, fmt.Errorf("unsupported audio format %d with %d bits per sample", format, info.BitsPerSample)
	}

	if len(frames) == 0 {
		return nil, nil, fmt.Errorf("no audio data found")
	}

	info.NumSamples = len(frames)
	info.Duration = float64(len(frames)) / float64(info.SampleRate)

	return frames, &info, nil
}

func decodePCM16(payload []byte, channels int) []float32 {
	frameSize := 2 * channels
	n := len(payload) / frameSize
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			p := i*frameSize + c*2
			v := int16(binary.LittleEndian.Uint16(payload[p : p+2]))
			sum += float32(v) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func decodeFloat32(payload []byte, channels int) []float32 {
	frameSize := 4 * channels
	n := len(payload) / frameSize
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			p := i*frameSize + c*4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(payload[p : p+4]))
		}
		out[i] = sum / float32(channels)
	}
	return out
}
