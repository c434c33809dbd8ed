package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts mono float32 audio from a client rate to SampleRate.
// It keeps filter state between calls, so one Resampler serves one stream.
// Not safe for concurrent use.
type Resampler struct {
	inputRate  int
	outputRate int
	resampler  resampling.Resampler
}

// NewResampler creates a resampler from inputRate to SampleRate.
// When the rates match the resampler passes samples through.
func NewResampler(inputRate int) (*Resampler, error) {
	return NewResamplerTo(inputRate, SampleRate)
}

// NewResamplerTo creates a resampler between two arbitrary rates
func NewResamplerTo(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", inputRate, outputRate)
	}

	r := &Resampler{inputRate: inputRate, outputRate: outputRate}
	if inputRate == outputRate {
		return r, nil
	}

	config := &resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	}

	var err error
	r.resampler, err = resampling.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	return r, nil
}

// Passthrough reports whether no rate conversion happens
func (r *Resampler) Passthrough() bool {
	return r.resampler == nil
}

// Process resamples one block of samples
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.resampler == nil || len(samples) == 0 {
		return samples, nil
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s)
	}

	output, err := r.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample %d -> %d: %w", r.inputRate, r.outputRate, err)
	}

	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return out, nil
}
