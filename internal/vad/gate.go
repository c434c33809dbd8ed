package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Gate decides whether a block of audio carries enough energy to be worth
// recognizing. A zero threshold disables the gate.
type Gate struct {
	threshold float64

	// Statistics
	totalBlocks  uint64
	voiceBlocks  uint64
	lastEnergy   float64
	lastDecision time.Time

	mu sync.RWMutex
}

// Decision is the outcome of one gate evaluation
type Decision struct {
	Energy   float64 `json:"energy"`    // RMS energy of the block (0.0 - 1.0 for normalized audio)
	HasVoice bool    `json:"has_voice"` // Whether the block passes the gate
}

// GateStats represents gate statistics for monitoring
type GateStats struct {
	Enabled         bool      `json:"enabled"`
	Threshold       float64   `json:"threshold"`
	TotalBlocks     uint64    `json:"total_blocks"`
	VoiceBlocks     uint64    `json:"voice_blocks"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastEnergy      float64   `json:"last_energy"`
	LastDecision    time.Time `json:"last_decision"`
}

// NewGate creates a gate with the given RMS threshold in [0, 1)
func NewGate(threshold float64) (*Gate, error) {
	if threshold < 0 || threshold >= 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("threshold must be in [0, 1), got %f", threshold)
	}
	return &Gate{threshold: threshold}, nil
}

// Enabled reports whether the gate filters anything
func (g *Gate) Enabled() bool {
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold > 0
}

// Evaluate computes the RMS energy of samples and compares it to the threshold.
// A nil or disabled gate lets every block through.
func (g *Gate) Evaluate(samples []float32) Decision {
	energy := RMS(samples)
	if g == nil {
		return Decision{Energy: energy, HasVoice: true}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	hasVoice := g.threshold == 0 || energy >= g.threshold

	g.totalBlocks++
	if hasVoice {
		g.voiceBlocks++
	}
	g.lastEnergy = energy
	g.lastDecision = time.Now()

	return Decision{Energy: energy, HasVoice: hasVoice}
}

// RMS returns the root mean square of samples, or 0 for an empty block
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// UpdateThreshold changes the gate threshold
func (g *Gate) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold >= 1 || math.IsNaN(threshold) {
		return fmt.Errorf("threshold must be in [0, 1), got %f", threshold)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.threshold = threshold
	return nil
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	voicePercentage := float64(0)
	if g.totalBlocks > 0 {
		voicePercentage = float64(g.voiceBlocks) / float64(g.totalBlocks) * 100
	}

	return GateStats{
		Enabled:         g.threshold > 0,
		Threshold:       g.threshold,
		TotalBlocks:     g.totalBlocks,
		VoiceBlocks:     g.voiceBlocks,
		VoicePercentage: voicePercentage,
		LastEnergy:      g.lastEnergy,
		LastDecision:    g.lastDecision,
	}
}

// Reset clears gate statistics
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.totalBlocks = 0
	g.voiceBlocks = 0
	g.lastEnergy = 0
	g.lastDecision = time.Time{}
}
