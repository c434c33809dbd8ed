package audio

import "math"

// Sanitize returns a copy of samples with NaN and Inf replaced by zero,
// along with the number of replaced samples
func Sanitize(samples []float32) ([]float32, int) {
	out := make([]float32, len(samples))
	replaced := 0
	for i, s := range samples {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			replaced++
			continue
		}
		out[i] = s
	}
	return out, replaced
}

// IsSilent reports whether samples is empty or entirely zero
func IsSilent(samples []float32) bool {
	for _, s := range samples {
		if s != 0 {
			return false
		}
	}
	return true
}
