// Package audio handles per-session audio buffering and format conversion.
// It accumulates float32 sample chunks in arrival order, drains them fully or
// with an overlap tail for streaming recognition, and encodes/decodes WAV.
package audio
