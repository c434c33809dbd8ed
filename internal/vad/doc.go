// Package vad provides an energy based voice activity gate. Streaming cycles
// consult the gate before recognition so that silent stretches of audio are
// not sent to the recognition engine.
package vad
